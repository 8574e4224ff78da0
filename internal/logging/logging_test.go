package logging_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/vault-conductor/vault-conductor/internal/logging"
)

func TestLevelFor(t *testing.T) {
	cases := map[int]logging.Level{
		0: logging.LevelInfo,
		1: logging.LevelVerbose,
		2: logging.LevelDebug,
		3: logging.LevelTrace,
		9: logging.LevelTrace,
	}
	for vCount, want := range cases {
		if got := logging.LevelFor(vCount); got != want {
			t.Errorf("LevelFor(%d) = %v, want %v", vCount, got, want)
		}
	}
}

func TestLoggerDropsBelowMinLevel(t *testing.T) {
	var buf bytes.Buffer
	l := logging.New(&buf, logging.LevelInfo)

	l.Logf("visible %d", 1)
	l.DebugLogf("hidden %d", 2)

	out := buf.String()
	if !strings.Contains(out, "visible 1") {
		t.Errorf("expected info line in output, got %q", out)
	}
	if strings.Contains(out, "hidden 2") {
		t.Errorf("debug line should have been dropped, got %q", out)
	}
}

func TestLoggerDebugVisibleAtHigherLevel(t *testing.T) {
	var buf bytes.Buffer
	l := logging.New(&buf, logging.LevelDebug)

	l.DebugLogf("debugging %d", 7)

	if !strings.Contains(buf.String(), "debugging 7") {
		t.Errorf("expected debug line in output, got %q", buf.String())
	}
}
