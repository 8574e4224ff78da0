// Package daemon implements runtime-file management and process lifecycle:
// the PID file and socket path conventions, the single-instance liveness
// check, the accept loop with its shutdown grace period, and the
// start/stop/logs orchestration.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrCorruptPID is returned by ReadPID when the file's contents are not a
// decimal process id.
var ErrCorruptPID = errors.New("daemon: pid file contents are not a valid process id")

// Liveness is the result of probing a process id.
type Liveness int

const (
	Dead Liveness = iota
	Alive
	PermissionDenied
)

// FileManager owns the well-known per-user paths for the PID file and the
// agent socket. It does not create the socket itself — that is Listener's
// job on bind — it only knows where the files live and how to remove them.
type FileManager struct {
	socketPath string
	pidPath    string
}

// NewFileManager resolves the deterministic, per-user runtime file paths
// under the system temp directory: vc-<username>-ssh-agent.{pid,sock}.
func NewFileManager() (*FileManager, error) {
	u, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("resolve current user: %w", err)
	}
	base := fmt.Sprintf("vc-%s-ssh-agent", sanitizeUsername(u.Username))
	dir := os.TempDir()
	return &FileManager{
		socketPath: filepath.Join(dir, base+".sock"),
		pidPath:    filepath.Join(dir, base+".pid"),
	}, nil
}

// sanitizeUsername strips path separators so a weird username can never
// escape the temp directory or collide with an unrelated path.
func sanitizeUsername(name string) string {
	return strings.NewReplacer("/", "_", string(filepath.Separator), "_").Replace(name)
}

// SocketPath returns the deterministic per-user socket path.
func (fm *FileManager) SocketPath() string { return fm.socketPath }

// PIDPath returns the deterministic per-user PID file path.
func (fm *FileManager) PIDPath() string { return fm.pidPath }

// WritePID creates (or truncates) the PID file with mode 0644 and the
// given process id.
func (fm *FileManager) WritePID(pid int) error {
	data := []byte(strconv.Itoa(pid) + "\n")
	if err := os.WriteFile(fm.pidPath, data, 0644); err != nil {
		return fmt.Errorf("write pid file %s: %w", fm.pidPath, err)
	}
	return nil
}

// ReadPID parses the PID file's contents as a decimal process id. Absence
// of the file is reported via the standard os.ErrNotExist sentinel so
// callers can distinguish "not running" from "corrupt".
func (fm *FileManager) ReadPID() (int, error) {
	data, err := os.ReadFile(fm.pidPath)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("%w: %s", ErrCorruptPID, fm.pidPath)
	}
	return pid, nil
}

// IsAlive sends a zero-signal to pid to probe its liveness.
func IsAlive(pid int) Liveness {
	err := unix.Kill(pid, 0)
	switch {
	case err == nil:
		return Alive
	case errors.Is(err, unix.EPERM):
		return PermissionDenied
	default:
		return Dead
	}
}

// RemoveRuntimeFiles idempotently removes the PID file and socket file;
// missing files are not an error.
func (fm *FileManager) RemoveRuntimeFiles() error {
	if err := removeIfExists(fm.pidPath); err != nil {
		return err
	}
	return removeIfExists(fm.socketPath)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}
