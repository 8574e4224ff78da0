// Program vc is the vault-conductor CLI: start, stop, and inspect the
// background SSH agent daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"

	vcagent "github.com/vault-conductor/vault-conductor"
	"github.com/vault-conductor/vault-conductor/internal/config"
	"github.com/vault-conductor/vault-conductor/internal/daemon"
	"github.com/vault-conductor/vault-conductor/internal/keycache"
	"github.com/vault-conductor/vault-conductor/internal/logging"
	"github.com/vault-conductor/vault-conductor/internal/vault"
)

// Exit codes
const (
	exitOK             = 0
	exitError          = 1
	exitAlreadyRunning = 2
	exitNotRunning     = 3
)

// verbosity implements flag.Value, incrementing once per -v, matching the
// conventional -v/-vv/-vvv escalation (bundled short forms like -vvv aren't
// native to the standard flag package; repeated -v -v -v is the supported
// spelling).
type verbosity int

func (v *verbosity) String() string { return fmt.Sprintf("%d", int(*v)) }
func (v *verbosity) Set(string) error {
	*v++
	return nil
}
func (v *verbosity) IsBoolFlag() bool { return true }

var startFlags struct {
	Foreground bool      `flag:"fg,Run in the foreground instead of spawning a background daemon"`
	ConfigPath string    `flag:"config,Path to the configuration file (default: platform config dir)"`
	Verbose    verbosity `flag:"v,Increase verbosity (repeatable)"`
}

func main() {
	root := &command.C{
		Name: command.ProgramName(),
		Help: "Broker SSH private-key signing operations for keys stored in a secrets vault.",
		Commands: []*command.C{
			{
				Name:     "start",
				Help:     "Start the agent daemon.",
				SetFlags: command.Flags(flax.MustBind, &startFlags),
				Run:      command.Adapt(runStart),
			},
			{
				Name: "stop",
				Help: "Stop the background agent daemon.",
				Run:  command.Adapt(runStop),
			},
			{
				Name: "logs",
				Help: "Open the agent's log file in a pager.",
				Run:  command.Adapt(runLogs),
			},
			command.HelpCommand(nil),
			command.VersionCommand(),
		},
	}
	command.RunOrFail(root.NewEnv(nil).SetContext(context.Background()), os.Args[1:])
}

func runStart(env *command.Env) error {
	fm, err := daemon.NewFileManager()
	if err != nil {
		fmt.Fprintln(os.Stderr, "vc:", err)
		os.Exit(exitError)
	}
	sup := daemon.NewSupervisor(fm, nil)

	if os.Getenv(daemon.ChildEnvMarker) != "1" && !startFlags.Foreground {
		if err := sup.StartBackground(defaultLogPathOrDie(), backgroundArgs()); err != nil {
			fmt.Fprintln(os.Stderr, "vc:", err)
			os.Exit(exitError)
		}
		return nil
	}

	return runForeground(env.Context(), fm, sup)
}

// backgroundArgs re-derives the flags to pass to the re-executed child,
// since StartBackground only forwards argv, not already-parsed flags.
func backgroundArgs() []string {
	var args []string
	if startFlags.ConfigPath != "" {
		args = append(args, "--config", startFlags.ConfigPath)
	}
	for i := 0; i < int(startFlags.Verbose); i++ {
		args = append(args, "-v")
	}
	return args
}

func runForeground(ctx context.Context, fm *daemon.FileManager, sup *daemon.Supervisor) error {
	logPath, err := logging.DefaultLogPath()
	if err != nil {
		return fmt.Errorf("resolve log path: %w", err)
	}
	logFile, err := logging.OpenLogFile(logPath)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()

	level := logging.LevelFor(int(startFlags.Verbose))
	logger := logging.New(logFile, level)

	if err := sup.CheckSingleInstance(); err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			fmt.Fprintln(os.Stderr, "vc: agent is already running")
			os.Exit(exitAlreadyRunning)
		}
		return err
	}

	cfg, err := config.Load(startFlags.ConfigPath, logger.Logf)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	bwCfg := vault.BitwardenConfig{AccessToken: cfg.AccessToken}
	fetcher, err := vault.NewBitwardenFetcher(bwCfg)
	if err != nil {
		return fmt.Errorf("authenticate vault: %w", err)
	}
	defer fetcher.Close()

	cache := keycache.New(cfg.SecretIDs, fetcher, logger.Logf)
	srv := vcagent.NewServer(vcagent.Config{Cache: cache, Logf: logger.Logf})

	lstComponent := daemon.NewListener(fm, logger.Logf)
	lst, err := lstComponent.Bind(sup.IsRunning)
	if err != nil {
		return fmt.Errorf("bind socket: %w", err)
	}

	return sup.RunForeground(ctx, func(runCtx context.Context) error {
		shutdown := make(chan struct{})
		go func() {
			<-runCtx.Done()
			close(shutdown)
		}()
		lstComponent.Serve(shutdown, lst, srv)
		return nil
	})
}

func runStop(env *command.Env) error {
	fm, err := daemon.NewFileManager()
	if err != nil {
		fmt.Fprintln(os.Stderr, "vc:", err)
		os.Exit(exitError)
	}
	sup := daemon.NewSupervisor(fm, nil)

	if err := sup.Stop(); err != nil {
		if errors.Is(err, daemon.ErrNotRunning) {
			fmt.Println("vc: agent is not running")
			os.Exit(exitNotRunning)
		}
		fmt.Fprintln(os.Stderr, "vc:", err)
		os.Exit(exitError)
	}
	return nil
}

func runLogs(env *command.Env) error {
	path, err := logging.DefaultLogPath()
	if err != nil {
		return fmt.Errorf("resolve log path: %w", err)
	}
	if err := daemon.Logs(path); err != nil {
		fmt.Fprintln(os.Stderr, "vc:", err)
		os.Exit(exitError)
	}
	return nil
}

func defaultLogPathOrDie() string {
	path, err := logging.DefaultLogPath()
	if err != nil {
		fmt.Fprintln(os.Stderr, "vc:", err)
		os.Exit(exitError)
	}
	return path
}
