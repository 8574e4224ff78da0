package daemon

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/creachadair/taskgroup"
)

// GracePeriod bounds how long in-flight connections are given to finish
// their current message after a shutdown signal before they're abandoned.
const GracePeriod = 300 * time.Millisecond

// SessionServer serves the agent protocol over a single connection. It is
// implemented by vcagent.Server.
type SessionServer interface {
	ServeOne(conn io.ReadWriter) error
}

// Listener binds the agent's Unix socket and runs its accept loop.
type Listener struct {
	fm   *FileManager
	logf func(string, ...any)
}

// NewListener constructs a Listener for the socket path owned by fm.
func NewListener(fm *FileManager, logf func(string, ...any)) *Listener {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Listener{fm: fm, logf: logf}
}

// Bind creates the Unix socket at the FileManager's socket path with mode
// 0600. If a socket node already exists there, isRunning is consulted
// before it is unlinked — Bind refuses to displace another live daemon's
// socket .
func (l *Listener) Bind(isRunning func() bool) (net.Listener, error) {
	path := l.fm.SocketPath()
	if _, err := os.Stat(path); err == nil {
		if isRunning() {
			return nil, fmt.Errorf("bind %s: %w", path, ErrAlreadyRunning)
		}
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return nil, fmt.Errorf("remove stale socket %s: %w", path, rmErr)
		}
	}

	lst, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		lst.Close()
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}
	return lst, nil
}

// Serve accepts connections on lst, running each through its own
// AgentSession in an independent task, until shutdown closes or lst itself
// closes. When shutdown fires, the accept loop stops immediately; in-flight
// sessions are given up to GracePeriod to finish their current message
// before being abandoned
func (l *Listener) Serve(shutdown <-chan struct{}, lst net.Listener, srv SessionServer) {
	stopWatch := make(chan struct{})
	var g taskgroup.Group
	g.Run(func() {
		select {
		case <-shutdown:
			l.logf("listener: shutdown requested, closing socket")
			lst.Close()
		case <-stopWatch:
		}
	})

	for {
		conn, err := lst.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				l.logf("listener: accept error: %v", err)
			}
			break
		}
		g.Go(func() error {
			if err := srv.ServeOne(conn); err != nil && !errors.Is(err, io.EOF) {
				l.logf("session: %v", err)
			}
			return nil
		})
	}
	close(stopWatch)

	sessionsDone := make(chan struct{})
	go func() {
		g.Wait()
		close(sessionsDone)
	}()
	select {
	case <-sessionsDone:
	case <-time.After(GracePeriod):
		l.logf("listener: grace period elapsed, abandoning in-flight connections")
	}
}
