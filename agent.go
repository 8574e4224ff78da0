// Package vcagent implements the SSH agent wire protocol, serving keys
// whose canonical storage lives in a remote secrets vault rather than on
// local disk.
//
// A [Server] implements [agent.Agent] (and [agent.ExtendedAgent] for RSA
// SHA-2 signature flags) over an index-aligned [keycache.Cache]: slot i
// corresponds to the i'th configured secret id, fetched and parsed lazily
// and at most once concurrently.
package vcagent

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/vault-conductor/vault-conductor/internal/keycache"
)

// errNotSupported is returned by the agent.Agent methods this agent does
// not implement: its key set is derived entirely from the configured
// vault secret ids and cannot be mutated by a client.
var errNotSupported = errors.New("vcagent: not supported")

// Config carries the settings for a [Server].
type Config struct {
	// Cache resolves each configured secret slot to a parsed signer. It
	// must be set.
	Cache *keycache.Cache

	// Logf, if set, is used to write logs. If nil, logs are discarded.
	Logf func(string, ...any)
}

// Server implements the SSH agent protocol over a [keycache.Cache]. The
// caller must call [agent.ServeAgent] (via [Server.ServeOne]) to expose the
// server to clients.
type Server struct {
	cache *keycache.Cache
	logf  func(string, ...any)
}

// NewServer constructs a Server from config.
func NewServer(config Config) *Server {
	if config.Cache == nil {
		panic("vcagent: nil Cache")
	}
	logf := config.Logf
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Server{cache: config.Cache, logf: logf}
}

// ServeOne serves the agent protocol to conn until EOF, a transport error,
// or client disconnect's per-connection lifecycle. It is
// safe to call concurrently from multiple goroutines with separate
// connections.
func (s *Server) ServeOne(conn io.ReadWriter) error {
	return agent.ServeAgent(s, conn)
}

// List implements part of the agent.Agent interface: REQUEST_IDENTITIES
// . Slots that fail to fetch or parse are omitted and logged at
// warning; a single vault failure must not blind the agent to other keys.
func (s *Server) List() ([]*agent.Key, error) {
	ctx := context.Background()
	keys := make([]*agent.Key, 0, s.cache.Len())
	for i := 0; i < s.cache.Len(); i++ {
		signer, err := s.cache.Signer(ctx, i)
		if err != nil {
			s.logf("list: skipping slot %d: %v", i, err)
			continue
		}
		name, err := s.cache.Name(ctx, i)
		if err != nil {
			s.logf("list: skipping slot %d: %v", i, err)
			continue
		}
		keys = append(keys, &agent.Key{
			Format:  signer.PublicKey().Type(),
			Blob:    signer.PublicKey().Marshal(),
			Comment: name,
		})
	}
	return keys, nil
}

// Sign implements part of the agent.Agent interface: signing with no
// signature-algorithm flags, which for RSA keys means the default ssh-rsa
// (SHA-1) algorithm, for client compatibility.
func (s *Server) Sign(key ssh.PublicKey, data []byte) (*ssh.Signature, error) {
	return s.SignWithFlags(key, data, 0)
}

// SignWithFlags implements agent.ExtendedAgent, honoring
// SSH_AGENT_RSA_SHA2_256/512.
func (s *Server) SignWithFlags(key ssh.PublicKey, data []byte, flags agent.SignatureFlags) (*ssh.Signature, error) {
	ctx := context.Background()
	signer, err := s.findSigner(ctx, key)
	if err != nil {
		s.logf("sign: %v", err)
		return nil, err
	}

	algo := algorithmFor(signer, flags)
	if algo == "" {
		sig, err := signer.Sign(rand.Reader, data)
		if err != nil {
			s.logf("sign: %v", err)
			return nil, fmt.Errorf("vcagent: sign: %w", err)
		}
		return sig, nil
	}
	algoSigner, ok := signer.(ssh.AlgorithmSigner)
	if !ok {
		return nil, fmt.Errorf("vcagent: key type %s does not support algorithm selection", signer.PublicKey().Type())
	}
	sig, err := algoSigner.SignWithAlgorithm(rand.Reader, data, algo)
	if err != nil {
		s.logf("sign: %v", err)
		return nil, fmt.Errorf("vcagent: sign: %w", err)
	}
	return sig, nil
}

// algorithmFor returns the explicit signature algorithm to request for an
// RSA signer given the client's requested flags (ssh-rsa when neither SHA-2
// flag is set), or "" for non-RSA keys, which sign with their sole algorithm.
func algorithmFor(signer ssh.Signer, flags agent.SignatureFlags) string {
	if signer.PublicKey().Type() != ssh.KeyAlgoRSA {
		return ""
	}
	switch {
	case flags&agent.SignatureFlagRsaSha512 != 0:
		return ssh.SigAlgoRSASHA2512
	case flags&agent.SignatureFlagRsaSha256 != 0:
		return ssh.SigAlgoRSASHA2256
	default:
		return ssh.SigAlgoRSA
	}
}

// findSigner locates the cached signer whose public key blob matches key
// byte-exactly.
func (s *Server) findSigner(ctx context.Context, key ssh.PublicKey) (ssh.Signer, error) {
	wantBlob := key.Marshal()
	for i := 0; i < s.cache.Len(); i++ {
		signer, err := s.cache.Signer(ctx, i)
		if err != nil {
			continue // unavailable slots are simply not candidates
		}
		if string(signer.PublicKey().Marshal()) == string(wantBlob) {
			return signer, nil
		}
	}
	return nil, errors.New("vcagent: key not found")
}

// Add implements part of the agent.Agent interface.
// This agent's key set is derived entirely from the vault; adding keys
// locally is not supported.
func (s *Server) Add(key agent.AddedKey) error {
	return errNotSupported
}

// Remove implements part of the agent.Agent interface. Not supported: keys
// are defined by the vault's configured secret ids, not removable by a
// client.
func (s *Server) Remove(key ssh.PublicKey) error {
	return errNotSupported
}

// RemoveAll implements part of the agent.Agent interface. Not supported.
func (s *Server) RemoveAll() error {
	return errNotSupported
}

// Lock implements part of the agent.Agent interface. Not supported: this
// agent defines no lock/unlock semantics.
func (s *Server) Lock(passphrase []byte) error {
	return errNotSupported
}

// Unlock implements part of the agent.Agent interface. Not supported.
func (s *Server) Unlock(passphrase []byte) error {
	return errNotSupported
}

// Signers implements part of the agent.Agent interface.
func (s *Server) Signers() ([]ssh.Signer, error) {
	ctx := context.Background()
	out := make([]ssh.Signer, 0, s.cache.Len())
	for i := 0; i < s.cache.Len(); i++ {
		signer, err := s.cache.Signer(ctx, i)
		if err != nil {
			continue
		}
		out = append(out, signer)
	}
	return out, nil
}

// Extension implements part of the agent.ExtendedAgent interface.
// Extensions are not supported
func (s *Server) Extension(extensionType string, contents []byte) ([]byte, error) {
	return nil, agent.ErrExtensionUnsupported
}
