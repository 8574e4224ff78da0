// Package keycache implements a per-index lazy key cache: each of the
// daemon's configured secret slots is fetched and parsed from the vault at
// most once, no matter how many callers race to resolve it first, and a
// failed attempt leaves the slot open for a future retry rather than
// poisoning it forever.
package keycache

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/vault-conductor/vault-conductor/internal/vault"
)

// ErrOutOfRange is returned when a slot index is not a valid index into the
// configured secret id list.
var ErrOutOfRange = errors.New("keycache: slot index out of range")

// MalformedKeyError wraps a parse failure for a secret's value.
type MalformedKeyError struct {
	SecretID string
	Err      error
}

func (e *MalformedKeyError) Error() string {
	return fmt.Sprintf("keycache: secret %s is not a valid OpenSSH private key: %v", e.SecretID, e.Err)
}

func (e *MalformedKeyError) Unwrap() error { return e.Err }

type entry struct {
	signer ssh.Signer
	name   string
}

// slot tracks the lazy-init state of a single cache position. At most one
// fetch is ever in flight for a slot at a time: a concurrent caller either
// finds a populated entry, joins the in-flight fetch by waiting on pending,
// or becomes the one to start a fetch. After every attempt pending is
// cleared; on failure entry stays nil, so the next caller starts a fresh
// attempt.
type slot struct {
	mu      sync.Mutex
	entry   *entry
	err     error
	pending chan struct{}
}

// Cache is an index-aligned, daemon-lifetime cache over a fixed, ordered
// list of secret ids.
type Cache struct {
	secretIDs []string
	fetcher   vault.Fetcher
	logf      func(string, ...any)
	slots     []*slot
}

// New constructs a Cache with one empty slot per secret id. No vault calls
// are made until a slot is first requested.
func New(secretIDs []string, fetcher vault.Fetcher, logf func(string, ...any)) *Cache {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	slots := make([]*slot, len(secretIDs))
	for i := range slots {
		slots[i] = &slot{}
	}
	return &Cache{
		secretIDs: append([]string(nil), secretIDs...),
		fetcher:   fetcher,
		logf:      logf,
		slots:     slots,
	}
}

// Len returns the number of configured slots.
func (c *Cache) Len() int { return len(c.secretIDs) }

// Signer returns the parsed private key for slot i, fetching and parsing it
// on first access.
func (c *Cache) Signer(ctx context.Context, i int) (ssh.Signer, error) {
	e, err := c.get(ctx, i)
	if err != nil {
		return nil, err
	}
	return e.signer, nil
}

// Name returns the display name (comment) for slot i.
func (c *Cache) Name(ctx context.Context, i int) (string, error) {
	e, err := c.get(ctx, i)
	if err != nil {
		return "", err
	}
	return e.name, nil
}

func (c *Cache) get(ctx context.Context, i int) (*entry, error) {
	if i < 0 || i >= len(c.secretIDs) {
		return nil, ErrOutOfRange
	}
	s := c.slots[i]

	for {
		s.mu.Lock()
		if s.entry != nil {
			e := s.entry
			s.mu.Unlock()
			return e, nil
		}
		if s.pending != nil {
			wait := s.pending
			s.mu.Unlock()
			<-wait // join the in-flight fetch; no lock held across the wait
			continue
		}
		wait := make(chan struct{})
		s.pending = wait
		s.mu.Unlock()

		e, err := c.fetchAndParse(ctx, i)

		s.mu.Lock()
		s.pending = nil
		if err == nil {
			s.entry = e
		}
		s.err = err
		s.mu.Unlock()
		close(wait)

		if err != nil {
			return nil, err
		}
		return e, nil
	}
}

// fetchAndParse performs the single vault call and parse for slot i. It is
// never called with any Cache lock held.
func (c *Cache) fetchAndParse(ctx context.Context, i int) (*entry, error) {
	id := c.secretIDs[i]
	sd, err := c.fetcher.GetSecret(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch secret %s: %w", id, err)
	}
	signer, err := ssh.ParsePrivateKey([]byte(sd.Value))
	if err != nil {
		return nil, &MalformedKeyError{SecretID: id, Err: err}
	}
	name := sd.Name
	if name == "" {
		name = parseComment([]byte(sd.Value))
	}
	return &entry{signer: signer, name: name}, nil
}

// parseComment extracts the public key comment field from the PEM-encoded
// OpenSSH private key, for vault secrets whose display name is empty.
func parseComment(key []byte) string {
	blk, _ := pem.Decode(key)
	if blk == nil {
		return ""
	}

	// The OpenSSH key format begins with a header followed by a public and
	// a private key section. Cut off the header and skip the public key to
	// reach the private section, where the comment resides. The header is
	// separated from the keys by a hard-coded uint32 key count of 1
	// (big-endian).
	_, keys, ok := bytes.Cut(blk.Bytes, []byte("\x00\x00\x00\x01"))
	if !ok {
		return ""
	}

	pubLen := int(binary.BigEndian.Uint32(keys))
	if 4+pubLen > len(keys) {
		return ""
	}
	keys = keys[4+pubLen:]

	privLen := int(binary.BigEndian.Uint32(keys))
	if 4+privLen > len(keys) {
		return ""
	}

	for n := len(keys) - 1; n >= 0 && keys[n] < 0x08; n-- {
		keys = keys[:n]
	}
	if len(keys) < 12 {
		return ""
	}
	keys = keys[4:] // length prefix, already checked above
	keys = keys[8:] // checksum, unused

	// The comment is the last length-prefixed field of the private key
	// section. Skip past all the others to find it.
	for len(keys) >= 4 {
		n := int(binary.BigEndian.Uint32(keys))
		if 4+n == len(keys) {
			return string(keys[4:])
		}
		if 4+n > len(keys) {
			return ""
		}
		keys = keys[4+n:]
	}
	return ""
}
