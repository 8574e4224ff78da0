package keycache_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vault-conductor/vault-conductor/internal/keycache"
	"github.com/vault-conductor/vault-conductor/internal/vault"
)

// fakeFetcher is a mocked vault.Fetcher for tests: an in-memory map keyed
// by secret id, with optional per-id errors, a configurable delay (to
// exercise contention), and a call counter per id.
type fakeFetcher struct {
	mu     sync.Mutex
	values map[string]vault.SecretData
	errs   map[string]error
	delay  time.Duration
	calls  map[string]*int64
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		values: make(map[string]vault.SecretData),
		errs:   make(map[string]error),
		calls:  make(map[string]*int64),
	}
}

func (f *fakeFetcher) put(id string, sd vault.SecretData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[id] = sd
}

func (f *fakeFetcher) failOnce(id string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[id] = err
}

func (f *fakeFetcher) callCount(id string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.calls[id]; ok {
		return atomic.LoadInt64(c)
	}
	return 0
}

func (f *fakeFetcher) GetSecret(ctx context.Context, id string) (vault.SecretData, error) {
	f.mu.Lock()
	counter, ok := f.calls[id]
	if !ok {
		var n int64
		counter = &n
		f.calls[id] = counter
	}
	atomic.AddInt64(counter, 1)
	delay := f.delay
	err := f.errs[id]
	delete(f.errs, id) // a configured failure fires exactly once, then clears
	sd := f.values[id]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return vault.SecretData{}, ctx.Err()
		}
	}
	if err != nil {
		return vault.SecretData{}, err
	}
	return sd, nil
}

func readTestKey(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read test key %s: %v", path, err)
	}
	return string(data)
}

func TestGetKeyOutOfRange(t *testing.T) {
	fetcher := newFakeFetcher()
	c := keycache.New([]string{"a", "b"}, fetcher, nil)

	if _, err := c.Signer(context.Background(), 2); !errors.Is(err, keycache.ErrOutOfRange) {
		t.Errorf("Signer(2): got %v, want ErrOutOfRange", err)
	}
	if _, err := c.Signer(context.Background(), -1); !errors.Is(err, keycache.ErrOutOfRange) {
		t.Errorf("Signer(-1): got %v, want ErrOutOfRange", err)
	}
}

func TestGetKeyFetchesOnce(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.put("A", vault.SecretData{Name: "alice@host", Value: readTestKey(t, "../vault/testdata/ed25519_a.key")})
	c := keycache.New([]string{"A"}, fetcher, nil)

	for i := 0; i < 5; i++ {
		if _, err := c.Signer(context.Background(), 0); err != nil {
			t.Fatalf("Signer(0) call %d: %v", i, err)
		}
	}
	if got := fetcher.callCount("A"); got != 1 {
		t.Errorf("fetch count = %d, want 1", got)
	}
}

func TestGetKeyConcurrentContention(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.delay = 200 * time.Millisecond
	fetcher.put("X", vault.SecretData{Name: "x@host", Value: readTestKey(t, "../vault/testdata/ed25519_a.key")})
	c := keycache.New([]string{"X"}, fetcher, nil)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Signer(context.Background(), 0)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if got := fetcher.callCount("X"); got != 1 {
		t.Errorf("fetch count = %d, want 1", got)
	}
}

func TestGetKeyRetriesAfterFailure(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.failOnce("A", fmt.Errorf("boom"))
	fetcher.put("A", vault.SecretData{Name: "alice@host", Value: readTestKey(t, "../vault/testdata/ed25519_a.key")})
	c := keycache.New([]string{"A"}, fetcher, nil)

	if _, err := c.Signer(context.Background(), 0); err == nil {
		t.Fatal("first Signer(0): expected error from fetch failure")
	}
	if _, err := c.Signer(context.Background(), 0); err != nil {
		t.Fatalf("second Signer(0): expected success after retry, got %v", err)
	}
	if got := fetcher.callCount("A"); got != 2 {
		t.Errorf("fetch count = %d, want 2 (one failure, one retry)", got)
	}
}

func TestGetKeyMalformedValueLeavesSlotOpen(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.put("A", vault.SecretData{Name: "alice@host", Value: "not a key"})
	c := keycache.New([]string{"A"}, fetcher, nil)

	_, err := c.Signer(context.Background(), 0)
	var malformed *keycache.MalformedKeyError
	if !errors.As(err, &malformed) {
		t.Fatalf("Signer(0): got %v, want MalformedKeyError", err)
	}

	fetcher.put("A", vault.SecretData{Name: "alice@host", Value: readTestKey(t, "../vault/testdata/ed25519_a.key")})
	if _, err := c.Signer(context.Background(), 0); err != nil {
		t.Fatalf("retry after malformed value: %v", err)
	}
}

func TestNameFetchesKeyToo(t *testing.T) {
	fetcher := newFakeFetcher()
	fetcher.put("A", vault.SecretData{Name: "alice@host", Value: readTestKey(t, "../vault/testdata/ed25519_a.key")})
	c := keycache.New([]string{"A"}, fetcher, nil)

	name, err := c.Name(context.Background(), 0)
	if err != nil {
		t.Fatalf("Name(0): %v", err)
	}
	if name != "alice@host" {
		t.Errorf("Name(0) = %q, want %q", name, "alice@host")
	}
	if got := fetcher.callCount("A"); got != 1 {
		t.Errorf("fetch count = %d, want 1", got)
	}
}
