package vault

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitwarden/sdk-go"
)

// Default Bitwarden Secrets Manager endpoints, matching the public cloud
// instance. Self-hosted deployments override these via BitwardenConfig.
const (
	DefaultAPIURL      = "https://vault.bitwarden.com/api"
	DefaultIdentityURL = "https://vault.bitwarden.com/identity"
)

// BitwardenConfig carries the settings needed to authenticate a
// BitwardenFetcher against Bitwarden Secrets Manager.
type BitwardenConfig struct {
	APIURL      string // defaults to DefaultAPIURL
	IdentityURL string // defaults to DefaultIdentityURL
	AccessToken string // required

	// StateFilePath is where the SDK persists its session state between
	// logins. Defaults to a path under the OS temp directory.
	StateFilePath string
}

// BitwardenFetcher implements Fetcher over Bitwarden Secrets Manager.
// It authenticates once, at construction, and holds a single shared client
// for the lifetime of the daemon.
type BitwardenFetcher struct {
	client sdk.BitwardenClientInterface
}

// NewBitwardenFetcher constructs and authenticates a BitwardenFetcher. A
// failure here is fatal at daemon startup (AuthFailed).
func NewBitwardenFetcher(cfg BitwardenConfig) (*BitwardenFetcher, error) {
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	identityURL := cfg.IdentityURL
	if identityURL == "" {
		identityURL = DefaultIdentityURL
	}
	statePath := cfg.StateFilePath
	if statePath == "" {
		statePath = filepath.Join(os.TempDir(), "vault-conductor-bw-state.json")
	}

	client, err := sdk.NewBitwardenClient(&apiURL, &identityURL)
	if err != nil {
		return nil, fmt.Errorf("create bitwarden client: %w", err)
	}

	if err := client.AccessTokenLogin(cfg.AccessToken, &statePath); err != nil {
		client.Close()
		return nil, &FetchError{Kind: KindAuthFailed, Err: err}
	}

	return &BitwardenFetcher{client: client}, nil
}

// GetSecret implements Fetcher.
func (f *BitwardenFetcher) GetSecret(_ context.Context, id string) (SecretData, error) {
	secret, err := f.client.Secrets().Get(id)
	if err != nil {
		return SecretData{}, &FetchError{Kind: classify(err), ID: id, Err: err}
	}
	return SecretData{Name: secret.Key, Value: secret.Value}, nil
}

// Close releases the underlying SDK client.
func (f *BitwardenFetcher) Close() error {
	f.client.Close()
	return nil
}

// classify maps the SDK's opaque error strings to a Kind. The SDK does not
// expose typed errors, so this is a best-effort heuristic; anything
// unrecognized is treated as transport, the conservative choice that keeps
// the request retryable on a later cache miss.
func classify(err error) Kind {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found"), strings.Contains(msg, "doesn't exist"):
		return KindNotFound
	case strings.Contains(msg, "access token"), strings.Contains(msg, "unauthorized"), strings.Contains(msg, "unauthenticated"):
		return KindAuthFailed
	default:
		return KindTransport
	}
}
