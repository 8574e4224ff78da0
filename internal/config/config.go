// Package config loads vault-conductor's configuration: a YAML file with
// two recognized keys, overridden by environment variables when present.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/OpenPeeDeeP/xdg"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ErrMissingToken is returned when no access token was supplied by either
// the config file or the environment.
var ErrMissingToken = errors.New("config: bws_access_token is required")

// ErrEmptySecretIDs is returned when the resolved secret id list is empty.
var ErrEmptySecretIDs = errors.New("config: bw_secret_ids must not be empty")

// Config is the loaded, immutable configuration.
type Config struct {
	AccessToken string
	SecretIDs   []string
}

type fileConfig struct {
	AccessToken string   `yaml:"bws_access_token"`
	SecretIDs   []string `yaml:"bw_secret_ids"`
}

type envConfig struct {
	AccessToken string `env:"BWS_ACCESS_TOKEN"`
	SecretIDs   string `env:"BW_SECRET_IDS"`
}

var knownKeys = map[string]bool{
	"bws_access_token": true,
	"bw_secret_ids":    true,
}

// DefaultPath returns the default config file location,
// <user-config-dir>/vault-conductor/config.yaml.
func DefaultPath() string {
	dirs := xdg.New("", "vault-conductor")
	return filepath.Join(dirs.ConfigHome(), "config.yaml")
}

// Load reads the config file at path (DefaultPath() if empty), applies any
// environment variable overrides, and validates the result fails fast.
// logf receives warnings about unrecognized config keys; it may be nil.
func Load(path string, logf func(string, ...any)) (*Config, error) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	if path == "" {
		path = DefaultPath()
	}

	var fc fileConfig
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if uerr := yaml.Unmarshal(data, &fc); uerr != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, uerr)
		}
		warnUnrecognizedKeys(data, path, logf)
	case errors.Is(err, os.ErrNotExist):
		// No file is fine: the environment may supply everything.
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var ec envConfig
	if err := env.Parse(&ec); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	cfg := &Config{
		AccessToken: fc.AccessToken,
		SecretIDs:   fc.SecretIDs,
	}
	if ec.AccessToken != "" {
		cfg.AccessToken = ec.AccessToken
	}
	if ec.SecretIDs != "" {
		cfg.SecretIDs = splitCSV(ec.SecretIDs)
	}

	if cfg.AccessToken == "" {
		return nil, ErrMissingToken
	}
	if len(cfg.SecretIDs) == 0 {
		return nil, ErrEmptySecretIDs
	}
	return cfg, nil
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func warnUnrecognizedKeys(data []byte, path string, logf func(string, ...any)) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return
	}
	for k := range raw {
		if !knownKeys[k] {
			logf("config %s: ignoring unrecognized key %q", path, k)
		}
	}
}
