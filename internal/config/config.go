// Package config loads the daemon configuration. Every timing constant in
// here is a default observed in production, not a contract; deployments tune
// them per acceptance tests.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root of zapdesk.toml.
type Config struct {
	ListenAddr string  `toml:"listen_addr"`
	DataDir    string  `toml:"data_dir"`
	Session    Session `toml:"session"`
	Sync       Sync    `toml:"sync"`
	Noise      Noise   `toml:"noise"`
}

// Session holds the per-tenant session lifecycle knobs.
type Session struct {
	// PairingWindowSecs is the validity window of one pairing code.
	PairingWindowSecs int `toml:"pairing_window_secs"`
	// PairingRetryCap bounds how many fresh codes are issued before the
	// attempt surfaces a pairing timeout.
	PairingRetryCap int `toml:"pairing_retry_cap"`
	// ReconnectMaxRetries bounds the reconnect budget after a transient drop.
	ReconnectMaxRetries int `toml:"reconnect_max_retries"`
	// ReconnectInitialBackoffMs and ReconnectMaxBackoffMs shape the
	// exponential backoff between reconnect attempts.
	ReconnectInitialBackoffMs int `toml:"reconnect_initial_backoff_ms"`
	ReconnectMaxBackoffMs     int `toml:"reconnect_max_backoff_ms"`
	// UnauthenticatedTTLSecs expires sessions whose pairing never completed.
	UnauthenticatedTTLSecs int `toml:"unauthenticated_ttl_secs"`
	// ShutdownGraceSecs bounds cooperative teardown before resources are
	// forcibly reclaimed.
	ShutdownGraceSecs int `toml:"shutdown_grace_secs"`
}

// Sync holds the catch-up poll knobs.
type Sync struct {
	PollIntervalSecs int `toml:"poll_interval_secs"`
}

// Noise holds the noise filter policy.
type Noise struct {
	ExcludeUnmanagedGroups bool     `toml:"exclude_unmanaged_groups"`
	ManagedGroups          []string `toml:"managed_groups"`
}

// Default returns the built-in configuration.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		ListenAddr: ":8420",
		DataDir:    filepath.Join(home, ".zapdesk"),
		Session: Session{
			PairingWindowSecs:         60,
			PairingRetryCap:           3,
			ReconnectMaxRetries:       5,
			ReconnectInitialBackoffMs: 1000,
			ReconnectMaxBackoffMs:     30000,
			UnauthenticatedTTLSecs:    300,
			ShutdownGraceSecs:         10,
		},
		Sync: Sync{
			PollIntervalSecs: 3,
		},
		Noise: Noise{
			ExcludeUnmanagedGroups: true,
		},
	}
}

// Load reads config from the given path over the defaults. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

func (s Session) PairingWindow() time.Duration { return secs(s.PairingWindowSecs) }
func (s Session) ReconnectInitialBackoff() time.Duration {
	return time.Duration(s.ReconnectInitialBackoffMs) * time.Millisecond
}
func (s Session) ReconnectMaxBackoff() time.Duration {
	return time.Duration(s.ReconnectMaxBackoffMs) * time.Millisecond
}
func (s Session) UnauthenticatedTTL() time.Duration { return secs(s.UnauthenticatedTTLSecs) }
func (s Session) ShutdownGrace() time.Duration      { return secs(s.ShutdownGraceSecs) }
func (s Sync) PollInterval() time.Duration          { return secs(s.PollIntervalSecs) }

func secs(n int) time.Duration { return time.Duration(n) * time.Second }
