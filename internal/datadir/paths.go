// Package datadir defines the on-disk layout of the daemon's data directory.
package datadir

import (
	"os"
	"path/filepath"
)

// Layout resolves paths under one data directory.
type Layout struct {
	base string
}

// New creates a layout rooted at base.
func New(base string) Layout {
	return Layout{base: base}
}

// Base returns the data directory root.
func (l Layout) Base() string {
	return l.base
}

// AppDBPath returns the engine-owned zapdesk.db path.
func (l Layout) AppDBPath() string {
	return filepath.Join(l.base, "zapdesk.db")
}

// TenantDir returns the per-tenant directory.
func (l Layout) TenantDir(tenantID string) string {
	return filepath.Join(l.base, "tenants", tenantID)
}

// DeviceDBPath returns a tenant's transport credential store path.
func (l Layout) DeviceDBPath(tenantID string) string {
	return filepath.Join(l.TenantDir(tenantID), "device.db")
}

// LogPath returns the daemon log file path.
func (l Layout) LogPath() string {
	return filepath.Join(l.base, "logs", "zapdeskd.log")
}

// ConfigPath returns the config file path under the base dir.
func (l Layout) ConfigPath() string {
	return filepath.Join(l.base, "zapdesk.toml")
}

// EnsureBase creates the base directory tree with restrictive permissions.
func (l Layout) EnsureBase() error {
	for _, d := range []string{l.base, filepath.Join(l.base, "tenants"), filepath.Join(l.base, "logs")} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// EnsureTenantDir creates a tenant's directory.
func (l Layout) EnsureTenantDir(tenantID string) error {
	return os.MkdirAll(l.TenantDir(tenantID), 0700)
}
