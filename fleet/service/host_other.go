//go:build !linux

package service

import (
	"fmt"
	"log/slog"
	"runtime"
)

// SystemdConfig configures the platform service backend. Only Linux has one.
type SystemdConfig struct {
	UnitDir    string
	UnitPrefix string
	Socket     string
	Logger     *slog.Logger
}

// NewHostBackend returns the service backend for this platform.
func NewHostBackend(config SystemdConfig) (Backend, error) {
	return nil, fmt.Errorf("no service backend available for %s", runtime.GOOS)
}

// NewHostAccounts returns the account manager for this platform.
func NewHostAccounts(logger *slog.Logger) (Accounts, error) {
	return nil, fmt.Errorf("no account manager available for %s", runtime.GOOS)
}
