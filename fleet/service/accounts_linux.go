package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"os/user"
	"regexp"
	"strings"
)

var validUserName = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

// UserAccounts creates system accounts with useradd.
type UserAccounts struct {
	logger *slog.Logger
	// lookup and add are replaced in tests.
	lookup func(name string) (*user.User, error)
	add    func(ctx context.Context, name string) ([]byte, error)
}

// NewUserAccounts creates a UserAccounts.
func NewUserAccounts(logger *slog.Logger) *UserAccounts {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserAccounts{
		logger: logger.With("component", "UserAccounts"),
		lookup: user.Lookup,
		add:    runUserAdd,
	}
}

// NewHostAccounts returns the account manager for this platform.
func NewHostAccounts(logger *slog.Logger) (Accounts, error) {
	return NewUserAccounts(logger), nil
}

// EnsureUser creates a system account without a home directory or login
// shell when name does not exist yet.
func (a *UserAccounts) EnsureUser(ctx context.Context, name string) (bool, error) {
	if !validUserName.MatchString(name) {
		return false, fmt.Errorf("invalid user name %q", name)
	}

	_, err := a.lookup(name)
	if err == nil {
		return false, nil
	}
	var unknown user.UnknownUserError
	if !errors.As(err, &unknown) {
		return false, fmt.Errorf("failed to look up user %s: %w", name, err)
	}

	out, err := a.add(ctx, name)
	if err != nil {
		return false, fmt.Errorf("failed to create user %s: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	a.logger.Info("Created service account", "user", name)
	return true, nil
}

func runUserAdd(ctx context.Context, name string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "useradd", "--system", "--no-create-home", "--shell", "/usr/sbin/nologin", name)
	return cmd.CombinedOutput()
}
