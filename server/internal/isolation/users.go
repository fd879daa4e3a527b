// Package isolation provisions the per-deployment isolation context: a
// dedicated unprivileged OS user and a private bridge network.
package isolation

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os/exec"
	"os/user"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ErrUserNotFound is returned when deleting a user that does not exist.
var ErrUserNotFound = errors.New("os user not found")

// userdel exits with 6 when the user does not exist.
const userdelNoSuchUser = 6

// UserManager creates and removes the OS users containers run as.
type UserManager interface {
	Create(ctx context.Context, username string) (uid, gid int, err error)
	Delete(ctx context.Context, username string) error
}

// CommandRunner runs a host command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecUserManager manages users with useradd/userdel. Prefix is prepended to
// every command, e.g. ["sudo", "-n"] when the runner is not root.
type ExecUserManager struct {
	Prefix []string
	Run    CommandRunner
	Lookup func(username string) (*user.User, error)
	logger *zap.Logger
}

// NewExecUserManager creates a manager that shells out to the host tools.
func NewExecUserManager(prefix []string, logger *zap.Logger) *ExecUserManager {
	return &ExecUserManager{
		Prefix: prefix,
		Run:    runCommand,
		Lookup: user.Lookup,
		logger: logger,
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Create adds a system user with no home directory and no login shell and
// returns its numeric ids.
func (m *ExecUserManager) Create(ctx context.Context, username string) (int, int, error) {
	if out, err := m.exec(ctx, "useradd", "-r", "-s", "/bin/false", "-M", username); err != nil {
		return 0, 0, fmt.Errorf("useradd %s: %w: %s", username, err, strings.TrimSpace(string(out)))
	}

	uid, gid, err := m.ids(username)
	if err != nil {
		if delErr := m.Delete(ctx, username); delErr != nil {
			m.logger.Warn("Failed to remove user after lookup failure", zap.String("username", username), zap.Error(delErr))
		}
		return 0, 0, err
	}

	m.logger.Info("Created OS user", zap.String("username", username), zap.Int("uid", uid), zap.Int("gid", gid))
	return uid, gid, nil
}

func (m *ExecUserManager) ids(username string) (int, int, error) {
	u, err := m.Lookup(username)
	if err != nil {
		return 0, 0, fmt.Errorf("lookup created user %s: %w", username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, fmt.Errorf("parse uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, fmt.Errorf("parse gid %q: %w", u.Gid, err)
	}
	return uid, gid, nil
}

// Delete removes the user. A missing user yields ErrUserNotFound.
func (m *ExecUserManager) Delete(ctx context.Context, username string) error {
	out, err := m.exec(ctx, "userdel", username)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == userdelNoSuchUser {
			return ErrUserNotFound
		}
		return fmt.Errorf("userdel %s: %w: %s", username, err, strings.TrimSpace(string(out)))
	}
	m.logger.Info("Deleted OS user", zap.String("username", username))
	return nil
}

func (m *ExecUserManager) exec(ctx context.Context, name string, args ...string) ([]byte, error) {
	if len(m.Prefix) > 0 {
		args = append([]string{name}, args...)
		name = m.Prefix[0]
		args = append(append([]string(nil), m.Prefix[1:]...), args...)
	}
	return m.Run(ctx, name, args...)
}

// NewUsername returns a random username. The letter prefix keeps it valid for
// useradd's default NAME_REGEX.
func NewUsername() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return "mcp" + hex.EncodeToString(b)
}
