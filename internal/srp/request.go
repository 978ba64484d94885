// Package srp implements the shutdown request protocol: a plain text file
// holding a single token, written beside a cooperative application's
// executable. The application polls for it and exits on its own.
package srp

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/turtacn/Tandem/pkg/logger"
)

type Request struct {
	path  string
	token string
}

func NewRequest(path, token string) *Request {
	return &Request{path: path, token: token}
}

func (r *Request) Path() string { return r.path }

// Write replaces any stale artifact with a fresh one holding the token.
func (r *Request) Write() error {
	if err := r.Remove(); err != nil {
		return err
	}
	if err := os.WriteFile(r.path, []byte(r.token), 0o644); err != nil {
		return fmt.Errorf("write shutdown request %s: %w", r.path, err)
	}
	// WriteFile honours umask; make it readable for the application either way.
	if err := os.Chmod(r.path, 0o644); err != nil {
		logger.Log.Warn("SRP: Could not set request mode", "path", r.path, "err", err)
	}
	logger.Log.Info("SRP: Shutdown request written", "path", r.path)
	return nil
}

// Pending reports whether an artifact with the expected token is present.
func (r *Request) Pending() bool {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == r.token
}

// Remove deletes the artifact. A missing artifact is not an error.
func (r *Request) Remove() error {
	err := os.Remove(r.path)
	if err == nil {
		logger.Log.Debug("SRP: Shutdown request removed", "path", r.path)
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("remove shutdown request %s: %w", r.path, err)
}

// Personal.AI order the ending
