package session

import (
	"fmt"
	"os"
	"strings"
)

// SaveToken persists the signaling session token for a session, owner
// readable only.
func SaveToken(name, token string) error {
	if err := EnsureDir(name); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	if err := os.WriteFile(TokenPath(name), []byte(token+"\n"), 0600); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}

// LoadToken returns the stored token, or empty when none was saved.
func LoadToken(name string) (string, error) {
	data, err := os.ReadFile(TokenPath(name))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// ClearToken removes the stored token. Missing file is not an error.
func ClearToken(name string) error {
	err := os.Remove(TokenPath(name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Authenticated reports whether a token is stored for the session.
func Authenticated(name string) bool {
	token, err := LoadToken(name)
	return err == nil && token != ""
}
