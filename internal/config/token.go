package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TokenPath is where a generated control API token is kept.
func (c Config) TokenPath() string {
	return filepath.Join(c.Storage.DataDir, "api_token")
}

// APIToken returns the control API bearer token: PERSONA_SERVER_API_TOKEN
// when set, otherwise the token file in the data directory.
func (c Config) APIToken() (string, error) {
	if c.Server.APIToken != "" {
		return c.Server.APIToken, nil
	}
	b, err := os.ReadFile(c.TokenPath())
	if err != nil {
		return "", fmt.Errorf("reading API token: %w", err)
	}
	token := strings.TrimSpace(string(b))
	if token == "" {
		return "", fmt.Errorf("API token file %s is empty", c.TokenPath())
	}
	return token, nil
}

// EnsureAPIToken returns the configured token, generating and persisting
// a random one (mode 0600) when neither the environment nor the token
// file provides it.
func (c Config) EnsureAPIToken() (string, error) {
	token, err := c.APIToken()
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating API token: %w", err)
	}
	token = hex.EncodeToString(buf)
	if err := os.MkdirAll(c.Storage.DataDir, 0o755); err != nil {
		return "", fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(c.TokenPath(), []byte(token+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("writing API token: %w", err)
	}
	return token, nil
}
