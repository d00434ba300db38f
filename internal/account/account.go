// Package account loads the per-persona account files that drive the bot.
package account

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// Platforms an account can publish to.
const (
	PlatformTwitter = "twitter"
	PlatformThreads = "threads"
)

// KnownPlatforms lists every supported publication target.
var KnownPlatforms = []string{PlatformTwitter, PlatformThreads}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ErrNotFound is returned for unknown account ids.
var ErrNotFound = errors.New("account not found")

// Exemplar is a sample post in the account's voice.
type Exemplar struct {
	Text string `yaml:"text" json:"text"`
}

// Account is one persona with its knowledge partition and platform
// credentials.
type Account struct {
	ID          string                       `yaml:"account_id" json:"account_id"`
	DisplayName string                       `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	Persona     string                       `yaml:"persona" json:"persona"`
	Exemplars   []Exemplar                   `yaml:"exemplars" json:"exemplars"`
	Partition   string                       `yaml:"partition" json:"partition"`
	Platforms   []string                     `yaml:"platforms" json:"platforms"`
	Credentials map[string]map[string]string `yaml:"credentials,omitempty" json:"credentials,omitempty"`
}

// ExemplarTexts returns the exemplar texts in order.
func (a Account) ExemplarTexts() []string {
	out := make([]string, 0, len(a.Exemplars))
	for _, e := range a.Exemplars {
		out = append(out, e.Text)
	}
	return out
}

// Credential returns one credential value for platform.
func (a Account) Credential(platform, key string) string {
	return a.Credentials[platform][key]
}

// HasPlatform reports whether platform is enabled for the account.
func (a Account) HasPlatform(platform string) bool {
	for _, p := range a.Platforms {
		if p == platform {
			return true
		}
	}
	return false
}

// Validate checks the structural requirements of an account file.
func (a Account) Validate() error {
	if !idPattern.MatchString(a.ID) {
		return fmt.Errorf("account_id %q must contain only letters, digits, hyphens and underscores", a.ID)
	}
	if strings.TrimSpace(a.Persona) == "" {
		return fmt.Errorf("account %s: persona must not be empty", a.ID)
	}
	if len(a.Exemplars) == 0 {
		return fmt.Errorf("account %s: at least one exemplar is required", a.ID)
	}
	for i, e := range a.Exemplars {
		if strings.TrimSpace(e.Text) == "" {
			return fmt.Errorf("account %s: exemplar %d has no text", a.ID, i)
		}
	}
	if strings.TrimSpace(a.Partition) == "" {
		return fmt.Errorf("account %s: partition must not be empty", a.ID)
	}
	if len(a.Platforms) == 0 {
		return fmt.Errorf("account %s: at least one platform is required", a.ID)
	}
	for _, p := range a.Platforms {
		if !isKnown(p) {
			return fmt.Errorf("account %s: unknown platform %q", a.ID, p)
		}
	}
	return nil
}

func isKnown(p string) bool {
	for _, k := range KnownPlatforms {
		if k == p {
			return true
		}
	}
	return false
}

// resolveCredentials returns a copy of creds with "env:NAME" values
// replaced from the environment.
func resolveCredentials(creds map[string]map[string]string) (map[string]map[string]string, error) {
	if creds == nil {
		return nil, nil
	}
	out := make(map[string]map[string]string, len(creds))
	for platform, kv := range creds {
		resolved := make(map[string]string, len(kv))
		for k, v := range kv {
			if name, ok := strings.CutPrefix(v, "env:"); ok {
				val, found := os.LookupEnv(name)
				if !found {
					return nil, fmt.Errorf("environment variable %s (for %s.%s) is not set", name, platform, k)
				}
				v = val
			}
			resolved[k] = v
		}
		out[platform] = resolved
	}
	return out, nil
}
