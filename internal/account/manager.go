package account

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.yaml.in/yaml/v3"
)

const reloadDebounce = 250 * time.Millisecond

// Manager caches the accounts found in a directory.
type Manager struct {
	dir string

	mu       sync.RWMutex
	accounts map[string]Account
	files    map[string]string // account id -> file path
}

// NewManager creates a Manager for dir and performs the initial load.
// A missing directory yields no accounts rather than an error.
func NewManager(dir string) (*Manager, error) {
	m := &Manager{dir: dir}
	if err := m.Reload(); err != nil {
		return nil, err
	}
	return m, nil
}

// Dir returns the watched directory.
func (m *Manager) Dir() string { return m.dir }

func isAccountFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// Reload re-reads every account file. Files that fail to parse, validate or
// resolve are logged and skipped.
func (m *Manager) Reload() error {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, fs.ErrNotExist) {
		slog.Warn("accounts directory does not exist", "dir", m.dir)
		entries = nil
	} else if err != nil {
		return fmt.Errorf("reading accounts dir: %w", err)
	}

	accounts := make(map[string]Account)
	files := make(map[string]string)
	for _, e := range entries {
		if e.IsDir() || !isAccountFile(e.Name()) {
			continue
		}
		path := filepath.Join(m.dir, e.Name())
		acc, err := LoadFile(path)
		if err != nil {
			slog.Error("skipping account file", "file", e.Name(), "error", err)
			continue
		}
		if prev, dup := files[acc.ID]; dup {
			slog.Error("duplicate account id, keeping first", "account_id", acc.ID, "file", e.Name(), "first", filepath.Base(prev))
			continue
		}
		accounts[acc.ID] = acc
		files[acc.ID] = path
	}

	m.mu.Lock()
	m.accounts, m.files = accounts, files
	m.mu.Unlock()

	if len(accounts) == 0 {
		slog.Warn("no valid account configurations found", "dir", m.dir)
	} else {
		slog.Info("accounts loaded", "count", len(accounts))
	}
	return nil
}

// LoadFile parses, validates and resolves one account file.
func LoadFile(path string) (Account, error) {
	acc, err := parseFile(path)
	if err != nil {
		return Account{}, err
	}
	if err := acc.Validate(); err != nil {
		return Account{}, err
	}
	if acc.Credentials, err = resolveCredentials(acc.Credentials); err != nil {
		return Account{}, fmt.Errorf("account %s: %w", acc.ID, err)
	}
	return acc, nil
}

func parseFile(path string) (Account, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Account{}, err
	}
	var acc Account
	// YAML 1.2 is a superset of JSON, so one decoder covers both formats.
	if err := yaml.Unmarshal(data, &acc); err != nil {
		return Account{}, fmt.Errorf("parsing %s: %w", filepath.Base(path), err)
	}
	return acc, nil
}

// Get returns the account with id.
func (m *Manager) Get(id string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	acc, ok := m.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return acc, nil
}

// IDs returns the loaded account ids in sorted order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// All returns the loaded accounts sorted by id.
func (m *Manager) All() []Account {
	ids := m.IDs()
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Account, 0, len(ids))
	for _, id := range ids {
		if acc, ok := m.accounts[id]; ok {
			out = append(out, acc)
		}
	}
	return out
}

// Save validates acc, writes it as <id>.yaml and reloads. Credential values
// are written as given, so callers should pass env: references.
func (m *Manager) Save(acc Account) error {
	if err := acc.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("creating accounts dir: %w", err)
	}
	data, err := yaml.Marshal(acc)
	if err != nil {
		return fmt.Errorf("encoding account: %w", err)
	}

	m.mu.RLock()
	path, exists := m.files[acc.ID]
	m.mu.RUnlock()
	if !exists {
		path = filepath.Join(m.dir, acc.ID+".yaml")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing account: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing account: %w", err)
	}
	slog.Info("account saved", "account_id", acc.ID, "file", filepath.Base(path))
	return m.Reload()
}

// Delete removes the file backing id and reloads.
func (m *Manager) Delete(id string) error {
	m.mu.RLock()
	path, ok := m.files[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("deleting account %s: %w", id, err)
	}
	slog.Info("account deleted", "account_id", id)
	return m.Reload()
}

// Watch reloads the accounts whenever files in the directory change, until
// ctx is done. Bursts of events are debounced into one reload. It blocks.
func (m *Manager) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer w.Close()

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("creating accounts dir: %w", err)
	}
	if err := w.Add(m.dir); err != nil {
		return fmt.Errorf("watching %s: %w", m.dir, err)
	}
	slog.Debug("watching accounts directory", "dir", m.dir)

	timer := time.NewTimer(reloadDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !isAccountFile(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			timer.Reset(reloadDebounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("accounts watcher error", "error", err)
		case <-timer.C:
			if err := m.Reload(); err != nil {
				slog.Error("reloading accounts", "error", err)
			}
		}
	}
}
