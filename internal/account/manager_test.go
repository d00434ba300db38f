package account

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const aliceYAML = `account_id: alice
display_name: Alice
persona: A patient investor who writes about long games.
exemplars:
  - text: Play long games with long-term people.
partition: almanack
platforms: [twitter, threads]
credentials:
  twitter:
    bearer_token: env:ALICE_TWITTER_TOKEN
  threads:
    access_token: literal-token
    user_id: "123"
`

const bobJSON = `{
  "account_id": "bob",
  "persona": "A terse engineer.",
  "exemplars": [{"text": "Ship small things."}],
  "partition": "eng",
  "platforms": ["twitter"]
}`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func validAccount() Account {
	return Account{
		ID:        "carol",
		Persona:   "A curious scientist.",
		Exemplars: []Exemplar{{Text: "Measure twice."}},
		Partition: "science",
		Platforms: []string{PlatformTwitter},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Account)
	}{
		{"bad id", func(a *Account) { a.ID = "has space" }},
		{"empty id", func(a *Account) { a.ID = "" }},
		{"no persona", func(a *Account) { a.Persona = " " }},
		{"no exemplars", func(a *Account) { a.Exemplars = nil }},
		{"blank exemplar", func(a *Account) { a.Exemplars = []Exemplar{{Text: ""}} }},
		{"no partition", func(a *Account) { a.Partition = "" }},
		{"no platforms", func(a *Account) { a.Platforms = nil }},
		{"unknown platform", func(a *Account) { a.Platforms = []string{"myspace"} }},
	}
	require.NoError(t, validAccount().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := validAccount()
			tt.mutate(&a)
			assert.Error(t, a.Validate())
		})
	}
}

func TestManager_LoadsYAMLAndJSON(t *testing.T) {
	t.Setenv("ALICE_TWITTER_TOKEN", "secret-token")
	dir := t.TempDir()
	writeFile(t, dir, "alice.yaml", aliceYAML)
	writeFile(t, dir, "bob.json", bobJSON)
	writeFile(t, dir, "broken.yml", "account_id: [oops")
	writeFile(t, dir, "notes.txt", "ignored")

	m, err := NewManager(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, m.IDs())

	alice, err := m.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, "secret-token", alice.Credential(PlatformTwitter, "bearer_token"))
	assert.Equal(t, "123", alice.Credential(PlatformThreads, "user_id"))
	assert.True(t, alice.HasPlatform(PlatformThreads))
	assert.Equal(t, []string{"Play long games with long-term people."}, alice.ExemplarTexts())

	_, err = m.Get("nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, m.All(), 2)
}

func TestManager_MissingEnvSkipsAccount(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "alice.yaml", aliceYAML)
	os.Unsetenv("ALICE_TWITTER_TOKEN")

	m, err := NewManager(dir)
	require.NoError(t, err)
	assert.Empty(t, m.IDs())
}

func TestManager_MissingDir(t *testing.T) {
	m, err := NewManager(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Empty(t, m.IDs())
}

func TestManager_SaveAndDelete(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	require.NoError(t, err)

	require.NoError(t, m.Save(validAccount()))
	assert.FileExists(t, filepath.Join(dir, "carol.yaml"))
	got, err := m.Get("carol")
	require.NoError(t, err)
	assert.Equal(t, "science", got.Partition)

	bad := validAccount()
	bad.ID = "bad id"
	assert.Error(t, m.Save(bad))

	require.NoError(t, m.Delete("carol"))
	assert.NoFileExists(t, filepath.Join(dir, "carol.yaml"))
	assert.ErrorIs(t, m.Delete("carol"), ErrNotFound)
}

func TestManager_WatchReloads(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	m, err := NewManager(dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Give the watcher time to register before writing.
	time.Sleep(50 * time.Millisecond)
	writeFile(t, dir, "bob.json", bobJSON)

	assert.Eventually(t, func() bool {
		_, err := m.Get("bob")
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
