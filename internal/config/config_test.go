package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFrom(filepath.Join(dir, "config.toml"), dir)
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.General.DataDir)
	assert.Equal(t, filepath.Join(dir, "roster.log"), cfg.Logging.File)
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, 300*time.Second, cfg.Session.MaxResumeWindow.Duration)
	assert.Equal(t, 2*time.Second, cfg.MUC.InitialWindow.Duration)
	assert.Equal(t, 10, cfg.MUC.HistoryMaxStanzas)
	assert.Equal(t, 86400, cfg.MUC.HistorySeconds)
	assert.Equal(t, 120, cfg.Session.ReconnectCap)
}

func TestLoadFromOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[storage]
backend = "bolt"

[session]
max_resume_window = "2m"
reconnect_cap = 60

[muc]
initial_window = "500ms"
history_max_stanzas = 0
`), 0600))

	cfg, err := LoadFrom(path, dir)
	require.NoError(t, err)
	assert.Equal(t, BackendBolt, cfg.Storage.Backend)
	assert.Equal(t, 2*time.Minute, cfg.Session.MaxResumeWindow.Duration)
	assert.Equal(t, 60, cfg.Session.ReconnectCap)
	assert.Equal(t, 5, cfg.Session.ReconnectBase)
	assert.Equal(t, 500*time.Millisecond, cfg.MUC.InitialWindow.Duration)
	assert.Equal(t, 0, cfg.MUC.HistoryMaxStanzas)
}

func TestLoadFromRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"backend":  "[storage]\nbackend = \"redis\"\n",
		"schedule": "[session]\nreconnect_base = 10\nreconnect_cap = 5\n",
		"duration": "[session]\nmax_resume_window = \"soon\"\n",
	} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name+".toml")
			require.NoError(t, os.WriteFile(path, []byte(body), 0600))
			_, err := LoadFrom(path, dir)
			assert.Error(t, err)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	cfg := DefaultConfig()
	cfg.MUC.InitialWindow = Duration{3 * time.Second}
	require.NoError(t, SaveTo(path, cfg))

	loaded, err := LoadFrom(path, dir)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, loaded.MUC.InitialWindow.Duration)
}

func TestLoadAccounts(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[[accounts]]
jid = "me@example.com"
password = "pw"

[[accounts.rooms]]
jid = "lounge@conference.example.com"
nick = "me"
auto_join = true

[[accounts]]
jid = "work@example.org"
port = 5223
resource = "desk"
`), 0600))

	accs, err := LoadAccountsFrom(path)
	require.NoError(t, err)
	require.Len(t, accs.Accounts, 2)
	assert.Equal(t, 5222, accs.Accounts[0].Port)
	assert.Equal(t, "roster", accs.Accounts[0].Resource)
	require.Len(t, accs.Accounts[0].Rooms, 1)
	assert.True(t, accs.Accounts[0].Rooms[0].AutoJoin)

	acc, ok := accs.Find("work@example.org")
	require.True(t, ok)
	assert.Equal(t, "desk", acc.Resource)
	assert.Equal(t, 5223, acc.Port)

	first, ok := accs.Find("")
	require.True(t, ok)
	assert.Equal(t, "me@example.com", first.JID)

	_, ok = accs.Find("nobody@example.com")
	assert.False(t, ok)
}

func TestLoadAccountsMissingFile(t *testing.T) {
	accs, err := LoadAccountsFrom(filepath.Join(t.TempDir(), "none.toml"))
	require.NoError(t, err)
	assert.Empty(t, accs.Accounts)
}

func TestGetPathsHonoursXDG(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "cfg"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(dir, "cache"))

	p, err := GetPaths()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "cfg", "roster"), p.ConfigDir)
	assert.Equal(t, filepath.Join(dir, "data", "roster"), p.DataDir)
	assert.Equal(t, filepath.Join(dir, "cfg", "roster", "accounts.toml"), p.AccountsFile())
	require.NoError(t, p.EnsureDirectories())
	assert.DirExists(t, p.CacheDir)
}
