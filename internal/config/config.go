package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the main application configuration
type Config struct {
	General GeneralConfig `toml:"general"`
	Logging LoggingConfig `toml:"logging"`
	Storage StorageConfig `toml:"storage"`
	Session SessionConfig `toml:"session"`
	MUC     MUCConfig     `toml:"muc"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	DataDir     string `toml:"data_dir"`
	AutoConnect bool   `toml:"auto_connect"`
	// AutoResume restores a suspended session at startup.
	AutoResume bool `toml:"auto_resume"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level   string `toml:"level"`
	File    string `toml:"file"`
	Console bool   `toml:"console"`
}

// Storage backends
const (
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
)

// StorageConfig contains storage settings
type StorageConfig struct {
	// Backend is "sqlite" or "bolt".
	Backend string `toml:"backend"`

	// SealKey is a hex encoded 32-byte key sealing stored credentials. When
	// empty a key file is created in the data directory.
	SealKey string `toml:"seal_key"`

	// SaveSessions enables/disables session persistence
	SaveSessions bool `toml:"save_sessions"`

	// CacheRoster keeps the last roster for display before login completes.
	CacheRoster bool `toml:"cache_roster"`
}

// SessionConfig contains connect and reconnect settings
type SessionConfig struct {
	MaxResumeWindow Duration `toml:"max_resume_window"`
	ConnectTimeout  Duration `toml:"connect_timeout"`
	ReconnectBase   int      `toml:"reconnect_base"`
	ReconnectStep   int      `toml:"reconnect_step"`
	ReconnectCap    int      `toml:"reconnect_cap"`
}

// MUCConfig contains room settings
type MUCConfig struct {
	InitialWindow     Duration `toml:"initial_window"`
	HistoryMaxStanzas int      `toml:"history_max_stanzas"`
	HistorySeconds    int      `toml:"history_seconds"`
}

// Duration is a time.Duration written as "5m" or "2s" in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Room is a room joined after login
type Room struct {
	JID      string `toml:"jid"`
	Nick     string `toml:"nick"`
	Password string `toml:"password"`
	AutoJoin bool   `toml:"auto_join"`
}

// Account represents an XMPP account configuration
type Account struct {
	JID         string `toml:"jid"`
	Password    string `toml:"password"`
	AutoConnect bool   `toml:"auto_connect"`
	Server      string `toml:"server"`
	Port        int    `toml:"port"`
	Priority    int    `toml:"priority"`
	Resource    string `toml:"resource"`
	Rooms       []Room `toml:"rooms"`
}

// AccountsConfig contains all account configurations
type AccountsConfig struct {
	Accounts []Account `toml:"accounts"`
}

// Find returns the account with the given JID, or the first account when
// jid is empty.
func (a *AccountsConfig) Find(jid string) (Account, bool) {
	for _, acc := range a.Accounts {
		if jid == "" || acc.JID == jid {
			return acc, true
		}
	}
	return Account{}, false
}

// Paths holds the XDG-compliant paths for the application
type Paths struct {
	ConfigDir string
	DataDir   string
	CacheDir  string
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:     "",
			AutoConnect: true,
			AutoResume:  true,
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    "",
			Console: false,
		},
		Storage: StorageConfig{
			Backend:      BackendSQLite,
			SaveSessions: true,
			CacheRoster:  true,
		},
		Session: SessionConfig{
			MaxResumeWindow: Duration{300 * time.Second},
			ConnectTimeout:  Duration{30 * time.Second},
			ReconnectBase:   5,
			ReconnectStep:   5,
			ReconnectCap:    120,
		},
		MUC: MUCConfig{
			InitialWindow:     Duration{2 * time.Second},
			HistoryMaxStanzas: 10,
			HistorySeconds:    86400,
		},
	}
}

// Validate checks values that have no sensible fallback.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendBolt:
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	s := c.Session
	if s.ReconnectBase <= 0 || s.ReconnectStep < 0 || s.ReconnectCap < s.ReconnectBase {
		return fmt.Errorf("invalid reconnect schedule base=%d step=%d cap=%d", s.ReconnectBase, s.ReconnectStep, s.ReconnectCap)
	}
	if s.MaxResumeWindow.Duration <= 0 {
		return fmt.Errorf("max_resume_window must be positive")
	}
	if c.MUC.InitialWindow.Duration < 0 {
		return fmt.Errorf("initial_window must not be negative")
	}
	return nil
}

// GetPaths returns XDG-compliant paths for the application
func GetPaths() (*Paths, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}
	configDir = filepath.Join(configDir, "roster")

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	dataDir = filepath.Join(dataDir, "roster")

	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	cacheDir = filepath.Join(cacheDir, "roster")

	return &Paths{
		ConfigDir: configDir,
		DataDir:   dataDir,
		CacheDir:  cacheDir,
	}, nil
}

// EnsureDirectories creates the necessary directories
func (p *Paths) EnsureDirectories() error {
	dirs := []string{p.ConfigDir, p.DataDir, p.CacheDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ConfigFile returns the path of config.toml
func (p *Paths) ConfigFile() string {
	return filepath.Join(p.ConfigDir, "config.toml")
}

// AccountsFile returns the path of accounts.toml
func (p *Paths) AccountsFile() string {
	return filepath.Join(p.ConfigDir, "accounts.toml")
}

// Load loads the configuration from the config file
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}
	return LoadFrom(paths.ConfigFile(), paths.DataDir)
}

// LoadFrom loads configuration from path. A missing file yields defaults.
// dataDir is used when the file does not set one.
func LoadFrom(path, dataDir string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	// Expand paths
	if cfg.General.DataDir == "" {
		cfg.General.DataDir = dataDir
	} else {
		cfg.General.DataDir = expandPath(cfg.General.DataDir)
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.General.DataDir, "roster.log")
	} else {
		cfg.Logging.File = expandPath(cfg.Logging.File)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadAccounts loads account configurations
func LoadAccounts() (*AccountsConfig, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}
	return LoadAccountsFrom(paths.AccountsFile())
}

// LoadAccountsFrom loads account configurations from path
func LoadAccountsFrom(path string) (*AccountsConfig, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &AccountsConfig{Accounts: []Account{}}, nil
	}

	var accounts AccountsConfig
	if _, err := toml.DecodeFile(path, &accounts); err != nil {
		return nil, fmt.Errorf("failed to parse accounts file: %w", err)
	}

	// Set defaults for accounts
	for i := range accounts.Accounts {
		if accounts.Accounts[i].Port == 0 {
			accounts.Accounts[i].Port = 5222
		}
		if accounts.Accounts[i].Resource == "" {
			accounts.Accounts[i].Resource = "roster"
		}
	}

	return &accounts, nil
}

// Save saves the configuration to the config file
func Save(cfg *Config) error {
	paths, err := GetPaths()
	if err != nil {
		return err
	}
	return SaveTo(paths.ConfigFile(), cfg)
}

// SaveTo writes cfg to path
func SaveTo(path string, cfg *Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// SaveAccounts saves account configurations
func SaveAccounts(accounts *AccountsConfig) error {
	paths, err := GetPaths()
	if err != nil {
		return err
	}

	f, err := os.OpenFile(paths.AccountsFile(), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create accounts file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(accounts); err != nil {
		return fmt.Errorf("failed to encode accounts: %w", err)
	}

	return nil
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
