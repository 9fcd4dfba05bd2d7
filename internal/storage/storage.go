// Package storage is the persistence boundary for resumable sessions.
package storage

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/crypto/nacl/secretbox"
)

// DefaultMaxResumeWindow is how long a saved session stays resumable.
const DefaultMaxResumeWindow = 300 * time.Second

// SerializedSession is the state written on graceful suspend and read back at
// process start.
type SerializedSession struct {
	Domain   string
	Local    string
	Resource string
	// Credentials is an opaque, sealed blob owned by the session layer.
	Credentials []byte
	SavedAt     time.Time

	// Own presence and joined rooms, re-sent on resume.
	Show     string
	Status   string
	Priority int32
	Rooms    []SavedRoom
}

// SavedRoom is a room to rejoin after resume.
type SavedRoom struct {
	Address  string
	Nickname string
	Password string
}

// Resumable reports whether the session is younger than window at now.
func (s SerializedSession) Resumable(now time.Time, window time.Duration) bool {
	return !s.SavedAt.IsZero() && now.Sub(s.SavedAt) < window
}

// Store persists the session of a single account.
type Store interface {
	// LoadSession returns nil, nil when nothing is stored.
	LoadSession() (*SerializedSession, error)
	SaveSession(SerializedSession) error
	ClearSession() error
}

// Backend persists sessions for any number of accounts.
type Backend interface {
	LoadSession(account string) (*SerializedSession, error)
	SaveSession(account string, s SerializedSession) error
	DeleteSession(account string) error
	Close() error
}

type accountStore struct {
	b       Backend
	account string
}

// ForAccount narrows a backend to one account.
func ForAccount(b Backend, account string) Store {
	return accountStore{b: b, account: account}
}

func (s accountStore) LoadSession() (*SerializedSession, error) {
	return s.b.LoadSession(s.account)
}

func (s accountStore) SaveSession(sess SerializedSession) error {
	return s.b.SaveSession(s.account, sess)
}

func (s accountStore) ClearSession() error {
	return s.b.DeleteSession(s.account)
}

// ErrSealed is returned when a credentials blob cannot be opened.
var ErrSealed = errors.New("cannot open sealed credentials")

const nonceSize = 24

// Sealer encrypts credential blobs at rest.
type Sealer struct {
	key [32]byte
}

// NewSealer creates a sealer from a 32-byte key.
func NewSealer(key [32]byte) *Sealer {
	return &Sealer{key: key}
}

// Seal encrypts plain with a fresh random nonce prepended.
func (s *Sealer) Seal(plain []byte) ([]byte, error) {
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], plain, &nonce, &s.key), nil
}

// Open decrypts a blob produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+secretbox.Overhead {
		return nil, ErrSealed
	}
	var nonce [nonceSize]byte
	copy(nonce[:], sealed[:nonceSize])
	plain, ok := secretbox.Open(nil, sealed[nonceSize:], &nonce, &s.key)
	if !ok {
		return nil, ErrSealed
	}
	return plain, nil
}

// ParseKey decodes a hex encoded 32-byte key.
func ParseKey(s string) ([32]byte, error) {
	var key [32]byte
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return key, fmt.Errorf("invalid seal key: %w", err)
	}
	if len(b) != len(key) {
		return key, fmt.Errorf("invalid seal key: want %d bytes, got %d", len(key), len(b))
	}
	copy(key[:], b)
	return key, nil
}

// LoadOrCreateKey reads the hex key at path, creating it on first use.
func LoadOrCreateKey(path string) ([32]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return ParseKey(string(data))
	}
	if !os.IsNotExist(err) {
		return [32]byte{}, fmt.Errorf("failed to read seal key: %w", err)
	}

	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return key, fmt.Errorf("failed to generate seal key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return key, fmt.Errorf("failed to create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key[:])), 0600); err != nil {
		return key, fmt.Errorf("failed to write seal key: %w", err)
	}
	return key, nil
}

// RosterEntry is a cached roster item, shown while the live roster loads.
type RosterEntry struct {
	JID          string
	Name         string
	Groups       []string
	Subscription string
}

// RosterCache is implemented by backends that can cache the roster.
type RosterCache interface {
	SaveRoster(account string, entries []RosterEntry) error
	GetRoster(account string) ([]RosterEntry, error)
}
