// Package bolt is a bbolt backed session store.
package bolt

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"github.com/meszmate/roster/internal/storage"
)

var (
	bucketSessions = []byte("sessions")
	bucketRoster   = []byte("roster")
)

// dbSession is the on-disk form of a serialized session.
type dbSession struct {
	Domain      string              `msgpack:"domain"`
	Local       string              `msgpack:"local"`
	Resource    string              `msgpack:"resource"`
	Credentials []byte              `msgpack:"credentials"`
	SavedAt     int64               `msgpack:"savedAt"`
	Show        string              `msgpack:"show"`
	Status      string              `msgpack:"status"`
	Priority    int32               `msgpack:"priority"`
	Rooms       []storage.SavedRoom `msgpack:"rooms"`
}

func (s *dbSession) MarshalBinary() ([]byte, error) {
	type alias dbSession
	return msgpack.Marshal((*alias)(s))
}

func (s *dbSession) UnmarshalBinary(data []byte) error {
	type alias dbSession
	return msgpack.Unmarshal(data, (*alias)(s))
}

type dbRoster struct {
	Entries []storage.RosterEntry `msgpack:"entries"`
}

// Store is the bbolt backend.
type Store struct {
	db *bbolt.DB
}

var _ storage.Backend = (*Store)(nil)
var _ storage.RosterCache = (*Store)(nil)

// Open opens or creates the database file at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSessions); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketRoster); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSession stores the session of account, replacing any previous one.
func (s *Store) SaveSession(account string, sess storage.SerializedSession) error {
	rec := &dbSession{
		Domain:      sess.Domain,
		Local:       sess.Local,
		Resource:    sess.Resource,
		Credentials: sess.Credentials,
		SavedAt:     sess.SavedAt.UnixMilli(),
		Show:        sess.Show,
		Status:      sess.Status,
		Priority:    sess.Priority,
		Rooms:       sess.Rooms,
	}
	data, err := rec.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Put([]byte(account), data)
	})
}

// LoadSession returns nil, nil when account has no stored session.
func (s *Store) LoadSession(account string) (*storage.SerializedSession, error) {
	var rec *dbSession
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketSessions).Get([]byte(account))
		if data == nil {
			return nil
		}
		rec = &dbSession{}
		return rec.UnmarshalBinary(data)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if rec == nil {
		return nil, nil
	}
	return &storage.SerializedSession{
		Domain:      rec.Domain,
		Local:       rec.Local,
		Resource:    rec.Resource,
		Credentials: rec.Credentials,
		SavedAt:     time.UnixMilli(rec.SavedAt),
		Show:        rec.Show,
		Status:      rec.Status,
		Priority:    rec.Priority,
		Rooms:       rec.Rooms,
	}, nil
}

func (s *Store) DeleteSession(account string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSessions).Delete([]byte(account))
	})
}

func (s *Store) SaveRoster(account string, entries []storage.RosterEntry) error {
	data, err := msgpack.Marshal(&dbRoster{Entries: entries})
	if err != nil {
		return fmt.Errorf("failed to encode roster: %w", err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRoster).Put([]byte(account), data)
	})
}

func (s *Store) GetRoster(account string) ([]storage.RosterEntry, error) {
	var rec dbRoster
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketRoster).Get([]byte(account))
		if data == nil {
			return nil
		}
		return msgpack.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load roster: %w", err)
	}
	return rec.Entries, nil
}
