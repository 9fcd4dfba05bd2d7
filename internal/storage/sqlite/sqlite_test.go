package sqlite

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meszmate/roster/internal/storage"
)

func TestSessionLifecycle(t *testing.T) {
	db, err := New(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	store := storage.ForAccount(db, "alice@example.com")

	got, err := store.LoadSession()
	require.NoError(t, err)
	assert.Nil(t, got)

	saved := storage.SerializedSession{
		Domain:      "example.com",
		Local:       "alice",
		Resource:    "roster",
		Credentials: []byte{1, 2, 3},
		SavedAt:     time.UnixMilli(1_700_000_000_123),
		Show:        "away",
		Status:      "lunch",
		Priority:    5,
		Rooms:       []storage.SavedRoom{{Address: "lobby@conference.example.com", Nickname: "alice"}},
	}
	require.NoError(t, store.SaveSession(saved))

	got, err = store.LoadSession()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, saved.Credentials, got.Credentials)
	assert.True(t, saved.SavedAt.Equal(got.SavedAt))
	assert.Equal(t, saved.Rooms, got.Rooms)
	assert.Equal(t, int32(5), got.Priority)
	assert.Equal(t, "lunch", got.Status)

	other, err := storage.ForAccount(db, "bob@example.com").LoadSession()
	require.NoError(t, err)
	assert.Nil(t, other)

	require.NoError(t, store.ClearSession())
	got, err = store.LoadSession()
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRosterCache(t *testing.T) {
	db, err := New(t.TempDir())
	require.NoError(t, err)
	defer db.Close()

	entries := []storage.RosterEntry{
		{JID: "bob@example.com", Name: "Bob", Groups: []string{"Friends"}, Subscription: "both"},
		{JID: "carol@example.com", Subscription: "to"},
	}
	require.NoError(t, db.SaveRoster("alice@example.com", entries))
	require.NoError(t, db.SaveRoster("alice@example.com", entries[:1]))

	got, err := db.GetRoster("alice@example.com")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"Friends"}, got[0].Groups)
}
