package presence

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meszmate/roster/internal/xmpp/address"
)

var alice = address.MustParse("alice@example.com")

func full(t *testing.T, resource string) address.Address {
	t.Helper()
	a, err := alice.WithResource(resource)
	require.NoError(t, err)
	return a
}

func available(show Show, priority int32) Record {
	return Record{Kind: KindAvailable, Show: show, Priority: priority}
}

func TestUpsertRejectsBareAddress(t *testing.T) {
	s := NewStore()
	_, err := s.Upsert(alice, available(ShowNone, 0))
	require.ErrorIs(t, err, ErrNotFull)
	assert.Empty(t, s.Entities())
}

func TestHighestPriorityWins(t *testing.T) {
	s := NewStore()
	home, phone := full(t, "home"), full(t, "phone")

	changed, err := s.Upsert(home, available(ShowAway, 5))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.Upsert(phone, available(ShowNone, 10))
	require.NoError(t, err)
	assert.True(t, changed)

	eff := s.Effective(alice)
	assert.True(t, eff.Address.Equal(phone))
	assert.Equal(t, "available", eff.Record.Label())

	changed, err = s.Upsert(phone, Record{Kind: KindUnavailable})
	require.NoError(t, err)
	assert.True(t, changed)

	eff = s.Effective(alice)
	assert.True(t, eff.Address.Equal(home))
	assert.Equal(t, ShowAway, eff.Record.Show)
}

func TestLowerPriorityResourceDoesNotChangeEffective(t *testing.T) {
	s := NewStore()
	_, _ = s.Upsert(full(t, "phone"), available(ShowNone, 10))

	changed, err := s.Upsert(full(t, "home"), available(ShowAway, 5))
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestTieGoesToMostRecentInsertion(t *testing.T) {
	s := NewStore()
	a, b := full(t, "a"), full(t, "b")

	_, _ = s.Upsert(a, available(ShowNone, 1))
	_, _ = s.Upsert(b, available(ShowAway, 1))
	assert.True(t, s.Effective(alice).Address.Equal(b))

	changed, _ := s.Upsert(a, available(ShowNone, 1))
	assert.True(t, changed)
	assert.True(t, s.Effective(alice).Address.Equal(a))
}

func TestRemovingLastResourceIsSyntheticUnavailable(t *testing.T) {
	s := NewStore()
	home := full(t, "home")
	_, _ = s.Upsert(home, available(ShowNone, 0))

	changed, err := s.Upsert(home, Record{Kind: KindError})
	require.NoError(t, err)
	assert.True(t, changed)

	eff := s.Effective(alice)
	assert.False(t, eff.Available())
	assert.True(t, eff.Address.IsBare())
	assert.Nil(t, s.ResourcesOf(alice))

	changed, err = s.Upsert(home, Record{Kind: KindUnavailable})
	require.NoError(t, err)
	assert.False(t, changed, "second removal must not report a change")
}

func TestResourcesOfInsertionOrder(t *testing.T) {
	s := NewStore()
	_, _ = s.Upsert(full(t, "one"), available(ShowNone, 0))
	_, _ = s.Upsert(full(t, "two"), available(ShowNone, 0))
	_, _ = s.Upsert(full(t, "one"), available(ShowAway, 0))

	got := s.ResourcesOf(alice)
	require.Len(t, got, 2)
	assert.Equal(t, "two", got[0].Resource())
	assert.Equal(t, "one", got[1].Resource())
}

func TestRemoveAllForRoom(t *testing.T) {
	s := NewStore()
	room := address.MustParse("lobby@conference.example.com")
	for _, nick := range []string{"alice", "bob"} {
		occ, err := room.WithResource(nick)
		require.NoError(t, err)
		_, _ = s.Upsert(occ, available(ShowNone, 0))
	}
	_, _ = s.Upsert(full(t, "home"), available(ShowNone, 0))

	assert.True(t, s.RemoveAllForRoom(room))
	assert.Nil(t, s.ResourcesOf(room))
	assert.Len(t, s.ResourcesOf(alice), 1)
	assert.False(t, s.RemoveAllForRoom(room))
}

// Randomised check of the resolution rule against a straightforward model.
func TestEffectiveMatchesModel(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	resources := []string{"a", "b", "c", "d"}

	type live struct {
		priority int32
		seq      int
	}

	for round := 0; round < 50; round++ {
		s := NewStore()
		model := map[string]live{}
		seq := 0

		for step := 0; step < 40; step++ {
			res := resources[rng.Intn(len(resources))]
			if rng.Intn(4) == 0 {
				_, err := s.Upsert(full(t, res), Record{Kind: KindUnavailable})
				require.NoError(t, err)
				delete(model, res)
			} else {
				p := int32(rng.Intn(3) - 1)
				_, err := s.Upsert(full(t, res), available(ShowNone, p))
				require.NoError(t, err)
				seq++
				model[res] = live{priority: p, seq: seq}
			}

			want := ""
			var best live
			for r, l := range model {
				if want == "" || l.priority > best.priority || (l.priority == best.priority && l.seq > best.seq) {
					want, best = r, l
				}
			}

			eff := s.Effective(alice)
			if want == "" {
				assert.False(t, eff.Available())
				continue
			}
			assert.Equal(t, want, eff.Address.Resource())
			assert.Equal(t, best.priority, eff.Record.Priority)
		}
	}
}
