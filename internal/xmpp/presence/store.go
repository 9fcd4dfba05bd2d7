package presence

import (
	"errors"
	"fmt"

	"github.com/meszmate/roster/internal/xmpp/address"
)

// ErrNotFull is returned when a liveness record is addressed to a bare
// address. Liveness is tracked per resource.
var ErrNotFull = errors.New("presence requires a full address")

type resource struct {
	addr   address.Address
	record Record
	seq    uint64
}

// Store holds the live presence records, one per full address, grouped by
// bare address. It is not safe for concurrent use; the engine serializes
// every call.
type Store struct {
	seq      uint64
	entities map[string][]*resource // bare key -> live resources
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		entities: make(map[string][]*resource),
	}
}

// Upsert stores rec for full, replacing any previous record for that
// resource. Unavailable and error records remove the entry instead. The
// returned bool reports whether the effective presence of the bare address
// changed.
func (s *Store) Upsert(full address.Address, rec Record) (bool, error) {
	if !full.IsFull() {
		return false, fmt.Errorf("upsert %q: %w", full.String(), ErrNotFull)
	}
	if rec.Kind.IsAuthorization() {
		return false, fmt.Errorf("upsert %q: %s is not a liveness kind", full.String(), rec.Kind)
	}

	key := full.Key()
	before := s.effective(full)

	list := s.entities[key]
	for i, r := range list {
		if r.addr.Equal(full) {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}

	if !rec.Kind.removes() {
		s.seq++
		list = append(list, &resource{addr: full, record: rec, seq: s.seq})
	}

	if len(list) == 0 {
		delete(s.entities, key)
	} else {
		s.entities[key] = list
	}

	return !before.equal(s.effective(full)), nil
}

// RemoveAllForRoom drops every record whose bare address is the room, i.e.
// all of its occupants. It reports whether anything was removed.
func (s *Store) RemoveAllForRoom(room address.Address) bool {
	key := room.Key()
	if _, ok := s.entities[key]; !ok {
		return false
	}
	delete(s.entities, key)
	return true
}

// ResourcesOf returns the live full addresses of bare, oldest first.
func (s *Store) ResourcesOf(bare address.Address) []address.Address {
	list := s.entities[bare.Key()]
	if len(list) == 0 {
		return nil
	}
	out := make([]address.Address, 0, len(list))
	for _, r := range list {
		out = append(out, r.addr)
	}
	return out
}

// Record returns the stored record for a full address.
func (s *Store) Record(full address.Address) (Record, bool) {
	for _, r := range s.entities[full.Key()] {
		if r.addr.Equal(full) {
			return r.record, true
		}
	}
	return Record{}, false
}

// Effective computes the effective presence of bare: the live record with the
// greatest priority, ties going to the most recent insertion.
func (s *Store) Effective(bare address.Address) Effective {
	return s.effective(bare)
}

func (s *Store) effective(a address.Address) Effective {
	var best *resource
	for _, r := range s.entities[a.Key()] {
		if best == nil ||
			r.record.Priority > best.record.Priority ||
			(r.record.Priority == best.record.Priority && r.seq > best.seq) {
			best = r
		}
	}
	if best == nil {
		return Unavailable(a)
	}
	return Effective{Address: best.addr, Record: best.record}
}

// Entities returns the bare addresses that have at least one live resource.
func (s *Store) Entities() []address.Address {
	out := make([]address.Address, 0, len(s.entities))
	for _, list := range s.entities {
		out = append(out, address.Bare(list[0].addr))
	}
	return out
}

// Clear clears all presence information
func (s *Store) Clear() {
	s.entities = make(map[string][]*resource)
}
