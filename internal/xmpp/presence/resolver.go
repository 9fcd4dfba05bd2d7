package presence

import (
	"github.com/c-pro/geche"

	"github.com/meszmate/roster/internal/errs"
	"github.com/meszmate/roster/internal/logging"
	"github.com/meszmate/roster/internal/xmpp/address"
)

// ChangeHandler receives an effective presence change for a bare address.
type ChangeHandler func(bare address.Address, eff Effective)

// Authorizer consumes subscription handshake presences. They never reach the
// store.
type Authorizer interface {
	HandleAuthorization(from address.Address, kind Kind, status string)
}

// Own is the presence this client advertises.
type Own struct {
	Show     Show
	Status   string
	Priority int32
}

// Resolver funnels presence events into the store and reports effective
// presence changes.
type Resolver struct {
	store    *Store
	cache    geche.Geche[string, Effective]
	auth     Authorizer
	onChange ChangeHandler
	own      Own
	log      *logging.Logger
}

// NewResolver creates a resolver over an empty store.
func NewResolver(log *logging.Logger) *Resolver {
	if log == nil {
		log = logging.Discard()
	}
	return &Resolver{
		store: NewStore(),
		cache: geche.NewMapCache[string, Effective](),
		log:   log,
	}
}

// SetChangeHandler sets the effective presence change handler
func (r *Resolver) SetChangeHandler(h ChangeHandler) {
	r.onChange = h
}

// SetAuthorizer sets the collaborator receiving subscription presences
func (r *Resolver) SetAuthorizer(a Authorizer) {
	r.auth = a
}

// Store exposes the underlying store for read-only inspection.
func (r *Resolver) Store() *Store {
	return r.store
}

// OnPresenceEvent applies one presence event. At most one change
// notification is emitted per call. Malformed events return an error wrapping
// errs.ErrProtocol and leave the store untouched.
func (r *Resolver) OnPresenceEvent(from address.Address, rec Record) error {
	if from.IsZero() {
		return errs.Protocol("presence without sender")
	}

	if rec.Kind.IsAuthorization() {
		if r.auth != nil {
			r.auth.HandleAuthorization(address.Bare(from), rec.Kind, rec.Status)
		}
		return nil
	}

	changed, err := r.store.Upsert(from, rec)
	if err != nil {
		return errs.Protocol("%v", err)
	}
	bare := address.Bare(from)
	_ = r.cache.Del(bare.Key())

	if changed {
		eff := r.EffectivePresence(bare)
		r.log.Debug("effective presence of %s is now %s via %q", bare, eff.Record.Label(), eff.Address.Resource())
		if r.onChange != nil {
			r.onChange(bare, eff)
		}
	}
	return nil
}

// EffectivePresence returns the presence speaking for bare.
func (r *Resolver) EffectivePresence(bare address.Address) Effective {
	key := bare.Key()
	if eff, err := r.cache.Get(key); err == nil {
		return eff
	}
	eff := r.store.Effective(address.Bare(bare))
	r.cache.Set(key, eff)
	return eff
}

// RemoveAllForRoom drops all occupant presences of a room. A change
// notification is emitted for the room address if anything was live.
func (r *Resolver) RemoveAllForRoom(room address.Address) {
	bare := address.Bare(room)
	if !r.store.RemoveAllForRoom(bare) {
		return
	}
	_ = r.cache.Del(bare.Key())
	if r.onChange != nil {
		r.onChange(bare, Unavailable(bare))
	}
}

// Reset drops every record without notifying. Used when a session is torn
// down and the view is cleared wholesale.
func (r *Resolver) Reset() {
	r.store.Clear()
	r.cache = geche.NewMapCache[string, Effective]()
}

// SetOwn sets our own presence
func (r *Resolver) SetOwn(own Own) {
	r.own = own
}

// GetOwn returns our own presence
func (r *Resolver) GetOwn() Own {
	return r.own
}
