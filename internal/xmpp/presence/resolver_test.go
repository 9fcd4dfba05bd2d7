package presence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/stanza"

	"github.com/meszmate/roster/internal/errs"
	"github.com/meszmate/roster/internal/xmpp/address"
)

type change struct {
	bare address.Address
	eff  Effective
}

type authCall struct {
	from address.Address
	kind Kind
}

type recordingAuthorizer struct {
	calls []authCall
}

func (a *recordingAuthorizer) HandleAuthorization(from address.Address, kind Kind, _ string) {
	a.calls = append(a.calls, authCall{from: from, kind: kind})
}

func newTestResolver() (*Resolver, *[]change) {
	r := NewResolver(nil)
	var changes []change
	r.SetChangeHandler(func(bare address.Address, eff Effective) {
		changes = append(changes, change{bare: bare, eff: eff})
	})
	return r, &changes
}

func TestResolverTwoResourcesScenario(t *testing.T) {
	r, changes := newTestResolver()
	home := address.MustParse("alice@example.com/home")
	phone := address.MustParse("alice@example.com/phone")

	require.NoError(t, r.OnPresenceEvent(home, available(ShowAway, 5)))
	require.NoError(t, r.OnPresenceEvent(phone, available(ShowNone, 10)))

	eff := r.EffectivePresence(alice)
	assert.Equal(t, "available", eff.Record.Label())
	assert.Equal(t, "phone", eff.Address.Resource())

	*changes = nil
	require.NoError(t, r.OnPresenceEvent(phone, Record{Kind: KindUnavailable}))

	require.Len(t, *changes, 1)
	assert.Equal(t, "away", (*changes)[0].eff.Record.Label())
	assert.Equal(t, "home", (*changes)[0].eff.Address.Resource())
	assert.Equal(t, "alice@example.com", (*changes)[0].bare.String())
}

func TestResolverLastResourceGoneNotifiesOnce(t *testing.T) {
	r, changes := newTestResolver()
	home := address.MustParse("alice@example.com/home")

	require.NoError(t, r.OnPresenceEvent(home, available(ShowNone, 0)))
	require.NoError(t, r.OnPresenceEvent(home, Record{Kind: KindUnavailable}))
	require.NoError(t, r.OnPresenceEvent(home, Record{Kind: KindUnavailable}))

	require.Len(t, *changes, 2)
	assert.False(t, (*changes)[1].eff.Available())
	assert.False(t, r.EffectivePresence(alice).Available())
}

func TestResolverCacheInvalidation(t *testing.T) {
	r, _ := newTestResolver()
	home := address.MustParse("alice@example.com/home")

	assert.False(t, r.EffectivePresence(alice).Available())
	require.NoError(t, r.OnPresenceEvent(home, available(ShowDND, 0)))
	assert.Equal(t, ShowDND, r.EffectivePresence(alice).Record.Show)
}

func TestSubscriptionKindsAreNotLiveness(t *testing.T) {
	r, changes := newTestResolver()
	auth := &recordingAuthorizer{}
	r.SetAuthorizer(auth)

	bob := address.MustParse("bob@example.com")
	for _, k := range []Kind{KindSubscribe, KindSubscribed, KindUnsubscribe, KindUnsubscribed} {
		require.NoError(t, r.OnPresenceEvent(bob, Record{Kind: k}))
	}

	assert.Empty(t, *changes)
	assert.False(t, r.EffectivePresence(bob).Available())
	require.Len(t, auth.calls, 4)
	assert.Equal(t, KindSubscribe, auth.calls[0].kind)
}

func TestMalformedEventIsProtocolError(t *testing.T) {
	r, changes := newTestResolver()

	err := r.OnPresenceEvent(alice, available(ShowNone, 0))
	assert.ErrorIs(t, err, errs.ErrProtocol)

	err = r.OnPresenceEvent(address.Address{}, available(ShowNone, 0))
	assert.ErrorIs(t, err, errs.ErrProtocol)

	assert.Empty(t, *changes)
	assert.Empty(t, r.Store().Entities())
}

func TestResolverRemoveAllForRoom(t *testing.T) {
	r, changes := newTestResolver()
	room := address.MustParse("lobby@conference.example.com")
	occ, _ := room.WithResource("bob")
	require.NoError(t, r.OnPresenceEvent(occ, available(ShowNone, 0)))

	*changes = nil
	r.RemoveAllForRoom(room)
	require.Len(t, *changes, 1)
	assert.False(t, r.EffectivePresence(room).Available())

	r.RemoveAllForRoom(room)
	assert.Len(t, *changes, 1)
}

func TestResetAndOwn(t *testing.T) {
	r, changes := newTestResolver()
	require.NoError(t, r.OnPresenceEvent(address.MustParse("alice@example.com/home"), available(ShowNone, 0)))
	r.SetOwn(Own{Show: ShowAway, Status: "lunch", Priority: 3})

	r.Reset()
	assert.False(t, r.EffectivePresence(alice).Available())
	assert.Len(t, *changes, 1)
	assert.Equal(t, "lunch", r.GetOwn().Status)
}

func TestKindFromStanza(t *testing.T) {
	k, err := KindFromStanza(stanza.UnavailablePresence)
	require.NoError(t, err)
	assert.Equal(t, KindUnavailable, k)
	assert.Equal(t, stanza.UnavailablePresence, k.StanzaType())

	_, err = KindFromStanza(stanza.ProbePresence)
	assert.ErrorIs(t, err, errs.ErrProtocol)

	assert.Equal(t, ShowNone, ParseShow("sleepy"))
	assert.Equal(t, ShowXA, ParseShow("xa"))
}
