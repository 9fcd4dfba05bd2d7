package xmpp

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meszmate/roster/internal/errs"
	"github.com/meszmate/roster/internal/xmpp/address"
	"github.com/meszmate/roster/internal/xmpp/muc"
	"github.com/meszmate/roster/internal/xmpp/presence"
	"github.com/meszmate/roster/internal/xmpp/roster"
)

func decoderFor(t *testing.T, s string) (*xml.Decoder, *xml.StartElement) {
	t.Helper()
	d := xml.NewDecoder(strings.NewReader(s))
	for {
		tok, err := d.Token()
		require.NoError(t, err)
		if start, ok := tok.(xml.StartElement); ok {
			return d, &start
		}
	}
}

func TestDecodeContactPresence(t *testing.T) {
	d, start := decoderFor(t, `<presence xmlns="jabber:client" from="alice@example.com/phone">
		<show>away</show><status>in a meeting</status><priority>-5</priority>
		<c xmlns="http://jabber.org/protocol/caps" hash="sha-1" node="n" ver="abc="/>
		<x xmlns="vcard-temp:x:update"><photo> 01b8 </photo></x>
	</presence>`)

	from, rec, occ, err := decodePresence(d, start)
	require.NoError(t, err)
	assert.Equal(t, address.MustParse("alice@example.com/phone"), from)
	assert.Equal(t, presence.KindAvailable, rec.Kind)
	assert.Equal(t, presence.ShowAway, rec.Show)
	assert.Equal(t, "in a meeting", rec.Status)
	assert.Equal(t, int32(-5), rec.Priority)
	assert.Equal(t, "abc=", rec.CapsHash)
	assert.Equal(t, "01b8", rec.AvatarChecksum)
	require.NotNil(t, occ)
	assert.Equal(t, muc.Available, occ.Kind)
}

func TestDecodeKickedOccupant(t *testing.T) {
	d, start := decoderFor(t, `<presence from="lounge@conf.example.com/bob" type="unavailable">
		<x xmlns="http://jabber.org/protocol/muc#user">
			<item affiliation="none" role="none" jid="bob@example.com/pc">
				<actor nick="mod"/><reason>spam</reason>
			</item>
			<status code="307"/>
		</x>
	</presence>`)

	from, rec, occ, err := decodePresence(d, start)
	require.NoError(t, err)
	assert.Equal(t, "bob", from.Nickname())
	assert.Equal(t, presence.KindUnavailable, rec.Kind)
	assert.Equal(t, muc.Unavailable, occ.Kind)
	assert.Equal(t, []muc.StatusCode{muc.StatusKicked}, occ.StatusCodes)
	assert.Equal(t, "spam", occ.Reason)
	assert.Equal(t, "mod", occ.Actor)
	assert.Equal(t, address.MustParse("bob@example.com/pc"), occ.RealAddress)
}

func TestDecodeNicknameChange(t *testing.T) {
	d, start := decoderFor(t, `<presence from="lounge@conf.example.com/bob" type="unavailable">
		<x xmlns="http://jabber.org/protocol/muc#user">
			<item affiliation="member" role="participant" nick="robert"/>
			<status code="303"/><status code="110"/>
		</x>
	</presence>`)

	_, _, occ, err := decodePresence(d, start)
	require.NoError(t, err)
	assert.Equal(t, "robert", occ.NewNickname)
	assert.Equal(t, []muc.StatusCode{muc.StatusNickChanged, muc.StatusSelf}, occ.StatusCodes)
	assert.Equal(t, muc.RoleParticipant, occ.Role)
	assert.Equal(t, muc.AffiliationMember, occ.Affiliation)
}

func TestDecodeRoomError(t *testing.T) {
	d, start := decoderFor(t, `<presence from="lounge@conf.example.com/me" type="error">
		<error type="cancel">
			<conflict xmlns="urn:ietf:params:xml:ns:xmpp-stanzas"/>
			<text xmlns="urn:ietf:params:xml:ns:xmpp-stanzas">taken</text>
		</error>
	</presence>`)

	_, rec, occ, err := decodePresence(d, start)
	require.NoError(t, err)
	assert.Equal(t, presence.KindError, rec.Kind)
	assert.Equal(t, muc.Error, occ.Kind)
	assert.Equal(t, muc.ErrorConflict, occ.Error)
}

func TestDecodePresenceProtocolErrors(t *testing.T) {
	for name, in := range map[string]string{
		"probe":    `<presence from="a@b/c" type="probe"/>`,
		"priority": `<presence from="a@b/c"><priority>high</priority></presence>`,
		"from":     `<presence from="@b"/>`,
	} {
		t.Run(name, func(t *testing.T) {
			d, start := decoderFor(t, in)
			_, _, _, err := decodePresence(d, start)
			assert.ErrorIs(t, err, errs.ErrProtocol)
		})
	}
}

func TestDecodeSubject(t *testing.T) {
	d, start := decoderFor(t, `<message from="lounge@conf.example.com/mod" type="groupchat"><subject>Rules</subject></message>`)
	room, subject, ok, err := decodeSubject(d, start)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, address.MustParse("lounge@conf.example.com"), room)
	assert.Equal(t, "Rules", subject)

	d, start = decoderFor(t, `<message from="alice@example.com/phone" type="chat"><body>hi</body></message>`)
	_, _, ok, err = decodeSubject(d, start)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEncodeJoinPresence(t *testing.T) {
	out := presence.Outbound{
		To:       address.MustParse("lounge@conf.example.com/me"),
		Kind:     presence.KindAvailable,
		Show:     presence.ShowDND,
		Priority: 3,
		Join:     &presence.Join{Password: "pw", MaxStanzas: 10, Seconds: 86400},
	}
	b, err := xml.Marshal(encodePresence("id-1", out))
	require.NoError(t, err)
	s := string(b)

	assert.Contains(t, s, `id="id-1"`)
	assert.Contains(t, s, `to="lounge@conf.example.com/me"`)
	assert.NotContains(t, s, `type=`)
	assert.Contains(t, s, `<show>dnd</show>`)
	assert.Contains(t, s, `<priority>3</priority>`)
	assert.Contains(t, s, `xmlns="http://jabber.org/protocol/muc"`)
	assert.Contains(t, s, `<password>pw</password>`)
	assert.Contains(t, s, `maxstanzas="10"`)
	assert.Contains(t, s, `seconds="86400"`)
}

func TestEncodeUnavailable(t *testing.T) {
	b, err := xml.Marshal(encodePresence("x", presence.Offline()))
	require.NoError(t, err)
	s := string(b)
	assert.Contains(t, s, `type="unavailable"`)
	assert.NotContains(t, s, "<show>")
	assert.NotContains(t, s, "to=")
}

func TestRosterEntries(t *testing.T) {
	var iq iqEnvelope
	err := xml.Unmarshal([]byte(`<iq type="result" id="r1">
		<query xmlns="jabber:iq:roster">
			<item jid="alice@example.com" name="Alice" subscription="both"><group>Friends</group><group>Work</group></item>
			<item jid="bob@example.com" subscription="remove"/>
			<item jid="@broken"/>
		</query>
	</iq>`), &iq)
	require.NoError(t, err)
	require.NotNil(t, iq.Query)

	entries := rosterEntries(iq.Query)
	require.Len(t, entries, 2)
	assert.Equal(t, "Alice", entries[0].DisplayName)
	assert.Equal(t, roster.SubscriptionBoth, entries[0].Subscription)
	assert.Equal(t, []string{"Friends", "Work"}, entries[0].GroupList())
	assert.Equal(t, roster.SubscriptionRemove, entries[1].Subscription)
}

func TestRosterRequestEncoding(t *testing.T) {
	b, err := xml.Marshal(outIQ{ID: "q1", Type: "get", Query: &rosterQuery{}})
	require.NoError(t, err)
	assert.Contains(t, string(b), `<query xmlns="jabber:iq:roster"></query>`)
}

func TestReplyIQ(t *testing.T) {
	var buf bytes.Buffer
	enc := xml.NewEncoder(&buf)
	require.NoError(t, replyIQ(enc, iqEnvelope{ID: "push1", From: "me@example.com"}, ""))
	require.NoError(t, enc.Flush())
	s := buf.String()
	assert.Contains(t, s, `type="result"`)
	assert.Contains(t, s, `id="push1"`)
	assert.Contains(t, s, `to="me@example.com"`)
	assert.NotContains(t, s, "<error")
}

type pushRecorder struct {
	entries []roster.Entry
}

func (r *pushRecorder) OnPresence(address.Address, presence.Record, *muc.OccupantPresence) {}
func (r *pushRecorder) OnSubject(address.Address, string)                                  {}
func (r *pushRecorder) OnDisconnected(error)                                               {}

func (r *pushRecorder) OnRosterItem(e roster.Entry) {
	r.entries = append(r.entries, e)
}

func rosterPush(from string) iqEnvelope {
	var iq iqEnvelope
	err := xml.Unmarshal([]byte(`<iq type="set" id="push1"><query xmlns="jabber:iq:roster">
		<item jid="mallory@evil.example" name="Your Bank" subscription="both"/>
	</query></iq>`), &iq)
	if err != nil {
		panic(err)
	}
	iq.From = from
	return iq
}

func TestRosterPushSenders(t *testing.T) {
	bound := address.MustParse("me@example.com/roster")
	for _, tc := range []struct {
		name    string
		from    string
		trusted bool
	}{
		{"no from", "", true},
		{"own bare address", "me@example.com", true},
		{"own full address", "me@example.com/other", false},
		{"foreign entity", "mallory@evil.example/bot", false},
		{"server domain", "example.com", false},
		{"malformed", "@", false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			rec := &pushRecorder{}
			c := NewClient(ClientConfig{})
			c.SetHandler(rec)

			var buf bytes.Buffer
			enc := xml.NewEncoder(&buf)
			c.handleIQ(enc, bound, rosterPush(tc.from))
			require.NoError(t, enc.Flush())
			reply := buf.String()

			assert.Contains(t, reply, `id="push1"`)
			if tc.trusted {
				require.Len(t, rec.entries, 1)
				assert.Equal(t, "Your Bank", rec.entries[0].DisplayName)
				assert.Contains(t, reply, `type="result"`)
				return
			}
			assert.Empty(t, rec.entries)
			assert.Contains(t, reply, `type="error"`)
			assert.Contains(t, reply, "service-unavailable")
		})
	}
}

func TestInstallRefusesAbandonedAttempt(t *testing.T) {
	c := NewClient(ClientConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &stream{bound: address.MustParse("me@example.com/roster")}
	prev, err := c.install(ctx, s)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, prev)
	assert.True(t, s.closed)
	_, err = c.current()
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestInstallReturnsReplacedStream(t *testing.T) {
	c := NewClient(ClientConfig{})
	first, second := &stream{}, &stream{}

	prev, err := c.install(context.Background(), first)
	require.NoError(t, err)
	assert.Nil(t, prev)

	prev, err = c.install(context.Background(), second)
	require.NoError(t, err)
	assert.Same(t, first, prev)
	cur, err := c.current()
	require.NoError(t, err)
	assert.Same(t, second, cur)
}

func TestIsAuthFailure(t *testing.T) {
	assert.True(t, isAuthFailure(errors.New("sasl: not-authorized")))
	assert.False(t, isAuthFailure(errors.New("connection reset by peer")))
}
