package presence

import (
	"fmt"

	"mellium.im/xmpp/stanza"

	"github.com/meszmate/roster/internal/errs"
	"github.com/meszmate/roster/internal/xmpp/address"
)

// Kind is the type of a presence event.
type Kind int

const (
	KindAvailable Kind = iota
	KindUnavailable
	KindError
	KindSubscribe
	KindSubscribed
	KindUnsubscribe
	KindUnsubscribed
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindAvailable:
		return "available"
	case KindUnavailable:
		return "unavailable"
	case KindError:
		return "error"
	case KindSubscribe:
		return "subscribe"
	case KindSubscribed:
		return "subscribed"
	case KindUnsubscribe:
		return "unsubscribe"
	case KindUnsubscribed:
		return "unsubscribed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsAuthorization reports whether k belongs to the subscription handshake
// rather than to liveness.
func (k Kind) IsAuthorization() bool {
	switch k {
	case KindSubscribe, KindSubscribed, KindUnsubscribe, KindUnsubscribed:
		return true
	}
	return false
}

// removes reports whether a record of this kind clears the stored entry.
func (k Kind) removes() bool {
	return k == KindUnavailable || k == KindError
}

// KindFromStanza maps a presence type attribute. Probes are server-side only
// and are rejected.
func KindFromStanza(t stanza.PresenceType) (Kind, error) {
	switch t {
	case stanza.AvailablePresence:
		return KindAvailable, nil
	case stanza.UnavailablePresence:
		return KindUnavailable, nil
	case stanza.ErrorPresence:
		return KindError, nil
	case stanza.SubscribePresence:
		return KindSubscribe, nil
	case stanza.SubscribedPresence:
		return KindSubscribed, nil
	case stanza.UnsubscribePresence:
		return KindUnsubscribe, nil
	case stanza.UnsubscribedPresence:
		return KindUnsubscribed, nil
	default:
		return 0, errs.Protocol("unexpected presence type %q", string(t))
	}
}

// StanzaType is the inverse of KindFromStanza.
func (k Kind) StanzaType() stanza.PresenceType {
	switch k {
	case KindUnavailable:
		return stanza.UnavailablePresence
	case KindError:
		return stanza.ErrorPresence
	case KindSubscribe:
		return stanza.SubscribePresence
	case KindSubscribed:
		return stanza.SubscribedPresence
	case KindUnsubscribe:
		return stanza.UnsubscribePresence
	case KindUnsubscribed:
		return stanza.UnsubscribedPresence
	default:
		return stanza.AvailablePresence
	}
}

// Show represents the presence show state
type Show string

const (
	ShowNone Show = ""
	ShowChat Show = "chat"
	ShowAway Show = "away"
	ShowXA   Show = "xa"
	ShowDND  Show = "dnd"
)

// ParseShow converts a <show/> value. Unknown values fall back to ShowNone,
// which renders as plain available.
func ParseShow(s string) Show {
	switch s {
	case "chat":
		return ShowChat
	case "away":
		return ShowAway
	case "xa":
		return ShowXA
	case "dnd":
		return ShowDND
	default:
		return ShowNone
	}
}

// Record is the raw presence advertised by one full address.
type Record struct {
	Kind           Kind
	Show           Show
	Status         string
	Priority       int32
	CapsHash       string
	AvatarChecksum string
}

// Label converts a record to the human-readable state shown by the view.
func (r Record) Label() string {
	if r.Kind.removes() {
		return "unavailable"
	}
	switch r.Show {
	case ShowNone:
		return "available"
	case ShowAway:
		return "away"
	case ShowChat:
		return "chat"
	case ShowDND:
		return "dnd"
	case ShowXA:
		return "xa"
	default:
		return string(r.Show)
	}
}

// Effective is the presence that speaks for a bare address.
type Effective struct {
	// Address is the full address of the winning resource, or the bare
	// address when nothing is live.
	Address address.Address
	Record  Record
}

// Unavailable returns the synthetic offline value for bare.
func Unavailable(bare address.Address) Effective {
	return Effective{
		Address: address.Bare(bare),
		Record:  Record{Kind: KindUnavailable},
	}
}

// Available reports whether some resource is live.
func (e Effective) Available() bool {
	return e.Record.Kind == KindAvailable
}

func (e Effective) equal(o Effective) bool {
	return e.Address.Equal(o.Address) && e.Record == o.Record
}
