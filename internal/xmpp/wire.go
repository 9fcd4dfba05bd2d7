package xmpp

import (
	"encoding/xml"
	"strconv"
	"strings"

	"mellium.im/xmpp/stanza"

	"github.com/meszmate/roster/internal/errs"
	"github.com/meszmate/roster/internal/xmpp/address"
	"github.com/meszmate/roster/internal/xmpp/muc"
	"github.com/meszmate/roster/internal/xmpp/presence"
	"github.com/meszmate/roster/internal/xmpp/roster"
)

const nsStanzaErr = "urn:ietf:params:xml:ns:xmpp-stanzas"

// outPresence is the encoding of presence.Outbound.
type outPresence struct {
	XMLName  xml.Name `xml:"jabber:client presence"`
	ID       string   `xml:"id,attr,omitempty"`
	To       string   `xml:"to,attr,omitempty"`
	Type     string   `xml:"type,attr,omitempty"`
	Show     string   `xml:"show,omitempty"`
	Status   string   `xml:"status,omitempty"`
	Priority int32    `xml:"priority,omitempty"`
	MUC      *mucJoin `xml:"http://jabber.org/protocol/muc x,omitempty"`
}

type mucJoin struct {
	Password string       `xml:"password,omitempty"`
	History  *mucHistory `xml:"history,omitempty"`
}

type mucHistory struct {
	MaxStanzas int `xml:"maxstanzas,attr"`
	Seconds    int `xml:"seconds,attr"`
}

func encodePresence(id string, p presence.Outbound) outPresence {
	out := outPresence{
		ID:       id,
		Type:     string(p.Kind.StanzaType()),
		Status:   p.Status,
		Priority: p.Priority,
	}
	if !p.To.IsZero() {
		out.To = p.To.String()
	}
	if p.Kind == presence.KindAvailable {
		out.Show = string(p.Show)
	}
	if p.Join != nil {
		out.MUC = &mucJoin{Password: p.Join.Password}
		if p.Join.MaxStanzas > 0 || p.Join.Seconds > 0 {
			out.MUC.History = &mucHistory{MaxStanzas: p.Join.MaxStanzas, Seconds: p.Join.Seconds}
		}
	}
	return out
}

type inPresence struct {
	XMLName  xml.Name     `xml:"presence"`
	From     string       `xml:"from,attr"`
	Type     string       `xml:"type,attr"`
	Show     string       `xml:"show"`
	Status   string       `xml:"status"`
	Priority string       `xml:"priority"`
	Caps     *capsElem    `xml:"http://jabber.org/protocol/caps c"`
	Avatar   *avatarElem  `xml:"vcard-temp:x:update x"`
	MUC      *mucUser     `xml:"http://jabber.org/protocol/muc#user x"`
	Error    *stanzaError `xml:"error"`
}

type capsElem struct {
	Ver string `xml:"ver,attr"`
}

type avatarElem struct {
	Photo string `xml:"photo"`
}

type mucUser struct {
	Item   *mucItem    `xml:"item"`
	Status []mucStatus `xml:"status"`
}

type mucStatus struct {
	Code string `xml:"code,attr"`
}

type mucItem struct {
	Affiliation string    `xml:"affiliation,attr"`
	Role        string    `xml:"role,attr"`
	JID         string    `xml:"jid,attr"`
	Nick        string    `xml:"nick,attr"`
	Reason      string    `xml:"reason"`
	Actor       *mucActor `xml:"actor"`
}

type mucActor struct {
	Nick string `xml:"nick,attr"`
	JID  string `xml:"jid,attr"`
}

type stanzaError struct {
	Type     string     `xml:"type,attr"`
	Children []anyChild `xml:",any"`
}

type anyChild struct {
	XMLName xml.Name
}

func (e *stanzaError) condition() string {
	if e == nil {
		return ""
	}
	for _, c := range e.Children {
		if c.XMLName.Space == nsStanzaErr && c.XMLName.Local != "text" {
			return c.XMLName.Local
		}
	}
	return ""
}

// decodePresence turns a presence element into the records the engine
// consumes. The occupant view is always filled; the engine only applies it
// when the sender is a tracked room.
func decodePresence(d *xml.Decoder, start *xml.StartElement) (address.Address, presence.Record, *muc.OccupantPresence, error) {
	var in inPresence
	if err := d.DecodeElement(&in, start); err != nil {
		return address.Address{}, presence.Record{}, nil, errs.Protocol("decode presence: %v", err)
	}
	from, err := address.Parse(in.From)
	if err != nil {
		return address.Address{}, presence.Record{}, nil, errs.Protocol("presence from %q: %v", in.From, err)
	}
	kind, err := presence.KindFromStanza(stanza.PresenceType(in.Type))
	if err != nil {
		return address.Address{}, presence.Record{}, nil, err
	}

	rec := presence.Record{
		Kind:   kind,
		Show:   presence.ParseShow(strings.TrimSpace(in.Show)),
		Status: in.Status,
	}
	if p := strings.TrimSpace(in.Priority); p != "" {
		prio, err := strconv.ParseInt(p, 10, 32)
		if err != nil {
			return address.Address{}, presence.Record{}, nil, errs.Protocol("presence priority %q from %s", p, from)
		}
		rec.Priority = int32(prio)
	}
	if in.Caps != nil {
		rec.CapsHash = in.Caps.Ver
	}
	if in.Avatar != nil {
		rec.AvatarChecksum = strings.TrimSpace(in.Avatar.Photo)
	}

	occ := &muc.OccupantPresence{
		Show:   string(rec.Show),
		Status: rec.Status,
		Error:  muc.ErrorCondition(in.Error.condition()),
	}
	switch kind {
	case presence.KindUnavailable:
		occ.Kind = muc.Unavailable
	case presence.KindError:
		occ.Kind = muc.Error
	default:
		occ.Kind = muc.Available
	}
	if in.MUC != nil {
		for _, s := range in.MUC.Status {
			occ.StatusCodes = append(occ.StatusCodes, muc.ParseStatusCode(s.Code))
		}
		if it := in.MUC.Item; it != nil {
			occ.Role = muc.Role(it.Role)
			occ.Affiliation = muc.Affiliation(it.Affiliation)
			occ.Reason = it.Reason
			occ.NewNickname = it.Nick
			if it.Actor != nil {
				occ.Actor = it.Actor.Nick
			}
			if it.JID != "" {
				if realAddr, err := address.Parse(it.JID); err == nil {
					occ.RealAddress = realAddr
				}
			}
		}
	}
	return from, rec, occ, nil
}

type inMessage struct {
	XMLName xml.Name `xml:"message"`
	From    string   `xml:"from,attr"`
	Type    string   `xml:"type,attr"`
	Subject *string  `xml:"subject"`
}

// decodeSubject returns the room and subject of a groupchat subject change.
// ok is false for any other message.
func decodeSubject(d *xml.Decoder, start *xml.StartElement) (room address.Address, subject string, ok bool, err error) {
	var in inMessage
	if err := d.DecodeElement(&in, start); err != nil {
		return address.Address{}, "", false, errs.Protocol("decode message: %v", err)
	}
	if in.Type != string(stanza.GroupChatMessage) || in.Subject == nil {
		return address.Address{}, "", false, nil
	}
	from, err := address.Parse(in.From)
	if err != nil {
		return address.Address{}, "", false, errs.Protocol("message from %q: %v", in.From, err)
	}
	return address.Bare(from), *in.Subject, true, nil
}

type iqEnvelope struct {
	XMLName xml.Name     `xml:"iq"`
	ID      string       `xml:"id,attr"`
	Type    string       `xml:"type,attr"`
	From    string       `xml:"from,attr,omitempty"`
	To      string       `xml:"to,attr,omitempty"`
	Query   *rosterQuery `xml:"jabber:iq:roster query"`
	Error   *stanzaError `xml:"error"`
}

type rosterQuery struct {
	XMLName xml.Name     `xml:"jabber:iq:roster query"`
	Items   []rosterItem `xml:"item"`
}

type rosterItem struct {
	JID          string   `xml:"jid,attr"`
	Name         string   `xml:"name,attr,omitempty"`
	Subscription string   `xml:"subscription,attr,omitempty"`
	Groups       []string `xml:"group"`
}

type outIQ struct {
	XMLName xml.Name     `xml:"jabber:client iq"`
	ID      string       `xml:"id,attr"`
	Type    string       `xml:"type,attr"`
	To      string       `xml:"to,attr,omitempty"`
	Query   *rosterQuery
}

func rosterEntries(q *rosterQuery) []roster.Entry {
	if q == nil {
		return nil
	}
	out := make([]roster.Entry, 0, len(q.Items))
	for _, it := range q.Items {
		a, err := address.Parse(it.JID)
		if err != nil {
			continue
		}
		out = append(out, roster.NewEntry(address.Bare(a), it.Name, roster.ParseSubscription(it.Subscription), it.Groups...))
	}
	return out
}
