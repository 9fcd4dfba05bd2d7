// Package xmpp is the wire transport on mellium.im/xmpp. It negotiates the
// stream, turns inbound stanzas into engine events and encodes outbound
// presence.
package xmpp

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"mellium.im/sasl"
	"mellium.im/xmlstream"
	"mellium.im/xmpp"

	"github.com/meszmate/roster/internal/errs"
	"github.com/meszmate/roster/internal/logging"
	"github.com/meszmate/roster/internal/session"
	"github.com/meszmate/roster/internal/xmpp/address"
	"github.com/meszmate/roster/internal/xmpp/muc"
	"github.com/meszmate/roster/internal/xmpp/presence"
	"github.com/meszmate/roster/internal/xmpp/roster"
)

// DefaultPort is the client-to-server port.
const DefaultPort = 5222

// ErrNotConnected is returned when sending without a stream.
var ErrNotConnected = errors.New("not connected")

// Handler receives parsed inbound events.
type Handler interface {
	OnPresence(from address.Address, rec presence.Record, occ *muc.OccupantPresence)
	OnSubject(room address.Address, subject string)
	OnRosterItem(entry roster.Entry)
	OnDisconnected(err error)
}

// ClientConfig contains configuration for the XMPP client
type ClientConfig struct {
	// Resource is requested at bind time; the server may override it.
	Resource string
	// InsecureSkipVerify disables certificate checks for test servers.
	InsecureSkipVerify bool
	Logger             *logging.Logger
}

// stream is one negotiated connection.
type stream struct {
	sess   *xmpp.Session
	conn   net.Conn
	bound  address.Address
	closed bool
}

// Client implements session.Transport over a single XMPP stream.
type Client struct {
	cfg     ClientConfig
	log     *logging.Logger
	handler Handler
	dial    func(ctx context.Context, network, addr string) (net.Conn, error)

	mu      sync.Mutex
	stream  *stream
	pending map[string]chan iqEnvelope
}

// NewClient creates a new XMPP client
func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	var d net.Dialer
	return &Client{
		cfg:     cfg,
		log:     cfg.Logger,
		dial:    d.DialContext,
		pending: make(map[string]chan iqEnvelope),
	}
}

// SetHandler sets the inbound event handler. It must be set before Connect.
func (c *Client) SetHandler(h Handler) {
	c.handler = h
}

// Connect dials the server, negotiates StartTLS, SASL and resource binding,
// and starts serving inbound stanzas.
func (c *Client) Connect(ctx context.Context, creds session.Credentials) (address.Address, error) {
	c.mu.Lock()
	old := c.stream
	c.stream = nil
	c.mu.Unlock()
	if old != nil {
		c.closeStream(old)
	}

	origin := creds.Address.JID()
	if res := c.cfg.Resource; res != "" && creds.Address.IsBare() {
		j, err := origin.WithResource(res)
		if err != nil {
			return address.Address{}, fmt.Errorf("invalid resource: %w", err)
		}
		origin = j
	}

	host := creds.Server
	if host == "" {
		host = origin.Domainpart()
	}
	port := creds.Port
	if port == 0 {
		port = DefaultPort
	}

	conn, err := c.dial(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return address.Address{}, errs.Transport("dial", err)
	}

	tlsConfig := &tls.Config{
		ServerName:         origin.Domainpart(),
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.cfg.InsecureSkipVerify,
	}
	negotiator := xmpp.NewNegotiator(func(_ *xmpp.Session, _ *xmpp.StreamConfig) xmpp.StreamConfig {
		return xmpp.StreamConfig{
			Features: []xmpp.StreamFeature{
				xmpp.StartTLS(tlsConfig),
				xmpp.SASL("", creds.Password, sasl.ScramSha256Plus, sasl.ScramSha256, sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain),
				xmpp.BindResource(),
			},
		}
	})

	sess, err := xmpp.NewSession(ctx, origin.Domain(), origin, conn, 0, negotiator)
	if err != nil {
		_ = conn.Close()
		if isAuthFailure(err) {
			return address.Address{}, fmt.Errorf("%w: %v", errs.ErrAuthorizationDenied, err)
		}
		return address.Address{}, errs.Transport("negotiate", err)
	}

	bound, err := address.FromJID(sess.LocalAddr())
	if err != nil {
		_ = sess.Close()
		_ = conn.Close()
		return address.Address{}, errs.Transport("bind", err)
	}

	s := &stream{sess: sess, conn: conn, bound: bound}
	prev, err := c.install(ctx, s)
	if err != nil {
		_ = sess.Close()
		_ = conn.Close()
		return address.Address{}, err
	}
	if prev != nil {
		_ = c.closeStream(prev)
	}

	go c.serve(s)

	c.log.Info("Stream negotiated for %s", bound)
	return bound, nil
}

// install makes s the current stream and returns the one it replaced. An
// attempt abandoned while negotiating is refused so its stream never serves.
func (c *Client) install(ctx context.Context, s *stream) (*stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		s.closed = true
		return nil, err
	}
	prev := c.stream
	c.stream = s
	return prev, nil
}

// isAuthFailure reports whether a negotiation error is a SASL rejection.
func isAuthFailure(err error) bool {
	msg := err.Error()
	for _, cond := range []string{"not-authorized", "credentials-expired", "account-disabled", "invalid-mechanism"} {
		if strings.Contains(msg, cond) {
			return true
		}
	}
	return false
}

func (c *Client) serve(s *stream) {
	err := s.sess.Serve(xmpp.HandlerFunc(func(t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
		c.handleStanza(t, s.bound, start)
		return nil
	}))

	c.mu.Lock()
	closed := s.closed
	if c.stream == s {
		c.stream = nil
	}
	c.mu.Unlock()
	c.failPending()

	if closed {
		return
	}
	_ = s.conn.Close()
	if c.handler != nil {
		if err == nil {
			err = errors.New("stream closed by server")
		}
		c.handler.OnDisconnected(errs.Transport("read", err))
	}
}

func (c *Client) handleStanza(t xmlstream.TokenReadEncoder, bound address.Address, start *xml.StartElement) {
	d := xml.NewTokenDecoder(t)
	switch start.Name.Local {
	case "presence":
		from, rec, occ, err := decodePresence(d, start)
		if err != nil {
			c.log.Warn("Dropping presence: %v", err)
			return
		}
		if c.handler != nil {
			c.handler.OnPresence(from, rec, occ)
		}
	case "message":
		room, subject, ok, err := decodeSubject(d, start)
		if err != nil {
			c.log.Warn("Dropping message: %v", err)
			return
		}
		if ok && c.handler != nil {
			c.handler.OnSubject(room, subject)
		}
	case "iq":
		var iq iqEnvelope
		if err := d.DecodeElement(&iq, start); err != nil {
			c.log.Warn("Dropping iq: %v", err)
			return
		}
		c.handleIQ(t, bound, iq)
	}
}

// handleIQ routes iq results to their waiters and applies roster pushes. A
// push is only trusted from our own server, which sends it without a from
// or from our bare address.
func (c *Client) handleIQ(w xmlstream.TokenWriter, bound address.Address, iq iqEnvelope) {
	switch iq.Type {
	case "result", "error":
		c.mu.Lock()
		ch, ok := c.pending[iq.ID]
		delete(c.pending, iq.ID)
		c.mu.Unlock()
		if ok {
			ch <- iq
		}
	case "set":
		if iq.Query == nil {
			return
		}
		if !trustedPush(bound, iq.From) {
			c.log.Warn("Ignoring roster push from %q", iq.From)
			if err := replyIQ(w, iq, "service-unavailable"); err != nil {
				c.log.Warn("Failed to refuse roster push: %v", err)
			}
			return
		}
		for _, e := range rosterEntries(iq.Query) {
			if c.handler != nil {
				c.handler.OnRosterItem(e)
			}
		}
		if err := replyIQ(w, iq, ""); err != nil {
			c.log.Warn("Failed to acknowledge roster push: %v", err)
		}
	}
}

func trustedPush(bound address.Address, from string) bool {
	if from == "" {
		return true
	}
	a, err := address.Parse(from)
	if err != nil || bound.IsZero() {
		return false
	}
	return a.IsBare() && a.Key() == address.Bare(bound).Key()
}

// replyIQ answers iq on the handler's stream: an empty result, or an error
// carrying cond when cond is set.
func replyIQ(w xmlstream.TokenWriter, iq iqEnvelope, cond string) error {
	typ := "result"
	if cond != "" {
		typ = "error"
	}
	start := xml.StartElement{
		Name: xml.Name{Space: "jabber:client", Local: "iq"},
		Attr: []xml.Attr{
			{Name: xml.Name{Local: "type"}, Value: typ},
			{Name: xml.Name{Local: "id"}, Value: iq.ID},
		},
	}
	if iq.From != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "to"}, Value: iq.From})
	}
	if err := w.EncodeToken(start); err != nil {
		return err
	}
	if cond != "" {
		errStart := xml.StartElement{
			Name: xml.Name{Local: "error"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "type"}, Value: "cancel"}},
		}
		condStart := xml.StartElement{Name: xml.Name{Space: nsStanzaErr, Local: cond}}
		for _, tok := range []xml.Token{errStart, condStart, condStart.End(), errStart.End()} {
			if err := w.EncodeToken(tok); err != nil {
				return err
			}
		}
	}
	return w.EncodeToken(start.End())
}

func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) current() (*stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stream == nil {
		return nil, ErrNotConnected
	}
	return c.stream, nil
}

// Send encodes p with a fresh correlation id.
func (c *Client) Send(ctx context.Context, p presence.Outbound) (string, error) {
	s, err := c.current()
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	if err := s.sess.Encode(ctx, encodePresence(id, p)); err != nil {
		return "", errs.Transport("send", err)
	}
	return id, nil
}

// FetchRoster requests the full roster and waits for the result.
func (c *Client) FetchRoster(ctx context.Context) ([]roster.Entry, error) {
	s, err := c.current()
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	ch := make(chan iqEnvelope, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	req := outIQ{ID: id, Type: "get", Query: &rosterQuery{}}
	if err := s.sess.Encode(ctx, req); err != nil {
		return nil, errs.Transport("roster", err)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case iq, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if iq.Type == "error" {
			return nil, fmt.Errorf("roster request refused: %s", iq.Error.condition())
		}
		return rosterEntries(iq.Query), nil
	}
}

// Close ends the stream without reporting a disconnect.
func (c *Client) Close() error {
	c.mu.Lock()
	s := c.stream
	c.stream = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	return c.closeStream(s)
}

func (c *Client) closeStream(s *stream) error {
	c.mu.Lock()
	s.closed = true
	c.mu.Unlock()
	err := s.sess.Close()
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	return err
}
