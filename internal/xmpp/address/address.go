// Package address provides the bare and full participant addresses used by
// the presence, room and session packages.
package address

import (
	"errors"
	"fmt"

	"mellium.im/xmpp/jid"
)

// ErrMalformed is returned when an address is missing its local or domain
// part, or fails normalisation.
var ErrMalformed = errors.New("malformed address")

// Address is an immutable participant address. A bare address has no
// resource; a full address carries one.
type Address struct {
	j jid.JID
}

// New builds an address from its parts. An empty resource yields a bare
// address.
func New(local, domain, resource string) (Address, error) {
	if local == "" || domain == "" {
		return Address{}, fmt.Errorf("%w: local and domain are required", ErrMalformed)
	}
	j, err := jid.New(local, domain, resource)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Address{j: j}, nil
}

// Parse parses local@domain[/resource].
func Parse(s string) (Address, error) {
	j, err := jid.Parse(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return FromJID(j)
}

// MustParse is like Parse but panics on error. Intended for tests and
// constants.
func MustParse(s string) Address {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

// FromJID wraps a JID delivered by the transport.
func FromJID(j jid.JID) (Address, error) {
	if j.Localpart() == "" || j.Domainpart() == "" {
		return Address{}, fmt.Errorf("%w: %q has no local or domain part", ErrMalformed, j.String())
	}
	return Address{j: j}, nil
}

// JID returns the underlying JID for the transport.
func (a Address) JID() jid.JID {
	return a.j
}

// Local returns the localpart.
func (a Address) Local() string {
	return a.j.Localpart()
}

// Domain returns the domainpart.
func (a Address) Domain() string {
	return a.j.Domainpart()
}

// Resource returns the resourcepart, empty for bare addresses.
func (a Address) Resource() string {
	return a.j.Resourcepart()
}

// Nickname returns the occupant nickname of a room address. It is the same
// value as the resource.
func (a Address) Nickname() string {
	return a.j.Resourcepart()
}

// IsZero reports whether a is the zero Address.
func (a Address) IsZero() bool {
	return a.j.Domainpart() == ""
}

// IsBare reports whether a has no resource.
func (a Address) IsBare() bool {
	return a.j.Resourcepart() == ""
}

// IsFull reports whether a carries a resource.
func (a Address) IsFull() bool {
	return !a.IsZero() && a.j.Resourcepart() != ""
}

// WithResource returns a full address for the same entity.
func (a Address) WithResource(resource string) (Address, error) {
	if a.IsZero() {
		return Address{}, fmt.Errorf("%w: zero address", ErrMalformed)
	}
	j, err := a.j.WithResource(resource)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Address{j: j}, nil
}

// Key is the canonical bare string used to index tables by entity.
func (a Address) Key() string {
	return a.j.Bare().String()
}

// String returns the full textual form.
func (a Address) String() string {
	return a.j.String()
}

// Equal reports whether a and b are the same full address.
func (a Address) Equal(b Address) bool {
	return a.j.Equal(b.j)
}

// Bare strips the resource.
func Bare(a Address) Address {
	return Address{j: a.j.Bare()}
}

// ResourceOf returns the resource of a, if any.
func ResourceOf(a Address) (string, bool) {
	r := a.j.Resourcepart()
	return r, r != ""
}

// IsSameEntity reports bare-address equality.
func IsSameEntity(a, b Address) bool {
	return a.j.Bare().Equal(b.j.Bare())
}
