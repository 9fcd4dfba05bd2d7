package session

import (
	"errors"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/meszmate/roster/internal/storage"
	"github.com/meszmate/roster/internal/xmpp/address"
)

// Credentials is everything needed to (re)open a session.
type Credentials struct {
	Address  address.Address
	Password string
	Server   string
	Port     int
}

type sealedCredentials struct {
	JID      string `msgpack:"jid"`
	Password string `msgpack:"password"`
	Server   string `msgpack:"server"`
	Port     int    `msgpack:"port"`
}

// ErrNoSealer is returned when credentials must be persisted but no sealer
// was configured.
var ErrNoSealer = errors.New("no credential sealer configured")

func sealCredentials(s *storage.Sealer, c Credentials) ([]byte, error) {
	if s == nil {
		return nil, ErrNoSealer
	}
	plain, err := msgpack.Marshal(&sealedCredentials{
		JID:      c.Address.String(),
		Password: c.Password,
		Server:   c.Server,
		Port:     c.Port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode credentials: %w", err)
	}
	return s.Seal(plain)
}

func openCredentials(s *storage.Sealer, blob []byte) (Credentials, error) {
	if s == nil {
		return Credentials{}, ErrNoSealer
	}
	plain, err := s.Open(blob)
	if err != nil {
		return Credentials{}, err
	}
	var sc sealedCredentials
	if err := msgpack.Unmarshal(plain, &sc); err != nil {
		return Credentials{}, fmt.Errorf("failed to decode credentials: %w", err)
	}
	a, err := address.Parse(sc.JID)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{Address: a, Password: sc.Password, Server: sc.Server, Port: sc.Port}, nil
}
