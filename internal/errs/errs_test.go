package errs

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransportErrorUnwrapsBoth(t *testing.T) {
	err := Transport("connect", io.ErrUnexpectedEOF)

	assert.ErrorIs(t, err, ErrTransport)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	var te *TransportError
	assert.True(t, errors.As(err, &te))
	assert.Equal(t, "connect", te.Op)
	assert.Equal(t, "connect: unexpected EOF", err.Error())
}

func TestTransportNil(t *testing.T) {
	assert.NoError(t, Transport("send", nil))
}

func TestProtocol(t *testing.T) {
	err := Protocol("bad show %q", "sleepy")
	assert.ErrorIs(t, err, ErrProtocol)
	assert.False(t, IsAuthorization(err))
}
