package auth

import (
	"context"

	"github.com/danielpaulus/ptunp/ptunp/transport"
)

// NoAuth accepts every connection. The connection is still encrypted and the node id of
// the remote side is known, it is just not checked.
type NoAuth struct{}

func (NoAuth) ALPNSuffix() string {
	return "/noauth"
}

func (NoAuth) Authenticate(context.Context, transport.Connection) error {
	return nil
}

func (NoAuth) Present(context.Context, transport.Connection) error {
	return nil
}
