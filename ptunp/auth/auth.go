// Package auth authenticates inbound tunnel connections before they reach the tunnel.
//
// A Strategy runs once per connection. Handler chains a Strategy in front of another
// transport.ProtocolHandler, which is only called when authentication succeeded. Each
// strategy has its own ALPN, so a client has to pick the strategy the server expects
// during the QUIC handshake already.
package auth

import (
	"context"
	"reflect"
	"sync"

	"github.com/danielpaulus/ptunp/ptunp/transport"
	log "github.com/sirupsen/logrus"
)

// Prefix is the ALPN namespace of all tunnel protocols
const Prefix = "ptunp/v0"

// Strategy authenticates the remote side of a connection.
//
// Authenticate is called at most once per connection, before any tunnel data is sent.
// It may use streams of the connection, but must not keep using the connection after
// it returned. Strategies are shared by all connections and have to be safe for
// concurrent use.
type Strategy interface {
	// ALPNSuffix identifies the strategy within Prefix. It must be the same for all
	// values of a type.
	ALPNSuffix() string
	Authenticate(ctx context.Context, conn transport.Connection) error
}

// Presenter is the client side of a Strategy. It proves the client's identity to a
// server running the Strategy with the same ALPNSuffix.
type Presenter interface {
	ALPNSuffix() string
	Present(ctx context.Context, conn transport.Connection) error
}

// ErrAuthenticationFailed is returned by Handler when the strategy rejected a
// connection. The connection is closed with transport.CodeUnauthorized.
var ErrAuthenticationFailed = transport.NewCodedError(transport.CodeUnauthorized, "authentication failed")

var alpnCache sync.Map

type suffixed interface {
	ALPNSuffix() string
}

// ALPN returns Prefix followed by the suffix of s. The result is computed once per type
// of s and then reused.
func ALPN(s suffixed) string {
	t := reflect.TypeOf(s)
	if alpn, ok := alpnCache.Load(t); ok {
		return alpn.(string)
	}
	alpn, _ := alpnCache.LoadOrStore(t, Prefix+s.ALPNSuffix())
	return alpn.(string)
}

// Handler runs a Strategy before handing the connection to the inner handler.
type Handler struct {
	strategy Strategy
	inner    transport.ProtocolHandler
}

var _ transport.ProtocolHandler = Handler{}

// NewHandler chains strategy in front of inner
func NewHandler(strategy Strategy, inner transport.ProtocolHandler) Handler {
	return Handler{strategy: strategy, inner: inner}
}

// ALPN returns the protocol this handler has to be registered for
func (h Handler) ALPN() string {
	return ALPN(h.strategy)
}

// Accept authenticates conn and passes it on to the inner handler. If authentication
// fails the inner handler is not called and an error wrapping ErrAuthenticationFailed
// is returned.
func (h Handler) Accept(ctx context.Context, conn transport.Connection) error {
	if err := h.strategy.Authenticate(ctx, conn); err != nil {
		log.WithError(err).
			WithField("alpn", h.ALPN()).
			WithField("remote_addr", conn.RemoteAddr().String()).
			Warn("error during authentication")
		return authFailed(err)
	}
	return h.inner.Accept(ctx, conn)
}

// authError reports ErrAuthenticationFailed to the remote side and keeps the cause for errors.Is
type authError struct {
	cause error
}

func authFailed(cause error) error {
	return &authError{cause: cause}
}

func (e *authError) Error() string {
	return ErrAuthenticationFailed.Error() + ": " + e.cause.Error()
}

func (e *authError) Unwrap() []error {
	return []error{ErrAuthenticationFailed, e.cause}
}
