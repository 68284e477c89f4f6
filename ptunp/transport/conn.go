package transport

import (
	"context"
	"fmt"
	"io"
	"net"

	"github.com/quic-go/quic-go"
)

// Stream is a reliable, ordered byte stream multiplexed on a Connection.
type Stream interface {
	io.Reader
	io.Writer
	// Close closes the sending side of the stream
	Close() error
	// Abort cancels both directions of the stream. Pending and future Read and Write
	// calls return immediately with an error.
	Abort(code ErrorCode)
}

// Connection is an authenticated connection to a remote endpoint. Connection values
// are references, copies refer to the same underlying connection.
type Connection interface {
	// RemoteNodeID returns the node id of the remote endpoint as proven in the TLS handshake
	RemoteNodeID() (NodeID, error)
	// ALPN returns the application protocol that was negotiated for this connection
	ALPN() string
	RemoteAddr() net.Addr
	// AcceptStream waits for the next stream opened by the remote side
	AcceptStream(ctx context.Context) (Stream, error)
	// OpenStream opens a new stream, blocking until the peer allows it
	OpenStream(ctx context.Context) (Stream, error)
	// CloseWithError closes the connection and sends code and reason to the remote side
	CloseWithError(code ErrorCode, reason string) error
	// Context is done when the connection is closed
	Context() context.Context
}

type quicConnection struct {
	conn quic.Connection
}

var _ Connection = quicConnection{}

func newQUICConnection(conn quic.Connection) Connection {
	return quicConnection{conn: conn}
}

func (c quicConnection) RemoteNodeID() (NodeID, error) {
	certs := c.conn.ConnectionState().TLS.PeerCertificates
	if len(certs) == 0 {
		return NodeID{}, fmt.Errorf("RemoteNodeID: remote endpoint did not present a certificate")
	}
	return nodeIDFromPublicKey(certs[0].PublicKey)
}

func (c quicConnection) ALPN() string {
	return c.conn.ConnectionState().TLS.NegotiatedProtocol
}

func (c quicConnection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c quicConnection) AcceptStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return quicStream{s}, nil
}

func (c quicConnection) OpenStream(ctx context.Context) (Stream, error) {
	s, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return quicStream{s}, nil
}

func (c quicConnection) CloseWithError(code ErrorCode, reason string) error {
	return c.conn.CloseWithError(code, reason)
}

func (c quicConnection) Context() context.Context {
	return c.conn.Context()
}

type quicStream struct {
	quic.Stream
}

func (s quicStream) Abort(code ErrorCode) {
	s.CancelRead(quic.StreamErrorCode(code))
	s.CancelWrite(quic.StreamErrorCode(code))
}
