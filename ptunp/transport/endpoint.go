package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultListenAddr lets the OS pick a free port on all interfaces
	DefaultListenAddr = "[::]:0"

	keepAlivePeriod = 10 * time.Second
	maxIdleTimeout  = 30 * time.Second
)

func quicConfig() *quic.Config {
	return &quic.Config{
		KeepAlivePeriod: keepAlivePeriod,
		MaxIdleTimeout:  maxIdleTimeout,
	}
}

// Endpoint is a bound QUIC endpoint that accepts connections for a dynamic set of
// application protocols.
type Endpoint struct {
	identity *Identity
	listener *quic.Listener

	mu    sync.RWMutex
	alpns []string
}

// Bind creates an endpoint listening on the UDP address addr. Connections are only
// accepted for the protocols set with SetALPNs.
func Bind(addr string, identity *Identity) (*Endpoint, error) {
	if identity == nil {
		var err error
		identity, err = GenerateIdentity()
		if err != nil {
			return nil, fmt.Errorf("Bind: %w", err)
		}
	}
	e := &Endpoint{identity: identity}
	tlsConf := &tls.Config{
		Certificates:       []tls.Certificate{identity.cert},
		ClientAuth:         tls.RequireAnyClientCert,
		MinVersion:         tls.VersionTLS13,
		GetConfigForClient: e.configForClient,
	}
	listener, err := quic.ListenAddr(addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("Bind: failed to listen on %s: %w", addr, err)
	}
	e.listener = listener
	log.WithField("addr", listener.Addr().String()).
		WithField("node_id", identity.id.String()).
		Debug("endpoint bound")
	return e, nil
}

// configForClient is evaluated for every handshake so that protocols can be registered
// after the endpoint was bound.
func (e *Endpoint) configForClient(*tls.ClientHelloInfo) (*tls.Config, error) {
	return &tls.Config{
		Certificates: []tls.Certificate{e.identity.cert},
		ClientAuth:   tls.RequireAnyClientCert,
		MinVersion:   tls.VersionTLS13,
		NextProtos:   e.ALPNs(),
	}, nil
}

// SetALPNs replaces the set of application protocols this endpoint negotiates
func (e *Endpoint) SetALPNs(alpns []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.alpns = append([]string(nil), alpns...)
}

// ALPNs returns the application protocols this endpoint negotiates
func (e *Endpoint) ALPNs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.alpns...)
}

// NodeID returns the node id of this endpoint
func (e *Endpoint) NodeID() NodeID {
	return e.identity.id
}

// Addr returns the local UDP address of the endpoint
func (e *Endpoint) Addr() net.Addr {
	return e.listener.Addr()
}

// Accept waits for the next incoming connection
func (e *Endpoint) Accept(ctx context.Context) (Connection, error) {
	conn, err := e.listener.Accept(ctx)
	if err != nil {
		return nil, err
	}
	return newQUICConnection(conn), nil
}

// Close stops accepting connections and releases the UDP socket
func (e *Endpoint) Close() error {
	return e.listener.Close()
}

// DialOptions configure an outgoing connection
type DialOptions struct {
	// Identity presented to the remote endpoint, a fresh one is generated if nil
	Identity *Identity
	// ALPN is the application protocol to request
	ALPN string
	// RemoteNodeID pins the node id of the remote endpoint. If it is the zero value any
	// remote endpoint is accepted.
	RemoteNodeID NodeID
}

// ErrUnexpectedNodeID is returned when the remote endpoint's node id does not match the pinned one
var ErrUnexpectedNodeID = errors.New("remote endpoint has an unexpected node id")

// Dial connects to the endpoint listening on addr
func Dial(ctx context.Context, addr string, opts DialOptions) (Connection, error) {
	identity := opts.Identity
	if identity == nil {
		var err error
		identity, err = GenerateIdentity()
		if err != nil {
			return nil, fmt.Errorf("Dial: %w", err)
		}
	}
	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{identity.cert},
		// certificates are self signed, the node id check below replaces chain verification
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verifyNodeID(opts.RemoteNodeID),
		NextProtos:            []string{opts.ALPN},
		MinVersion:            tls.VersionTLS13,
	}
	log.WithField("addr", addr).WithField("alpn", opts.ALPN).Debug("dialing endpoint")
	conn, err := quic.DialAddr(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("Dial: failed to connect to %s: %w", addr, err)
	}
	return newQUICConnection(conn), nil
}

func verifyNodeID(expected NodeID) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("verifyNodeID: remote endpoint did not present a certificate")
		}
		id, err := NodeIDFromCertificate(rawCerts[0])
		if err != nil {
			return err
		}
		if !expected.IsZero() && id != expected {
			return fmt.Errorf("%w: expected %s but got %s", ErrUnexpectedNodeID, expected, id)
		}
		return nil
	}
}
