package ptunp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/danielpaulus/ptunp/ptunp/auth"
	"github.com/danielpaulus/ptunp/ptunp/scope"
	"github.com/danielpaulus/ptunp/ptunp/transport"
	"github.com/danielpaulus/ptunp/ptunp/tun"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// ClientBuilder configures the client side of a tunnel
type ClientBuilder struct {
	scope         *scope.Scope
	presenter     auth.Presenter
	identity      *transport.Identity
	remoteNodeID  transport.NodeID
	deviceFactory DeviceFactory
	mtu           int
}

// NewClientBuilder returns a builder for a client without authentication
func NewClientBuilder() *ClientBuilder {
	return &ClientBuilder{
		presenter:     auth.NoAuth{},
		deviceFactory: createTUN,
		mtu:           tun.DefaultMTU,
	}
}

// WithCancellationScope makes the client a child of s
func (b *ClientBuilder) WithCancellationScope(s *scope.Scope) *ClientBuilder {
	b.scope = s
	return b
}

// WithPresenter sets the credentials the client presents. It has to match the server's
// auth strategy.
func (b *ClientBuilder) WithPresenter(p auth.Presenter) *ClientBuilder {
	b.presenter = p
	return b
}

// WithIdentity sets the identity of the client's endpoint
func (b *ClientBuilder) WithIdentity(identity *transport.Identity) *ClientBuilder {
	b.identity = identity
	return b
}

// WithRemoteNodeID pins the server's node id
func (b *ClientBuilder) WithRemoteNodeID(id transport.NodeID) *ClientBuilder {
	b.remoteNodeID = id
	return b
}

// WithDeviceFactory replaces how the TUN interface is created
func (b *ClientBuilder) WithDeviceFactory(f DeviceFactory) *ClientBuilder {
	b.deviceFactory = f
	return b
}

// WithMTU sets the largest MTU the client supports, the server may choose a smaller one
func (b *ClientBuilder) WithMTU(mtu int) *ClientBuilder {
	b.mtu = mtu
	return b
}

// Dial connects to the server at addr, creates the local interface with the parameters
// the server sent and starts forwarding packets.
func (b *ClientBuilder) Dial(ctx context.Context, addr string) (*Client, error) {
	alpn := auth.ALPN(b.presenter)
	conn, err := transport.Dial(ctx, addr, transport.DialOptions{
		Identity:     b.identity,
		ALPN:         alpn,
		RemoteNodeID: b.remoteNodeID,
	})
	if err != nil {
		return nil, err
	}
	if err := b.presenter.Present(ctx, conn); err != nil {
		_ = conn.CloseWithError(transport.CodeUnauthorized, "authentication failed")
		return nil, fmt.Errorf("Dial: failed to authenticate: %w", err)
	}

	stream, err := conn.OpenStream(ctx)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("Dial: failed to open data stream: %w", err), closeConn(conn, err))
	}
	stop := context.AfterFunc(ctx, func() { stream.Abort(transport.CodeNoError) })
	res, err := exchangeTunnelParameters(stream, b.mtu)
	stop()
	if err != nil {
		stream.Abort(transport.CodeInternalError)
		return nil, errors.Join(fmt.Errorf("Dial: %w", err), closeConn(conn, err))
	}

	cfg, err := b.interfaceConfig(res)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("Dial: %w", err), closeConn(conn, err))
	}
	device, err := b.deviceFactory(cfg)
	if err != nil {
		err = fmt.Errorf("%w (%s): %w", ErrDeviceCreation, deviceCreationHint, err)
		return nil, errors.Join(err, closeConn(conn, err))
	}

	parent := b.scope
	if parent == nil {
		parent = scope.New()
	}
	root := parent.Child()
	remote, _ := conn.RemoteNodeID()
	c := &Client{
		scope:  root,
		guard:  root.Guard(),
		conn:   conn,
		device: device,
		config: cfg,
		remote: remote,
		done:   make(chan error, 1),
	}
	logger := log.WithFields(log.Fields{
		"alpn":           alpn,
		"remote_node_id": remote.String(),
		"session":        uuid.New().String(),
	})
	logger.WithField("address", cfg.Address.String()).WithField("interface", device.Name()).Info("tunnel established")
	go c.run(stream, logger)
	return c, nil
}

func (b *ClientBuilder) interfaceConfig(res serverHandshakeResponse) (tun.Config, error) {
	p := res.ClientParameters
	cfg := tun.Config{
		Address:     net.ParseIP(p.Address).To4(),
		Destination: net.ParseIP(res.ServerAddress).To4(),
		MTU:         p.MTU,
		Up:          true,
		RequireRoot: true,
	}
	mask := net.ParseIP(p.Netmask).To4()
	if mask == nil {
		return tun.Config{}, fmt.Errorf("interfaceConfig: invalid netmask '%s'", p.Netmask)
	}
	cfg.Netmask = net.IPMask(mask)
	if err := cfg.Validate(); err != nil {
		return tun.Config{}, fmt.Errorf("interfaceConfig: server sent invalid parameters: %w", err)
	}
	return cfg, nil
}

// closeConn closes conn after the client failed locally
func closeConn(conn transport.Connection, cause error) error {
	log.WithError(cause).Debug("closing connection")
	return conn.CloseWithError(transport.CodeInternalError, "internal client error")
}

// Client is the connected client side of a tunnel
type Client struct {
	scope  *scope.Scope
	guard  *scope.Guard
	conn   transport.Connection
	device Device
	config tun.Config
	remote transport.NodeID

	done     chan error
	joinOnce sync.Once
	joinErr  error
}

func (c *Client) run(stream transport.Stream, logger *log.Entry) {
	defer c.guard.Release()
	err := forward(c.scope.Context(), c.device, stream, nil, logger)
	if err != nil {
		logger.WithError(err).Error("tunnel session failed")
		_ = c.conn.CloseWithError(transport.CodeInternalError, "internal client error")
	} else {
		_ = c.conn.CloseWithError(transport.CodeNoError, "")
	}
	c.done <- errors.Join(err, c.device.Close())
}

// Config returns the configuration of the local interface
func (c *Client) Config() tun.Config {
	return c.config
}

// RemoteNodeID returns the node id of the server
func (c *Client) RemoteNodeID() transport.NodeID {
	return c.remote
}

// Cancel ends the tunnel without waiting
func (c *Client) Cancel() {
	c.guard.Release()
}

// Close is Cancel for callers that manage the client as an io.Closer
func (c *Client) Close() error {
	c.Cancel()
	return nil
}

// Done is closed when the tunnel starts shutting down
func (c *Client) Done() <-chan struct{} {
	return c.scope.Done()
}

// Join waits until the tunnel ended and returns the error that ended it, if any.
func (c *Client) Join() error {
	c.joinOnce.Do(func() {
		c.joinErr = <-c.done
	})
	return c.joinErr
}
