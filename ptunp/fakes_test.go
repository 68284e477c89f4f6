package ptunp

import (
	"context"
	"net"
	"sync"

	"github.com/danielpaulus/ptunp/ptunp/transport"
	"github.com/danielpaulus/ptunp/ptunp/tun"
	"github.com/stretchr/testify/mock"
)

// fakeDevice is a Device backed by channels. Packets sent to fromOS are read by the
// tunnel, packets the tunnel writes show up on toOS.
type fakeDevice struct {
	name   string
	mtu    int
	fromOS chan []byte
	toOS   chan []byte

	once    sync.Once
	closed  chan struct{}
	readErr error
}

func newFakeDevice(name string) *fakeDevice {
	return &fakeDevice{
		name:   name,
		mtu:    tun.DefaultMTU,
		fromOS: make(chan []byte),
		toOS:   make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (d *fakeDevice) ReadPacket(ctx context.Context) ([]byte, error) {
	if d.readErr != nil {
		return nil, d.readErr
	}
	select {
	case p := <-d.fromOS:
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.closed:
		return nil, tun.ErrClosed
	}
}

func (d *fakeDevice) WritePacket(ctx context.Context, p []byte) error {
	select {
	case d.toOS <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.closed:
		return tun.ErrClosed
	}
}

func (d *fakeDevice) MTU() int     { return d.mtu }
func (d *fakeDevice) Name() string { return d.name }

func (d *fakeDevice) Close() error {
	d.once.Do(func() { close(d.closed) })
	return nil
}

func (d *fakeDevice) isClosed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}

// pipeStream is a transport.Stream backed by one end of a net.Pipe
type pipeStream struct {
	net.Conn
}

func (s pipeStream) Abort(transport.ErrorCode) {
	_ = s.Conn.Close()
}

func streamPair() (local transport.Stream, peer net.Conn) {
	a, b := net.Pipe()
	return pipeStream{a}, b
}

// connectionMock records how the tunnel closes a connection. AcceptStream hands out
// stream if set and otherwise blocks until ctx is done.
type connectionMock struct {
	mock.Mock
	id        transport.NodeID
	stream    transport.Stream
	acceptErr error
}

func newConnectionMock(id byte) *connectionMock {
	return &connectionMock{id: transport.NodeID{id}}
}

func (c *connectionMock) RemoteNodeID() (transport.NodeID, error) { return c.id, nil }
func (c *connectionMock) ALPN() string                            { return "ptunp/v0/noauth" }
func (c *connectionMock) RemoteAddr() net.Addr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000 + int(c.id[0])}
}

func (c *connectionMock) AcceptStream(ctx context.Context) (transport.Stream, error) {
	if c.acceptErr != nil {
		return nil, c.acceptErr
	}
	if c.stream != nil {
		return c.stream, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *connectionMock) OpenStream(ctx context.Context) (transport.Stream, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (c *connectionMock) CloseWithError(code transport.ErrorCode, reason string) error {
	args := c.Called(code, reason)
	return args.Error(0)
}

func (c *connectionMock) Context() context.Context { return context.Background() }
