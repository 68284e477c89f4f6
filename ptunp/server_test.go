package ptunp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danielpaulus/ptunp/ptunp/auth"
	"github.com/danielpaulus/ptunp/ptunp/scope"
	"github.com/danielpaulus/ptunp/ptunp/transport"
	"github.com/danielpaulus/ptunp/ptunp/tun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deviceFactory(d *fakeDevice) DeviceFactory {
	return func(tun.Config) (Device, error) {
		return d, nil
	}
}

func startServer(t *testing.T, b *ServerBuilder) (*Server, *fakeDevice) {
	t.Helper()
	device := newFakeDevice("server0")
	s, err := b.WithDevice(device).WithListenAddr("127.0.0.1:0").Build()
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Cancel()
		_ = s.Join()
	})
	return s, device
}

func dialServer(ctx context.Context, s *Server, b *ClientBuilder) (*Client, *fakeDevice, error) {
	device := newFakeDevice("client0")
	c, err := b.WithRemoteNodeID(s.NodeID()).
		WithDeviceFactory(deviceFactory(device)).
		Dial(ctx, s.Addr().String())
	return c, device, err
}

func TestHappyPath(t *testing.T) {
	s, serverDevice := startServer(t, NewServerBuilder())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, clientDevice, err := dialServer(ctx, s, NewClientBuilder())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", c.Config().Address.String())
	assert.Equal(t, "10.0.0.0", c.Config().Destination.String())
	assert.Equal(t, 31, c.Config().PrefixLength())
	assert.Equal(t, s.NodeID(), c.RemoteNodeID())

	serverDevice.fromOS <- []byte{0x45, 0, 0, 1}
	assert.Equal(t, []byte{0x45, 0, 0, 1}, <-clientDevice.toOS)
	clientDevice.fromOS <- []byte{0x45, 0, 0, 2}
	assert.Equal(t, []byte{0x45, 0, 0, 2}, <-serverDevice.toOS)

	status := s.Status()
	assert.True(t, status.HasPeer)
	assert.Equal(t, 1, status.Connections)
	require.NotNil(t, status.Session)
	assert.Equal(t, "ptunp/v0/noauth", status.Session.ALPN)

	s.Cancel()
	s.Cancel()
	assert.NoError(t, s.Join())
	assert.NoError(t, s.Join(), "join can be called again")
	assert.True(t, serverDevice.isClosed())

	assert.NoError(t, c.Join())
	assert.True(t, clientDevice.isClosed())
}

func TestSecondPeerIsRejected(t *testing.T) {
	s, _ := startServer(t, NewServerBuilder())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, _, err := dialServer(ctx, s, NewClientBuilder())
	require.NoError(t, err)
	defer first.Cancel()

	conn, err := transport.Dial(ctx, s.Addr().String(), transport.DialOptions{ALPN: s.ALPN()})
	require.NoError(t, err)
	_, err = conn.AcceptStream(ctx)
	appErr, ok := transport.ApplicationCloseError(err)
	require.True(t, ok, "expected the server to close the connection, got %v", err)
	assert.Equal(t, transport.CodeConflict, appErr.ErrorCode)
	assert.Equal(t, "already have a peer", appErr.ErrorMessage)
}

func TestTokenAuthentication(t *testing.T) {
	secret := []byte("s3cret")
	s, _ := startServer(t, NewServerBuilder().WithAuthStrategy(auth.NewTokenStrategy(secret)))
	assert.Equal(t, "ptunp/v0/token", s.ALPN())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wrong, err := auth.NewToken([]byte("guess"), "mallory", time.Hour)
	require.NoError(t, err)
	_, _, err = dialServer(ctx, s, NewClientBuilder().WithPresenter(auth.NewTokenPresenter(wrong)))
	assert.ErrorIs(t, err, auth.ErrTokenDenied)
	assert.False(t, s.Status().HasPeer, "a rejected peer does not use up the tunnel")

	token, err := auth.NewToken(secret, "laptop", time.Hour)
	require.NoError(t, err)
	c, _, err := dialServer(ctx, s, NewClientBuilder().WithPresenter(auth.NewTokenPresenter(token)))
	require.NoError(t, err)
	defer c.Cancel()
	assert.True(t, s.Status().HasPeer)
}

func TestStartupFailureBindsNothing(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	require.NoError(t, pc.Close())

	_, err = NewServerBuilder().
		WithListenAddr(addr).
		WithDeviceFactory(func(tun.Config) (Device, error) {
			return nil, fmt.Errorf("%w: running with euid 1000", tun.ErrPermission)
		}).
		Build()

	assert.ErrorIs(t, err, ErrDeviceCreation)
	assert.ErrorIs(t, err, tun.ErrPermission)
	assert.Contains(t, err.Error(), "try running as root on linux")

	pc, err = net.ListenPacket("udp", addr)
	require.NoError(t, err, "the endpoint must not have been bound")
	_ = pc.Close()
}

func TestBindFailureClosesDevice(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	device := newFakeDevice("server0")
	_, err = NewServerBuilder().WithDevice(device).WithListenAddr(pc.LocalAddr().String()).Build()
	assert.ErrorIs(t, err, ErrEndpointBind)
	assert.True(t, device.isClosed())
}

func TestParentScopeCancelsServer(t *testing.T) {
	parent := scope.New()
	s, _ := startServer(t, NewServerBuilder().WithCancellationScope(parent))

	parent.Cancel()
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("server was not cancelled with its parent scope")
	}
	assert.NoError(t, s.Join())
}

func TestCancellingServerKeepsParentAlive(t *testing.T) {
	parent := scope.New()
	defer parent.Cancel()
	s, _ := startServer(t, NewServerBuilder().WithCancellationScope(parent))
	assert.False(t, s.scope.Cancelled(), "a successful build leaves the server running")

	require.NoError(t, s.Close())
	assert.NoError(t, s.Join())
	assert.False(t, parent.Cancelled())
}

func TestShutdownErrorsAreReported(t *testing.T) {
	s, _ := startServer(t, NewServerBuilder())
	s.device = failingCloseDevice{s.device}

	s.Cancel()
	err := s.Join()
	assert.ErrorIs(t, err, ErrShutdownFailed)
	assert.False(t, errors.Is(err, ErrShutdownPanicked))
}

type failingCloseDevice struct {
	Device
}

func (failingCloseDevice) Close() error {
	return errors.New("device busy")
}

func TestInfoAPI(t *testing.T) {
	s, _ := startServer(t, NewServerBuilder())
	api := httptest.NewServer(s.Handler())
	defer api.Close()

	res, err := http.Get(api.URL + "/tunnel")
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	var status Status
	require.NoError(t, json.NewDecoder(res.Body).Decode(&status))
	assert.Equal(t, s.NodeID().String(), status.NodeID)
	assert.Equal(t, "server0", status.Interface)
	assert.False(t, status.HasPeer)
	assert.Equal(t, 0, status.Connections)

	metrics, err := http.Get(api.URL + "/metrics")
	require.NoError(t, err)
	defer metrics.Body.Close()
	assert.Equal(t, http.StatusOK, metrics.StatusCode)
}
