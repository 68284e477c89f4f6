// Package ptunp runs a point to point IP tunnel over QUIC.
//
// A Server owns a TUN interface and a QUIC endpoint. It admits exactly one authenticated
// peer and forwards IP packets between the interface and that peer. A Client is the
// other end: it connects to a server, creates its own interface with the parameters
// the server hands out and forwards packets the same way.
package ptunp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/danielpaulus/ptunp/ptunp/auth"
	"github.com/danielpaulus/ptunp/ptunp/discovery"
	"github.com/danielpaulus/ptunp/ptunp/scope"
	"github.com/danielpaulus/ptunp/ptunp/transport"
	"github.com/danielpaulus/ptunp/ptunp/tun"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrDeviceCreation is returned by Build when the TUN interface could not be created
	ErrDeviceCreation = errors.New("failed to create tun network device")
	// ErrEndpointBind is returned by Build when the QUIC endpoint could not be bound
	ErrEndpointBind = errors.New("failed to bind endpoint")
	// ErrShutdownPanicked is returned by Join when the shutdown of the server panicked
	ErrShutdownPanicked = errors.New("router shutdown task panicked")
	// ErrShutdownFailed is returned by Join when the router reported an error on shutdown
	ErrShutdownFailed = errors.New("failed to shutdown router properly")
)

const (
	deviceCreationHint     = "try running as root on linux"
	defaultShutdownTimeout = 5 * time.Second
)

// Device is a packet device owned by a Server or Client, usually a *tun.Device
type Device interface {
	PacketDevice
	Name() string
	Close() error
}

// DeviceFactory creates the TUN interface for a configuration
type DeviceFactory func(cfg tun.Config) (Device, error)

func createTUN(cfg tun.Config) (Device, error) {
	return tun.Create(cfg)
}

// ServerBuilder configures a Server. The zero configuration created by NewServerBuilder
// runs without authentication on a random port with the default interface configuration.
type ServerBuilder struct {
	scope           *scope.Scope
	ifaceConfig     tun.Config
	strategy        auth.Strategy
	device          Device
	deviceFactory   DeviceFactory
	listenAddr      string
	identity        *transport.Identity
	policy          PeerPolicy
	announce        string
	registry        *prometheus.Registry
	shutdownTimeout time.Duration
}

// NewServerBuilder returns a builder with the default configuration
func NewServerBuilder() *ServerBuilder {
	return &ServerBuilder{
		ifaceConfig:     tun.DefaultConfig(),
		strategy:        auth.NoAuth{},
		deviceFactory:   createTUN,
		listenAddr:      transport.DefaultListenAddr,
		policy:          SinglePeerForever,
		shutdownTimeout: defaultShutdownTimeout,
	}
}

// WithCancellationScope makes the server a child of s. Cancelling s shuts the server down.
func (b *ServerBuilder) WithCancellationScope(s *scope.Scope) *ServerBuilder {
	b.scope = s
	return b
}

// WithInterfaceConfiguration sets the addresses and MTU of the TUN interface
func (b *ServerBuilder) WithInterfaceConfiguration(cfg tun.Config) *ServerBuilder {
	b.ifaceConfig = cfg
	return b
}

// WithAuthStrategy sets how peers are authenticated
func (b *ServerBuilder) WithAuthStrategy(strategy auth.Strategy) *ServerBuilder {
	b.strategy = strategy
	return b
}

// WithDevice uses an already created device instead of creating a TUN interface. The
// server takes ownership and closes the device on shutdown.
func (b *ServerBuilder) WithDevice(d Device) *ServerBuilder {
	b.device = d
	return b
}

// WithDeviceFactory replaces how the TUN interface is created
func (b *ServerBuilder) WithDeviceFactory(f DeviceFactory) *ServerBuilder {
	b.deviceFactory = f
	return b
}

// WithListenAddr sets the UDP address of the QUIC endpoint
func (b *ServerBuilder) WithListenAddr(addr string) *ServerBuilder {
	b.listenAddr = addr
	return b
}

// WithIdentity sets the identity of the endpoint. Without it a new node id is generated
// on every start.
func (b *ServerBuilder) WithIdentity(identity *transport.Identity) *ServerBuilder {
	b.identity = identity
	return b
}

// WithPeerPolicy sets whether a new peer is admitted after the first one left
func (b *ServerBuilder) WithPeerPolicy(policy PeerPolicy) *ServerBuilder {
	b.policy = policy
	return b
}

// WithAnnounce publishes the server via mDNS under the given instance name
func (b *ServerBuilder) WithAnnounce(instance string) *ServerBuilder {
	b.announce = instance
	return b
}

// WithMetricsRegistry registers the server's metrics with reg
func (b *ServerBuilder) WithMetricsRegistry(reg *prometheus.Registry) *ServerBuilder {
	b.registry = reg
	return b
}

// Build creates the TUN interface, binds the endpoint and starts accepting peers.
//
// If the interface can not be created an error wrapping ErrDeviceCreation is returned
// and nothing else is started.
func (b *ServerBuilder) Build() (*Server, error) {
	device := b.device
	if device == nil {
		var err error
		device, err = b.deviceFactory(b.ifaceConfig)
		if err != nil {
			return nil, fmt.Errorf("%w (%s): %w", ErrDeviceCreation, deviceCreationHint, err)
		}
	}

	endpoint, err := transport.Bind(b.listenAddr, b.identity)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("%w: %w", ErrEndpointBind, err), device.Close())
	}

	parent := b.scope
	if parent == nil {
		parent = scope.New()
	}
	root := parent.Child()
	// cancels root if any of the following steps fails
	startup := root.Guard()
	defer startup.Release()

	registry := b.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	metrics := NewMetrics(registry)

	protocol := NewApplicationProtocol(root, device, b.ifaceConfig, b.policy, metrics)
	handler := auth.NewHandler(b.strategy, protocol)
	router, err := transport.NewRouterBuilder(endpoint).
		Accept(handler.ALPN(), instrumented{handler: handler, metrics: metrics}).
		Spawn()
	if err != nil {
		return nil, errors.Join(err, endpoint.Close(), device.Close())
	}

	s := &Server{
		scope:    startup.Disarm(),
		guard:    root.Guard(),
		endpoint: endpoint,
		router:   router,
		protocol: protocol,
		device:   device,
		alpn:     handler.ALPN(),
		registry: registry,
		done:     make(chan error, 1),
	}
	if b.announce != "" {
		port := endpoint.Addr().(*net.UDPAddr).Port
		s.announcement, err = discovery.Announce(b.announce, port, endpoint.NodeID().String(), s.alpn)
		if err != nil {
			log.WithError(err).Warn("failed to announce tunnel")
		}
	}
	go s.supervise(b.shutdownTimeout)

	log.WithFields(log.Fields{
		"addr":      endpoint.Addr().String(),
		"node_id":   endpoint.NodeID().String(),
		"alpn":      s.alpn,
		"interface": device.Name(),
		"policy":    b.policy.String(),
	}).Info("tunnel server started")
	return s, nil
}

// Server is a running tunnel server. Create it with a ServerBuilder.
//
// There is no finalizer. Call Cancel or Close when the server is not needed anymore,
// Join to wait until it is shut down.
type Server struct {
	scope        *scope.Scope
	guard        *scope.Guard
	endpoint     *transport.Endpoint
	router       *transport.Router
	protocol     *ApplicationProtocol
	device       Device
	alpn         string
	registry     *prometheus.Registry
	announcement *discovery.Announcement

	done     chan error
	joinOnce sync.Once
	joinErr  error
}

// supervise waits for the scope to be cancelled and then shuts the server down. The
// result is reported to Join.
func (s *Server) supervise(timeout time.Duration) {
	<-s.scope.Done()
	s.done <- s.shutdown(timeout)
}

func (s *Server) shutdown(timeout time.Duration) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrShutdownPanicked, r)
		}
	}()
	log.Info("shutting down tunnel server")
	if s.announcement != nil {
		s.announcement.Shutdown()
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := s.router.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	sessionsDone := make(chan struct{})
	go func() {
		s.protocol.Wait()
		close(sessionsDone)
	}()
	select {
	case <-sessionsDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("shutdown: sessions did not finish: %w", ctx.Err()))
	}
	if err := s.device.Close(); err != nil {
		errs = append(errs, fmt.Errorf("shutdown: failed to close %s: %w", s.device.Name(), err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrShutdownFailed, errors.Join(errs...))
	}
	return nil
}

// Cancel starts the shutdown of the server without waiting for it. Calling it more than
// once has no further effect.
func (s *Server) Cancel() {
	s.guard.Release()
}

// Close is Cancel for callers that manage the server as an io.Closer. It does not wait
// for the shutdown to complete.
func (s *Server) Close() error {
	s.Cancel()
	return nil
}

// Join blocks until the server is shut down. It returns an error wrapping
// ErrShutdownPanicked or ErrShutdownFailed if the shutdown did not complete cleanly.
// Join can be called multiple times and from multiple goroutines.
func (s *Server) Join() error {
	s.joinOnce.Do(func() {
		s.joinErr = <-s.done
	})
	return s.joinErr
}

// NodeID returns the node id peers can pin the server with
func (s *Server) NodeID() transport.NodeID {
	return s.endpoint.NodeID()
}

// Addr returns the local UDP address of the server
func (s *Server) Addr() net.Addr {
	return s.endpoint.Addr()
}

// ALPN returns the protocol peers have to request
func (s *Server) ALPN() string {
	return s.alpn
}

// Done is closed when the server starts shutting down
func (s *Server) Done() <-chan struct{} {
	return s.scope.Done()
}

// Status describes the server for the info API. Connections counts open connections,
// including ones that are still authenticating.
type Status struct {
	NodeID      string       `json:"nodeId"`
	Addr        string       `json:"addr"`
	ALPN        string       `json:"alpn"`
	Interface   string       `json:"interface"`
	HasPeer     bool         `json:"hasPeer"`
	Connections int          `json:"connections"`
	Session     *SessionInfo `json:"session,omitempty"`
}

// Status returns a snapshot of the server's state
func (s *Server) Status() Status {
	st := Status{
		NodeID:      s.NodeID().String(),
		Addr:        s.Addr().String(),
		ALPN:        s.alpn,
		Interface:   s.device.Name(),
		HasPeer:     s.protocol.HasPeer(),
		Connections: s.router.Connections(),
	}
	if info, ok := s.protocol.Session(); ok {
		st.Session = &info
	}
	return st
}
