package ptunp

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danielpaulus/ptunp/ptunp/scope"
	"github.com/danielpaulus/ptunp/ptunp/transport"
	"github.com/danielpaulus/ptunp/ptunp/tun"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// PeerPolicy decides whether a tunnel accepts a new peer after the first one left
type PeerPolicy int

const (
	// SinglePeerForever admits exactly one peer for the lifetime of the tunnel. Once that
	// peer disconnected every further connection is rejected.
	SinglePeerForever PeerPolicy = iota
	// SinglePeerAtATime admits one peer at a time. When the session of the current peer
	// ended the next connection is admitted.
	SinglePeerAtATime
)

func (p PeerPolicy) String() string {
	switch p {
	case SinglePeerForever:
		return "single-peer-forever"
	case SinglePeerAtATime:
		return "single-peer-at-a-time"
	default:
		return fmt.Sprintf("PeerPolicy(%d)", int(p))
	}
}

// ErrAlreadyHavePeer is returned by ApplicationProtocol.Accept when another peer was
// already admitted. The connection is closed with transport.CodeConflict.
var ErrAlreadyHavePeer = transport.NewCodedError(transport.CodeConflict, "already have a peer")

// PacketDevice is the local end of a tunnel, usually a *tun.Device
type PacketDevice interface {
	ReadPacket(ctx context.Context) ([]byte, error)
	WritePacket(ctx context.Context, p []byte) error
	MTU() int
}

// SessionInfo describes the admitted peer
type SessionInfo struct {
	ID           string    `json:"id"`
	RemoteNodeID string    `json:"remoteNodeId"`
	RemoteAddr   string    `json:"remoteAddr"`
	ALPN         string    `json:"alpn"`
	Started      time.Time `json:"started"`
}

// ApplicationProtocol admits a single peer to the tunnel and runs its session.
//
// Accept never blocks on the session itself. The session runs in its own goroutine under
// a child of the protocol's scope, so cancelling that scope ends it.
type ApplicationProtocol struct {
	scope   *scope.Scope
	device  PacketDevice
	config  tun.Config
	policy  PeerPolicy
	metrics *Metrics

	hasPeer atomic.Bool

	mu      sync.Mutex
	current *SessionInfo

	sessions sync.WaitGroup
}

var _ transport.ProtocolHandler = (*ApplicationProtocol)(nil)

// NewApplicationProtocol creates the admission handler for device. cfg is the server side
// interface configuration, the admitted peer is told to use cfg.Peer().
func NewApplicationProtocol(s *scope.Scope, device PacketDevice, cfg tun.Config, policy PeerPolicy, metrics *Metrics) *ApplicationProtocol {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &ApplicationProtocol{
		scope:   s,
		device:  device,
		config:  cfg,
		policy:  policy,
		metrics: metrics,
	}
}

// Accept admits conn if the tunnel has no peer yet and starts its session.
func (p *ApplicationProtocol) Accept(_ context.Context, conn transport.Connection) error {
	remote, err := conn.RemoteNodeID()
	if err != nil {
		return fmt.Errorf("Accept: %w", err)
	}
	if !p.hasPeer.CompareAndSwap(false, true) {
		return ErrAlreadyHavePeer
	}
	info := SessionInfo{
		ID:           uuid.New().String(),
		RemoteNodeID: remote.String(),
		RemoteAddr:   conn.RemoteAddr().String(),
		ALPN:         conn.ALPN(),
		Started:      time.Now(),
	}
	p.mu.Lock()
	p.current = &info
	p.mu.Unlock()
	p.metrics.sessionStarted()

	child := p.scope.Child()
	p.sessions.Add(1)
	go p.supervise(child, conn, info)
	return nil
}

// supervise runs the session and closes the connection if the session failed
func (p *ApplicationProtocol) supervise(s *scope.Scope, conn transport.Connection, info SessionInfo) {
	guard := s.Guard()
	defer p.sessions.Done()
	defer guard.Release()
	logger := log.WithFields(log.Fields{
		"alpn":           info.ALPN,
		"remote_node_id": info.RemoteNodeID,
		"session":        info.ID,
	})
	logger.Info("peer admitted")

	err := p.runGuarded(s.Context(), conn, logger)
	if err != nil {
		logger.WithError(err).Error("tunnel session failed")
		p.metrics.sessionFailed()
		if closeErr := conn.CloseWithError(transport.CodeInternalError, "internal server error"); closeErr != nil {
			logger.WithError(closeErr).Debug("failed to close connection")
		}
	} else {
		logger.Info("tunnel session ended")
	}
	p.metrics.sessionEnded()

	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
	if p.policy == SinglePeerAtATime {
		p.hasPeer.Store(false)
	}
}

func (p *ApplicationProtocol) runGuarded(ctx context.Context, conn transport.Connection, logger *log.Entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithField("stack", string(debug.Stack())).Error("tunnel session panicked")
			err = fmt.Errorf("tunnel session panicked: %v", r)
		}
	}()
	return runSession(ctx, conn, p.device, p.config, p.metrics, logger)
}

// HasPeer reports whether a peer is admitted. Under SinglePeerForever it stays true
// after the peer left.
func (p *ApplicationProtocol) HasPeer() bool {
	return p.hasPeer.Load()
}

// Session returns the currently running session, if any
func (p *ApplicationProtocol) Session() (SessionInfo, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return SessionInfo{}, false
	}
	return *p.current, true
}

// Wait blocks until all sessions started by Accept returned
func (p *ApplicationProtocol) Wait() {
	p.sessions.Wait()
}
