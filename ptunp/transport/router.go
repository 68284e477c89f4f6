package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
)

// ProtocolHandler handles connections that negotiated a specific ALPN.
//
// Accept must not block for the lifetime of the connection. Long running work has to be
// moved into a goroutine. If Accept returns an error the router closes the connection
// with the code returned by CloseCode.
type ProtocolHandler interface {
	Accept(ctx context.Context, conn Connection) error
}

// ProtocolHandlerFunc adapts a function to a ProtocolHandler
type ProtocolHandlerFunc func(ctx context.Context, conn Connection) error

func (f ProtocolHandlerFunc) Accept(ctx context.Context, conn Connection) error {
	return f(ctx, conn)
}

// Listener is the part of an Endpoint the Router needs
type Listener interface {
	Accept(ctx context.Context) (Connection, error)
	SetALPNs(alpns []string)
	Close() error
}

// ErrDuplicateALPN is returned when two handlers are registered for the same ALPN
var ErrDuplicateALPN = errors.New("a handler is already registered for this alpn")

// RouterBuilder collects protocol handlers before the router starts accepting connections
type RouterBuilder struct {
	listener Listener
	handlers map[string]ProtocolHandler
	err      error
}

// NewRouterBuilder creates a builder for a router accepting connections from l
func NewRouterBuilder(l Listener) *RouterBuilder {
	return &RouterBuilder{listener: l, handlers: map[string]ProtocolHandler{}}
}

// Accept registers handler for alpn. Registering the same alpn twice makes Spawn fail.
func (b *RouterBuilder) Accept(alpn string, handler ProtocolHandler) *RouterBuilder {
	if _, ok := b.handlers[alpn]; ok {
		b.err = errors.Join(b.err, fmt.Errorf("%w: %s", ErrDuplicateALPN, alpn))
		return b
	}
	b.handlers[alpn] = handler
	return b
}

// Spawn advertises the registered ALPNs and starts accepting connections in the background.
func (b *RouterBuilder) Spawn() (*Router, error) {
	if b.err != nil {
		return nil, fmt.Errorf("Spawn: %w", b.err)
	}
	if len(b.handlers) == 0 {
		return nil, fmt.Errorf("Spawn: no protocol handlers registered")
	}
	alpns := maps.Keys(b.handlers)
	sort.Strings(alpns)
	b.listener.SetALPNs(alpns)

	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		listener: b.listener,
		handlers: b.handlers,
		ctx:      ctx,
		cancel:   cancel,
		conns:    map[uint64]Connection{},
		done:     make(chan struct{}),
	}
	go r.acceptLoop()
	log.WithField("alpns", alpns).Debug("router started")
	return r, nil
}

// Router dispatches incoming connections to the handler registered for their ALPN.
type Router struct {
	listener Listener
	handlers map[string]ProtocolHandler
	ctx      context.Context
	cancel   context.CancelFunc

	mu     sync.Mutex
	nextID uint64
	conns  map[uint64]Connection
	closed bool

	handlerWg sync.WaitGroup
	done      chan struct{}
}

func (r *Router) acceptLoop() {
	defer close(r.done)
	for {
		conn, err := r.listener.Accept(r.ctx)
		if err != nil {
			if r.ctx.Err() == nil {
				log.WithError(err).Warn("router stopped accepting connections")
			}
			return
		}
		id, ok := r.track(conn)
		if !ok {
			_ = conn.CloseWithError(CodeNoError, "shutting down")
			return
		}
		r.handlerWg.Add(1)
		go r.handle(id, conn)
	}
}

func (r *Router) track(conn Connection) (uint64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, false
	}
	r.nextID++
	r.conns[r.nextID] = conn
	return r.nextID, true
}

func (r *Router) untrack(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

func (r *Router) handle(id uint64, conn Connection) {
	defer r.handlerWg.Done()
	go func() {
		select {
		case <-conn.Context().Done():
		case <-r.ctx.Done():
		}
		r.untrack(id)
	}()

	alpn := conn.ALPN()
	logger := log.WithField("alpn", alpn).WithField("remote_addr", conn.RemoteAddr().String())
	if id, err := conn.RemoteNodeID(); err == nil {
		logger = logger.WithField("remote_node", id.Short())
	}
	handler, ok := r.handlers[alpn]
	if !ok {
		logger.Warn("no handler for alpn")
		_ = conn.CloseWithError(CodeUnknownProtocol, "unknown protocol")
		return
	}
	err := handler.Accept(r.ctx, conn)
	if err == nil {
		return
	}
	code, reason := CloseCode(err)
	logger.WithError(err).Infof("closing connection: %s", describeClose(code, reason))
	if closeErr := conn.CloseWithError(code, reason); closeErr != nil {
		logger.WithError(closeErr).Debug("failed to close connection")
	}
}

// Connections returns the number of connections that are currently open
func (r *Router) Connections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Shutdown stops accepting connections, closes every open connection and releases the
// listener. It waits for running Accept calls of the handlers until ctx is done.
func (r *Router) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conns := maps.Values(r.conns)
	r.mu.Unlock()

	r.cancel()
	var errs []error
	for _, conn := range conns {
		if err := conn.CloseWithError(CodeNoError, "shutting down"); err != nil {
			errs = append(errs, err)
		}
	}
	if err := r.listener.Close(); err != nil {
		errs = append(errs, fmt.Errorf("Shutdown: failed to close listener: %w", err))
	}

	handlersDone := make(chan struct{})
	go func() {
		<-r.done
		r.handlerWg.Wait()
		close(handlersDone)
	}()
	select {
	case <-handlersDone:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("Shutdown: handlers did not finish: %w", ctx.Err()))
	}
	return errors.Join(errs...)
}
