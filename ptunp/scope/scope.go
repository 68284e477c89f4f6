// Package scope implements a tree of cancellation scopes on top of context.Context.
//
// A Scope is cancelled either explicitly with Cancel, by releasing a Guard that was
// taken on it, or implicitly when one of its ancestors is cancelled. Cancelling a
// scope never affects its parent or siblings.
package scope

import (
	"context"
	"sync"
)

// Scope is a node in a cancellation tree. The zero value is not usable, create
// scopes with New, FromContext or Child.
type Scope struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new root scope.
func New() *Scope {
	return FromContext(context.Background())
}

// FromContext creates a scope that is cancelled when ctx is done. Cancelling the
// returned scope does not cancel ctx.
func FromContext(ctx context.Context) *Scope {
	c, cancel := context.WithCancel(ctx)
	return &Scope{ctx: c, cancel: cancel}
}

// Child derives a new scope that is cancelled together with s.
func (s *Scope) Child() *Scope {
	return FromContext(s.ctx)
}

// Cancel cancels s and all of its descendants. Calling Cancel more than once is a no-op.
func (s *Scope) Cancel() {
	s.cancel()
}

// Done returns a channel that is closed when s is cancelled.
func (s *Scope) Done() <-chan struct{} {
	return s.ctx.Done()
}

// Cancelled reports whether s has been cancelled.
func (s *Scope) Cancelled() bool {
	return s.ctx.Err() != nil
}

// Context returns a context that is done when s is cancelled. Pass it to blocking calls
// that should be aborted together with the scope.
func (s *Scope) Context() context.Context {
	return s.ctx
}

// Guard returns a guard that cancels s when it is released.
func (s *Scope) Guard() *Guard {
	return &Guard{scope: s}
}

// Guard cancels its scope when released. Typical use is
//
//	guard := s.Guard()
//	defer guard.Release()
//
// so that the scope is cancelled on every exit path of a goroutine.
type Guard struct {
	scope    *Scope
	once     sync.Once
	mu       sync.Mutex
	disarmed bool
}

// Release cancels the guarded scope unless the guard was disarmed. It is safe to call
// Release multiple times and from multiple goroutines.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.mu.Lock()
		disarmed := g.disarmed
		g.mu.Unlock()
		if !disarmed {
			g.scope.Cancel()
		}
	})
}

// Disarm prevents a later Release from cancelling the scope and returns the scope.
func (g *Guard) Disarm() *Scope {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.disarmed = true
	return g.scope
}
