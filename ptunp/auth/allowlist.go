package auth

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danielpaulus/ptunp/ptunp/transport"
	"golang.org/x/exp/maps"
)

// ErrNodeNotAllowed is returned for remote nodes that are not on the allowlist
var ErrNodeNotAllowed = errors.New("node is not on the allowlist")

// Allowlist only accepts connections from known node ids. Node ids can be added and
// removed while the server is running.
type Allowlist struct {
	mu    sync.RWMutex
	nodes map[transport.NodeID]struct{}
}

// NewAllowlist creates an allowlist containing ids
func NewAllowlist(ids ...transport.NodeID) *Allowlist {
	a := &Allowlist{nodes: map[transport.NodeID]struct{}{}}
	for _, id := range ids {
		a.nodes[id] = struct{}{}
	}
	return a
}

func (*Allowlist) ALPNSuffix() string {
	return "/allowlist"
}

// Allow adds id to the allowlist
func (a *Allowlist) Allow(id transport.NodeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nodes[id] = struct{}{}
}

// Revoke removes id from the allowlist. Connections that were already accepted stay open.
func (a *Allowlist) Revoke(id transport.NodeID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.nodes, id)
}

// Allowed reports whether id is on the allowlist
func (a *Allowlist) Allowed(id transport.NodeID) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.nodes[id]
	return ok
}

// Nodes returns the node ids on the allowlist in hex order
func (a *Allowlist) Nodes() []string {
	a.mu.RLock()
	ids := maps.Keys(a.nodes)
	a.mu.RUnlock()
	res := make([]string, len(ids))
	for i, id := range ids {
		res[i] = id.String()
	}
	sort.Strings(res)
	return res
}

func (a *Allowlist) Authenticate(_ context.Context, conn transport.Connection) error {
	id, err := conn.RemoteNodeID()
	if err != nil {
		return fmt.Errorf("Authenticate: %w", err)
	}
	if !a.Allowed(id) {
		return fmt.Errorf("%w: %s", ErrNodeNotAllowed, id)
	}
	return nil
}

// Present has nothing to send, the node id was already proven in the TLS handshake
func (*Allowlist) Present(context.Context, transport.Connection) error {
	return nil
}
