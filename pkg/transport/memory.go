package transport

import (
	"context"
	"sync"

	"github.com/tabwire/bridge/internal/logger"
	"github.com/tabwire/bridge/pkg/types"
)

// Responder answers request envelopes on behalf of the background hub.
// Returning nil means the request goes unanswered, which is how tests
// exercise timeout paths.
type Responder func(req *types.Request) *types.Response

// MemoryNetwork is an in-process stand-in for the background hub and the
// peer broadcast channel. Every MemoryTransport joined to the network
// shares one responder and sees every other member's posts.
type MemoryNetwork struct {
	mu        sync.RWMutex
	members   map[types.ID]*MemoryTransport
	responder Responder
	logger    *logger.Logger
}

// NewMemoryNetwork creates an in-memory network
func NewMemoryNetwork(log *logger.Logger) *MemoryNetwork {
	if log == nil {
		log, _ = logger.NewDefault()
	}
	return &MemoryNetwork{
		members: make(map[types.ID]*MemoryTransport),
		logger:  log.With("component", "memory_network"),
	}
}

// SetResponder installs the hub-side request handler
func (n *MemoryNetwork) SetResponder(r Responder) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.responder = r
}

// Join creates a transport attached to this network
func (n *MemoryNetwork) Join(contextID types.ID) *MemoryTransport {
	t := &MemoryTransport{
		contextID:  contextID,
		network:    n,
		inbound:    make(chan *types.Envelope, 256),
		broadcasts: make(chan *types.Envelope, 256),
		logger:     n.logger.With("context_id", contextID),
	}
	n.mu.Lock()
	n.members[contextID] = t
	n.mu.Unlock()
	return t
}

// Push delivers an envelope directly to one member, as the hub would when
// pushing an event
func (n *MemoryNetwork) Push(contextID types.ID, env *types.Envelope) {
	n.mu.RLock()
	member := n.members[contextID]
	n.mu.RUnlock()
	if member != nil {
		member.deliver(env)
	}
}

// PushAll delivers an envelope to every connected member
func (n *MemoryNetwork) PushAll(env *types.Envelope) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, member := range n.members {
		member.deliver(env)
	}
}

func (n *MemoryNetwork) respond(req *types.Request) *types.Response {
	n.mu.RLock()
	responder := n.responder
	n.mu.RUnlock()
	if responder == nil {
		return nil
	}
	return responder(req)
}

func (n *MemoryNetwork) relay(from types.ID, env *types.Envelope) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for id, member := range n.members {
		if id == from {
			continue
		}
		member.deliverBroadcast(env)
	}
}

// MemoryTransport is the in-memory Transport implementation used in tests
type MemoryTransport struct {
	mu         sync.RWMutex
	contextID  types.ID
	network    *MemoryNetwork
	inbound    chan *types.Envelope
	broadcasts chan *types.Envelope
	connected  bool
	statusCbs  map[int]func(online bool)
	nextCbID   int
	stats      Stats
	logger     *logger.Logger
}

// Connect marks the transport online
func (t *MemoryTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = true
	t.stats.Reconnects++
	cbs := t.copyCallbacks()
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(true)
	}
	return nil
}

// Disconnect marks the transport offline. Pending sends start failing
// immediately; buffered inbound envelopes remain readable.
func (t *MemoryTransport) Disconnect() error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	cbs := t.copyCallbacks()
	t.mu.Unlock()

	for _, cb := range cbs {
		cb(false)
	}
	return nil
}

// Send routes a request envelope to the network responder; the response,
// if any, is delivered asynchronously on the inbound channel.
func (t *MemoryTransport) Send(ctx context.Context, env *types.Envelope) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return types.NewError(types.ErrCodeConnection, "transport is disconnected")
	}
	t.stats.Sent++
	t.mu.Unlock()

	if env.Kind == types.FrameKindRequest && env.Request != nil {
		req := env.Request
		go func() {
			if resp := t.network.respond(req); resp != nil {
				t.deliver(&types.Envelope{Kind: types.FrameKindResponse, Response: resp})
			}
		}()
	}
	return nil
}

// Post relays an envelope to every other member of the network
func (t *MemoryTransport) Post(ctx context.Context, env *types.Envelope) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return types.NewError(types.ErrCodeConnection, "transport is disconnected")
	}
	t.stats.Posted++
	t.mu.Unlock()

	env.ContextID = t.contextID
	t.network.relay(t.contextID, env)
	return nil
}

// Inbound returns the channel of envelopes pushed from the hub
func (t *MemoryTransport) Inbound() <-chan *types.Envelope {
	return t.inbound
}

// Broadcasts returns the channel of envelopes posted by peers
func (t *MemoryTransport) Broadcasts() <-chan *types.Envelope {
	return t.broadcasts
}

// Connected reports whether the transport is online
func (t *MemoryTransport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// OnStatusChange registers a status callback
func (t *MemoryTransport) OnStatusChange(cb func(online bool)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.statusCbs == nil {
		t.statusCbs = make(map[int]func(online bool))
	}
	id := t.nextCbID
	t.nextCbID++
	t.statusCbs[id] = cb

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.statusCbs, id)
	}
}

// Stats returns a copy of the transport counters
func (t *MemoryTransport) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}

func (t *MemoryTransport) copyCallbacks() []func(online bool) {
	cbs := make([]func(online bool), 0, len(t.statusCbs))
	for _, cb := range t.statusCbs {
		cbs = append(cbs, cb)
	}
	return cbs
}

func (t *MemoryTransport) deliver(env *types.Envelope) {
	select {
	case t.inbound <- env:
		t.mu.Lock()
		t.stats.Received++
		t.mu.Unlock()
	default:
		t.mu.Lock()
		t.stats.Dropped++
		t.mu.Unlock()
		t.logger.Warn("Inbound buffer full, dropping envelope", "kind", env.Kind)
	}
}

func (t *MemoryTransport) deliverBroadcast(env *types.Envelope) {
	t.mu.RLock()
	connected := t.connected
	t.mu.RUnlock()
	if !connected {
		return
	}

	select {
	case t.broadcasts <- env:
	default:
		t.mu.Lock()
		t.stats.Dropped++
		t.mu.Unlock()
		t.logger.Warn("Broadcast buffer full, dropping envelope", "kind", env.Kind)
	}
}
