package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"

	"github.com/tabwire/bridge/internal/config"
	"github.com/tabwire/bridge/internal/logger"
	"github.com/tabwire/bridge/pkg/types"
)

// SocketTransport connects a context to the background hub over a Unix
// domain socket. Frames are newline-delimited JSON envelopes. Peer
// broadcasts are relayed through the hub, so one connection carries both
// the duplex and the fan-out channel.
type SocketTransport struct {
	mu         sync.RWMutex
	contextID  types.ID
	cfg        config.TransportConfig
	conn       net.Conn
	inbound    chan *types.Envelope
	broadcasts chan *types.Envelope
	connected  bool
	closed     bool
	statusCbs  map[int]func(online bool)
	nextCbID   int
	stats      Stats
	wg         sync.WaitGroup
	logger     *logger.Logger
}

// NewSocketTransport creates a socket transport for the given context
func NewSocketTransport(contextID types.ID, cfg config.TransportConfig, log *logger.Logger) (*SocketTransport, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if contextID.IsEmpty() {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "context ID is required")
	}

	return &SocketTransport{
		contextID:  contextID,
		cfg:        cfg,
		inbound:    make(chan *types.Envelope, cfg.BufferSize),
		broadcasts: make(chan *types.Envelope, cfg.BufferSize),
		statusCbs:  make(map[int]func(online bool)),
		logger:     log.With("component", "socket_transport", "context_id", contextID),
	}, nil
}

// Connect dials the hub socket and registers this context
func (t *SocketTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "transport is closed")
	}
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	dialer := net.Dialer{Timeout: t.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", t.cfg.SocketPath)
	if err != nil {
		return types.WrapError(types.ErrCodeConnection, "failed to dial hub socket", err)
	}

	t.mu.Lock()
	t.conn = conn
	t.connected = true
	t.stats.Reconnects++
	cbs := t.copyCallbacks()
	t.mu.Unlock()

	// Identify ourselves so the hub can route broadcasts away from us
	register := &types.Envelope{
		Kind:      types.FrameKindRequest,
		ContextID: t.contextID,
		Request: &types.Request{
			Type:          types.MessageTypeContextRegister,
			Payload:       map[string]interface{}{"context_id": t.contextID.String()},
			CorrelationID: types.GenerateCorrelationID(t.contextID),
		},
	}
	if err := t.writeFrame(register); err != nil {
		t.teardown()
		return err
	}

	t.wg.Add(1)
	go t.readLoop(conn)

	for _, cb := range cbs {
		cb(true)
	}

	t.logger.Info("Connected to hub", "socket_path", t.cfg.SocketPath)
	return nil
}

// Disconnect closes the connection to the hub
func (t *SocketTransport) Disconnect() error {
	t.teardown()
	return nil
}

// Close disconnects and prevents further use
func (t *SocketTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.teardown()
	t.wg.Wait()
	return nil
}

// Send transmits an envelope to the hub
func (t *SocketTransport) Send(ctx context.Context, env *types.Envelope) error {
	env.ContextID = t.contextID
	if err := t.writeFrame(env); err != nil {
		return err
	}
	t.mu.Lock()
	t.stats.Sent++
	t.mu.Unlock()
	return nil
}

// Post transmits an envelope to peer contexts via the hub relay
func (t *SocketTransport) Post(ctx context.Context, env *types.Envelope) error {
	env.ContextID = t.contextID
	if env.Kind == "" {
		env.Kind = types.FrameKindStateSync
	}
	if err := t.writeFrame(env); err != nil {
		return err
	}
	t.mu.Lock()
	t.stats.Posted++
	t.mu.Unlock()
	return nil
}

// Inbound returns the channel of envelopes pushed from the hub
func (t *SocketTransport) Inbound() <-chan *types.Envelope {
	return t.inbound
}

// Broadcasts returns the channel of envelopes posted by peers
func (t *SocketTransport) Broadcasts() <-chan *types.Envelope {
	return t.broadcasts
}

// Connected reports whether the transport is online
func (t *SocketTransport) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// OnStatusChange registers a status callback
func (t *SocketTransport) OnStatusChange(cb func(online bool)) func() {
	t.mu.Lock()
	defer t.mu.Unlock()

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
func (t *SocketTransport) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats
}

func (t *SocketTransport) writeFrame(env *types.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected || t.conn == nil {
		return types.NewError(types.ErrCodeConnection, "transport is disconnected")
	}

	data, err := json.Marshal(env)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to serialize envelope", err)
	}
	if len(data) > t.cfg.MaxFrameSize {
		return types.NewError(types.ErrCodeValidation, "envelope exceeds max frame size")
	}

	data = append(data, '\n')
	if _, err := t.conn.Write(data); err != nil {
		return types.WrapError(types.ErrCodeConnection, "failed to write frame", err)
	}
	return nil
}

func (t *SocketTransport) readLoop(conn net.Conn) {
	defer t.wg.Done()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), t.cfg.MaxFrameSize)

	for scanner.Scan() {
		var env types.Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			t.logger.Warn("Discarding malformed frame", "error", err)
			continue
		}

		t.mu.Lock()
		t.stats.Received++
		t.mu.Unlock()

		// Peer posts arrive as state_sync frames from a foreign context;
		// everything else came from the hub itself.
		var target chan *types.Envelope
		if env.Kind == types.FrameKindStateSync && env.ContextID != t.contextID {
			target = t.broadcasts
		} else {
			target = t.inbound
		}

		select {
		case target <- &env:
		default:
			t.mu.Lock()
			t.stats.Dropped++
			t.mu.Unlock()
			t.logger.Warn("Buffer full, dropping frame", "kind", env.Kind)
		}
	}

	t.logger.Info("Hub connection closed", "error", scanner.Err())
	t.teardown()
}

func (t *SocketTransport) teardown() {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	conn := t.conn
	t.conn = nil
	cbs := t.copyCallbacks()
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	for _, cb := range cbs {
		cb(false)
	}
}

func (t *SocketTransport) copyCallbacks() []func(online bool) {
	cbs := make([]func(online bool), 0, len(t.statusCbs))
	for _, cb := range t.statusCbs {
		cbs = append(cbs, cb)
	}
	return cbs
}
