package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"os"
	"sync"
	"time"

	"github.com/tabwire/bridge/internal/config"
	"github.com/tabwire/bridge/internal/logger"
	"github.com/tabwire/bridge/pkg/types"
)

// RequestHandler answers a request frame on the hub side
type RequestHandler func(ctx context.Context, req *types.Request) *types.Response

// Hub is the privileged background process side of the transport. It
// answers request frames via registered handlers, pushes events to
// connected contexts, and relays peer broadcasts.
type Hub struct {
	mu       sync.RWMutex
	cfg      config.TransportConfig
	listener net.Listener
	conns    map[types.ID]*hubConn
	handlers map[types.MessageType]RequestHandler
	closed   bool
	wg       sync.WaitGroup
	logger   *logger.Logger
}

type hubConn struct {
	conn      net.Conn
	contextID types.ID
	joinedAt  time.Time
	writeMu   sync.Mutex
}

// NewHub creates a hub listening on the configured socket path
func NewHub(cfg config.TransportConfig, log *logger.Logger) (*Hub, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	h := &Hub{
		cfg:      cfg,
		conns:    make(map[types.ID]*hubConn),
		handlers: make(map[types.MessageType]RequestHandler),
		logger:   log.With("component", "hub", "socket_path", cfg.SocketPath),
	}

	// Health pings are always answered
	h.handlers[types.MessageTypeHealthCheck] = func(ctx context.Context, req *types.Request) *types.Response {
		data, _ := json.Marshal(map[string]interface{}{"status": "ok", "time": time.Now().UnixMilli()})
		return &types.Response{
			Success:       true,
			Data:          data,
			CorrelationID: req.CorrelationID,
			Timestamp:     types.NewTimestamp(),
		}
	}

	return h, nil
}

// Handle registers a handler for a message type
func (h *Hub) Handle(msgType types.MessageType, handler RequestHandler) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return types.NewError(types.ErrCodeUnavailable, "hub is closed")
	}
	if handler == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "handler cannot be nil")
	}

	h.handlers[msgType] = handler
	return nil
}

// Listen starts accepting context connections
func (h *Hub) Listen(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "hub is closed")
	}
	h.mu.Unlock()

	// Remove a stale socket file from a previous run
	if _, err := os.Stat(h.cfg.SocketPath); err == nil {
		if err := os.Remove(h.cfg.SocketPath); err != nil {
			return types.WrapError(types.ErrCodeInternal, "failed to remove existing socket file", err)
		}
	}

	listener, err := net.Listen("unix", h.cfg.SocketPath)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to listen on socket", err)
	}

	h.mu.Lock()
	h.listener = listener
	h.mu.Unlock()

	h.wg.Add(1)
	go h.acceptLoop(ctx)

	h.logger.Info("Hub listening")
	return nil
}

// PushEvent sends an event frame to every connected context
func (h *Hub) PushEvent(event *types.Event) {
	if event.ID.IsEmpty() {
		event.ID = types.GenerateID()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = types.NewTimestamp()
	}

	env := &types.Envelope{Kind: types.FrameKindEvent, Event: event}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		if err := h.writeTo(c, env); err != nil {
			h.logger.Warn("Failed to push event", "context_id", c.contextID, "error", err)
		}
	}
}

// ConnectedContexts returns the IDs of currently connected contexts
func (h *Hub) ConnectedContexts() []types.ID {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]types.ID, 0, len(h.conns))
	for id := range h.conns {
		ids = append(ids, id)
	}
	return ids
}

// Close stops the hub and drops all connections
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	listener := h.listener
	conns := make([]*hubConn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	if listener != nil {
		listener.Close()
	}
	for _, c := range conns {
		c.conn.Close()
	}

	h.wg.Wait()
	h.logger.Info("Hub closed")
	return nil
}

func (h *Hub) acceptLoop(ctx context.Context) {
	defer h.wg.Done()

	for {
		conn, err := h.listener.Accept()
		if err != nil {
			h.mu.RLock()
			closed := h.closed
			h.mu.RUnlock()
			if closed {
				return
			}
			h.logger.Error("Failed to accept connection", "error", err)
			continue
		}

		h.wg.Add(1)
		go h.serveConn(ctx, conn)
	}
}

func (h *Hub) serveConn(ctx context.Context, conn net.Conn) {
	defer h.wg.Done()

	c := &hubConn{conn: conn, joinedAt: time.Now()}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 4096), h.cfg.MaxFrameSize)

	defer func() {
		conn.Close()
		if !c.contextID.IsEmpty() {
			h.mu.Lock()
			if h.conns[c.contextID] == c {
				delete(h.conns, c.contextID)
			}
			h.mu.Unlock()
			h.logger.Info("Context disconnected", "context_id", c.contextID)
		}
	}()

	for scanner.Scan() {
		var env types.Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			h.logger.Warn("Discarding malformed frame", "error", err)
			continue
		}

		switch env.Kind {
		case types.FrameKindRequest:
			if env.Request == nil {
				continue
			}
			if env.Request.Type == types.MessageTypeContextRegister {
				h.registerConn(c, env.ContextID)
			}
			h.handleRequest(ctx, c, env.Request)

		case types.FrameKindStateSync, types.FrameKindEvent:
			h.relay(c.contextID, &env)

		default:
			h.logger.Debug("Ignoring frame", "kind", env.Kind)
		}
	}
}

func (h *Hub) registerConn(c *hubConn, contextID types.ID) {
	if contextID.IsEmpty() {
		return
	}
	c.contextID = contextID

	h.mu.Lock()
	h.conns[contextID] = c
	h.mu.Unlock()

	h.logger.Info("Context registered", "context_id", contextID)
}

func (h *Hub) handleRequest(ctx context.Context, c *hubConn, req *types.Request) {
	h.mu.RLock()
	handler := h.handlers[req.Type]
	h.mu.RUnlock()

	var resp *types.Response
	if handler == nil {
		resp = &types.Response{
			Success:       false,
			ErrorCode:     types.ErrCodeNotFound,
			ErrorMessage:  "no handler for message type " + string(req.Type),
			CorrelationID: req.CorrelationID,
			Timestamp:     types.NewTimestamp(),
		}
	} else {
		resp = handler(ctx, req)
	}

	if resp == nil {
		return
	}
	if resp.CorrelationID.IsEmpty() {
		resp.CorrelationID = req.CorrelationID
	}
	if resp.Timestamp.IsZero() {
		resp.Timestamp = types.NewTimestamp()
	}

	env := &types.Envelope{Kind: types.FrameKindResponse, Response: resp}
	if err := h.writeTo(c, env); err != nil {
		h.logger.Warn("Failed to write response", "correlation_id", resp.CorrelationID, "error", err)
	}
}

func (h *Hub) relay(from types.ID, env *types.Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for id, c := range h.conns {
		if id == from {
			continue
		}
		if err := h.writeTo(c, env); err != nil {
			h.logger.Warn("Failed to relay frame", "context_id", id, "error", err)
		}
	}
}

func (h *Hub) writeTo(c *hubConn, env *types.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to serialize envelope", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(data); err != nil {
		return types.WrapError(types.ErrCodeConnection, "failed to write frame", err)
	}
	return nil
}
