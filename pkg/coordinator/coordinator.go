// Package coordinator supervises the dispatcher, subscriber, and
// synchronizer: ordered startup with per-step timeouts and retries,
// periodic weighted health scoring, exponential-backoff reconnection,
// and the single public facade callers use.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/tabwire/bridge/internal/config"
	"github.com/tabwire/bridge/internal/logger"
	"github.com/tabwire/bridge/pkg/dispatch"
	"github.com/tabwire/bridge/pkg/events"
	"github.com/tabwire/bridge/pkg/state"
	"github.com/tabwire/bridge/pkg/storage"
	"github.com/tabwire/bridge/pkg/transport"
	"github.com/tabwire/bridge/pkg/types"
)

// Statistics aggregates subcomponent counters behind the facade
type Statistics struct {
	State        ConnectionState `json:"state"`
	Health       HealthReport    `json:"health"`
	Dispatcher   dispatch.Stats  `json:"dispatcher"`
	Subscriber   events.Stats    `json:"subscriber"`
	Synchronizer state.Stats     `json:"synchronizer"`
}

// startupStep is one stage of the ordered initialization sequence
type startupStep struct {
	name     string
	critical bool
	timeout  time.Duration
	retries  int
	run      func(ctx context.Context) error
}

// Coordinator owns the lifecycle of all three subcomponents and the
// transport pumps feeding them
type Coordinator struct {
	mu        sync.Mutex
	cfg       *config.Config
	contextID types.ID
	transport transport.Transport
	store     storage.Store
	logger    *logger.Logger

	dispatcher   *dispatch.Dispatcher
	subscriber   *events.Subscriber
	synchronizer *state.Synchronizer

	sm        *StateMachine
	statusCbs map[int]func(ConnectionState)
	nextCbID  int

	initMu       sync.Mutex
	initializing bool
	initDone     bool
	initErr      error
	initCh       chan struct{}

	lastActivity     time.Time
	lastHealth       HealthReport
	reconnectAttempt int
	reconnectTimer   *time.Timer

	removeStatusCb func()
	closeCh        chan struct{}
	wg             sync.WaitGroup
	closed         bool
}

// New creates a coordinator. Nothing connects until Initialize runs,
// either explicitly or lazily through the first facade call.
func New(cfg *config.Config, tr transport.Transport, store storage.Store, log *logger.Logger) (*Coordinator, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if cfg == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "config cannot be nil")
	}
	if tr == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "transport cannot be nil")
	}

	contextID := types.ID(cfg.ContextID)
	if contextID.IsEmpty() {
		contextID = types.GenerateID()
	}

	return &Coordinator{
		cfg:       cfg,
		contextID: contextID,
		transport: tr,
		store:     store,
		sm:        NewStateMachine(),
		statusCbs: make(map[int]func(ConnectionState)),
		closeCh:   make(chan struct{}),
		logger:    log.With("component", "coordinator", "context_id", contextID),
	}, nil
}

// ContextID returns this context's identifier
func (c *Coordinator) ContextID() types.ID {
	return c.contextID
}

// Initialize runs the ordered startup sequence. Concurrent calls share
// one in-flight attempt; no duplicate sequences ever run.
func (c *Coordinator) Initialize(ctx context.Context) error {
	c.initMu.Lock()
	if c.initDone {
		err := c.initErr
		c.initMu.Unlock()
		return err
	}
	if c.initializing {
		ch := c.initCh
		c.initMu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return types.WrapError(types.ErrCodeCanceled, "initialize canceled", ctx.Err())
		}
		c.initMu.Lock()
		err := c.initErr
		c.initMu.Unlock()
		return err
	}
	c.initializing = true
	c.initCh = make(chan struct{})
	c.initMu.Unlock()

	err := c.runStartup(ctx)

	c.initMu.Lock()
	c.initDone = true
	c.initErr = err
	c.initializing = false
	close(c.initCh)
	c.initMu.Unlock()

	return err
}

// runStartup executes the startup steps in order. A critical step's
// exhaustion aborts into failed; a non-critical step is logged and
// skipped.
func (c *Coordinator) runStartup(ctx context.Context) error {
	c.transitionTo(StateConnecting)

	steps := []startupStep{
		{name: "connect_transport", critical: true,
			timeout: c.cfg.Transport.ConnectTimeout, retries: c.cfg.Coordinator.StepRetries,
			run: c.transport.Connect},
		{name: "init_dispatcher", critical: true,
			timeout: c.cfg.Coordinator.StepTimeout, retries: 0,
			run: c.initDispatcher},
		{name: "init_subscriber", critical: true,
			timeout: c.cfg.Coordinator.StepTimeout, retries: 0,
			run: c.initSubscriber},
		{name: "init_synchronizer", critical: true,
			timeout: c.cfg.Coordinator.StepTimeout, retries: 0,
			run: c.initSynchronizer},
		{name: "wire_transport", critical: true,
			timeout: c.cfg.Coordinator.StepTimeout, retries: 0,
			run: c.wireTransport},
		{name: "resume_state", critical: false,
			timeout: c.cfg.Coordinator.StepTimeout, retries: c.cfg.Coordinator.StepRetries,
			run: c.resumeState},
		{name: "first_health_check", critical: true,
			timeout: c.cfg.Coordinator.HealthCheckTimeout, retries: c.cfg.Coordinator.StepRetries,
			run: c.firstHealthCheck},
		{name: "wire_handlers", critical: false,
			timeout: c.cfg.Coordinator.StepTimeout, retries: 0,
			run: c.wireHandlers},
		{name: "start_monitor", critical: true,
			timeout: c.cfg.Coordinator.StepTimeout, retries: 0,
			run: c.startMonitor},
	}

	for _, step := range steps {
		if err := c.runStep(ctx, step); err != nil {
			c.logger.Error("Critical startup step failed", "step", step.name, "error", err)
			c.transitionTo(StateFailed)
			return types.WrapError(types.ErrCodeInternal, "startup aborted at "+step.name, err)
		}
	}

	c.transitionTo(StateConnected)
	c.logger.Info("Coordinator initialized")
	return nil
}

// runStep runs one step with its own timeout and retry budget
func (c *Coordinator) runStep(ctx context.Context, step startupStep) error {
	var lastErr error
	attempts := step.retries + 1

	for attempt := 1; attempt <= attempts; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, step.timeout)
		err := step.run(stepCtx)
		cancel()

		if err == nil {
			c.logger.Debug("Startup step completed", "step", step.name, "attempt", attempt)
			return nil
		}
		lastErr = err
		c.logger.Warn("Startup step attempt failed",
			"step", step.name, "attempt", attempt, "error", err)
	}

	if !step.critical {
		c.logger.Warn("Skipping non-critical startup step", "step", step.name, "error", lastErr)
		return nil
	}
	return lastErr
}

func (c *Coordinator) initDispatcher(ctx context.Context) error {
	d, err := dispatch.New(c.contextID, c.cfg.Dispatcher, c.transport, c.logger)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.dispatcher = d
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) initSubscriber(ctx context.Context) error {
	s, err := events.New(c.cfg.Subscriber, c.logger)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.subscriber = s
	c.mu.Unlock()
	return nil
}

func (c *Coordinator) initSynchronizer(ctx context.Context) error {
	s, err := state.New(c.contextID, c.cfg.Synchronizer, c.transport, c.store, c.logger)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.synchronizer = s
	c.mu.Unlock()
	return nil
}

// wireTransport starts the pumps routing inbound frames to their owning
// component and hooks transport status flips
func (c *Coordinator) wireTransport(ctx context.Context) error {
	c.wg.Add(2)
	go c.inboundPump()
	go c.broadcastPump()

	c.removeStatusCb = c.transport.OnStatusChange(c.onTransportStatus)
	return nil
}

func (c *Coordinator) resumeState(ctx context.Context) error {
	return c.synchronizer.LoadPersisted(ctx)
}

func (c *Coordinator) firstHealthCheck(ctx context.Context) error {
	report := c.healthCheck(ctx)
	if !report.PingOK {
		return types.NewError(types.ErrCodeConnection, "health ping unanswered")
	}
	return nil
}

// wireHandlers registers the cross-component taps: hub-pushed settings
// changes land in the replicated store, and system errors are surfaced
// in the log.
func (c *Coordinator) wireHandlers(ctx context.Context) error {
	_, err := c.subscriber.AddListener(types.EventTypeSettingsChanged,
		types.EventFunc(func(ctx context.Context, event types.Event) error {
			for key, value := range event.Data {
				if _, err := c.synchronizer.Set(ctx, types.StateTypeSettings, key, value,
					state.SetOptions{SkipBroadcast: true}); err != nil {
					return err
				}
			}
			return nil
		}))
	if err != nil {
		return err
	}

	_, err = c.subscriber.AddListener(types.EventTypeSystemError,
		types.EventFunc(func(ctx context.Context, event types.Event) error {
			c.logger.Warn("Hub reported system error",
				"severity", event.Severity, "data", event.Data)
			return nil
		}))
	return err
}

func (c *Coordinator) startMonitor(ctx context.Context) error {
	c.wg.Add(1)
	go c.monitorLoop()
	return nil
}

// inboundPump routes hub frames: responses to the dispatcher, events to
// the subscriber
func (c *Coordinator) inboundPump() {
	defer c.wg.Done()

	for {
		select {
		case env, ok := <-c.transport.Inbound():
			if !ok {
				return
			}
			c.touchActivity()
			switch env.Kind {
			case types.FrameKindResponse:
				if env.Response != nil {
					c.dispatcher.HandleResponse(env.Response)
				}
			case types.FrameKindEvent:
				if env.Event != nil {
					c.subscriber.HandleEvent(*env.Event)
				}
			case types.FrameKindStateSync:
				if env.Change != nil {
					c.synchronizer.ApplyRemote(context.Background(), env.Change)
				}
			default:
				c.logger.Debug("Ignoring inbound frame", "kind", env.Kind)
			}
		case <-c.closeCh:
			return
		}
	}
}

// broadcastPump routes peer broadcasts to the synchronizer
func (c *Coordinator) broadcastPump() {
	defer c.wg.Done()

	for {
		select {
		case env, ok := <-c.transport.Broadcasts():
			if !ok {
				return
			}
			c.touchActivity()
			if env.Kind == types.FrameKindStateSync && env.Change != nil {
				c.synchronizer.ApplyRemote(context.Background(), env.Change)
			}
		case <-c.closeCh:
			return
		}
	}
}

// onTransportStatus reacts to online/offline flips from the transport
func (c *Coordinator) onTransportStatus(online bool) {
	if online {
		c.logger.Info("Transport online")
		return
	}

	c.logger.Warn("Transport offline")
	c.mu.Lock()
	d := c.dispatcher
	c.mu.Unlock()
	if d != nil {
		// Reject pending requests now rather than waiting out timeouts
		d.HandleDisconnect()
	}
	c.transitionTo(StateDisconnected)
	c.scheduleReconnect()
}

// monitorLoop drives periodic health checks
func (c *Coordinator) monitorLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Coordinator.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.checkAndTransition()
		case <-c.closeCh:
			return
		}
	}
}

func (c *Coordinator) checkAndTransition() {
	if c.sm.IsTerminal() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Coordinator.HealthCheckTimeout)
	report := c.healthCheck(ctx)
	cancel()

	target := report.Classify()
	c.transitionTo(target)
	if target == StateDisconnected {
		c.scheduleReconnect()
	}
}

// healthCheck pings the hub and folds subcomponent statistics into a
// weighted score
func (c *Coordinator) healthCheck(ctx context.Context) HealthReport {
	pingOK := false
	c.mu.Lock()
	d := c.dispatcher
	c.mu.Unlock()

	if d != nil {
		_, err := d.Send(ctx, &types.Request{
			Type:     types.MessageTypeHealthCheck,
			Payload:  map[string]interface{}{},
			Priority: types.PriorityHigh,
			Timeout:  c.cfg.Coordinator.HealthCheckTimeout,
		})
		pingOK = err == nil
	}

	c.mu.Lock()
	lastActivity := c.lastActivity
	c.mu.Unlock()

	report := computeHealth(pingOK,
		c.dispatcherStats(), c.subscriberStats(), c.synchronizerStats(),
		lastActivity, 2*c.cfg.Coordinator.HealthCheckInterval)

	c.mu.Lock()
	c.lastHealth = report
	c.mu.Unlock()

	c.logger.Debug("Health check",
		"score", report.Score, "ping_ok", report.PingOK)
	return report
}

// scheduleReconnect arms exactly one reconnection timer per backoff
// interval. Exhausting the attempt budget moves to failed and halts
// auto-retry until a manual Reconnect.
func (c *Coordinator) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.reconnectTimer != nil || c.sm.Current() == StateFailed {
		return
	}

	attempt := c.reconnectAttempt + 1
	if attempt > c.cfg.Coordinator.ReconnectMaxTries {
		c.mu.Unlock()
		c.transitionTo(StateFailed)
		c.mu.Lock()
		c.logger.Error("Reconnection attempts exhausted",
			"attempts", c.reconnectAttempt)
		return
	}
	c.reconnectAttempt = attempt

	delay := c.cfg.Coordinator.ReconnectBaseDelay * time.Duration(1<<(attempt-1))
	c.logger.Info("Scheduling reconnection", "attempt", attempt, "delay", delay.String())

	c.reconnectTimer = time.AfterFunc(delay, c.tryReconnect)
}

// tryReconnect is the timer-driven reconnection attempt
func (c *Coordinator) tryReconnect() {
	c.mu.Lock()
	c.reconnectTimer = nil
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.transitionTo(StateReconnecting)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Transport.ConnectTimeout)
	err := c.transport.Connect(ctx)
	cancel()

	if err != nil {
		c.logger.Warn("Reconnection attempt failed", "error", err)
		c.scheduleReconnect()
		return
	}

	c.checkAndTransitionAfterReconnect()
}

// checkAndTransitionAfterReconnect verifies a freshly reconnected channel.
// The attempt budget resets only on a healthy check, not on a bare
// transport connect.
func (c *Coordinator) checkAndTransitionAfterReconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Coordinator.HealthCheckTimeout)
	report := c.healthCheck(ctx)
	cancel()

	target := report.Classify()
	c.transitionTo(target)
	if target == StateDisconnected {
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	c.reconnectAttempt = 0
	c.mu.Unlock()
	c.logger.Info("Reconnected", "state", target)
}

// transitionTo moves the state machine and notifies status callbacks on
// an actual change
func (c *Coordinator) transitionTo(target ConnectionState) {
	if c.sm.Current() == target {
		return
	}
	if err := c.sm.Transition(target); err != nil {
		c.logger.Debug("Rejected state transition",
			"from", c.sm.Current(), "to", target)
		return
	}

	c.logger.Info("Connection state changed", "state", target)

	c.mu.Lock()
	cbs := make([]func(ConnectionState), 0, len(c.statusCbs))
	for _, cb := range c.statusCbs {
		cbs = append(cbs, cb)
	}
	c.mu.Unlock()

	for _, cb := range cbs {
		cb(target)
	}
}

func (c *Coordinator) touchActivity() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// --- Facade ---

// SendMessage dispatches a request through the message dispatcher,
// lazily initializing on first use
func (c *Coordinator) SendMessage(ctx context.Context, req *types.Request) (*types.Response, error) {
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	resp, err := c.dispatcher.Send(ctx, req)
	if err == nil {
		c.touchActivity()
	}
	return resp, err
}

// NotifyMessage sends a fire-and-forget request
func (c *Coordinator) NotifyMessage(ctx context.Context, msgType types.MessageType, payload map[string]interface{}) error {
	if err := c.Initialize(ctx); err != nil {
		return err
	}
	return c.dispatcher.Notify(ctx, msgType, payload)
}

// SubscribeToEvents registers a buffered event subscription
func (c *Coordinator) SubscribeToEvents(ctx context.Context, eventTypes []types.EventType, handler types.EventHandler, opts events.SubscribeOptions) (types.ID, error) {
	if err := c.Initialize(ctx); err != nil {
		return "", err
	}
	return c.subscriber.Subscribe(eventTypes, handler, opts)
}

// UnsubscribeFromEvents removes an event subscription
func (c *Coordinator) UnsubscribeFromEvents(id types.ID) error {
	c.mu.Lock()
	s := c.subscriber
	c.mu.Unlock()
	if s == nil {
		return types.NewError(types.ErrCodeUnavailable, "not initialized")
	}
	return s.Unsubscribe(id)
}

// SetState writes a replicated state entry
func (c *Coordinator) SetState(ctx context.Context, stateType types.StateType, key string, value interface{}, opts state.SetOptions) (*types.StateEntry, error) {
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	return c.synchronizer.Set(ctx, stateType, key, value, opts)
}

// GetState reads from the in-memory replica
func (c *Coordinator) GetState(ctx context.Context, stateType types.StateType, key string) (*types.StateEntry, error) {
	if err := c.Initialize(ctx); err != nil {
		return nil, err
	}
	return c.synchronizer.Get(stateType, key), nil
}

// DeleteState removes a replicated state entry
func (c *Coordinator) DeleteState(ctx context.Context, stateType types.StateType, key string) error {
	if err := c.Initialize(ctx); err != nil {
		return err
	}
	return c.synchronizer.Delete(ctx, stateType, key)
}

// OnStateChange registers a state change callback for matching keys
func (c *Coordinator) OnStateChange(ctx context.Context, stateType types.StateType, keyPattern string, cb types.ChangeCallback) (types.ID, error) {
	if err := c.Initialize(ctx); err != nil {
		return "", err
	}
	return c.synchronizer.OnChange(stateType, keyPattern, cb)
}

// UnwatchState removes a state change callback
func (c *Coordinator) UnwatchState(id types.ID) error {
	c.mu.Lock()
	s := c.synchronizer
	c.mu.Unlock()
	if s == nil {
		return types.NewError(types.ErrCodeUnavailable, "not initialized")
	}
	return s.Unwatch(id)
}

// ConnectionStatus returns the current connection state
func (c *Coordinator) ConnectionStatus() ConnectionState {
	return c.sm.Current()
}

// Statistics returns aggregated subcomponent counters
func (c *Coordinator) Statistics() Statistics {
	c.mu.Lock()
	health := c.lastHealth
	c.mu.Unlock()

	return Statistics{
		State:        c.sm.Current(),
		Health:       health,
		Dispatcher:   c.dispatcherStats(),
		Subscriber:   c.subscriberStats(),
		Synchronizer: c.synchronizerStats(),
	}
}

// OnConnectionStatusChange registers a callback for state transitions.
// The returned function removes it.
func (c *Coordinator) OnConnectionStatusChange(cb func(ConnectionState)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextCbID
	c.nextCbID++
	c.statusCbs[id] = cb

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.statusCbs, id)
	}
}

// Reconnect resets the backoff budget and forces a reconnection attempt.
// This is the only way out of the failed state.
func (c *Coordinator) Reconnect(ctx context.Context) error {
	c.initMu.Lock()
	neverInitialized := !c.initDone && !c.initializing
	initFailed := c.initDone && c.initErr != nil
	if initFailed {
		// Allow the startup sequence to run again
		c.initDone = false
		c.initErr = nil
	}
	c.initMu.Unlock()

	c.mu.Lock()
	c.reconnectAttempt = 0
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.mu.Unlock()

	if neverInitialized || initFailed {
		return c.Initialize(ctx)
	}

	c.transitionTo(StateReconnecting)
	if err := c.transport.Connect(ctx); err != nil {
		c.scheduleReconnect()
		return types.WrapError(types.ErrCodeConnection, "reconnect failed", err)
	}
	c.checkAndTransitionAfterReconnect()
	return nil
}

// Cleanup tears everything down in reverse startup order
func (c *Coordinator) Cleanup() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.mu.Unlock()

	close(c.closeCh)

	if c.removeStatusCb != nil {
		c.removeStatusCb()
	}
	if c.dispatcher != nil {
		c.dispatcher.Close()
	}
	if c.subscriber != nil {
		c.subscriber.Close()
	}
	if c.synchronizer != nil {
		c.synchronizer.Close()
	}
	c.transport.Disconnect()

	c.wg.Wait()
	c.logger.Info("Coordinator cleaned up")
	return nil
}

func (c *Coordinator) dispatcherStats() dispatch.Stats {
	c.mu.Lock()
	d := c.dispatcher
	c.mu.Unlock()
	if d == nil {
		return dispatch.Stats{}
	}
	return d.GetStats()
}

func (c *Coordinator) subscriberStats() events.Stats {
	c.mu.Lock()
	s := c.subscriber
	c.mu.Unlock()
	if s == nil {
		return events.Stats{}
	}
	return s.GetStats()
}

func (c *Coordinator) synchronizerStats() state.Stats {
	c.mu.Lock()
	s := c.synchronizer
	c.mu.Unlock()
	if s == nil {
		return state.Stats{}
	}
	return s.GetStats()
}
