// Package dispatch implements the request/response exchange with the
// background hub: correlation, per-request timers, bounded queuing in
// front of a concurrency window, and same-correlation-ID retries.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tabwire/bridge/internal/config"
	"github.com/tabwire/bridge/internal/logger"
	"github.com/tabwire/bridge/pkg/transport"
	"github.com/tabwire/bridge/pkg/types"
)

// pendingRequest tracks one outstanding request until it resolves
type pendingRequest struct {
	req          *types.Request
	attemptsLeft int
	resultCh     chan requestResult
	timer        *time.Timer
	seq          uint64
	queued       bool
	sentAt       time.Time
	// attempt numbers the sends for this correlation ID; a timer firing
	// carries the attempt it was armed for so a stale firing that lost
	// the race against a retry cannot time out the live attempt
	attempt int
}

type requestResult struct {
	resp *types.Response
	err  error
}

// Dispatcher exchanges requests and responses with the background hub
// over the transport. There is exactly one pending entry per outstanding
// correlation ID; an unmatched response is logged and dropped.
type Dispatcher struct {
	mu        sync.Mutex
	cfg       config.DispatcherConfig
	contextID types.ID
	transport transport.Transport
	pending   map[types.ID]*pendingRequest
	queue     *requestQueue
	inFlight  int
	closed    bool
	stats     Stats
	logger    *logger.Logger
}

// Stats reports dispatcher counters. AverageLatency covers successful
// round trips only.
type Stats struct {
	Sent           int64         `json:"sent"`
	Succeeded      int64         `json:"succeeded"`
	Failed         int64         `json:"failed"`
	TimedOut       int64         `json:"timed_out"`
	Retried        int64         `json:"retried"`
	Unmatched      int64         `json:"unmatched"`
	Rejected       int64         `json:"rejected"`
	InFlight       int           `json:"in_flight"`
	Queued         int           `json:"queued"`
	AverageLatency time.Duration `json:"average_latency"`

	latencySum   time.Duration
	latencyCount int64
}

// New creates a dispatcher bound to a transport
func New(contextID types.ID, cfg config.DispatcherConfig, tr transport.Transport, log *logger.Logger) (*Dispatcher, error) {
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}
	if tr == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "transport cannot be nil")
	}

	d := &Dispatcher{
		cfg:       cfg,
		contextID: contextID,
		transport: tr,
		pending:   make(map[types.ID]*pendingRequest),
		queue:     newRequestQueue(cfg.MaxQueueSize),
		logger:    log.With("component", "dispatcher"),
	}

	d.logger.Info("Dispatcher initialized",
		"max_in_flight", cfg.MaxInFlight,
		"max_queue_size", cfg.MaxQueueSize,
		"default_timeout", cfg.DefaultTimeout.String(),
		"default_retries", cfg.DefaultRetries)

	return d, nil
}

// Send dispatches a request and waits for its response, timeout, or a
// retry-exhausted failure. Validation failures reject synchronously and
// are never retried.
func (d *Dispatcher) Send(ctx context.Context, req *types.Request) (*types.Response, error) {
	if err := d.validate(req); err != nil {
		return nil, err
	}
	d.applyDefaults(req)

	p := &pendingRequest{
		req:          req,
		attemptsLeft: req.Retries,
		resultCh:     make(chan requestResult, 1),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, types.NewError(types.ErrCodeUnavailable, "dispatcher is closed")
	}

	if d.inFlight < d.cfg.MaxInFlight {
		d.startAttemptLocked(p)
	} else {
		if err := d.queue.push(p); err != nil {
			d.stats.Rejected++
			d.mu.Unlock()
			return nil, err
		}
		p.queued = true
	}
	d.mu.Unlock()

	select {
	case res := <-p.resultCh:
		return res.resp, res.err
	case <-ctx.Done():
		d.abandon(p)
		return nil, types.WrapError(types.ErrCodeCanceled, "send canceled", ctx.Err())
	}
}

// Notify sends a fire-and-forget request: validated like Send, but no
// pending entry is created and no response is awaited.
func (d *Dispatcher) Notify(ctx context.Context, msgType types.MessageType, payload map[string]interface{}) error {
	req := &types.Request{
		Type:    msgType,
		Payload: payload,
		Timeout: d.cfg.DefaultTimeout,
	}
	if err := d.validate(req); err != nil {
		return err
	}
	d.applyDefaults(req)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "dispatcher is closed")
	}
	d.stats.Sent++
	d.mu.Unlock()

	env := &types.Envelope{Kind: types.FrameKindRequest, Request: req}
	if err := d.transport.Send(ctx, env); err != nil {
		d.mu.Lock()
		d.stats.Failed++
		d.mu.Unlock()
		return types.WrapError(types.ErrCodeConnection, "failed to send notification", err)
	}

	d.logger.Debug("Notification sent", "type", req.Type, "correlation_id", req.CorrelationID)
	return nil
}

// HandleResponse matches an inbound response to its pending request by
// correlation ID. Unmatched responses have no observable effect.
func (d *Dispatcher) HandleResponse(resp *types.Response) {
	d.mu.Lock()

	p, exists := d.pending[resp.CorrelationID]
	if !exists {
		d.stats.Unmatched++
		d.mu.Unlock()
		d.logger.Debug("Discarding unmatched response", "correlation_id", resp.CorrelationID)
		return
	}

	if resp.Success {
		d.stats.Succeeded++
		d.stats.latencySum += time.Since(p.sentAt)
		d.stats.latencyCount++
		d.stats.AverageLatency = d.stats.latencySum / time.Duration(d.stats.latencyCount)
		d.resolveLocked(p, requestResult{resp: resp})
		d.mu.Unlock()
		return
	}

	failure := resp.Err()
	if p.attemptsLeft > 0 && types.IsRetryable(failure) {
		p.attemptsLeft--
		d.stats.Retried++
		d.retryLocked(p)
		d.mu.Unlock()
		return
	}

	d.stats.Failed++
	d.resolveLocked(p, requestResult{err: failure})
	d.mu.Unlock()
}

// HandleDisconnect rejects every pending and queued request immediately
// with a connection error instead of waiting out individual timeouts.
func (d *Dispatcher) HandleDisconnect() {
	d.mu.Lock()

	rejected := make([]*pendingRequest, 0, len(d.pending)+d.queue.len())
	for _, p := range d.pending {
		rejected = append(rejected, p)
	}
	rejected = append(rejected, d.queue.drain()...)

	for _, p := range rejected {
		d.resolveLocked(p, requestResult{
			err: types.NewError(types.ErrCodeConnection, "transport disconnected"),
		})
		d.stats.Failed++
	}
	d.mu.Unlock()

	if len(rejected) > 0 {
		d.logger.Warn("Rejected requests on disconnect", "count", len(rejected))
	}
}

// GetStats returns a copy of the dispatcher counters
func (d *Dispatcher) GetStats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	stats := d.stats
	stats.InFlight = d.inFlight
	stats.Queued = d.queue.len()
	return stats
}

// Close rejects all outstanding work and prevents further sends
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.HandleDisconnect()
	d.logger.Info("Dispatcher closed")
	return nil
}

// validate checks a request synchronously; failures are never retried
func (d *Dispatcher) validate(req *types.Request) error {
	if req == nil {
		return types.NewError(types.ErrCodeValidation, "request cannot be nil")
	}
	if req.Type == "" {
		return types.NewError(types.ErrCodeValidation, "request type is required")
	}
	if !req.Type.IsValid() {
		return types.NewError(types.ErrCodeValidation, fmt.Sprintf("unknown message type: %s", req.Type))
	}
	if req.Payload == nil {
		return types.NewError(types.ErrCodeValidation, "request payload is required")
	}
	if req.Timeout < 0 {
		return types.NewError(types.ErrCodeValidation, "timeout cannot be negative")
	}
	if req.Retries < 0 {
		return types.NewError(types.ErrCodeValidation, "retries cannot be negative")
	}
	return nil
}

func (d *Dispatcher) applyDefaults(req *types.Request) {
	if req.Timeout == 0 {
		req.Timeout = d.cfg.DefaultTimeout
	}
	if req.Retries == 0 {
		req.Retries = d.cfg.DefaultRetries
	}
	if req.CorrelationID.IsEmpty() {
		req.CorrelationID = types.GenerateCorrelationID(d.contextID)
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = types.NewTimestamp()
	}
}

// startAttemptLocked registers the pending entry, sends the request, and
// arms the per-attempt timer. Caller holds d.mu.
func (d *Dispatcher) startAttemptLocked(p *pendingRequest) {
	corrID := p.req.CorrelationID
	d.pending[corrID] = p
	d.inFlight++
	p.queued = false
	p.sentAt = time.Now()
	d.stats.Sent++

	d.armTimerLocked(p)
	d.sendAsync(p)
}

// retryLocked re-sends with the same correlation ID and resets only the
// per-attempt timer; there is no backoff at this layer.
func (d *Dispatcher) retryLocked(p *pendingRequest) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.sentAt = time.Now()
	d.stats.Sent++

	d.logger.Debug("Retrying request",
		"correlation_id", p.req.CorrelationID,
		"type", p.req.Type,
		"attempts_left", p.attemptsLeft)

	d.armTimerLocked(p)
	d.sendAsync(p)
}

func (d *Dispatcher) armTimerLocked(p *pendingRequest) {
	corrID := p.req.CorrelationID
	p.attempt++
	attempt := p.attempt
	p.timer = time.AfterFunc(p.req.Timeout, func() {
		d.onTimeout(corrID, attempt)
	})
}

// sendAsync writes the frame off the lock; a transport failure is fed
// back through the same retry path a failure response would take.
func (d *Dispatcher) sendAsync(p *pendingRequest) {
	req := p.req
	go func() {
		env := &types.Envelope{Kind: types.FrameKindRequest, Request: req}
		if err := d.transport.Send(context.Background(), env); err != nil {
			d.HandleResponse(&types.Response{
				Success:       false,
				ErrorCode:     types.ErrCodeConnection,
				ErrorMessage:  err.Error(),
				CorrelationID: req.CorrelationID,
				Timestamp:     types.NewTimestamp(),
			})
		}
	}()
}

func (d *Dispatcher) onTimeout(corrID types.ID, attempt int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, exists := d.pending[corrID]
	if !exists {
		return
	}
	if p.attempt != attempt {
		// Stale firing from an attempt a retry already superseded
		return
	}

	d.stats.TimedOut++
	d.resolveLocked(p, requestResult{
		err: types.NewError(types.ErrCodeTimeout,
			fmt.Sprintf("request timed out after %s (correlation_id=%s)", p.req.Timeout, corrID)),
	})
}

// resolveLocked removes the pending entry, frees its slot, and dispatches
// the next queued request. Caller holds d.mu.
func (d *Dispatcher) resolveLocked(p *pendingRequest, res requestResult) {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}

	if _, exists := d.pending[p.req.CorrelationID]; exists {
		delete(d.pending, p.req.CorrelationID)
		d.inFlight--
	}

	select {
	case p.resultCh <- res:
	default:
	}

	d.fillSlotsLocked()
}

// fillSlotsLocked dispatches queued requests while in-flight slots remain
func (d *Dispatcher) fillSlotsLocked() {
	for d.inFlight < d.cfg.MaxInFlight {
		next := d.queue.pop()
		if next == nil {
			return
		}
		d.startAttemptLocked(next)
	}
}

// abandon drops a request whose caller context was canceled. A still
// queued request is removed so it is never dispatched for a caller that
// already returned.
func (d *Dispatcher) abandon(p *pendingRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if p.queued && d.queue.remove(p) {
		p.queued = false
		return
	}
	if _, exists := d.pending[p.req.CorrelationID]; exists {
		d.resolveLocked(p, requestResult{})
	}
}
