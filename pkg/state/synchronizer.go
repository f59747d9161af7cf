// Package state implements a small per-key versioned replicated store.
// Local writes are broadcast to peer contexts; remote writes are applied
// directly when the version chain is intact and otherwise resolved
// through a pluggable conflict policy. Convergence relies solely on
// per-key version comparison, never wall-clock time.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/gobwas/glob"

	"github.com/tabwire/bridge/internal/config"
	"github.com/tabwire/bridge/internal/logger"
	"github.com/tabwire/bridge/pkg/storage"
	"github.com/tabwire/bridge/pkg/transport"
	"github.com/tabwire/bridge/pkg/types"
)

const indexKey = "state.index"

// SetOptions tunes one local write
type SetOptions struct {
	// TTL marks the entry expired after this duration; zero means no expiry
	TTL time.Duration
	// SkipBroadcast keeps the write local
	SkipBroadcast bool
}

type watcher struct {
	id        types.ID
	stateType types.StateType
	pattern   glob.Glob
	cb        types.ChangeCallback
}

// Stats reports synchronizer counters
type Stats struct {
	LocalWrites       int64 `json:"local_writes"`
	RemoteApplied     int64 `json:"remote_applied"`
	ConflictsRecorded int64 `json:"conflicts_recorded"`
	Deletes           int64 `json:"deletes"`
	Expired           int64 `json:"expired"`
	PersistErrors     int64 `json:"persist_errors"`
	Entries           int   `json:"entries"`
	Watchers          int   `json:"watchers"`
}

// Synchronizer replicates small pieces of state across contexts
type Synchronizer struct {
	mu        sync.Mutex
	cfg       config.SynchronizerConfig
	contextID types.ID
	transport transport.Transport
	store     storage.Store
	resolver  ConflictResolver
	entries   map[types.StateType]map[string]*types.StateEntry
	versions  map[string]int64
	conflicts []types.StateConflict
	watchers  []*watcher
	closed    bool
	closeCh   chan struct{}
	wg        sync.WaitGroup
	stats     Stats
	logger    *logger.Logger
}

// New creates a synchronizer. The store may be nil, disabling persistence;
// the resolver defaults to HighestVersionWins.
func New(contextID types.ID, cfg config.SynchronizerConfig, tr transport.Transport, store storage.Store, log *logger.Logger) (*Synchronizer, error) {
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

	s := &Synchronizer{
		cfg:       cfg,
		contextID: contextID,
		transport: tr,
		store:     store,
		resolver:  HighestVersionWins{},
		entries:   make(map[types.StateType]map[string]*types.StateEntry),
		versions:  make(map[string]int64),
		closeCh:   make(chan struct{}),
		logger:    log.With("component", "synchronizer", "context_id", contextID),
	}

	s.wg.Add(1)
	go s.sweepLoop()

	s.logger.Info("Synchronizer initialized",
		"broadcast_enabled", cfg.BroadcastEnabled,
		"persist_enabled", cfg.PersistEnabled,
		"sweep_interval", cfg.SweepInterval.String())

	return s, nil
}

// SetResolver replaces the conflict resolution policy
func (s *Synchronizer) SetResolver(r ConflictResolver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r != nil {
		s.resolver = r
	}
}

// Set performs a local write: validate size, bump the per-key version,
// store, broadcast, persist best-effort, then notify local watchers in
// registration order.
func (s *Synchronizer) Set(ctx context.Context, stateType types.StateType, key string, value interface{}, opts SetOptions) (*types.StateEntry, error) {
	if key == "" {
		return nil, types.NewError(types.ErrCodeValidation, "key is required")
	}

	serialized, err := json.Marshal(value)
	if err != nil {
		return nil, types.WrapError(types.ErrCodeValidation, "value is not serializable", err)
	}
	if s.cfg.MaxValueBytes > 0 && len(serialized) > s.cfg.MaxValueBytes {
		return nil, types.NewError(types.ErrCodeValidation,
			fmt.Sprintf("value of %d bytes exceeds cap of %d", len(serialized), s.cfg.MaxValueBytes))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, types.NewError(types.ErrCodeUnavailable, "synchronizer is closed")
	}

	vk := versionKey(stateType, key)
	version := s.versions[vk] + 1
	s.versions[vk] = version

	entry := &types.StateEntry{
		Value:           value,
		Version:         version,
		LastModified:    types.NewTimestamp(),
		SourceContextID: s.contextID,
	}
	if opts.TTL > 0 {
		exp := types.NewTimestampFromTime(time.Now().Add(opts.TTL))
		entry.ExpiresAt = &exp
	}

	s.putLocked(stateType, key, entry)
	s.stats.LocalWrites++
	watchers := s.matchingWatchersLocked(stateType, key)
	s.mu.Unlock()

	if s.cfg.BroadcastEnabled && !opts.SkipBroadcast {
		s.broadcast(ctx, stateType, key, entry, false)
	}
	s.persist(ctx, stateType, key, entry)
	notifyWatchers(watchers, stateType, key, entry, s.logger)

	return entry, nil
}

// Get reads the in-memory replica only; it performs no I/O and may be
// stale until the next broadcast lands. Expired entries read as absent.
func (s *Synchronizer) Get(stateType types.StateType, key string) *types.StateEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey := s.entries[stateType]
	if byKey == nil {
		return nil
	}
	entry := byKey[key]
	if entry == nil {
		return nil
	}
	if entry.IsExpired(types.NewTimestamp()) {
		return nil
	}

	cp := *entry
	return &cp
}

// Delete removes an entry locally and broadcasts the removal
func (s *Synchronizer) Delete(ctx context.Context, stateType types.StateType, key string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeUnavailable, "synchronizer is closed")
	}

	byKey := s.entries[stateType]
	entry := byKey[key]
	if entry == nil {
		s.mu.Unlock()
		return types.NewError(types.ErrCodeNotFound, fmt.Sprintf("no entry for %s/%s", stateType, key))
	}

	vk := versionKey(stateType, key)
	version := s.versions[vk] + 1
	s.versions[vk] = version
	delete(byKey, key)
	s.stats.Deletes++

	tombstone := &types.StateEntry{
		Version:         version,
		LastModified:    types.NewTimestamp(),
		SourceContextID: s.contextID,
	}
	watchers := s.matchingWatchersLocked(stateType, key)
	s.mu.Unlock()

	if s.cfg.BroadcastEnabled {
		s.broadcast(ctx, stateType, key, tombstone, true)
	}
	s.unpersist(ctx, stateType, key)
	notifyWatchers(watchers, stateType, key, nil, s.logger)

	return nil
}

// OnChange registers a callback for writes whose key matches the glob
// pattern within a state type. Callbacks run in registration order.
func (s *Synchronizer) OnChange(stateType types.StateType, keyPattern string, cb types.ChangeCallback) (types.ID, error) {
	if cb == nil {
		return "", types.NewError(types.ErrCodeValidation, "callback cannot be nil")
	}
	g, err := glob.Compile(keyPattern)
	if err != nil {
		return "", types.WrapError(types.ErrCodeValidation, "invalid key pattern", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", types.NewError(types.ErrCodeUnavailable, "synchronizer is closed")
	}

	w := &watcher{
		id:        types.GenerateID(),
		stateType: stateType,
		pattern:   g,
		cb:        cb,
	}
	s.watchers = append(s.watchers, w)
	s.stats.Watchers = len(s.watchers)
	return w.id, nil
}

// Unwatch removes a change callback
func (s *Synchronizer) Unwatch(id types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, w := range s.watchers {
		if w.id == id {
			s.watchers = append(s.watchers[:i], s.watchers[i+1:]...)
			s.stats.Watchers = len(s.watchers)
			return nil
		}
	}
	return types.NewError(types.ErrCodeNotFound, "watcher not found: "+id.String())
}

// ApplyRemote applies a peer's broadcast change. An intact version chain
// (current == incoming-1) applies directly; a true duplicate of the held
// entry is dropped; anything else is recorded as a conflict and
// auto-resolved, never dropped silently.
func (s *Synchronizer) ApplyRemote(ctx context.Context, change *types.StateChange) {
	if change == nil || change.Key == "" {
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	vk := versionKey(change.StateType, change.Key)
	current := s.versions[vk]
	incoming := change.Entry.Version

	if change.Deleted {
		if incoming > current {
			if byKey := s.entries[change.StateType]; byKey != nil {
				delete(byKey, change.Key)
			}
			s.versions[vk] = incoming
			s.stats.RemoteApplied++
			watchers := s.matchingWatchersLocked(change.StateType, change.Key)
			s.mu.Unlock()
			s.unpersist(ctx, change.StateType, change.Key)
			notifyWatchers(watchers, change.StateType, change.Key, nil, s.logger)
			return
		}
		s.mu.Unlock()
		return
	}

	if incoming == current {
		var cur *types.StateEntry
		if byKey := s.entries[change.StateType]; byKey != nil {
			cur = byKey[change.Key]
		}
		// Only a true duplicate is a no-op: the same write echoed back,
		// or a re-broadcast carrying the value we already hold. An equal
		// version from a different writer is a race and falls through to
		// the conflict path so the tie is recorded and resolved.
		if cur != nil &&
			(cur.SourceContextID == change.Entry.SourceContextID ||
				reflect.DeepEqual(cur.Value, change.Entry.Value)) {
			s.mu.Unlock()
			return
		}
	}

	if current == incoming-1 {
		entry := change.Entry
		s.putLocked(change.StateType, change.Key, &entry)
		s.versions[vk] = incoming
		s.stats.RemoteApplied++
		watchers := s.matchingWatchersLocked(change.StateType, change.Key)
		s.mu.Unlock()

		s.persist(ctx, change.StateType, change.Key, &entry)
		notifyWatchers(watchers, change.StateType, change.Key, &entry, s.logger)
		return
	}

	// Version mismatch: record the conflict and resolve
	var currentValue interface{}
	if byKey := s.entries[change.StateType]; byKey != nil {
		if cur := byKey[change.Key]; cur != nil {
			currentValue = cur.Value
		}
	}

	conflict := types.StateConflict{
		StateType:       change.StateType,
		Key:             change.Key,
		CurrentValue:    currentValue,
		CurrentVersion:  current,
		IncomingValue:   change.Entry.Value,
		IncomingVersion: incoming,
		LocalContextID:  s.contextID,
		RemoteContextID: change.Entry.SourceContextID,
		Timestamp:       types.NewTimestamp(),
	}
	s.conflicts = append(s.conflicts, conflict)
	if s.cfg.MaxConflicts > 0 && len(s.conflicts) > s.cfg.MaxConflicts {
		s.conflicts = s.conflicts[len(s.conflicts)-s.cfg.MaxConflicts:]
	}
	s.stats.ConflictsRecorded++

	winner := s.resolver.Resolve(conflict)

	var winning *types.StateEntry
	switch winner {
	case WinnerIncoming:
		entry := change.Entry
		s.putLocked(change.StateType, change.Key, &entry)
		s.versions[vk] = incoming
		winning = &entry
	case WinnerCurrent:
		if byKey := s.entries[change.StateType]; byKey != nil {
			winning = byKey[change.Key]
		}
	}

	var watchers []*watcher
	if winner == WinnerIncoming {
		watchers = s.matchingWatchersLocked(change.StateType, change.Key)
	}
	s.mu.Unlock()

	s.logger.Debug("Conflict resolved",
		"state_type", change.StateType,
		"key", change.Key,
		"current_version", current,
		"incoming_version", incoming,
		"incoming_won", winner == WinnerIncoming)

	if winning != nil {
		// Re-broadcast the winner so all peers converge on it
		if s.cfg.BroadcastEnabled {
			s.broadcast(ctx, change.StateType, change.Key, winning, false)
		}
		if winner == WinnerIncoming {
			s.persist(ctx, change.StateType, change.Key, winning)
			notifyWatchers(watchers, change.StateType, change.Key, winning, s.logger)
		}
	}
}

// Conflicts returns a copy of the recorded conflicts, oldest first
func (s *Synchronizer) Conflicts() []types.StateConflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.StateConflict(nil), s.conflicts...)
}

// LoadPersisted seeds the replica from the durable store, best effort.
// Persisted versions seed the per-key counters so post-restart writes
// keep increasing.
func (s *Synchronizer) LoadPersisted(ctx context.Context) error {
	if s.store == nil || !s.cfg.PersistEnabled {
		return nil
	}

	indexed, err := s.store.Get(ctx, []string{indexKey})
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to read state index", err)
	}
	raw, ok := indexed[indexKey]
	if !ok {
		return nil
	}

	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return types.WrapError(types.ErrCodeInternal, "corrupt state index", err)
	}

	items, err := s.store.Get(ctx, keys)
	if err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to read persisted entries", err)
	}

	loaded := 0
	s.mu.Lock()
	for storeKey, data := range items {
		var rec persistedEntry
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("Skipping corrupt persisted entry", "key", storeKey, "error", err)
			continue
		}
		if rec.Entry.IsExpired(types.NewTimestamp()) {
			continue
		}
		s.putLocked(rec.StateType, rec.Key, &rec.Entry)
		vk := versionKey(rec.StateType, rec.Key)
		if rec.Entry.Version > s.versions[vk] {
			s.versions[vk] = rec.Entry.Version
		}
		loaded++
	}
	s.mu.Unlock()

	s.logger.Info("Loaded persisted state", "entries", loaded)
	return nil
}

// GetStats returns a copy of the synchronizer counters
func (s *Synchronizer) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := s.stats
	count := 0
	for _, byKey := range s.entries {
		count += len(byKey)
	}
	stats.Entries = count
	return stats
}

// Close stops the sweep loop
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.closeCh)
	s.wg.Wait()

	s.logger.Info("Synchronizer closed")
	return nil
}

func (s *Synchronizer) putLocked(stateType types.StateType, key string, entry *types.StateEntry) {
	byKey := s.entries[stateType]
	if byKey == nil {
		byKey = make(map[string]*types.StateEntry)
		s.entries[stateType] = byKey
	}
	byKey[key] = entry
}

func (s *Synchronizer) matchingWatchersLocked(stateType types.StateType, key string) []*watcher {
	var matched []*watcher
	for _, w := range s.watchers {
		if w.stateType == stateType && w.pattern.Match(key) {
			matched = append(matched, w)
		}
	}
	return matched
}

// broadcast posts a change envelope to peer contexts; a transport failure
// is logged, never fatal to the write
func (s *Synchronizer) broadcast(ctx context.Context, stateType types.StateType, key string, entry *types.StateEntry, deleted bool) {
	change := &types.StateChange{
		StateType: stateType,
		Key:       key,
		Entry:     *entry,
		Deleted:   deleted,
	}
	env := &types.Envelope{Kind: types.FrameKindStateSync, Change: change}
	if err := s.transport.Post(ctx, env); err != nil {
		s.logger.Warn("Failed to broadcast change",
			"state_type", stateType, "key", key, "error", err)
	}
}

// persist writes an entry to the durable store, best effort
func (s *Synchronizer) persist(ctx context.Context, stateType types.StateType, key string, entry *types.StateEntry) {
	if s.store == nil || !s.cfg.PersistEnabled {
		return
	}

	rec := persistedEntry{StateType: stateType, Key: key, Entry: *entry}
	data, err := json.Marshal(rec)
	if err != nil {
		s.recordPersistError("serialize", stateType, key, err)
		return
	}

	items := map[string][]byte{storeKeyFor(stateType, key): data}
	if index, err := json.Marshal(s.persistedKeys()); err == nil {
		items[indexKey] = index
	}

	if err := s.store.Set(ctx, items); err != nil {
		s.recordPersistError("write", stateType, key, err)
	}
}

// unpersist removes an entry from the durable store, best effort
func (s *Synchronizer) unpersist(ctx context.Context, stateType types.StateType, key string) {
	if s.store == nil || !s.cfg.PersistEnabled {
		return
	}
	if err := s.store.Remove(ctx, []string{storeKeyFor(stateType, key)}); err != nil {
		s.recordPersistError("remove", stateType, key, err)
		return
	}
	if index, err := json.Marshal(s.persistedKeys()); err == nil {
		if err := s.store.Set(ctx, map[string][]byte{indexKey: index}); err != nil {
			s.recordPersistError("index", stateType, key, err)
		}
	}
}

// persistedKeys snapshots the store keys of all live entries
func (s *Synchronizer) persistedKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for stateType, byKey := range s.entries {
		for key := range byKey {
			keys = append(keys, storeKeyFor(stateType, key))
		}
	}
	return keys
}

func (s *Synchronizer) recordPersistError(op string, stateType types.StateType, key string, err error) {
	s.mu.Lock()
	s.stats.PersistErrors++
	s.mu.Unlock()
	s.logger.Warn("Persistence failed",
		"op", op, "state_type", stateType, "key", key, "error", err)
}

type persistedEntry struct {
	StateType types.StateType  `json:"state_type"`
	Key       string           `json:"key"`
	Entry     types.StateEntry `json:"entry"`
}

func versionKey(stateType types.StateType, key string) string {
	return string(stateType) + "/" + key
}

func storeKeyFor(stateType types.StateType, key string) string {
	return "state/" + string(stateType) + "/" + key
}

// notifyWatchers invokes callbacks in registration order; a panicking
// callback is recovered and never blocks the others
func notifyWatchers(watchers []*watcher, stateType types.StateType, key string, entry *types.StateEntry, log *logger.Logger) {
	for _, w := range watchers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error("Change callback panicked",
						"state_type", stateType, "key", key, "panic", r)
				}
			}()
			w.cb(stateType, key, entry)
		}()
	}
}

// sweepLoop periodically evicts expired entries and trims old conflicts
func (s *Synchronizer) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.closeCh:
			return
		}
	}
}

func (s *Synchronizer) sweep() {
	now := types.NewTimestamp()

	s.mu.Lock()
	removed := 0
	for _, byKey := range s.entries {
		for key, entry := range byKey {
			if entry.IsExpired(now) {
				delete(byKey, key)
				removed++
				s.stats.Expired++
			}
		}
	}
	if s.cfg.MaxConflicts > 0 && len(s.conflicts) > s.cfg.MaxConflicts {
		s.conflicts = s.conflicts[len(s.conflicts)-s.cfg.MaxConflicts:]
	}
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Debug("Swept expired entries", "count", removed)
	}
}
