package types

// StateType partitions the replicated key space
type StateType string

const (
	StateTypeSettings StateType = "settings"
	StateTypeSession  StateType = "session"
	StateTypeJob      StateType = "job"
	StateTypeUI       StateType = "ui"
)

// StateEntry is one replicated value. Version is a per-(stateType,key)
// monotonically increasing integer assigned locally by the writing context.
type StateEntry struct {
	Value           interface{} `json:"value"`
	Version         int64       `json:"version"`
	LastModified    Timestamp   `json:"last_modified"`
	SourceContextID ID          `json:"source_context_id"`
	ExpiresAt       *Timestamp  `json:"expires_at,omitempty"`
}

// IsExpired reports whether the entry is past its TTL at time now
func (e *StateEntry) IsExpired(now Timestamp) bool {
	return e.ExpiresAt != nil && !e.ExpiresAt.After(now.Time)
}

// StateChange is the broadcast form of a local write, applied by peers
type StateChange struct {
	StateType StateType  `json:"state_type"`
	Key       string     `json:"key"`
	Entry     StateEntry `json:"entry"`
	Deleted   bool       `json:"deleted,omitempty"`
}

// StateConflict records a detected write race between two contexts.
// Conflicts are recorded and auto-resolved, never surfaced as errors.
type StateConflict struct {
	StateType       StateType   `json:"state_type"`
	Key             string      `json:"key"`
	CurrentValue    interface{} `json:"current_value"`
	CurrentVersion  int64       `json:"current_version"`
	IncomingValue   interface{} `json:"incoming_value"`
	IncomingVersion int64       `json:"incoming_version"`
	LocalContextID  ID          `json:"local_context_id"`
	RemoteContextID ID          `json:"remote_context_id"`
	Timestamp       Timestamp   `json:"timestamp"`
}

// ChangeCallback observes resolved writes for keys matching a subscription.
// Callbacks run in registration order; a panicking callback is recovered
// and never blocks the others.
type ChangeCallback func(stateType StateType, key string, entry *StateEntry)
