package events

import "github.com/tabwire/bridge/pkg/types"

// historyRing is a fixed-capacity ring of recently seen events, used to
// seed subscriptions created with IncludeHistory. Not thread safe; the
// subscriber serializes access.
type historyRing struct {
	buf  []types.Event
	head int
	size int
}

func newHistoryRing(capacity int) *historyRing {
	if capacity < 0 {
		capacity = 0
	}
	return &historyRing{buf: make([]types.Event, capacity)}
}

// append records an event, evicting the oldest when full
func (r *historyRing) append(event types.Event) {
	if len(r.buf) == 0 {
		return
	}
	r.buf[(r.head+r.size)%len(r.buf)] = event
	if r.size < len(r.buf) {
		r.size++
	} else {
		r.head = (r.head + 1) % len(r.buf)
	}
}

// snapshot returns the retained events in arrival order
func (r *historyRing) snapshot() []types.Event {
	out := make([]types.Event, 0, r.size)
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(r.head+i)%len(r.buf)])
	}
	return out
}

func (r *historyRing) len() int {
	return r.size
}
