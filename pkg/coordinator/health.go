package coordinator

import (
	"time"

	"github.com/tabwire/bridge/pkg/dispatch"
	"github.com/tabwire/bridge/pkg/events"
	"github.com/tabwire/bridge/pkg/state"
	"github.com/tabwire/bridge/pkg/types"
)

// Health score weights. The recent-activity bonus rewards channels that
// carried traffic in the last check window.
const (
	weightDispatcher   = 0.40
	weightSubscriber   = 0.30
	weightSynchronizer = 0.20
	weightActivity     = 0.10

	scoreConnected = 80.0
	scoreDegraded  = 50.0
)

// HealthReport is the result of one health check
type HealthReport struct {
	Score             float64         `json:"score"`
	DispatcherScore   float64         `json:"dispatcher_score"`
	SubscriberScore   float64         `json:"subscriber_score"`
	SynchronizerScore float64         `json:"synchronizer_score"`
	ActivityBonus     float64         `json:"activity_bonus"`
	PingOK            bool            `json:"ping_ok"`
	CheckedAt         types.Timestamp `json:"checked_at"`
}

// Classify maps a score to a connection state
func (r HealthReport) Classify() ConnectionState {
	switch {
	case r.Score >= scoreConnected:
		return StateConnected
	case r.Score >= scoreDegraded:
		return StateDegraded
	default:
		return StateDisconnected
	}
}

// computeHealth derives a weighted score from subcomponent statistics.
// A failed ping zeroes the score outright; statistics cannot vouch for a
// channel that will not answer.
func computeHealth(pingOK bool, d dispatch.Stats, e events.Stats, s state.Stats, lastActivity time.Time, window time.Duration) HealthReport {
	report := HealthReport{
		PingOK:    pingOK,
		CheckedAt: types.NewTimestamp(),
	}
	if !pingOK {
		return report
	}

	report.DispatcherScore = dispatcherScore(d)
	report.SubscriberScore = subscriberScore(e)
	report.SynchronizerScore = synchronizerScore(s)
	if !lastActivity.IsZero() && time.Since(lastActivity) <= window {
		report.ActivityBonus = 100
	}

	report.Score = report.DispatcherScore*weightDispatcher +
		report.SubscriberScore*weightSubscriber +
		report.SynchronizerScore*weightSynchronizer +
		report.ActivityBonus*weightActivity

	return report
}

// dispatcherScore is the request success ratio; an idle dispatcher scores
// full marks
func dispatcherScore(d dispatch.Stats) float64 {
	total := d.Succeeded + d.Failed + d.TimedOut
	if total == 0 {
		return 100
	}
	return 100 * float64(d.Succeeded) / float64(total)
}

// subscriberScore is the complement of the handler error rate, docked for
// dropped events
func subscriberScore(e events.Stats) float64 {
	score := 100 * (1 - e.ErrorRate)
	if e.Received > 0 {
		dropRate := float64(e.Dropped) / float64(e.Received)
		score -= 50 * dropRate
	}
	if score < 0 {
		return 0
	}
	return score
}

// synchronizerScore penalizes persistence failures relative to write volume
func synchronizerScore(s state.Stats) float64 {
	writes := s.LocalWrites + s.RemoteApplied
	if writes == 0 || s.PersistErrors == 0 {
		return 100
	}
	score := 100 * (1 - float64(s.PersistErrors)/float64(writes))
	if score < 0 {
		return 0
	}
	return score
}
