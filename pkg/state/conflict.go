package state

import "github.com/tabwire/bridge/pkg/types"

// Winner identifies which side of a conflict prevails
type Winner int

const (
	WinnerCurrent Winner = iota
	WinnerIncoming
)

// ConflictResolver decides which entry survives a detected write race.
// Resolution must be deterministic across contexts or replicas will not
// converge.
type ConflictResolver interface {
	Resolve(conflict types.StateConflict) Winner
}

// HighestVersionWins is the default policy: the higher version number
// prevails. Equal versions favor the incoming value so that both sides
// of a tie reach the same decision without comparing wall clocks.
type HighestVersionWins struct{}

// Resolve implements ConflictResolver
func (HighestVersionWins) Resolve(conflict types.StateConflict) Winner {
	if conflict.IncomingVersion >= conflict.CurrentVersion {
		return WinnerIncoming
	}
	return WinnerCurrent
}
