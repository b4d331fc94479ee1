// Package lifecycle defines the per-task state machine shared by the
// ephemeral dispatcher and the detached session core: Created -> Queued
// -> Claimed -> Running -> Completed|Failed. Queued is only reachable
// under wave scheduling; Claimed only exists in detached mode.
package lifecycle

// State is a task's position in its lifecycle. States are ordered;
// transitions must be monotonic (see CanTransition).
type State int

const (
	Created State = iota
	Queued
	Claimed
	Running
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Queued:
		// "pending" is the wire vocabulary used by TaskStatus (§6.3); the
		// Go identifier follows the data model's "Queued" name instead
		// because the same state also covers wave-scheduling holdback in
		// the ephemeral dispatcher, which never serializes to the object
		// store.
		return "pending"
	case Claimed:
		return "claimed"
	case Running:
		return "running"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText lets State serialize as its string form in CBOR/JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses State from its string form.
func (s *State) UnmarshalText(text []byte) error {
	switch string(text) {
	case "created":
		*s = Created
	case "pending", "queued":
		*s = Queued
	case "claimed":
		*s = Claimed
	case "running":
		*s = Running
	case "completed":
		*s = Completed
	case "failed":
		*s = Failed
	default:
		*s = Created
	}
	return nil
}

// Terminal reports whether s is a terminal state (Completed or Failed).
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// rank gives each state its position in the monotonic order. Completed and
// Failed share the terminal rank: either is a valid successor of Running,
// but neither may transition into the other.
func rank(s State) int {
	switch s {
	case Created:
		return 0
	case Queued:
		return 1
	case Claimed:
		return 2
	case Running:
		return 3
	case Completed, Failed:
		return 4
	default:
		return -1
	}
}

// CanTransition reports whether moving from `from` to `to` is a legal,
// monotonic transition (I2). Terminal states accept no further
// transitions; regressions to an earlier rank are rejected.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	fr, tr := rank(from), rank(to)
	if fr < 0 || tr < 0 {
		return false
	}
	return tr > fr
}
