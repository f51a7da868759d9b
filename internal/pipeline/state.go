package pipeline

// State is the position of a stage in its generate-review cycle. The
// orchestrator folds pure transitions instead of mutating loop variables, so
// the legal paths through a stage are enumerable and testable on their own.
type State int

const (
	StatePending State = iota
	StateGenerating
	StateReviewing
	StateAccepted
	StateRejected
	StateExhausted
	StateFallback
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateGenerating:
		return "generating"
	case StateReviewing:
		return "reviewing"
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	case StateExhausted:
		return "exhausted"
	case StateFallback:
		return "fallback"
	}
	return "unknown"
}

type Event int

const (
	EventStart Event = iota
	EventGenerated
	EventGenerateFailed
	EventAccepted
	EventRejected
	EventRetry
	EventExhausted
	EventFallback
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventGenerated:
		return "generated"
	case EventGenerateFailed:
		return "generate-failed"
	case EventAccepted:
		return "accepted"
	case EventRejected:
		return "rejected"
	case EventRetry:
		return "retry"
	case EventExhausted:
		return "exhausted"
	case EventFallback:
		return "fallback"
	}
	return "unknown"
}

// Next returns the state after applying ev. Events that are not legal in the
// current state leave it unchanged.
func Next(s State, ev Event) State {
	switch s {
	case StatePending:
		if ev == EventStart {
			return StateGenerating
		}
	case StateGenerating:
		switch ev {
		case EventGenerated:
			return StateReviewing
		case EventGenerateFailed:
			return StateRejected
		}
	case StateReviewing:
		switch ev {
		case EventAccepted:
			return StateAccepted
		case EventRejected:
			return StateRejected
		}
	case StateRejected:
		switch ev {
		case EventRetry:
			return StateGenerating
		case EventExhausted:
			return StateExhausted
		}
	case StateExhausted:
		if ev == EventFallback {
			return StateFallback
		}
	}
	return s
}

// Terminal reports whether the stage can make no further progress.
func (s State) Terminal() bool {
	return s == StateAccepted || s == StateFallback
}
