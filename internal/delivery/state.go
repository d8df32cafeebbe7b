package delivery

// State is a DeliveryJob lifecycle state.
type State string

const (
	StateQueued     State = "queued"
	StateDispatched State = "dispatched"
	StateSent       State = "sent"
	StateDelivered  State = "delivered"
	StateRead       State = "read"
	StateFailed     State = "failed"
	StateAbandoned  State = "abandoned"
)

// Outcome describes what happened to a requested transition.
type Outcome int

const (
	// Applied means the job moved to the requested state.
	Applied Outcome = iota
	// Duplicate means the job already is in the requested state.
	Duplicate
	// Stale means the request is older than the current state (e.g. a late
	// "sent" callback after "delivered"). No-op.
	Stale
	// Illegal means the edge does not exist. Never applied.
	Illegal
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Stale:
		return "stale"
	default:
		return "illegal"
	}
}

var edges = map[State][]State{
	StateQueued:     {StateDispatched, StateAbandoned},
	StateDispatched: {StateSent, StateFailed},
	StateSent:       {StateDelivered, StateRead, StateFailed},
	StateDelivered:  {StateRead},
	StateFailed:     {StateQueued, StateAbandoned},
}

// progress orders the forward path. Failed and Abandoned sit outside it.
var progress = map[State]int{
	StateQueued:     0,
	StateDispatched: 1,
	StateSent:       2,
	StateDelivered:  3,
	StateRead:       4,
}

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Classify decides the outcome of moving a job from one state to another.
func Classify(from, to State) Outcome {
	if from == to {
		return Duplicate
	}
	if CanTransition(from, to) {
		return Applied
	}
	// Callback-driven states arriving after the job moved further along.
	pf, okf := progress[from]
	pt, okt := progress[to]
	if okf && okt && pt < pf && pt >= progress[StateSent] {
		return Stale
	}
	return Illegal
}

// IsSuccess reports whether s counts as a successful delivery.
func (s State) IsSuccess() bool { return s == StateDelivered || s == StateRead }
