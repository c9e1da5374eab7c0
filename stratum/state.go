package stratum

import "sync/atomic"

// State is the connection's lifecycle state. It is monotone except for
// Failed, which is terminal alongside Disposed:
//
//	Initial -> Connecting -> Initializing -> Open -+-> Failed -> Disposed
//	                                                 -> Disposed
type State int32

const (
	StateInitial State = iota
	StateConnecting
	StateInitializing
	StateOpen
	StateFailed
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "Initial"
	case StateConnecting:
		return "Connecting"
	case StateInitializing:
		return "Initializing"
	case StateOpen:
		return "Open"
	case StateFailed:
		return "Failed"
	case StateDisposed:
		return "Disposed"
	default:
		return "Unknown"
	}
}

// lifecycle is the six-state machine as an atomic integer, per spec.md §9
// ("State as atomic integer"). Every transition but entering Disposed is a
// compare-and-set; Disposed must succeed unconditionally and exactly once,
// which callers enforce with a sync.Once around the call site rather than
// here, so that Dispose's other side effects (closing the stream, draining
// the coordinator) run exactly once too.
type lifecycle struct {
	state int32
}

func (l *lifecycle) load() State {
	return State(atomic.LoadInt32(&l.state))
}

func (l *lifecycle) cas(from, to State) bool {
	return atomic.CompareAndSwapInt32(&l.state, int32(from), int32(to))
}

func (l *lifecycle) set(to State) {
	atomic.StoreInt32(&l.state, int32(to))
}
