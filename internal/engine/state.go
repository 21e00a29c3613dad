package engine

// State is a phase of a run.
type State string

const (
	StateIdle        State = "idle"
	StateResolving   State = "resolving"
	StateDownloading State = "downloading"
	StateApplying    State = "applying"
	StateFinalizing  State = "finalizing"
	StateCanceling   State = "canceling"
	StateDone        State = "done"
	StateRolledBack  State = "rolled-back"
	StateFailed      State = "failed"
)

// Terminal reports whether s ends a run.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateRolledBack, StateFailed:
		return true
	}
	return false
}

// Observer receives run progress. Calls come from the goroutine running the engine.
type Observer interface {
	StateChanged(state State)
	ComponentApplied(id string, done, total int)
}

type nopObserver struct{}

func (nopObserver) StateChanged(State)               {}
func (nopObserver) ComponentApplied(string, int, int) {}
