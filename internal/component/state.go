package component

// State is a Component Manager's lifecycle state.
type State int

const (
	Disabled State = iota
	Uninitialized
	Initialized
	Started
)

func (s State) String() string {
	switch s {
	case Disabled:
		return "Disabled"
	case Uninitialized:
		return "Uninitialized"
	case Initialized:
		return "Initialized"
	case Started:
		return "Started"
	default:
		return "Unknown"
	}
}

// targetState implements T(enabled, initialized, allRequiredResolved) from
// the component design: the lifecycle state the component manager should be
// driven towards given its current enabled flag, whether init has run, and
// whether every required dependency currently resolves.
func targetState(enabled, initialized, allRequiredResolved bool) State {
	if !enabled {
		return Disabled
	}
	if allRequiredResolved {
		return Started
	}
	if initialized {
		return Initialized
	}
	return Uninitialized
}
