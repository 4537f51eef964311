package linking

// PairingState is the lifecycle state of a pairing code.
type PairingState string

const (
	PairingPending    PairingState = "pending"
	PairingConsumed   PairingState = "consumed"
	PairingExpired    PairingState = "expired"
	PairingSuperseded PairingState = "superseded"
)

var pairingTransitions = map[PairingState]map[PairingState]struct{}{
	PairingPending: {
		PairingConsumed:   {},
		PairingExpired:    {},
		PairingSuperseded: {},
	},
	PairingConsumed:   {},
	PairingExpired:    {},
	PairingSuperseded: {},
}

// CanTransition reports whether s may move to target.
func (s PairingState) CanTransition(target PairingState) bool {
	next, ok := pairingTransitions[s]
	if !ok {
		return false
	}
	_, ok = next[target]
	return ok
}

// IsTerminal reports whether no transition leaves s.
func (s PairingState) IsTerminal() bool {
	return len(pairingTransitions[s]) == 0
}

// confirmError is the error a confirm observes for a code in state s.
func (s PairingState) confirmError() error {
	switch s {
	case PairingConsumed:
		return ErrAlreadyConsumed
	case PairingExpired:
		return ErrExpired
	default:
		return ErrNotFound
	}
}
