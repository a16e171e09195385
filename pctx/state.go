package pctx

// State is a Context's connection lifecycle state (spec.md §4.1),
// grounded on PinosContextState in original_source/pinos/client/
// context.c.
type State int

const (
	StateUnconnected State = iota
	StateConnecting
	StateRegistering
	StateReady
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "Unconnected"
	case StateConnecting:
		return "Connecting"
	case StateRegistering:
		return "Registering"
	case StateReady:
		return "Ready"
	case StateError:
		return "Error"
	default:
		return "Invalid"
	}
}

// states lists every State, for metrics.Set.SetState's exclusive gauge
// reset.
var states = []string{
	StateUnconnected.String(),
	StateConnecting.String(),
	StateRegistering.String(),
	StateReady.String(),
	StateError.String(),
}
