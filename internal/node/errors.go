package node

import "fmt"

// Kind is the internal error taxonomy of spec.md §7. The transport
// layer maps each Kind to an HTTP status; background retry loops
// never see these, since they swallow transport errors directly.
type Kind int

const (
	// KeyNotValid marks a PUT with an empty key.
	KeyNotValid Kind = iota
	// NotFound marks a GET that found neither a local nor a replica
	// value.
	NotFound
	// WrongSchemeVersion marks a GET where a replica is running ahead
	// of our scheme version; Version carries the replica's version.
	WrongSchemeVersion
	// BadRequest marks a causal GET whose fan-out deadline elapsed
	// before every shard peer answered (malformed client input such as
	// an unparseable clock is rejected by the transport before it
	// reaches the node) —
	// a silent replica might be holding a causally consistent version,
	// so the read fails closed rather than reconciling over a partial
	// set (spec.md §4.4, §7).
	BadRequest
	// PrepareRefused marks a reshardPrepare that arrived while another
	// reconfiguration was already in flight.
	PrepareRefused
	// SwitchRefused marks a reshardSwitch whose target version matches
	// neither the current nor the prepared scheme.
	SwitchRefused
	// MoveRejected marks a reshardMove for a scheme version this node
	// knows nothing about.
	MoveRejected
)

func (k Kind) String() string {
	switch k {
	case KeyNotValid:
		return "KeyNotValid"
	case NotFound:
		return "NotFound"
	case WrongSchemeVersion:
		return "WrongSchemeVersion"
	case BadRequest:
		return "BadRequest"
	case PrepareRefused:
		return "PrepareRefused"
	case SwitchRefused:
		return "SwitchRefused"
	case MoveRejected:
		return "MoveRejected"
	default:
		return "Unknown"
	}
}

// CoreError is the tagged result envelope's error half: every failure
// the node core returns carries a Kind the transport switches on,
// plus an optional SchemeVersion payload for WrongSchemeVersion and
// an optional wrapped cause for diagnostics.
type CoreError struct {
	Kind          Kind
	SchemeVersion int
	Cause         error
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("node: %s: %v", e.Kind, e.Cause)
	}
	return fmt.Sprintf("node: %s", e.Kind)
}

func (e *CoreError) Unwrap() error { return e.Cause }
