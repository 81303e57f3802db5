package cart

import "time"

// Phase is the lifecycle position of a cart session.
//
//	Uninitialized → Loading → Ready ⇄ Mutating → Ready
//	Ready → Cleared → Ready (after a successful order)
type Phase int

const (
	PhaseUninitialized Phase = iota
	PhaseLoading
	PhaseReady
	PhaseMutating
	PhaseCleared
)

func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseLoading:
		return "loading"
	case PhaseReady:
		return "ready"
	case PhaseMutating:
		return "mutating"
	case PhaseCleared:
		return "cleared"
	default:
		return "unknown"
	}
}

// MarshalText renders the phase by name in JSON payloads.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// NoticeKind classifies a user-visible, dismissible notification.
type NoticeKind string

const (
	NoticeRollback      NoticeKind = "rollback"
	NoticePartialMerge  NoticeKind = "partial_merge"
	NoticeRemoteFailure NoticeKind = "remote_failure"
)

// Notice is a transient message produced by background work, such as a
// debounced update that was rolled back after the caller already returned.
type Notice struct {
	Kind    NoticeKind `json:"kind"`
	Ref     string     `json:"ref,omitempty"`
	Message string     `json:"message"`
	At      time.Time  `json:"at"`
}

// State is a point-in-time snapshot of the cart. It shares no memory with the engine.
type State struct {
	Phase  Phase   `json:"phase"`
	Lines  []Line  `json:"lines"`
	Coupon *Coupon `json:"coupon,omitempty"`
	Totals Totals  `json:"totals"`
}

// Line returns the line addressed by ref, if present.
func (s State) Line(ref string) (Line, bool) {
	if idx := indexByRef(s.Lines, ref); idx >= 0 {
		return s.Lines[idx], true
	}
	return Line{}, false
}
