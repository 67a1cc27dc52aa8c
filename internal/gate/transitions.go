package gate

import "github.com/snehjoshi/queuegate/internal/types"

// transitions.go: admission cycle state transition rules.
//
//	IDLE ──(trigger match)──► QUEUING ──(inactive / entered)──► ENTERED
//	  ▲                          │  │                              │
//	  │                (queued)  │  └──(failure)──► ERROR          │
//	  │                          ▼                    │            │
//	  │                       QUEUED ──(failure)──────┘            │
//	  │                          │                                 │
//	  └──(redirect, release, leave, cancel, retry)─────────────────┘
//
// Bypass forces ENTERED from any state. A matching navigation from ENTERED
// starts a new cycle, as does a return from the waiting room while QUEUED.

// ValidTransition reports whether from → to is a legal state change.
//
// Every mutation of the machine state goes through transitionLocked, which
// refuses anything this function rejects.
func ValidTransition(from, to types.Status) bool {
	switch from {
	case types.StatusIdle:
		// IDLE → QUEUING on a matched trigger, → ENTERED only through bypass.
		return to == types.StatusQueuing || to == types.StatusEntered
	case types.StatusQueuing:
		// QUEUING can:
		//   → ENTERED: event inactive or admission granted
		//   → QUEUED: queue id received
		//   → ERROR: any admission failure
		//   → IDLE: redirect to the waiting room, leave or cancel
		return to == types.StatusEntered || to == types.StatusQueued ||
			to == types.StatusError || to == types.StatusIdle
	case types.StatusQueued:
		// QUEUED self-loops on position updates.
		return to == types.StatusQueued || to == types.StatusQueuing ||
			to == types.StatusError || to == types.StatusIdle || to == types.StatusEntered
	case types.StatusEntered:
		return to == types.StatusQueuing || to == types.StatusIdle
	case types.StatusError:
		// ERROR only leaves through retry or leave (→ IDLE) or bypass.
		return to == types.StatusIdle || to == types.StatusEntered
	}
	return false
}
