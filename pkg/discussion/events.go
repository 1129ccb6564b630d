package discussion

import "time"

// EventType identifies a controller lifecycle event.
type EventType string

const (
	// One SVR pass finished for the current round.
	EventSVRComputed EventType = "svr_computed"

	// The decider produced its verdict for the current round.
	EventDecisionMade EventType = "decision_made"

	// The selected agent's Think call was issued.
	EventTurnStarted EventType = "turn_started"

	// A turn was appended to the room log. Emitted for agent and user turns.
	EventTurnCompleted EventType = "turn_completed"

	// The selected agent failed to produce a turn.
	EventTurnFailed EventType = "turn_failed"

	// The controller moved to a new phase.
	EventPhaseChanged EventType = "phase_changed"

	// Durable writes are lagging behind the turn log.
	EventPersistenceDegraded EventType = "persistence_degraded"
)

// Event carries one controller notification. Turn events reference a turn
// that is already appended to the room log; subscribers never observe a turn
// that is not in the log.
type Event struct {
	Type      EventType
	RoomID    string
	Timestamp time.Time

	// Set for turn_completed.
	Turn *Turn

	// Set for svr_computed.
	Scores []Tuple

	// Set for decision_made.
	Decision *Decision

	// Set for phase_changed.
	Phase Phase

	// Set for turn_started / turn_failed.
	AgentID   string
	AgentName string

	// Human-readable cause for phase changes, failures, and warnings.
	Reason string

	// Set for persistence_degraded: number of turns awaiting durable write.
	Lag int
}
