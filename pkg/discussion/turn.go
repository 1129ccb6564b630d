package discussion

import "time"

// Turn is one immutable speech act by the user or an agent. Turn IDs are
// assigned by the room's Context and strictly increase within a room;
// ordering across rooms is undefined.
type Turn struct {
	ID          int64     `json:"turn_id"`
	RoomID      string    `json:"room_id"`
	SpeakerID   string    `json:"speaker_id"` // agent ID or UserSpeakerID
	SpeakerName string    `json:"speaker_name"`
	Content     string    `json:"content"`
	Timestamp   time.Time `json:"timestamp"` // UTC

	// SVR carries the scoring snapshot that led to this turn, when the
	// speaker was selected by the decider.
	SVR []Tuple `json:"svr,omitempty"`

	// DecisionReason records why the decider picked this speaker.
	DecisionReason string `json:"decision_reason,omitempty"`
}

// IsUser reports whether the turn was spoken by the human user.
func (t Turn) IsUser() bool { return t.SpeakerID == UserSpeakerID }
