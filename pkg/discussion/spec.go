// Package discussion implements the multi-agent discussion engine: the
// per-room turn log, the parallel SVR (stop / value / repeat) scoring pass,
// the decision rule that picks the next speaker, the per-room controller
// state machine, and the manager that owns one controller per active room.
package discussion

import "github.com/colloquy-dev/colloquy/pkg/backend"

// UserSpeakerID is the reserved speaker ID for human turns.
const UserSpeakerID = "user"

// AgentSpec is the immutable descriptor of one discussion participant.
// Created when a room is created and never mutated afterwards.
type AgentSpec struct {
	ID           string         `json:"agent_id"`
	Name         string         `json:"display_name"`
	Role         string         `json:"role"`
	SystemPrompt string         `json:"system_prompt"`
	Platform     string         `json:"platform"`
	Model        string         `json:"model"`
	Params       backend.Params `json:"params,omitempty"`
}
