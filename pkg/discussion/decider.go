package discussion

import (
	"fmt"
	"time"

	"github.com/montanaflynn/stats"
)

// Action is the decider's verdict for one round.
type Action string

const (
	ActionContinue       Action = "continue"
	ActionStop           Action = "stop"
	ActionPause          Action = "pause"
	ActionRedirectToUser Action = "redirect_to_user"
)

// Stable decision reasons. These appear on events and in the turn log.
const (
	ReasonBudget          = "budget"
	ReasonConsensus       = "consensus"
	ReasonLowValue        = "low-value"
	ReasonTopScore        = "top-score"
	ReasonAllAgentsFailed = "all-agents-failed"
	ReasonNoEligibleAgent = "no-eligible-agent"
)

// Decision is the outcome of one SVR round.
type Decision struct {
	Action          Action  `json:"action"`
	SelectedAgentID string  `json:"selected_agent_id,omitempty"`
	Reason          string  `json:"reason"`
	RawScores       []Tuple `json:"raw_scores,omitempty"`
}

// Decide maps an aggregated SVR table to exactly one Decision. It is a pure
// function of its inputs: same tuples, view, time, and config always yield
// the same Decision. Rules are evaluated in order; the first match wins.
func Decide(tuples []Tuple, v View, now time.Time, cfg Config) Decision {
	cfg = cfg.withDefaults()

	// Rule 1: hard budget. The turn budget counts agent turns: a room with
	// MaxTurns=N grants the agents N utterances regardless of how often the
	// user interjects.
	if v.AgentTurnCount() >= cfg.MaxTurns || now.Sub(v.StartedAt) >= cfg.MaxDuration {
		return Decision{Action: ActionStop, Reason: ReasonBudget, RawScores: tuples}
	}

	valid := make([]Tuple, 0, len(tuples))
	for _, t := range tuples {
		if t.Valid() {
			valid = append(valid, t)
		}
	}

	// Every tuple errored: the round produced no signal at all.
	if len(tuples) > 0 && len(valid) == 0 {
		return Decision{Action: ActionPause, Reason: ReasonAllAgentsFailed, RawScores: tuples}
	}

	// Rule 2: consensus stop.
	if len(valid) > 0 && v.Round >= cfg.MinRoundsBeforeStop {
		stops := make([]float64, len(valid))
		for i, t := range valid {
			stops[i] = t.Stop
		}
		if mean, err := stats.Mean(stops); err == nil && mean >= cfg.StopThreshold {
			return Decision{
				Action:    ActionStop,
				Reason:    fmt.Sprintf("%s (mean stop %.2f ≥ %.2f)", ReasonConsensus, mean, cfg.StopThreshold),
				RawScores: tuples,
			}
		}
	}

	// Rule 3: quality floor.
	if len(valid) > 0 && v.Round >= cfg.MinRoundsBeforeStop {
		maxValue := 0.0
		for _, t := range valid {
			if t.Value > maxValue {
				maxValue = t.Value
			}
		}
		if maxValue < cfg.QualityFloor {
			return Decision{Action: ActionRedirectToUser, Reason: ReasonLowValue, RawScores: tuples}
		}
	}

	// Rule 4: continue with the best-scoring eligible agent.
	if best, ok := selectSpeaker(valid, v, cfg); ok {
		return Decision{
			Action:          ActionContinue,
			SelectedAgentID: best,
			Reason:          ReasonTopScore,
			RawScores:       tuples,
		}
	}

	// Valid scores exist but nobody is eligible (or nothing scored above
	// zero): hand the floor back to the user.
	return Decision{Action: ActionRedirectToUser, Reason: ReasonNoEligibleAgent, RawScores: tuples}
}

// selectSpeaker picks the eligible agent maximizing
// value · (1 − repeat) · (1 − 0.5·stop). Ties break on lowest recent
// participation, then on the lexicographically smaller agent ID.
func selectSpeaker(valid []Tuple, v View, cfg Config) (string, bool) {
	participation := v.ParticipationStats(cfg.ParticipationWindow)

	bestID := ""
	bestScore := 0.0
	bestPart := 0.0
	for _, t := range valid {
		if t.Ineligible {
			continue
		}
		score := t.Value * (1 - t.Repeat) * (1 - 0.5*t.Stop)
		if score <= 0 {
			continue
		}
		part := participation[t.AgentID]
		better := false
		switch {
		case bestID == "" || score > bestScore:
			better = true
		case score == bestScore && part < bestPart:
			better = true
		case score == bestScore && part == bestPart && t.AgentID < bestID:
			better = true
		}
		if better {
			bestID, bestScore, bestPart = t.AgentID, score, part
		}
	}
	return bestID, bestID != ""
}

// NextCandidates returns the eligible agents of a scored round in selection
// order (best first), excluding the given already-tried agents. The
// controller uses it to substitute speakers after a Think failure.
func NextCandidates(tuples []Tuple, v View, cfg Config, tried map[string]bool) []string {
	cfg = cfg.withDefaults()
	remaining := make([]Tuple, 0, len(tuples))
	for _, t := range tuples {
		if t.Valid() && !t.Ineligible && !tried[t.AgentID] {
			remaining = append(remaining, t)
		}
	}
	var order []string
	for {
		id, ok := selectSpeaker(remaining, v, cfg)
		if !ok {
			return order
		}
		order = append(order, id)
		next := remaining[:0]
		for _, t := range remaining {
			if t.AgentID != id {
				next = append(next, t)
			}
		}
		remaining = next
	}
}
