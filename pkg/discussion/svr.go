package discussion

import (
	"time"

	"github.com/montanaflynn/stats"
)

// Tuple is one agent's SVR score for one round. All three dimensions are in
// [0,1] when Err is empty. An errored tuple excludes the agent from
// selection for this round without failing the round.
type Tuple struct {
	AgentID   string  `json:"agent_id"`
	Stop      float64 `json:"stop"`
	Value     float64 `json:"value"`
	Repeat    float64 `json:"repeat"`
	LatencyMs int64   `json:"latency_ms"`
	Err       string  `json:"error,omitempty"`

	// Ineligible marks a degraded agent: its scores are still computed but
	// the decider will not select it.
	Ineligible bool `json:"ineligible,omitempty"`
}

// Valid reports whether the tuple carries usable scores.
func (t Tuple) Valid() bool { return t.Err == "" }

// computeSVR scores one agent against the current view. Pure CPU work,
// deterministic in (spec, view, historyPerf, now, cfg).
func computeSVR(spec AgentSpec, v View, historyPerf float64, now time.Time, cfg Config) Tuple {
	participation := v.ParticipationStats(cfg.ParticipationWindow)
	return Tuple{
		AgentID: spec.ID,
		Stop:    stopScore(spec, v, participation, now, cfg),
		Value:   valueScore(spec, v, historyPerf, cfg),
		Repeat:  repeatScore(spec, v, participation, cfg),
	}
}

// ---------------------------------------------------------------------------
// stop: should the discussion terminate, from this agent's standpoint?
// ---------------------------------------------------------------------------

func stopScore(spec AgentSpec, v View, participation map[string]float64, now time.Time, cfg Config) float64 {
	w := cfg.Weights

	// Consensus contribution: mean digest similarity between this agent's
	// recent content and every other agent's. High overlap means the
	// positions have converged.
	consensus := 0.0
	mine := v.ContentDigest(spec.ID)
	if len(mine) > 0 {
		var sims []float64
		for _, p := range v.Participants {
			if p.ID == spec.ID {
				continue
			}
			theirs := v.ContentDigest(p.ID)
			if len(theirs) == 0 {
				continue
			}
			sims = append(sims, Jaccard(mine, theirs))
		}
		if len(sims) > 0 {
			consensus, _ = stats.Mean(sims)
		}
	}

	softCap := 2 * len(v.Participants)
	if softCap < 6 {
		softCap = 6
	}
	saturation := clip(float64(v.Round) / float64(softCap))

	// Fatigue peaks once the agent holds 60% of the recent window.
	fatigue := clip(participation[spec.ID] / 0.6)

	globalStop := 1 - v.SpeakerEntropy(cfg.ParticipationWindow)

	timeFactor := clip(now.Sub(v.StartedAt).Seconds() / cfg.MaxDuration.Seconds())

	return clip(w.StopConsensus*consensus +
		w.StopSaturation*saturation +
		w.StopFatigue*fatigue +
		w.StopGlobal*globalStop +
		w.StopTime*timeFactor)
}

// ---------------------------------------------------------------------------
// value: expected benefit of letting this agent speak next
// ---------------------------------------------------------------------------

func valueScore(spec AgentSpec, v View, historyPerf float64, cfg Config) float64 {
	w := cfg.Weights

	quality := turnQuality(spec.ID, v)

	interaction := interactionPotential(spec.ID, v)

	relevance := 0.0
	if user, ok := v.LastUserTurn(); ok {
		relevance = Jaccard(
			NewDigest(spec.Role, spec.SystemPrompt),
			NewDigest(user.Content),
		)
	}

	return clip(w.ValueQuality*quality +
		w.ValueHistory*clip(historyPerf) +
		w.ValueInteraction*interaction +
		w.ValueRelevance*relevance)
}

// turnQuality scores the agent's recent turns on length, duplication, and
// novelty. An agent with no turns yet scores a neutral 0.5 so cold starts
// do not starve anyone.
func turnQuality(agentID string, v View) float64 {
	turns := v.AgentTurns(agentID)
	if len(turns) == 0 {
		return 0.5
	}
	if len(turns) > 3 {
		turns = turns[len(turns)-3:]
	}

	roomDigest := Digest{}
	for _, t := range v.Turns {
		if t.SpeakerID != agentID {
			roomDigest = roomDigest.Union(NewDigest(t.Content))
		}
	}

	var scores []float64
	for i, t := range turns {
		length := float64(len([]rune(t.Content)))
		lengthScore := 0.0
		switch {
		case length >= 40 && length <= 600:
			lengthScore = 1
		case length < 40:
			lengthScore = length / 40
		default:
			lengthScore = clip(1 - (length-600)/1200)
		}

		dupScore := 1.0
		if i > 0 {
			dupScore = 1 - NGramOverlap(t.Content, turns[i-1].Content, 3)
		}

		novel := 0.0
		d := NewDigest(t.Content)
		for tok := range d {
			if _, seen := roomDigest[tok]; !seen {
				novel++
			}
		}
		noveltyScore := 0.0
		if len(d) > 0 {
			noveltyScore = novel / float64(len(d))
		}

		scores = append(scores, (lengthScore+dupScore+noveltyScore)/3)
	}
	m, _ := stats.Mean(scores)
	return clip(m)
}

// interactionPotential is 1 when the agent has not spoken in the last
// |participants| turns and decays linearly the more recently it spoke.
func interactionPotential(agentID string, v View) float64 {
	n := len(v.Participants)
	if n == 0 {
		return 0
	}
	window := v.RecentWindow(n)
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].SpeakerID == agentID {
			// turnsAgo is 1 for the most recent turn.
			turnsAgo := len(window) - i
			return clip(float64(turnsAgo-1) / float64(n))
		}
	}
	return 1
}

// ---------------------------------------------------------------------------
// repeat: risk of restating what the agent or the room already said
// ---------------------------------------------------------------------------

func repeatScore(spec AgentSpec, v View, participation map[string]float64, cfg Config) float64 {
	w := cfg.Weights

	turns := v.AgentTurns(spec.ID)
	if len(turns) == 0 {
		return 0
	}
	last := turns[len(turns)-1]
	lastDigest := NewDigest(last.Content)

	selfSim := 0.0
	if len(turns) > 1 {
		prior := Digest{}
		for _, t := range turns[:len(turns)-1] {
			prior = prior.Union(NewDigest(t.Content))
		}
		selfSim = Jaccard(lastDigest, prior)
	}

	pattern := 0.0
	if len(turns) > 1 {
		pattern = NGramOverlap(last.Content, turns[len(turns)-2].Content, 3)
	}

	// Argument recycling: highest overlap with any earlier turn by anyone.
	recycling := 0.0
	for _, t := range v.Turns {
		if t.ID >= last.ID {
			break
		}
		if sim := Jaccard(lastDigest, NewDigest(t.Content)); sim > recycling {
			recycling = sim
		}
	}

	frequency := clip(participation[spec.ID])

	return clip(w.RepeatSelf*selfSim +
		w.RepeatPattern*pattern +
		w.RepeatRecycle*recycling +
		w.RepeatFrequency*frequency)
}
