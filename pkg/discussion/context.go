package discussion

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
)

// Phase is the lifecycle state of a room's controller.
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseRunning  Phase = "running"
	PhasePaused   Phase = "paused"
	PhaseStopping Phase = "stopping"
	PhaseStopped  Phase = "stopped"
)

// legalTransition encodes the phase graph:
// Idle → Running → (Paused ⇄ Running)* → Stopping → Stopped.
func legalTransition(from, to Phase) bool {
	switch from {
	case PhaseIdle:
		return to == PhaseRunning || to == PhaseStopping
	case PhaseRunning:
		return to == PhasePaused || to == PhaseStopping
	case PhasePaused:
		return to == PhaseRunning || to == PhaseStopping
	case PhaseStopping:
		return to == PhaseStopped
	default:
		return false
	}
}

// Context is the per-room append-only turn log plus its primitive counters.
// A single controller goroutine is the only writer; the mutex exists so
// Snapshot can be taken from status queries without racing Append.
type Context struct {
	mu sync.RWMutex

	roomID       string
	turns        []Turn
	participants []AgentSpec

	phase           Phase
	round           int // agent turns since the last user turn
	nextTurnID      int64
	startedAt       time.Time
	lastUserInputAt time.Time
}

// NewContext creates a room context. preload seeds the log with turns
// recovered from storage; the next turn ID continues after them.
func NewContext(roomID string, participants []AgentSpec, preload []Turn) *Context {
	next := int64(1)
	if n := len(preload); n > 0 {
		next = preload[n-1].ID + 1
	}
	return &Context{
		roomID:       roomID,
		turns:        append([]Turn(nil), preload...),
		participants: append([]AgentSpec(nil), participants...),
		phase:        PhaseIdle,
		nextTurnID:   next,
		startedAt:    time.Now().UTC(),
	}
}

// Append assigns the next turn ID and appends the turn. The round counter
// resets to 0 on user turns and increments on agent turns. It returns an
// error only when the log's ordering invariant would be violated, which is
// fatal for the owning controller.
func (c *Context) Append(t Turn) (Turn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t.RoomID = c.roomID
	t.ID = c.nextTurnID
	now := time.Now().UTC()
	if n := len(c.turns); n > 0 {
		last := c.turns[n-1]
		if t.ID <= last.ID {
			return Turn{}, fmt.Errorf("discussion: non-monotonic turn id %d after %d", t.ID, last.ID)
		}
		// Wall clocks can step backwards; timestamps must not.
		if now.Before(last.Timestamp) {
			now = last.Timestamp
		}
	}
	t.Timestamp = now
	c.nextTurnID++
	c.turns = append(c.turns, t)

	if t.IsUser() {
		c.round = 0
		c.lastUserInputAt = now
	} else {
		c.round++
	}
	return t, nil
}

// Phase returns the current phase.
func (c *Context) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// setPhase applies a phase transition; illegal transitions are rejected.
func (c *Context) setPhase(to Phase) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !legalTransition(c.phase, to) {
		return fmt.Errorf("discussion: illegal phase transition %s → %s", c.phase, to)
	}
	c.phase = to
	return nil
}

// Snapshot returns a read-only view: shallow refs to the immutable turns
// plus copies of the primitive counters. Cheap to take once per tick.
func (c *Context) Snapshot() View {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return View{
		RoomID:          c.roomID,
		Turns:           c.turns[:len(c.turns):len(c.turns)],
		Participants:    c.participants,
		Phase:           c.phase,
		Round:           c.round,
		TotalTurns:      len(c.turns),
		StartedAt:       c.startedAt,
		LastUserInputAt: c.lastUserInputAt,
	}
}

// ---------------------------------------------------------------------------
// View and derived statistics
// ---------------------------------------------------------------------------

// View is a read-only snapshot of a room context. All derived statistics
// are deterministic functions of Turns.
type View struct {
	RoomID          string
	Turns           []Turn
	Participants    []AgentSpec
	Degraded        map[string]bool // agents ineligible for selection
	Phase           Phase
	Round           int
	TotalTurns      int
	StartedAt       time.Time
	LastUserInputAt time.Time
}

// RecentWindow returns the last k turns (fewer if the log is shorter).
func (v View) RecentWindow(k int) []Turn {
	if k <= 0 || len(v.Turns) == 0 {
		return nil
	}
	if k > len(v.Turns) {
		k = len(v.Turns)
	}
	return v.Turns[len(v.Turns)-k:]
}

// ParticipationStats returns, per agent, the fraction of the last w turns
// that agent spoke. Agents that never spoke in the window map to 0.
func (v View) ParticipationStats(w int) map[string]float64 {
	out := make(map[string]float64, len(v.Participants))
	for _, p := range v.Participants {
		out[p.ID] = 0
	}
	window := v.RecentWindow(w)
	if len(window) == 0 {
		return out
	}
	for _, t := range window {
		if !t.IsUser() {
			out[t.SpeakerID] += 1 / float64(len(window))
		}
	}
	return out
}

// ContentDigest returns the token multiset over the agent's last 3 turns.
func (v View) ContentDigest(agentID string) Digest {
	var texts []string
	for i := len(v.Turns) - 1; i >= 0 && len(texts) < 3; i-- {
		if v.Turns[i].SpeakerID == agentID {
			texts = append(texts, v.Turns[i].Content)
		}
	}
	return NewDigest(texts...)
}

// AgentTurns returns the agent's turns in log order.
func (v View) AgentTurns(agentID string) []Turn {
	var out []Turn
	for _, t := range v.Turns {
		if t.SpeakerID == agentID {
			out = append(out, t)
		}
	}
	return out
}

// AgentTurnCount returns how many turns were spoken by agents.
func (v View) AgentTurnCount() int {
	n := 0
	for _, t := range v.Turns {
		if !t.IsUser() {
			n++
		}
	}
	return n
}

// LastUserTurn returns the most recent user turn, if any.
func (v View) LastUserTurn() (Turn, bool) {
	for i := len(v.Turns) - 1; i >= 0; i-- {
		if v.Turns[i].IsUser() {
			return v.Turns[i], true
		}
	}
	return Turn{}, false
}

// SpeakerEntropy returns the normalized Shannon entropy of the agent-speaker
// distribution over the last w turns, in [0,1]. One dominant speaker yields
// a value near 0; an even spread yields 1.
func (v View) SpeakerEntropy(w int) float64 {
	counts := map[string]float64{}
	total := 0.0
	for _, t := range v.RecentWindow(w) {
		if !t.IsUser() {
			counts[t.SpeakerID]++
			total++
		}
	}
	if total == 0 || len(counts) < 2 {
		return 0
	}
	probs := make([]float64, 0, len(counts))
	for _, c := range counts {
		probs = append(probs, c/total)
	}
	h, err := stats.Entropy(probs)
	if err != nil {
		return 0
	}
	return clip(h / math.Log(float64(len(counts))))
}

// MeanTurnLength returns the mean content length, in runes, over all turns.
func (v View) MeanTurnLength() float64 {
	if len(v.Turns) == 0 {
		return 0
	}
	lengths := make([]float64, len(v.Turns))
	for i, t := range v.Turns {
		lengths[i] = float64(len([]rune(t.Content)))
	}
	m, err := stats.Mean(lengths)
	if err != nil {
		return 0
	}
	return m
}

// EstimateTokens is the crude chars/4 estimate used to bound prompt history.
func EstimateTokens(s string) int {
	return len(s)/4 + 1
}
