package discussion

import "time"

// Config holds every tunable of the engine in one record. Loaders produce
// this once at startup; the engine never re-reads configuration at runtime.
// The zero value is usable: withDefaults fills in every unset field.
type Config struct {
	// ThinkTimeout bounds a single backend Think call.
	ThinkTimeout time.Duration `yaml:"think_timeout" json:"think_timeout,omitempty"`

	// SVRDeadline bounds one parallel SVR pass across all participants.
	SVRDeadline time.Duration `yaml:"svr_deadline" json:"svr_deadline,omitempty"`

	// MaxDuration bounds a discussion session's wall-clock time.
	MaxDuration time.Duration `yaml:"max_duration" json:"max_duration,omitempty"`

	// MaxTurns bounds the total number of turns in a room.
	MaxTurns int `yaml:"max_turns" json:"max_turns,omitempty"`

	// ShutdownGrace is how long process shutdown waits for each controller
	// to reach Stopped.
	ShutdownGrace time.Duration `yaml:"shutdown_grace" json:"shutdown_grace,omitempty"`

	// StopThreshold is the mean stop score at which the discussion ends by
	// consensus. This is the only place the threshold is declared.
	StopThreshold float64 `yaml:"stop_threshold" json:"stop_threshold,omitempty"`

	// QualityFloor: when no agent's value score reaches it, the discussion
	// is redirected back to the user.
	QualityFloor float64 `yaml:"quality_floor" json:"quality_floor,omitempty"`

	// MinRoundsBeforeStop gates the consensus-stop and quality-floor rules.
	MinRoundsBeforeStop int `yaml:"min_rounds_before_stop" json:"min_rounds_before_stop,omitempty"`

	// HistoryWindow caps how many recent turns are sent to a backend.
	HistoryWindow int `yaml:"history_window" json:"history_window,omitempty"`

	// HistoryTokenBudget caps the estimated token size of that history;
	// the tighter of the two limits wins.
	HistoryTokenBudget int `yaml:"history_token_budget" json:"history_token_budget,omitempty"`

	// ParticipationWindow is the number of recent turns over which
	// participation ratios, fatigue, and speaker entropy are measured.
	ParticipationWindow int `yaml:"participation_window" json:"participation_window,omitempty"`

	// MaxSubstitutions is how many replacement speakers may be tried in one
	// round after the selected agent fails.
	MaxSubstitutions int `yaml:"max_substitutions" json:"max_substitutions,omitempty"`

	// PersistLagCap: when more than this many turns await durable write,
	// the controller emits a persistence_degraded warning.
	PersistLagCap int `yaml:"persist_lag_cap" json:"persist_lag_cap,omitempty"`

	// SVRParallelism bounds concurrent per-agent SVR computations.
	SVRParallelism int `yaml:"svr_parallelism" json:"svr_parallelism,omitempty"`

	// Weights of the individual SVR factors.
	Weights Weights `yaml:"weights" json:"weights,omitempty"`
}

// Weights are the factor weights of the three SVR dimensions. Each group
// should sum to 1; scores are clipped to [0,1] regardless.
type Weights struct {
	StopConsensus  float64 `yaml:"stop_consensus" json:"stop_consensus,omitempty"`
	StopSaturation float64 `yaml:"stop_saturation" json:"stop_saturation,omitempty"`
	StopFatigue    float64 `yaml:"stop_fatigue" json:"stop_fatigue,omitempty"`
	StopGlobal     float64 `yaml:"stop_global" json:"stop_global,omitempty"`
	StopTime       float64 `yaml:"stop_time" json:"stop_time,omitempty"`

	ValueQuality     float64 `yaml:"value_quality" json:"value_quality,omitempty"`
	ValueHistory     float64 `yaml:"value_history" json:"value_history,omitempty"`
	ValueInteraction float64 `yaml:"value_interaction" json:"value_interaction,omitempty"`
	ValueRelevance   float64 `yaml:"value_relevance" json:"value_relevance,omitempty"`

	RepeatSelf      float64 `yaml:"repeat_self" json:"repeat_self,omitempty"`
	RepeatPattern   float64 `yaml:"repeat_pattern" json:"repeat_pattern,omitempty"`
	RepeatRecycle   float64 `yaml:"repeat_recycle" json:"repeat_recycle,omitempty"`
	RepeatFrequency float64 `yaml:"repeat_frequency" json:"repeat_frequency,omitempty"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		ThinkTimeout:        30 * time.Second,
		SVRDeadline:         1500 * time.Millisecond,
		MaxDuration:         time.Hour,
		MaxTurns:            50,
		ShutdownGrace:       5 * time.Second,
		StopThreshold:       0.80,
		QualityFloor:        0.20,
		MinRoundsBeforeStop: 2,
		HistoryWindow:       40,
		HistoryTokenBudget:  8000,
		ParticipationWindow: 10,
		MaxSubstitutions:    2,
		PersistLagCap:       200,
		SVRParallelism:      8,
		Weights:             DefaultWeights(),
	}
}

// DefaultWeights returns the reconciled default factor weights.
func DefaultWeights() Weights {
	return Weights{
		StopConsensus:  0.30,
		StopSaturation: 0.25,
		StopFatigue:    0.15,
		StopGlobal:     0.20,
		StopTime:       0.10,

		ValueQuality:     0.35,
		ValueHistory:     0.25,
		ValueInteraction: 0.25,
		ValueRelevance:   0.15,

		RepeatSelf:      0.40,
		RepeatPattern:   0.25,
		RepeatRecycle:   0.20,
		RepeatFrequency: 0.15,
	}
}

// withDefaults fills zero durations, windows, and weights from
// DefaultConfig. MaxTurns is deliberately left alone: 0 is a legal budget
// (the controller stops immediately), so callers start from DefaultConfig()
// rather than the zero value.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ThinkTimeout == 0 {
		c.ThinkTimeout = d.ThinkTimeout
	}
	if c.SVRDeadline == 0 {
		c.SVRDeadline = d.SVRDeadline
	}
	if c.MaxDuration == 0 {
		c.MaxDuration = d.MaxDuration
	}
	if c.ShutdownGrace == 0 {
		c.ShutdownGrace = d.ShutdownGrace
	}
	if c.StopThreshold == 0 {
		c.StopThreshold = d.StopThreshold
	}
	if c.QualityFloor == 0 {
		c.QualityFloor = d.QualityFloor
	}
	if c.MinRoundsBeforeStop == 0 {
		c.MinRoundsBeforeStop = d.MinRoundsBeforeStop
	}
	if c.HistoryWindow == 0 {
		c.HistoryWindow = d.HistoryWindow
	}
	if c.HistoryTokenBudget == 0 {
		c.HistoryTokenBudget = d.HistoryTokenBudget
	}
	if c.ParticipationWindow == 0 {
		c.ParticipationWindow = d.ParticipationWindow
	}
	if c.MaxSubstitutions == 0 {
		c.MaxSubstitutions = d.MaxSubstitutions
	}
	if c.PersistLagCap == 0 {
		c.PersistLagCap = d.PersistLagCap
	}
	if c.SVRParallelism == 0 {
		c.SVRParallelism = d.SVRParallelism
	}
	if c.Weights == (Weights{}) {
		c.Weights = d.Weights
	}
	return c
}
