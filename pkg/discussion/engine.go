package discussion

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Engine fans the SVR computation out across all participants in parallel
// and aggregates the results under a global deadline. It also keeps the
// per-agent EWMA of realized value scores that feeds the history-performance
// factor.
type Engine struct {
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex
	history map[string]float64 // agentID → value EWMA
}

// ewmaAlpha is the smoothing factor for the history-performance EWMA.
const ewmaAlpha = 0.3

// NewEngine creates an Engine.
func NewEngine(cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		history: map[string]float64{},
	}
}

// Compute scores every participant of the view concurrently. It always
// returns exactly len(v.Participants) tuples, in participant order; agents
// whose computation misses the deadline yield a tuple with Err set. The
// call returns no later than the SVR deadline plus scheduling slack.
func (e *Engine) Compute(ctx context.Context, v View) []Tuple {
	deadline, cancel := context.WithTimeout(ctx, e.cfg.SVRDeadline)
	defer cancel()

	now := time.Now().UTC()
	results := make([]Tuple, len(v.Participants))

	var g errgroup.Group
	g.SetLimit(e.cfg.SVRParallelism)

	for i, spec := range v.Participants {
		g.Go(func() error {
			start := time.Now()
			done := make(chan Tuple, 1)
			go func() {
				done <- computeSVR(spec, v, e.historyFor(spec.ID), now, e.cfg)
			}()

			var t Tuple
			select {
			case t = <-done:
			case <-deadline.Done():
				t = Tuple{AgentID: spec.ID, Err: "timeout"}
			}
			t.LatencyMs = time.Since(start).Milliseconds()
			t.Ineligible = v.Degraded[spec.ID]
			results[i] = t
			return nil
		})
	}
	_ = g.Wait()

	e.updateHistory(results)
	return results
}

func (e *Engine) historyFor(agentID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.history[agentID]; ok {
		return h
	}
	return 0.5
}

func (e *Engine) updateHistory(tuples []Tuple) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range tuples {
		if !t.Valid() {
			continue
		}
		prev, ok := e.history[t.AgentID]
		if !ok {
			prev = 0.5
		}
		e.history[t.AgentID] = (1-ewmaAlpha)*prev + ewmaAlpha*t.Value
	}
}
