// Package script provides a deterministic in-memory backend that plays back
// a fixed sequence of replies and failures. It backs the engine's tests and
// the server's dry-run mode, where no real model platform is configured.
package script

import (
	"context"
	"sync"
	"time"

	"github.com/colloquy-dev/colloquy/pkg/backend"
)

// Step is one scripted Think outcome. Exactly one of Text or Err is used.
type Step struct {
	Text  string
	Err   error
	Delay time.Duration // simulated latency before returning
}

// Backend replays its steps in order. After the script is exhausted it
// repeats the last step, so open-ended loops keep getting answers.
type Backend struct {
	mu    sync.Mutex
	name  string
	steps []Step
	calls int
}

// New creates a scripted backend. An empty script always returns an empty
// reply, which the controller treats as a transient failure.
func New(name string, steps ...Step) *Backend {
	if name == "" {
		name = "script"
	}
	return &Backend{name: name, steps: steps}
}

func (b *Backend) Name() string { return b.name }

// Calls returns how many Think calls the backend has served.
func (b *Backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *Backend) Think(ctx context.Context, _ backend.Request) (*backend.Result, error) {
	b.mu.Lock()
	idx := b.calls
	b.calls++
	var step Step
	if len(b.steps) > 0 {
		if idx >= len(b.steps) {
			idx = len(b.steps) - 1
		}
		step = b.steps[idx]
	}
	b.mu.Unlock()

	if step.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, backend.Wrap(backend.KindOf(ctx.Err()), "scripted think", ctx.Err())
		case <-time.After(step.Delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, backend.Wrap(backend.KindOf(err), "scripted think", err)
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return &backend.Result{
		Text:  step.Text,
		Usage: backend.Usage{Input: 1, Output: len(step.Text) / 4, TotalTokens: 1 + len(step.Text)/4},
	}, nil
}
