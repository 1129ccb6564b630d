package discussion

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// persister drains appended turns to durable storage off the turn loop.
// Writes never block the loop: enqueue is O(1) and the queue is unbounded,
// with the controller surfacing a degradation event once the backlog passes
// the configured cap.
type persister struct {
	roomID string
	store  TurnWriter
	logger *zap.Logger

	mu     sync.Mutex
	queue  []Turn
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

const (
	persistAttempts   = 3
	persistRetryDelay = 250 * time.Millisecond
)

func newPersister(roomID string, store TurnWriter, logger *zap.Logger) *persister {
	p := &persister{
		roomID: roomID,
		store:  store,
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if store == nil {
		close(p.done)
		return p
	}
	go p.run()
	return p
}

// enqueue queues a turn for writing and returns the backlog depth.
func (p *persister) enqueue(t Turn) int {
	if p.store == nil {
		return 0
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	p.queue = append(p.queue, t)
	n := len(p.queue)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return n
}

func (p *persister) lag() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// close stops intake and blocks until the backlog is flushed.
func (p *persister) close() {
	if p.store == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return
	}
	p.closed = true
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	<-p.done
}

func (p *persister) run() {
	defer close(p.done)
	for {
		p.mu.Lock()
		if len(p.queue) == 0 {
			if p.closed {
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
			<-p.wake
			continue
		}
		t := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()

		p.write(t)
	}
}

// write retries transient storage failures a few times, then drops the turn
// with an error log. The in-memory context remains the source of truth for
// the live session.
func (p *persister) write(t Turn) {
	var err error
	for attempt := 0; attempt < persistAttempts; attempt++ {
		if err = p.store.AppendTurn(p.roomID, t); err == nil {
			return
		}
		time.Sleep(persistRetryDelay)
	}
	p.logger.Error("turn write failed, dropping",
		zap.Int64("turn_id", t.ID),
		zap.Error(err))
}
