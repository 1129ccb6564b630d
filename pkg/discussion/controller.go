package discussion

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/colloquy-dev/colloquy/pkg/backend"
)

// ErrStopped is returned by controller operations after the session ended.
var ErrStopped = errors.New("discussion: controller stopped")

// TurnWriter persists turns durably. Implementations are called from the
// controller's async persister, never from the turn loop itself.
type TurnWriter interface {
	AppendTurn(roomID string, t Turn) error
}

// ControllerOptions configures a new Controller.
type ControllerOptions struct {
	RoomID       string
	Participants []AgentSpec

	// Backends maps agent ID → the backend that speaks for it.
	Backends map[string]backend.Backend

	// Store receives appended turns asynchronously. nil disables persistence.
	Store TurnWriter

	// Preload seeds the turn log with history recovered from storage.
	Preload []Turn

	Config Config
	Logger *zap.Logger
}

// Controller drives one room's discussion loop. It owns the room's Context
// and is the room's single writer: within a room only one of {scoring,
// deciding, thinking, appending, emitting} runs at a time.
type Controller struct {
	roomID    string
	sessionID string
	dctx      *Context
	cfg       Config
	logger    *zap.Logger
	backends  map[string]backend.Backend
	engine    *Engine
	specs     map[string]AgentSpec

	events chan Event
	cmds   chan command

	runCtx    context.Context
	cancelRun context.CancelFunc

	done    chan struct{}
	started bool

	// statusMu guards the fields below, which Status() reads from other
	// goroutines while the loop mutates them.
	statusMu     sync.Mutex
	degraded     map[string]bool
	permFailures map[string]int
	lastDecision *Decision

	persist *persister
}

// failedRoundDelay throttles re-scoring after a round where every attempted
// speaker failed, so a flapping backend cannot hot-loop the room.
const failedRoundDelay = 100 * time.Millisecond

type cmdKind int

const (
	cmdUserInput cmdKind = iota
	cmdPause
	cmdResume
	cmdStop
)

type command struct {
	kind cmdKind
	text string
	resp chan error
}

// NewController creates a controller for one room. Call Start to begin the
// session; the controller is Idle until then.
func NewController(opts ControllerOptions) *Controller {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config.withDefaults()
	logger = logger.With(zap.String("room_id", opts.RoomID))

	runCtx, cancel := context.WithCancel(context.Background())

	specs := make(map[string]AgentSpec, len(opts.Participants))
	for _, p := range opts.Participants {
		specs[p.ID] = p
	}

	return &Controller{
		roomID:       opts.RoomID,
		sessionID:    uuid.New().String()[:8],
		dctx:         NewContext(opts.RoomID, opts.Participants, opts.Preload),
		cfg:          cfg,
		logger:       logger,
		backends:     opts.Backends,
		engine:       NewEngine(cfg, logger),
		specs:        specs,
		events:       make(chan Event, 256),
		cmds:         make(chan command, 16),
		runCtx:       runCtx,
		cancelRun:    cancel,
		done:         make(chan struct{}),
		degraded:     map[string]bool{},
		permFailures: map[string]int{},
		persist:      newPersister(opts.RoomID, opts.Store, logger),
	}
}

// SessionID identifies this controller's session.
func (c *Controller) SessionID() string { return c.sessionID }

// Events returns the controller's outbound event stream. The channel is
// closed when the controller reaches Stopped.
func (c *Controller) Events() <-chan Event { return c.events }

// Done is closed when the controller reaches Stopped.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Phase returns the current phase.
func (c *Controller) Phase() Phase { return c.dctx.Phase() }

// History returns the room's turn log as of now. The in-memory log is ahead
// of (or equal to) the durable store, so live reads prefer it.
func (c *Controller) History() []Turn { return c.dctx.Snapshot().Turns }

// Start appends the initial user turn and launches the turn loop.
func (c *Controller) Start(initialInput string) error {
	if c.started {
		return errors.New("discussion: controller already started")
	}
	c.started = true

	if _, err := c.appendTurn(Turn{
		SpeakerID:   UserSpeakerID,
		SpeakerName: UserSpeakerID,
		Content:     initialInput,
	}); err != nil {
		return err
	}
	if err := c.transition(PhaseRunning, "user_input"); err != nil {
		return err
	}

	go c.run()
	return nil
}

// SendUserInput posts a user turn into the running session. The round
// counter resets and, if the room was paused or redirected, the loop
// resumes.
func (c *Controller) SendUserInput(ctx context.Context, text string) error {
	return c.send(ctx, command{kind: cmdUserInput, text: text})
}

// Pause suspends the loop after the current tick completes. An in-flight
// reply is still appended and emitted.
func (c *Controller) Pause(ctx context.Context) error {
	return c.send(ctx, command{kind: cmdPause})
}

// Resume continues a paused discussion from the current snapshot.
func (c *Controller) Resume(ctx context.Context) error {
	return c.send(ctx, command{kind: cmdResume})
}

// Stop ends the session. The in-flight Think, if any, is canceled; a reply
// that already landed is still appended (at most one extra turn).
func (c *Controller) Stop(ctx context.Context) error {
	c.cancelRun()
	err := c.send(ctx, command{kind: cmdStop})
	if errors.Is(err, ErrStopped) {
		return nil
	}
	return err
}

func (c *Controller) send(ctx context.Context, cmd command) error {
	cmd.resp = make(chan error, 1)
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.resp:
		return err
	case <-c.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status is a read-only snapshot of the controller's observable state.
type Status struct {
	RoomID       string    `json:"room_id"`
	SessionID    string    `json:"session_id"`
	Phase        Phase     `json:"phase"`
	Round        int       `json:"round"`
	TotalTurns   int       `json:"total_turns"`
	AgentTurns   int       `json:"agent_turns"`
	Degraded     []string  `json:"degraded_agents,omitempty"`
	LastDecision *Decision `json:"last_decision,omitempty"`
	PersistLag   int       `json:"persist_lag,omitempty"`
	StartedAt    time.Time `json:"started_at"`
}

// Status reports the controller's current state. Safe to call from any
// goroutine.
func (c *Controller) Status() Status {
	v := c.dctx.Snapshot()

	c.statusMu.Lock()
	var degraded []string
	for id := range c.degraded {
		degraded = append(degraded, id)
	}
	last := c.lastDecision
	c.statusMu.Unlock()
	sort.Strings(degraded)

	return Status{
		RoomID:       c.roomID,
		SessionID:    c.sessionID,
		Phase:        v.Phase,
		Round:        v.Round,
		TotalTurns:   v.TotalTurns,
		AgentTurns:   v.AgentTurnCount(),
		Degraded:     degraded,
		LastDecision: last,
		PersistLag:   c.persist.lag(),
		StartedAt:    v.StartedAt,
	}
}

// ---------------------------------------------------------------------------
// Turn loop
// ---------------------------------------------------------------------------

func (c *Controller) run() {
	defer close(c.done)
	defer close(c.events)
	defer c.persist.close()
	defer c.cancelRun()

	for {
		switch c.dctx.Phase() {
		case PhaseRunning:
			if c.drainCommands() {
				continue
			}
			if c.runCtx.Err() != nil {
				c.forceStopping("canceled")
				continue
			}
			c.tick()

		case PhasePaused:
			select {
			case cmd := <-c.cmds:
				c.handleCommand(cmd)
			case <-c.runCtx.Done():
				c.forceStopping("canceled")
			}

		case PhaseStopping:
			c.drainPendingResponses()
			if err := c.dctx.setPhase(PhaseStopped); err != nil {
				c.logger.Error("stop transition failed", zap.Error(err))
				return
			}
			c.emit(Event{Type: EventPhaseChanged, Phase: PhaseStopped})

		case PhaseStopped:
			return

		default: // Idle: Start was not called; nothing to do.
			return
		}
	}
}

// drainCommands handles every queued command without blocking. It returns
// true when a command changed phase or appended a turn, so the loop
// re-evaluates before scoring.
func (c *Controller) drainCommands() bool {
	handled := false
	for {
		select {
		case cmd := <-c.cmds:
			c.handleCommand(cmd)
			handled = true
		default:
			return handled
		}
	}
}

// drainPendingResponses fails every queued command during shutdown so no
// caller is left waiting.
func (c *Controller) drainPendingResponses() {
	for {
		select {
		case cmd := <-c.cmds:
			cmd.resp <- ErrStopped
		default:
			return
		}
	}
}

func (c *Controller) handleCommand(cmd command) {
	phase := c.dctx.Phase()
	var err error
	switch cmd.kind {
	case cmdUserInput:
		if phase == PhaseStopping || phase == PhaseStopped {
			err = ErrStopped
			break
		}
		_, err = c.appendTurn(Turn{
			SpeakerID:   UserSpeakerID,
			SpeakerName: UserSpeakerID,
			Content:     cmd.text,
		})
		if err == nil && phase == PhasePaused {
			err = c.transition(PhaseRunning, "user_input")
		}

	case cmdPause:
		if phase == PhaseRunning {
			err = c.transition(PhasePaused, "pause_command")
		}

	case cmdResume:
		if phase == PhasePaused {
			err = c.transition(PhaseRunning, "resume_command")
		}

	case cmdStop:
		if phase != PhaseStopping && phase != PhaseStopped {
			err = c.transition(PhaseStopping, "stop_command")
		}
	}
	cmd.resp <- err
}

// tick is one loop iteration: snapshot → SVR → decide → act.
func (c *Controller) tick() {
	v := c.snapshotView()

	tuples := c.engine.Compute(c.runCtx, v)
	c.emit(Event{Type: EventSVRComputed, Scores: tuples})

	d := Decide(tuples, v, time.Now().UTC(), c.cfg)
	c.statusMu.Lock()
	c.lastDecision = &d
	c.statusMu.Unlock()
	c.emit(Event{Type: EventDecisionMade, Decision: &d})

	switch d.Action {
	case ActionContinue:
		c.speak(v, tuples, d)
	case ActionStop:
		c.forceStopping(d.Reason)
	case ActionPause, ActionRedirectToUser:
		if err := c.transition(PhasePaused, d.Reason); err != nil {
			c.fatal(err)
		}
	}
}

// speak runs the Think half of a tick: call the selected agent, and on
// failure substitute the next-highest-scoring agents, at most
// MaxSubstitutions times.
func (c *Controller) speak(v View, tuples []Tuple, d Decision) {
	tried := map[string]bool{}
	agentID := d.SelectedAgentID

	for substitutions := 0; ; substitutions++ {
		tried[agentID] = true
		spec, ok := c.specs[agentID]
		if !ok {
			c.fatal(errors.New("discussion: decider selected unknown agent " + agentID))
			return
		}

		c.emit(Event{Type: EventTurnStarted, AgentID: spec.ID, AgentName: spec.Name})

		res, err := c.think(spec, v)
		if err == nil && strings.TrimSpace(res.Text) == "" {
			err = backend.Errorf(backend.KindTransient, "empty reply")
		}
		if err == nil {
			if _, aerr := c.appendTurn(Turn{
				SpeakerID:      spec.ID,
				SpeakerName:    spec.Name,
				Content:        res.Text,
				SVR:            tuples,
				DecisionReason: d.Reason,
			}); aerr != nil {
				c.fatal(aerr)
			}
			return
		}

		kind := backend.KindOf(err)
		c.emit(Event{
			Type:      EventTurnFailed,
			AgentID:   spec.ID,
			AgentName: spec.Name,
			Reason:    string(kind),
		})
		c.logger.Warn("think failed",
			zap.String("agent_id", spec.ID),
			zap.String("kind", string(kind)),
			zap.Error(err))

		switch kind {
		case backend.KindCanceled:
			// Stop in progress; the loop will observe it.
			return
		case backend.KindPermanent, backend.KindPolicyBlocked:
			c.recordPermanentFailure(spec.ID)
		}

		if substitutions >= c.cfg.MaxSubstitutions {
			time.Sleep(failedRoundDelay)
			return // round forfeited; the next tick re-scores
		}
		next := NextCandidates(tuples, v, c.cfg, c.excluded(tried))
		if len(next) == 0 {
			if err := c.transition(PhasePaused, ReasonAllAgentsFailed); err != nil {
				c.fatal(err)
			}
			return
		}
		agentID = next[0]
	}
}

// think calls the agent's backend with a bounded history window.
func (c *Controller) think(spec AgentSpec, v View) (*backend.Result, error) {
	b := c.backends[spec.ID]
	if b == nil {
		return nil, backend.Errorf(backend.KindPermanent, "no backend bound for agent %s", spec.ID)
	}

	ctx, cancel := context.WithTimeout(c.runCtx, c.cfg.ThinkTimeout)
	defer cancel()

	return b.Think(ctx, backend.Request{
		SystemPrompt: c.buildSystemPrompt(spec, v),
		History:      c.buildHistory(spec, v),
		Params:       spec.Params,
	})
}

// buildSystemPrompt frames the agent's persona inside the round-table.
func (c *Controller) buildSystemPrompt(spec AgentSpec, v View) string {
	var others []string
	for _, p := range v.Participants {
		if p.ID != spec.ID {
			others = append(others, p.Name)
		}
	}
	var sb strings.Builder
	sb.WriteString(spec.SystemPrompt)
	sb.WriteString("\n\nYou are ")
	sb.WriteString(spec.Name)
	if spec.Role != "" {
		sb.WriteString(" (")
		sb.WriteString(spec.Role)
		sb.WriteString(")")
	}
	sb.WriteString(", one voice in a round-table discussion")
	if len(others) > 0 {
		sb.WriteString(" with ")
		sb.WriteString(strings.Join(others, ", "))
	}
	sb.WriteString(".\nAdvance the discussion with a substantive contribution. ")
	sb.WriteString("Do not repeat points already made. Reply with your next contribution only.")
	return sb.String()
}

// buildHistory maps the recent turn window onto backend messages, bounded
// by both the turn window and the token budget, whichever is tighter.
func (c *Controller) buildHistory(spec AgentSpec, v View) []backend.Message {
	window := v.RecentWindow(c.cfg.HistoryWindow)

	budget := c.cfg.HistoryTokenBudget
	start := len(window)
	for start > 0 {
		cost := EstimateTokens(window[start-1].Content)
		if budget-cost < 0 {
			break
		}
		budget -= cost
		start--
	}
	window = window[start:]

	msgs := make([]backend.Message, 0, len(window))
	for _, t := range window {
		switch {
		case t.IsUser():
			msgs = append(msgs, backend.Message{Role: backend.RoleUser, Content: t.Content})
		case t.SpeakerID == spec.ID:
			msgs = append(msgs, backend.Message{Role: backend.RoleAssistant, Content: t.Content})
		default:
			msgs = append(msgs, backend.Message{
				Role:    backend.RoleUser,
				Name:    t.SpeakerName,
				Content: t.Content,
			})
		}
	}
	return msgs
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

func (c *Controller) snapshotView() View {
	v := c.dctx.Snapshot()
	c.statusMu.Lock()
	degraded := make(map[string]bool, len(c.degraded))
	for id := range c.degraded {
		degraded[id] = true
	}
	c.statusMu.Unlock()
	v.Degraded = degraded
	return v
}

// appendTurn appends to the context, emits the turn event, and enqueues the
// durable write. Emission strictly follows the append, so subscribers never
// observe a turn that is not in the log.
func (c *Controller) appendTurn(t Turn) (Turn, error) {
	appended, err := c.dctx.Append(t)
	if err != nil {
		return Turn{}, err
	}
	c.emit(Event{Type: EventTurnCompleted, Turn: &appended})

	lag := c.persist.enqueue(appended)
	if lag > c.cfg.PersistLagCap {
		c.emit(Event{Type: EventPersistenceDegraded, Lag: lag})
		c.logger.Warn("persistence lagging", zap.Int("lag", lag))
	}
	return appended, nil
}

func (c *Controller) recordPermanentFailure(agentID string) {
	c.statusMu.Lock()
	defer c.statusMu.Unlock()
	c.permFailures[agentID]++
	if c.permFailures[agentID] >= 2 && !c.degraded[agentID] {
		c.degraded[agentID] = true
		c.logger.Warn("agent degraded for the rest of the session",
			zap.String("agent_id", agentID))
	}
}

// excluded merges the degraded set into the agents already tried this round.
func (c *Controller) excluded(tried map[string]bool) map[string]bool {
	out := make(map[string]bool, len(tried))
	for id := range tried {
		out[id] = true
	}
	c.statusMu.Lock()
	for id := range c.degraded {
		out[id] = true
	}
	c.statusMu.Unlock()
	return out
}

func (c *Controller) transition(to Phase, reason string) error {
	if err := c.dctx.setPhase(to); err != nil {
		return err
	}
	c.emit(Event{Type: EventPhaseChanged, Phase: to, Reason: reason})
	c.logger.Info("phase changed",
		zap.String("phase", string(to)),
		zap.String("reason", reason))
	return nil
}

// forceStopping moves to Stopping from whatever phase the controller is in.
func (c *Controller) forceStopping(reason string) {
	if err := c.transition(PhaseStopping, reason); err != nil {
		c.logger.Error("stopping transition failed", zap.Error(err))
	}
}

// fatal handles an internal invariant violation: the controller is torn
// down, other rooms are unaffected.
func (c *Controller) fatal(err error) {
	c.logger.Error("internal invariant violation", zap.Error(err))
	c.forceStopping("internal")
}

func (c *Controller) emit(e Event) {
	e.RoomID = c.roomID
	e.Timestamp = time.Now().UTC()
	select {
	case c.events <- e:
	default:
		c.logger.Warn("event dropped, outbound queue full",
			zap.String("event", string(e.Type)))
	}
}
