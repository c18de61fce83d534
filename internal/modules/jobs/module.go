package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nextconvert/fxstudio/internal/modules/chain"
	"github.com/nextconvert/fxstudio/internal/modules/media"
	"github.com/nextconvert/fxstudio/internal/shared/metrics"
)

// Execution modes
const (
	ModeInline = "inline"
	ModeQueue  = "queue"
)

const persistInterval = time.Second

// Render is a job together with the request that produced it
type Render struct {
	Snapshot
	Input      string              `json:"input"`
	OutputKind media.OutputKind    `json:"output_kind"`
	Preview    bool                `json:"preview"`
	Compiled   chain.CompiledChain `json:"compiled"`
	OutputKey  string              `json:"output_key,omitempty"`
}

// Planner turns a render request into an ffmpeg invocation.
type Planner interface {
	Plan(ctx context.Context, id string, req media.RenderRequest) (*media.Plan, error)
}

// Publisher copies a finished output to its long-term home.
type Publisher interface {
	Publish(ctx context.Context, localPath string) (string, error)
}

// Notifier pushes messages to websocket subscribers of a job.
type Notifier interface {
	SendToJob(jobID string, msgType string, payload interface{}) error
}

// ModuleConfig wires the render service. Manager is required in inline mode; Queue and
// Bridge in queue mode. Store, Publisher, Notifier and Metrics are optional.
type ModuleConfig struct {
	Mode        string
	Planner     Planner
	Manager     *Manager
	Queue       *QueueClient
	Bridge      *EventBridge
	Store       Store
	Publisher   Publisher
	Notifier    Notifier
	Metrics     *metrics.Metrics
	RelayBuffer int
	Retain      int
	Logger      *zap.Logger
}

type renderEntry struct {
	render    Render
	events    *broadcaster
	persisted time.Time
}

// Module is the render service used by the API: it plans, dispatches and tracks renders.
type Module struct {
	config ModuleConfig
	logger *zap.Logger

	mu       sync.Mutex
	renders  map[string]*renderEntry
	finished []string
}

// NewModule creates a new jobs module
func NewModule(config ModuleConfig) (*Module, error) {
	if config.Mode == "" {
		config.Mode = ModeInline
	}
	if config.Retain <= 0 {
		config.Retain = 500
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	switch config.Mode {
	case ModeInline:
		if config.Manager == nil {
			return nil, errors.New("inline mode requires a manager")
		}
	case ModeQueue:
		if config.Queue == nil || config.Bridge == nil {
			return nil, errors.New("queue mode requires a queue client and an event bridge")
		}
	default:
		return nil, fmt.Errorf("unknown execution mode %q", config.Mode)
	}

	m := &Module{
		config:  config,
		logger:  config.Logger,
		renders: make(map[string]*renderEntry),
	}
	if config.Mode == ModeInline {
		config.Manager.AddSink(m.ingest)
		if config.Metrics != nil {
			config.Manager.OnDrop(config.Metrics.RecordRelayDrop)
		}
	}
	return m, nil
}

// Start relays worker events in queue mode. It returns when ctx is done.
func (m *Module) Start(ctx context.Context) error {
	if m.config.Mode != ModeQueue {
		<-ctx.Done()
		return nil
	}
	return m.config.Bridge.Listen(ctx, m.ingest)
}

// Submit plans req and starts or enqueues it. Planning errors are returned directly;
// anything after that arrives as events.
func (m *Module) Submit(ctx context.Context, req media.RenderRequest) (*Render, error) {
	id := uuid.New().String()

	plan, err := m.config.Planner.Plan(ctx, id, req)
	if m.config.Metrics != nil {
		m.config.Metrics.RecordCompile(err)
	}
	if err != nil {
		return nil, err
	}

	render := Render{
		Snapshot: Snapshot{
			ID:         id,
			State:      StateCreated,
			OutputPath: plan.OutputPath,
			TotalMs:    plan.TotalMs,
			CreatedAt:  time.Now().UTC(),
		},
		Input:      req.Input,
		OutputKind: plan.Kind,
		Preview:    req.Preview,
		Compiled:   plan.Compiled,
	}

	m.mu.Lock()
	for _, e := range m.renders {
		if e.render.OutputPath == plan.OutputPath && !e.render.State.Terminal() {
			m.mu.Unlock()
			return nil, &BusyError{OutputPath: plan.OutputPath, JobID: e.render.ID}
		}
	}
	entry := &renderEntry{
		render:    render,
		events:    newBroadcaster(id, m.config.RelayBuffer, m.dropHook()),
		persisted: time.Now(),
	}
	m.renders[id] = entry
	m.mu.Unlock()

	if m.config.Store != nil {
		if err := m.config.Store.Create(ctx, &render); err != nil {
			m.forget(id)
			return nil, fmt.Errorf("failed to save render: %w", err)
		}
	}
	if m.config.Metrics != nil {
		m.config.Metrics.RecordRenderQueued()
	}

	spec := RunSpec{ID: id, Args: plan.Args, OutputPath: plan.OutputPath, TotalMs: plan.TotalMs}
	switch m.config.Mode {
	case ModeQueue:
		_, err = m.config.Queue.EnqueueRender(RenderPayload{RunSpec: spec, Preview: req.Preview})
	default:
		// The render outlives the request that submitted it.
		_, err = m.config.Manager.Run(context.WithoutCancel(ctx), spec)
	}
	if err != nil {
		m.abandon(id, err)
		return nil, err
	}

	m.logger.Info("Render submitted",
		zap.String("job_id", id),
		zap.String("mode", m.config.Mode),
		zap.String("output_kind", string(plan.Kind)),
	)

	m.mu.Lock()
	out := entry.render
	m.mu.Unlock()
	return &out, nil
}

func (m *Module) dropHook() func() {
	if m.config.Metrics == nil {
		return nil
	}
	return m.config.Metrics.RecordRelayDrop
}

func (m *Module) forget(id string) {
	m.mu.Lock()
	delete(m.renders, id)
	m.mu.Unlock()
}

// abandon records a render that could not be dispatched.
func (m *Module) abandon(id string, cause error) {
	m.forget(id)
	if m.config.Metrics != nil {
		m.config.Metrics.RecordRenderFinished(string(StateFailed), false, 0)
	}
	if m.config.Store == nil {
		return
	}
	now := time.Now().UTC()
	r := &Render{Snapshot: Snapshot{
		ID: id, State: StateFailed, FinishedAt: &now,
		Error: &JobError{Code: CodeSpawnFailed, Message: cause.Error()},
	}}
	if err := m.config.Store.Update(context.Background(), r); err != nil {
		m.logger.Warn("Failed to record abandoned render", zap.String("job_id", id), zap.Error(err))
	}
}

// ingest applies one event to the render it belongs to and fans it out.
func (m *Module) ingest(e Event) {
	if e.Type == EventComplete && m.config.Publisher != nil {
		key, err := m.config.Publisher.Publish(context.Background(), e.OutputPath)
		if err != nil {
			m.logger.Error("Failed to publish output", zap.String("job_id", e.JobID), zap.Error(err))
		} else {
			m.mu.Lock()
			if entry, ok := m.renders[e.JobID]; ok {
				entry.render.OutputKey = key
			}
			m.mu.Unlock()
		}
	}

	m.mu.Lock()
	entry, ok := m.renders[e.JobID]
	if !ok {
		// Event for a render submitted by another API instance.
		entry = &renderEntry{
			render: Render{Snapshot: Snapshot{ID: e.JobID, State: StateCreated, CreatedAt: e.Time}},
			events: newBroadcaster(e.JobID, m.config.RelayBuffer, m.dropHook()),
		}
		m.renders[e.JobID] = entry
	}
	if entry.render.State.Terminal() {
		m.mu.Unlock()
		return
	}

	wasStarted := entry.render.StartedAt != nil
	persist := m.apply(&entry.render, e)
	if persist || time.Since(entry.persisted) >= persistInterval {
		entry.persisted = time.Now()
	} else {
		persist = false
	}
	snapshot := entry.render
	if e.Terminal() {
		m.retire(e.JobID)
	}
	m.mu.Unlock()

	if m.config.Notifier != nil {
		if err := m.config.Notifier.SendToJob(e.JobID, "render:"+string(e.Type), e); err != nil {
			m.logger.Debug("Failed to notify websocket clients", zap.String("job_id", e.JobID), zap.Error(err))
		}
	}

	if m.config.Metrics != nil {
		if e.Type == EventStatus && !wasStarted && snapshot.StartedAt != nil {
			m.config.Metrics.RecordRenderStarted()
		}
		if e.Terminal() {
			var took time.Duration
			if snapshot.StartedAt != nil && snapshot.FinishedAt != nil {
				took = snapshot.FinishedAt.Sub(*snapshot.StartedAt)
			}
			m.config.Metrics.RecordRenderFinished(string(snapshot.State), wasStarted, took)
		}
	}

	if persist && m.config.Store != nil {
		if err := m.config.Store.Update(context.Background(), &snapshot); err != nil {
			m.logger.Warn("Failed to persist render state", zap.String("job_id", e.JobID), zap.Error(err))
		}
	}

	entry.events.publish(e)
}

// apply folds e into r and reports whether the change must be persisted now.
func (m *Module) apply(r *Render, e Event) bool {
	at := e.Time
	if at.IsZero() {
		at = time.Now().UTC()
	}

	switch e.Type {
	case EventStatus:
		if e.Message == string(StateRunning) && r.StartedAt == nil {
			r.State = StateRunning
			r.StartedAt = &at
			return true
		}
		return false
	case EventProgress:
		r.Percent = e.Percent
		r.CurrentMs = e.CurrentMs
		if e.TotalMs > 0 {
			r.TotalMs = e.TotalMs
		}
		return false
	case EventComplete:
		r.State = StateSucceeded
		r.Percent = 100
		if e.OutputPath != "" {
			r.OutputPath = e.OutputPath
		}
		r.FinishedAt = &at
		return true
	case EventError:
		r.State = StateFailed
		if e.Code == CodeCancelled {
			r.State = StateCancelled
		}
		r.Error = &JobError{Code: e.Code, Message: e.Message}
		r.FinishedAt = &at
		return true
	}
	return false
}

// retire bounds the number of finished renders kept in memory. Callers hold m.mu.
func (m *Module) retire(id string) {
	m.finished = append(m.finished, id)
	for len(m.finished) > m.config.Retain {
		delete(m.renders, m.finished[0])
		m.finished = m.finished[1:]
	}
}

// Get returns a render by id
func (m *Module) Get(ctx context.Context, id string) (*Render, error) {
	m.mu.Lock()
	if entry, ok := m.renders[id]; ok {
		r := entry.render
		m.mu.Unlock()
		return &r, nil
	}
	m.mu.Unlock()

	if m.config.Store != nil {
		return m.config.Store.Get(ctx, id)
	}
	return nil, ErrJobNotFound
}

// List returns recent renders, newest first
func (m *Module) List(ctx context.Context, limit int) ([]*Render, error) {
	if m.config.Store != nil {
		return m.config.Store.List(ctx, limit)
	}

	m.mu.Lock()
	renders := make([]*Render, 0, len(m.renders))
	for _, entry := range m.renders {
		r := entry.render
		renders = append(renders, &r)
	}
	m.mu.Unlock()

	sort.Slice(renders, func(i, j int) bool {
		return renders[i].CreatedAt.After(renders[j].CreatedAt)
	})
	if limit > 0 && len(renders) > limit {
		renders = renders[:limit]
	}
	return renders, nil
}

// Subscribe attaches to a render's event stream. A finished render yields its
// terminal event only.
func (m *Module) Subscribe(ctx context.Context, id string) (*Relay, error) {
	m.mu.Lock()
	entry, ok := m.renders[id]
	m.mu.Unlock()
	if ok {
		return entry.events.subscribe(), nil
	}

	if m.config.Store == nil {
		return nil, ErrJobNotFound
	}
	r, err := m.config.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.State.Terminal() {
		// Running on a worker this instance has not heard from yet.
		m.mu.Lock()
		entry, ok = m.renders[id]
		if !ok {
			entry = &renderEntry{render: *r, events: newBroadcaster(id, m.config.RelayBuffer, m.dropHook())}
			m.renders[id] = entry
		}
		m.mu.Unlock()
		return entry.events.subscribe(), nil
	}

	return FinishedRelay(id, terminalEventFor(r)), nil
}

func terminalEventFor(r *Render) Event {
	at := time.Now().UTC()
	if r.FinishedAt != nil {
		at = *r.FinishedAt
	}
	if r.State == StateSucceeded {
		e := completeEvent(r.OutputPath)
		e.Time = at
		return e
	}
	e := errorEvent(CodeExecutionFailed, "render failed")
	if r.Error != nil {
		e = errorEvent(r.Error.Code, r.Error.Message)
	}
	e.Time = at
	return e
}

// Cancel stops a render. Finished renders return ErrJobFinished.
func (m *Module) Cancel(ctx context.Context, id string) error {
	r, err := m.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.State.Terminal() {
		return ErrJobFinished
	}

	if m.config.Mode == ModeQueue {
		if err := m.config.Bridge.RequestCancel(ctx, id); err != nil {
			return fmt.Errorf("failed to request cancellation: %w", err)
		}
		m.logger.Info("Cancellation requested", zap.String("job_id", id))
		return nil
	}
	return m.config.Manager.Cancel(id)
}
