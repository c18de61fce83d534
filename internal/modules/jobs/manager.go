package jobs

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrJobFinished    = errors.New("job already finished")
	ErrJobExists      = errors.New("job id already in use")
	ErrOutputPathBusy = errors.New("output path is in use by a running job")
	ErrShuttingDown   = errors.New("manager is shutting down")
)

// BusyError names the job holding an output path.
type BusyError struct {
	OutputPath string
	JobID      string
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("output %s is being written by job %s", e.OutputPath, e.JobID)
}

func (e *BusyError) Unwrap() error { return ErrOutputPathBusy }

// EventSink receives every event of every job, in order per job. Sinks run on their own
// relay so a slow sink never stalls the process.
type EventSink func(e Event)

// ManagerConfig configures a Manager
type ManagerConfig struct {
	Job JobConfig
	// Retain is how many finished jobs stay queryable.
	Retain int
}

// Manager runs ffmpeg jobs and keeps an index of them.
type Manager struct {
	config ManagerConfig
	logger *zap.Logger

	mu       sync.Mutex
	jobs     map[string]*Job
	outputs  map[string]string
	finished []string
	sinks    []EventSink
	closing  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	onDrop func()
}

// NewManager creates a job manager
func NewManager(config ManagerConfig, logger *zap.Logger) *Manager {
	if config.Retain <= 0 {
		config.Retain = 500
	}
	config.Job = config.Job.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config:  config,
		logger:  logger,
		jobs:    make(map[string]*Job),
		outputs: make(map[string]string),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// AddSink registers a sink for jobs started afterwards.
func (m *Manager) AddSink(sink EventSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sinks = append(m.sinks, sink)
}

// OnDrop sets a hook called whenever a relay discards a Progress event.
func (m *Manager) OnDrop(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDrop = fn
}

// Run starts spec and returns immediately. Only admission errors are returned; spawn and
// execution failures arrive as the job's terminal event. Cancelling ctx cancels the job
// the same way Cancel does.
func (m *Manager) Run(ctx context.Context, spec RunSpec) (*Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}
	if spec.OutputPath == "" {
		return nil, errors.New("output path is required")
	}
	abs, err := filepath.Abs(spec.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output path: %w", err)
	}
	spec.OutputPath = abs

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if _, ok := m.jobs[spec.ID]; ok {
		m.mu.Unlock()
		return nil, ErrJobExists
	}
	if holder, ok := m.outputs[abs]; ok {
		m.mu.Unlock()
		return nil, &BusyError{OutputPath: abs, JobID: holder}
	}

	job := newJob(spec, m.config.Job, m.logger, m.onDrop)
	job.release = func() { m.releaseOutput(abs, spec.ID) }
	m.jobs[spec.ID] = job
	m.outputs[abs] = spec.ID
	sinks := append([]EventSink(nil), m.sinks...)
	m.wg.Add(1)
	m.mu.Unlock()

	if len(sinks) > 0 {
		relay := job.Subscribe()
		m.wg.Add(1)
		go m.feedSinks(relay, sinks)
	}

	stopWatch := context.AfterFunc(ctx, func() { job.Cancel() })
	job.start(m.ctx)

	go func() {
		defer m.wg.Done()
		<-job.Done()
		stopWatch()
		m.retire(spec.ID)
	}()

	return job, nil
}

func (m *Manager) feedSinks(relay *Relay, sinks []EventSink) {
	defer m.wg.Done()
	defer relay.Close()
	for {
		e, err := relay.Next(context.Background())
		if err != nil {
			return
		}
		for _, sink := range sinks {
			sink(e)
		}
	}
}

func (m *Manager) releaseOutput(path, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outputs[path] == id {
		delete(m.outputs, path)
	}
}

func (m *Manager) retire(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, id)
	for len(m.finished) > m.config.Retain {
		delete(m.jobs, m.finished[0])
		m.finished = m.finished[1:]
	}
}

// Get returns a job by id.
func (m *Manager) Get(id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// Subscribe attaches a relay to job id.
func (m *Manager) Subscribe(id string) (*Relay, error) {
	job, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return job.Subscribe(), nil
}

// Cancel stops job id. Cancelling a finished job returns ErrJobFinished and changes
// nothing.
func (m *Manager) Cancel(id string) error {
	job, err := m.Get(id)
	if err != nil {
		return err
	}
	if !job.Cancel() {
		return ErrJobFinished
	}
	return nil
}

// List returns snapshots of known jobs, newest first.
func (m *Manager) List() []Snapshot {
	m.mu.Lock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	out := make([]Snapshot, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.Snapshot())
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].ID < out[b].ID
		}
		return out[a].CreatedAt.After(out[b].CreatedAt)
	})
	return out
}

// Active returns the number of jobs still running.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outputs)
}

// Shutdown cancels every running job and waits for them to finish or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	jobs := make([]*Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()

	for _, j := range jobs {
		j.Cancel()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		return ctx.Err()
	}
}
