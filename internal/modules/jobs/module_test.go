package jobs

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nextconvert/fxstudio/internal/modules/chain"
	"github.com/nextconvert/fxstudio/internal/modules/media"
	"github.com/nextconvert/fxstudio/internal/shared/metrics"
)

type fakePlanner struct {
	dir  string
	mode string
	err  error
}

func (f fakePlanner) Plan(_ context.Context, id string, req media.RenderRequest) (*media.Plan, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := filepath.Join(f.dir, id+"."+string(req.OutputKind))
	return &media.Plan{
		OutputPath: out,
		Kind:       req.OutputKind,
		Args:       []string{"-test.run=^TestHelperProcess$", "--", f.mode, out},
		Compiled:   chain.CompiledChain{AudioFilter: "volume=2"},
		TotalMs:    2000,
	}, nil
}

type memoryStore struct {
	mu      sync.Mutex
	renders map[string]Render
	updates int
}

func newMemoryStore() *memoryStore {
	return &memoryStore{renders: make(map[string]Render)}
}

func (s *memoryStore) Create(_ context.Context, r *Render) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.renders[r.ID] = *r
	return nil
}

func (s *memoryStore) Update(_ context.Context, r *Render) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.renders[r.ID]; !ok {
		return ErrJobNotFound
	}
	s.renders[r.ID] = *r
	s.updates++
	return nil
}

func (s *memoryStore) Get(_ context.Context, id string) (*Render, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.renders[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return &r, nil
}

func (s *memoryStore) List(_ context.Context, _ int) ([]*Render, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Render
	for _, r := range s.renders {
		r := r
		out = append(out, &r)
	}
	return out, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	types []string
}

func (n *recordingNotifier) SendToJob(_ string, msgType string, _ interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.types = append(n.types, msgType)
	return nil
}

type fakePublisher struct{}

func (fakePublisher) Publish(_ context.Context, localPath string) (string, error) {
	return "output/" + filepath.Base(localPath), nil
}

type moduleFixture struct {
	module   *Module
	store    *memoryStore
	notifier *recordingNotifier
	metrics  *metrics.Metrics
}

func newModuleFixture(t *testing.T, planner Planner) moduleFixture {
	t.Helper()
	f := moduleFixture{
		store:    newMemoryStore(),
		notifier: &recordingNotifier{},
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	module, err := NewModule(ModuleConfig{
		Mode:      ModeInline,
		Planner:   planner,
		Manager:   newTestManager(t),
		Store:     f.store,
		Publisher: fakePublisher{},
		Notifier:  f.notifier,
		Metrics:   f.metrics,
		Logger:    zap.NewNop(),
	})
	require.NoError(t, err)
	f.module = module
	return f
}

func waitTerminal(t *testing.T, m *Module, id string) *Render {
	t.Helper()
	relay, err := m.Subscribe(context.Background(), id)
	require.NoError(t, err)
	events := drain(t, relay)
	require.NotEmpty(t, events)
	require.True(t, events[len(events)-1].Terminal())

	// The render record is updated before its event is fanned out.
	r, err := m.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

func TestModuleSubmit(t *testing.T) {
	f := newModuleFixture(t, fakePlanner{dir: t.TempDir(), mode: "success"})

	r, err := f.module.Submit(context.Background(), media.RenderRequest{Input: "clip.wav", OutputKind: media.KindWAV})
	require.NoError(t, err)
	assert.Equal(t, StateCreated, r.State)
	assert.Equal(t, "volume=2", r.Compiled.AudioFilter)

	done := waitTerminal(t, f.module, r.ID)
	assert.Equal(t, StateSucceeded, done.State)
	assert.Equal(t, 100.0, done.Percent)
	assert.Equal(t, "output/"+r.ID+".wav", done.OutputKey)
	assert.NotNil(t, done.StartedAt)

	stored, err := f.store.Get(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, stored.State)

	f.notifier.mu.Lock()
	assert.Contains(t, f.notifier.types, "render:complete")
	f.notifier.mu.Unlock()

	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.RendersTotal.WithLabelValues("succeeded")))
	assert.Equal(t, 0.0, testutil.ToFloat64(f.metrics.ActiveRenders))

	assert.ErrorIs(t, f.module.Cancel(context.Background(), r.ID), ErrJobFinished)
}

func TestModuleFailureIsRecorded(t *testing.T) {
	f := newModuleFixture(t, fakePlanner{dir: t.TempDir(), mode: "fail"})

	r, err := f.module.Submit(context.Background(), media.RenderRequest{Input: "clip.wav", OutputKind: media.KindWAV})
	require.NoError(t, err)

	done := waitTerminal(t, f.module, r.ID)
	assert.Equal(t, StateFailed, done.State)
	require.NotNil(t, done.Error)
	assert.Equal(t, CodeExecutionFailed, done.Error.Code)
	assert.Empty(t, done.OutputKey)
}

func TestModuleCancel(t *testing.T) {
	dir := t.TempDir()
	f := newModuleFixture(t, fakePlanner{dir: dir, mode: "hang"})

	r, err := f.module.Submit(context.Background(), media.RenderRequest{Input: "clip.wav", OutputKind: media.KindWAV})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		got, err := f.module.Get(context.Background(), r.ID)
		return err == nil && got.State == StateRunning
	}, 10*time.Second, 10*time.Millisecond)

	require.NoError(t, f.module.Cancel(context.Background(), r.ID))
	done := waitTerminal(t, f.module, r.ID)
	assert.Equal(t, StateCancelled, done.State)
	_, statErr := os.Stat(r.OutputPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestModulePlanningErrors(t *testing.T) {
	planErr := errors.New("unknown preset")
	f := newModuleFixture(t, fakePlanner{err: planErr})

	_, err := f.module.Submit(context.Background(), media.RenderRequest{Input: "clip.wav", OutputKind: media.KindWAV})
	assert.ErrorIs(t, err, planErr)
	assert.Empty(t, f.store.renders)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.CompilesTotal.WithLabelValues("rejected")))

	_, err = f.module.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = f.module.Subscribe(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, f.module.Cancel(context.Background(), "missing"), ErrJobNotFound)
}

func TestModuleSubscribeFromStore(t *testing.T) {
	store := newMemoryStore()
	finished := time.Now().UTC()
	store.renders["old"] = Render{Snapshot: Snapshot{
		ID: "old", State: StateFailed, FinishedAt: &finished,
		Error: &JobError{Code: CodeExecutionFailed, Message: "exit 1"},
	}}

	module, err := NewModule(ModuleConfig{
		Planner: fakePlanner{},
		Manager: NewManager(ManagerConfig{}, zap.NewNop()),
		Store:   store,
	})
	require.NoError(t, err)

	relay, err := module.Subscribe(context.Background(), "old")
	require.NoError(t, err)
	events := drain(t, relay)
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Type)
	assert.Equal(t, "exit 1", events[0].Message)
}

func TestNewModuleValidation(t *testing.T) {
	_, err := NewModule(ModuleConfig{Mode: ModeInline})
	assert.Error(t, err)
	_, err = NewModule(ModuleConfig{Mode: ModeQueue})
	assert.Error(t, err)
	_, err = NewModule(ModuleConfig{Mode: "cron", Manager: NewManager(ManagerConfig{}, zap.NewNop())})
	assert.Error(t, err)
}

func TestRenderTask(t *testing.T) {
	task, err := NewRenderTask(RenderPayload{RunSpec: RunSpec{ID: "abc", OutputPath: "/o.mp4"}})
	require.NoError(t, err)
	assert.Equal(t, TypeRender, task.Type())
	assert.Contains(t, string(task.Payload()), `"output_path":"/o.mp4"`)
}
