package jobs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// cancelAfter reports a render cancelled from the nth check onwards.
type cancelAfter struct {
	mu     sync.Mutex
	n      int
	checks int
}

func (c *cancelAfter) CancelRequested(context.Context, string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks++
	return c.checks >= c.n, nil
}

func TestHandleRender(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		m := newTestManager(t)
		spec := helperSpec(t, "success")
		spec.ID = "render-ok"
		h := NewHandler(HandlerConfig{Manager: m, Cancels: &cancelAfter{n: 100}, Logger: zap.NewNop()})

		task, err := NewRenderTask(RenderPayload{RunSpec: spec})
		require.NoError(t, err)
		require.NoError(t, h.HandleRender(context.Background(), task))
		assert.FileExists(t, spec.OutputPath)
	})

	t.Run("cancelled while queued never starts", func(t *testing.T) {
		m := newTestManager(t)
		spec := helperSpec(t, "success")
		spec.ID = "render-skipped"
		h := NewHandler(HandlerConfig{Manager: m, Cancels: &cancelAfter{n: 1}, Logger: zap.NewNop()})

		task, err := NewRenderTask(RenderPayload{RunSpec: spec})
		require.NoError(t, err)
		require.NoError(t, h.HandleRender(context.Background(), task))
		_, err = m.Get(spec.ID)
		assert.ErrorIs(t, err, ErrJobNotFound)
		assert.NoFileExists(t, spec.OutputPath)
	})

	t.Run("cancel racing the start is honoured", func(t *testing.T) {
		m := newTestManager(t)
		spec := helperSpec(t, "hang")
		spec.ID = "render-raced"
		h := NewHandler(HandlerConfig{Manager: m, Cancels: &cancelAfter{n: 2}, Logger: zap.NewNop()})

		task, err := NewRenderTask(RenderPayload{RunSpec: spec})
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		require.NoError(t, h.HandleRender(ctx, task))

		job, err := m.Get(spec.ID)
		require.NoError(t, err)
		assert.Equal(t, StateCancelled, job.Snapshot().State)
		assert.NoFileExists(t, spec.OutputPath)
	})

	t.Run("failure skips retry", func(t *testing.T) {
		m := newTestManager(t)
		spec := helperSpec(t, "fail")
		spec.ID = "render-failed"
		h := NewHandler(HandlerConfig{Manager: m, Logger: zap.NewNop()})

		task, err := NewRenderTask(RenderPayload{RunSpec: spec})
		require.NoError(t, err)
		assert.Error(t, h.HandleRender(context.Background(), task))
	})
}
