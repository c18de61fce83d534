package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/nextconvert/fxstudio/internal/shared/storage"
)

// Cleaner removes expired files from a storage zone
type Cleaner interface {
	Cleanup(ctx context.Context, zone storage.Zone, cutoff time.Time) (int, error)
}

// HandlerConfig contains dependencies for the job handler
type HandlerConfig struct {
	Manager *Manager
	Bridge  *EventBridge
	// Cancels defaults to Bridge.
	Cancels CancelChecker
	Storage Cleaner
	Logger  *zap.Logger
}

// Handler executes queued tasks on a worker
type Handler struct {
	manager *Manager
	bridge  *EventBridge
	cancels CancelChecker
	storage Cleaner
	logger  *zap.Logger
}

// NewHandler creates a new job handler
func NewHandler(cfg HandlerConfig) *Handler {
	h := &Handler{
		manager: cfg.Manager,
		bridge:  cfg.Bridge,
		cancels: cfg.Cancels,
		storage: cfg.Storage,
		logger:  cfg.Logger,
	}
	if h.cancels == nil && cfg.Bridge != nil {
		h.cancels = cfg.Bridge
	}
	return h
}

// HandleRender runs one render task to completion. Its events reach the API server
// through the manager's bridge sink.
func (h *Handler) HandleRender(ctx context.Context, task *asynq.Task) error {
	var payload RenderPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}

	logger := h.logger.With(zap.String("job_id", payload.ID))
	logger.Info("Processing render", zap.String("output", payload.OutputPath))

	if h.cancelRequested(ctx, payload.ID) {
		logger.Info("Render was cancelled while queued")
		h.publish(ctx, payload.ID, errorEvent(CodeCancelled, "render cancelled"))
		return nil
	}

	job, err := h.manager.Run(ctx, payload.RunSpec)
	if err != nil {
		logger.Error("Render rejected", zap.Error(err))
		h.publish(ctx, payload.ID, errorEvent(CodeSpawnFailed, err.Error()))
		return fmt.Errorf("render %s rejected: %v: %w", payload.ID, err, asynq.SkipRetry)
	}
	// A cancel published before Run registered the job found nothing to stop.
	if h.cancelRequested(ctx, payload.ID) {
		job.Cancel()
	}

	snap, err := job.Wait(ctx)
	if err != nil {
		// Worker shutdown or task timeout.
		job.Cancel()
		<-job.Done()
		snap = job.Snapshot()
	}

	switch snap.State {
	case StateSucceeded, StateCancelled:
		logger.Info("Render finished", zap.String("state", string(snap.State)))
		return nil
	default:
		reason := "unknown error"
		if snap.Error != nil {
			reason = snap.Error.Code
		}
		return fmt.Errorf("render %s failed (%s): %w", payload.ID, reason, asynq.SkipRetry)
	}
}

// CancelChecker reports whether a render was cancelled through the API.
type CancelChecker interface {
	CancelRequested(ctx context.Context, id string) (bool, error)
}

func (h *Handler) cancelRequested(ctx context.Context, id string) bool {
	if h.cancels == nil {
		return false
	}
	cancelled, err := h.cancels.CancelRequested(ctx, id)
	if err != nil {
		h.logger.Warn("Failed to check cancellation", zap.String("job_id", id), zap.Error(err))
		return false
	}
	return cancelled
}

// publish reports an event for a job that never reached the manager.
func (h *Handler) publish(ctx context.Context, id string, e Event) {
	if h.bridge == nil {
		return
	}
	e.JobID = id
	e.Seq = 1
	e.Time = time.Now().UTC()
	if err := h.bridge.Publish(ctx, e); err != nil {
		h.logger.Error("Failed to publish render event", zap.String("job_id", id), zap.Error(err))
	}
}

// HandleCleanupFiles handles file cleanup tasks
func (h *Handler) HandleCleanupFiles(ctx context.Context, task *asynq.Task) error {
	var payload CleanupPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	if h.storage == nil {
		return errors.New("no storage configured for cleanup")
	}

	cutoff := time.Now().Add(-time.Duration(payload.MaxAge) * time.Second)
	removed, err := h.storage.Cleanup(ctx, storage.Zone(payload.Zone), cutoff)
	if err != nil {
		return err
	}

	h.logger.Info("Cleaned up files",
		zap.String("zone", payload.Zone),
		zap.Int("removed", removed),
	)
	return nil
}

// ListenForCancels forwards cancellation requests to the local manager until ctx ends.
func (h *Handler) ListenForCancels(ctx context.Context) error {
	if h.bridge == nil {
		return nil
	}
	return h.bridge.ListenCancels(ctx, func(id string) {
		if err := h.manager.Cancel(id); err != nil && !errors.Is(err, ErrJobNotFound) {
			h.logger.Debug("Cancel request ignored", zap.String("job_id", id), zap.Error(err))
		}
	})
}
