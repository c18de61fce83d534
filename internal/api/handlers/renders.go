package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nextconvert/fxstudio/internal/modules/jobs"
	"github.com/nextconvert/fxstudio/internal/modules/media"
	"github.com/nextconvert/fxstudio/internal/shared/storage"
)

const (
	defaultListLimit  = 50
	maxListLimit      = 500
	heartbeatInterval = 15 * time.Second
	downloadURLExpiry = 15 * time.Minute
)

// RenderService is the part of the jobs module the API drives
type RenderService interface {
	Submit(ctx context.Context, req media.RenderRequest) (*jobs.Render, error)
	Get(ctx context.Context, id string) (*jobs.Render, error)
	List(ctx context.Context, limit int) ([]*jobs.Render, error)
	Subscribe(ctx context.Context, id string) (*jobs.Relay, error)
	Cancel(ctx context.Context, id string) error
}

// OutputSource serves finished renders
type OutputSource interface {
	Open(zone storage.Zone, name string) (*os.File, error)
	DownloadURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// RenderHandler handles render endpoints
type RenderHandler struct {
	renders RenderService
	outputs OutputSource
	logger  *zap.Logger
}

// NewRenderHandler creates a new render handler
func NewRenderHandler(renders RenderService, outputs OutputSource, logger *zap.Logger) *RenderHandler {
	return &RenderHandler{
		renders: renders,
		outputs: outputs,
		logger:  logger,
	}
}

// CreateRender plans and starts a render. Execution failures arrive on the event
// stream, not here.
func (h *RenderHandler) CreateRender(w http.ResponseWriter, r *http.Request) {
	var req media.RenderRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Input == "" {
		respondError(w, http.StatusBadRequest, "input is required")
		return
	}
	if req.OutputKind == "" {
		respondError(w, http.StatusBadRequest, "output_kind is required")
		return
	}

	render, err := h.renders.Submit(r.Context(), req)
	if err != nil {
		respondDomainError(w, h.logger, "failed to create render", err)
		return
	}

	h.logger.Info("Render created",
		zap.String("job_id", render.ID),
		zap.String("input", req.Input),
		zap.String("output_kind", string(req.OutputKind)),
		zap.Bool("preview", req.Preview),
	)

	w.Header().Set("Location", "/api/v1/renders/"+render.ID)
	respondJSON(w, http.StatusAccepted, render)
}

// ListRenders returns recent renders, newest first
func (h *RenderHandler) ListRenders(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	renders, err := h.renders.List(r.Context(), limit)
	if err != nil {
		respondDomainError(w, h.logger, "failed to list renders", err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"renders": renders,
	})
}

// GetRender returns one render
func (h *RenderHandler) GetRender(w http.ResponseWriter, r *http.Request) {
	render, err := h.renders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, h.logger, "failed to get render", err)
		return
	}
	respondJSON(w, http.StatusOK, render)
}

// CancelRender stops a render
func (h *RenderHandler) CancelRender(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.renders.Cancel(r.Context(), id); err != nil {
		respondDomainError(w, h.logger, "failed to cancel render", err)
		return
	}

	h.logger.Info("Render cancel requested", zap.String("job_id", id))
	respondJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": "cancelling",
	})
}

// StreamEvents writes a render's events as server-sent events until the terminal event
// or until the client goes away.
func (h *RenderHandler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	id := chi.URLParam(r, "id")
	relay, err := h.renders.Subscribe(r.Context(), id)
	if err != nil {
		respondDomainError(w, h.logger, "failed to subscribe to render", err)
		return
	}
	defer relay.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	events := relay.Events(ctx)
	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case e, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, e); err != nil {
				h.logger.Debug("Event stream closed", zap.String("job_id", id), zap.Error(err))
				return
			}
			flusher.Flush()
			if e.Terminal() {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, e jobs.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", e.Seq, e.Type, data)
	return err
}

// DownloadOutput serves a succeeded render's file, or redirects to remote storage
func (h *RenderHandler) DownloadOutput(w http.ResponseWriter, r *http.Request) {
	render, err := h.renders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondDomainError(w, h.logger, "failed to get render", err)
		return
	}
	if render.State != jobs.StateSucceeded {
		respondError(w, http.StatusConflict, "render has not succeeded")
		return
	}

	if render.OutputKey != "" && render.OutputKey != render.OutputPath {
		url, err := h.outputs.DownloadURL(r.Context(), render.OutputKey, downloadURLExpiry)
		if err != nil {
			respondDomainError(w, h.logger, "failed to sign download", err)
			return
		}
		if url != "" {
			http.Redirect(w, r, url, http.StatusFound)
			return
		}
	}

	name := filepath.Base(render.OutputPath)
	f, err := h.outputs.Open(storage.ZoneOutput, name)
	if err != nil {
		respondDomainError(w, h.logger, "failed to open output", err)
		return
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		respondDomainError(w, h.logger, "failed to stat output", err)
		return
	}

	if format, ok := media.LookupFormat(render.OutputKind); ok {
		w.Header().Set("Content-Type", format.MimeType)
	}
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeContent(w, r, name, info.ModTime(), f)
}
