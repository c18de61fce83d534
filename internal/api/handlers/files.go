package handlers

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nextconvert/fxstudio/internal/modules/media"
	"github.com/nextconvert/fxstudio/internal/shared/storage"
)

// FileStore keeps uploaded inputs
type FileStore interface {
	Store(ctx context.Context, zone storage.Zone, originalName string, reader io.Reader) (*storage.FileInfo, error)
	ResolveInput(ctx context.Context, name string) (string, error)
}

// FileHandler handles uploads and input inspection
type FileHandler struct {
	files  FileStore
	prober media.MediaProber
	logger *zap.Logger
}

// NewFileHandler creates a new file handler
func NewFileHandler(files FileStore, prober media.MediaProber, logger *zap.Logger) *FileHandler {
	return &FileHandler{
		files:  files,
		prober: prober,
		logger: logger,
	}
}

// Upload stores the multipart "file" field in the upload zone. The returned name is
// what a render request passes as its input.
func (h *FileHandler) Upload(w http.ResponseWriter, r *http.Request) {
	file, header, err := r.FormFile("file")
	if err != nil {
		respondError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()

	info, err := h.files.Store(r.Context(), storage.ZoneUpload, header.Filename, file)
	if err != nil {
		respondDomainError(w, h.logger, "failed to store file", err)
		return
	}

	h.logger.Info("File uploaded",
		zap.String("name", info.Name),
		zap.String("original_name", header.Filename),
		zap.Int64("size", info.Size),
	)

	respondJSON(w, http.StatusCreated, info)
}

// Probe returns stream metadata for an uploaded file
func (h *FileHandler) Probe(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	path, err := h.files.ResolveInput(r.Context(), name)
	if err != nil {
		respondDomainError(w, h.logger, "failed to resolve file", err)
		return
	}

	info, err := h.prober.Probe(r.Context(), path)
	if err != nil {
		h.logger.Warn("Failed to probe file", zap.String("name", name), zap.Error(err))
		respondError(w, http.StatusUnprocessableEntity, "file could not be read as media")
		return
	}

	respondJSON(w, http.StatusOK, info)
}

// Formats lists the output kinds a render can produce
func (h *FileHandler) Formats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, media.SupportedFormats())
}
