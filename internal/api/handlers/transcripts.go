package handlers

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/nextconvert/fxstudio/internal/modules/media"
	"github.com/nextconvert/fxstudio/internal/shared/storage"
)

// Transcriber extracts embedded subtitles
type Transcriber interface {
	Extract(ctx context.Context, path, lang string) (*media.Transcript, error)
}

// TranscriptHandler serves subtitle text pulled from uploaded files
type TranscriptHandler struct {
	files       FileStore
	transcriber Transcriber
	logger      *zap.Logger
}

// NewTranscriptHandler creates a new transcript handler
func NewTranscriptHandler(files FileStore, transcriber Transcriber, logger *zap.Logger) *TranscriptHandler {
	return &TranscriptHandler{files: files, transcriber: transcriber, logger: logger}
}

// TranscriptResponse is the JSON form of an extracted transcript
type TranscriptResponse struct {
	*media.Transcript
	Text string            `json:"text"`
	File *storage.FileInfo `json:"file,omitempty"`
}

// GetTranscript returns the subtitles of an upload as JSON cues, SubRip (format=srt)
// or plain text (format=text). lang picks the stream and defaults to "en".
func (h *TranscriptHandler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	format := r.URL.Query().Get("format")
	if format != "" && format != "json" && format != "srt" && format != "text" {
		respondError(w, http.StatusBadRequest, "format must be json, srt or text")
		return
	}

	transcript, ok := h.extract(w, r, name)
	if !ok {
		return
	}

	switch format {
	case "srt":
		w.Header().Set("Content-Type", "application/x-subrip; charset=utf-8")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", transcriptName(name)))
		w.Write([]byte(transcript.SRT()))
	case "text":
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(transcript.Text()))
	default:
		respondJSON(w, http.StatusOK, TranscriptResponse{Transcript: transcript, Text: transcript.Text()})
	}
}

// SaveTranscript extracts the subtitles and stores them as SubRip in the output zone
func (h *TranscriptHandler) SaveTranscript(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	transcript, ok := h.extract(w, r, name)
	if !ok {
		return
	}

	info, err := h.files.Store(r.Context(), storage.ZoneOutput, transcriptName(name), strings.NewReader(transcript.SRT()))
	if err != nil {
		respondDomainError(w, h.logger, "failed to store transcript", err)
		return
	}

	h.logger.Info("Transcript saved",
		zap.String("input", name),
		zap.String("name", info.Name),
		zap.Int("cues", len(transcript.Cues)),
	)

	respondJSON(w, http.StatusCreated, TranscriptResponse{Transcript: transcript, Text: transcript.Text(), File: info})
}

func (h *TranscriptHandler) extract(w http.ResponseWriter, r *http.Request, name string) (*media.Transcript, bool) {
	path, err := h.files.ResolveInput(r.Context(), name)
	if err != nil {
		respondDomainError(w, h.logger, "failed to resolve file", err)
		return nil, false
	}

	lang := r.URL.Query().Get("lang")
	if lang == "" {
		lang = "en"
	}

	transcript, err := h.transcriber.Extract(r.Context(), path, lang)
	if err != nil {
		respondDomainError(w, h.logger, "failed to extract transcript", err)
		return nil, false
	}
	return transcript, true
}

func transcriptName(input string) string {
	return "transcript_" + strings.TrimSuffix(input, filepath.Ext(input)) + ".srt"
}
