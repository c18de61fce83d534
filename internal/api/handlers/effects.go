package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/nextconvert/fxstudio/internal/modules/chain"
	"github.com/nextconvert/fxstudio/internal/modules/effects"
	"github.com/nextconvert/fxstudio/internal/modules/media"
	"github.com/nextconvert/fxstudio/internal/shared/metrics"
)

// Compiler compiles a selection without running anything
type Compiler interface {
	Compile(sel media.SelectionRequest) (chain.CompiledChain, error)
}

// EffectsHandler serves the preset catalog and chain previews
type EffectsHandler struct {
	library  *effects.Library
	compiler Compiler
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewEffectsHandler creates a new effects handler. m may be nil.
func NewEffectsHandler(library *effects.Library, compiler Compiler, m *metrics.Metrics, logger *zap.Logger) *EffectsHandler {
	return &EffectsHandler{
		library:  library,
		compiler: compiler,
		metrics:  m,
		logger:   logger,
	}
}

// ListEffects returns every category in pipeline order with its built-in and saved presets
func (h *EffectsHandler) ListEffects(w http.ResponseWriter, r *http.Request) {
	catalog := h.library.Catalog()

	track := effects.Track(r.URL.Query().Get("track"))
	if track != "" {
		filtered := catalog[:0:0]
		for _, c := range catalog {
			if c.Track == track {
				filtered = append(filtered, c)
			}
		}
		catalog = filtered
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"categories": catalog,
	})
}

// ListThemes returns the themes of one track, or of both when no track is given
func (h *EffectsHandler) ListThemes(w http.ResponseWriter, r *http.Request) {
	switch track := effects.Track(r.URL.Query().Get("track")); track {
	case effects.TrackAudio, effects.TrackVideo:
		respondJSON(w, http.StatusOK, map[string]interface{}{
			string(track): h.library.Themes(track),
		})
	case "":
		respondJSON(w, http.StatusOK, map[string]interface{}{
			string(effects.TrackAudio): h.library.Themes(effects.TrackAudio),
			string(effects.TrackVideo): h.library.Themes(effects.TrackVideo),
		})
	default:
		respondError(w, http.StatusBadRequest, "track must be audio or video")
	}
}

// Compile returns the filter graphs a selection produces
func (h *EffectsHandler) Compile(w http.ResponseWriter, r *http.Request) {
	var req media.SelectionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	compiled, err := h.compiler.Compile(req)
	if h.metrics != nil {
		h.metrics.RecordCompile(err)
	}
	if err != nil {
		respondDomainError(w, h.logger, "failed to compile selection", err)
		return
	}

	respondJSON(w, http.StatusOK, compiled)
}
