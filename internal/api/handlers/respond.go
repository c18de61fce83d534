package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/nextconvert/fxstudio/internal/modules/effects"
	"github.com/nextconvert/fxstudio/internal/modules/jobs"
	"github.com/nextconvert/fxstudio/internal/modules/media"
	"github.com/nextconvert/fxstudio/internal/shared/storage"
)

// ErrorResponse is the body of every non-2xx JSON response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}

// errorStatus maps domain errors to HTTP status codes and a short machine code.
func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, effects.ErrUnknownPreset):
		return http.StatusBadRequest, "unknown_preset"
	case errors.Is(err, effects.ErrInvalidParameter):
		return http.StatusBadRequest, "invalid_parameter"
	case errors.Is(err, media.ErrUnsupportedOutputKind):
		return http.StatusBadRequest, "unsupported_output_kind"
	case errors.Is(err, media.ErrInvalidTrim):
		return http.StatusBadRequest, "invalid_trim"
	case errors.Is(err, storage.ErrInvalidName):
		return http.StatusBadRequest, "invalid_name"
	case errors.Is(err, media.ErrNoSubtitles):
		return http.StatusUnprocessableEntity, "no_subtitles"
	case errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, storage.ErrNotFound),
		errors.Is(err, effects.ErrUserPresetNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, effects.ErrPresetKeyTaken):
		return http.StatusConflict, "preset_key_taken"
	case errors.Is(err, jobs.ErrOutputPathBusy):
		return http.StatusConflict, "output_busy"
	case errors.Is(err, jobs.ErrJobFinished):
		return http.StatusConflict, "job_finished"
	case errors.Is(err, jobs.ErrShuttingDown):
		return http.StatusServiceUnavailable, "shutting_down"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// respondDomainError writes err with the status it maps to. Internal errors are logged
// and hidden from the client.
func respondDomainError(w http.ResponseWriter, logger *zap.Logger, msg string, err error) {
	status, code := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.Error(msg, zap.Error(err))
		respondJSON(w, status, ErrorResponse{Error: msg, Code: code})
		return
	}
	respondJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
