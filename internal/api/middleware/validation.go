package middleware

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
)

// FileValidationConfig defines file validation rules
type FileValidationConfig struct {
	MaxSize      int64    // Maximum file size in bytes
	AllowedTypes []string // Allowed MIME types (e.g., "video/mp4", "audio/*")
	AllowedExts  []string // Allowed file extensions (e.g., ".mp4", ".wav")
}

// WithMaxSize returns a copy of config with a different size cap.
func (c FileValidationConfig) WithMaxSize(n int64) FileValidationConfig {
	c.MaxSize = n
	return c
}

// ValidateFileUpload validates uploaded files
func ValidateFileUpload(config FileValidationConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.Contains(r.Header.Get("Content-Type"), "multipart/form-data") {
				next.ServeHTTP(w, r)
				return
			}

			if config.MaxSize > 0 {
				// Allow some room for the multipart envelope.
				r.Body = http.MaxBytesReader(w, r.Body, config.MaxSize+1<<20)
			}
			if err := r.ParseMultipartForm(32 << 20); err != nil {
				http.Error(w, "Failed to parse form", http.StatusBadRequest)
				return
			}

			if r.MultipartForm != nil && r.MultipartForm.File != nil {
				for _, fileHeaders := range r.MultipartForm.File {
					for _, fileHeader := range fileHeaders {
						if err := validateFile(fileHeader, config); err != nil {
							http.Error(w, err.Error(), http.StatusBadRequest)
							return
						}
					}
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// validateFile validates a single file
func validateFile(fileHeader *multipart.FileHeader, config FileValidationConfig) error {
	if config.MaxSize > 0 && fileHeader.Size > config.MaxSize {
		return fmt.Errorf("file size %d exceeds maximum allowed size %d", fileHeader.Size, config.MaxSize)
	}

	if len(config.AllowedExts) > 0 {
		ext := strings.ToLower(filepath.Ext(fileHeader.Filename))
		allowed := false
		for _, allowedExt := range config.AllowedExts {
			if ext == strings.ToLower(allowedExt) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("file extension %s is not allowed", ext)
		}
	}

	// Check MIME type by reading magic bytes
	if len(config.AllowedTypes) > 0 {
		file, err := fileHeader.Open()
		if err != nil {
			return fmt.Errorf("failed to open file: %w", err)
		}
		defer file.Close()

		buffer := make([]byte, 512)
		n, err := file.Read(buffer)
		if err != nil && err != io.EOF {
			return fmt.Errorf("failed to read file: %w", err)
		}

		contentType := http.DetectContentType(buffer[:n])
		allowed := false
		for _, allowedType := range config.AllowedTypes {
			if matchMIMEType(contentType, allowedType) {
				allowed = true
				break
			}
		}
		if !allowed {
			return fmt.Errorf("file type %s is not allowed", contentType)
		}
	}

	return nil
}

// matchMIMEType checks if a MIME type matches a pattern (supports wildcards)
func matchMIMEType(contentType, pattern string) bool {
	contentType, _, _ = strings.Cut(contentType, ";")
	if contentType == pattern {
		return true
	}

	// "audio/*" matches "audio/mpeg"
	if strings.HasSuffix(pattern, "/*") {
		prefix := strings.TrimSuffix(pattern, "/*")
		return strings.HasPrefix(contentType, prefix+"/")
	}

	return false
}

// ValidateJSONBody rejects empty JSON bodies on write requests
func ValidateJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodPatch {
			if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
				body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
				if err != nil {
					http.Error(w, "Failed to read request body", http.StatusBadRequest)
					return
				}
				r.Body.Close()

				if len(bytes.TrimSpace(body)) == 0 {
					http.Error(w, "Request body is required", http.StatusBadRequest)
					return
				}

				r.Body = io.NopCloser(bytes.NewReader(body))
			}
		}

		next.ServeHTTP(w, r)
	})
}

// MediaFileValidation accepts the audio and video containers ffmpeg is expected to read.
// http.DetectContentType does not know most audio containers, so the octet-stream
// fallback is allowed and the extension list does the filtering.
var MediaFileValidation = FileValidationConfig{
	MaxSize: 2 * 1024 * 1024 * 1024, // 2 GB
	AllowedTypes: []string{
		"audio/*",
		"video/*",
		"application/ogg",
		"application/octet-stream",
	},
	AllowedExts: []string{
		".mp3", ".wav", ".ogg", ".oga", ".opus", ".m4a", ".aac", ".flac", ".wma",
		".mp4", ".m4v", ".mpeg", ".mpg", ".mov", ".avi", ".webm", ".mkv", ".flv", ".wmv",
	},
}
