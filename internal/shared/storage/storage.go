package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nextconvert/fxstudio/internal/shared/config"
)

var (
	ErrInvalidName = errors.New("invalid file name")
	ErrNotFound    = errors.New("file not found")
)

// Zone represents a storage zone
type Zone string

const (
	ZoneUpload Zone = "upload"
	ZoneOutput Zone = "output"
)

// FileInfo represents metadata about a stored file
type FileInfo struct {
	Name      string    `json:"name"`
	Zone      Zone      `json:"zone"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Object describes one stored file.
type Object struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Backend is a place files live: the local disk ffmpeg works on, or a remote mirror.
type Backend interface {
	Store(ctx context.Context, zone Zone, filename string, reader io.Reader) (string, error)
	Retrieve(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	List(ctx context.Context, zone Zone) ([]Object, error)
}

// Service keeps inputs and outputs on the local disk, where ffmpeg reads and writes
// them, and optionally mirrors them to a remote backend.
type Service struct {
	local  *LocalBackend
	remote Backend
	logger *zap.Logger
}

// NewService creates a new storage service
func NewService(cfg config.StorageConfig, logger *zap.Logger) (*Service, error) {
	local, err := NewLocalBackend(cfg.BasePath)
	if err != nil {
		return nil, err
	}

	svc := &Service{local: local, logger: logger}
	switch cfg.Backend {
	case "", "local":
	case "s3":
		remote, err := NewS3Backend(cfg)
		if err != nil {
			return nil, err
		}
		svc.remote = remote
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
	return svc, nil
}

// NewServiceWithBackend creates a service over basePath with an explicit remote backend.
func NewServiceWithBackend(basePath string, remote Backend, logger *zap.Logger) (*Service, error) {
	local, err := NewLocalBackend(basePath)
	if err != nil {
		return nil, err
	}
	return &Service{local: local, remote: remote, logger: logger}, nil
}

// cleanName rejects anything that is not a plain file name.
func cleanName(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return name, nil
}

// Path returns the local path of name in zone.
func (s *Service) Path(zone Zone, name string) (string, error) {
	name, err := cleanName(name)
	if err != nil {
		return "", err
	}
	return s.local.path(zone, name), nil
}

// ResolveInput returns the local path of an uploaded input, fetching it from the
// remote backend first when it only exists there.
func (s *Service) ResolveInput(ctx context.Context, name string) (string, error) {
	path, err := s.Path(ZoneUpload, name)
	if err != nil {
		return "", err
	}
	if ok, _ := s.local.Exists(ctx, path); ok {
		return path, nil
	}
	if s.remote == nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	key := objectKey(ZoneUpload, name)
	ok, err := s.remote.Exists(ctx, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	body, err := s.remote.Retrieve(ctx, key)
	if err != nil {
		return "", err
	}
	defer body.Close()

	if _, err := s.local.Store(ctx, ZoneUpload, name, body); err != nil {
		return "", fmt.Errorf("failed to fetch input: %w", err)
	}
	s.logger.Info("Fetched input from remote storage", zap.String("name", name))
	return path, nil
}

// OutputPath returns where a render named name is written.
func (s *Service) OutputPath(name string) (string, error) {
	return s.Path(ZoneOutput, name)
}

// Store saves an upload under a fresh name keeping the original extension.
func (s *Service) Store(ctx context.Context, zone Zone, originalName string, reader io.Reader) (*FileInfo, error) {
	filename := uuid.New().String() + strings.ToLower(filepath.Ext(originalName))

	path, err := s.local.Store(ctx, zone, filename, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to store file: %w", err)
	}
	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get file size: %w", err)
	}

	return &FileInfo{
		Name:      filename,
		Zone:      zone,
		Size:      stat.Size(),
		CreatedAt: time.Now().UTC(),
	}, nil
}

// Open opens a stored file for reading.
func (s *Service) Open(zone Zone, name string) (*os.File, error) {
	path, err := s.Path(zone, name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return f, err
}

// Publish copies a finished output to the remote backend and returns its key. Without
// a remote backend the local path is returned unchanged.
func (s *Service) Publish(ctx context.Context, localPath string) (string, error) {
	if s.remote == nil {
		return localPath, nil
	}
	f, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	key, err := s.remote.Store(ctx, ZoneOutput, filepath.Base(localPath), f)
	if err != nil {
		return "", err
	}
	s.logger.Info("Published output", zap.String("key", key))
	return key, nil
}

// Cleanup removes files in zone last modified before cutoff, locally and on the remote
// backend. It returns how many files were removed.
func (s *Service) Cleanup(ctx context.Context, zone Zone, cutoff time.Time) (int, error) {
	removed, err := prune(ctx, s.local, zone, cutoff)
	if err != nil {
		return removed, err
	}
	if s.remote == nil {
		return removed, nil
	}
	n, err := prune(ctx, s.remote, zone, cutoff)
	if err != nil {
		return removed, fmt.Errorf("remote cleanup: %w", err)
	}
	if n > 0 {
		s.logger.Info("Pruned remote files", zap.String("zone", string(zone)), zap.Int("removed", n))
	}
	return removed + n, nil
}

func prune(ctx context.Context, b Backend, zone Zone, cutoff time.Time) (int, error) {
	objects, err := b.List(ctx, zone)
	if err != nil {
		return 0, err
	}
	var expired []string
	for _, o := range objects {
		if o.ModTime.Before(cutoff) {
			expired = append(expired, o.Key)
		}
	}
	if len(expired) == 0 {
		return 0, nil
	}
	if err := b.Delete(ctx, expired...); err != nil {
		return 0, err
	}
	return len(expired), nil
}

// Usage returns the file count and total size of zone on the local disk.
func (s *Service) Usage(ctx context.Context, zone Zone) (int64, int64, error) {
	objects, err := s.local.List(ctx, zone)
	if err != nil {
		return 0, 0, err
	}
	var total int64
	for _, o := range objects {
		total += o.Size
	}
	return int64(len(objects)), total, nil
}

// LocalBackend implements local filesystem storage
type LocalBackend struct {
	basePath string
}

// NewLocalBackend creates a new local storage backend
func NewLocalBackend(basePath string) (*LocalBackend, error) {
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, err
	}
	// Ensure base directories exist
	for _, zone := range []Zone{ZoneUpload, ZoneOutput} {
		path := filepath.Join(abs, string(zone))
		if err := os.MkdirAll(path, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}

	return &LocalBackend{basePath: abs}, nil
}

func (b *LocalBackend) zoneDir(zone Zone) string {
	return filepath.Join(b.basePath, string(zone))
}

func (b *LocalBackend) path(zone Zone, filename string) string {
	return filepath.Join(b.zoneDir(zone), filename)
}

// Store writes to a temporary file and renames it into place.
func (b *LocalBackend) Store(ctx context.Context, zone Zone, filename string, reader io.Reader) (string, error) {
	path := b.path(zone, filename)

	tmp, err := os.CreateTemp(b.zoneDir(zone), ".partial-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, reader); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}

func (b *LocalBackend) Retrieve(ctx context.Context, path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// Delete removes every key, continuing past failures. Missing files are not an error.
func (b *LocalBackend) Delete(ctx context.Context, keys ...string) error {
	var errs []error
	for _, key := range keys {
		if err := os.Remove(key); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *LocalBackend) Exists(ctx context.Context, path string) (bool, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !info.IsDir(), nil
}

// List returns the finished files of zone. In-progress uploads are skipped.
func (b *LocalBackend) List(ctx context.Context, zone Zone) ([]Object, error) {
	var objects []Object
	err := filepath.WalkDir(b.zoneDir(zone), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".partial-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		objects = append(objects, Object{Key: path, Size: info.Size(), ModTime: info.ModTime()})
		return nil
	})
	return objects, err
}

// DownloadURL returns a presigned link for a published output, or "" when outputs are
// only kept locally.
func (s *Service) DownloadURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	signer, ok := s.remote.(interface {
		PresignGet(ctx context.Context, key string, expiry time.Duration) (string, error)
	})
	if !ok {
		return "", nil
	}
	return signer.PresignGet(ctx, key, expiry)
}
