package effects

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nextconvert/fxstudio/internal/shared/database"
)

// PresetSchema creates the user_presets table.
var PresetSchema = []string{
	`CREATE TABLE IF NOT EXISTS user_presets (
		category    TEXT NOT NULL,
		key         TEXT NOT NULL,
		track       TEXT NOT NULL,
		name        TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		params      JSONB NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (category, key)
	)`,
}

// PostgresPresetStore keeps user presets in PostgreSQL
type PostgresPresetStore struct {
	db *database.Postgres
}

// NewPostgresPresetStore migrates the schema and returns the store.
func NewPostgresPresetStore(ctx context.Context, db *database.Postgres) (*PostgresPresetStore, error) {
	if err := db.Migrate(ctx, PresetSchema...); err != nil {
		return nil, err
	}
	return &PostgresPresetStore{db: db}, nil
}

// List returns every saved preset
func (s *PostgresPresetStore) List(ctx context.Context) ([]UserPreset, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT category, key, track, name, description, params, created_at, updated_at
		FROM user_presets
		ORDER BY category, key
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var presets []UserPreset
	for rows.Next() {
		var (
			p          UserPreset
			paramsJSON []byte
		)
		if err := rows.Scan(&p.Category, &p.Key, &p.Track, &p.Name, &p.Description, &paramsJSON, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(paramsJSON, &p.Params); err != nil {
			return nil, fmt.Errorf("preset %s:%s: %w", p.Category, p.Key, err)
		}
		presets = append(presets, p)
	}
	return presets, rows.Err()
}

// Save inserts or replaces a preset
func (s *PostgresPresetStore) Save(ctx context.Context, p UserPreset) error {
	paramsJSON, err := json.Marshal(p.Params)
	if err != nil {
		return err
	}
	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO user_presets (category, key, track, name, description, params, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (category, key) DO UPDATE
		SET name = EXCLUDED.name, description = EXCLUDED.description,
		    params = EXCLUDED.params, updated_at = EXCLUDED.updated_at
	`, p.Category, p.Key, string(p.Track), p.Name, p.Description, paramsJSON, p.CreatedAt, p.UpdatedAt)
	return err
}

// Delete removes a preset
func (s *PostgresPresetStore) Delete(ctx context.Context, category, key string) error {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM user_presets WHERE category = $1 AND key = $2`, category, key)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserPresetNotFound
	}
	return nil
}

// FilePresetStore keeps user presets in a YAML file laid out like the presets file:
// track, then category, then key.
type FilePresetStore struct {
	path string
	mu   sync.Mutex
}

type savedPreset struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description,omitempty"`
	Params      Params    `yaml:"params"`
	CreatedAt   time.Time `yaml:"created_at"`
	UpdatedAt   time.Time `yaml:"updated_at"`
}

type savedFile map[Track]map[string]map[string]savedPreset

// NewFilePresetStore returns a store backed by path. The file is created on first save.
func NewFilePresetStore(path string) *FilePresetStore {
	return &FilePresetStore{path: path}
}

// List returns every saved preset
func (s *FilePresetStore) List(ctx context.Context) ([]UserPreset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	var presets []UserPreset
	for track, categories := range doc {
		for category, entries := range categories {
			for key, e := range entries {
				presets = append(presets, UserPreset{
					Category: category, Key: key, Track: track,
					Name: e.Name, Description: e.Description, Params: e.Params,
					CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt,
				})
			}
		}
	}
	return presets, nil
}

// Save inserts or replaces a preset
func (s *FilePresetStore) Save(ctx context.Context, p UserPreset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	if doc[p.Track] == nil {
		doc[p.Track] = make(map[string]map[string]savedPreset)
	}
	if doc[p.Track][p.Category] == nil {
		doc[p.Track][p.Category] = make(map[string]savedPreset)
	}
	doc[p.Track][p.Category][p.Key] = savedPreset{
		Name: p.Name, Description: p.Description, Params: p.Params,
		CreatedAt: p.CreatedAt, UpdatedAt: p.UpdatedAt,
	}
	return s.write(doc)
}

// Delete removes a preset
func (s *FilePresetStore) Delete(ctx context.Context, category, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return err
	}
	for _, categories := range doc {
		if _, ok := categories[category][key]; ok {
			delete(categories[category], key)
			return s.write(doc)
		}
	}
	return ErrUserPresetNotFound
}

func (s *FilePresetStore) read() (savedFile, error) {
	doc := savedFile{}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.path, err)
	}
	if doc == nil {
		doc = savedFile{}
	}
	return doc, nil
}

// write replaces the file atomically.
func (s *FilePresetStore) write(doc savedFile) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return err
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".user-presets-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), s.path)
}
