package effects

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CustomGroup is the catalog group every user preset lists under.
const CustomGroup = "Custom"

var (
	// ErrUserPresetNotFound is returned when a saved preset does not exist.
	ErrUserPresetNotFound = errors.New("user preset not found")
	// ErrPresetKeyTaken is returned when a user preset would shadow a built-in one.
	ErrPresetKeyTaken = errors.New("preset key is taken by a built-in preset")
)

var nonKeyChars = regexp.MustCompile(`[^a-z0-9]+`)

// GenerateKey derives a preset key from a display name: "My Podcast Volume" becomes
// "my_podcast_volume".
func GenerateKey(name string) string {
	key := strings.Trim(nonKeyChars.ReplaceAllString(strings.ToLower(name), "_"), "_")
	if key == "" {
		return "preset"
	}
	return key
}

// UserPreset is a preset saved through the API.
type UserPreset struct {
	Category    string    `json:"category"`
	Key         string    `json:"key"`
	Track       Track     `json:"track"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Params      Params    `json:"params"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Preset returns the catalog form of p.
func (p UserPreset) Preset() Preset {
	return Preset{Key: p.Key, Name: p.Name, Description: p.Description, Group: CustomGroup, Params: p.Params.Clone()}
}

// PresetStore persists user presets.
type PresetStore interface {
	List(ctx context.Context) ([]UserPreset, error)
	Save(ctx context.Context, p UserPreset) error
	Delete(ctx context.Context, category, key string) error
}

// Library layers user presets over the read-only Registry. Built-in presets always win
// a lookup; user presets can never take a built-in key.
type Library struct {
	*Registry

	store  PresetStore
	logger *zap.Logger

	mu   sync.RWMutex
	user map[string]map[string]UserPreset
}

// NewLibrary loads the saved presets. Entries that no longer validate, for example
// after a range change, are skipped with a warning rather than failing startup.
func NewLibrary(ctx context.Context, reg *Registry, store PresetStore, logger *zap.Logger) (*Library, error) {
	saved, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load user presets: %w", err)
	}

	l := &Library{Registry: reg, store: store, logger: logger, user: make(map[string]map[string]UserPreset)}
	loaded := 0
	for _, p := range saved {
		if err := l.check(p); err != nil {
			logger.Warn("Skipping invalid user preset",
				zap.String("category", p.Category),
				zap.String("key", p.Key),
				zap.Error(err),
			)
			continue
		}
		l.put(p)
		loaded++
	}
	if loaded > 0 {
		logger.Info("Loaded user presets", zap.Int("count", loaded))
	}
	return l, nil
}

// Resolve looks a key up among the built-in presets, then the saved ones.
func (l *Library) Resolve(category, key string) (FilterStep, error) {
	step, err := l.Registry.Resolve(category, key)
	if err == nil {
		return step, nil
	}
	var perr *PresetError
	if !errors.As(err, &perr) || perr.Key == "" {
		return FilterStep{}, err
	}

	l.mu.RLock()
	p, ok := l.user[category][key]
	l.mu.RUnlock()
	if !ok {
		return FilterStep{}, err
	}
	return newStep(category, p.Params), nil
}

// Catalog is the registry catalog with saved presets appended to each category.
func (l *Library) Catalog() []CategoryInfo {
	catalog := l.Registry.Catalog()

	l.mu.RLock()
	defer l.mu.RUnlock()
	for i := range catalog {
		saved := l.user[catalog[i].Category]
		keys := make([]string, 0, len(saved))
		for k := range saved {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			catalog[i].Presets = append(catalog[i].Presets, saved[k].Preset())
		}
	}
	return catalog
}

// UserPresets lists saved presets of track, or of both tracks when track is empty,
// ordered by category rank then key.
func (l *Library) UserPresets(track Track) []UserPreset {
	l.mu.RLock()
	var out []UserPreset
	for _, byKey := range l.user {
		for _, p := range byKey {
			if track == "" || p.Track == track {
				out = append(out, p)
			}
		}
	}
	l.mu.RUnlock()

	rank := func(p UserPreset) int {
		c, _ := Lookup(p.Category)
		return c.Spec().Rank
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Track != out[j].Track {
			return out[i].Track < out[j].Track
		}
		if ri, rj := rank(out[i]), rank(out[j]); ri != rj {
			return ri < rj
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Save validates and stores p. An empty key is generated from the name. Saving an
// existing key replaces it.
func (l *Library) Save(ctx context.Context, p UserPreset) (UserPreset, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Key == "" {
		p.Key = GenerateKey(p.Name)
	}
	if err := l.check(p); err != nil {
		return UserPreset{}, err
	}

	c, _ := Lookup(p.Category)
	p.Track = c.Spec().Track
	p.Params = p.Params.Clone()
	now := time.Now().UTC()
	p.UpdatedAt = now
	if existing, ok := l.get(p.Category, p.Key); ok {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}

	if err := l.store.Save(ctx, p); err != nil {
		return UserPreset{}, fmt.Errorf("failed to save preset: %w", err)
	}
	l.put(p)

	l.logger.Info("Saved user preset", zap.String("category", p.Category), zap.String("key", p.Key))
	return p, nil
}

// Update replaces an existing saved preset.
func (l *Library) Update(ctx context.Context, p UserPreset) (UserPreset, error) {
	if _, ok := l.get(p.Category, p.Key); !ok {
		return UserPreset{}, fmt.Errorf("%w: %s:%s", ErrUserPresetNotFound, p.Category, p.Key)
	}
	return l.Save(ctx, p)
}

// Delete removes a saved preset.
func (l *Library) Delete(ctx context.Context, category, key string) error {
	if _, ok := l.get(category, key); !ok {
		return fmt.Errorf("%w: %s:%s", ErrUserPresetNotFound, category, key)
	}
	if err := l.store.Delete(ctx, category, key); err != nil {
		return err
	}

	l.mu.Lock()
	delete(l.user[category], key)
	l.mu.Unlock()

	l.logger.Info("Deleted user preset", zap.String("category", category), zap.String("key", key))
	return nil
}

func (l *Library) check(p UserPreset) error {
	c, ok := Lookup(p.Category)
	if !ok {
		return &PresetError{Category: p.Category}
	}
	if p.Track != "" && p.Track != c.Spec().Track {
		return &ParameterError{Category: p.Category, Param: "track", Value: string(p.Track),
			Reason: fmt.Sprintf("category belongs to the %s track", c.Spec().Track)}
	}
	if p.Name == "" {
		return &ParameterError{Category: p.Category, Param: "name", Reason: "is required"}
	}
	if GenerateKey(p.Key) != p.Key {
		return &ParameterError{Category: p.Category, Param: "key", Value: p.Key,
			Reason: "must be lowercase letters, digits and underscores"}
	}
	if _, err := l.Registry.Resolve(p.Category, p.Key); err == nil {
		return fmt.Errorf("%w: %s:%s", ErrPresetKeyTaken, p.Category, p.Key)
	}
	if len(p.Params) == 0 {
		return &ParameterError{Category: p.Category, Reason: "no parameters given"}
	}
	return c.Validate(p.Params)
}

func (l *Library) get(category, key string) (UserPreset, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.user[category][key]
	return p, ok
}

func (l *Library) put(p UserPreset) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.user[p.Category] == nil {
		l.user[p.Category] = make(map[string]UserPreset)
	}
	l.user[p.Category][p.Key] = p
}
