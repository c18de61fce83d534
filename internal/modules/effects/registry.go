package effects

import (
	"bytes"
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// NonePreset is the key that resolves to a no-op step in every category.
const NonePreset = "none"

//go:embed presets.yml
var defaultPresets []byte

// Preset is a named parameter set for one category.
type Preset struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Group       string `json:"group"`
	Params      Params `json:"params,omitempty"`
}

// ThemeFilter is one entry of a theme as it appears in the presets file.
type ThemeFilter struct {
	Type   string `json:"type" yaml:"type"`
	Params Params `json:"params" yaml:"params"`
}

// Theme is an ordered multi-category preset for one track.
type Theme struct {
	Key         string        `json:"key"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Track       Track         `json:"track"`
	Filters     []ThemeFilter `json:"filters"`

	steps []FilterStep
}

// Steps returns the theme's filter steps in declaration order.
func (t Theme) Steps() []FilterStep {
	return append([]FilterStep(nil), t.steps...)
}

// CategoryInfo describes one category and its presets for listing endpoints.
type CategoryInfo struct {
	FilterSpec
	Presets []Preset `json:"presets"`
}

// Registry is the read-only preset and theme table. It is safe for concurrent use
// because nothing mutates it after Load returns.
type Registry struct {
	presets map[string]map[string]Preset
	themes  map[Track]map[string]Theme
}

type presetFile struct {
	Audio  map[string]map[string]map[string]interface{} `yaml:"audio"`
	Video  map[string]map[string]map[string]interface{} `yaml:"video"`
	Themes map[Track]map[string]themeDoc                `yaml:"themes"`
}

type themeDoc struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Filters     []ThemeFilter `yaml:"filters"`
}

// LoadDefault builds a registry from the presets bundled with the binary.
func LoadDefault(logger *zap.Logger) (*Registry, error) {
	return Load(bytes.NewReader(defaultPresets), logger)
}

// LoadFile builds a registry from a presets file. An empty path selects the bundled presets.
func LoadFile(path string, logger *zap.Logger) (*Registry, error) {
	if path == "" {
		return LoadDefault(logger)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open presets file: %w", err)
	}
	defer f.Close()
	return Load(f, logger)
}

// Load parses and validates a presets document. Every preset and theme entry is
// validated against its category so a bad file fails at startup, not per request.
func Load(r io.Reader, logger *zap.Logger) (*Registry, error) {
	var doc presetFile
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse presets: %w", err)
	}

	reg := &Registry{
		presets: make(map[string]map[string]Preset),
		themes:  map[Track]map[string]Theme{TrackAudio: {}, TrackVideo: {}},
	}

	for _, section := range []struct {
		track Track
		data  map[string]map[string]map[string]interface{}
	}{{TrackAudio, doc.Audio}, {TrackVideo, doc.Video}} {
		for category, entries := range section.data {
			if err := reg.addCategory(section.track, category, entries); err != nil {
				return nil, err
			}
		}
	}

	// Every category resolves "none", whether or not the file lists it.
	for _, spec := range Specs() {
		if reg.presets[spec.Category] == nil {
			reg.presets[spec.Category] = make(map[string]Preset)
		}
		if _, ok := reg.presets[spec.Category][NonePreset]; !ok {
			reg.presets[spec.Category][NonePreset] = Preset{Key: NonePreset, Name: "None", Group: "General"}
		}
	}

	for track, themes := range doc.Themes {
		if track != TrackAudio && track != TrackVideo {
			return nil, fmt.Errorf("themes: unknown track %q", track)
		}
		for key, td := range themes {
			theme, err := buildTheme(track, key, td)
			if err != nil {
				return nil, err
			}
			reg.themes[track][key] = theme
		}
	}

	total := 0
	for _, p := range reg.presets {
		total += len(p)
	}
	logger.Info("Loaded effect presets",
		zap.Int("presets", total),
		zap.Int("audio_themes", len(reg.themes[TrackAudio])),
		zap.Int("video_themes", len(reg.themes[TrackVideo])),
	)
	return reg, nil
}

func (r *Registry) addCategory(track Track, category string, entries map[string]map[string]interface{}) error {
	c, ok := Lookup(category)
	if !ok {
		return fmt.Errorf("presets: %w", &PresetError{Category: category})
	}
	if c.Spec().Track != track {
		return fmt.Errorf("presets: category %q belongs to the %s track", category, c.Spec().Track)
	}
	presets := make(map[string]Preset, len(entries))
	for key, raw := range entries {
		preset := Preset{Key: key, Group: "General", Params: Params{}}
		for k, v := range raw {
			switch k {
			case "name":
				preset.Name, _ = v.(string)
			case "description":
				preset.Description, _ = v.(string)
			case "preset_category":
				if s, _ := v.(string); s != "" {
					preset.Group = s
				}
			default:
				preset.Params[k] = v
			}
		}
		if key == NonePreset && len(preset.Params) > 0 {
			return fmt.Errorf("presets: %s/%s must not set parameters", category, key)
		}
		if err := c.Validate(preset.Params); err != nil {
			return fmt.Errorf("presets: %s/%s: %w", category, key, err)
		}
		if len(preset.Params) == 0 {
			preset.Params = nil
		}
		presets[key] = preset
	}
	r.presets[category] = presets
	return nil
}

func buildTheme(track Track, key string, td themeDoc) (Theme, error) {
	theme := Theme{Key: key, Name: td.Name, Description: td.Description, Track: track, Filters: td.Filters}
	for i, f := range td.Filters {
		c, ok := Lookup(f.Type)
		if !ok {
			return Theme{}, fmt.Errorf("theme %s/%s filter %d: %w", track, key, i, &PresetError{Category: f.Type})
		}
		if c.Spec().Track != track {
			return Theme{}, fmt.Errorf("theme %s/%s: category %q belongs to the %s track", track, key, f.Type, c.Spec().Track)
		}
		if err := c.Validate(f.Params); err != nil {
			return Theme{}, fmt.Errorf("theme %s/%s: %w", track, key, err)
		}
		theme.steps = append(theme.steps, newStep(f.Type, f.Params))
	}
	return theme, nil
}

// Resolve looks up a named preset. Unknown categories and keys fail; they never
// fall back to a default.
func (r *Registry) Resolve(category, key string) (FilterStep, error) {
	presets, ok := r.presets[category]
	if !ok {
		return FilterStep{}, &PresetError{Category: category}
	}
	preset, ok := presets[key]
	if !ok {
		return FilterStep{}, &PresetError{Category: category, Key: key}
	}
	return newStep(category, preset.Params), nil
}

// Override validates user-supplied parameters for a category and wraps them in a step.
// Out-of-range values are rejected, not clamped.
func (r *Registry) Override(category string, params Params) (FilterStep, error) {
	c, ok := Lookup(category)
	if !ok {
		return FilterStep{}, &PresetError{Category: category}
	}
	if len(params) == 0 {
		return FilterStep{}, &ParameterError{Category: category, Reason: "no parameters given"}
	}
	if err := c.Validate(params); err != nil {
		return FilterStep{}, err
	}
	return newStep(category, params), nil
}

// Theme returns a theme by track and key.
func (r *Registry) Theme(track Track, key string) (Theme, error) {
	theme, ok := r.themes[track][key]
	if !ok {
		return Theme{}, &PresetError{Category: "theme:" + string(track), Key: key}
	}
	return theme, nil
}

// Themes lists a track's themes sorted by key.
func (r *Registry) Themes(track Track) []Theme {
	out := make([]Theme, 0, len(r.themes[track]))
	for _, t := range r.themes[track] {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Catalog lists every category in pipeline order with its presets. Presets are grouped
// with "General" first and "Custom" last; "none" leads its group.
func (r *Registry) Catalog() []CategoryInfo {
	specs := Specs()
	out := make([]CategoryInfo, 0, len(specs))
	for _, spec := range specs {
		presets := make([]Preset, 0, len(r.presets[spec.Category]))
		for _, p := range r.presets[spec.Category] {
			presets = append(presets, p)
		}
		sort.Slice(presets, func(i, j int) bool {
			gi, gj := groupOrder(presets[i].Group), groupOrder(presets[j].Group)
			if gi != gj {
				return gi < gj
			}
			if presets[i].Group != presets[j].Group {
				return presets[i].Group < presets[j].Group
			}
			if (presets[i].Key == NonePreset) != (presets[j].Key == NonePreset) {
				return presets[i].Key == NonePreset
			}
			return presets[i].Key < presets[j].Key
		})
		out = append(out, CategoryInfo{FilterSpec: spec, Presets: presets})
	}
	return out
}

func groupOrder(group string) int {
	switch group {
	case "General":
		return 0
	case "Custom":
		return 2
	default:
		return 1
	}
}
