package chain

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nextconvert/fxstudio/internal/modules/effects"
)

// Separator joins fragments within one track's filter graph.
const Separator = ","

// CompiledChain is the flattened, order-correct filter text per track. An empty
// field means no filtering was requested on that track.
type CompiledChain struct {
	AudioFilter string `json:"audio_filter"`
	VideoFilter string `json:"video_filter"`
}

// Filter returns the compiled text for track.
func (c CompiledChain) Filter(track effects.Track) string {
	if track == effects.TrackVideo {
		return c.VideoFilter
	}
	return c.AudioFilter
}

// Resolver is the read side of the effect registry.
type Resolver interface {
	Resolve(category, key string) (effects.FilterStep, error)
	Override(category string, params effects.Params) (effects.FilterStep, error)
	Theme(track effects.Track, key string) (effects.Theme, error)
}

// Override is a user-supplied parameter set for one category.
type Override struct {
	Category string         `json:"category"`
	Params   effects.Params `json:"params"`
}

// Selection is everything a user picked for one render.
type Selection struct {
	Audio     PresetChain
	Video     PresetChain
	Overrides []Override
}

// Expand resolves a selection into steps: the audio chain, the video chain, then the
// overrides, each in insertion order. Overrides therefore beat any preset or theme.
func Expand(r Resolver, sel Selection) ([]effects.FilterStep, error) {
	var steps []effects.FilterStep
	for _, pc := range []PresetChain{sel.Audio, sel.Video} {
		for _, id := range pc.ids {
			resolved, err := resolveID(r, pc.track, id)
			if err != nil {
				return nil, err
			}
			steps = append(steps, resolved...)
		}
	}
	for _, o := range sel.Overrides {
		step, err := r.Override(o.Category, o.Params)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func resolveID(r Resolver, track effects.Track, id string) ([]effects.FilterStep, error) {
	category, key, isPreset := splitID(id)
	if !isPreset {
		theme, err := r.Theme(track, id)
		if err != nil {
			return nil, err
		}
		return theme.Steps(), nil
	}
	if c, ok := effects.Lookup(category); ok && c.Spec().Track != track {
		return nil, fmt.Errorf("%s chain: %w", track, &effects.PresetError{Category: category, Key: key})
	}
	step, err := r.Resolve(category, key)
	if err != nil {
		return nil, err
	}
	return []effects.FilterStep{step}, nil
}

// CompileSelection expands and compiles in one call.
func CompileSelection(r Resolver, sel Selection) (CompiledChain, error) {
	steps, err := Expand(r, sel)
	if err != nil {
		return CompiledChain{}, err
	}
	return Compile(steps)
}

type slot struct {
	spec     effects.FilterSpec
	category effects.Category
	params   effects.Params
}

// Compile turns steps into per-track filter graphs. Within a track the last step for
// each category wins; survivors are ordered by rank, rendered, and joined. Empty
// fragments are dropped only after ordering. Output is deterministic for equal input.
func Compile(steps []effects.FilterStep) (CompiledChain, error) {
	last := make(map[string]slot, len(steps))
	for _, step := range steps {
		c, ok := effects.Lookup(step.Category())
		if !ok {
			return CompiledChain{}, &effects.PresetError{Category: step.Category()}
		}
		params := step.Params()
		if err := c.Validate(params); err != nil {
			return CompiledChain{}, err
		}
		last[step.Category()] = slot{spec: c.Spec(), category: c, params: params}
	}

	byTrack := map[effects.Track][]slot{}
	for _, s := range last {
		byTrack[s.spec.Track] = append(byTrack[s.spec.Track], s)
	}

	return CompiledChain{
		AudioFilter: renderTrack(byTrack[effects.TrackAudio]),
		VideoFilter: renderTrack(byTrack[effects.TrackVideo]),
	}, nil
}

func renderTrack(slots []slot) string {
	sort.Slice(slots, func(i, j int) bool { return slots[i].spec.Rank < slots[j].spec.Rank })
	fragments := make([]string, 0, len(slots))
	for _, s := range slots {
		fragments = append(fragments, s.category.Render(s.params))
	}
	out := fragments[:0]
	for _, f := range fragments {
		if f != "" {
			out = append(out, f)
		}
	}
	return strings.Join(out, Separator)
}
