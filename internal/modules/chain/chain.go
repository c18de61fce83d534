package chain

import (
	"strings"

	"github.com/nextconvert/fxstudio/internal/modules/effects"
)

// PresetChain is an ordered list of preset identifiers for one track. Later entries
// override earlier ones for any category both touch. Values are immutable: every
// mutation returns a new chain.
//
// An identifier is either "category:key" for a single-category preset or a bare
// theme key. The identifier "none" clears the chain.
type PresetChain struct {
	track effects.Track
	ids   []string
}

// NewPresetChain builds a chain by appending ids in order.
func NewPresetChain(track effects.Track, ids ...string) PresetChain {
	c := PresetChain{track: track}
	for _, id := range ids {
		c = c.Append(id)
	}
	return c
}

// Track returns the track the chain applies to.
func (c PresetChain) Track() effects.Track { return c.track }

// IDs returns a copy of the identifiers in insertion order.
func (c PresetChain) IDs() []string { return append([]string(nil), c.ids...) }

// Len returns the number of identifiers.
func (c PresetChain) Len() int { return len(c.ids) }

// Append adds id to the end. Appending "none" returns an empty chain.
func (c PresetChain) Append(id string) PresetChain {
	id = strings.TrimSpace(id)
	if id == "" {
		return c
	}
	if id == effects.NonePreset {
		return c.Clear()
	}
	ids := make([]string, len(c.ids), len(c.ids)+1)
	copy(ids, c.ids)
	return PresetChain{track: c.track, ids: append(ids, id)}
}

// Remove drops every occurrence of id.
func (c PresetChain) Remove(id string) PresetChain {
	ids := make([]string, 0, len(c.ids))
	for _, existing := range c.ids {
		if existing != id {
			ids = append(ids, existing)
		}
	}
	return PresetChain{track: c.track, ids: ids}
}

// Clear returns an empty chain for the same track.
func (c PresetChain) Clear() PresetChain {
	return PresetChain{track: c.track}
}

// splitID separates "category:key" into its parts. A bare id is a theme key.
func splitID(id string) (category, key string, isPreset bool) {
	category, key, isPreset = strings.Cut(id, ":")
	return category, key, isPreset
}
