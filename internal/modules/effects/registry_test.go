package effects

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func loadDefault(t *testing.T) *Registry {
	t.Helper()
	reg, err := LoadDefault(zap.NewNop())
	require.NoError(t, err)
	return reg
}

func TestLoadDefault(t *testing.T) {
	reg := loadDefault(t)

	t.Run("every category resolves none", func(t *testing.T) {
		for _, spec := range Specs() {
			step, err := reg.Resolve(spec.Category, NonePreset)
			require.NoError(t, err, spec.Category)
			assert.True(t, step.IsNone())
			assert.Equal(t, spec.Category, step.Category())
		}
	})

	t.Run("named preset", func(t *testing.T) {
		step, err := reg.Resolve("brightness", "bright")
		require.NoError(t, err)
		assert.Equal(t, 0.2, step.Params()["brightness"])
	})

	t.Run("themes", func(t *testing.T) {
		vinyl, err := reg.Theme(TrackAudio, "vinyl")
		require.NoError(t, err)
		require.NotEmpty(t, vinyl.Steps())
		assert.Equal(t, "frequency", vinyl.Steps()[0].Category())

		keys := []string{}
		for _, th := range reg.Themes(TrackAudio) {
			keys = append(keys, th.Key)
		}
		assert.Equal(t, []string{"cave", "old_radio", "vinyl"}, keys)
	})
}

func TestResolveUnknown(t *testing.T) {
	reg := loadDefault(t)

	t.Run("unknown key", func(t *testing.T) {
		_, err := reg.Resolve("volume", "deafening")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUnknownPreset))
		assert.Contains(t, err.Error(), "deafening")
		assert.Contains(t, err.Error(), "volume")
	})

	t.Run("unknown category", func(t *testing.T) {
		_, err := reg.Resolve("reverb", "none")
		require.Error(t, err)
		var perr *PresetError
		require.True(t, errors.As(err, &perr))
		assert.Equal(t, "reverb", perr.Category)
	})

	t.Run("unknown theme", func(t *testing.T) {
		_, err := reg.Theme(TrackVideo, "vinyl")
		assert.True(t, errors.Is(err, ErrUnknownPreset))
	})
}

func TestOverride(t *testing.T) {
	reg := loadDefault(t)

	step, err := reg.Override("volume", Params{"volume": 1.5})
	require.NoError(t, err)
	assert.Equal(t, "volume", step.Category())

	_, err = reg.Override("volume", Params{"volume": 9})
	assert.True(t, errors.Is(err, ErrInvalidParameter))

	_, err = reg.Override("volume", Params{})
	assert.True(t, errors.Is(err, ErrInvalidParameter))

	_, err = reg.Override("echo", Params{"x": 1})
	assert.True(t, errors.Is(err, ErrUnknownPreset))
}

func TestStepIsImmutable(t *testing.T) {
	reg := loadDefault(t)
	params := Params{"volume": 1.5}
	step, err := reg.Override("volume", params)
	require.NoError(t, err)

	params["volume"] = 3.0
	step.Params()["volume"] = 0.1
	assert.Equal(t, 1.5, step.Params()["volume"])
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"out of range preset", "audio:\n  volume:\n    huge:\n      name: Huge\n      volume: 10\n"},
		{"unknown category", "audio:\n  reverb:\n    big:\n      name: Big\n"},
		{"wrong track", "audio:\n  blur:\n    soft:\n      sigma: 2\n"},
		{"none with params", "audio:\n  volume:\n    none:\n      volume: 2\n"},
		{"theme bad filter", "themes:\n  audio:\n    x:\n      filters:\n        - type: volume\n          params: {volume: 7}\n"},
		{"theme wrong track", "themes:\n  video:\n    x:\n      filters:\n        - type: volume\n          params: {volume: 1}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.doc), zap.NewNop())
			assert.Error(t, err)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yml")
	doc := "audio:\n  volume:\n    boost:\n      name: Boost\n      preset_category: Custom\n      volume: 3\n"
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	reg, err := LoadFile(path, zap.NewNop())
	require.NoError(t, err)

	step, err := reg.Resolve("volume", "boost")
	require.NoError(t, err)
	assert.Equal(t, 3, step.Params()["volume"])

	for _, info := range reg.Catalog() {
		if info.Category != "volume" {
			continue
		}
		require.Len(t, info.Presets, 2)
		assert.Equal(t, NonePreset, info.Presets[0].Key)
		assert.Equal(t, "Custom", info.Presets[1].Group)
	}

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yml"), zap.NewNop())
	assert.Error(t, err)
}
