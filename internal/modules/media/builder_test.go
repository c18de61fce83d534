package media

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nextconvert/fxstudio/internal/modules/chain"
)

var bothTracks = InputTracks{HasAudio: true, HasVideo: true}

func indexOf(args []string, flag string) int {
	for i, a := range args {
		if a == flag {
			return i
		}
	}
	return -1
}

func valueOf(args []string, flag string) string {
	if i := indexOf(args, flag); i >= 0 && i+1 < len(args) {
		return args[i+1]
	}
	return ""
}

func TestNewBuilder(t *testing.T) {
	logger := zap.NewNop()

	t.Run("cloud-friendly defaults", func(t *testing.T) {
		b := NewBuilder(logger)
		assert.Equal(t, 0, b.maxThreads)
		assert.False(t, b.useHardwareAccel)
		assert.True(t, b.preferFastPresets)
	})

	t.Run("custom config", func(t *testing.T) {
		b := NewBuilderWithConfig(BuilderConfig{MaxThreads: 4, UseHardwareAccel: true}, logger)
		assert.Equal(t, 4, b.maxThreads)
		assert.True(t, b.useHardwareAccel)
		assert.False(t, b.preferFastPresets)
	})
}

func TestUseHWAccel(t *testing.T) {
	logger := zap.NewNop()

	t.Run("uses builder default when no override", func(t *testing.T) {
		b := NewBuilderWithConfig(BuilderConfig{UseHardwareAccel: true}, logger)
		assert.True(t, b.useHWAccel(&BuildParams{}))
	})

	t.Run("respects override when provided", func(t *testing.T) {
		b := NewBuilderWithConfig(BuilderConfig{UseHardwareAccel: false}, logger)
		override := true
		assert.True(t, b.useHWAccel(&BuildParams{UseHardwareAccel: &override}))
	})

	t.Run("can disable hardware acceleration via override", func(t *testing.T) {
		b := NewBuilderWithConfig(BuilderConfig{UseHardwareAccel: true}, logger)
		override := false
		assert.False(t, b.useHWAccel(&BuildParams{UseHardwareAccel: &override}))
	})
}

func TestBuildLayout(t *testing.T) {
	b := NewBuilderWithConfig(BuilderConfig{MaxThreads: 2, PreferFastPresets: true}, zap.NewNop())

	args, err := b.Build(BuildParams{
		InputPath:  "/in/clip.mov",
		OutputPath: "/out/job.mp4",
		TrimStart:  1500 * time.Millisecond,
		TrimEnd:    4 * time.Second,
		Compiled:   chain.CompiledChain{AudioFilter: "volume=2", VideoFilter: "eq=brightness=0.2"},
		Kind:       KindMP4,
		Input:      bothTracks,
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"-y", "-hide_banner", "-nostdin", "-progress", "pipe:1", "-nostats"}, args[:6])
	assert.Equal(t, "2", valueOf(args, "-threads"))

	ss, in, dur := indexOf(args, "-ss"), indexOf(args, "-i"), indexOf(args, "-t")
	require.True(t, ss >= 0 && in >= 0 && dur >= 0)
	assert.Less(t, ss, in, "seek must precede the input")
	assert.Less(t, dur, in, "duration limits what is read from the input")
	assert.Equal(t, "1.500", args[ss+1])
	assert.Equal(t, "2.500", args[dur+1])

	assert.Equal(t, "volume=2", valueOf(args, "-af"))
	assert.Equal(t, "eq=brightness=0.2", valueOf(args, "-vf"))
	assert.Equal(t, "libx264", valueOf(args, "-c:v"))
	assert.Equal(t, "veryfast", valueOf(args, "-preset"))
	assert.Equal(t, "aac", valueOf(args, "-c:a"))
	assert.Equal(t, "+faststart", valueOf(args, "-movflags"))
	assert.Equal(t, "/out/job.mp4", args[len(args)-1])
}

func TestBuildOmitsEmptyFilters(t *testing.T) {
	b := NewBuilder(zap.NewNop())

	for _, kind := range []OutputKind{KindMP3, KindMP4, KindWebM} {
		t.Run(string(kind), func(t *testing.T) {
			args, err := b.Build(BuildParams{
				InputPath: "in.mkv", OutputPath: "out." + string(kind),
				Kind: kind, Input: bothTracks,
			})
			require.NoError(t, err)
			assert.Equal(t, -1, indexOf(args, "-af"))
			assert.Equal(t, -1, indexOf(args, "-vf"))
			assert.Equal(t, -1, indexOf(args, "-ss"))
			assert.Equal(t, -1, indexOf(args, "-t"))
			for _, a := range args {
				assert.NotEqual(t, "", a)
			}
		})
	}
}

func TestBuildAudioKinds(t *testing.T) {
	b := NewBuilder(zap.NewNop())
	tests := []struct {
		kind  OutputKind
		codec string
	}{
		{KindMP3, "libmp3lame"},
		{KindWAV, "pcm_s16le"},
		{KindFLAC, "flac"},
		{KindM4A, "aac"},
		{KindOGG, "libvorbis"},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			args, err := b.Build(BuildParams{
				InputPath: "in.mp4", OutputPath: "out", Kind: tt.kind,
				Compiled: chain.CompiledChain{AudioFilter: "volume=1.5"},
				Input:    bothTracks,
			})
			require.NoError(t, err)
			assert.NotEqual(t, -1, indexOf(args, "-vn"))
			assert.Equal(t, tt.codec, valueOf(args, "-c:a"))
			assert.Equal(t, "volume=1.5", valueOf(args, "-af"))
			assert.Equal(t, -1, indexOf(args, "-c:v"))
		})
	}
}

func TestBuildVideoWithoutAudio(t *testing.T) {
	b := NewBuilder(zap.NewNop())
	args, err := b.Build(BuildParams{
		InputPath: "in.mp4", OutputPath: "out.webm", Kind: KindWebM,
		Compiled: chain.CompiledChain{AudioFilter: "volume=2"},
		Input:    InputTracks{HasVideo: true},
	})
	require.NoError(t, err)
	assert.Equal(t, -1, indexOf(args, "-af"), "no audio track, no audio filter")
	assert.NotEqual(t, -1, indexOf(args, "-an"))
	assert.Equal(t, "libvpx-vp9", valueOf(args, "-c:v"))
	assert.Equal(t, -1, indexOf(args, "-movflags"))
}

func TestBuildHardwareAccel(t *testing.T) {
	b := NewBuilderWithConfig(BuilderConfig{UseHardwareAccel: true}, zap.NewNop())
	args, err := b.Build(BuildParams{InputPath: "in", OutputPath: "out.mov", Kind: KindMOV, Input: bothTracks})
	require.NoError(t, err)
	assert.Equal(t, "h264_videotoolbox", valueOf(args, "-c:v"))
	assert.Equal(t, -1, indexOf(args, "-preset"))
}

func TestBuildErrors(t *testing.T) {
	b := NewBuilder(zap.NewNop())

	tests := []struct {
		name   string
		params BuildParams
		target error
	}{
		{
			name: "audio-only kind with video filters",
			params: BuildParams{Kind: KindMP3, Input: bothTracks,
				Compiled: chain.CompiledChain{VideoFilter: "gblur=sigma=2"}},
			target: ErrUnsupportedOutputKind,
		},
		{
			name:   "video kind without input video",
			params: BuildParams{Kind: KindMP4, Input: InputTracks{HasAudio: true}},
			target: ErrUnsupportedOutputKind,
		},
		{
			name:   "audio kind without input audio",
			params: BuildParams{Kind: KindWAV, Input: InputTracks{HasVideo: true}},
			target: ErrUnsupportedOutputKind,
		},
		{
			name:   "unknown kind",
			params: BuildParams{Kind: "gif", Input: bothTracks},
			target: ErrUnsupportedOutputKind,
		},
		{
			name:   "inverted trim",
			params: BuildParams{Kind: KindMP3, Input: bothTracks, TrimStart: 5 * time.Second, TrimEnd: 2 * time.Second},
			target: ErrInvalidTrim,
		},
		{
			name:   "negative trim",
			params: BuildParams{Kind: KindMP3, Input: bothTracks, TrimStart: -time.Second},
			target: ErrInvalidTrim,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := b.Build(tt.params)
			require.Error(t, err)
			assert.Nil(t, args)
			assert.True(t, errors.Is(err, tt.target), err.Error())
		})
	}

	_, err := b.Build(BuildParams{Kind: KindMP3, Input: bothTracks, Compiled: chain.CompiledChain{VideoFilter: "hflip"}})
	var kindErr *OutputKindError
	require.True(t, errors.As(err, &kindErr))
	assert.Equal(t, KindMP3, kindErr.Kind)
	assert.True(t, strings.Contains(err.Error(), "audio-only"))
}

func TestSupportedFormats(t *testing.T) {
	formats := SupportedFormats()
	assert.Len(t, formats["audio"], 5)
	assert.Len(t, formats["video"], 4)
	for _, f := range formats["video"] {
		assert.True(t, f.HasVideo())
	}
}
