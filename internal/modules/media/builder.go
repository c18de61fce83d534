package media

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/nextconvert/fxstudio/internal/modules/chain"
)

var (
	// ErrUnsupportedOutputKind is returned when the requested container contradicts the
	// input tracks or the compiled filters.
	ErrUnsupportedOutputKind = errors.New("unsupported output kind")
	// ErrInvalidTrim is returned for negative or inverted trim boundaries.
	ErrInvalidTrim = errors.New("invalid trim range")
)

// OutputKindError explains why a kind was rejected.
type OutputKindError struct {
	Kind   OutputKind
	Reason string
}

func (e *OutputKindError) Error() string {
	return fmt.Sprintf("output kind %q: %s", e.Kind, e.Reason)
}

func (e *OutputKindError) Unwrap() error { return ErrUnsupportedOutputKind }

// Builder turns a compiled chain into an ffmpeg argument vector
type Builder struct {
	logger            *zap.Logger
	maxThreads        int  // Limit CPU threads (0 = auto/unlimited)
	useHardwareAccel  bool // Use hardware acceleration when available
	preferFastPresets bool // Use faster presets to reduce CPU load
}

// BuilderConfig configures encoder choices
type BuilderConfig struct {
	MaxThreads        int  // 0 = unlimited, recommended: 2-4 for background processing
	UseHardwareAccel  bool // Use VideoToolbox for H.264 where available
	PreferFastPresets bool // Use "veryfast" instead of "medium" preset
}

// InputTracks says which streams the input actually has.
type InputTracks struct {
	HasAudio bool `json:"has_audio"`
	HasVideo bool `json:"has_video"`
}

// BuildParams contains everything needed for one invocation
type BuildParams struct {
	InputPath  string
	OutputPath string
	TrimStart  time.Duration
	TrimEnd    time.Duration // zero means the end of the input
	Compiled   chain.CompiledChain
	Kind       OutputKind
	Input      InputTracks

	UseHardwareAccel *bool // overrides the builder default when set
}

// NewBuilder creates a builder with cloud-friendly defaults
func NewBuilder(logger *zap.Logger) *Builder {
	return &Builder{
		logger:            logger,
		maxThreads:        0,
		useHardwareAccel:  false,
		preferFastPresets: true,
	}
}

// NewBuilderWithConfig creates a builder with custom configuration
func NewBuilderWithConfig(config BuilderConfig, logger *zap.Logger) *Builder {
	return &Builder{
		logger:            logger,
		maxThreads:        config.MaxThreads,
		useHardwareAccel:  config.UseHardwareAccel,
		preferFastPresets: config.PreferFastPresets,
	}
}

func (b *Builder) useHWAccel(p *BuildParams) bool {
	if p.UseHardwareAccel != nil {
		return *p.UseHardwareAccel
	}
	return b.useHardwareAccel
}

// Build validates the request and returns the ffmpeg arguments (without the binary).
//
// Progress is written as key=value lines to stdout; diagnostics go to stderr.
// Seeking is done on the input side, before -i, which is much faster than decoding up to
// the start point. Empty filter graphs are omitted entirely.
func (b *Builder) Build(p BuildParams) ([]string, error) {
	format, ok := LookupFormat(p.Kind)
	if !ok {
		return nil, &OutputKindError{Kind: p.Kind, Reason: "unknown container"}
	}
	if format.HasVideo() && !p.Input.HasVideo {
		return nil, &OutputKindError{Kind: p.Kind, Reason: "input has no video track"}
	}
	if !format.HasVideo() && p.Compiled.VideoFilter != "" {
		return nil, &OutputKindError{Kind: p.Kind, Reason: "video filters requested for an audio-only container"}
	}
	if !format.HasVideo() && !p.Input.HasAudio {
		return nil, &OutputKindError{Kind: p.Kind, Reason: "input has no audio track"}
	}
	if p.TrimStart < 0 || p.TrimEnd < 0 {
		return nil, fmt.Errorf("%w: boundaries must not be negative", ErrInvalidTrim)
	}
	if p.TrimEnd > 0 && p.TrimEnd <= p.TrimStart {
		return nil, fmt.Errorf("%w: end %s is not after start %s", ErrInvalidTrim, p.TrimEnd, p.TrimStart)
	}

	args := []string{"-y", "-hide_banner", "-nostdin", "-progress", "pipe:1", "-nostats"}

	// Limit CPU threads to reduce system load
	if b.maxThreads > 0 {
		args = append(args, "-threads", strconv.Itoa(b.maxThreads))
	}

	// Trim bounds are input options so tempo filters stretch the whole selected range.
	if p.TrimStart > 0 {
		args = append(args, "-ss", seconds(p.TrimStart))
	}
	if p.TrimEnd > 0 {
		args = append(args, "-t", seconds(p.TrimEnd-p.TrimStart))
	}
	args = append(args, "-i", p.InputPath)

	if p.Compiled.AudioFilter != "" {
		if p.Input.HasAudio {
			args = append(args, "-af", p.Compiled.AudioFilter)
		} else {
			b.logger.Debug("Dropping audio filter for input without audio", zap.String("input", p.InputPath))
		}
	}
	if format.HasVideo() && p.Compiled.VideoFilter != "" {
		args = append(args, "-vf", p.Compiled.VideoFilter)
	}

	args = append(args, b.codecArgs(format, &p)...)

	if format.FastStart {
		args = append(args, "-movflags", "+faststart")
	}

	args = append(args, p.OutputPath)
	return args, nil
}

func (b *Builder) codecArgs(format FormatInfo, p *BuildParams) []string {
	// Determine the preset to use based on configuration
	preset := "medium"
	if b.preferFastPresets {
		preset = "veryfast" // Much faster encoding, slightly larger file size
	}

	switch format.Kind {
	case KindMP3:
		return []string{"-vn", "-c:a", "libmp3lame", "-q:a", "4"}
	case KindWAV:
		return []string{"-vn", "-c:a", "pcm_s16le"}
	case KindFLAC:
		return []string{"-vn", "-c:a", "flac"}
	case KindM4A:
		return []string{"-vn", "-c:a", "aac", "-b:a", "192k"}
	case KindOGG:
		return []string{"-vn", "-c:a", "libvorbis", "-q:a", "5"}
	}

	var args []string
	switch format.Kind {
	case KindWebM:
		// VP9 has no hardware encoder here; cpu-used and row-mt keep it tolerable
		args = []string{"-c:v", "libvpx-vp9", "-cpu-used", "4", "-row-mt", "1", "-b:v", "0", "-crf", "32"}
	default:
		if b.useHWAccel(p) {
			args = []string{"-c:v", "h264_videotoolbox"}
		} else {
			args = []string{"-c:v", "libx264", "-preset", preset, "-crf", "23"}
		}
		args = append(args, "-pix_fmt", "yuv420p")
	}

	if !p.Input.HasAudio {
		return append(args, "-an")
	}
	if format.Kind == KindWebM {
		return append(args, "-c:a", "libopus")
	}
	return append(args, "-c:a", "aac")
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
