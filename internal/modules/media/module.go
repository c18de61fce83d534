package media

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/nextconvert/fxstudio/internal/modules/chain"
	"github.com/nextconvert/fxstudio/internal/modules/effects"
)

// PathResolver gives absolute locations for inputs and outputs.
type PathResolver interface {
	ResolveInput(ctx context.Context, name string) (string, error)
	OutputPath(name string) (string, error)
}

// MediaProber reads stream metadata from a local file.
type MediaProber interface {
	Probe(ctx context.Context, path string) (*MediaInfo, error)
}

// SelectionRequest is the wire form of a chain.Selection.
type SelectionRequest struct {
	AudioChain []string         `json:"audio_chain,omitempty"`
	VideoChain []string         `json:"video_chain,omitempty"`
	Overrides  []chain.Override `json:"overrides,omitempty"`
}

// Selection converts the request into chain values.
func (s SelectionRequest) Selection() chain.Selection {
	return chain.Selection{
		Audio:     chain.NewPresetChain(effects.TrackAudio, s.AudioChain...),
		Video:     chain.NewPresetChain(effects.TrackVideo, s.VideoChain...),
		Overrides: s.Overrides,
	}
}

// RenderRequest describes one export or preview.
type RenderRequest struct {
	Input       string           `json:"input"`
	OutputKind  OutputKind       `json:"output_kind"`
	TrimStartMs int64            `json:"trim_start_ms"`
	TrimEndMs   int64            `json:"trim_end_ms"`
	Preview     bool             `json:"preview"`
	Selection   SelectionRequest `json:"selection"`
}

// Plan is a fully prepared invocation.
type Plan struct {
	InputPath  string              `json:"input_path"`
	OutputPath string              `json:"output_path"`
	Kind       OutputKind          `json:"output_kind"`
	Args       []string            `json:"args"`
	Compiled   chain.CompiledChain `json:"compiled"`
	Info       *MediaInfo          `json:"info,omitempty"`
	TotalMs    int64               `json:"total_ms"`
}

// ModuleConfig holds render planning settings
type ModuleConfig struct {
	PreviewDuration time.Duration
}

// Module plans renders: compile, resolve paths, probe, and build arguments
type Module struct {
	resolver chain.Resolver
	builder  *Builder
	prober   MediaProber
	paths    PathResolver
	config   ModuleConfig
	logger   *zap.Logger
}

// NewModule creates a new media module
func NewModule(resolver chain.Resolver, builder *Builder, prober MediaProber, paths PathResolver, config ModuleConfig, logger *zap.Logger) *Module {
	if config.PreviewDuration <= 0 {
		config.PreviewDuration = 6 * time.Second
	}
	return &Module{
		resolver: resolver,
		builder:  builder,
		prober:   prober,
		paths:    paths,
		config:   config,
		logger:   logger,
	}
}

// Compile compiles a selection without touching any file.
func (m *Module) Compile(sel SelectionRequest) (chain.CompiledChain, error) {
	return chain.CompileSelection(m.resolver, sel.Selection())
}

// Plan prepares the invocation for job id. Every error here is synchronous: nothing has
// been started yet.
func (m *Module) Plan(ctx context.Context, id string, req RenderRequest) (*Plan, error) {
	steps, err := chain.Expand(m.resolver, req.Selection.Selection())
	if err != nil {
		return nil, err
	}
	compiled, err := chain.Compile(steps)
	if err != nil {
		return nil, err
	}

	format, ok := LookupFormat(req.OutputKind)
	if !ok {
		return nil, &OutputKindError{Kind: req.OutputKind, Reason: "unknown container"}
	}

	inputPath, err := m.paths.ResolveInput(ctx, req.Input)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve input: %w", err)
	}

	info, err := m.prober.Probe(ctx, inputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to probe input: %w", err)
	}

	start := time.Duration(req.TrimStartMs) * time.Millisecond
	end := time.Duration(req.TrimEndMs) * time.Millisecond
	if req.TrimStartMs < 0 || req.TrimEndMs < 0 {
		return nil, fmt.Errorf("%w: boundaries must not be negative", ErrInvalidTrim)
	}
	duration := time.Duration(info.DurationMs) * time.Millisecond
	if duration > 0 && start >= duration {
		return nil, fmt.Errorf("%w: start %s is past the end of the input (%s)", ErrInvalidTrim, start, duration)
	}
	if duration > 0 && (end == 0 || end > duration) {
		end = duration
	}
	if req.Preview && (end == 0 || end-start > m.config.PreviewDuration) {
		end = start + m.config.PreviewDuration
	}

	name := fmt.Sprintf("%s.%s", id, format.Kind)
	if req.Preview {
		name = "preview_" + name
	}
	outputPath, err := m.paths.OutputPath(name)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve output: %w", err)
	}

	args, err := m.builder.Build(BuildParams{
		InputPath:  inputPath,
		OutputPath: outputPath,
		TrimStart:  start,
		TrimEnd:    end,
		Compiled:   compiled,
		Kind:       format.Kind,
		Input:      info.Tracks(),
	})
	if err != nil {
		return nil, err
	}

	total := end - start
	if end == 0 {
		total = 0
	}
	if factor := tempoFactor(steps, format.HasVideo()); factor > 0 {
		total = time.Duration(float64(total) / factor)
	}

	m.logger.Debug("Planned render",
		zap.String("id", id),
		zap.String("audio_filter", compiled.AudioFilter),
		zap.String("video_filter", compiled.VideoFilter),
		zap.Strings("args", args),
	)

	return &Plan{
		InputPath:  inputPath,
		OutputPath: outputPath,
		Kind:       format.Kind,
		Args:       args,
		Compiled:   compiled,
		Info:       info,
		TotalMs:    total.Milliseconds(),
	}, nil
}

// tempoFactor returns the playback speed the output timeline runs at, so progress can be
// measured against the output duration rather than the input's.
func tempoFactor(steps []effects.FilterStep, video bool) float64 {
	category := "speed"
	if video {
		category = "video_speed"
	}
	factor := 1.0
	for _, s := range steps {
		if s.Category() != category {
			continue
		}
		factor = 1.0
		if f, ok := effects.Float(s.Params()["speed"]); ok && f > 0 {
			factor = f
		}
	}
	return factor
}
