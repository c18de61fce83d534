package media

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nextconvert/fxstudio/internal/modules/chain"
	"github.com/nextconvert/fxstudio/internal/modules/effects"
)

type fakePaths struct{ root string }

func (f fakePaths) ResolveInput(_ context.Context, name string) (string, error) {
	if name == "missing.mp4" {
		return "", errors.New("not found")
	}
	return filepath.Join(f.root, "upload", name), nil
}

func (f fakePaths) OutputPath(name string) (string, error) {
	return filepath.Join(f.root, "output", name), nil
}

type fakeProber struct{ info MediaInfo }

func (f fakeProber) Probe(context.Context, string) (*MediaInfo, error) {
	info := f.info
	return &info, nil
}

var hdVideo = MediaInfo{DurationMs: 10000, VideoCodec: "h264", AudioCodec: "aac", Width: 1920, Height: 1080}

func newTestModule(t *testing.T, info MediaInfo) *Module {
	t.Helper()
	reg, err := effects.LoadDefault(zap.NewNop())
	require.NoError(t, err)
	return NewModule(reg, NewBuilder(zap.NewNop()), fakeProber{info: info}, fakePaths{root: "/data"}, ModuleConfig{}, zap.NewNop())
}

func TestPlan(t *testing.T) {
	m := newTestModule(t, hdVideo)

	plan, err := m.Plan(context.Background(), "job1", RenderRequest{
		Input:      "clip.mp4",
		OutputKind: KindMP4,
		Selection: SelectionRequest{
			VideoChain: []string{"brightness:bright", "crop:classic"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "/data/upload/clip.mp4", plan.InputPath)
	assert.Equal(t, "/data/output/job1.mp4", plan.OutputPath)
	assert.Equal(t, int64(10000), plan.TotalMs)
	assert.Equal(t, "crop=w='min(iw,ih*4/3)':h='min(ih,iw*3/4)',eq=brightness=0.2", plan.Compiled.VideoFilter)
	assert.Equal(t, plan.Compiled.VideoFilter, valueOf(plan.Args, "-vf"))
	assert.Equal(t, -1, indexOf(plan.Args, "-af"))
	assert.Equal(t, "10.000", valueOf(plan.Args, "-t"))
}

func TestPlanTrimAndPreview(t *testing.T) {
	m := newTestModule(t, hdVideo)

	t.Run("trim", func(t *testing.T) {
		plan, err := m.Plan(context.Background(), "a", RenderRequest{
			Input: "clip.mp4", OutputKind: KindMP3, TrimStartMs: 2000, TrimEndMs: 5000,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(3000), plan.TotalMs)
		assert.Equal(t, "2.000", valueOf(plan.Args, "-ss"))
		assert.Equal(t, "3.000", valueOf(plan.Args, "-t"))
	})

	t.Run("preview is clamped", func(t *testing.T) {
		plan, err := m.Plan(context.Background(), "b", RenderRequest{
			Input: "clip.mp4", OutputKind: KindMP3, TrimStartMs: 1000, Preview: true,
		})
		require.NoError(t, err)
		assert.Equal(t, int64(6000), plan.TotalMs)
		assert.Equal(t, "/data/output/preview_b.mp3", plan.OutputPath)
	})

	t.Run("speed shortens total", func(t *testing.T) {
		plan, err := m.Plan(context.Background(), "c", RenderRequest{
			Input: "clip.mp4", OutputKind: KindMP3,
			Selection: SelectionRequest{AudioChain: []string{"speed:double"}},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(5000), plan.TotalMs)
	})

	t.Run("trim with slow-down reads the whole range", func(t *testing.T) {
		plan, err := m.Plan(context.Background(), "e", RenderRequest{
			Input: "clip.mp4", OutputKind: KindMP3, TrimStartMs: 0, TrimEndMs: 4000,
			Selection: SelectionRequest{Overrides: []chain.Override{{Category: "speed", Params: effects.Params{"speed": "0.5"}}}},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(8000), plan.TotalMs)
		assert.Equal(t, "4.000", valueOf(plan.Args, "-t"))
		assert.Less(t, indexOf(plan.Args, "-t"), indexOf(plan.Args, "-i"))
		assert.Equal(t, "atempo=0.5", valueOf(plan.Args, "-af"))
	})

	t.Run("start past end", func(t *testing.T) {
		_, err := m.Plan(context.Background(), "d", RenderRequest{
			Input: "clip.mp4", OutputKind: KindMP3, TrimStartMs: 12000,
		})
		assert.True(t, errors.Is(err, ErrInvalidTrim))
	})
}

func TestPlanErrors(t *testing.T) {
	m := newTestModule(t, hdVideo)
	audioOnly := newTestModule(t, MediaInfo{DurationMs: 10000, AudioCodec: "mp3"})

	_, err := m.Plan(context.Background(), "x", RenderRequest{
		Input: "clip.mp4", OutputKind: KindMP3,
		Selection: SelectionRequest{VideoChain: []string{"blur:soft"}},
	})
	assert.True(t, errors.Is(err, ErrUnsupportedOutputKind))

	_, err = audioOnly.Plan(context.Background(), "x", RenderRequest{Input: "song.mp3", OutputKind: KindMP4})
	assert.True(t, errors.Is(err, ErrUnsupportedOutputKind))

	_, err = m.Plan(context.Background(), "x", RenderRequest{
		Input: "clip.mp4", OutputKind: KindMP3,
		Selection: SelectionRequest{AudioChain: []string{"volume:deafening"}},
	})
	assert.True(t, errors.Is(err, effects.ErrUnknownPreset))

	_, err = m.Plan(context.Background(), "x", RenderRequest{
		Input: "clip.mp4", OutputKind: KindMP3,
		Selection: SelectionRequest{Overrides: []chain.Override{{Category: "volume", Params: effects.Params{"volume": 12}}}},
	})
	assert.True(t, errors.Is(err, effects.ErrInvalidParameter))

	_, err = m.Plan(context.Background(), "x", RenderRequest{Input: "missing.mp4", OutputKind: KindMP3})
	assert.Error(t, err)
}

func TestCompilePreview(t *testing.T) {
	m := newTestModule(t, hdVideo)
	compiled, err := m.Compile(SelectionRequest{AudioChain: []string{"vinyl", "old_radio"}})
	require.NoError(t, err)
	assert.Contains(t, compiled.AudioFilter, "highpass=f=400,lowpass=f=3000")
	assert.Equal(t, "", compiled.VideoFilter)
}
