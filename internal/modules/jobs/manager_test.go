package jobs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nextconvert/fxstudio/internal/modules/media"
)

const helperEnv = "FXSTUDIO_HELPER_PROCESS"

// TestHelperProcess stands in for ffmpeg when re-executed by the tests below.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		return
	}
	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 3 {
		os.Exit(2)
	}
	mode, output := args[1], args[2]
	stdout := bufio.NewWriter(os.Stdout)

	switch mode {
	case "success":
		fmt.Fprint(stdout, "frame=10\nout_time_us=1000000\nout_time_ms=1000000\nprogress=continue\n")
		fmt.Fprint(stdout, "out_time_us=N/A\nout_time_us=2000000\nprogress=end\n")
		stdout.Flush()
		_ = os.WriteFile(output, []byte("media"), 0o644)
	case "flood":
		stderr := bufio.NewWriter(os.Stderr)
		for i := 0; i < 200; i++ {
			fmt.Fprintf(stderr, "frame=%5d fps=30 q=28.0 size=%s\n", i, strings.Repeat("0", 1000))
		}
		stderr.Flush()
		fmt.Fprint(stdout, "out_time_us=2000000\nprogress=end\n")
		stdout.Flush()
		_ = os.WriteFile(output, []byte("media"), 0o644)
	case "fail":
		fmt.Fprintln(os.Stderr, "Input #0, wav, from 'in.wav':")
		fmt.Fprintln(os.Stderr, "in.wav: Invalid data found when processing input")
		os.Exit(3)
	case "hang":
		_ = os.WriteFile(output, []byte("partial"), 0o644)
		fmt.Fprint(stdout, "out_time_us=500000\nprogress=continue\n")
		stdout.Flush()
		time.Sleep(time.Minute)
	case "noout":
		fmt.Fprint(stdout, "progress=end\n")
		stdout.Flush()
	}
	os.Exit(0)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	t.Setenv(helperEnv, "1")
	m := NewManager(ManagerConfig{Job: JobConfig{Binary: os.Args[0], CancelGrace: 2 * time.Second}}, zap.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func helperSpec(t *testing.T, mode string) RunSpec {
	t.Helper()
	out := filepath.Join(t.TempDir(), "out.bin")
	return RunSpec{
		Args:       []string{"-test.run=^TestHelperProcess$", "--", mode, out},
		OutputPath: out,
		TotalMs:    2000,
	}
}

func countType(events []Event, typ EventType) int {
	n := 0
	for _, e := range events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestRunSuccess(t *testing.T) {
	m := newTestManager(t)
	spec := helperSpec(t, "success")

	job, err := m.Run(context.Background(), spec)
	require.NoError(t, err)
	events := drain(t, job.Subscribe())

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventComplete, last.Type)
	assert.Equal(t, spec.OutputPath, last.OutputPath)
	assert.Equal(t, 1, countType(events, EventComplete))
	assert.Zero(t, countType(events, EventError))
	assert.FileExists(t, spec.OutputPath)

	snap := job.Snapshot()
	assert.Equal(t, StateSucceeded, snap.State)
	assert.Equal(t, 100.0, snap.Percent)
	assert.NotNil(t, snap.FinishedAt)
}

func TestRunProgressEvents(t *testing.T) {
	m := newTestManager(t)

	var sunk []Event
	done := make(chan struct{})
	m.AddSink(func(e Event) {
		sunk = append(sunk, e)
		if e.Terminal() {
			close(done)
		}
	})

	job, err := m.Run(context.Background(), helperSpec(t, "success"))
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("no terminal event")
	}

	assert.Equal(t, EventStatus, sunk[0].Type)
	assert.Equal(t, string(StateRunning), sunk[0].Message)

	var percents []float64
	for _, e := range sunk {
		if e.Type == EventProgress {
			percents = append(percents, e.Percent)
		}
	}
	assert.Equal(t, []float64{50, 100}, percents, "out_time_us and out_time_ms for the same instant count once")
	assert.Equal(t, job.ID(), sunk[len(sunk)-1].JobID)
}

func TestRunLargeDiagnosticsDoNotDeadlock(t *testing.T) {
	m := newTestManager(t)

	job, err := m.Run(context.Background(), helperSpec(t, "flood"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	snap, err := job.Wait(ctx)
	require.NoError(t, err)

	assert.Equal(t, StateSucceeded, snap.State)
	assert.Equal(t, 0, snap.ExitCode)
	assert.LessOrEqual(t, len(job.Diagnostics()), DefaultDiagnosticLimit)
	assert.True(t, job.diagnostics.Truncated())
}

func TestRunForwardsDiagnosticLines(t *testing.T) {
	m := newTestManager(t)

	var sunk []Event
	done := make(chan struct{})
	m.AddSink(func(e Event) {
		sunk = append(sunk, e)
		if e.Terminal() {
			close(done)
		}
	})

	_, err := m.Run(context.Background(), helperSpec(t, "flood"))
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(20 * time.Second):
		t.Fatal("no terminal event")
	}

	var lines []string
	for _, e := range sunk {
		if e.Type == EventLog && strings.HasPrefix(e.Message, "frame=") {
			lines = append(lines, e.Message)
		}
	}
	require.NotEmpty(t, lines, "stderr lines arrive as log events")
	assert.LessOrEqual(t, len(lines), defaultLogBurst+5, "forwarding is rate limited")
	for _, l := range lines {
		assert.LessOrEqual(t, len(l), maxLogLine)
	}
	assert.Equal(t, EventComplete, sunk[len(sunk)-1].Type)
}

func TestRunFailure(t *testing.T) {
	m := newTestManager(t)
	spec := helperSpec(t, "fail")

	job, err := m.Run(context.Background(), spec)
	require.NoError(t, err)
	events := drain(t, job.Subscribe())

	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, CodeExecutionFailed, last.Code)
	assert.Contains(t, last.Message, "status 3")
	assert.Contains(t, last.Message, "Invalid data found")
	assert.Zero(t, countType(events, EventComplete))

	snap := job.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	assert.Equal(t, 3, snap.ExitCode)
	require.NotNil(t, snap.Error)
	assert.Equal(t, CodeExecutionFailed, snap.Error.Code)
}

func TestRunWithoutOutput(t *testing.T) {
	m := newTestManager(t)

	job, err := m.Run(context.Background(), helperSpec(t, "noout"))
	require.NoError(t, err)
	events := drain(t, job.Subscribe())

	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, CodeExecutionFailed, last.Code)
}

func TestRunSpawnFailure(t *testing.T) {
	m := NewManager(ManagerConfig{Job: JobConfig{Binary: "/nonexistent/ffmpeg"}}, zap.NewNop())
	out := filepath.Join(t.TempDir(), "out.wav")

	job, err := m.Run(context.Background(), RunSpec{Args: []string{"-i", "in.wav", out}, OutputPath: out})
	require.NoError(t, err, "spawn failures are reported as events")

	events := drain(t, job.Subscribe())
	require.Len(t, events, 1)
	assert.Equal(t, CodeSpawnFailed, events[0].Code)
	assert.Equal(t, StateFailed, job.Snapshot().State)
	assert.Zero(t, m.Active())
}

func TestCancel(t *testing.T) {
	m := newTestManager(t)
	spec := helperSpec(t, "hang")

	job, err := m.Run(context.Background(), spec)
	require.NoError(t, err)
	relay := job.Subscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	var seen []Event
	for {
		e, err := relay.Next(ctx)
		require.NoError(t, err)
		seen = append(seen, e)
		if e.Type == EventProgress {
			break
		}
	}

	require.NoError(t, m.Cancel(job.ID()))
	seen = append(seen, drain(t, relay)...)

	last := seen[len(seen)-1]
	assert.True(t, last.Cancelled())
	assert.Zero(t, countType(seen, EventComplete))
	assert.NoFileExists(t, spec.OutputPath)
	assert.Equal(t, StateCancelled, job.Snapshot().State)

	assert.ErrorIs(t, m.Cancel(job.ID()), ErrJobFinished)
	assert.Equal(t, StateCancelled, job.Snapshot().State, "second cancel changes nothing")
}

func TestRunContextCancels(t *testing.T) {
	m := newTestManager(t)
	spec := helperSpec(t, "hang")

	ctx, cancel := context.WithCancel(context.Background())
	job, err := m.Run(ctx, spec)
	require.NoError(t, err)

	relay := job.Subscribe()

	wait, stop := context.WithTimeout(context.Background(), 20*time.Second)
	defer stop()
	for {
		e, err := relay.Next(wait)
		require.NoError(t, err)
		if e.Type == EventProgress {
			break
		}
	}
	cancel()

	snap, err := job.Wait(wait)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, snap.State)
	assert.NoFileExists(t, spec.OutputPath)
}

func TestOutputPathIsExclusive(t *testing.T) {
	m := newTestManager(t)
	spec := helperSpec(t, "hang")

	first, err := m.Run(context.Background(), spec)
	require.NoError(t, err)

	second := spec
	second.ID = "other"
	_, err = m.Run(context.Background(), second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOutputPathBusy))
	var busy *BusyError
	require.True(t, errors.As(err, &busy))
	assert.Equal(t, first.ID(), busy.JobID)

	require.NoError(t, m.Cancel(first.ID()))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_, err = first.Wait(ctx)
	require.NoError(t, err)

	third, err := m.Run(context.Background(), second)
	require.NoError(t, err, "path is free once the holder is terminal")
	require.NoError(t, m.Cancel(third.ID()))
}

func TestUnknownJob(t *testing.T) {
	m := NewManager(ManagerConfig{}, zap.NewNop())
	_, err := m.Get("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	_, err = m.Subscribe("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.ErrorIs(t, m.Cancel("missing"), ErrJobNotFound)
}

func TestLateSubscriber(t *testing.T) {
	m := newTestManager(t)
	job, err := m.Run(context.Background(), helperSpec(t, "success"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	_, err = job.Wait(ctx)
	require.NoError(t, err)

	relay, err := m.Subscribe(job.ID())
	require.NoError(t, err)
	events := drain(t, relay)
	require.Len(t, events, 1)
	assert.Equal(t, EventComplete, events[0].Type)

	list := m.List()
	require.Len(t, list, 1)
	assert.Equal(t, StateSucceeded, list[0].State)
}

// Runs a real ffmpeg when one is installed.
func TestRunWithFFmpeg(t *testing.T) {
	ffmpeg, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not installed")
	}
	dir := t.TempDir()
	input := filepath.Join(dir, "tone.wav")
	gen := exec.Command(ffmpeg, "-y", "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "sine=frequency=440:duration=1", input)
	if out, err := gen.CombinedOutput(); err != nil {
		t.Skipf("ffmpeg cannot generate test input: %v: %s", err, out)
	}

	output := filepath.Join(dir, "render.wav")
	args, err := media.NewBuilder(zap.NewNop()).Build(media.BuildParams{
		InputPath:  input,
		OutputPath: output,
		Kind:       media.KindWAV,
		Input:      media.InputTracks{HasAudio: true},
	})
	require.NoError(t, err)

	m := NewManager(ManagerConfig{Job: JobConfig{Binary: ffmpeg}}, zap.NewNop())
	job, err := m.Run(context.Background(), RunSpec{Args: args, OutputPath: output, TotalMs: 1000})
	require.NoError(t, err)

	events := drain(t, job.Subscribe())
	assert.Equal(t, 1, countType(events, EventComplete))
	assert.Equal(t, EventComplete, events[len(events)-1].Type)
	assert.FileExists(t, output)
}
