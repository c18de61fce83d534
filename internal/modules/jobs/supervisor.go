package jobs

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// State is a job's lifecycle position
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

const (
	defaultCancelGrace = 5 * time.Second
	defaultDrainWait   = 2 * time.Second
	failureTailLines   = 20
	defaultLogRate     = 5
	defaultLogBurst    = 10
)

// RunSpec is everything needed to start one ffmpeg process.
type RunSpec struct {
	ID         string   `json:"id"`
	Args       []string `json:"args"`
	OutputPath string   `json:"output_path"`
	TotalMs    int64    `json:"total_ms"`
}

// JobConfig tunes process supervision.
type JobConfig struct {
	Binary          string
	CancelGrace     time.Duration
	DrainWait       time.Duration
	DiagnosticLimit int
	RelayBuffer     int
	// LogRate and LogBurst bound how many stderr lines become Log events.
	LogRate  rate.Limit
	LogBurst int
}

func (c JobConfig) withDefaults() JobConfig {
	if c.Binary == "" {
		c.Binary = "ffmpeg"
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = defaultCancelGrace
	}
	if c.DrainWait <= 0 {
		c.DrainWait = defaultDrainWait
	}
	if c.DiagnosticLimit <= 0 {
		c.DiagnosticLimit = DefaultDiagnosticLimit
	}
	if c.RelayBuffer <= 0 {
		c.RelayBuffer = DefaultRelayBuffer
	}
	if c.LogRate <= 0 {
		c.LogRate = defaultLogRate
	}
	if c.LogBurst <= 0 {
		c.LogBurst = defaultLogBurst
	}
	return c
}

// Snapshot is a point-in-time copy of a job's state.
type Snapshot struct {
	ID         string     `json:"id"`
	State      State      `json:"state"`
	OutputPath string     `json:"output_path"`
	Percent    float64    `json:"percent"`
	CurrentMs  int64      `json:"current_ms"`
	TotalMs    int64      `json:"total_ms"`
	ExitCode   int        `json:"exit_code,omitempty"`
	Error      *JobError  `json:"error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// JobError describes why a job did not succeed
type JobError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *JobError) Error() string {
	return e.Code + ": " + e.Message
}

// Job supervises a single ffmpeg process. It owns the process, both output pipes and the
// event fan-out.
type Job struct {
	spec   RunSpec
	config JobConfig
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	currentMs  int64
	percent    float64
	exitCode   int
	err        *JobError
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	cancelled  bool
	stop       context.CancelFunc

	events      *broadcaster
	diagnostics *tailBuffer
	done        chan struct{}
	release     func()
}

func newJob(spec RunSpec, config JobConfig, logger *zap.Logger, onDrop func()) *Job {
	config = config.withDefaults()
	return &Job{
		spec:        spec,
		config:      config,
		logger:      logger.With(zap.String("job_id", spec.ID)),
		state:       StateCreated,
		createdAt:   time.Now().UTC(),
		events:      newBroadcaster(spec.ID, config.RelayBuffer, onDrop),
		diagnostics: newTailBuffer(config.DiagnosticLimit),
		done:        make(chan struct{}),
	}
}

// ID returns the job identifier.
func (j *Job) ID() string { return j.spec.ID }

// OutputPath returns the file the job writes.
func (j *Job) OutputPath() string { return j.spec.OutputPath }

// Done is closed once the terminal event has been published.
func (j *Job) Done() <-chan struct{} { return j.done }

// Subscribe attaches a new relay. Subscribing after the job finished yields only the
// terminal event.
func (j *Job) Subscribe() *Relay { return j.events.subscribe() }

// Wait blocks until the job is terminal or ctx is done.
func (j *Job) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-j.done:
		return j.Snapshot(), nil
	case <-ctx.Done():
		return j.Snapshot(), ctx.Err()
	}
}

// Snapshot returns the job's current state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := Snapshot{
		ID:         j.spec.ID,
		State:      j.state,
		OutputPath: j.spec.OutputPath,
		Percent:    j.percent,
		CurrentMs:  j.currentMs,
		TotalMs:    j.spec.TotalMs,
		ExitCode:   j.exitCode,
		CreatedAt:  j.createdAt,
	}
	if j.err != nil {
		e := *j.err
		s.Error = &e
	}
	if !j.startedAt.IsZero() {
		t := j.startedAt
		s.StartedAt = &t
	}
	if !j.finishedAt.IsZero() {
		t := j.finishedAt
		s.FinishedAt = &t
	}
	return s
}

// Diagnostics returns the retained tail of ffmpeg's stderr.
func (j *Job) Diagnostics() string {
	return j.diagnostics.String()
}

// Cancel asks the process to stop: SIGTERM first, then a kill once the grace period
// passes. Cancelling a finished job is a no-op that returns false.
func (j *Job) Cancel() bool {
	j.mu.Lock()
	if j.state.Terminal() || j.cancelled {
		j.mu.Unlock()
		return false
	}
	j.cancelled = true
	stop := j.stop
	j.mu.Unlock()

	j.logger.Info("Cancelling render")
	if stop != nil {
		stop()
	}
	return true
}

func (j *Job) isCancelled() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelled
}

// start spawns the process and both pipe readers. It never blocks on the process;
// failures surface as the terminal event.
func (j *Job) start(parent context.Context) {
	ctx, stop := context.WithCancel(parent)

	cmd := exec.CommandContext(ctx, j.config.Binary, j.spec.Args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = j.config.CancelGrace

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stop()
		j.finish(StateFailed, errorEvent(CodeSpawnFailed, err.Error()))
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stop()
		j.finish(StateFailed, errorEvent(CodeSpawnFailed, err.Error()))
		return
	}

	j.mu.Lock()
	if j.cancelled {
		j.mu.Unlock()
		stop()
		j.finish(StateCancelled, errorEvent(CodeCancelled, "cancelled before start"))
		return
	}
	j.stop = stop
	j.mu.Unlock()

	if err := cmd.Start(); err != nil {
		stop()
		j.logger.Error("Failed to start ffmpeg", zap.String("binary", j.config.Binary), zap.Error(err))
		j.finish(StateFailed, errorEvent(CodeSpawnFailed, fmt.Sprintf("failed to start %s: %v", j.config.Binary, err)))
		return
	}

	j.mu.Lock()
	j.state = StateRunning
	j.startedAt = time.Now().UTC()
	j.mu.Unlock()

	j.events.publish(statusEvent(string(StateRunning)))
	j.events.publish(logEvent(j.config.Binary + " " + strings.Join(j.spec.Args, " ")))

	// Both pipes are drained from here on so the child can never block on a full pipe.
	logs := newLogForwarder(j.config.LogRate, j.config.LogBurst, func(e Event) { j.events.publish(e) })
	progressDone := make(chan struct{})
	diagDone := make(chan struct{})
	go func() {
		defer close(progressDone)
		j.readProgress(stdout)
	}()
	go func() {
		defer close(diagDone)
		_, _ = io.Copy(io.MultiWriter(j.diagnostics, logs), stderr)
	}()

	j.logger.Info("Render started", zap.Int("pid", cmd.Process.Pid), zap.String("output", j.spec.OutputPath))

	go j.supervise(cmd, stop, logs, progressDone, diagDone)
}

func (j *Job) supervise(cmd *exec.Cmd, stop context.CancelFunc, logs *logForwarder, progressDone, diagDone <-chan struct{}) {
	defer stop()

	<-progressDone
	select {
	case <-diagDone:
	case <-time.After(j.config.DrainWait):
		j.logger.Warn("Diagnostic stream still open after progress stream closed")
	}
	waitErr := cmd.Wait()
	if n := logs.Dropped(); n > 0 {
		j.logger.Debug("Diagnostic lines not forwarded", zap.Int64("count", n))
	}

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	j.mu.Lock()
	j.exitCode = exitCode
	j.mu.Unlock()

	if j.isCancelled() {
		j.removeOutput()
		j.finish(StateCancelled, errorEvent(CodeCancelled, "render cancelled"))
		return
	}

	if waitErr != nil {
		j.removeOutput()
		msg := fmt.Sprintf("ffmpeg exited with status %d", exitCode)
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			msg = waitErr.Error()
		}
		if tail := j.diagnostics.Lines(failureTailLines); len(tail) > 0 {
			msg += ": " + strings.Join(tail, "\n")
		}
		j.logger.Error("Render failed", zap.Int("exit_code", exitCode), zap.Error(waitErr))
		j.finish(StateFailed, errorEvent(CodeExecutionFailed, msg))
		return
	}

	if info, err := os.Stat(j.spec.OutputPath); err != nil || info.IsDir() {
		j.finish(StateFailed, errorEvent(CodeExecutionFailed, "ffmpeg exited cleanly but no output was written"))
		return
	}

	j.mu.Lock()
	report := j.percent < 100
	j.percent = 100
	if j.spec.TotalMs > 0 {
		j.currentMs = j.spec.TotalMs
	}
	j.mu.Unlock()
	if report {
		j.events.publish(Event{Type: EventProgress, Percent: 100, CurrentMs: j.spec.TotalMs, TotalMs: j.spec.TotalMs})
	}
	j.finish(StateSucceeded, completeEvent(j.spec.OutputPath))
}

// readProgress parses ffmpeg's -progress key=value stream.
func (j *Job) readProgress(r io.Reader) {
	scanner := bufio.NewScanner(r)
	lastMs := int64(-1)
	for scanner.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "out_time_us", "out_time_ms":
			// Both keys carry microseconds.
			us, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
			if err != nil || us < 0 {
				continue
			}
			ms := us / 1000
			if ms == lastMs {
				continue
			}
			lastMs = ms
			j.reportProgress(ms)
		case "progress":
			if value == "end" {
				j.events.publish(statusEvent("finalizing"))
			}
		}
	}
	// Keep draining if the scanner gave up on an oversized line.
	_, _ = io.Copy(io.Discard, r)
}

func (j *Job) reportProgress(ms int64) {
	e := progressEvent(ms, j.spec.TotalMs)
	j.mu.Lock()
	j.currentMs = ms
	j.percent = e.Percent
	j.mu.Unlock()
	j.events.publish(e)
}

func (j *Job) removeOutput() {
	if err := os.Remove(j.spec.OutputPath); err != nil && !os.IsNotExist(err) {
		j.logger.Warn("Failed to remove partial output", zap.String("path", j.spec.OutputPath), zap.Error(err))
	}
}

// finish records the terminal state, frees the output path and publishes the terminal
// event, in that order.
func (j *Job) finish(state State, terminal Event) {
	j.mu.Lock()
	j.state = state
	j.finishedAt = time.Now().UTC()
	if terminal.Type == EventError {
		j.err = &JobError{Code: terminal.Code, Message: terminal.Message}
	}
	release := j.release
	j.release = nil
	j.mu.Unlock()

	if release != nil {
		release()
	}
	j.events.publish(terminal)
	close(j.done)

	j.logger.Info("Render finished", zap.String("state", string(state)))
}
