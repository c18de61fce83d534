package jobs

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// DefaultDiagnosticLimit caps how much of ffmpeg's stderr is retained.
const DefaultDiagnosticLimit = 64 * 1024

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
	total int64
}

func newTailBuffer(limit int) *tailBuffer {
	if limit <= 0 {
		limit = DefaultDiagnosticLimit
	}
	return &tailBuffer{limit: limit, buf: make([]byte, 0, 4096)}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.total += int64(len(p))
	if len(p) >= t.limit {
		t.buf = append(t.buf[:0], p[len(p)-t.limit:]...)
		return len(p), nil
	}
	if over := len(t.buf) + len(p) - t.limit; over > 0 {
		n := copy(t.buf, t.buf[over:])
		t.buf = t.buf[:n]
	}
	t.buf = append(t.buf, p...)
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

// Len is the number of retained bytes.
func (t *tailBuffer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buf)
}

// Truncated reports whether earlier output was evicted.
func (t *tailBuffer) Truncated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.total > int64(len(t.buf))
}

// Lines returns the last n non-empty lines.
func (t *tailBuffer) Lines(n int) []string {
	raw := strings.ReplaceAll(t.String(), "\r", "\n")
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

const maxLogLine = 1024

// logForwarder turns stderr lines into Log events. Lines beyond the limiter's budget are
// counted and skipped; Write never blocks the pipe drain.
type logForwarder struct {
	limiter *rate.Limiter
	publish func(Event)
	partial []byte
	dropped atomic.Int64
}

func newLogForwarder(limit rate.Limit, burst int, publish func(Event)) *logForwarder {
	return &logForwarder{limiter: rate.NewLimiter(limit, burst), publish: publish}
}

func (f *logForwarder) Write(p []byte) (int, error) {
	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexAny(p, "\r\n")
		if i < 0 {
			f.buffer(p)
			break
		}
		f.buffer(p[:i])
		f.emit()
		p = p[i+1:]
	}
	return n, nil
}

func (f *logForwarder) buffer(p []byte) {
	if room := maxLogLine - len(f.partial); room > 0 {
		f.partial = append(f.partial, p[:min(room, len(p))]...)
	}
}

func (f *logForwarder) emit() {
	line := strings.TrimSpace(string(f.partial))
	f.partial = f.partial[:0]
	if line == "" {
		return
	}
	if !f.limiter.Allow() {
		f.dropped.Add(1)
		return
	}
	f.publish(logEvent(line))
}

// Dropped is the number of lines skipped by the rate limit.
func (f *logForwarder) Dropped() int64 {
	return f.dropped.Load()
}
