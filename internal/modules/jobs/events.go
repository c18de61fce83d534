package jobs

import (
	"time"
)

// EventType tags a render event
type EventType string

const (
	EventStatus   EventType = "status"
	EventProgress EventType = "progress"
	EventLog      EventType = "log"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// Error codes carried by EventError
const (
	CodeSpawnFailed     = "spawn_failed"
	CodeExecutionFailed = "execution_failed"
	CodeCancelled       = "cancelled"
)

// Event is one entry in a job's progress stream. Complete or Error is always the last.
type Event struct {
	JobID      string    `json:"job_id,omitempty"`
	Seq        int64     `json:"seq"`
	Type       EventType `json:"type"`
	Percent    float64   `json:"percent,omitempty"`
	CurrentMs  int64     `json:"current_ms,omitempty"`
	TotalMs    int64     `json:"total_ms,omitempty"`
	Message    string    `json:"message,omitempty"`
	OutputPath string    `json:"output_path,omitempty"`
	Code       string    `json:"code,omitempty"`
	Time       time.Time `json:"time"`
}

// Terminal reports whether the event ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// Cancelled reports whether the event is the terminal event of a user cancellation.
func (e Event) Cancelled() bool {
	return e.Type == EventError && e.Code == CodeCancelled
}

func statusEvent(message string) Event {
	return Event{Type: EventStatus, Message: message}
}

func logEvent(line string) Event {
	return Event{Type: EventLog, Message: line}
}

func progressEvent(currentMs, totalMs int64) Event {
	return Event{Type: EventProgress, Percent: percentOf(currentMs, totalMs), CurrentMs: currentMs, TotalMs: totalMs}
}

func completeEvent(outputPath string) Event {
	return Event{Type: EventComplete, OutputPath: outputPath, Percent: 100}
}

func errorEvent(code, message string) Event {
	return Event{Type: EventError, Code: code, Message: message}
}

// percentOf is min(100, 100*current/total), rounded to one decimal. Unknown totals give 0.
func percentOf(currentMs, totalMs int64) float64 {
	if totalMs <= 0 || currentMs <= 0 {
		return 0
	}
	p := 100 * float64(currentMs) / float64(totalMs)
	if p > 100 {
		p = 100
	}
	return float64(int64(p*10+0.5)) / 10
}
