package domain

import (
	"time"
)

// ProgressEvent is a typed event produced from the progress stream.
type ProgressEvent interface {
	progressEvent()
}

// Progress carries a download percentage.
type Progress struct {
	Percent float64
}

// Info carries an informational message from the backend.
type Info struct {
	Text string
}

// Failure is a backend-signaled job failure. Terminal.
type Failure struct {
	Text string
}

// Complete signals the job finished and produced Filename. Terminal.
type Complete struct {
	Filename string
}

// Cancelled signals the backend stopped the job on request. Terminal.
type Cancelled struct {
	Text string
}

// Reconnecting is emitted before each reconnection attempt after a drop.
type Reconnecting struct {
	Attempt int
	Max     int
	Err     error
}

// Exhausted is emitted once the reconnection budget is spent. Terminal.
type Exhausted struct {
	Attempts int
	Err      error
}

func (Progress) progressEvent()     {}
func (Info) progressEvent()         {}
func (Failure) progressEvent()      {}
func (Complete) progressEvent()     {}
func (Cancelled) progressEvent()    {}
func (Reconnecting) progressEvent() {}
func (Exhausted) progressEvent()    {}

// IsTerminalEvent reports whether ev ends the stream for its job.
func IsTerminalEvent(ev ProgressEvent) bool {
	switch ev.(type) {
	case Failure, Complete, Cancelled, Exhausted:
		return true
	}
	return false
}

// UpdateKind classifies the records sent to the presentation port.
type UpdateKind string

const (
	KindTransition    UpdateKind = "transition"
	KindProgress      UpdateKind = "progress"
	KindInfo          UpdateKind = "info"
	KindReconnecting  UpdateKind = "reconnecting"
	KindCountdown     UpdateKind = "countdown"
	KindArtifactReady UpdateKind = "artifact_ready"
	KindArtifactError UpdateKind = "artifact_error"
	KindExpired       UpdateKind = "expired"
	KindNotice        UpdateKind = "notice"
)

// Update is the output record consumed by presenters. Transitions carry the
// new State; other kinds carry the state current at emission time.
type Update struct {
	Seq       uint64        `json:"seq"`
	JobID     string        `json:"job_id,omitempty"`
	State     JobState      `json:"state"`
	Kind      UpdateKind    `json:"kind"`
	Detail    string        `json:"detail,omitempty"`
	Percent   float64       `json:"percent,omitempty"`
	Remaining time.Duration `json:"remaining,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	Err       error         `json:"-"`
	At        time.Time     `json:"at"`
}

// ErrorText returns the error message or an empty string.
func (u Update) ErrorText() string {
	if u.Err == nil {
		return ""
	}
	return u.Err.Error()
}
