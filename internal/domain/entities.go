// Package domain contains the core client entities and types.
package domain

import (
	"path"
	"strings"
	"time"
)

// JobState represents the controller-side state of a download job.
type JobState string

const (
	StateIdle       JobState = "idle"
	StateSubmitting JobState = "submitting"
	StateStreaming  JobState = "streaming"
	StateCompleted  JobState = "completed"
	StateFailed     JobState = "failed"
	StateCancelled  JobState = "cancelled"
)

// String returns the string representation of JobState.
func (s JobState) String() string {
	return string(s)
}

// IsActive returns true while a job occupies the controller.
func (s JobState) IsActive() bool {
	return s == StateSubmitting || s == StateStreaming
}

// IsTerminal returns true if the state can only be left by a new submission.
func (s JobState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Supported output formats, matching what the backend accepts.
const (
	FormatAuto = "auto"
	FormatMP4  = "mp4"
	FormatMP3  = "mp3"
)

// Job represents the single download job tracked by a controller.
type Job struct {
	ID          string     `json:"id"`
	SourceURL   string     `json:"source_url"`
	Format      string     `json:"format"`
	State       JobState   `json:"state"`
	Percent     float64    `json:"percent"`
	Filename    string     `json:"filename,omitempty"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt time.Time  `json:"submitted_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// NewJob creates a Job in the Submitting state. The id is assigned once the
// backend accepts the submission.
func NewJob(sourceURL, format string) *Job {
	return &Job{
		SourceURL:   sourceURL,
		Format:      format,
		State:       StateSubmitting,
		SubmittedAt: time.Now().UTC(),
	}
}

// MarkStreaming records the backend-assigned id and moves the job to Streaming.
func (j *Job) MarkStreaming(id string) {
	j.ID = id
	j.State = StateStreaming
}

// MarkCompleted moves the job to Completed with the produced filename.
func (j *Job) MarkCompleted(filename string) {
	j.State = StateCompleted
	j.Filename = filename
	j.Percent = 100
	j.finish()
}

// MarkFailed moves the job to Failed with the error message.
func (j *Job) MarkFailed(msg string) {
	j.State = StateFailed
	j.Error = msg
	j.finish()
}

// MarkCancelled moves the job to Cancelled.
func (j *Job) MarkCancelled() {
	j.State = StateCancelled
	j.finish()
}

// UpdateProgress updates the job progress percentage, clamped to 0..100.
func (j *Job) UpdateProgress(percent float64) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	j.Percent = percent
}

func (j *Job) finish() {
	now := time.Now().UTC()
	j.FinishedAt = &now
}

// Session is the persisted credential pair.
type Session struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Valid reports whether the session carries an access token.
func (s Session) Valid() bool {
	return s.AccessToken != ""
}

// ArtifactLink describes the finished artifact exposed to the user.
type ArtifactLink struct {
	JobID       string        `json:"job_id"`
	Filename    string        `json:"filename"`
	Reference   string        `json:"reference,omitempty"`
	ContentType string        `json:"content_type,omitempty"`
	Size        int64         `json:"size,omitempty"`
	MirrorURL   string        `json:"mirror_url,omitempty"`
	Remaining   time.Duration `json:"remaining"`
	Revoked     bool          `json:"revoked"`
}

// ContentTypeFor returns the MIME type based on the artifact filename extension.
func ContentTypeFor(filename string) string {
	switch strings.ToLower(path.Ext(filename)) {
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mkv":
		return "video/x-matroska"
	case ".m4a":
		return "audio/mp4"
	case ".mp3":
		return "audio/mpeg"
	default:
		return "application/octet-stream"
	}
}
