package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJobState_Classes(t *testing.T) {
	tests := []struct {
		state    JobState
		active   bool
		terminal bool
	}{
		{StateIdle, false, false},
		{StateSubmitting, true, false},
		{StateStreaming, true, false},
		{StateCompleted, false, true},
		{StateFailed, false, true},
		{StateCancelled, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			assert.Equal(t, tt.active, tt.state.IsActive())
			assert.Equal(t, tt.terminal, tt.state.IsTerminal())
		})
	}
}

func TestJob_Lifecycle(t *testing.T) {
	j := NewJob("https://youtu.be/x", FormatMP3)
	assert.Equal(t, StateSubmitting, j.State)
	assert.Empty(t, j.ID)

	j.MarkStreaming("abc123")
	j.UpdateProgress(150)
	assert.Equal(t, float64(100), j.Percent)
	j.UpdateProgress(-3)
	assert.Equal(t, float64(0), j.Percent)

	j.MarkCompleted("a.mp3")
	assert.Equal(t, StateCompleted, j.State)
	assert.Equal(t, "a.mp3", j.Filename)
	assert.NotNil(t, j.FinishedAt)
}

func TestContentTypeFor(t *testing.T) {
	assert.Equal(t, "video/mp4", ContentTypeFor("clip.MP4"))
	assert.Equal(t, "audio/mpeg", ContentTypeFor("song.mp3"))
	assert.Equal(t, "application/octet-stream", ContentTypeFor("noext"))
}

func TestError_MatchesKindAndCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("submit: %w", &Error{
		Kind:   ErrSubmissionRejected,
		Op:     "submit",
		Status: 502,
		Detail: "bad gateway",
		Err:    cause,
	})

	assert.ErrorIs(t, err, ErrSubmissionRejected)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrAuth)
	assert.Equal(t, "submit: submit: submission rejected (HTTP 502): bad gateway: connection reset", err.Error())
	assert.Equal(t, "bad gateway", UserMessage(err))
	assert.Equal(t, "artifact not ready yet", UserMessage(ErrArtifactPending))
}

func TestIsTerminalEvent(t *testing.T) {
	assert.True(t, IsTerminalEvent(Complete{Filename: "a"}))
	assert.True(t, IsTerminalEvent(Exhausted{}))
	assert.False(t, IsTerminalEvent(Progress{Percent: 3}))
	assert.False(t, IsTerminalEvent(Reconnecting{Attempt: 1}))
}
