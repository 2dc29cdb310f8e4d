package presenter

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emanuelef/yt-dl-client-go/internal/domain"
	"github.com/emanuelef/yt-dl-client-go/pkg/logger"
)

func TestHub_FanOutAndUnsubscribe(t *testing.T) {
	h := NewHub()
	_, a, unsubA := h.Subscribe(4)
	_, b, unsubB := h.Subscribe(4)
	assert.Equal(t, 2, h.Len())

	h.Present(domain.Update{Seq: 1, Kind: domain.KindTransition})
	assert.Equal(t, uint64(1), (<-a).Seq)
	assert.Equal(t, uint64(1), (<-b).Seq)

	unsubA()
	unsubA()
	_, ok := <-a
	assert.False(t, ok)
	assert.Equal(t, 1, h.Len())

	h.Present(domain.Update{Seq: 2})
	assert.Equal(t, uint64(2), (<-b).Seq)
	unsubB()
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub()
	_, ch, unsub := h.Subscribe(1)
	defer unsub()

	for i := 1; i <= 10; i++ {
		h.Present(domain.Update{Seq: uint64(i)})
	}
	assert.Equal(t, uint64(1), (<-ch).Seq)
	assert.Empty(t, ch)
}

func TestHub_FullBufferStillDeliversOutcomes(t *testing.T) {
	h := NewHub()
	_, ch, unsub := h.Subscribe(2)
	defer unsub()

	h.Present(domain.Update{Seq: 1, Kind: domain.KindCountdown})
	h.Present(domain.Update{Seq: 2, Kind: domain.KindCountdown})
	h.Present(domain.Update{Seq: 3, Kind: domain.KindCountdown})
	h.Present(domain.Update{Seq: 4, Kind: domain.KindExpired})
	h.Present(domain.Update{Seq: 5, Kind: domain.KindTransition, State: domain.StateFailed})

	assert.Equal(t, domain.KindExpired, (<-ch).Kind)
	last := <-ch
	assert.Equal(t, domain.KindTransition, last.Kind)
	assert.Equal(t, domain.StateFailed, last.State)
	assert.Empty(t, ch)
}

func TestRecorder_Wait(t *testing.T) {
	r := NewRecorder()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	go func() {
		r.Present(domain.Update{Seq: 1, Kind: domain.KindTransition, State: domain.StateIdle})
		r.Present(domain.Update{Seq: 2, Kind: domain.KindTransition, State: domain.StateSubmitting})
		r.Present(domain.Update{Seq: 3, Kind: domain.KindProgress, Percent: 10})
	}()

	u, err := r.WaitKind(ctx, 0, domain.KindProgress)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), u.Seq)
	assert.Equal(t, []domain.JobState{domain.StateIdle, domain.StateSubmitting}, r.States())

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	_, err = r.WaitState(short, 3, domain.StateCompleted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConsole_Render(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)

	c.Present(domain.Update{Kind: domain.KindTransition, State: domain.StateSubmitting})
	c.Present(domain.Update{Kind: domain.KindTransition, State: domain.StateStreaming, JobID: "abc123"})
	c.Present(domain.Update{Kind: domain.KindProgress, Percent: 45.3})
	c.Present(domain.Update{Kind: domain.KindProgress, Percent: 45.9})
	c.Present(domain.Update{Kind: domain.KindInfo, Detail: "Merging formats"})
	c.Present(domain.Update{Kind: domain.KindCountdown, Remaining: 600 * time.Second})
	c.Present(domain.Update{Kind: domain.KindCountdown, Remaining: 599 * time.Second})
	c.Present(domain.Update{Kind: domain.KindTransition, State: domain.StateFailed, Detail: "quota exceeded"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Equal(t, []string{
		"Submitting...",
		"Download started (job abc123)",
		"Downloading... 45.3%",
		"Info: Merging formats",
		"Link expires in 10:00",
		"Error: quota exceeded",
	}, lines)
}

func TestFormatRemaining(t *testing.T) {
	assert.Equal(t, "10:00", FormatRemaining(600*time.Second))
	assert.Equal(t, "0:59", FormatRemaining(59*time.Second))
	assert.Equal(t, "0:00", FormatRemaining(-time.Second))
}

func TestMulti_LogAndRecord(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&logger.Config{Level: "debug", Format: "json", Output: &buf})
	rec := NewRecorder()

	Multi{NewLog(log), rec}.Present(domain.Update{
		Seq:   7,
		Kind:  domain.KindTransition,
		State: domain.StateFailed,
		Err:   errors.New("boom"),
	})

	assert.Len(t, rec.Updates(), 1)
	assert.Contains(t, buf.String(), `"level":"WARN"`)
	assert.Contains(t, buf.String(), `"error":"boom"`)
}
