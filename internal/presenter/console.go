package presenter

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/emanuelef/yt-dl-client-go/internal/domain"
)

// Console renders updates as human readable lines.
type Console struct {
	mu sync.Mutex
	w  io.Writer
	// last printed whole percent, to avoid flooding the terminal
	lastPercent int
}

// NewConsole creates a Console writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w, lastPercent: -1}
}

// Present implements Presenter.
func (c *Console) Present(u domain.Update) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch u.Kind {
	case domain.KindTransition:
		c.transition(u)
	case domain.KindProgress:
		p := int(u.Percent)
		if p == c.lastPercent {
			return
		}
		c.lastPercent = p
		c.printf("Downloading... %.1f%%\n", u.Percent)
	case domain.KindInfo:
		c.printf("Info: %s\n", u.Detail)
	case domain.KindReconnecting:
		c.printf("Connection lost, retrying (attempt %d)\n", u.Attempt)
	case domain.KindCountdown:
		if u.Remaining%time.Minute == 0 {
			c.printf("Link expires in %s\n", FormatRemaining(u.Remaining))
		}
	case domain.KindArtifactReady:
		c.printf("File ready: %s\n", u.Detail)
	case domain.KindArtifactError:
		c.printf("Error: %s\n", u.Detail)
	case domain.KindExpired:
		c.printf("Download link expired, please submit again\n")
	case domain.KindNotice:
		c.printf("%s\n", u.Detail)
	}
}

func (c *Console) transition(u domain.Update) {
	switch u.State {
	case domain.StateSubmitting:
		c.lastPercent = -1
		c.printf("Submitting...\n")
	case domain.StateStreaming:
		c.printf("Download started (job %s)\n", u.JobID)
	case domain.StateCompleted:
		c.printf("Download complete\n")
	case domain.StateFailed:
		c.printf("Error: %s\n", u.Detail)
	case domain.StateCancelled:
		c.printf("Download cancelled\n")
	}
}

func (c *Console) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(c.w, format, args...)
}

// FormatRemaining renders d as m:ss.
func FormatRemaining(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	secs := int(d / time.Second)
	return fmt.Sprintf("%d:%02d", secs/60, secs%60)
}
