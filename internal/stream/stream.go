// Package stream follows a job's progress over the backend's server-sent
// events channel with a fixed-delay, bounded reconnection budget.
package stream

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/emanuelef/yt-dl-client-go/internal/domain"
	"github.com/emanuelef/yt-dl-client-go/internal/metrics"
)

// Defaults matching the backend's expectations.
const (
	DefaultMaxRetries = 5
	DefaultRetryDelay = 2 * time.Second
)

// Sink receives the events of one connection, in order, from a single
// goroutine.
type Sink func(domain.ProgressEvent)

// Marker records that a job completed.
type Marker interface {
	MarkCompleted(ctx context.Context, jobID string) error
}

// Config configures a Stream.
type Config struct {
	BaseURL    string
	Client     *http.Client
	Marker     Marker
	Clock      clockwork.Clock
	MaxRetries int
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Stream opens progress connections. At most one connection is live at a time.
type Stream struct {
	cfg Config

	mu      sync.Mutex
	current *Connection
}

// New creates a Stream. A negative MaxRetries or a non-positive RetryDelay
// selects the default.
func New(cfg Config) *Stream {
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Stream{cfg: cfg}
}

// Open closes any existing connection and starts following jobID. Events
// are delivered to sink until a terminal event, Close, or ctx cancellation.
func (s *Stream) Open(ctx context.Context, jobID string, sink Sink) *Connection {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		s.current.Close()
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Connection{
		jobID:  jobID,
		cfg:    s.cfg,
		sink:   sink,
		cancel: cancel,
		done:   make(chan struct{}),
		log:    s.cfg.Logger.With("job_id", jobID),
	}
	s.current = c

	go c.run(ctx)
	return c
}

// Close closes the current connection, if any.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		s.current.Close()
		s.current = nil
	}
}

// Connection is one job's subscription, including its reconnections.
type Connection struct {
	jobID  string
	cfg    Config
	sink   Sink
	cancel context.CancelFunc
	done   chan struct{}
	log    *slog.Logger

	retries  atomic.Int32
	finished atomic.Bool
}

// JobID returns the followed job.
func (c *Connection) JobID() string { return c.jobID }

// Retries returns how many reconnections have been attempted.
func (c *Connection) Retries() int { return int(c.retries.Load()) }

// Finished reports whether a terminal event was delivered.
func (c *Connection) Finished() bool { return c.finished.Load() }

// Done is closed once the connection goroutine has exited.
func (c *Connection) Done() <-chan struct{} { return c.done }

// Close stops the connection and waits for its goroutine to exit. Safe to
// call more than once.
func (c *Connection) Close() {
	c.cancel()
	<-c.done
}

func (c *Connection) run(ctx context.Context) {
	defer close(c.done)
	defer c.cancel()

	for {
		err := c.consume(ctx)
		if c.finished.Load() || ctx.Err() != nil {
			return
		}

		attempt := c.Retries()
		if attempt >= c.cfg.MaxRetries {
			c.finished.Store(true)
			metrics.StreamExhausted.Inc()
			c.log.Warn("Progress stream reconnection exhausted", "attempts", attempt, "error", err)
			c.sink(domain.Exhausted{
				Attempts: attempt,
				Err: &domain.Error{
					Kind:   domain.ErrStreamExhausted,
					Op:     "progress",
					Detail: "failed to reconnect to the server",
					Err:    err,
				},
			})
			return
		}

		attempt = int(c.retries.Add(1))
		metrics.StreamReconnects.Inc()
		c.log.Info("Progress stream dropped, reconnecting", "attempt", attempt, "max", c.cfg.MaxRetries, "error", err)
		c.sink(domain.Reconnecting{Attempt: attempt, Max: c.cfg.MaxRetries, Err: err})

		select {
		case <-c.cfg.Clock.After(c.cfg.RetryDelay):
		case <-ctx.Done():
			return
		}
	}
}

// consume reads one connection until a terminal event or a drop. The
// returned error describes the drop.
func (c *Connection) consume(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/progress?id=%s", c.cfg.BaseURL, url.QueryEscape(c.jobID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return &domain.Error{Kind: domain.ErrStreamTransport, Op: "progress", Err: err}
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.cfg.Client.Do(req)
	if err != nil {
		return &domain.Error{Kind: domain.ErrStreamTransport, Op: "progress", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &domain.Error{Kind: domain.ErrStreamTransport, Op: "progress", Status: resp.StatusCode}
	}

	reader := NewReader(resp.Body)
	for {
		frame, err := reader.Next()
		if err != nil {
			return &domain.Error{Kind: domain.ErrStreamTransport, Op: "progress", Detail: "connection closed", Err: err}
		}

		ev, ok := Classify(frame)
		metrics.IncFrame(kindOf(ev))
		if !ok {
			c.log.Debug("Ignoring progress frame", "event", frame.Event, "data", frame.Data)
			continue
		}

		if domain.IsTerminalEvent(ev) {
			c.finished.Store(true)
			if _, complete := ev.(domain.Complete); complete && c.cfg.Marker != nil {
				if err := c.cfg.Marker.MarkCompleted(context.WithoutCancel(ctx), c.jobID); err != nil {
					c.log.Error("Failed to record completion", "error", err)
				}
			}
		}
		c.sink(ev)
		if c.finished.Load() {
			return nil
		}
	}
}
