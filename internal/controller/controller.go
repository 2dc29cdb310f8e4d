// Package controller drives a single download job from submission through
// progress streaming to artifact expiry.
//
// All session state is owned by one event-loop goroutine. Network calls,
// stream reading and the artifact countdown run in their own goroutines and
// post results back to the loop; results from a released session are
// dropped.
package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/emanuelef/yt-dl-client-go/internal/artifact"
	"github.com/emanuelef/yt-dl-client-go/internal/domain"
	"github.com/emanuelef/yt-dl-client-go/internal/infra/cache"
	"github.com/emanuelef/yt-dl-client-go/internal/metrics"
	"github.com/emanuelef/yt-dl-client-go/internal/stream"
	"github.com/emanuelef/yt-dl-client-go/internal/validate"
)

// Presenter receives every update produced by the controller, in order, from
// the loop goroutine. Implementations must not block.
type Presenter interface {
	Present(domain.Update)
}

// PresenterFunc adapts a function to Presenter.
type PresenterFunc func(domain.Update)

// Present calls f(u).
func (f PresenterFunc) Present(u domain.Update) { f(u) }

// Authorizer sends requests with the session credentials.
type Authorizer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
	HasSession(ctx context.Context) bool
}

// MarkStore answers whether a job already completed.
type MarkStore interface {
	IsCompleted(ctx context.Context, jobID string) (bool, error)
}

// Deps holds the collaborators of a Controller.
type Deps struct {
	BackendURL string
	Session    Authorizer
	Stream     *stream.Stream
	Artifacts  *artifact.Access
	Marks      MarkStore
	Presenter  Presenter
	Validation validate.Options
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	State domain.JobState      `json:"state"`
	Job   *domain.Job          `json:"job,omitempty"`
	Link  *domain.ArtifactLink `json:"link,omitempty"`
	Seq   uint64               `json:"seq"`
}

// downloadSession is the resource tuple of one submission.
type downloadSession struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	conn   *stream.Connection
	link   *artifact.Link
}

func (s *downloadSession) release() {
	s.cancel()
	s.wg.Wait()
	if s.conn != nil {
		s.conn.Close()
	}
	if s.link != nil {
		s.link.Close()
	}
}

// Controller is the download state machine.
type Controller struct {
	deps Deps
	log  *slog.Logger

	ops  chan func()
	quit chan struct{}
	done chan struct{}
	once sync.Once

	// Owned by the loop goroutine.
	state domain.JobState
	job   *domain.Job
	sess  *downloadSession
	seq   uint64

	snapMu sync.RWMutex
	snap   Snapshot
	link   *artifact.Link
}

// New creates a Controller in the Idle state and starts its loop. The
// initial Idle transition is presented before New returns.
func New(deps Deps) *Controller {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Presenter == nil {
		deps.Presenter = PresenterFunc(func(domain.Update) {})
	}

	c := &Controller{
		deps:  deps,
		log:   deps.Logger,
		ops:   make(chan func()),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		state: domain.StateIdle,
	}
	c.emit(domain.Update{Kind: domain.KindTransition})

	go c.loop()
	return c
}

func (c *Controller) loop() {
	defer close(c.done)
	for {
		select {
		case op := <-c.ops:
			op()
		case <-c.quit:
			c.release()
			return
		}
	}
}

// Close releases the current session and stops the loop. Safe to call more
// than once.
func (c *Controller) Close() {
	c.once.Do(func() { close(c.quit) })
	<-c.done
}

// call runs fn on the loop and waits for it.
func (c *Controller) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	op := func() {
		defer close(finished)
		fn()
	}
	select {
	case c.ops <- op:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.quit:
		return domain.ErrClosed
	}
	<-finished
	return nil
}

// post hands fn to the loop on behalf of s. It gives up once s is released.
func (c *Controller) post(s *downloadSession, fn func()) {
	op := func() {
		if c.sess != s {
			return
		}
		fn()
	}
	select {
	case c.ops <- op:
	case <-s.ctx.Done():
	case <-c.quit:
	}
}

// Snapshot returns the current state. Safe for concurrent use.
func (c *Controller) Snapshot() Snapshot {
	c.snapMu.RLock()
	snap, link := c.snap, c.link
	c.snapMu.RUnlock()

	if snap.Job != nil {
		job := *snap.Job
		snap.Job = &job
	}
	if link != nil {
		info := link.Info()
		snap.Link = &info
	}
	return snap
}

// Artifact returns the finished artifact. It fails with domain.ErrNoArtifact
// when the current job has not completed (including right after a new
// submission), domain.ErrArtifactPending while fetching,
// domain.ErrArtifactFetch after a failed fetch and domain.ErrExpiredLink once
// the window elapsed.
func (c *Controller) Artifact() (*cache.Blob, domain.ArtifactLink, error) {
	c.snapMu.RLock()
	link := c.link
	c.snapMu.RUnlock()

	if link == nil {
		return nil, domain.ArtifactLink{}, domain.ErrNoArtifact
	}
	return link.Open()
}

type submitResult struct {
	jobID string
	err   error
}

// Submit starts a new job and blocks until the backend accepted or rejected
// it. It is rejected with domain.ErrJobActive while a job is submitting or
// streaming and with domain.ErrAuth when no session exists; neither has side
// effects.
func (c *Controller) Submit(ctx context.Context, rawURL, format string) (string, error) {
	sourceURL, format, err := validate.Request(rawURL, format, c.deps.Validation)
	if err != nil {
		return "", err
	}

	reply := make(chan submitResult, 1)
	var guardErr error
	err = c.call(ctx, func() {
		guardErr = c.startSubmission(sourceURL, format, reply)
	})
	if err != nil {
		return "", err
	}
	if guardErr != nil {
		return "", guardErr
	}

	select {
	case res := <-reply:
		return res.jobID, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-c.done:
		return "", domain.ErrClosed
	}
}

func (c *Controller) startSubmission(sourceURL, format string, reply chan<- submitResult) error {
	if c.state.IsActive() {
		return domain.ErrJobActive
	}
	if !c.deps.Session.HasSession(context.Background()) {
		err := domain.NewError(domain.ErrAuth, "submit", "login required")
		c.emit(domain.Update{Kind: domain.KindNotice, Detail: err.Detail, Err: err})
		return err
	}

	c.release()
	c.setLink(nil)
	if c.state.IsTerminal() {
		c.job = nil
		c.transition(domain.StateIdle, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &downloadSession{ctx: ctx, cancel: cancel}
	c.sess = s
	c.job = domain.NewJob(sourceURL, format)
	c.transition(domain.StateSubmitting, nil)
	c.log.Info("Submitting download", "url", sourceURL, "format", format)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		jobID, err := c.postDownload(s.ctx, sourceURL, format)
		c.post(s, func() {
			reply <- c.submitted(s, jobID, err)
		})
	}()
	return nil
}

func (c *Controller) submitted(s *downloadSession, jobID string, err error) submitResult {
	if err != nil {
		c.job.MarkFailed(domain.UserMessage(err))
		c.transition(domain.StateFailed, err)
		c.log.Warn("Submission failed", "error", err)
		return submitResult{err: err}
	}

	c.job.MarkStreaming(jobID)
	c.transition(domain.StateStreaming, nil)
	c.log.Info("Download accepted", "job_id", jobID)

	s.conn = c.deps.Stream.Open(s.ctx, jobID, func(ev domain.ProgressEvent) {
		c.post(s, func() { c.onProgress(ev) })
	})
	return submitResult{jobID: jobID}
}

type submitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (c *Controller) postDownload(ctx context.Context, sourceURL, format string) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("url", sourceURL); err != nil {
		return "", err
	}
	if err := mw.WriteField("format", format); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.deps.BackendURL+"/download", bytes.NewReader(buf.Bytes()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.deps.Session.Do(ctx, req)
	if err != nil {
		if errors.Is(err, domain.ErrAuth) {
			return "", err
		}
		return "", &domain.Error{Kind: domain.ErrSubmissionRejected, Op: "submit", Detail: "could not reach the server", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &domain.Error{
			Kind:   domain.ErrSubmissionRejected,
			Op:     "submit",
			Status: resp.StatusCode,
			Detail: statusMessage(resp.Body, "unknown error occurred"),
		}
	}

	var body submitResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return "", &domain.Error{Kind: domain.ErrSubmissionRejected, Op: "submit", Detail: "malformed server response", Err: err}
	}
	if body.ID == "" {
		return "", &domain.Error{Kind: domain.ErrSubmissionRejected, Op: "submit", Detail: "server returned no job id"}
	}
	return body.ID, nil
}

// statusMessage extracts the backend's {"status": "..."} text.
func statusMessage(r io.Reader, fallback string) string {
	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(io.LimitReader(r, 64<<10)).Decode(&body); err != nil || body.Status == "" {
		return fallback
	}
	return body.Status
}

func (c *Controller) onProgress(ev domain.ProgressEvent) {
	if c.state != domain.StateStreaming {
		return
	}

	switch e := ev.(type) {
	case domain.Progress:
		c.job.UpdateProgress(e.Percent)
		c.emit(domain.Update{Kind: domain.KindProgress, Percent: c.job.Percent})
	case domain.Info:
		c.emit(domain.Update{Kind: domain.KindInfo, Detail: e.Text})
	case domain.Reconnecting:
		c.emit(domain.Update{
			Kind:    domain.KindReconnecting,
			Attempt: e.Attempt,
			Detail:  fmt.Sprintf("connection lost, retrying (%d/%d)", e.Attempt, e.Max),
			Err:     e.Err,
		})
	case domain.Failure:
		err := &domain.Error{Kind: domain.ErrStreamSignaled, Op: "progress", Detail: e.Text}
		c.job.MarkFailed(e.Text)
		c.transition(domain.StateFailed, err)
	case domain.Exhausted:
		c.job.MarkFailed(domain.UserMessage(e.Err))
		c.transition(domain.StateFailed, e.Err)
	case domain.Cancelled:
		c.job.MarkCancelled()
		c.transition(domain.StateCancelled, nil)
	case domain.Complete:
		c.complete(e.Filename)
	}
}

func (c *Controller) complete(filename string) {
	s := c.sess
	c.job.MarkCompleted(filename)
	c.transition(domain.StateCompleted, nil)
	c.log.Info("Download completed", "job_id", c.job.ID, "filename", filename)

	link := c.deps.Artifacts.Expose(s.ctx, c.job.ID, filename, func(ev artifact.Event) {
		c.post(s, func() { c.onArtifact(ev) })
	})
	s.link = link
	c.setLink(link)

	c.emit(domain.Update{Kind: domain.KindCountdown, Detail: filename, Remaining: c.deps.Artifacts.Lifetime()})
}

func (c *Controller) onArtifact(ev artifact.Event) {
	switch e := ev.(type) {
	case artifact.Tick:
		c.emit(domain.Update{Kind: domain.KindCountdown, Remaining: e.Remaining})
	case artifact.Ready:
		c.emit(domain.Update{Kind: domain.KindArtifactReady, Detail: e.Link.Filename, Remaining: e.Link.Remaining})
	case artifact.FetchFailed:
		c.emit(domain.Update{Kind: domain.KindArtifactError, Detail: domain.UserMessage(e.Err), Err: e.Err})
	case artifact.Expired:
		err := domain.NewError(domain.ErrExpiredLink, "artifact", "download link expired, please submit again")
		c.emit(domain.Update{Kind: domain.KindExpired, Detail: err.Detail, Err: err})
	}
}

type cancelTarget struct {
	jobID string
	state domain.JobState
	sess  *downloadSession
}

// Cancel asks the backend to stop jobID, or the current job when jobID is
// empty. A job already recorded as completed is rejected with
// domain.ErrCancelRejected without any network call, as is a job that is
// not the one currently streaming. A job that finishes while the request is
// in flight is also reported as rejected.
func (c *Controller) Cancel(ctx context.Context, jobID string) error {
	var cur cancelTarget
	err := c.call(ctx, func() {
		cur = cancelTarget{state: c.state, sess: c.sess}
		if c.job != nil {
			cur.jobID = c.job.ID
		}
	})
	if err != nil {
		return err
	}
	if jobID == "" {
		jobID = cur.jobID
	}
	if jobID == "" {
		return domain.NewError(domain.ErrCancelRejected, "cancel", "no download in progress")
	}

	completed, err := c.deps.Marks.IsCompleted(ctx, jobID)
	if err != nil {
		return fmt.Errorf("check completion mark: %w", err)
	}
	if completed {
		return domain.NewError(domain.ErrCancelRejected, "cancel", "download already completed")
	}
	if cur.state != domain.StateStreaming || cur.jobID != jobID {
		return domain.NewError(domain.ErrCancelRejected, "cancel", "no download in progress")
	}

	if err := c.postCancel(ctx, jobID); err != nil {
		c.log.Warn("Cancel failed", "job_id", jobID, "error", err)
		_ = c.call(ctx, func() {
			c.emit(domain.Update{Kind: domain.KindNotice, Detail: domain.UserMessage(err), Err: err})
		})
		return err
	}

	var outcome error
	err = c.call(context.WithoutCancel(ctx), func() {
		if c.sess == cur.sess && c.state == domain.StateStreaming {
			c.release()
			c.job.MarkCancelled()
			c.transition(domain.StateCancelled, nil)
			c.log.Info("Download cancelled", "job_id", jobID)
			return
		}

		// The job left Streaming while the request was in flight.
		detail := "no download in progress"
		if c.sess == cur.sess && c.state == domain.StateCompleted {
			detail = "download already completed"
		}
		outcome = domain.NewError(domain.ErrCancelRejected, "cancel", detail)
		c.emit(domain.Update{Kind: domain.KindNotice, Detail: domain.UserMessage(outcome), Err: outcome})
	})
	if err != nil {
		return err
	}
	return outcome
}

func (c *Controller) postCancel(ctx context.Context, jobID string) error {
	endpoint := c.deps.BackendURL + "/cancel_download?id=" + url.QueryEscape(jobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}

	resp, err := c.deps.Session.Do(ctx, req)
	if err != nil {
		if errors.Is(err, domain.ErrAuth) {
			return err
		}
		return fmt.Errorf("cancel request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &domain.Error{
			Kind:   domain.ErrCancelRejected,
			Op:     "cancel",
			Status: resp.StatusCode,
			Detail: statusMessage(resp.Body, "failed to cancel download"),
		}
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return nil
}

// release tears down the current session: context first, then the stream
// connection, then the artifact link.
func (c *Controller) release() {
	if c.sess == nil {
		return
	}
	s := c.sess
	c.sess = nil
	s.release()
}

func (c *Controller) transition(state domain.JobState, err error) {
	c.state = state
	u := domain.Update{Kind: domain.KindTransition, Err: err}
	if err != nil {
		u.Detail = domain.UserMessage(err)
	}
	metrics.IncTransition(state.String(), state.IsActive())
	c.emit(u)
}

// emit stamps u with the current state and hands it to the presenter.
func (c *Controller) emit(u domain.Update) {
	c.seq++
	u.Seq = c.seq
	u.State = c.state
	u.At = c.deps.Clock.Now()
	if c.job != nil {
		u.JobID = c.job.ID
	}

	var job *domain.Job
	if c.job != nil {
		copied := *c.job
		copied.State = c.state
		job = &copied
	}

	c.snapMu.Lock()
	c.snap = Snapshot{State: c.state, Job: job, Seq: c.seq}
	c.snapMu.Unlock()

	c.deps.Presenter.Present(u)
}

func (c *Controller) setLink(link *artifact.Link) {
	c.snapMu.Lock()
	c.link = link
	c.snapMu.Unlock()
}

// Lifetime returns the artifact access window.
func (c *Controller) Lifetime() time.Duration {
	return c.deps.Artifacts.Lifetime()
}
