// Package artifact fetches a finished job's output and exposes it through a
// revocable reference that expires after a fixed window.
package artifact

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/emanuelef/yt-dl-client-go/internal/domain"
	"github.com/emanuelef/yt-dl-client-go/internal/infra/cache"
	"github.com/emanuelef/yt-dl-client-go/internal/metrics"
)

// DefaultLifetime is how long an exposed artifact stays reachable.
const DefaultLifetime = 600 * time.Second

// tickInterval is the countdown resolution.
const tickInterval = time.Second

// Authorizer sends requests carrying the session credentials.
type Authorizer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Mirror optionally publishes the artifact to object storage.
type Mirror interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
}

// Event is reported by a Link while it lives.
type Event interface {
	artifactEvent()
}

// Ready reports a successful fetch.
type Ready struct {
	Link domain.ArtifactLink
}

// FetchFailed reports that the artifact could not be retrieved. The
// countdown stops with it.
type FetchFailed struct {
	Err error
}

// Tick reports the remaining access window.
type Tick struct {
	Remaining time.Duration
}

// Expired reports that the window elapsed and the reference was revoked.
type Expired struct{}

func (Ready) artifactEvent()       {}
func (FetchFailed) artifactEvent() {}
func (Tick) artifactEvent()        {}
func (Expired) artifactEvent()     {}

// Sink receives link events. It may be called from several goroutines.
type Sink func(Event)

// Config configures an Access.
type Config struct {
	BaseURL      string
	PathPrefix   string // defaults to /ambil_download
	Auth         Authorizer
	Registry     *cache.Registry
	Mirror       Mirror
	MirrorKey    func(jobID, filename string) string
	Clock        clockwork.Clock
	Lifetime     time.Duration
	FetchTimeout time.Duration // bounds the download; defaults to Lifetime
	Logger       *slog.Logger
}

// Access creates artifact links.
type Access struct {
	cfg Config
}

// New creates an Access.
func New(cfg Config) *Access {
	if cfg.PathPrefix == "" {
		cfg.PathPrefix = "/ambil_download"
	}
	if cfg.Registry == nil {
		cfg.Registry = cache.NewRegistry()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Lifetime <= 0 {
		cfg.Lifetime = DefaultLifetime
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = cfg.Lifetime
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MirrorKey == nil {
		cfg.MirrorKey = func(jobID, filename string) string { return jobID + "/" + filename }
	}
	return &Access{cfg: cfg}
}

// Lifetime returns the access window granted to each link.
func (a *Access) Lifetime() time.Duration {
	return a.cfg.Lifetime
}

// Expose starts fetching the artifact and the countdown. The countdown
// runs from the moment Expose is called.
func (a *Access) Expose(ctx context.Context, jobID, filename string, sink Sink) *Link {
	ctx, cancel := context.WithCancel(ctx)
	l := &Link{
		access:    a,
		jobID:     jobID,
		filename:  filename,
		remaining: a.cfg.Lifetime,
		state:     statePending,
		cancel:    cancel,
		sink:      sink,
		log:       a.cfg.Logger.With("job_id", jobID, "filename", filename),
	}

	ticker := a.cfg.Clock.NewTicker(tickInterval)
	l.wg.Add(2)
	go l.countdown(ctx, ticker)
	go l.fetch(ctx)
	return l
}

type linkState int

const (
	statePending linkState = iota
	stateReady
	stateFailed
	stateRevoked
)

// Link is one exposed artifact.
type Link struct {
	access   *Access
	jobID    string
	filename string
	sink     Sink
	log      *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	state     linkState
	remaining time.Duration
	ref       string
	size      int64
	mirrorKey string
	mirrorURL string
	fetchErr  error

	revokeOnce sync.Once
}

// Info returns a snapshot of the link.
func (l *Link) Info() domain.ArtifactLink {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.infoLocked()
}

func (l *Link) infoLocked() domain.ArtifactLink {
	return domain.ArtifactLink{
		JobID:       l.jobID,
		Filename:    l.filename,
		Reference:   l.ref,
		ContentType: domain.ContentTypeFor(l.filename),
		Size:        l.size,
		MirrorURL:   l.mirrorURL,
		Remaining:   l.remaining,
		Revoked:     l.state == stateRevoked,
	}
}

// Remaining returns the time left in the access window.
func (l *Link) Remaining() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remaining
}

// Open returns the artifact bytes. It fails with domain.ErrExpiredLink once
// the link is revoked, with domain.ErrArtifactFetch if the fetch failed and
// with domain.ErrArtifactPending while the fetch is still running.
func (l *Link) Open() (*cache.Blob, domain.ArtifactLink, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	info := l.infoLocked()
	switch l.state {
	case stateRevoked:
		return nil, info, domain.NewError(domain.ErrExpiredLink, "artifact", "download link expired, please submit again")
	case stateFailed:
		return nil, info, l.fetchErr
	case statePending:
		return nil, info, domain.ErrArtifactPending
	}

	blob, ok := l.access.cfg.Registry.Get(l.ref)
	if !ok {
		return nil, info, domain.NewError(domain.ErrExpiredLink, "artifact", "reference no longer valid")
	}
	return blob, info, nil
}

// Revoke invalidates the reference immediately. Only the first call has an
// effect.
func (l *Link) Revoke() {
	l.revokeOnce.Do(func() {
		l.mu.Lock()
		ref, key := l.ref, l.mirrorKey
		l.state = stateRevoked
		l.mu.Unlock()

		if ref != "" {
			l.access.cfg.Registry.Revoke(ref)
			metrics.ArtifactRevocations.Inc()
			l.log.Info("Artifact reference revoked", "reference", ref)
		}
		if key != "" && l.access.cfg.Mirror != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := l.access.cfg.Mirror.Delete(ctx, key); err != nil {
				l.log.Warn("Failed to delete mirrored artifact", "key", key, "error", err)
			}
		}
	})
}

// Close stops the fetch and countdown, waits for them and revokes the link.
func (l *Link) Close() {
	l.cancel()
	l.wg.Wait()
	l.Revoke()
}

func (l *Link) countdown(ctx context.Context, ticker clockwork.Ticker) {
	defer l.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		l.mu.Lock()
		if l.state == stateFailed || l.state == stateRevoked {
			l.mu.Unlock()
			return
		}
		l.remaining -= tickInterval
		if l.remaining < 0 {
			l.remaining = 0
		}
		remaining := l.remaining
		l.mu.Unlock()

		if remaining > 0 {
			l.sink(Tick{Remaining: remaining})
			continue
		}

		l.Revoke()
		l.log.Info("Artifact link expired")
		l.sink(Expired{})
		return
	}
}

func (l *Link) fetch(ctx context.Context) {
	defer l.wg.Done()

	cfg := l.access.cfg
	start := cfg.Clock.Now()
	data, err := l.download(ctx)
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		l.mu.Lock()
		if l.state == statePending {
			l.state = stateFailed
			l.fetchErr = err
		}
		l.mu.Unlock()
		l.log.Error("Artifact fetch failed", "error", err)
		l.sink(FetchFailed{Err: err})
		return
	}
	metrics.ObserveArtifactFetch(len(data), cfg.Clock.Since(start))

	blob := &cache.Blob{
		Data:        data,
		ContentType: domain.ContentTypeFor(l.filename),
		Filename:    l.filename,
		CreatedAt:   cfg.Clock.Now(),
	}

	l.mu.Lock()
	if l.state != statePending {
		l.mu.Unlock()
		return
	}
	l.ref = cfg.Registry.Put(blob)
	l.size = int64(len(data))
	l.state = stateReady
	l.mu.Unlock()

	l.mirror(ctx, blob)

	l.sink(Ready{Link: l.Info()})
}

func (l *Link) download(ctx context.Context) ([]byte, error) {
	cfg := l.access.cfg
	ctx, cancel := context.WithTimeout(ctx, cfg.FetchTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s%s/%s/%s", cfg.BaseURL, cfg.PathPrefix, url.PathEscape(l.jobID), url.PathEscape(l.filename))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, &domain.Error{Kind: domain.ErrArtifactFetch, Op: "artifact", Err: err}
	}

	resp, err := cfg.Auth.Do(ctx, req)
	if err != nil {
		return nil, &domain.Error{Kind: domain.ErrArtifactFetch, Op: "artifact", Detail: "failed to fetch file", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &domain.Error{Kind: domain.ErrArtifactFetch, Op: "artifact", Status: resp.StatusCode, Detail: "failed to fetch file"}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domain.Error{Kind: domain.ErrArtifactFetch, Op: "artifact", Detail: "incomplete file", Err: err}
	}
	return data, nil
}

// mirror uploads the blob and publishes a link valid for what is left of
// the window. Failures only cost the mirror URL.
func (l *Link) mirror(ctx context.Context, blob *cache.Blob) {
	m := l.access.cfg.Mirror
	if m == nil {
		return
	}

	key := l.access.cfg.MirrorKey(l.jobID, l.filename)
	if err := m.Upload(ctx, key, blob.Data, blob.ContentType); err != nil {
		l.log.Warn("Artifact mirror upload failed", "error", err)
		return
	}

	l.mu.Lock()
	l.mirrorKey = key
	ttl := l.remaining
	revoked := l.state == stateRevoked
	l.mu.Unlock()

	if revoked {
		// Revoke ran before the key was recorded.
		_ = m.Delete(context.WithoutCancel(ctx), key)
		return
	}

	link, err := m.PresignedURL(ctx, key, ttl)
	if err != nil {
		l.log.Warn("Artifact mirror presign failed", "error", err)
		return
	}

	l.mu.Lock()
	l.mirrorURL = link
	l.mu.Unlock()
}
