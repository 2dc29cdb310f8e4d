package artifact

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/emanuelef/yt-dl-client-go/internal/backendtest"
	"github.com/emanuelef/yt-dl-client-go/internal/domain"
	"github.com/emanuelef/yt-dl-client-go/internal/infra/cache"
	"github.com/emanuelef/yt-dl-client-go/internal/infra/sqlite"
	"github.com/emanuelef/yt-dl-client-go/internal/session"
	"github.com/emanuelef/yt-dl-client-go/pkg/logger"
)

type events struct {
	ch chan Event
}

func newEvents() *events { return &events{ch: make(chan Event, 1024)} }

func (e *events) sink(ev Event) { e.ch <- ev }

func (e *events) next(t *testing.T) Event {
	t.Helper()
	select {
	case ev := <-e.ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for artifact event")
		return nil
	}
}

type fakeMirror struct {
	mu      sync.Mutex
	objects map[string][]byte
	ttl     time.Duration
	deleted []string
}

func (m *fakeMirror) Upload(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *fakeMirror) PresignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ttl = ttl
	return "https://mirror.test/" + key, nil
}

func (m *fakeMirror) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, key)
	delete(m.objects, key)
	return nil
}

type fixture struct {
	backend  *backendtest.Server
	registry *cache.Registry
	clock    *clockwork.FakeClock
	store    *sqlite.Repository
	auth     *session.Manager
	access   *Access
	client   *http.Client
}

func newFixture(t *testing.T, mirror Mirror) *fixture {
	t.Helper()

	backend := backendtest.NewServer()
	store, err := sqlite.NewMemory()
	require.NoError(t, err)
	client := &http.Client{Timeout: 5 * time.Second}

	mgr := session.NewManager(backend.URL, client, store, logger.Discard())
	_, err = mgr.Login(context.Background(), "alice")
	require.NoError(t, err)

	f := &fixture{
		backend:  backend,
		registry: cache.NewRegistry(),
		clock:    clockwork.NewFakeClock(),
		store:    store,
		auth:     mgr,
		client:   client,
	}
	f.access = New(Config{
		BaseURL:  backend.URL,
		Auth:     mgr,
		Registry: f.registry,
		Mirror:   mirror,
		Clock:    f.clock,
		Logger:   logger.Discard(),
	})

	t.Cleanup(func() {
		backend.Close()
		client.CloseIdleConnections()
		_ = store.Close()
	})
	return f
}

func leakOptions() []goleak.Option {
	return []goleak.Option{
		goleak.IgnoreCurrent(),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	}
}

func TestExpose_CountdownExpiresAtExactly600Ticks(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.SetArtifact(http.StatusOK, []byte("media"))

	ev := newEvents()
	link := f.access.Expose(context.Background(), "abc123", "clip.mp4", ev.sink)
	defer link.Close()

	ready, ok := ev.next(t).(Ready)
	require.True(t, ok)
	assert.Equal(t, "clip.mp4", ready.Link.Filename)
	assert.Equal(t, "video/mp4", ready.Link.ContentType)
	assert.Equal(t, int64(5), ready.Link.Size)
	assert.Equal(t, 600*time.Second, ready.Link.Remaining)

	blob, _, err := link.Open()
	require.NoError(t, err)
	assert.Equal(t, []byte("media"), blob.Data)

	for i := 1; i < 600; i++ {
		f.clock.Advance(time.Second)
		tick, ok := ev.next(t).(Tick)
		require.True(t, ok, "tick %d", i)
		require.Equal(t, time.Duration(600-i)*time.Second, tick.Remaining)
		require.Equal(t, int64(0), f.registry.Revoked())
	}

	f.clock.Advance(time.Second)
	_, ok = ev.next(t).(Expired)
	require.True(t, ok)
	assert.Equal(t, int64(1), f.registry.Revoked())
	assert.Equal(t, 0, f.registry.Len())

	_, info, err := link.Open()
	assert.ErrorIs(t, err, domain.ErrExpiredLink)
	assert.True(t, info.Revoked)
	assert.Equal(t, time.Duration(0), info.Remaining)

	link.Close()
	assert.Equal(t, int64(1), f.registry.Revoked())
}

func TestExpose_FetchFailureBlocksAccess(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.SetArtifact(http.StatusNotFound, nil)

	ev := newEvents()
	link := f.access.Expose(context.Background(), "abc123", "clip.mp4", ev.sink)
	defer link.Close()

	failed, ok := ev.next(t).(FetchFailed)
	require.True(t, ok)
	assert.ErrorIs(t, failed.Err, domain.ErrArtifactFetch)

	_, _, err := link.Open()
	assert.ErrorIs(t, err, domain.ErrArtifactFetch)

	// No countdown after a failed fetch.
	f.clock.Advance(time.Second)
	select {
	case e := <-ev.ch:
		t.Fatalf("unexpected event after failure: %#v", e)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, 0, f.registry.Len())
}

func TestLink_CloseRevokesImmediately(t *testing.T) {
	defer goleak.VerifyNone(t, leakOptions()...)

	f := newFixture(t, nil)
	ev := newEvents()
	link := f.access.Expose(context.Background(), "abc123", "a.mp3", ev.sink)

	_, ok := ev.next(t).(Ready)
	require.True(t, ok)
	assert.Equal(t, 1, f.registry.Len())

	link.Close()
	link.Close()
	assert.Equal(t, int64(1), f.registry.Revoked())
	assert.Equal(t, 0, f.registry.Len())

	_, _, err := link.Open()
	assert.ErrorIs(t, err, domain.ErrExpiredLink)

	f.clock.Advance(5 * time.Second)
	select {
	case e := <-ev.ch:
		t.Fatalf("unexpected event after close: %#v", e)
	case <-time.After(50 * time.Millisecond):
	}

	f.backend.Close()
	f.client.CloseIdleConnections()
}

func TestExpose_MirrorsWithRemainingWindow(t *testing.T) {
	mirror := &fakeMirror{objects: map[string][]byte{}}
	f := newFixture(t, mirror)

	ev := newEvents()
	link := f.access.Expose(context.Background(), "abc123", "a.mp3", ev.sink)

	ready, ok := ev.next(t).(Ready)
	require.True(t, ok)
	assert.Equal(t, "https://mirror.test/abc123/a.mp3", ready.Link.MirrorURL)
	assert.Equal(t, 600*time.Second, mirror.ttl)

	link.Close()
	assert.Equal(t, []string{"abc123/a.mp3"}, mirror.deleted)
	assert.Empty(t, mirror.objects)
}

func TestExpose_AuthFailureIsFetchFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.Force401(1)
	f.backend.RejectRefresh(true)

	ev := newEvents()
	link := f.access.Expose(context.Background(), "abc123", "a.mp3", ev.sink)
	defer link.Close()

	failed, ok := ev.next(t).(FetchFailed)
	require.True(t, ok)
	assert.ErrorIs(t, failed.Err, domain.ErrArtifactFetch)
	assert.ErrorIs(t, failed.Err, domain.ErrAuth)
}

func TestExpose_SlowTransferOutlivesRequestTimeout(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.SetArtifact(http.StatusOK, []byte("slow-media"))
	f.backend.PaceArtifact(300 * time.Millisecond)

	transfers := &http.Client{}
	t.Cleanup(transfers.CloseIdleConnections)
	short := &http.Client{Timeout: 100 * time.Millisecond}
	t.Cleanup(short.CloseIdleConnections)

	access := New(Config{
		BaseURL:  f.backend.URL,
		Auth:     session.NewManager(f.backend.URL, short, f.store, logger.Discard()).WithClient(transfers),
		Registry: f.registry,
		Clock:    f.clock,
		Logger:   logger.Discard(),
	})

	ev := newEvents()
	link := access.Expose(context.Background(), "abc123", "clip.mp4", ev.sink)
	defer link.Close()

	ready, ok := ev.next(t).(Ready)
	require.True(t, ok)
	assert.Equal(t, int64(len("slow-media")), ready.Link.Size)
}

func TestExpose_FetchTimeoutFailsFetch(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.PaceArtifact(2 * time.Second)

	access := New(Config{
		BaseURL:      f.backend.URL,
		Auth:         f.auth,
		Registry:     f.registry,
		Clock:        f.clock,
		FetchTimeout: 100 * time.Millisecond,
		Logger:       logger.Discard(),
	})

	ev := newEvents()
	link := access.Expose(context.Background(), "abc123", "clip.mp4", ev.sink)
	defer link.Close()

	failed, ok := ev.next(t).(FetchFailed)
	require.True(t, ok)
	assert.ErrorIs(t, failed.Err, domain.ErrArtifactFetch)
}
