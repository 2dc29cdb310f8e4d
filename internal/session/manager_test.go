package session

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emanuelef/yt-dl-client-go/internal/backendtest"
	"github.com/emanuelef/yt-dl-client-go/internal/domain"
	"github.com/emanuelef/yt-dl-client-go/internal/infra/sqlite"
	"github.com/emanuelef/yt-dl-client-go/pkg/logger"
)

func setup(t *testing.T) (*Manager, *backendtest.Server, *sqlite.Repository) {
	t.Helper()

	backend := backendtest.NewServer()
	t.Cleanup(backend.Close)

	store, err := sqlite.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	client := &http.Client{Timeout: 5 * time.Second}
	return NewManager(backend.URL, client, store, logger.Discard()), backend, store
}

func login(t *testing.T, m *Manager) domain.Session {
	t.Helper()
	s, err := m.Login(context.Background(), "alice")
	require.NoError(t, err)
	return s
}

func artifactRequest(t *testing.T, base string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, base+"/ambil_download/abc123/clip.mp4", nil)
	require.NoError(t, err)
	return req
}

func TestLogin_PersistsTokenPair(t *testing.T) {
	m, _, store := setup(t)
	ctx := context.Background()

	assert.False(t, m.HasSession(ctx))
	s := login(t, m)
	assert.True(t, s.Valid())
	assert.True(t, m.HasSession(ctx))

	access, err := store.Get(ctx, KeyAccess)
	require.NoError(t, err)
	assert.Equal(t, s.AccessToken, access)

	refresh, err := store.Get(ctx, KeyRefresh)
	require.NoError(t, err)
	assert.Equal(t, s.RefreshToken, refresh)

	info, err := m.Info(ctx)
	require.NoError(t, err)
	assert.True(t, info.LoggedIn)
	assert.Equal(t, "alice", info.Subject)
	assert.WithinDuration(t, time.Now().Add(2*time.Minute), info.ExpiresAt, 5*time.Second)
}

func TestLogin_FailureKeepsPriorSession(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()
	prior := login(t, m)

	_, err := m.Login(ctx, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuth)

	cur, err := m.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, prior, cur)
}

func TestDo_WithoutSession(t *testing.T) {
	m, backend, _ := setup(t)

	_, err := m.Do(context.Background(), artifactRequest(t, backend.URL))
	assert.ErrorIs(t, err, domain.ErrAuth)
	assert.Equal(t, int32(0), backend.Calls.Total())
}

func TestDo_RefreshesOnceAndRetries(t *testing.T) {
	m, backend, _ := setup(t)
	ctx := context.Background()
	prior := login(t, m)
	backend.Force401(1)

	resp, err := m.Do(ctx, artifactRequest(t, backend.URL))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, int32(1), backend.Calls.Refresh.Load())
	assert.Equal(t, int32(2), backend.Calls.Artifact.Load())

	cur, err := m.Current(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, prior.AccessToken, cur.AccessToken)
	assert.Equal(t, prior.RefreshToken, cur.RefreshToken)
}

func TestDo_SecondUnauthorizedClearsSession(t *testing.T) {
	m, backend, _ := setup(t)
	ctx := context.Background()
	login(t, m)
	backend.Force401(2)

	_, err := m.Do(ctx, artifactRequest(t, backend.URL))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuth)

	assert.Equal(t, int32(1), backend.Calls.Refresh.Load())
	assert.Equal(t, int32(2), backend.Calls.Artifact.Load())
	assert.False(t, m.HasSession(ctx))
}

func TestDo_RefreshRejectedNoRetry(t *testing.T) {
	m, backend, _ := setup(t)
	ctx := context.Background()
	login(t, m)
	backend.Force401(1)
	backend.RejectRefresh(true)

	_, err := m.Do(ctx, artifactRequest(t, backend.URL))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuth)

	assert.Equal(t, int32(1), backend.Calls.Artifact.Load())
	assert.False(t, m.HasSession(ctx))
}

func TestDo_ReplaysBody(t *testing.T) {
	m, backend, _ := setup(t)
	ctx := context.Background()
	login(t, m)
	backend.SetJobID("abc123")
	backend.Force401(1)

	var buf bytes.Buffer
	buf.WriteString("--b\r\nContent-Disposition: form-data; name=\"url\"\r\n\r\nhttps://youtu.be/x\r\n--b--\r\n")
	req, err := http.NewRequest(http.MethodPost, backend.URL+"/download", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "multipart/form-data; boundary=b")

	resp, err := m.Do(ctx, req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	subs := backend.Submissions()
	require.Len(t, subs, 1)
	assert.Equal(t, "https://youtu.be/x", subs[0].URL)
}

func TestRefresh_MissingTokenRequiresLogin(t *testing.T) {
	m, backend, store := setup(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, KeyAccess, "stale"))

	_, err := m.Refresh(ctx)
	assert.ErrorIs(t, err, domain.ErrAuth)
	assert.Equal(t, int32(0), backend.Calls.Refresh.Load())
	assert.False(t, m.HasSession(ctx))
}

func TestRefresh_TransportErrorKeepsSession(t *testing.T) {
	m, backend, _ := setup(t)
	ctx := context.Background()
	login(t, m)
	backend.Close()

	_, err := m.Refresh(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrAuth)
	assert.True(t, m.HasSession(ctx))
}

func TestRefresh_ConcurrentCallsShareResult(t *testing.T) {
	m, backend, _ := setup(t)
	ctx := context.Background()
	login(t, m)

	var wg sync.WaitGroup
	tokens := make([]string, 8)
	for i := range tokens {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.Refresh(ctx)
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, backend.Calls.Refresh.Load(), int32(8))
	assert.GreaterOrEqual(t, backend.Calls.Refresh.Load(), int32(1))
	for _, tok := range tokens {
		assert.NotEmpty(t, tok)
	}
}

func TestLogout(t *testing.T) {
	m, _, _ := setup(t)
	ctx := context.Background()
	login(t, m)

	require.NoError(t, m.Logout(ctx))
	assert.False(t, m.HasSession(ctx))

	info, err := m.Info(ctx)
	require.NoError(t, err)
	assert.False(t, info.LoggedIn)
}

func TestWithClient_TransfersOutliveRequestTimeout(t *testing.T) {
	backend := backendtest.NewServer()
	t.Cleanup(backend.Close)
	store, err := sqlite.NewMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	short := &http.Client{Timeout: 300 * time.Millisecond}
	m := NewManager(backend.URL, short, store, logger.Discard())
	login(t, m)

	backend.SetArtifact(http.StatusOK, []byte("slow-media-bytes"))
	backend.PaceArtifact(600 * time.Millisecond)

	resp, err := m.Do(context.Background(), artifactRequest(t, backend.URL))
	require.NoError(t, err)
	_, err = io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Error(t, err, "the short client must give up while reading the body")

	transfers := m.WithClient(&http.Client{})
	backend.Force401(1)
	resp, err = transfers.Do(context.Background(), artifactRequest(t, backend.URL))
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, []byte("slow-media-bytes"), data)
	assert.Equal(t, int32(1), backend.Calls.Refresh.Load())

	assert.True(t, m.HasSession(context.Background()))
}
