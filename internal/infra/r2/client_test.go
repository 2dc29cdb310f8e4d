package r2

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emanuelef/yt-dl-client-go/pkg/logger"
)

type fakeS3 struct {
	mu       sync.Mutex
	requests []string
	bodies   map[string]string
	listXML  string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.Path)

	switch r.Method {
	case http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.bodies[r.URL.Path] = string(data)
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, f.listXML)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func newTestClient(t *testing.T, fake *fakeS3) *Client {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	c, err := NewClient(context.Background(), &Config{
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		BucketName:      "media",
		Endpoint:        srv.URL,
		Logger:          logger.Discard(),
	})
	require.NoError(t, err)
	return c
}

func TestNewClient_IncompleteConfig(t *testing.T) {
	_, err := NewClient(context.Background(), &Config{BucketName: "media"})
	assert.Error(t, err)

	_, err = NewClient(context.Background(), &Config{AccessKeyID: "k", SecretAccessKey: "s", BucketName: "b"})
	assert.Error(t, err)
}

func TestClient_UploadPresignDelete(t *testing.T) {
	fake := &fakeS3{bodies: map[string]string{}}
	c := newTestClient(t, fake)
	ctx := context.Background()

	key := ObjectKey("abc123", "clip.mp4")
	assert.Equal(t, "artifacts/abc123/clip.mp4", key)

	require.NoError(t, c.Upload(ctx, key, []byte("media"), "video/mp4"))
	assert.Equal(t, "media", fake.bodies["/media/"+key])

	link, err := c.PresignedURL(ctx, key, 600*time.Second)
	require.NoError(t, err)
	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "/media/"+key, u.Path)
	assert.Equal(t, "600", u.Query().Get("X-Amz-Expires"))

	require.NoError(t, c.Delete(ctx, key))
	assert.Equal(t, []string{"PUT /media/" + key, "DELETE /media/" + key}, fake.seen())
}

func TestClient_DeleteOlderThan(t *testing.T) {
	old := time.Now().Add(-2 * time.Hour).UTC().Format(time.RFC3339)
	fresh := time.Now().UTC().Format(time.RFC3339)
	fake := &fakeS3{bodies: map[string]string{}, listXML: `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>media</Name><Prefix>artifacts/</Prefix><KeyCount>2</KeyCount><IsTruncated>false</IsTruncated>
  <Contents><Key>artifacts/old/a.mp3</Key><LastModified>` + old + `</LastModified><Size>3</Size></Contents>
  <Contents><Key>artifacts/new/b.mp3</Key><LastModified>` + fresh + `</LastModified><Size>3</Size></Contents>
</ListBucketResult>`}
	c := newTestClient(t, fake)

	n, err := c.DeleteOlderThan(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var deletes []string
	for _, r := range fake.seen() {
		if strings.HasPrefix(r, "DELETE") {
			deletes = append(deletes, r)
		}
	}
	assert.Equal(t, []string{"DELETE /media/artifacts/old/a.mp3"}, deletes)
}
