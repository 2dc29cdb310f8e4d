package stream

import (
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReader_Frames(t *testing.T) {
	body := ": keep-alive\n" +
		"data: INFO: starting\n\n" +
		"event: complete\r\n" +
		"id: 7\r\n" +
		"data: clip.mp4\r\n\r\n" +
		"data: line one\n" +
		"data:line two\n\n" +
		"event: ping\n\n" +
		"data: [download]  42.5% of 10MiB\n\n"

	r := NewReader(strings.NewReader(body))

	f, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, Frame{Event: "message", Data: "INFO: starting"}, f)

	f, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, Frame{Event: "complete", Data: "clip.mp4", ID: "7"}, f)

	f, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "message", f.Event)
	assert.Equal(t, "line one\nline two", f.Data)
	assert.Equal(t, "7", f.ID)

	// The data-less "ping" block is skipped and does not leak its name.
	f, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, "message", f.Event)
	assert.Equal(t, "[download]  42.5% of 10MiB", f.Data)

	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReader_TruncatedFrame(t *testing.T) {
	r := NewReader(strings.NewReader("data: 10%\n"))
	_, err := r.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
