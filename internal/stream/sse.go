package stream

import (
	"bufio"
	"io"
	"strings"
)

// Frame is one dispatched server-sent event.
type Frame struct {
	Event string // "message" when the server named none
	Data  string
	ID    string
}

// Reader decodes a text/event-stream body. Lines may end in LF or CRLF.
type Reader struct {
	br     *bufio.Reader
	lastID string
}

// NewReader wraps r.
func NewReader(r io.Reader) *Reader {
	return &Reader{br: bufio.NewReader(r)}
}

// Next returns the next frame carrying data. It returns io.EOF when the body
// ends cleanly between frames and io.ErrUnexpectedEOF when it ends inside
// one.
func (r *Reader) Next() (Frame, error) {
	var (
		event   string
		data    strings.Builder
		hasData bool
		pending bool
	)

	for {
		line, err := r.br.ReadString('\n')
		if err != nil {
			if err == io.EOF && (pending || line != "") {
				return Frame{}, io.ErrUnexpectedEOF
			}
			return Frame{}, err
		}
		line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

		if line == "" {
			if !hasData {
				event, pending = "", false
				continue
			}
			if event == "" {
				event = "message"
			}
			return Frame{Event: event, Data: data.String(), ID: r.lastID}, nil
		}
		pending = true

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			event = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			if !strings.ContainsRune(value, 0) {
				r.lastID = value
			}
		}
	}
}
