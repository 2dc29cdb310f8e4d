package stream

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/emanuelef/yt-dl-client-go/internal/domain"
)

// Message prefixes emitted by the backend on unnamed frames.
const (
	prefixError    = "ERROR:"
	prefixInfo     = "INFO:"
	prefixCanceled = "CANCELED:"
)

var percentRegex = regexp.MustCompile(`(\d+\.\d+)%|(\d+)%`)

// Classify maps a frame to a progress event. Frames that match nothing are
// reported with ok=false and should be ignored.
func Classify(f Frame) (ev domain.ProgressEvent, ok bool) {
	msg := strings.TrimSpace(f.Data)

	switch f.Event {
	case "complete":
		return domain.Complete{Filename: msg}, true
	case "error":
		return domain.Failure{Text: strings.TrimSpace(strings.TrimPrefix(msg, prefixError))}, true
	}

	switch {
	case strings.HasPrefix(msg, prefixError):
		return domain.Failure{Text: strings.TrimSpace(strings.TrimPrefix(msg, prefixError))}, true
	case strings.HasPrefix(msg, prefixInfo):
		return domain.Info{Text: strings.TrimSpace(strings.TrimPrefix(msg, prefixInfo))}, true
	case strings.HasPrefix(msg, prefixCanceled):
		return domain.Cancelled{Text: strings.TrimSpace(strings.TrimPrefix(msg, prefixCanceled))}, true
	}

	if m := percentRegex.FindStringSubmatch(msg); m != nil {
		raw := m[1]
		if raw == "" {
			raw = m[2]
		}
		if p, err := strconv.ParseFloat(raw, 64); err == nil {
			return domain.Progress{Percent: p}, true
		}
	}

	return nil, false
}

// kindOf names an event for metrics and logs.
func kindOf(ev domain.ProgressEvent) string {
	switch ev.(type) {
	case domain.Progress:
		return "progress"
	case domain.Info:
		return "info"
	case domain.Failure:
		return "error"
	case domain.Complete:
		return "complete"
	case domain.Cancelled:
		return "cancelled"
	}
	return "ignored"
}
