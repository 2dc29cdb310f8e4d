package presenter

import (
	"log/slog"

	"github.com/emanuelef/yt-dl-client-go/internal/domain"
)

// Log writes updates to a structured logger.
type Log struct {
	log *slog.Logger
}

// NewLog creates a Log presenter.
func NewLog(log *slog.Logger) *Log {
	return &Log{log: log}
}

// Present implements Presenter.
func (l *Log) Present(u domain.Update) {
	attrs := []any{"seq", u.Seq, "state", u.State.String()}
	if u.JobID != "" {
		attrs = append(attrs, "job_id", u.JobID)
	}
	if u.Detail != "" {
		attrs = append(attrs, "detail", u.Detail)
	}
	if u.Err != nil {
		attrs = append(attrs, "error", u.Err)
	}

	switch u.Kind {
	case domain.KindTransition:
		if u.State == domain.StateFailed {
			l.log.Warn("Job state changed", attrs...)
			return
		}
		l.log.Info("Job state changed", attrs...)
	case domain.KindProgress:
		l.log.Debug("Job progress", append(attrs, "percent", u.Percent)...)
	case domain.KindCountdown:
		l.log.Debug("Artifact countdown", append(attrs, "remaining", u.Remaining)...)
	case domain.KindReconnecting:
		l.log.Warn("Progress stream reconnecting", append(attrs, "attempt", u.Attempt)...)
	case domain.KindArtifactError, domain.KindNotice:
		l.log.Warn("Job notice", append(attrs, "kind", string(u.Kind))...)
	default:
		l.log.Info("Job update", append(attrs, "kind", string(u.Kind))...)
	}
}
