// Package metrics exposes Prometheus instruments for the download client.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobTransitions counts controller state transitions by target state.
	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ytdl_client_job_transitions_total",
		Help: "Controller state transitions by target state",
	}, []string{"state"})

	// StreamFrames counts classified progress frames.
	StreamFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ytdl_client_stream_frames_total",
		Help: "Progress stream frames by classification",
	}, []string{"kind"})

	StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ytdl_client_stream_reconnects_total",
		Help: "Progress stream reconnection attempts",
	})

	StreamExhausted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ytdl_client_stream_exhausted_total",
		Help: "Jobs failed because the reconnection budget ran out",
	})

	// TokenRefreshes counts access token refreshes by result.
	TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ytdl_client_token_refresh_total",
		Help: "Access token refresh attempts by result",
	}, []string{"result"})

	ArtifactBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ytdl_client_artifact_bytes_total",
		Help: "Artifact bytes fetched from the backend",
	})

	ArtifactRevocations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ytdl_client_artifact_revocations_total",
		Help: "Artifact references revoked",
	})

	ArtifactFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ytdl_client_artifact_fetch_duration_seconds",
		Help:    "Time to fetch a finished artifact",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	})

	// ActiveJob is 1 while a job is submitting or streaming.
	ActiveJob = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ytdl_client_active_job",
		Help: "Whether a job currently occupies the controller",
	})
)

// IncTransition records a transition into state.
func IncTransition(state string, active bool) {
	JobTransitions.WithLabelValues(state).Inc()
	if active {
		ActiveJob.Set(1)
	} else {
		ActiveJob.Set(0)
	}
}

// IncFrame records a classified frame.
func IncFrame(kind string) {
	StreamFrames.WithLabelValues(kind).Inc()
}

// IncRefresh records a refresh outcome.
func IncRefresh(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	TokenRefreshes.WithLabelValues(result).Inc()
}

// ObserveArtifactFetch records a successful fetch.
func ObserveArtifactFetch(size int, duration time.Duration) {
	ArtifactBytes.Add(float64(size))
	ArtifactFetchDuration.Observe(duration.Seconds())
}
