package presenter

import (
	"context"
	"sync"

	"github.com/emanuelef/yt-dl-client-go/internal/domain"
)

// Recorder keeps every update it sees. It is meant for tests and for
// callers that need to wait on a specific update.
type Recorder struct {
	mu      sync.Mutex
	updates []domain.Update
	changed chan struct{}
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{changed: make(chan struct{})}
}

// Present implements Presenter.
func (r *Recorder) Present(u domain.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
	close(r.changed)
	r.changed = make(chan struct{})
}

// Updates returns a copy of everything recorded so far.
func (r *Recorder) Updates() []domain.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Update(nil), r.updates...)
}

// States returns the states of the recorded transitions.
func (r *Recorder) States() []domain.JobState {
	var states []domain.JobState
	for _, u := range r.Updates() {
		if u.Kind == domain.KindTransition {
			states = append(states, u.State)
		}
	}
	return states
}

// Wait blocks until an update with Seq greater than after satisfies match,
// and returns it.
func (r *Recorder) Wait(ctx context.Context, after uint64, match func(domain.Update) bool) (domain.Update, error) {
	for {
		r.mu.Lock()
		for _, u := range r.updates {
			if u.Seq > after && match(u) {
				r.mu.Unlock()
				return u, nil
			}
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return domain.Update{}, ctx.Err()
		}
	}
}

// WaitKind waits for the next update of kind after seq.
func (r *Recorder) WaitKind(ctx context.Context, after uint64, kind domain.UpdateKind) (domain.Update, error) {
	return r.Wait(ctx, after, func(u domain.Update) bool { return u.Kind == kind })
}

// WaitState waits for a transition into state after seq.
func (r *Recorder) WaitState(ctx context.Context, after uint64, state domain.JobState) (domain.Update, error) {
	return r.Wait(ctx, after, func(u domain.Update) bool {
		return u.Kind == domain.KindTransition && u.State == state
	})
}
