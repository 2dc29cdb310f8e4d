// Package presenter contains adapters that consume controller updates.
package presenter

import (
	"github.com/emanuelef/yt-dl-client-go/internal/domain"
)

// Presenter consumes updates. Present must not block.
type Presenter interface {
	Present(domain.Update)
}

// Multi forwards each update to every presenter in order.
type Multi []Presenter

// Present implements Presenter.
func (m Multi) Present(u domain.Update) {
	for _, p := range m {
		p.Present(u)
	}
}
