package httpclient

import (
	"context"

	"golang.org/x/time/rate"
)

// Pacer spaces out requests to a portal. A nil *Pacer never waits.
type Pacer struct {
	lim *rate.Limiter
}

// NewPacer returns a pacer allowing rps requests per second with the given
// burst, or nil when rps <= 0 (unlimited).
func NewPacer(rps float64, burst int) *Pacer {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &Pacer{lim: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Wait blocks until the next request may be sent.
func (p *Pacer) Wait(ctx context.Context) error {
	if p == nil {
		return nil
	}
	return p.lim.Wait(ctx)
}
