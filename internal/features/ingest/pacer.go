package ingest

import (
	"context"
	"time"

	"ton-club-bot/internal/infra/clock"
)

// Pacer allows one request per rolling window, measured from the previous request start
type Pacer struct {
	clock  clock.Clock
	window time.Duration
	last   time.Time
}

func NewPacer(clk clock.Clock, window time.Duration) *Pacer {
	return &Pacer{clock: clk, window: window}
}

// Wait blocks for the remainder of the window and marks the start of the next request
func (p *Pacer) Wait(ctx context.Context) error {
	if p.window > 0 && !p.last.IsZero() {
		if d := p.window - p.clock.Since(p.last); d > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.clock.After(d):
			}
		}
	}
	p.last = p.clock.Now()
	return nil
}
