package hub

import "time"

// Ticker is the minimal interface Stream's reaper needs from a periodic
// timer, so tests can supply a manually-driven fake instead of sleeping on
// the wall clock.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory builds a Ticker for the given period. NewRealTickerFactory
// is the production implementation; tests inject a fake.
type TickerFactory func(d time.Duration) Ticker

// NewRealTickerFactory returns a TickerFactory backed by time.NewTicker.
func NewRealTickerFactory() TickerFactory {
	return func(d time.Duration) Ticker {
		return &realTicker{t: time.NewTicker(d)}
	}
}

type realTicker struct {
	t *time.Ticker
}

func (r *realTicker) C() <-chan time.Time { return r.t.C }
func (r *realTicker) Stop()               { r.t.Stop() }
