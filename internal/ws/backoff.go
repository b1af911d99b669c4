package ws

import (
	"math/rand"
	"time"
)

// Backoff computes exponential reconnect delays with ±Jitter randomization.
// The attempt counter advances on every scheduled reconnect and is reset
// only after a successful auth, so network flaps keep climbing toward Max.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	Jitter  float64 // fraction of the delay, 0.1 = ±10%
	attempt int
}

func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max, Jitter: 0.1}
}

// Next returns the delay for the current attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	b.attempt++
	if b.Jitter > 0 {
		d += time.Duration(float64(d) * b.Jitter * (rand.Float64()*2 - 1))
	}
	return d
}

// Advance skips n attempts without producing a delay. The relay rejects a
// duplicate agent bind with AGENT_EXISTS; advancing five steps keeps the
// loser from hammering the incumbent.
func (b *Backoff) Advance(n int) {
	b.attempt += n
}

func (b *Backoff) Reset() {
	b.attempt = 0
}
