package hub

import "time"

// backoff spaces reconnect attempts: floor, 2*floor, 4*floor ... up to ceiling.
type backoff struct {
	floor    time.Duration
	ceiling  time.Duration
	attempts int
	last     time.Time
}

func (b *backoff) delay() time.Duration {
	if b.attempts == 0 {
		return 0
	}
	d := b.floor
	for i := 1; i < b.attempts && d < b.ceiling; i++ {
		d *= 2
	}
	return min(d, b.ceiling)
}

// wait returns how long until the next attempt is allowed.
func (b *backoff) wait(now time.Time) time.Duration {
	if b.attempts == 0 {
		return 0
	}
	return max(b.last.Add(b.delay()).Sub(now), 0)
}

func (b *backoff) attempt(now time.Time) {
	b.attempts++
	b.last = now
}

func (b *backoff) reset() {
	b.attempts = 0
	b.last = time.Time{}
}
