package lock

import (
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// DecorrelatedJitter is a backoff.BackOff producing the "decorrelated
// jitter" sleep sequence: each sleep is drawn uniformly from
// [base, 3*previous] and capped at max.
type DecorrelatedJitter struct {
	Base time.Duration
	Max  time.Duration

	mu    sync.Mutex
	sleep time.Duration
	rnd   *rand.Rand
}

var _ backoff.BackOff = (*DecorrelatedJitter)(nil)

// NewDecorrelatedJitter returns a jitter sequence starting at base.
func NewDecorrelatedJitter(base, max time.Duration) *DecorrelatedJitter {
	if base <= 0 {
		base = time.Millisecond
	}
	if max < base {
		max = base
	}
	return &DecorrelatedJitter{
		Base:  base,
		Max:   max,
		sleep: base,
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NextBackOff returns the next sleep duration. It never returns backoff.Stop;
// the caller's timeout bounds the retries.
func (d *DecorrelatedJitter) NextBackOff() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	upper := d.sleep * 3
	if upper > d.Max*3 {
		upper = d.Max * 3
	}
	next := d.Base
	if span := int64(upper - d.Base); span > 0 {
		next += time.Duration(d.rnd.Int63n(span))
	}
	if next > d.Max {
		next = d.Max
	}
	d.sleep = next
	return next
}

// Reset restarts the sequence at Base.
func (d *DecorrelatedJitter) Reset() {
	d.mu.Lock()
	d.sleep = d.Base
	d.mu.Unlock()
}
