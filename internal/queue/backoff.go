package queue

import (
	"time"

	"github.com/pkg/errors"
)

const (
	BackoffFixed       = "fixed"
	BackoffExponential = "exponential"
)

// Backoff decides how long a retrying job waits before it is due again.
type Backoff struct {
	Strategy string
	Base     time.Duration
	Max      time.Duration
}

func (b Backoff) Validate() error {
	switch b.Strategy {
	case BackoffFixed, BackoffExponential:
	default:
		return errors.Errorf("unknown backoff strategy %q", b.Strategy)
	}
	if b.Base < 0 || b.Max < 0 {
		return errors.New("backoff delays must not be negative")
	}
	return nil
}

// Delay returns the wait after the attempt-th failure (attempt starts at 1).
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	if b.Strategy == BackoffExponential {
		for i := 1; i < attempt; i++ {
			d *= 2
			if b.Max > 0 && d >= b.Max {
				break
			}
		}
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}
