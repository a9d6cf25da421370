// Package capture adapts pitch estimators to the engine's sample polling.
package capture

import (
	"context"
	"errors"
	"math"
	"time"
)

// DefaultTimeout is how long a poll waits for a new reading before it is
// treated as absent.
const DefaultTimeout = 200 * time.Millisecond

// ErrInvalidFrequency is returned for readings that are not finite.
var ErrInvalidFrequency = errors.New("invalid frequency")

// Source yields one pitch reading per call. ok is false when no pitch was
// detected; err is a capture failure.
type Source interface {
	GetPitchSample(ctx context.Context) (hz float64, ok bool, err error)
}

// Push is a Source fed by readings posted from the estimator. Only the most
// recent unread reading is kept.
type Push struct {
	timeout  time.Duration
	readings chan float64
}

// NewPush creates a push source. A non-positive timeout uses DefaultTimeout.
func NewPush(timeout time.Duration) *Push {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Push{
		timeout:  timeout,
		readings: make(chan float64, 1),
	}
}

// Submit posts a reading. Zero or negative frequencies mean no pitch.
func (p *Push) Submit(hz float64) error {
	if math.IsNaN(hz) || math.IsInf(hz, 0) {
		return ErrInvalidFrequency
	}
	for {
		select {
		case p.readings <- hz:
			return nil
		default:
		}
		// Drop the stale reading and retry.
		select {
		case <-p.readings:
		default:
		}
	}
}

// GetPitchSample implements Source.
func (p *Push) GetPitchSample(ctx context.Context) (float64, bool, error) {
	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return 0, false, ctx.Err()
	case <-timer.C:
		return 0, false, nil
	case hz := <-p.readings:
		if hz <= 0 {
			return 0, false, nil
		}
		return hz, true, nil
	}
}
