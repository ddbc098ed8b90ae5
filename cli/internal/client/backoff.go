package client

import (
	"errors"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	backoffInitial = 1 * time.Second
	backoffMax     = 60 * time.Second
)

// backoff spaces out retries: doubling from backoffInitial up to backoffMax
// with ±25% jitter, unless the server named a delay in Retry-After.
type backoff struct {
	step   time.Duration
	jitter func() float64 // in [0, 1)
}

func newBackoff() *backoff {
	return &backoff{step: backoffInitial, jitter: rand.Float64}
}

// next returns how long to wait after err and advances the schedule.
func (b *backoff) next(err error) time.Duration {
	step := b.step
	b.step = min(2*b.step, backoffMax)

	var ae *APIError
	if errors.As(err, &ae) && ae.RetryAfter > 0 {
		return min(ae.RetryAfter, backoffMax)
	}
	d := step + time.Duration(float64(step)*0.25*(b.jitter()*2-1))
	return max(d, 0)
}

// parseRetryAfter reads a Retry-After header given in seconds or as an HTTP
// date. It returns 0 when the header is absent or unusable.
func parseRetryAfter(h string, now time.Time) time.Duration {
	h = strings.TrimSpace(h)
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(h); err == nil {
		return max(time.Duration(secs)*time.Second, 0)
	}
	if at, err := http.ParseTime(h); err == nil {
		return max(at.Sub(now), 0)
	}
	return 0
}
