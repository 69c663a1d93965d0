package outbox

import (
	"errors"
	"net/http"
	"time"

	"github.com/matheus3301/lifetrack/internal/remote"
)

// Policy is the capped exponential backoff applied to transient failures.
type Policy struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultPolicy waits 15s, 30s, 1m, ... up to an hour, giving up after six
// attempts.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   15 * time.Second,
		MaxDelay:    time.Hour,
		MaxAttempts: 6,
	}
}

// Delay returns the wait before attempt k+1, where k is the zero-based index
// of the attempt that just failed: min(MaxDelay, BaseDelay * 2^k).
func (p Policy) Delay(k int) time.Duration {
	if k < 0 {
		k = 0
	}
	d := p.BaseDelay
	for i := 0; i < k; i++ {
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			break
		}
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// NextAttempt returns when an entry that has failed attempts times may be
// tried again.
func (p Policy) NextAttempt(attempts int, now time.Time) time.Time {
	return now.Add(p.Delay(attempts - 1))
}

// Exhausted reports whether no attempt is left after attempts tries.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Class is the retry classification of a send failure.
type Class int

const (
	Transient Class = iota
	Terminal
)

func (c Class) String() string {
	if c == Terminal {
		return "terminal"
	}
	return "transient"
}

// Classify decides whether a failed send may be retried. Explicit client
// rejections (4xx other than 429) are terminal; throttling, server errors,
// timeouts and transport failures are transient.
func Classify(err error) Class {
	var apiErr *remote.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.StatusCode
		if code >= 400 && code < 500 && code != http.StatusTooManyRequests {
			return Terminal
		}
	}
	return Transient
}
