package ratelimit

import "time"

// Reason identifies why an audio buffer was rejected.
type Reason string

const (
	ReasonNone         Reason = ""
	ReasonTooLarge     Reason = "too-large"
	ReasonTooManyEmpty Reason = "too-many-empty"
	ReasonRateLimited  Reason = "rate-limited"
)

type Config struct {
	Window              time.Duration
	MaxMessages         int
	MaxBufferBytes      int
	MaxConsecutiveEmpty int
}

type Verdict struct {
	Allowed bool
	Reason  Reason
	Code    int
}

// Limiter is a fixed-window message counter with a buffer-size ceiling and a
// consecutive-empty-buffer guard. It is not safe for concurrent use.
type Limiter struct {
	cfg              Config
	windowStart      time.Time
	count            int
	consecutiveEmpty int
}

func New(cfg Config) *Limiter {
	return &Limiter{cfg: cfg}
}

// Allow checks a buffer of the given size arriving at now. Rejected buffers
// do not count against the window.
func (l *Limiter) Allow(now time.Time, size int) Verdict {
	if size > l.cfg.MaxBufferBytes {
		return Verdict{Reason: ReasonTooLarge, Code: 413}
	}
	if size == 0 {
		if l.consecutiveEmpty >= l.cfg.MaxConsecutiveEmpty {
			return Verdict{Reason: ReasonTooManyEmpty, Code: 400}
		}
	}

	if l.windowStart.IsZero() || now.Sub(l.windowStart) >= l.cfg.Window {
		l.windowStart = now
		l.count = 0
	}
	if l.count >= l.cfg.MaxMessages {
		return Verdict{Reason: ReasonRateLimited, Code: 429}
	}
	l.count++

	if size == 0 {
		l.consecutiveEmpty++
	} else {
		l.consecutiveEmpty = 0
	}
	return Verdict{Allowed: true, Code: 200}
}

func (l *Limiter) ConsecutiveEmpty() int {
	return l.consecutiveEmpty
}

func (l *Limiter) WindowStart() time.Time {
	return l.windowStart
}

func (l *Limiter) Reset() {
	l.windowStart = time.Time{}
	l.count = 0
	l.consecutiveEmpty = 0
}
