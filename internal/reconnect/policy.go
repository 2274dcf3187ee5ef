package reconnect

import (
	"math/rand/v2"
	"time"
)

const defaultJitterRatio = 0.3

type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	// JitterRatio defaults to 0.3 when zero.
	JitterRatio float64
	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// Policy tracks reconnect attempts for one client. Owned by a single
// goroutine; not safe for concurrent use.
type Policy struct {
	cfg Config

	attempts    int
	inProgress  bool
	lastAttempt time.Time
	lastSuccess time.Time
}

func New(cfg Config) *Policy {
	if cfg.JitterRatio == 0 {
		cfg.JitterRatio = defaultJitterRatio
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	return &Policy{cfg: cfg}
}

// BaseDelay returns min(base * 2^attempt, max) without jitter.
func (p *Policy) BaseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := p.cfg.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.cfg.MaxDelay || d <= 0 {
			return p.cfg.MaxDelay
		}
	}
	if d > p.cfg.MaxDelay {
		return p.cfg.MaxDelay
	}
	return d
}

// Next records a new attempt and returns the delay before it should fire.
// ok is false once the attempt cap is reached or another attempt is
// already scheduled.
func (p *Policy) Next(now time.Time) (time.Duration, bool) {
	if p.inProgress || p.attempts >= p.cfg.MaxAttempts {
		return 0, false
	}
	p.attempts++
	p.inProgress = true
	p.lastAttempt = now
	base := p.BaseDelay(p.attempts)
	jitter := time.Duration(float64(base) * p.cfg.JitterRatio * p.cfg.Rand())
	return base + jitter, true
}

// Fired clears the in-progress flag once a scheduled attempt starts dialing.
func (p *Policy) Fired() {
	p.inProgress = false
}

func (p *Policy) Succeeded(now time.Time) {
	p.attempts = 0
	p.inProgress = false
	p.lastSuccess = now
}

func (p *Policy) Reset() {
	p.attempts = 0
	p.inProgress = false
}

func (p *Policy) Exhausted() bool {
	return p.attempts >= p.cfg.MaxAttempts
}

func (p *Policy) Attempts() int { return p.attempts }
func (p *Policy) InProgress() bool { return p.inProgress }
func (p *Policy) LastAttempt() time.Time { return p.lastAttempt }
func (p *Policy) LastSuccess() time.Time { return p.lastSuccess }
func (p *Policy) MaxAttempts() int { return p.cfg.MaxAttempts }
