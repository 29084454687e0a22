// Package backoff provides exponential backoff calculation.
package backoff

import (
	"math"
	"time"
)

// Config for exponential backoff. Zero values use defaults.
type Config struct {
	Initial time.Duration // default: 100ms
	Factor  float64       // default: 2.0
	Max     time.Duration // default: 5s
}

// Exponential calculates exponential backoff for a given attempt.
// Attempt 1 returns initial, attempt 2 returns initial*factor, etc.
func Exponential(attempt int, cfg *Config) time.Duration {
	initial := 100 * time.Millisecond
	factor := 2.0
	maxBackoff := 5 * time.Second
	if cfg != nil {
		if cfg.Initial > 0 {
			initial = cfg.Initial
		}
		if cfg.Factor > 1 {
			factor = cfg.Factor
		}
		if cfg.Max > 0 {
			maxBackoff = cfg.Max
		}
	}

	if attempt < 1 {
		return initial
	}
	backoff := float64(initial) * math.Pow(factor, float64(attempt-1))
	if backoff > float64(maxBackoff) {
		backoff = float64(maxBackoff)
	}
	return time.Duration(backoff)
}

// Poll tracks the per-job polling interval used by the reconcile loop:
// starts at Initial, multiplied by Factor on every idle poll up to Max,
// reset to Initial on any observed state change.
type Poll struct {
	cfg  Config
	next time.Duration
	due  time.Time
}

// NewPoll creates a poll tracker that is immediately due.
func NewPoll(cfg Config) *Poll {
	if cfg.Initial <= 0 {
		cfg.Initial = time.Second
	}
	if cfg.Factor <= 1 {
		cfg.Factor = 1.5
	}
	if cfg.Max <= 0 {
		cfg.Max = 60 * time.Second
	}
	return &Poll{cfg: cfg, next: cfg.Initial}
}

// Due reports whether the job should be polled now.
func (p *Poll) Due(now time.Time) bool {
	return !now.Before(p.due)
}

// Idle schedules the next poll further out after a poll that observed no change.
func (p *Poll) Idle(now time.Time) {
	p.due = now.Add(p.next)
	grown := time.Duration(float64(p.next) * p.cfg.Factor)
	if grown > p.cfg.Max {
		grown = p.cfg.Max
	}
	p.next = grown
}

// Reset restores the initial interval after an observed state change.
func (p *Poll) Reset(now time.Time) {
	p.next = p.cfg.Initial
	p.due = now.Add(p.next)
}

// Interval returns the current interval, for tests and logging.
func (p *Poll) Interval() time.Duration {
	return p.next
}
