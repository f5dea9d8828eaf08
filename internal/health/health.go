// Package health adapts the teacher's container-probe checker
// interface to Concourse's own domain: there are no containers to
// probe, so the single Checker here calls the Engine's Ping (which does
// not probe the storage directories) and reports how many blocks are
// currently quarantined (§7 "IO / Corruption"). It backs the /healthz
// HTTP endpoint; the `ping` RPC verb calls Engine.Ping directly.
package health

import (
	"context"
	"time"
)

// CheckType identifies the kind of health check a Checker performs.
type CheckType string

// CheckTypeEngine is the only Checker this package implements:
// Concourse has one dependency to probe, its own storage engine.
const CheckTypeEngine CheckType = "engine"

// Result is the outcome of one health check.
type Result struct {
	Healthy     bool
	Message     string
	CheckedAt   time.Time
	Duration    time.Duration
	Quarantined int
}

// Checker performs a health check and reports what kind it is.
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Config controls how a Monitor schedules and interprets checks.
type Config struct {
	// Interval is the time between checks.
	Interval time.Duration

	// Timeout bounds a single check.
	Timeout time.Duration

	// Retries is the number of consecutive failures before the
	// Monitor reports unhealthy.
	Retries int

	// StartPeriod is a grace period before the first check counts
	// against Retries, skipped here (Concourse's Engine is either
	// reachable the instant it's constructed or not at all), kept for
	// parity with the teacher's Config shape.
	StartPeriod time.Duration
}

// DefaultConfig returns Config values suited to a single-process
// engine: quarantine and reachability rarely flap, so checks are
// infrequent and tolerant of a couple of transient failures.
func DefaultConfig() Config {
	return Config{
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
		Retries:  2,
	}
}

// Status tracks a Checker's health over time with hysteresis: a single
// failed check does not flip Healthy to false, only Retries
// consecutive ones do, preventing flapping from a momentary
// quarantine event.
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	Healthy              bool
	StartedAt            time.Time
}

// NewStatus returns a Status that assumes healthy until the first
// check result arrives.
func NewStatus() *Status {
	return &Status{Healthy: true, StartedAt: time.Now()}
}

// Update folds one check Result into the Status under config's
// hysteresis rules.
func (s *Status) Update(result Result, config Config) {
	s.LastCheck = result.CheckedAt
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}
	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= config.Retries {
		s.Healthy = false
	}
}

// InStartPeriod reports whether config's grace period is still active.
func (s *Status) InStartPeriod(config Config) bool {
	if config.StartPeriod == 0 {
		return false
	}
	return time.Since(s.StartedAt) < config.StartPeriod
}
