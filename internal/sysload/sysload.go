// Package sysload gates new jobs on host CPU usage.
package sysload

import (
	"context"
	"errors"
	"fmt"

	"github.com/shirou/gopsutil/cpu"
)

// ErrBusy is returned by Admit when CPU usage is above the limit.
var ErrBusy = errors.New("sysload: cpu usage above limit")

// SampleFunc returns the current overall CPU usage in percent.
type SampleFunc func(ctx context.Context) (float64, error)

// Gate refuses work while the host is saturated.
type Gate struct {
	maxPercent float64
	sample     SampleFunc
}

// Option configures a Gate.
type Option func(*Gate)

// WithSampler replaces the gopsutil sampler.
func WithSampler(fn SampleFunc) Option {
	return func(g *Gate) {
		if fn != nil {
			g.sample = fn
		}
	}
}

// NewGate creates a Gate. maxPercent <= 0 disables admission checks.
func NewGate(maxPercent float64, opts ...Option) *Gate {
	g := &Gate{maxPercent: maxPercent, sample: samplePercent}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Enabled reports whether Admit can refuse work.
func (g *Gate) Enabled() bool {
	return g.maxPercent > 0
}

// Percent samples the current CPU usage.
func (g *Gate) Percent(ctx context.Context) (float64, error) {
	return g.sample(ctx)
}

// Admit returns ErrBusy when usage is above the limit. A failed sample
// admits the job.
func (g *Gate) Admit(ctx context.Context) error {
	if !g.Enabled() {
		return nil
	}
	usage, err := g.sample(ctx)
	if err != nil {
		return nil
	}
	if usage > g.maxPercent {
		return fmt.Errorf("%w: %.1f%% > %.1f%%", ErrBusy, usage, g.maxPercent)
	}
	return nil
}

// samplePercent compares against the previous call, so the first sample
// after start is the average since boot.
func samplePercent(ctx context.Context) (float64, error) {
	usage, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, fmt.Errorf("sysload: sample cpu: %w", err)
	}
	if len(usage) == 0 {
		return 0, errors.New("sysload: no cpu sample")
	}
	return usage[0], nil
}
