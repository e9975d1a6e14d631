package calsync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bridgecal/bridgecal/internal/bridgecal"
)

// Ticker runs one reconciliation pass. *Engine satisfies it.
type Ticker interface {
	Tick(ctx context.Context) (Summary, error)
}

// TickerFunc adapts a function to the Ticker interface.
type TickerFunc func(ctx context.Context) (Summary, error)

func (f TickerFunc) Tick(ctx context.Context) (Summary, error) {
	return f(ctx)
}

type DriverOptions struct {
	// Interval between ticks in loop mode. Ignored when Schedule is set.
	Interval time.Duration
	// JitterRatio spreads tick start times by up to ±ratio of Interval.
	JitterRatio float64
	// Schedule, when non-empty, is a standard cron expression that picks
	// the next tick time instead of the fixed interval.
	Schedule string
	// OnReload, when set, is invoked between ticks after the config file
	// changed.
	OnReload func()
	Logger   Logger
}

// Driver runs ticks one at a time. A tick in flight always runs to
// completion (or to a checkpoint) before RunLoop returns.
type Driver struct {
	ticker   Ticker
	interval time.Duration
	jitter   float64
	schedule cron.Schedule
	onReload func()
	reload   <-chan struct{}
	logger   Logger
	rng      *rand.Rand
}

func NewDriver(ticker Ticker, opts DriverOptions) (*Driver, error) {
	if ticker == nil {
		return nil, fmt.Errorf("%w: ticker is required", bridgecal.ErrConfig)
	}
	d := &Driver{
		ticker:   ticker,
		interval: opts.Interval,
		jitter:   clampJitterRatio(opts.JitterRatio),
		onReload: opts.OnReload,
		logger:   opts.Logger,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if d.interval <= 0 {
		d.interval = 120 * time.Second
	}
	if opts.Schedule != "" {
		schedule, err := cron.ParseStandard(opts.Schedule)
		if err != nil {
			return nil, fmt.Errorf("%w: bad schedule %q: %v", bridgecal.ErrConfig, opts.Schedule, err)
		}
		d.schedule = schedule
	}
	return d, nil
}

// WatchConfig arranges for OnReload to fire between ticks whenever the given
// file changes. The returned stop function releases the watcher.
func (d *Driver) WatchConfig(path string) (func(), error) {
	ch, stop, err := watchFile(path, d.logger)
	if err != nil {
		return nil, err
	}
	d.reload = ch
	return stop, nil
}

// RunOnce runs a single tick.
func (d *Driver) RunOnce(ctx context.Context) (Summary, error) {
	return d.ticker.Tick(ctx)
}

// RunLoop ticks until ctx is cancelled. Cancellation at a sleep point is
// immediate. Transient tick failures are logged and the loop continues;
// credential and configuration failures end the loop and are returned.
func (d *Driver) RunLoop(ctx context.Context) error {
	for {
		if _, err := d.ticker.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, bridgecal.ErrAuth) || errors.Is(err, bridgecal.ErrConfig) {
				return err
			}
			d.logf("tick failed err=%v", err)
		}
		timer := time.NewTimer(d.nextDelay(time.Now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-d.reloadChan():
			timer.Stop()
			if d.onReload != nil {
				d.onReload()
			}
		case <-timer.C:
		}
	}
}

func (d *Driver) reloadChan() <-chan struct{} {
	if d.reload != nil {
		return d.reload
	}
	// Nil channel blocks forever, which is exactly what we want when no
	// watcher is wired.
	return nil
}

func (d *Driver) nextDelay(now time.Time) time.Duration {
	if d.schedule != nil {
		delay := d.schedule.Next(now).Sub(now)
		if delay < time.Second {
			delay = time.Second
		}
		return delay
	}
	return jitteredInterval(d.interval, d.jitter, d.rng.Float64())
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredInterval spreads the base interval by ±ratio using the given
// uniform sample in [0, 1].
func jitteredInterval(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

func (d *Driver) logf(format string, args ...any) {
	if d.logger == nil {
		return
	}
	d.logger.Printf(format, args...)
}
