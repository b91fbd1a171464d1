package kernel

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/joshuapare/hubkernel/kernel/timer"
)

// ErrBadConfig indicates a Config with a zero or out-of-range field.
var ErrBadConfig = errors.New("kernel: invalid config")

// Config sizes the kernel's fixed tables.
type Config struct {
	QueueCapacity    uint32 // events admitted to the queue
	ControlRecords   uint32 // in-flight subscribe, deferred and private records
	MaxTasks         int    // concurrently running tasks
	MaxSubscriptions int    // subscriptions per task
}

// DefaultConfig returns sizes suited to a hub with a handful of apps.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:    512,
		ControlRecords:   64,
		MaxTasks:         16,
		MaxSubscriptions: 16,
	}
}

// TightConfig returns minimal sizes, useful for exercising pressure paths.
func TightConfig() Config {
	return Config{
		QueueCapacity:    64,
		ControlRecords:   16,
		MaxTasks:         4,
		MaxSubscriptions: 4,
	}
}

func (c Config) validate() error {
	switch {
	case c.QueueCapacity == 0 || c.QueueCapacity > 1<<20:
		return fmt.Errorf("%w: queue capacity %d", ErrBadConfig, c.QueueCapacity)
	case c.ControlRecords == 0:
		return fmt.Errorf("%w: zero control records", ErrBadConfig)
	case c.MaxTasks <= 0:
		return fmt.Errorf("%w: max tasks %d", ErrBadConfig, c.MaxTasks)
	case c.MaxSubscriptions <= 0:
		return fmt.Errorf("%w: max subscriptions %d", ErrBadConfig, c.MaxSubscriptions)
	}
	return nil
}

// Option adjusts a Kernel at construction.
type Option func(*Kernel)

// WithLogger sets the kernel's logger. The default is logger.L.
func WithLogger(l *slog.Logger) Option {
	return func(k *Kernel) {
		if l != nil {
			k.log = l
		}
	}
}

// WithClock sets the timer clock. The default is a timer.SystemClock.
func WithClock(c timer.Clock) Option {
	return func(k *Kernel) { k.clock = c }
}

// WithClockRequester registers the platform hook told about the next
// timer deadline.
func WithClockRequester(r timer.ClockRequester) Option {
	return func(k *Kernel) { k.clockReq = r }
}

// WithHostLine registers the platform hook that drives the host interrupt
// lines. See SetHostInterrupt.
func WithHostLine(fn HostLineFunc) Option {
	return func(k *Kernel) { k.hostLine = fn }
}
