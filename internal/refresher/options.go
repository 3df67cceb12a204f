package refresher

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

const (
	DefaultMaxConcurrent = 20
	DefaultPercent       = 10
	DefaultInterval      = 60 * time.Second

	commandBuffer = 16
)

var (
	ErrStopped      = errors.New("refresher: stopped")
	ErrBadLine      = errors.New("refresher: malformed query list line")
	ErrUnsavableKey = errors.New("refresher: key cannot be saved")
	ErrSaveConfig   = errors.New("refresher: invalid save configuration")
	ErrOptions      = errors.New("refresher: invalid options")
)

// Options are fixed when the refresher is built.
type Options struct {
	// MaxConcurrent caps reissued queries in flight at once.
	MaxConcurrent int64
	// Percent of the TTL window below which an entry is refreshed.
	Percent  int
	Interval time.Duration
}

func DefaultOptions() Options {
	return Options{
		MaxConcurrent: DefaultMaxConcurrent,
		Percent:       DefaultPercent,
		Interval:      DefaultInterval,
	}
}

func (o Options) Validate() error {
	var errs error
	if o.MaxConcurrent <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: max concurrent must be positive, got %d", ErrOptions, o.MaxConcurrent))
	}
	if o.Percent < 0 || o.Percent > 100 {
		errs = multierr.Append(errs, fmt.Errorf("%w: percent must be within 0..100, got %d", ErrOptions, o.Percent))
	}
	if o.Interval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("%w: interval must be positive, got %s", ErrOptions, o.Interval))
	}
	return errs
}
