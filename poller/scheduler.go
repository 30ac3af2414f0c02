package poller

import (
	"context"
	"fmt"
	"time"

	"windlass.sh/core/log"
)

// Engine is what a poll loop needs from a concrete engine. The
// scheduler owns sequencing and intervals; engines own their cycle and
// their persisted snapshots.
type Engine interface {
	Name() string

	// Validate checks configuration and collaborators once before the
	// first cycle. Errors are fatal.
	Validate(ctx context.Context) error

	// ReadState loads the persisted snapshots once at startup. Corrupt
	// state is fatal.
	ReadState(ctx context.Context) error

	// Poll runs one cycle. retry selects the error interval and skips
	// the persist; a non-nil error terminates the loop.
	Poll(ctx context.Context) (retry bool, err error)

	// WriteState persists whatever the last clean cycle assembled.
	WriteState(ctx context.Context) error
}

type Scheduler struct {
	interval      time.Duration
	errorInterval time.Duration
}

func NewScheduler(interval, errorInterval time.Duration) *Scheduler {
	return &Scheduler{
		interval:      interval,
		errorInterval: errorInterval,
	}
}

// Run drives the engine until the context ends or a fatal error
// escapes a cycle. The first cycle starts immediately, and exactly one
// cycle is ever in flight.
func (s *Scheduler) Run(ctx context.Context, eng Engine) error {
	l := log.FromContext(ctx)

	if err := eng.Validate(ctx); err != nil {
		return fmt.Errorf("validating %s: %w", eng.Name(), err)
	}
	if err := eng.ReadState(ctx); err != nil {
		return fmt.Errorf("reading state for %s: %w", eng.Name(), err)
	}

	for {
		retry, err := eng.Poll(ctx)
		if err != nil {
			return fmt.Errorf("polling %s: %w", eng.Name(), err)
		}

		delay := s.interval
		if retry {
			delay = s.errorInterval
		} else if err := eng.WriteState(ctx); err != nil {
			return fmt.Errorf("writing state for %s: %w", eng.Name(), err)
		}

		l.Info("next poll scheduled", "in", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
