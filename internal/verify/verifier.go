// Package verify polls a repository until GitHub reports at least one registered
// Actions workflow.
package verify

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultInterval    = 10 * time.Second
)

// WorkflowLister counts the workflows registered for a repository.
type WorkflowLister interface {
	ListWorkflows(ctx context.Context, owner, repo string) (int, error)
}

// Observation is one poll result.
type Observation struct {
	Attempt int
	Count   int
}

// Verifier checks, a bounded number of times, whether a workflow has been registered.
type Verifier struct {
	MaxAttempts int
	Interval    time.Duration

	// OnObservation, when set, receives every successful listing before the verifier
	// decides whether to keep polling.
	OnObservation func(Observation)

	lister WorkflowLister
	log    *slog.Logger
	sleep  func(context.Context, time.Duration) error
}

// New returns a Verifier with the default attempt budget and interval.
func New(lister WorkflowLister, logger *slog.Logger) *Verifier {
	return &Verifier{
		MaxAttempts: DefaultMaxAttempts,
		Interval:    DefaultInterval,
		lister:      lister,
		log:         logger,
		sleep:       sleepContext,
	}
}

// Verify returns true on the first attempt that observes one or more workflows and false
// once every attempt observed none. A listing error aborts polling and is returned as is.
func (v *Verifier) Verify(ctx context.Context, owner, repo string) (bool, error) {
	if v.lister == nil {
		return false, fmt.Errorf("workflow lister is required")
	}

	attempts := v.MaxAttempts
	if attempts <= 0 {
		attempts = DefaultMaxAttempts
	}
	sleep := v.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		count, err := v.lister.ListWorkflows(ctx, owner, repo)
		if err != nil {
			return false, fmt.Errorf("attempt %d/%d: %w", attempt, attempts, err)
		}

		if v.log != nil {
			v.log.Info("observed workflows", "repository", owner+"/"+repo, "attempt", attempt, "max_attempts", attempts, "count", count)
		}
		if v.OnObservation != nil {
			v.OnObservation(Observation{Attempt: attempt, Count: count})
		}

		if count > 0 {
			return true, nil
		}
		if attempt == attempts {
			break
		}

		if err := sleep(ctx, v.Interval); err != nil {
			return false, err
		}
	}

	if v.log != nil {
		v.log.Warn("no workflows registered after polling", "repository", owner+"/"+repo, "attempts", attempts)
	}
	return false, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
