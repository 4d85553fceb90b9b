// Package startup brings infrastructure dependencies up in declaration
// order with retry, and tears them down in reverse. The database comes up
// before anything consuming it; the Kafka consumer starts last so no batch
// arrives before the engines behind it exist.
package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
)

// Dependency is one startable piece of infrastructure.
type Dependency interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type funcDependency struct {
	name  string
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

// Func wraps start/stop closures as a Dependency. A nil stop is a no-op.
func Func(name string, start, stop func(ctx context.Context) error) Dependency {
	return &funcDependency{name: name, start: start, stop: stop}
}

func (f *funcDependency) Name() string { return f.name }

func (f *funcDependency) Start(ctx context.Context) error { return f.start(ctx) }

func (f *funcDependency) Stop(ctx context.Context) error {
	if f.stop == nil {
		return nil
	}
	return f.stop(ctx)
}

type status int

const (
	statusPending status = iota
	statusStarted
	statusStopped
	statusFailed
)

// Orchestrator starts dependencies in the order they were added. Start may
// be called again after adding more dependencies; already-started ones are
// skipped.
type Orchestrator struct {
	order       []Dependency
	statuses    map[string]status
	logger      ectologger.Logger
	maxAttempts int
}

func NewOrchestrator(logger ectologger.Logger, maxAttempts int) *Orchestrator {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Orchestrator{
		statuses:    make(map[string]status),
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

func (o *Orchestrator) Add(dependency Dependency) {
	o.order = append(o.order, dependency)
	o.statuses[dependency.Name()] = statusPending
}

// Start brings every pending dependency up, retrying the whole pending set
// with fibonacci backoff until maxAttempts is exhausted.
func (o *Orchestrator) Start(ctx context.Context) error {
	var lastErr error

	a, b := 1, 1
	for attempt := 1; attempt <= o.maxAttempts; attempt++ {
		lastErr = o.startPending(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == o.maxAttempts {
			break
		}

		wait := time.Duration(a) * time.Second
		o.logger.WithError(lastErr).Infof("Startup attempt %d/%d failed, retrying in %s", attempt, o.maxAttempts, wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		a, b = b, a+b
	}

	return fmt.Errorf("startup failed after %d attempts: %w", o.maxAttempts, lastErr)
}

func (o *Orchestrator) startPending(ctx context.Context, attempt int) error {
	for _, dependency := range o.order {
		if o.statuses[dependency.Name()] == statusStarted {
			continue
		}

		o.logger.WithFields(map[string]interface{}{
			"dependency": dependency.Name(),
			"attempt":    attempt,
		}).Info("Starting dependency")

		if err := dependency.Start(ctx); err != nil {
			o.statuses[dependency.Name()] = statusFailed
			return fmt.Errorf("start %s: %w", dependency.Name(), err)
		}
		o.statuses[dependency.Name()] = statusStarted
	}
	return nil
}

// Stop tears down started dependencies in reverse start order. Failures are
// logged and do not block the remaining teardown.
func (o *Orchestrator) Stop(ctx context.Context) {
	for i := len(o.order) - 1; i >= 0; i-- {
		dependency := o.order[i]
		if o.statuses[dependency.Name()] != statusStarted {
			continue
		}

		if err := dependency.Stop(ctx); err != nil {
			o.logger.WithError(err).WithField("dependency", dependency.Name()).Error("Failed to stop dependency")
			continue
		}
		o.statuses[dependency.Name()] = statusStopped
		o.logger.WithField("dependency", dependency.Name()).Info("Dependency stopped")
	}
}
