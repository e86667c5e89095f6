// Package startup brings long-running dependencies up in order and tears them
// down in reverse. Failed attempts retry with fibonacci backoff.
package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
)

// StartupDependency is a component managed by the startup sequence
type StartupDependency interface {
	GetName() string
	DependsOn() []string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type status int

const (
	statusPending status = iota
	statusStarted
	statusStopped
	statusFailed
)

type Startup struct {
	order       []string
	byName      map[string]StartupDependency
	statuses    map[string]status
	logger      ectologger.Logger
	maxAttempts int
}

func NewStartup(logger ectologger.Logger, maxAttempts int) *Startup {
	return &Startup{
		byName:      make(map[string]StartupDependency),
		statuses:    make(map[string]status),
		logger:      logger,
		maxAttempts: maxAttempts,
	}
}

// AddDependency registers a dependency. Registration order is the start order
// for dependencies without an explicit DependsOn chain.
func (s *Startup) AddDependency(dependency StartupDependency) {
	name := dependency.GetName()
	if _, exists := s.byName[name]; !exists {
		s.order = append(s.order, name)
	}
	s.byName[name] = dependency
}

// Start brings every dependency up, retrying the whole sequence with
// fibonacci backoff until maxAttempts is exhausted.
func (s *Startup) Start(ctx context.Context) error {
	var lastErr error

	wait, next := 1, 1
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		s.logger.WithField("attempt", attempt).Infof("Beginning startup attempt %d", attempt)

		lastErr = nil
		for _, name := range s.order {
			if err := s.startOne(ctx, s.byName[name]); err != nil {
				s.logger.WithError(err).Errorf("Startup dependency '%s' attempt %d failed", name, attempt)
				lastErr = err
				break
			}
		}
		if lastErr == nil {
			return nil
		}
		if attempt == s.maxAttempts {
			break
		}

		s.logger.Infof("Retrying in %d seconds (attempt %d/%d)", wait, attempt, s.maxAttempts)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(wait) * time.Second):
		}
		wait, next = next, wait+next
	}

	return fmt.Errorf("startup failed after %d attempts: %w", s.maxAttempts, lastErr)
}

func (s *Startup) startOne(ctx context.Context, dependency StartupDependency) error {
	name := dependency.GetName()
	if s.statuses[name] == statusStarted {
		return nil
	}

	for _, upstream := range dependency.DependsOn() {
		if s.statuses[upstream] != statusStarted {
			if err := s.startOne(ctx, s.byName[upstream]); err != nil {
				return err
			}
		}
	}

	s.logger.WithField("dependency", name).Infof("Starting dependency '%s'", name)
	s.statuses[name] = statusPending
	if err := dependency.Start(ctx); err != nil {
		s.statuses[name] = statusFailed
		return err
	}
	s.statuses[name] = statusStarted
	return nil
}

// Stop tears dependencies down in reverse registration order
func (s *Startup) Stop(ctx context.Context) error {
	for i := len(s.order) - 1; i >= 0; i-- {
		name := s.order[i]
		if s.statuses[name] == statusStopped {
			continue
		}

		s.logger.WithField("dependency", name).Infof("Stopping dependency '%s'", name)
		if err := s.byName[name].Stop(ctx); err != nil {
			s.logger.WithError(err).Errorf("Failed to stop dependency '%s'", name)
			return err
		}
		s.statuses[name] = statusStopped
	}
	return nil
}
