package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every member of a [FallbackGroup] fails or
// has an open circuit breaker.
var ErrAllFailed = errors.New("resilience: all members failed")

// FallbackConfig configures the breaker created for each member of a
// [FallbackGroup]. Name is overwritten with the member's name.
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// IsFailure reports whether a member error counts against its breaker.
	// Errors it rejects still move the call on to the next member. Nil
	// counts every error.
	IsFailure func(error) bool
}

type member[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
}

// FallbackGroup holds interchangeable members of type T, each behind its own
// [CircuitBreaker]. Calls go to the first member that succeeds, in
// registration order. Members whose breaker is open are skipped.
//
// Members must be added before the group is shared between goroutines.
type FallbackGroup[T any] struct {
	members []member[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first member.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.AddFallback(primaryName, primary)
	return fg
}

// AddFallback appends a member tried after all earlier ones.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.members = append(fg.members, member[T]{
		name:    name,
		value:   fallback,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Names returns the member names in the order they are tried.
func (fg *FallbackGroup[T]) Names() []string {
	names := make([]string, len(fg.members))
	for i, m := range fg.members {
		names[i] = m.name
	}
	return names
}

// Execute tries fn against each member until one succeeds. If all fail it
// returns [ErrAllFailed] joined with every member's error.
func (fg *FallbackGroup[T]) Execute(fn func(T) error) error {
	_, err := ExecuteWithResult(fg, func(v T) (struct{}, error) {
		return struct{}{}, fn(v)
	})
	return err
}

// ExecuteWithResult is [FallbackGroup.Execute] for calls that return a value.
func ExecuteWithResult[T any, R any](fg *FallbackGroup[T], fn func(T) (R, error)) (R, error) {
	var (
		errs []error
		zero R
	)
	for i := range fg.members {
		m := &fg.members[i]
		var (
			result R
			benign error
		)
		err := m.breaker.Execute(func() error {
			var innerErr error
			result, innerErr = fn(m.value)
			if innerErr != nil && fg.cfg.IsFailure != nil && !fg.cfg.IsFailure(innerErr) {
				benign = innerErr
				return nil
			}
			return innerErr
		})
		if err == nil && benign == nil {
			return result, nil
		}
		if err == nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.name, benign))
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", m.name, err))
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: skipping member with open circuit", "member", m.name)
			continue
		}
		slog.Warn("resilience: member failed, trying next", "member", m.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
