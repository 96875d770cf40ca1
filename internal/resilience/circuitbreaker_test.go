package resilience

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("test error")

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "connect-session"})
	if cb.maxFailures != 5 || cb.resetTimeout != 30*time.Second || cb.halfOpenMax != 3 {
		t.Errorf("defaults = (%d, %v, %d), want (5, 30s, 3)", cb.maxFailures, cb.resetTimeout, cb.halfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

// step is one call through the breaker: ok says whether fn succeeds, sleep
// waits before the call.
type step struct {
	ok    bool
	sleep time.Duration
}

var (
	pass = step{ok: true}
	fail = step{}
)

func TestCircuitBreaker_Transitions(t *testing.T) {
	t.Parallel()

	const reset = 50 * time.Millisecond
	wait := func(s step) step { s.sleep = 2 * reset; return s }

	tests := []struct {
		name      string
		steps     []step
		wantCalls int
		wantState State
		wantLast  error
	}{
		{name: "closed forwards calls", steps: []step{pass, pass}, wantCalls: 2, wantState: StateClosed},
		{name: "opens after max failures", steps: []step{fail, fail, fail}, wantCalls: 3, wantState: StateOpen, wantLast: errTest},
		{name: "open rejects calls", steps: []step{fail, fail, fail, pass}, wantCalls: 3, wantState: StateOpen, wantLast: ErrCircuitOpen},
		{name: "success resets the failure count", steps: []step{fail, fail, pass, fail, fail}, wantCalls: 5, wantState: StateClosed, wantLast: errTest},
		{name: "admits a trial after the reset timeout", steps: []step{fail, fail, fail, wait(pass)}, wantCalls: 4, wantState: StateHalfOpen},
		{name: "closes after enough trials", steps: []step{fail, fail, fail, wait(pass), pass}, wantCalls: 5, wantState: StateClosed},
		{name: "failed trial re-opens", steps: []step{fail, fail, fail, wait(fail)}, wantCalls: 4, wantState: StateOpen, wantLast: errTest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cb := NewCircuitBreaker(CircuitBreakerConfig{
				Name:         "keyring",
				MaxFailures:  3,
				ResetTimeout: reset,
				HalfOpenMax:  2,
			})

			calls := 0
			var last error
			for _, s := range tt.steps {
				time.Sleep(s.sleep)
				last = cb.Execute(func() error {
					calls++
					if s.ok {
						return nil
					}
					return errTest
				})
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if !errors.Is(last, tt.wantLast) {
				t.Errorf("last err = %v, want %v", last, tt.wantLast)
			}
			cb.mu.Lock()
			got := cb.state
			cb.mu.Unlock()
			if got != tt.wantState {
				t.Errorf("state = %v, want %v", got, tt.wantState)
			}
		})
	}
}

func TestCircuitBreaker_HalfOpenTrialBudget(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: 10 * time.Millisecond, HalfOpenMax: 1})
	_ = cb.Execute(func() error { return errTest })
	time.Sleep(20 * time.Millisecond)

	if cb.State() != StateHalfOpen {
		t.Fatalf("State = %v, want half-open once the timeout elapsed", cb.State())
	}

	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- cb.Execute(func() error { <-release; return nil })
	}()
	// Wait until the trial holds the only half-open slot.
	for {
		cb.mu.Lock()
		n := cb.halfOpenCalls
		cb.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second trial err = %v, want ErrCircuitOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("trial: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("State = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	_ = cb.Execute(func() error { return errTest })
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}
	cb.Reset()
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("Execute after Reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()
	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(99):     "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	t.Parallel()

	var got []string
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "connect-session",
		MaxFailures:  1,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  1,
		OnStateChange: func(name string, from, to State) {
			got = append(got, name+":"+from.String()+">"+to.String())
		},
	})

	_ = cb.Execute(func() error { return errTest })
	time.Sleep(20 * time.Millisecond)
	_ = cb.Execute(func() error { return nil })
	_ = cb.Execute(func() error { return errTest })
	cb.Reset()

	want := []string{
		"connect-session:closed>open",
		"connect-session:open>half-open",
		"connect-session:half-open>closed",
		"connect-session:closed>open",
		"connect-session:open>closed",
	}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCircuitBreaker_HookMayReadState(t *testing.T) {
	t.Parallel()

	var cb *CircuitBreaker
	var seen State
	cb = NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures:   1,
		ResetTimeout:  time.Hour,
		OnStateChange: func(string, State, State) { seen = cb.State() },
	})
	_ = cb.Execute(func() error { return errTest })
	if seen != StateOpen {
		t.Errorf("state seen from hook = %v, want open", seen)
	}
}
