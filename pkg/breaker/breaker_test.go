package breaker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/loupe-obs/loupe/pkg/logs"
)

var errBackend = errors.New("backend down")

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBreaker(t *testing.T, cfg Config) (*Breaker, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	b, err := New("storage", cfg, clock, testLogger())
	if err != nil {
		t.Fatalf("New breaker failed: %v", err)
	}
	return b, clock
}

func fail(ctx context.Context) error    { return errBackend }
func succeed(ctx context.Context) error { return nil }

func TestBreaker_OpensAfterFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 3, ResetTimeout: 30 * time.Second})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		b.Execute(ctx, fail, 0)
		if b.State() != StateClosed {
			t.Fatalf("circuit should stay closed after %d failures", i+1)
		}
	}

	b.Execute(ctx, fail, 0)
	if b.State() != StateOpen {
		t.Fatal("circuit should open at the failure threshold")
	}

	// Open circuit fails fast without running the call.
	ran := false
	err := b.Execute(ctx, func(ctx context.Context) error { ran = true; return nil }, 0)
	if !IsOpen(err) {
		t.Errorf("expected OpenError, got %v", err)
	}
	if ran {
		t.Error("call must not run while the circuit is open")
	}
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	b, clock := newTestBreaker(t, Config{FailureThreshold: 1, ResetTimeout: 30 * time.Second, SuccessThreshold: 2})
	ctx := context.Background()

	b.Execute(ctx, fail, 0)
	if b.State() != StateOpen {
		t.Fatal("circuit should be open")
	}

	clock.Advance(31 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatal("circuit should be half-open after the reset timeout")
	}

	// One success is not enough to close yet.
	b.Execute(ctx, succeed, 0)
	if b.State() != StateHalfOpen {
		t.Error("circuit should stay half-open until the success threshold")
	}

	b.Execute(ctx, succeed, 0)
	if b.State() != StateClosed {
		t.Error("circuit should close after consecutive successes")
	}

	// Closing must reset the rolling window so old failures do not count
	// toward the next trip.
	if got := b.failuresInWindow(); got != 0 {
		t.Errorf("failure window should be empty after close, got %d", got)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, clock := newTestBreaker(t, Config{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	ctx := context.Background()

	b.Execute(ctx, fail, 0)
	clock.Advance(11 * time.Second)
	if b.State() != StateHalfOpen {
		t.Fatal("circuit should be half-open")
	}

	b.Execute(ctx, fail, 0)
	if b.State() != StateOpen {
		t.Error("a half-open failure should reopen the circuit immediately")
	}
}

func TestBreaker_MixedOutcomesStayClosed(t *testing.T) {
	b, _ := newTestBreaker(t, Config{FailureThreshold: 3, VolumeThreshold: 6})
	ctx := context.Background()

	// Two failures spread among successes never reach the threshold.
	for i := 0; i < 20; i++ {
		if i%10 == 0 {
			b.Execute(ctx, fail, 0)
		} else {
			b.Execute(ctx, succeed, 0)
		}
	}
	if b.State() != StateClosed {
		t.Error("circuit should stay closed below the failure threshold")
	}
}

func TestBreaker_CallTimeout(t *testing.T) {
	clock := clockwork.NewRealClock()
	b, err := New("slow", Config{FailureThreshold: 5}, clock, testLogger())
	if err != nil {
		t.Fatalf("New breaker failed: %v", err)
	}

	blocking := func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}
	err = b.Execute(context.Background(), blocking, 10*time.Millisecond)
	if !errors.Is(err, ErrCallTimeout) {
		t.Errorf("expected ErrCallTimeout, got %v", err)
	}
}

func TestExecuteWithRetry_RetriesTransientFailures(t *testing.T) {
	b, err := New("flaky", Config{FailureThreshold: 10}, clockwork.NewRealClock(), testLogger())
	if err != nil {
		t.Fatalf("New breaker failed: %v", err)
	}

	attempts := 0
	fn := func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errBackend
		}
		return nil
	}

	policy := RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
	if err := b.ExecuteWithRetry(context.Background(), fn, 0, policy); err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestExecuteWithRetry_ValidationErrorsNotRetried(t *testing.T) {
	b, err := New("ingest", Config{FailureThreshold: 10}, clockwork.NewRealClock(), testLogger())
	if err != nil {
		t.Fatalf("New breaker failed: %v", err)
	}

	attempts := 0
	fn := func(ctx context.Context) error {
		attempts++
		return &logs.ValidationError{Field: "id", Reason: "required"}
	}

	policy := RetryPolicy{MaxAttempts: 5, InitialDelay: time.Millisecond}
	if err := b.ExecuteWithRetry(context.Background(), fn, 0, policy); !logs.IsValidation(err) {
		t.Fatalf("expected the validation error back, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("validation failures must not be retried, got %d attempts", attempts)
	}
}
