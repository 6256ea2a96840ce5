package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ShayCichocki/foresight/internal/failure"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
	}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	got, attempts, err := Do(context.Background(), fastPolicy(3), "test", func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if got != "ok" || attempts != 1 {
		t.Errorf("Do() = %q after %d attempts, want ok after 1", got, attempts)
	}
}

func TestDo_RetriesTransient(t *testing.T) {
	calls := 0
	got, attempts, err := Do(context.Background(), fastPolicy(3), "test", func(ctx context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, failure.Newf(failure.Transient, "call", "rate limited")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if got != 42 || attempts != 3 {
		t.Errorf("Do() = %d after %d attempts, want 42 after 3", got, attempts)
	}
}

func TestDo_ExhaustsTransient(t *testing.T) {
	_, attempts, err := Do(context.Background(), fastPolicy(3), "test", func(ctx context.Context) (int, error) {
		return 0, failure.Newf(failure.Transient, "call", "timeout")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if failure.KindOf(err) != failure.Transient {
		t.Errorf("kind = %s, want transient", failure.KindOf(err))
	}
}

func TestDo_StopsOnTerminal(t *testing.T) {
	tests := []struct {
		name string
		kind failure.Kind
	}{
		{"permanent", failure.Permanent},
		{"validation", failure.Validation},
		{"not found", failure.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, attempts, err := Do(context.Background(), fastPolicy(5), "test", func(ctx context.Context) (int, error) {
				return 0, failure.Newf(tt.kind, "call", "nope")
			})
			if attempts != 1 {
				t.Errorf("attempts = %d, want 1", attempts)
			}
			if failure.KindOf(err) != tt.kind {
				t.Errorf("kind = %s, want %s", failure.KindOf(err), tt.kind)
			}
		})
	}
}

func TestDo_UnclassifiedIsRetried(t *testing.T) {
	_, attempts, err := Do(context.Background(), fastPolicy(2), "test", func(ctx context.Context) (int, error) {
		return 0, errors.New("connection reset")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestDo_AttemptTimeout(t *testing.T) {
	p := fastPolicy(2)
	p.AttemptTimeout = 5 * time.Millisecond

	_, attempts, err := Do(context.Background(), p, "test", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !failure.Is(err, failure.Transient) {
		t.Errorf("err = %v, want transient deadline", err)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestPolicy_MaxTriesFloor(t *testing.T) {
	if got := (Policy{}).maxTries(); got != 1 {
		t.Errorf("maxTries() = %d, want 1", got)
	}
}

func TestPolicy_Budget(t *testing.T) {
	tests := []struct {
		name string
		p    Policy
		want time.Duration
	}{
		{"unbounded attempts", Policy{MaxAttempts: 3}, 0},
		{"single attempt", Policy{MaxAttempts: 1, AttemptTimeout: time.Second}, time.Second},
		// waits are 100ms and 150ms, each up to 1.5x after randomization
		{"three attempts", Policy{MaxAttempts: 3, AttemptTimeout: time.Second, InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second}, 3*time.Second + 150*time.Millisecond + 225*time.Millisecond},
		{"waits capped", Policy{MaxAttempts: 3, AttemptTimeout: time.Second, InitialInterval: 100 * time.Millisecond, MaxInterval: 100 * time.Millisecond}, 3*time.Second + 300*time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Budget(); got != tt.want {
				t.Errorf("Budget() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPolicy_MinLease(t *testing.T) {
	if got := (Policy{MaxAttempts: 3}).MinLease(); got != 0 {
		t.Errorf("MinLease() without attempt timeout = %v, want 0", got)
	}
	p := DefaultPolicy()
	if got := p.MinLease(); got != p.Budget()+LeaseMargin {
		t.Errorf("MinLease() = %v, want budget plus margin %v", got, p.Budget()+LeaseMargin)
	}
	if p.MinLease() <= time.Duration(p.MaxAttempts)*p.AttemptTimeout {
		t.Errorf("MinLease() = %v does not cover %d attempts of %v", p.MinLease(), p.MaxAttempts, p.AttemptTimeout)
	}
}
