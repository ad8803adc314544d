package gateway

import (
	"context"
	"errors"
	"testing"
	"time"
)

func recordingPolicy(slept *[]time.Duration) RetryPolicy {
	p := DefaultRetryPolicy()
	p.Sleep = func(ctx context.Context, d time.Duration) error {
		*slept = append(*slept, d)
		return ctx.Err()
	}
	return p
}

func TestRetryTransientThenSuccess(t *testing.T) {
	var slept []time.Duration
	calls := 0
	got, err := Retry(context.Background(), recordingPolicy(&slept), func(ctx context.Context) (string, error) {
		calls++
		if calls <= 3 {
			return "", &TransientError{Command: "test", Err: errors.New("timeout")}
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Fatalf("expected ok, got %q", got)
	}
	if calls != 4 {
		t.Fatalf("expected 4 calls (3 retries), got %d", calls)
	}
	want := []time.Duration{0, 2 * time.Second, 5 * time.Second}
	if len(slept) != len(want) {
		t.Fatalf("expected delays %v, got %v", want, slept)
	}
	for i := range want {
		if slept[i] != want[i] {
			t.Fatalf("delay %d: expected %v, got %v", i, want[i], slept[i])
		}
	}
}

func TestRetryNonTransientNotRetried(t *testing.T) {
	var slept []time.Duration
	calls := 0
	err := recordingPolicy(&slept).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &ExchangeError{Command: "buy", Message: "Not enough BTC."}
	})
	var exErr *ExchangeError
	if !errors.As(err, &exErr) || exErr.Message != "Not enough BTC." {
		t.Fatalf("expected exchange error with literal message, got %v", err)
	}
	if calls != 1 || len(slept) != 0 {
		t.Fatalf("non-transient error was retried: calls=%d sleeps=%d", calls, len(slept))
	}
}

func TestRetryExhausted(t *testing.T) {
	var slept []time.Duration
	calls := 0
	err := recordingPolicy(&slept).Do(context.Background(), func(ctx context.Context) error {
		calls++
		return &TransientError{Command: "test", Err: errors.New("503")}
	})
	var exh *RetriesExhaustedError
	if !errors.As(err, &exh) {
		t.Fatalf("expected RetriesExhaustedError, got %v", err)
	}
	if calls != 5 || len(exh.Failures) != 5 {
		t.Fatalf("expected 5 attempts recorded, got calls=%d failures=%d", calls, len(exh.Failures))
	}
	if IsTransient(err) {
		t.Fatalf("exhausted retries must not be transient")
	}
	if Classify(err) != ErrorTypeRetriesExhausted {
		t.Fatalf("unexpected classification %v", Classify(err))
	}
}

func TestRetryAbortsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := RetryPolicy{
		Delays: []time.Duration{time.Hour},
		Sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		},
	}
	err := p.Do(ctx, func(ctx context.Context) error {
		return &TransientError{Command: "test", Err: errors.New("reset")}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRetryNonceDesyncIsRetried(t *testing.T) {
	var slept []time.Duration
	calls := 0
	err := recordingPolicy(&slept).Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return &NonceDesyncError{Command: "buy", Expected: 10}
		}
		return nil
	})
	if err != nil || calls != 2 {
		t.Fatalf("expected one retry after nonce desync, err=%v calls=%d", err, calls)
	}
}
