package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/codefionn/agentloop/internal/llm"
)

func rateLimitErr(msg string) error {
	return &llm.BackendError{StatusCode: 429, Message: msg}
}

func serverErr(msg string) error {
	return &llm.BackendError{StatusCode: 503, Message: msg}
}

func fastOptions() Options {
	return Options{
		MaxAttempts:  3,
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
	}
}

func TestDoFirstTrySuccess(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), fastOptions(), func(ctx context.Context) (string, error) {
		calls++
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("expected ok, got %q", result)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	result, err := Do(context.Background(), fastOptions(), func(ctx context.Context) (string, error) {
		calls++
		if calls <= 2 {
			return "", rateLimitErr("rate limited")
		}
		return "done", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "done" {
		t.Errorf("expected done, got %q", result)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	errs := []error{
		serverErr("boom 1"),
		serverErr("boom 2"),
		serverErr("boom 3"),
	}
	calls := 0
	_, err := Do(context.Background(), fastOptions(), func(ctx context.Context) (int, error) {
		calls++
		return 0, errs[calls-1]
	})
	if calls != 3 {
		t.Errorf("expected exactly 3 calls, got %d", calls)
	}
	if err != errs[2] {
		t.Errorf("expected the last error unchanged, got %v", err)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	permanent := &llm.BackendError{StatusCode: 400, Message: "bad request"}
	calls := 0
	_, err := Do(context.Background(), fastOptions(), func(ctx context.Context) (int, error) {
		calls++
		return 0, permanent
	})
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	var backendErr *llm.BackendError
	if !errors.As(err, &backendErr) || backendErr.StatusCode != 400 {
		t.Errorf("expected the 400 error back, got %v", err)
	}
}

func TestDoFallbackModelResetsAttempts(t *testing.T) {
	opts := fastOptions()
	opts.AuthType = "oauth-personal"

	model := "model-a"
	var fallbackCalls int
	opts.OnPersistent429 = func(authType string, err error) string {
		fallbackCalls++
		if authType != "oauth-personal" {
			t.Errorf("expected auth type passed through, got %q", authType)
		}
		var backendErr *llm.BackendError
		if !errors.As(err, &backendErr) || backendErr.StatusCode != 429 {
			t.Errorf("expected the triggering 429, got %v", err)
		}
		model = "model-b"
		return "model-b"
	}

	waits := 0
	opts.OnRetry = func(err error, attempt int, delay time.Duration) {
		waits++
	}

	var seen []string
	result, err := Do(context.Background(), opts, func(ctx context.Context) (string, error) {
		seen = append(seen, model)
		if model == "model-a" {
			return "", rateLimitErr("quota exceeded")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("expected ok, got %q", result)
	}
	if fallbackCalls != 1 {
		t.Errorf("expected fallback consulted once, got %d", fallbackCalls)
	}
	// Two attempts on model-a, then the fallback attempt with no wait
	// in between.
	if len(seen) != 3 || seen[0] != "model-a" || seen[1] != "model-a" || seen[2] != "model-b" {
		t.Errorf("unexpected attempt sequence: %v", seen)
	}
	if waits != 1 {
		t.Errorf("expected a single backoff wait before the fallback kicked in, got %d", waits)
	}
}

func TestDoFallbackDeclinedKeepsBackingOff(t *testing.T) {
	opts := fastOptions()
	fallbackCalls := 0
	opts.OnPersistent429 = func(authType string, err error) string {
		fallbackCalls++
		return ""
	}

	calls := 0
	_, err := Do(context.Background(), opts, func(ctx context.Context) (int, error) {
		calls++
		return 0, rateLimitErr("slow down")
	})
	if calls != 3 {
		t.Errorf("expected the attempt budget to hold at 3 calls, got %d", calls)
	}
	if fallbackCalls != 1 {
		t.Errorf("expected fallback consulted once, got %d", fallbackCalls)
	}
	var backendErr *llm.BackendError
	if !errors.As(err, &backendErr) || backendErr.StatusCode != 429 {
		t.Errorf("expected the final 429 back, got %v", err)
	}
}

func TestDoMixedFailuresResetRateLimitStreak(t *testing.T) {
	opts := fastOptions()
	opts.MaxAttempts = 4
	fallbackCalls := 0
	opts.OnPersistent429 = func(authType string, err error) string {
		fallbackCalls++
		return ""
	}

	// 429, 503, 429: the streak never reaches two consecutive rate
	// limits, so the fallback is never consulted.
	errs := []error{rateLimitErr("a"), serverErr("b"), rateLimitErr("c")}
	calls := 0
	result, err := Do(context.Background(), opts, func(ctx context.Context) (string, error) {
		calls++
		if calls <= len(errs) {
			return "", errs[calls-1]
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "ok" {
		t.Errorf("expected ok, got %q", result)
	}
	if fallbackCalls != 0 {
		t.Errorf("expected no fallback consultation, got %d", fallbackCalls)
	}
}

func TestDoContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	opts := Options{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     time.Second,
	}
	calls := 0
	_, err := Do(ctx, opts, func(ctx context.Context) (int, error) {
		calls++
		return 0, serverErr("unavailable")
	})
	if calls != 1 {
		t.Errorf("expected 1 call before cancellation, got %d", calls)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestDoDefaultsApplied(t *testing.T) {
	calls := 0
	opts := Options{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
	_, err := Do(context.Background(), opts, func(ctx context.Context) (int, error) {
		calls++
		return 0, serverErr("unavailable")
	})
	if calls != DefaultMaxAttempts {
		t.Errorf("expected %d calls with default budget, got %d", DefaultMaxAttempts, calls)
	}
	if err == nil {
		t.Error("expected an error after exhaustion")
	}
}

func TestDefaultShouldRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"rate limit", rateLimitErr("rate limited"), true},
		{"server error", serverErr("bad gateway"), true},
		{"client error", &llm.BackendError{StatusCode: 404, Message: "no such model"}, false},
		{"aborted", context.Canceled, false},
		{"unknown", errors.New("invalid api key"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DefaultShouldRetry(tt.err); got != tt.want {
				t.Errorf("DefaultShouldRetry(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestDelayBounds(t *testing.T) {
	initial := 100 * time.Millisecond
	max := 250 * time.Millisecond
	tests := []struct {
		attempt int
		low     time.Duration
		high    time.Duration
	}{
		{1, 70 * time.Millisecond, 130 * time.Millisecond},
		{2, 140 * time.Millisecond, 260 * time.Millisecond},
		{3, 175 * time.Millisecond, 325 * time.Millisecond},
		{12, 175 * time.Millisecond, 325 * time.Millisecond},
	}
	for _, tt := range tests {
		for i := 0; i < 200; i++ {
			d := Delay(tt.attempt, initial, max)
			if d < tt.low || d > tt.high {
				t.Fatalf("Delay(%d) = %s, want within [%s, %s]", tt.attempt, d, tt.low, tt.high)
			}
		}
	}
}
