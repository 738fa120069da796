package resilience

import (
	"errors"
	"testing"
	"time"
)

func TestFallbackGroup_Execute(t *testing.T) {
	tests := []struct {
		name    string
		failing map[string]bool
		want    string
		wantErr bool
	}{
		{name: "primary healthy", want: "google"},
		{name: "primary down", failing: map[string]bool{"google": true}, want: "deepgram"},
		{name: "all down", failing: map[string]bool{"google": true, "deepgram": true}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fg := NewFallbackGroup("google", "google", FallbackConfig{
				CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
			})
			fg.AddFallback("deepgram", "deepgram")

			var used string
			err := fg.Execute(func(v string) error {
				if tt.failing[v] {
					return errTest
				}
				used = v
				return nil
			})
			if tt.wantErr {
				if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errTest) {
					t.Fatalf("err = %v, want ErrAllFailed wrapping the last error", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if used != tt.want {
				t.Errorf("used = %q, want %q", used, tt.want)
			}
		})
	}
}

func TestFallbackGroup_OpenBreakerIsSkipped(t *testing.T) {
	fg := NewFallbackGroup("google", "google", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("deepgram", "deepgram")

	var primaryCalls int
	fn := func(v string) error {
		if v == "google" {
			primaryCalls++
			return errTest
		}
		return nil
	}
	for range 4 {
		if err := fg.Execute(fn); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	if primaryCalls != 2 {
		t.Errorf("primary called %d times, want 2", primaryCalls)
	}
}

func TestExecuteWithResult(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", FallbackConfig{})
	fg.AddFallback("twenty", 20)

	got, err := ExecuteWithResult(fg, func(v int) (int, error) {
		if v == 10 {
			return 0, errTest
		}
		return v * 2, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != 40 {
		t.Errorf("result = %d, want 40", got)
	}
}

func TestFallbackGroup_NamesAndValues(t *testing.T) {
	fg := NewFallbackGroup(1, "one", FallbackConfig{})
	fg.AddFallback("two", 2)

	names, values := fg.Names(), fg.Values()
	if len(names) != 2 || names[0] != "one" || names[1] != "two" {
		t.Errorf("Names() = %v", names)
	}
	if len(values) != 2 || values[0] != 1 || values[1] != 2 {
		t.Errorf("Values() = %v", values)
	}
}
