package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	verrors "github.com/exploopio/vulnsla/pkg/errors"
)

func TestBackoffConfig_Interval(t *testing.T) {
	cfg := DefaultBackoffConfig()
	cfg.BaseInterval = 1 * time.Second
	cfg.MaxInterval = time.Minute
	cfg.Jitter = 0 // Disable jitter for predictable tests

	tests := []struct {
		attempts int
		expected time.Duration
	}{
		{0, 1 * time.Second},
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 16 * time.Second},
	}

	for _, tt := range tests {
		t.Run("", func(t *testing.T) {
			if got := cfg.Interval(tt.attempts); got != tt.expected {
				t.Errorf("Interval(%d) = %v, want %v", tt.attempts, got, tt.expected)
			}
		})
	}
}

func TestBackoffConfig_Strategies(t *testing.T) {
	tests := []struct {
		name     string
		strategy BackoffStrategy
		want     []time.Duration
	}{
		{"exponential", BackoffExponential, []time.Duration{100, 200, 400}},
		{"linear", BackoffLinear, []time.Duration{100, 200, 300}},
		{"constant", BackoffConstant, []time.Duration{100, 100, 100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &BackoffConfig{Strategy: tt.strategy, BaseInterval: 100}
			got := cfg.RetrySchedule(3)
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("RetrySchedule()[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestBackoffConfig_MaxInterval(t *testing.T) {
	cfg := DefaultBackoffConfig()
	cfg.BaseInterval = 1 * time.Second
	cfg.MaxInterval = 10 * time.Second
	cfg.Jitter = 0

	// 1s * 2^9 = 512s, capped at 10s
	if got := cfg.Interval(10); got != 10*time.Second {
		t.Errorf("Interval(10) = %v, want 10s", got)
	}
	// Large attempt counts overflow the multiplication and are capped too.
	if got := cfg.Interval(200); got != 10*time.Second {
		t.Errorf("Interval(200) = %v, want 10s", got)
	}
	if got := cfg.TotalBackoffTime(3); got != 7*time.Second {
		t.Errorf("TotalBackoffTime(3) = %v, want 7s", got)
	}
	if cfg.RetrySchedule(0) != nil {
		t.Error("RetrySchedule(0) should be nil")
	}
}

func TestBackoffConfig_Jitter(t *testing.T) {
	cfg := &BackoffConfig{BaseInterval: time.Second, Jitter: 0.1}
	for i := 0; i < 100; i++ {
		got := cfg.Interval(1)
		if got < 900*time.Millisecond || got > 1100*time.Millisecond {
			t.Fatalf("Interval(1) = %v, want within 10%% of 1s", got)
		}
	}
}

func TestBackoffConfig_Wait(t *testing.T) {
	cfg := &BackoffConfig{Strategy: BackoffConstant, BaseInterval: time.Millisecond}
	if err := cfg.Wait(context.Background(), 1); err != nil {
		t.Errorf("Wait() error = %v", err)
	}

	slow := &BackoffConfig{Strategy: BackoffConstant, BaseInterval: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := slow.Wait(ctx, 1); verrors.GetKind(err) != verrors.KindTimeout {
		t.Errorf("Wait() error = %v, want timeout", err)
	}
}

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"storage", verrors.E(verrors.KindStorage, "store.SaveResult", "locked"), true},
		{"timeout", verrors.E(verrors.KindTimeout, "engine.Import", "deadline"), true},
		{"unavailable", verrors.E(verrors.KindUnavailable, "pipeline.Submit", "queue full"), true},
		{"parse", verrors.E(verrors.KindParse, "nessus.Parse", "bad xml"), false},
		{"invalid", verrors.E(verrors.KindInvalidInput, "engine.Import", "empty"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ShouldRetry(tt.err); got != tt.want {
				t.Errorf("ShouldRetry() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    BackoffStrategy
		wantErr bool
	}{
		{"", BackoffExponential, false},
		{"exponential", BackoffExponential, false},
		{" Linear ", BackoffLinear, false},
		{"CONSTANT", BackoffConstant, false},
		{"fibonacci", BackoffExponential, true},
	}
	for _, tt := range tests {
		got, err := ParseStrategy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseStrategy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseStrategy(%q) = %v, want %v", tt.in, got, tt.want)
		}
		if err != nil && !verrors.IsInvalidInput(err) {
			t.Errorf("ParseStrategy(%q) error kind = %v, want invalid_input", tt.in, verrors.GetKind(err))
		}
	}
	if got := BackoffLinear.String(); got != "linear" {
		t.Errorf("String() = %q, want linear", got)
	}
}
