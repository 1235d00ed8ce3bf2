package llm

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMultiplier: 2, MaxBackoff: 5 * time.Millisecond}
}

func TestRetryDo(t *testing.T) {
	tests := []struct {
		name      string
		errs      []error
		wantCalls int
		wantErr   bool
	}{
		{name: "first try succeeds", errs: []error{nil}, wantCalls: 1},
		{name: "transient then success", errs: []error{NewTransientError(errors.New("503")), nil}, wantCalls: 2},
		{name: "fatal stops immediately", errs: []error{NewFatalError(errors.New("401"))}, wantCalls: 1, wantErr: true},
		{
			name:      "transient exhausted",
			errs:      []error{NewTransientError(errors.New("a")), NewTransientError(errors.New("b")), NewTransientError(errors.New("c"))},
			wantCalls: 3,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := fastRetry().Do(context.Background(), func(ctx context.Context) error {
				e := tt.errs[calls]
				calls++
				return e
			})

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestBackoffCapped(t *testing.T) {
	cfg := RetryConfig{BackoffBase: time.Second, BackoffMultiplier: 10, MaxBackoff: 5 * time.Second}

	assert.Equal(t, time.Second, cfg.Backoff(1))
	assert.Equal(t, 5*time.Second, cfg.Backoff(2))
}

func TestClassifyStatus(t *testing.T) {
	base := errors.New("boom")

	assert.True(t, IsTransient(ClassifyStatus(http.StatusTooManyRequests, base)))
	assert.True(t, IsTransient(ClassifyStatus(http.StatusBadGateway, base)))
	assert.True(t, IsFatal(ClassifyStatus(http.StatusUnauthorized, base)))
}
