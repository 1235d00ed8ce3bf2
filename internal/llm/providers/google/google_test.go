package google

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Corphon/CrisisSimMCP/internal/llm"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
	}{
		{name: "rate limited", err: &googleapi.Error{Code: 429, Message: "quota"}, transient: true},
		{name: "unavailable", err: &googleapi.Error{Code: 503}, transient: true},
		{name: "internal", err: &googleapi.Error{Code: 500}, transient: true},
		{name: "wrapped rate limit", err: fmt.Errorf("generate: %w", &googleapi.Error{Code: 429}), transient: true},
		{name: "bad request", err: &googleapi.Error{Code: 400}, transient: false},
		{name: "forbidden", err: &googleapi.Error{Code: 403}, transient: false},
		{name: "grpc unavailable", err: status.Error(codes.Unavailable, "down"), transient: true},
		{name: "grpc invalid argument", err: status.Error(codes.InvalidArgument, "bad"), transient: false},
		{name: "plain error", err: errors.New("boom"), transient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classify(tt.err)

			assert.Equal(t, tt.transient, llm.IsTransient(got))
			assert.Equal(t, !tt.transient, llm.IsFatal(got))
			assert.ErrorIs(t, got, tt.err)
		})
	}
}

func TestInitialize(t *testing.T) {
	p := &Provider{}
	assert.Error(t, p.Initialize(map[string]string{}))

	assert.NoError(t, p.Initialize(map[string]string{"api_key": "k"}))
	assert.Equal(t, "gemini-2.0-flash", p.defaultModel)
}
