// Package testutil provides fake collaborators for service tests.
package testutil

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Corphon/CrisisSimMCP/internal/llm"
	"github.com/Corphon/CrisisSimMCP/internal/media"
	"github.com/Corphon/CrisisSimMCP/internal/models"
)

// Step is one scripted completion.
type Step struct {
	Text string
	Err  error
}

// Call is a recorded CompleteWithModel invocation.
type Call struct {
	Model  string
	Prompt string
}

// FakeCompleter is a thread-safe scripted TextCompleter.
//
// Handler takes precedence when set. Otherwise Err is returned when set,
// then Steps in order, then an empty completion.
type FakeCompleter struct {
	mu        sync.Mutex
	Steps     []Step
	Err       error
	Handler   func(model, prompt string) (string, error)
	calls     []Call
	stepIndex int
}

// CompleteWithModel returns the next scripted response.
func (f *FakeCompleter) CompleteWithModel(ctx context.Context, model, prompt string) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, Call{Model: model, Prompt: prompt})
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var (
		text string
		err  error
	)
	switch {
	case f.Handler != nil:
		text, err = f.Handler(model, prompt)
	case f.Err != nil:
		err = f.Err
	case f.stepIndex < len(f.Steps):
		step := f.Steps[f.stepIndex]
		f.stepIndex++
		text, err = step.Text, step.Err
	}
	if err != nil {
		return nil, err
	}
	return &llm.CompletionResponse{Text: text, ModelName: model, ProviderName: "fake"}, nil
}

// Calls returns a copy of every recorded call.
func (f *FakeCompleter) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// CallCount returns the number of calls so far.
func (f *FakeCompleter) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// FakeMediaProvider returns Result (or Err) after an optional Delay.
type FakeMediaProvider struct {
	ProviderName string
	Result       media.Result
	Err          error
	Delay        time.Duration

	// ResultFor overrides Result per request when set.
	ResultFor func(req media.Request) (media.Result, error)

	mu       sync.Mutex
	requests []media.Request
}

func (f *FakeMediaProvider) Name() string {
	if f.ProviderName == "" {
		return "fake"
	}
	return f.ProviderName
}

func (f *FakeMediaProvider) Submit(ctx context.Context, req media.Request) (media.Job, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.Delay > 0 {
		select {
		case <-ctx.Done():
			return media.Job{}, ctx.Err()
		case <-time.After(f.Delay):
		}
	}

	res, err := f.Result, f.Err
	if f.ResultFor != nil {
		res, err = f.ResultFor(req)
	}
	if err != nil {
		return media.Job{}, err
	}
	return media.Job{ID: "fake-job", Provider: f.Name(), Immediate: &res}, nil
}

func (f *FakeMediaProvider) Result(_ context.Context, job media.Job) (media.Result, error) {
	if job.Immediate == nil {
		return media.Result{}, errors.New("fake provider has no pending jobs")
	}
	return *job.Immediate, nil
}

// Requests returns a copy of every submitted request.
func (f *FakeMediaProvider) Requests() []media.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]media.Request(nil), f.requests...)
}

// RecordingSink collects LLM logs by turn.
type RecordingSink struct {
	mu   sync.Mutex
	Logs []RecordedLog
}

// RecordedLog pairs a log with its turn.
type RecordedLog struct {
	Turn int
	Log  models.LLMLog
}

func (s *RecordingSink) Record(turn int, log models.LLMLog) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Logs = append(s.Logs, RecordedLog{Turn: turn, Log: log})
}

// Operations returns the recorded operation names in order.
func (s *RecordingSink) Operations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops := make([]string, 0, len(s.Logs))
	for _, l := range s.Logs {
		ops = append(ops, l.Log.Operation)
	}
	return ops
}
