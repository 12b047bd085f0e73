package transcribe

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/scribelabs/scribe-core/internal/model"
)

// MockEngine produces canned transcripts without a real model. It backs
// the "mock" engine setting for development and the tests of everything
// above it.
type MockEngine struct {
	Text    string        // transcript to return; empty means a summary of the input
	Delay   time.Duration // simulated inference time, interruptible
	Err     error         // forced inference failure
	LoadErr error         // forced load failure
}

func NewMockEngine() *MockEngine { return &MockEngine{} }

func (m *MockEngine) Name() string { return "mock" }

type mockInstance struct {
	path string
}

func (i *mockInstance) Close() error { return nil }

func (m *MockEngine) Load(path string) (model.Instance, error) {
	if m.LoadErr != nil {
		return nil, m.LoadErr
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("model artifact: %w", err)
	}
	return &mockInstance{path: path}, nil
}

func (m *MockEngine) Transcribe(ctx context.Context, _ model.Instance, samples []float32) (string, error) {
	if m.Delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(m.Delay):
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if m.Err != nil {
		return "", m.Err
	}
	if m.Text != "" {
		return m.Text, nil
	}
	return fmt.Sprintf("[mock transcript samples=%d]", len(samples)), nil
}
