package stt

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockBackend produces deterministic text without a model. Text is returned once
// per chunk; an empty Text yields a description of the chunk.
type MockBackend struct {
	Text    string
	Delay   time.Duration
	Accels  []int
	LoadErr error
	RunErr  error

	mu    sync.Mutex
	loads []LoadOptions
	runs  []RunOptions
}

func (b *MockBackend) Name() string { return "mock" }

func (b *MockBackend) Accelerators() []int { return b.Accels }

func (b *MockBackend) Load(_ context.Context, opts LoadOptions) (Model, error) {
	b.mu.Lock()
	b.loads = append(b.loads, opts)
	b.mu.Unlock()
	if b.LoadErr != nil {
		return nil, b.LoadErr
	}
	return &mockModel{backend: b}, nil
}

// Loads returns the options of every Load call.
func (b *MockBackend) Loads() []LoadOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]LoadOptions(nil), b.loads...)
}

// Runs returns the options of every Run call.
func (b *MockBackend) Runs() []RunOptions {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]RunOptions(nil), b.runs...)
}

type mockModel struct {
	backend *MockBackend
	calls   int
}

func (m *mockModel) Run(ctx context.Context, samples []float32, opts RunOptions) ([]string, error) {
	b := m.backend
	b.mu.Lock()
	b.runs = append(b.runs, opts)
	b.mu.Unlock()
	m.calls++

	if b.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.Delay):
		}
	}
	if b.RunErr != nil {
		return nil, b.RunErr
	}
	if b.Text != "" {
		return []string{b.Text}, nil
	}
	return []string{fmt.Sprintf("mock chunk %d with %d samples", m.calls, len(samples))}, nil
}

func (m *mockModel) Close() error { return nil }
