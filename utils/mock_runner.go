package utils

import (
	"context"

	"github.com/andreittr/btrsync/proc"
)

// MockRunner records calls and returns preconfigured responses.
// Use this in tests to avoid real shell execution.
// Set RunFn for dynamic per-call responses, otherwise Out/Err are returned.
type MockRunner struct {
	Calls []proc.Cmd
	Out   string
	Err   error
	RunFn func(cmd proc.Cmd) (string, error)
}

func (m *MockRunner) Run(_ context.Context, cmd proc.Cmd) (string, error) {
	m.Calls = append(m.Calls, cmd)
	if m.RunFn != nil {
		return m.RunFn(cmd)
	}
	return m.Out, m.Err
}
