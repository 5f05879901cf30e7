package cec

import (
	"context"
	"sync"
)

// MockClient is an in-memory Client for tests
type MockClient struct {
	mu        sync.Mutex
	status    PowerStatus
	statusErr error
	powerErr  error
	commands  []bool
}

// NewMockClient creates a mock reporting the given status
func NewMockClient(status PowerStatus) *MockClient {
	return &MockClient{status: status}
}

func (m *MockClient) PowerStatus(ctx context.Context) (PowerStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statusErr != nil {
		return StatusUnknown, m.statusErr
	}
	return m.status, nil
}

func (m *MockClient) SetPower(ctx context.Context, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.powerErr != nil {
		return m.powerErr
	}
	m.commands = append(m.commands, on)
	if on {
		m.status = StatusOn
	} else {
		m.status = StatusStandby
	}
	return nil
}

// SetStatus changes the reported power status
func (m *MockClient) SetStatus(status PowerStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.status = status
}

// SetStatusError makes PowerStatus fail with err (nil clears it)
func (m *MockClient) SetStatusError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusErr = err
}

// SetPowerError makes SetPower fail with err (nil clears it)
func (m *MockClient) SetPowerError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.powerErr = err
}

// PowerCommands returns a copy of every SetPower argument received
func (m *MockClient) PowerCommands() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bool, len(m.commands))
	copy(out, m.commands)
	return out
}
