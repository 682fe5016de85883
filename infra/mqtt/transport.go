package mqtt

import (
	"context"
	"fmt"
	"sync"

	"github.com/tmarchal/medispense/core/model"
)

// MockTransport records outbound commands, used in tests and by the
// simulator harness.
type MockTransport struct {
	Commands    []model.DeviceCommand
	FailDevices map[string]bool
	mu          sync.Mutex
}

// NewMockTransport creates a new MockTransport.
func NewMockTransport() *MockTransport {
	return &MockTransport{FailDevices: make(map[string]bool)}
}

// Send records the command or returns an error if configured to fail.
func (m *MockTransport) Send(_ context.Context, cmd model.DeviceCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailDevices[cmd.DeviceID] {
		return fmt.Errorf("publish failed")
	}
	m.Commands = append(m.Commands, cmd)
	return nil
}

// Sent returns a copy of the recorded commands.
func (m *MockTransport) Sent() []model.DeviceCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.DeviceCommand, len(m.Commands))
	copy(out, m.Commands)
	return out
}
