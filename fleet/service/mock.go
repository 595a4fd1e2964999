package service

import (
	"context"
	"fmt"
	"sync"
)

// MockCall is one recorded backend invocation.
type MockCall struct {
	Method string
	Handle Handle
	Spec   *InstallSpec
}

// MockBackend is an in-memory Backend for tests. Failures are injected per
// instance name (Install) or per handle (everything else).
type MockBackend struct {
	mu       sync.Mutex
	services map[Handle]State
	specs    map[Handle]InstallSpec
	calls    []MockCall

	FailInstall   map[string]error
	FailStart     map[Handle]error
	FailStop      map[Handle]error
	FailUninstall map[Handle]error
}

// NewMockBackend creates an empty MockBackend.
func NewMockBackend() *MockBackend {
	return &MockBackend{
		services:      make(map[Handle]State),
		specs:         make(map[Handle]InstallSpec),
		FailInstall:   make(map[string]error),
		FailStart:     make(map[Handle]error),
		FailStop:      make(map[Handle]error),
		FailUninstall: make(map[Handle]error),
	}
}

// HandleFor returns the handle MockBackend assigns to an instance name.
func (m *MockBackend) HandleFor(name string) Handle {
	return Handle("mock-" + name)
}

func (m *MockBackend) Install(ctx context.Context, spec InstallSpec) (Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	handle := m.HandleFor(spec.Name)
	m.calls = append(m.calls, MockCall{Method: "Install", Handle: handle, Spec: &spec})

	if err := m.FailInstall[spec.Name]; err != nil {
		return "", err
	}
	if _, exists := m.services[handle]; exists {
		return "", fmt.Errorf("%w: %s", ErrAlreadyInstalled, handle)
	}
	m.services[handle] = StateStopped
	m.specs[handle] = spec
	return handle, nil
}

func (m *MockBackend) Uninstall(ctx context.Context, handle Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: "Uninstall", Handle: handle})

	if _, exists := m.services[handle]; !exists {
		return fmt.Errorf("%w: %s", ErrNotInstalled, handle)
	}
	if err := m.FailUninstall[handle]; err != nil {
		return err
	}
	delete(m.services, handle)
	delete(m.specs, handle)
	return nil
}

func (m *MockBackend) Start(ctx context.Context, handle Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: "Start", Handle: handle})

	if _, exists := m.services[handle]; !exists {
		return fmt.Errorf("%w: %s", ErrNotInstalled, handle)
	}
	if err := m.FailStart[handle]; err != nil {
		return err
	}
	m.services[handle] = StateRunning
	return nil
}

func (m *MockBackend) Stop(ctx context.Context, handle Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: "Stop", Handle: handle})

	if _, exists := m.services[handle]; !exists {
		return fmt.Errorf("%w: %s", ErrNotInstalled, handle)
	}
	if err := m.FailStop[handle]; err != nil {
		return err
	}
	m.services[handle] = StateStopped
	return nil
}

func (m *MockBackend) Status(ctx context.Context, handle Handle) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, MockCall{Method: "Status", Handle: handle})

	state, exists := m.services[handle]
	if !exists {
		return StateUnknown, fmt.Errorf("%w: %s", ErrNotInstalled, handle)
	}
	return state, nil
}

// Installed reports whether a service entry exists for handle.
func (m *MockBackend) Installed(handle Handle) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.services[handle]
	return exists
}

// Spec returns the InstallSpec a handle was installed with.
func (m *MockBackend) Spec(handle Handle) (InstallSpec, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.specs[handle]
	return spec, ok
}

// Calls returns a copy of the recorded invocations.
func (m *MockBackend) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]MockCall, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// CallCount returns how many times method was invoked.
func (m *MockBackend) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Method == method {
			n++
		}
	}
	return n
}

// MockAccounts records EnsureUser calls and treats Existing as present.
type MockAccounts struct {
	mu       sync.Mutex
	Existing map[string]bool
	Created  []string
	Fail     map[string]error
}

// NewMockAccounts creates a MockAccounts that knows the given users.
func NewMockAccounts(existing ...string) *MockAccounts {
	m := &MockAccounts{Existing: make(map[string]bool), Fail: make(map[string]error)}
	for _, name := range existing {
		m.Existing[name] = true
	}
	return m
}

func (m *MockAccounts) EnsureUser(ctx context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Fail[name]; err != nil {
		return false, err
	}
	if m.Existing[name] {
		return false, nil
	}
	m.Existing[name] = true
	m.Created = append(m.Created, name)
	return true, nil
}
