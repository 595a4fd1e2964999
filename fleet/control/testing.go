package control

import (
	"context"
	"errors"
	"sync"
)

// MockClient answers identity queries from a script. Each call consumes the
// next entry of Errors; once Errors is exhausted it returns Info.
type MockClient struct {
	mu     sync.Mutex
	Info   NodeInfo
	Errors []error
	calls  int
}

func (m *MockClient) NodeInfo(ctx context.Context) (NodeInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.Errors) > 0 {
		err := m.Errors[0]
		m.Errors = m.Errors[1:]
		return NodeInfo{}, err
	}
	if m.Info.PeerID == "" {
		return NodeInfo{}, errors.New("mock node has no peer id")
	}
	return m.Info, nil
}

// Calls returns the number of queries received.
func (m *MockClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockDialer hands out MockClients by address and records every dial.
type MockDialer struct {
	mu      sync.Mutex
	Clients map[string]*MockClient
	Dialed  []string
}

// NewMockDialer creates an empty MockDialer.
func NewMockDialer() *MockDialer {
	return &MockDialer{Clients: make(map[string]*MockClient)}
}

// Set registers the client answering for addr.
func (d *MockDialer) Set(addr string, client *MockClient) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Clients[addr] = client
}

// Dial implements Dialer. Unknown addresses get a client that never answers.
func (d *MockDialer) Dial(addr string) Client {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Dialed = append(d.Dialed, addr)
	client, ok := d.Clients[addr]
	if !ok {
		client = &MockClient{}
		d.Clients[addr] = client
	}
	return client
}
