package webos

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MockRequest records a request made through MockSession
type MockRequest struct {
	URI     string
	Payload interface{}
	Time    time.Time
}

// MockSession implements Session for testing. It starts disconnected and
// Connect only succeeds when ConnectSucceeds is set, mimicking a TV that is
// still booting.
type MockSession struct {
	mu            sync.Mutex
	state         ConnectionState
	connectCalls  int
	connectOK     bool
	requests      []MockRequest
	responses     map[string]json.RawMessage
	errors        map[string]error
	subscriptions map[string][]PushHandler
	handlers      []EventHandler
}

// NewMockSession creates a disconnected mock session
func NewMockSession() *MockSession {
	return &MockSession{
		responses:     make(map[string]json.RawMessage),
		errors:        make(map[string]error),
		subscriptions: make(map[string][]PushHandler),
	}
}

// ConnectSucceeds controls whether subsequent Connect calls establish a session
func (m *MockSession) ConnectSucceeds(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectOK = ok
}

func (m *MockSession) Connect() error {
	m.mu.Lock()
	m.connectCalls++
	if m.state != Disconnected {
		m.mu.Unlock()
		return nil
	}
	if !m.connectOK {
		m.mu.Unlock()
		return fmt.Errorf("mock: TV not answering")
	}
	m.mu.Unlock()

	m.SimulateConnected()
	return nil
}

func (m *MockSession) Disconnect() error {
	m.mu.Lock()
	wasActive := m.state != Disconnected
	m.state = Disconnected
	m.subscriptions = make(map[string][]PushHandler)
	m.mu.Unlock()

	if wasActive {
		m.emit(Event{Type: EventDisconnected})
	}
	return nil
}

func (m *MockSession) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *MockSession) OnEvent(handler EventHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

func (m *MockSession) emit(evt Event) {
	m.mu.Lock()
	handlers := append([]EventHandler(nil), m.handlers...)
	m.mu.Unlock()

	for _, h := range handlers {
		h(evt)
	}
}

// Request records the call and answers with the configured response, error,
// or {"returnValue":true}
func (m *MockSession) Request(ctx context.Context, uri string, payload interface{}) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Connected {
		return nil, ErrNotConnected
	}

	m.requests = append(m.requests, MockRequest{URI: uri, Payload: payload, Time: time.Now()})

	if err, ok := m.errors[uri]; ok {
		return nil, err
	}
	if resp, ok := m.responses[uri]; ok {
		return resp, nil
	}
	return json.RawMessage(`{"returnValue":true}`), nil
}

func (m *MockSession) Subscribe(uri string, handler PushHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Connected {
		return ErrNotConnected
	}
	m.subscriptions[uri] = append(m.subscriptions[uri], handler)
	return nil
}

// SetResponse makes requests to uri answer with payload marshaled as JSON
func (m *MockSession) SetResponse(uri string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[uri] = data
	delete(m.errors, uri)
}

// SetRawResponse makes requests to uri answer with raw bytes
func (m *MockSession) SetRawResponse(uri string, raw string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses[uri] = json.RawMessage(raw)
	delete(m.errors, uri)
}

// SetError makes requests to uri fail with err
func (m *MockSession) SetError(uri string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[uri] = err
}

// SimulateConnected moves to Connected and emits the connected event
func (m *MockSession) SimulateConnected() {
	m.mu.Lock()
	m.state = Connected
	m.mu.Unlock()

	m.emit(Event{Type: EventConnected})
}

// SimulateDrop moves to Disconnected without a Disconnect call
func (m *MockSession) SimulateDrop() {
	m.mu.Lock()
	m.state = Disconnected
	m.subscriptions = make(map[string][]PushHandler)
	m.mu.Unlock()

	m.emit(Event{Type: EventDisconnected})
}

// SimulatePrompt moves to AwaitingUserConfirmation and emits prompt
func (m *MockSession) SimulatePrompt() {
	m.mu.Lock()
	m.state = AwaitingUserConfirmation
	m.mu.Unlock()

	m.emit(Event{Type: EventPrompt})
}

// Push delivers payload to every handler subscribed to uri
func (m *MockSession) Push(uri string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}

	m.mu.Lock()
	handlers := append([]PushHandler(nil), m.subscriptions[uri]...)
	m.mu.Unlock()

	for _, h := range handlers {
		h(data)
	}
}

// Requests returns a copy of all recorded requests
func (m *MockSession) Requests() []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestsFor returns the recorded requests to uri
func (m *MockSession) RequestsFor(uri string) []MockRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []MockRequest
	for _, r := range m.requests {
		if r.URI == uri {
			out = append(out, r)
		}
	}
	return out
}

// ClearRequests forgets recorded requests
func (m *MockSession) ClearRequests() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
}

// ConnectCalls returns how many times Connect was invoked
func (m *MockSession) ConnectCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectCalls
}

// SubscribedURIs returns the uris with at least one live subscription
func (m *MockSession) SubscribedURIs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []string
	for uri, hs := range m.subscriptions {
		if len(hs) > 0 {
			out = append(out, uri)
		}
	}
	return out
}
