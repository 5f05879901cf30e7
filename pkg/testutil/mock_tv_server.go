// Package testutil provides testing utilities for the TV bridge.
// This package contains a mock webOS SSAP websocket server and helpers
// for writing integration tests.
package testutil

import (
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SSAP endpoints understood by the mock
const (
	uriForegroundApp  = "ssap://com.webos.applicationManager/getForegroundAppInfo"
	uriGetVolume      = "ssap://audio/getVolume"
	uriGetAudioStatus = "ssap://audio/getStatus"
	uriSetVolume      = "ssap://audio/setVolume"
	uriSetMute        = "ssap://audio/setMute"
	uriCurrentChannel = "ssap://tv/getCurrentChannel"
	uriChannelList    = "ssap://tv/getChannelList"
	uriOpenChannel    = "ssap://tv/openChannel"
	uriTurnOff        = "ssap://system/turnOff"
	uriLaunch         = "ssap://system.launcher/launch"
)

// connWrapper wraps a WebSocket connection with its write mutex and the
// subscriptions it opened
type connWrapper struct {
	conn          *websocket.Conn
	writeMu       sync.Mutex
	subscriptions map[string][]string // uri -> message ids
}

func (w *connWrapper) send(msg Message) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	w.conn.WriteJSON(msg)
}

// Channel is one entry of the mock channel list
type Channel struct {
	Number string `json:"channelNumber"`
	ID     string `json:"channelId"`
}

// Message represents an SSAP frame
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	URI     string          `json:"uri,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// MockTVServer simulates the SSAP endpoint of a webOS TV
type MockTVServer struct {
	server *httptest.Server

	mu            sync.RWMutex
	clientKey     string
	promptDelay   time.Duration
	requirePrompt bool
	standby       bool
	prompts       int
	pairings      int
	appID         string
	volume        int
	muted         bool
	channel       string
	channels      []Channel
	failures      map[string]string

	connections []*connWrapper
	connsMu     sync.Mutex

	requests   []Request // Track all requests for verification
	requestsMu sync.Mutex
}

// NewMockTVServer creates a mock TV showing live TV on channel 205
func NewMockTVServer() *MockTVServer {
	return &MockTVServer{
		clientKey: "mock-client-key",
		appID:     "com.webos.app.livetv",
		volume:    10,
		channel:   "205",
		channels: []Channel{
			{Number: "205", ID: "1_20_205_0_0_0_0"},
			{Number: "207", ID: "1_20_207_0_0_0_0"},
			{Number: "1307", ID: "1_21_1307_0_0_0_0"},
		},
		failures: make(map[string]string),
	}
}

// Start starts the mock server on a random local port
func (s *MockTVServer) Start() {
	s.server = httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
}

// URL returns the ws:// address of the server
func (s *MockTVServer) URL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http")
}

// Addr returns host:port of the server
func (s *MockTVServer) Addr() string {
	return strings.TrimPrefix(s.server.URL, "http://")
}

// Stop closes every connection and shuts the server down
func (s *MockTVServer) Stop() {
	s.DropConnections()
	if s.server != nil {
		s.server.Close()
	}
}

// DropConnections closes all open sessions, as a TV that loses power would
func (s *MockTVServer) DropConnections() {
	s.connsMu.Lock()
	for _, wrapper := range s.connections {
		wrapper.conn.Close()
	}
	s.connections = nil
	s.connsMu.Unlock()
}

// Standby puts the TV to sleep: open sessions are dropped and new ones are
// refused until Wake. The port keeps accepting TCP connections.
func (s *MockTVServer) Standby() {
	s.mu.Lock()
	s.standby = true
	s.mu.Unlock()
	s.DropConnections()
}

// Wake ends standby
func (s *MockTVServer) Wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.standby = false
}

// InStandby reports whether the TV is asleep
func (s *MockTVServer) InStandby() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.standby
}

// RequirePrompt makes clients with an unknown key go through a PROMPT pairing
// that is accepted after delay
func (s *MockTVServer) RequirePrompt(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requirePrompt = true
	s.promptDelay = delay
}

// ClientKey returns the key issued on pairing
func (s *MockTVServer) ClientKey() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientKey
}

// Pairings returns how many register handshakes completed
func (s *MockTVServer) Pairings() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairings
}

// Prompts returns how many handshakes asked for on-screen confirmation
func (s *MockTVServer) Prompts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.prompts
}

// FailRequests makes requests to uri answer with an SSAP error frame
func (s *MockTVServer) FailRequests(uri, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[uri] = message
}

// SetChannels replaces the channel list
func (s *MockTVServer) SetChannels(channels []Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = channels
}

// SetForegroundApp changes the foreground app and notifies subscribers
func (s *MockTVServer) SetForegroundApp(appID string) {
	s.mu.Lock()
	s.appID = appID
	s.mu.Unlock()
	s.broadcast(uriForegroundApp)
}

// SetVolume changes volume and mute and notifies subscribers
func (s *MockTVServer) SetVolume(volume int, muted bool) {
	s.mu.Lock()
	s.volume = volume
	s.muted = muted
	s.mu.Unlock()
	s.broadcast(uriGetVolume)
}

// SetChannel changes the current channel number and notifies subscribers
func (s *MockTVServer) SetChannel(number string) {
	s.mu.Lock()
	s.channel = number
	s.mu.Unlock()
	s.broadcast(uriCurrentChannel)
}

// handleWebSocket handles WebSocket connections
func (s *MockTVServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.InStandby() {
		http.Error(w, "standby", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}

	wrapper := &connWrapper{conn: conn, subscriptions: make(map[string][]string)}

	defer func() {
		s.connsMu.Lock()
		for i, w := range s.connections {
			if w.conn == conn {
				s.connections = append(s.connections[:i], s.connections[i+1:]...)
				break
			}
		}
		s.connsMu.Unlock()
		conn.Close()
	}()

	if !s.handleRegister(wrapper) {
		return
	}

	s.connsMu.Lock()
	s.connections = append(s.connections, wrapper)
	s.connsMu.Unlock()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}

		switch msg.Type {
		case "request":
			s.handleRequest(wrapper, msg)
		case "subscribe":
			s.handleSubscribe(wrapper, msg)
		}
	}
}

// handleRegister runs the pairing handshake and reports whether it succeeded
func (s *MockTVServer) handleRegister(wrapper *connWrapper) bool {
	var msg Message
	if err := wrapper.conn.ReadJSON(&msg); err != nil || msg.Type != "register" {
		return false
	}

	var payload struct {
		ClientKey string `json:"client-key"`
	}
	json.Unmarshal(msg.Payload, &payload)

	s.mu.RLock()
	key := s.clientKey
	prompt := s.requirePrompt && payload.ClientKey != key
	delay := s.promptDelay
	s.mu.RUnlock()

	if prompt {
		s.mu.Lock()
		s.prompts++
		s.mu.Unlock()
		wrapper.send(Message{
			Type:    "response",
			ID:      msg.ID,
			Payload: json.RawMessage(`{"pairingType":"PROMPT","returnValue":true}`),
		})
		time.Sleep(delay)
	}

	registered, _ := json.Marshal(map[string]string{"client-key": key})
	wrapper.send(Message{Type: "registered", ID: msg.ID, Payload: registered})

	s.mu.Lock()
	s.pairings++
	s.mu.Unlock()
	return true
}

func (s *MockTVServer) handleRequest(wrapper *connWrapper, msg Message) {
	var payload map[string]interface{}
	if len(msg.Payload) > 0 {
		json.Unmarshal(msg.Payload, &payload)
	}

	s.requestsMu.Lock()
	s.requests = append(s.requests, Request{
		Timestamp: time.Now(),
		URI:       msg.URI,
		Payload:   payload,
	})
	s.requestsMu.Unlock()

	s.mu.RLock()
	failure, failing := s.failures[msg.URI]
	s.mu.RUnlock()
	if failing {
		wrapper.send(Message{Type: "error", ID: msg.ID, Error: failure, Payload: json.RawMessage(`{}`)})
		return
	}

	var changed string
	s.mu.Lock()
	switch msg.URI {
	case uriSetVolume:
		if v, ok := payload["volume"].(float64); ok {
			s.volume = int(v)
			changed = uriGetVolume
		}
	case uriSetMute:
		if m, ok := payload["mute"].(bool); ok {
			s.muted = m
			changed = uriGetVolume
		}
	case uriLaunch:
		if id, ok := payload["id"].(string); ok {
			s.appID = id
			changed = uriForegroundApp
		}
	case uriOpenChannel:
		if n, ok := payload["channelNumber"]; ok {
			switch v := n.(type) {
			case string:
				s.channel = v
			case float64:
				s.channel = strconv.Itoa(int(v))
			}
			changed = uriCurrentChannel
		}
	}
	s.mu.Unlock()

	wrapper.send(Message{Type: "response", ID: msg.ID, Payload: s.payloadFor(msg.URI)})

	if changed != "" {
		s.broadcast(changed)
	}
	if msg.URI == uriTurnOff {
		go func() {
			time.Sleep(20 * time.Millisecond)
			s.Standby()
		}()
	}
}

func (s *MockTVServer) handleSubscribe(wrapper *connWrapper, msg Message) {
	s.connsMu.Lock()
	wrapper.subscriptions[msg.URI] = append(wrapper.subscriptions[msg.URI], msg.ID)
	s.connsMu.Unlock()

	// The TV answers a subscribe with the current value right away
	wrapper.send(Message{Type: "response", ID: msg.ID, Payload: s.payloadFor(msg.URI)})
}

// payloadFor renders the current state for uri
func (s *MockTVServer) payloadFor(uri string) json.RawMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var body interface{}
	switch uri {
	case uriForegroundApp:
		body = map[string]interface{}{"appId": s.appID, "returnValue": true}
	case uriGetVolume, uriGetAudioStatus:
		body = map[string]interface{}{"volume": s.volume, "muted": s.muted, "returnValue": true}
	case uriCurrentChannel:
		id := ""
		for _, ch := range s.channels {
			if ch.Number == s.channel {
				id = ch.ID
			}
		}
		body = map[string]interface{}{"channelNumber": s.channel, "channelId": id, "returnValue": true}
	case uriChannelList:
		body = map[string]interface{}{"channelList": s.channels, "returnValue": true}
	default:
		body = map[string]interface{}{"returnValue": true}
	}

	data, _ := json.Marshal(body)
	return data
}

// broadcast pushes the current value of uri to every subscriber
func (s *MockTVServer) broadcast(uri string) {
	payload := s.payloadFor(uri)

	type target struct {
		wrapper *connWrapper
		ids     []string
	}

	s.connsMu.Lock()
	targets := make([]target, 0, len(s.connections))
	for _, wrapper := range s.connections {
		if ids := wrapper.subscriptions[uri]; len(ids) > 0 {
			targets = append(targets, target{wrapper: wrapper, ids: append([]string(nil), ids...)})
		}
	}
	s.connsMu.Unlock()

	for _, t := range targets {
		for _, id := range t.ids {
			t.wrapper.send(Message{Type: "response", ID: id, Payload: payload})
		}
	}
}

// Requests returns all requests since last clear
func (s *MockTVServer) Requests() []Request {
	s.requestsMu.Lock()
	defer s.requestsMu.Unlock()
	out := make([]Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// ClearRequests resets the request log
func (s *MockTVServer) ClearRequests() {
	s.requestsMu.Lock()
	defer s.requestsMu.Unlock()
	s.requests = nil
}

// Connections returns the number of registered sessions
func (s *MockTVServer) Connections() int {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	return len(s.connections)
}
