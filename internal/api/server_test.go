package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"tvbridge/internal/shadowstate"
	"tvbridge/internal/tv"

	"go.uber.org/zap"
)

type fakeController struct {
	state    tv.State
	actions  []shadowstate.ActionRecord
	shadow   *shadowstate.ShadowState
	powerErr error
	powered  []bool
}

func (f *fakeController) Name() string       { return "Living Room TV" }
func (f *fakeController) Snapshot() tv.State { return f.state }

func (f *fakeController) RecentActions() []shadowstate.ActionRecord {
	return f.actions
}

func (f *fakeController) ShadowState() *shadowstate.ShadowState {
	if f.shadow == nil {
		return shadowstate.NewShadowState(f.Name())
	}
	return f.shadow
}

func (f *fakeController) SetPower(ctx context.Context, on bool) error {
	f.powered = append(f.powered, on)
	return f.powerErr
}

func newTestServer() (*Server, *fakeController) {
	logger, _ := zap.NewDevelopment()
	ctrl := &fakeController{
		state: tv.State{
			Connection: "connected",
			Power:      true,
			Volume:     12,
			Channel:    5,
			AppID:      "netflix",
			Apps:       map[string]bool{"netflix": true},
		},
	}
	return NewServer(ctrl, logger, 8080), ctrl
}

func serve(s *Server, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHandleGetState(t *testing.T) {
	server, _ := newTestServer()

	w := serve(server, http.MethodGet, "/api/state", "")

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	contentType := w.Header().Get("Content-Type")
	if contentType != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", contentType)
	}

	var response StateResponse
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response.Name != "Living Room TV" {
		t.Errorf("Expected name 'Living Room TV', got '%s'", response.Name)
	}
	if !response.State.Power {
		t.Error("Expected power to be true")
	}
	if response.State.Volume != 12 {
		t.Errorf("Expected volume 12, got %d", response.State.Volume)
	}
	if !response.State.Apps["netflix"] {
		t.Error("Expected netflix switch to be on")
	}
	if response.State.Connection != "connected" {
		t.Errorf("Expected connection 'connected', got '%s'", response.State.Connection)
	}
}

func TestHandleGetStateMethodNotAllowed(t *testing.T) {
	server, _ := newTestServer()

	w := serve(server, http.MethodDelete, "/api/state", "")

	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected status 405, got %d", w.Code)
	}
}

func TestHandleGetActions(t *testing.T) {
	server, ctrl := newTestServer()

	w := serve(server, http.MethodGet, "/api/actions", "")
	if !strings.Contains(w.Body.String(), `"actions":[]`) {
		t.Errorf("Expected an empty actions list, got %s", w.Body.String())
	}

	ctrl.actions = []shadowstate.ActionRecord{
		{Timestamp: time.Date(2024, 1, 1, 20, 0, 0, 0, time.UTC), ActionType: tv.ActionPowerOn, Reason: "power on requested"},
		{Timestamp: time.Date(2024, 1, 1, 20, 0, 5, 0, time.UTC), ActionType: tv.ActionWakeSuccess, Reason: "control session connected"},
	}

	w = serve(server, http.MethodGet, "/api/actions", "")

	var response struct {
		Actions []shadowstate.ActionRecord `json:"actions"`
	}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(response.Actions) != 2 {
		t.Fatalf("Expected 2 actions, got %d", len(response.Actions))
	}
	if response.Actions[1].ActionType != tv.ActionWakeSuccess {
		t.Errorf("Expected wake_success, got %s", response.Actions[1].ActionType)
	}
}

func TestHandleGetShadow(t *testing.T) {
	server, ctrl := newTestServer()

	tracker := shadowstate.NewTracker("Living Room TV", 10)
	tracker.UpdateCurrentInputs(map[string]interface{}{"connection": "connected", "reachable": true})
	tracker.RecordAction(tv.ActionPowerOff, "power off requested", nil)
	tracker.UpdateCurrentInputs(map[string]interface{}{"connection": "disconnected"})
	ctrl.shadow = tracker.GetState()

	w := serve(server, http.MethodGet, "/api/shadow", "")

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response shadowstate.ShadowState
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.Metadata.Name != "Living Room TV" {
		t.Errorf("Expected name 'Living Room TV', got '%s'", response.Metadata.Name)
	}
	if response.Inputs.Current["connection"] != "disconnected" {
		t.Errorf("Expected current connection 'disconnected', got %v", response.Inputs.Current["connection"])
	}
	if response.Inputs.AtLastAction["connection"] != "connected" {
		t.Errorf("Expected connection 'connected' at the last action, got %v", response.Inputs.AtLastAction["connection"])
	}
	if response.Inputs.Current["reachable"] != true {
		t.Errorf("Expected reachable input to be true, got %v", response.Inputs.Current["reachable"])
	}
	if len(response.Outputs.RecentActions) != 1 || response.Outputs.RecentActions[0].ActionType != tv.ActionPowerOff {
		t.Errorf("Expected a single power_off action, got %v", response.Outputs.RecentActions)
	}
}

func TestHandleSetPower(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "on", body: `{"on": true}`, wantStatus: http.StatusAccepted},
		{name: "off", body: `{"on": false}`, wantStatus: http.StatusAccepted},
		{name: "missing field", body: `{}`, wantStatus: http.StatusBadRequest, wantCode: "bad_request"},
		{name: "not json", body: `on`, wantStatus: http.StatusBadRequest, wantCode: "bad_request"},
		{
			name:       "not connected",
			body:       `{"on": false}`,
			err:        fmt.Errorf("%w: no active session to turn off", tv.ErrNotConnected),
			wantStatus: http.StatusConflict,
			wantCode:   "not_connected",
		},
		{
			name:       "transport failure",
			body:       `{"on": true}`,
			err:        fmt.Errorf("%w: power status query: no reply", tv.ErrTransport),
			wantStatus: http.StatusBadGateway,
			wantCode:   "tv_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, ctrl := newTestServer()
			ctrl.powerErr = tt.err

			w := serve(server, http.MethodPost, "/api/power", tt.body)

			if w.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, w.Code)
			}
			if tt.wantCode == "" {
				return
			}

			var response ErrorResponse
			if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
				t.Fatalf("Failed to decode response: %v", err)
			}
			if response.Code != tt.wantCode {
				t.Errorf("Expected code %s, got %s", tt.wantCode, response.Code)
			}
			if response.Status != tt.wantStatus {
				t.Errorf("Expected status field %d, got %d", tt.wantStatus, response.Status)
			}
		})
	}
}

func TestHandleSetPowerDispatches(t *testing.T) {
	server, ctrl := newTestServer()

	serve(server, http.MethodPost, "/api/power", `{"on": false}`)

	if len(ctrl.powered) != 1 || ctrl.powered[0] {
		t.Errorf("Expected a single power off, got %v", ctrl.powered)
	}
}

func TestHandleHealth(t *testing.T) {
	server, _ := newTestServer()

	w := serve(server, http.MethodGet, "/health", "")

	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}

	var response map[string]string
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	if response["status"] != "ok" {
		t.Errorf("Expected status 'ok', got '%s'", response["status"])
	}
}

func TestHandleSitemap(t *testing.T) {
	server, _ := newTestServer()

	w := serve(server, http.MethodGet, "/", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected status 200, got %d", w.Code)
	}
	if !strings.HasPrefix(w.Header().Get("Content-Type"), "text/plain") {
		t.Errorf("Expected plain text, got %s", w.Header().Get("Content-Type"))
	}
	for _, path := range []string{"/health", "/api/state", "/api/actions", "/api/shadow", "/api/power"} {
		if !strings.Contains(w.Body.String(), path) {
			t.Errorf("Expected sitemap to list %s", path)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	w = httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	if !strings.HasPrefix(w.Header().Get("Content-Type"), "text/html") {
		t.Errorf("Expected HTML, got %s", w.Header().Get("Content-Type"))
	}
	if !strings.Contains(w.Body.String(), "Living Room TV bridge") {
		t.Error("Expected the TV name in the page title")
	}
}

func TestUnknownPath(t *testing.T) {
	server, _ := newTestServer()

	w := serve(server, http.MethodGet, "/api/nope", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status 404, got %d", w.Code)
	}
}
