package shadowstate

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestNewTracker(t *testing.T) {
	tracker := NewTracker("living_room_tv", 0)
	if tracker == nil {
		t.Fatal("NewTracker returned nil")
	}
	if tracker.maxActions != DefaultMaxActions {
		t.Errorf("Expected default max actions %d, got %d", DefaultMaxActions, tracker.maxActions)
	}

	state := tracker.GetState()
	if state.Metadata.Name != "living_room_tv" {
		t.Errorf("Expected name 'living_room_tv', got %s", state.Metadata.Name)
	}
	if len(state.Outputs.RecentActions) != 0 {
		t.Errorf("Expected no actions, got %d", len(state.Outputs.RecentActions))
	}
}

func TestTrackerUpdateCurrentInputs(t *testing.T) {
	tracker := NewTracker("tv", 10)

	tracker.UpdateCurrentInputs(map[string]interface{}{
		"connection": "connected",
		"reachable":  true,
	})
	tracker.UpdateCurrentInputs(map[string]interface{}{
		"reachable": false,
	})

	state := tracker.GetState()
	if state.Inputs.Current["connection"] != "connected" {
		t.Errorf("Expected connection 'connected', got %v", state.Inputs.Current["connection"])
	}
	if state.Inputs.Current["reachable"] != false {
		t.Errorf("Expected reachable false, got %v", state.Inputs.Current["reachable"])
	}
}

func TestTrackerRecordActionSnapshotsInputs(t *testing.T) {
	tracker := NewTracker("tv", 10)
	fixed := time.Date(2024, 3, 1, 21, 0, 0, 0, time.UTC)
	tracker.SetTimeSource(func() time.Time { return fixed })

	tracker.UpdateCurrentInputs(map[string]interface{}{"connection": "disconnected"})
	tracker.RecordAction("power_on", "HomeKit request", map[string]interface{}{"cec_status": "standby"})
	tracker.UpdateCurrentInputs(map[string]interface{}{"connection": "connected"})

	state := tracker.GetState()
	if state.Inputs.AtLastAction["connection"] != "disconnected" {
		t.Errorf("Expected snapshot 'disconnected', got %v", state.Inputs.AtLastAction["connection"])
	}
	if !state.Outputs.LastActionTime.Equal(fixed) {
		t.Errorf("Expected last action time %v, got %v", fixed, state.Outputs.LastActionTime)
	}

	actions := tracker.RecentActions()
	if len(actions) != 1 {
		t.Fatalf("Expected 1 action, got %d", len(actions))
	}
	if actions[0].ActionType != "power_on" || actions[0].Reason != "HomeKit request" {
		t.Errorf("Unexpected action %+v", actions[0])
	}
	if actions[0].Details["cec_status"] != "standby" {
		t.Errorf("Expected cec_status detail, got %v", actions[0].Details)
	}
}

func TestTrackerRecordActionBounded(t *testing.T) {
	tracker := NewTracker("tv", 3)

	for i := 0; i < 5; i++ {
		tracker.RecordAction("wake_attempt", fmt.Sprintf("attempt %d", i+1), nil)
	}

	actions := tracker.RecentActions()
	if len(actions) != 3 {
		t.Fatalf("Expected 3 actions, got %d", len(actions))
	}
	if actions[0].Reason != "attempt 3" {
		t.Errorf("Expected oldest kept action 'attempt 3', got %s", actions[0].Reason)
	}
	if actions[2].Reason != "attempt 5" {
		t.Errorf("Expected newest action 'attempt 5', got %s", actions[2].Reason)
	}
}

func TestTrackerGetStateReturnsDeepCopy(t *testing.T) {
	tracker := NewTracker("tv", 10)
	tracker.UpdateCurrentInputs(map[string]interface{}{"reachable": true})
	tracker.RecordAction("probe_unreachable", "probe failed", nil)

	state := tracker.GetState()
	state.Inputs.Current["reachable"] = false
	state.Outputs.RecentActions[0].ActionType = "modified"

	fresh := tracker.GetState()
	if fresh.Inputs.Current["reachable"] != true {
		t.Error("Modifying the copy changed tracker inputs")
	}
	if fresh.Outputs.RecentActions[0].ActionType != "probe_unreachable" {
		t.Error("Modifying the copy changed tracker actions")
	}
}

func TestTrackerConcurrentAccess(t *testing.T) {
	tracker := NewTracker("tv", 20)
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(3)
		go func(i int) {
			defer wg.Done()
			tracker.UpdateCurrentInputs(map[string]interface{}{"i": i})
		}(i)
		go func() {
			defer wg.Done()
			tracker.RecordAction("wake_attempt", "concurrent", nil)
		}()
		go func() {
			defer wg.Done()
			_ = tracker.GetState()
		}()
	}
	wg.Wait()

	if got := len(tracker.RecentActions()); got != 10 {
		t.Errorf("Expected 10 actions, got %d", got)
	}
}
