package shadowstate

import (
	"sync"
	"time"
)

// DefaultMaxActions bounds the action history
const DefaultMaxActions = 50

// Tracker records the inputs and actions of a single reconciler
type Tracker struct {
	mu         sync.RWMutex
	state      *ShadowState
	maxActions int
	now        func() time.Time
}

// NewTracker creates a tracker keeping at most maxActions records
func NewTracker(name string, maxActions int) *Tracker {
	if maxActions <= 0 {
		maxActions = DefaultMaxActions
	}
	return &Tracker{
		state:      NewShadowState(name),
		maxActions: maxActions,
		now:        time.Now,
	}
}

// SetTimeSource replaces time.Now, for use with a mock clock
func (t *Tracker) SetTimeSource(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// UpdateCurrentInputs updates the current input values
func (t *Tracker) UpdateCurrentInputs(inputs map[string]interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key, value := range inputs {
		t.state.Inputs.Current[key] = value
	}
	t.state.Metadata.LastUpdated = t.now()
}

// RecordAction appends an action, snapshots the current inputs as the
// at-last-action inputs, and drops the oldest record once full.
func (t *Tracker) RecordAction(actionType, reason string, details map[string]interface{}) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()

	t.state.Inputs.AtLastAction = make(map[string]interface{}, len(t.state.Inputs.Current))
	for key, value := range t.state.Inputs.Current {
		t.state.Inputs.AtLastAction[key] = value
	}

	t.state.Outputs.RecentActions = append(t.state.Outputs.RecentActions, ActionRecord{
		Timestamp:  now,
		ActionType: actionType,
		Reason:     reason,
		Details:    details,
	})
	if over := len(t.state.Outputs.RecentActions) - t.maxActions; over > 0 {
		t.state.Outputs.RecentActions = t.state.Outputs.RecentActions[over:]
	}

	t.state.Outputs.LastActionTime = now
	t.state.Metadata.LastUpdated = now
}

// RecentActions returns a copy of the recorded actions, oldest first
func (t *Tracker) RecentActions() []ActionRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()

	actions := make([]ActionRecord, len(t.state.Outputs.RecentActions))
	copy(actions, t.state.Outputs.RecentActions)
	return actions
}

// GetState returns the current shadow state (thread-safe copy)
func (t *Tracker) GetState() *ShadowState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	stateCopy := &ShadowState{
		Inputs: Inputs{
			Current:      make(map[string]interface{}, len(t.state.Inputs.Current)),
			AtLastAction: make(map[string]interface{}, len(t.state.Inputs.AtLastAction)),
		},
		Outputs: Outputs{
			RecentActions:  make([]ActionRecord, len(t.state.Outputs.RecentActions)),
			LastActionTime: t.state.Outputs.LastActionTime,
		},
		Metadata: t.state.Metadata,
	}

	for k, v := range t.state.Inputs.Current {
		stateCopy.Inputs.Current[k] = v
	}
	for k, v := range t.state.Inputs.AtLastAction {
		stateCopy.Inputs.AtLastAction[k] = v
	}
	copy(stateCopy.Outputs.RecentActions, t.state.Outputs.RecentActions)

	return stateCopy
}
