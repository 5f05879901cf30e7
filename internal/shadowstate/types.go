package shadowstate

import "time"

// StateMetadata contains metadata about the shadow state
type StateMetadata struct {
	LastUpdated time.Time `json:"lastUpdated"`
	Name        string    `json:"name"`
}

// ActionRecord represents a single decision taken by the reconciler
type ActionRecord struct {
	Timestamp  time.Time              `json:"timestamp"`
	ActionType string                 `json:"actionType"`
	Reason     string                 `json:"reason"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// Inputs tracks current and last-action input values
type Inputs struct {
	Current      map[string]interface{} `json:"current"`
	AtLastAction map[string]interface{} `json:"atLastAction"`
}

// Outputs tracks the actions taken
type Outputs struct {
	RecentActions  []ActionRecord `json:"recentActions"`
	LastActionTime time.Time      `json:"lastActionTime"`
}

// ShadowState is the inputs a reconciler saw and the actions it took
type ShadowState struct {
	Inputs   Inputs        `json:"inputs"`
	Outputs  Outputs       `json:"outputs"`
	Metadata StateMetadata `json:"metadata"`
}

// NewShadowState creates an empty shadow state
func NewShadowState(name string) *ShadowState {
	return &ShadowState{
		Inputs: Inputs{
			Current:      make(map[string]interface{}),
			AtLastAction: make(map[string]interface{}),
		},
		Outputs: Outputs{
			RecentActions: make([]ActionRecord, 0),
		},
		Metadata: StateMetadata{
			LastUpdated: time.Now(),
			Name:        name,
		},
	}
}
