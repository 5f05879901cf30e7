package webos

import (
	"encoding/json"
)

// ConnectionState of the control session
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	AwaitingUserConfirmation
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case AwaitingUserConfirmation:
		return "awaiting_user_confirmation"
	default:
		return "unknown"
	}
}

// EventType names a session lifecycle event
type EventType string

const (
	EventConnecting   EventType = "connecting"
	EventConnected    EventType = "connected"
	EventDisconnected EventType = "disconnected"
	EventError        EventType = "error"
	EventPrompt       EventType = "prompt"
)

// Event is delivered to lifecycle handlers. Err is set for EventError.
type Event struct {
	Type EventType
	Err  error
}

// EventHandler receives lifecycle events
type EventHandler func(Event)

// PushHandler receives the payload of every message on a subscription
type PushHandler func(payload json.RawMessage)

// Message is an SSAP frame received from the TV
type Message struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	URI     string          `json:"uri,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// outgoing is an SSAP frame sent to the TV
type outgoing struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	URI     string      `json:"uri,omitempty"`
	Payload interface{} `json:"payload,omitempty"`
}

// registerPayload is the body of the pairing handshake
type registerPayload struct {
	ForcePairing bool     `json:"forcePairing"`
	PairingType  string   `json:"pairingType"`
	ClientKey    string   `json:"client-key,omitempty"`
	Manifest     manifest `json:"manifest"`
}

type manifest struct {
	ManifestVersion int      `json:"manifestVersion"`
	AppVersion      string   `json:"appVersion"`
	Permissions     []string `json:"permissions"`
}

// registerResponse covers both the PROMPT response and the registered message
type registerResponse struct {
	PairingType string `json:"pairingType"`
	ReturnValue *bool  `json:"returnValue"`
	ClientKey   string `json:"client-key"`
}

// returnStatus is embedded in every response payload
type returnStatus struct {
	ReturnValue *bool  `json:"returnValue"`
	ErrorCode   string `json:"errorCode"`
	ErrorText   string `json:"errorText"`
}

var defaultPermissions = []string{
	"LAUNCH",
	"CONTROL_AUDIO",
	"CONTROL_POWER",
	"CONTROL_INPUT_TV",
	"READ_INSTALLED_APPS",
	"READ_CURRENT_CHANNEL",
	"READ_RUNNING_APPS",
	"READ_TV_CHANNEL_LIST",
	"READ_POWER_STATE",
	"READ_TV_CURRENT_TIME",
}
