package tv

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode"

	"tvbridge/internal/webos"
)

// MaxVolume is the highest level the bridge will ever dispatch
const MaxVolume = 30

// Action types written to the action history
const (
	ActionPowerOn          = "power_on"
	ActionPowerOff         = "power_off"
	ActionWakeAttempt      = "wake_attempt"
	ActionWakeSuccess      = "wake_success"
	ActionWakeTimeout      = "wake_timeout"
	ActionWOLFallback      = "wol_fallback"
	ActionProbeUnreachable = "probe_unreachable"
	ActionChannelTune      = "channel_tune"
	ActionChannelFallback  = "channel_fallback"
	ActionAppLaunch        = "app_launch"
)

// Config holds the reconciler settings. Zero durations take defaults.
type Config struct {
	Name string
	MAC  string

	// Apps is the AppWatchSet, in display order
	Apps []string

	PollingEnabled  bool
	PollingInterval time.Duration

	WakeSettleDelay time.Duration
	WakeInterval    time.Duration
	MaxWakeAttempts int
	QueryDelay      time.Duration

	// PowerOffGrace suppresses reconnect nudges right after a shutdown, while
	// the TV may still accept connections
	PowerOffGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollingInterval <= 0 {
		c.PollingInterval = 5 * time.Second
	}
	if c.WakeSettleDelay <= 0 {
		c.WakeSettleDelay = 5 * time.Second
	}
	if c.WakeInterval <= 0 {
		c.WakeInterval = 12 * time.Second
	}
	if c.MaxWakeAttempts <= 0 {
		c.MaxWakeAttempts = 5
	}
	if c.QueryDelay <= 0 {
		c.QueryDelay = 50 * time.Millisecond
	}
	if c.PowerOffGrace <= 0 {
		c.PowerOffGrace = 15 * time.Second
	}

	apps := make([]string, 0, len(c.Apps))
	seen := make(map[string]bool)
	for _, app := range c.Apps {
		app = stripSpace(app)
		if app == "" || seen[app] {
			continue
		}
		seen[app] = true
		apps = append(apps, app)
	}
	c.Apps = apps
}

// stripSpace removes every whitespace rune, inside the id as well as around it
func stripSpace(id string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, id)
}

// State is the reconciled view of the TV
type State struct {
	Connection      string          `json:"connection"`
	Power           bool            `json:"power"`
	Muted           bool            `json:"muted"`
	Volume          int             `json:"volume"`
	Channel         int             `json:"channel"`
	ChannelConstant int             `json:"channelConstant"`
	AppID           string          `json:"appId"`
	Apps            map[string]bool `json:"apps"`
	WakeInProgress  bool            `json:"wakeInProgress"`
	WakeAttempts    int             `json:"wakeAttempts"`
}

func newState(apps []string) State {
	s := State{
		Connection: webos.Disconnected.String(),
		Apps:       make(map[string]bool, len(apps)),
	}
	for _, app := range apps {
		s.Apps[app] = false
	}
	return s
}

func (s State) clone() State {
	c := s
	c.Apps = make(map[string]bool, len(s.Apps))
	for k, v := range s.Apps {
		c.Apps[k] = v
	}
	return c
}

// MuteOn is the exposed mute switch: on means sound is audible. It reads
// false while the TV is off.
func (s State) MuteOn() bool {
	return s.Power && !s.Muted
}

// ChannelConstantOn is the exposed state of the channel constant switch
func (s State) ChannelConstantOn() bool {
	return s.Power && s.ChannelConstant > 0
}

// observablyEqual compares the fields exposed to HomeKit and MQTT
func (s State) observablyEqual(o State) bool {
	if s.Power != o.Power || s.Muted != o.Muted || s.Volume != o.Volume ||
		s.Channel != o.Channel || s.ChannelConstant != o.ChannelConstant || s.AppID != o.AppID {
		return false
	}
	if len(s.Apps) != len(o.Apps) {
		return false
	}
	for k, v := range s.Apps {
		if o.Apps[k] != v {
			return false
		}
	}
	return true
}

// ClampVolume limits v to [0, MaxVolume]
func ClampVolume(v int) int {
	if v < 0 {
		return 0
	}
	if v > MaxVolume {
		return MaxVolume
	}
	return v
}

// AbsoluteChannelNumber combines the channel constant with a requested
// relative channel. Constants of 10 and above drop their last digit and
// shift one place only.
func AbsoluteChannelNumber(constant, requested int) int {
	if constant < 10 {
		return constant*100 + requested
	}
	return (constant-constant%10)*10 + requested
}

// SplitChannelNumber decomposes a raw channel number into (constant, channel)
func SplitChannelNumber(number int) (int, int) {
	return number / 100, number % 100
}

// channelNumber accepts both "7-1" style strings and plain numbers and keeps
// the leading digits
type channelNumber int

func (n *channelNumber) UnmarshalJSON(data []byte) error {
	var num int
	if err := json.Unmarshal(data, &num); err == nil {
		*n = channelNumber(num)
		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return fmt.Errorf("channel number is neither string nor number: %s", data)
	}
	v, ok := leadingInt(str)
	if !ok {
		return fmt.Errorf("channel number %q has no leading digits", str)
	}
	*n = channelNumber(v)
	return nil
}

func leadingInt(s string) (int, bool) {
	s = strings.TrimSpace(s)
	v, digits := 0, 0
	for _, r := range s {
		if r < '0' || r > '9' {
			break
		}
		v = v*10 + int(r-'0')
		digits++
	}
	return v, digits > 0
}

// Push and query payloads

type foregroundAppInfo struct {
	AppID string `json:"appId"`
}

type volumeInfo struct {
	Volume       *int  `json:"volume"`
	Muted        *bool `json:"muted"`
	Mute         *bool `json:"mute"`
	VolumeStatus *struct {
		Volume     *int  `json:"volume"`
		MuteStatus *bool `json:"muteStatus"`
	} `json:"volumeStatus"`
}

// level and muted flatten the payload variants of different firmware versions
func (v volumeInfo) level() (int, bool) {
	if v.Volume != nil {
		return *v.Volume, true
	}
	if v.VolumeStatus != nil && v.VolumeStatus.Volume != nil {
		return *v.VolumeStatus.Volume, true
	}
	return 0, false
}

func (v volumeInfo) muted() (bool, bool) {
	switch {
	case v.Muted != nil:
		return *v.Muted, true
	case v.Mute != nil:
		return *v.Mute, true
	case v.VolumeStatus != nil && v.VolumeStatus.MuteStatus != nil:
		return *v.VolumeStatus.MuteStatus, true
	}
	return false, false
}

type currentChannelInfo struct {
	ChannelNumber *channelNumber `json:"channelNumber"`
	ChannelID     string         `json:"channelId"`
}

type channelListInfo struct {
	ChannelList []struct {
		ChannelNumber json.RawMessage `json:"channelNumber"`
		ChannelID     string          `json:"channelId"`
	} `json:"channelList"`
}
