package mqtt

import (
	"strings"
	"unicode"
)

// DefaultTopicPrefix is used when no prefix is configured
const DefaultTopicPrefix = "tvbridge"

// Command names accepted under <prefix>/<device>/set/
const (
	CommandPower   = "power"
	CommandVolume  = "volume"
	CommandMute    = "mute"
	CommandApp     = "app"
	CommandChannel = "channel"
)

// Topics builds the topic tree of one TV
type Topics struct {
	Prefix string
	Device string
}

// NewTopics slugs the TV name into a topic segment
func NewTopics(prefix, name string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{Prefix: prefix, Device: slug(name)}
}

func (t Topics) base() string {
	return t.Prefix + "/" + t.Device
}

// State carries the retained reconciled state as JSON
func (t Topics) State() string {
	return t.base() + "/state"
}

// Availability carries "online", or the "offline" will
func (t Topics) Availability() string {
	return t.base() + "/availability"
}

// Command is the topic for one command
func (t Topics) Command(name string) string {
	return t.base() + "/set/" + name
}

// AllCommands matches every command topic
func (t Topics) AllCommands() string {
	return t.base() + "/set/+"
}

// CommandName extracts the command from a command topic, or "" if topic
// is not one of ours
func (t Topics) CommandName(topic string) string {
	prefix := t.base() + "/set/"
	if !strings.HasPrefix(topic, prefix) {
		return ""
	}
	name := strings.TrimPrefix(topic, prefix)
	if strings.Contains(name, "/") {
		return ""
	}
	return name
}

func slug(name string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	s := strings.TrimSuffix(b.String(), "_")
	if s == "" {
		return "tv"
	}
	return s
}
