package mqtt

import "strings"

// Default topic prefixes used by Pixelblaze MQTT integrations.
const (
	// DefaultCommandTopic is the prefix commands are received on.
	DefaultCommandTopic = "/pixelblaze/command"

	// DefaultFeedbackTopic is the prefix results and status are published on.
	DefaultFeedbackTopic = "/pixelblaze/feedback"

	// AllDevices is the device segment that addresses every controller.
	AllDevices = "all"

	// StatusKey is the final segment of status topics.
	StatusKey = "status"
)

// Topics builds the command and feedback topics for controllers.
//
//	topics := mqtt.NewTopics("/pixelblaze/command", "/pixelblaze/feedback")
//	topics.CommandDevice("porch") // "/pixelblaze/command/porch/#"
//	topics.Feedback("porch", "getBrightness")
//	// "/pixelblaze/feedback/porch/getBrightness"
type Topics struct {
	Command  string
	Feedback string
}

// NewTopics returns Topics for the given prefixes. A trailing "/#" or "/"
// is trimmed; empty prefixes fall back to the defaults.
func NewTopics(command, feedback string) Topics {
	return Topics{
		Command:  cleanPrefix(command, DefaultCommandTopic),
		Feedback: cleanPrefix(feedback, DefaultFeedbackTopic),
	}
}

func cleanPrefix(prefix, fallback string) string {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), "/#")
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		return fallback
	}
	return prefix
}

// CommandAll returns the subscription that reaches every controller.
//
// Example: /pixelblaze/command/all/#
func (t Topics) CommandAll() string {
	return join(t.Command, AllDevices, "#")
}

// CommandDevice returns the subscription for one controller.
//
// Example: /pixelblaze/command/porch/#
func (t Topics) CommandDevice(name string) string {
	return join(t.Command, name, "#")
}

// Feedback returns the topic a result or pushed field is published on.
//
// Example: /pixelblaze/feedback/porch/brightness
func (t Topics) Feedback(name, key string) string {
	return join(t.Feedback, name, key)
}

// DeviceStatus returns the per-controller status topic.
//
// Example: /pixelblaze/feedback/porch/status
func (t Topics) DeviceStatus(name string) string {
	return t.Feedback(name, StatusKey)
}

// BridgeStatus returns the topic carrying the bridge's own presence,
// including the Last Will and Testament.
//
// Example: /pixelblaze/feedback/status
func (t Topics) BridgeStatus() string {
	return join(t.Feedback, StatusKey)
}

// LastSegment returns the final level of a topic.
func LastSegment(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}
	return topic
}

// join concatenates topic levels and collapses doubled separators.
func join(parts ...string) string {
	topic := strings.Join(parts, "/")
	for strings.Contains(topic, "//") {
		topic = strings.ReplaceAll(topic, "//", "/")
	}
	return topic
}
