package events

import (
	"strings"

	"github.com/google/uuid"
)

func NewID() string { return uuid.NewString() }

func Subject(prefix, topic string) string {
	if prefix == "" {
		return topic
	}
	return prefix + "." + topic
}

// Topic renders a subject as an MQTT topic: dots become slashes and the
// optional key is appended as the last level.
func Topic(prefix, subject, key string) string {
	t := strings.ReplaceAll(Subject(prefix, subject), ".", "/")
	if key != "" {
		t += "/" + key
	}
	return t
}
