package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is used when the configuration leaves topic_prefix empty.
const DefaultTopicPrefix = "tableside"

// Topics builds the service's topic names under a common prefix.
//
//	topics := mqtt.NewTopics("tableside")
//	topics.AuthEvents("R1") // "tableside/auth/R1/events"
type Topics struct {
	prefix string
}

// NewTopics creates a builder. Trailing slashes are trimmed.
func NewTopics(prefix string) Topics {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the root of every topic.
func (t Topics) Prefix() string {
	return t.prefix
}

// AuthEvents returns the event topic of one restaurant. Events without a
// restaurant go to the "_platform" segment.
//
// Example: tableside/auth/R1/events
func (t Topics) AuthEvents(restaurantID string) string {
	if restaurantID == "" {
		restaurantID = "_platform"
	}
	return fmt.Sprintf("%s/auth/%s/events", t.prefix, restaurantID)
}

// AllAuthEvents matches the event topics of every restaurant.
//
// Pattern: tableside/auth/+/events
func (t Topics) AllAuthEvents() string {
	return t.prefix + "/auth/+/events"
}

// Status is the retained instance status topic, also used for the Last Will.
//
// Example: tableside/auth/status
func (t Topics) Status() string {
	return t.prefix + "/auth/status"
}

// RestaurantFromEventTopic extracts the restaurant segment of an event topic.
func (t Topics) RestaurantFromEventTopic(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.prefix+"/auth/")
	if !ok {
		return "", false
	}
	id, ok := strings.CutSuffix(rest, "/events")
	if !ok || id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
