package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every hub topic.
const TopicPrefix = "graymesh"

// Topic categories under TopicPrefix.
const (
	CategoryState   = "state"
	CategoryCommand = "command"
	CategoryAck     = "ack"
	CategoryHealth  = "health"
	CategorySystem  = "system"
)

// Topics builds hub MQTT topics.
//
//	topics := mqtt.Topics{}
//	topics.State("zw1", "node003_switch_binary")
//	// graymesh/state/zw1/node003_switch_binary
type Topics struct{}

// State returns the retained value topic of a field.
func (Topics) State(driverID, field string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefix, CategoryState, driverID, field)
}

// Command returns the topic presentation layers publish writes to.
func (Topics) Command(driverID, field string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefix, CategoryCommand, driverID, field)
}

// Ack returns the topic write outcomes are published on.
func (Topics) Ack(driverID, field string) string {
	return fmt.Sprintf("%s/%s/%s/%s", TopicPrefix, CategoryAck, driverID, field)
}

// Health returns the retained health topic of a driver.
func (Topics) Health(driverID string) string {
	return fmt.Sprintf("%s/%s/%s", TopicPrefix, CategoryHealth, driverID)
}

// SystemStatus returns the hub status topic used for the LWT.
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/%s/status", TopicPrefix, CategorySystem)
}

// AllCommands matches every command topic of one driver.
func (Topics) AllCommands(driverID string) string {
	return fmt.Sprintf("%s/%s/%s/+", TopicPrefix, CategoryCommand, driverID)
}

// AllStates matches every state topic of every driver.
func (Topics) AllStates() string {
	return fmt.Sprintf("%s/%s/+/+", TopicPrefix, CategoryState)
}

// ParseFieldTopic splits a state, command or ack topic into its category,
// driver id and field name.
func ParseFieldTopic(topic string) (category, driverID, field string, ok bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 4 || parts[0] != TopicPrefix {
		return "", "", "", false
	}
	switch parts[1] {
	case CategoryState, CategoryCommand, CategoryAck:
	default:
		return "", "", "", false
	}
	if parts[2] == "" || parts[3] == "" {
		return "", "", "", false
	}
	return parts[1], parts[2], parts[3], true
}
