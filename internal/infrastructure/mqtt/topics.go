package mqtt

import "fmt"

// Topic prefixes for the statesync MQTT hierarchy.
//
// The host bridge publishes entity state on per-entity topics and listens
// for service commands on per-service topics:
//
//	statesync/state/{entity_id}            retained entity state (JSON snapshot)
//	statesync/command/{domain}/{service}   service invocations (JSON payload)
//	statesync/system/status                daemon online/offline status
const (
	// TopicPrefix is the base for all statesync topics.
	TopicPrefix = "statesync"

	// TopicPrefixSystem is the base for system topics.
	TopicPrefixSystem = "statesync/system"
)

// Topics provides builders for statesync MQTT topics.
// Using these helpers ensures consistent topic naming across the codebase.
//
//	topics := mqtt.Topics{}
//	stateTopic := topics.EntityState("light.kitchen")
//	// Returns: "statesync/state/light.kitchen"
type Topics struct{}

// EntityState returns the topic for an entity's state snapshot.
//
// Example: statesync/state/light.kitchen
func (Topics) EntityState(entityID string) string {
	return fmt.Sprintf("%s/state/%s", TopicPrefix, entityID)
}

// Command returns the topic for a service invocation.
//
// Example: statesync/command/light/turn_on
func (Topics) Command(domain, service string) string {
	return fmt.Sprintf("%s/command/%s/%s", TopicPrefix, domain, service)
}

// SystemStatus returns the daemon status topic.
//
// Example: statesync/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/status", TopicPrefixSystem)
}

// AllEntityStates returns a pattern matching every entity state topic.
//
// Pattern: statesync/state/+
func (Topics) AllEntityStates() string {
	return fmt.Sprintf("%s/state/+", TopicPrefix)
}

// AllCommands returns a pattern matching every service invocation topic.
//
// Pattern: statesync/command/+/+
func (Topics) AllCommands() string {
	return fmt.Sprintf("%s/command/+/+", TopicPrefix)
}

// AllTopics returns a pattern matching all statesync topics.
// Use with caution - this receives ALL traffic.
//
// Pattern: statesync/#
func (Topics) AllTopics() string {
	return "statesync/#"
}
