package event

import "strings"

// TopicPrefix is the root of every channel the bus publishes to.
const TopicPrefix = "events"

// AllTopics is the subscription pattern covering every bus channel.
// A trailing "*" matches any suffix; transports translate it to their own syntax.
const AllTopics = TopicPrefix + ".*"

// TopicFunc maps an envelope to the channel it is published on.
type TopicFunc func(env *Envelope) string

// DefaultTopic returns "events.{aggregate_type}.{event_type}" with the
// aggregate type lower-cased. Legacy events go to "events.legacy.{event_type}".
func DefaultTopic(env *Envelope) string {
	if env.Event == nil {
		return TopicPrefix + ".legacy." + env.EventType()
	}
	return TopicPrefix + "." + strings.ToLower(env.Event.AggregateType()) + "." + env.Event.Type()
}

// TenantTopic returns "events.tenant.{tenant_id}.{event_type}".
// Global events are always published on the default topic.
func TenantTopic(env *Envelope) string {
	if env.Event == nil || IsGlobal(env.Event.Type()) {
		return DefaultTopic(env)
	}
	return TopicPrefix + ".tenant." + env.Event.TenantID() + "." + env.Event.Type()
}
