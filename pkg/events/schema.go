package events

// EventType defines the type of event
type EventType string

const (
	// Group events
	EventTypeGroupCreated  EventType = "group.created"
	EventTypeGroupExtended EventType = "group.extended"
	EventTypeGroupDetached EventType = "group.detached"
	EventTypeGroupDeleted  EventType = "group.deleted"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"
