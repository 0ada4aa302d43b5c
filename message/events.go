package message

import "time"

// Scene graph event types.
const (
	EventSet     = "SET"
	EventAdd     = "ADD"
	EventUpdate  = "UPDATE"
	EventUpsert  = "UPSERT"
	EventRemove  = "REMOVE"
	EventTimeout = "TIMEOUT"
)

// DefaultTarget is where ADD and UPSERT attach nodes unless told otherwise.
const DefaultTarget = "children"

// SetEvent replaces the whole scene.
func SetEvent(scene *Component) *ServerEvent {
	return NewServerEvent(EventSet, scene)
}

// AddEvent appends nodes under to. An empty to means DefaultTarget.
func AddEvent(nodes []*Component, to string) *ServerEvent {
	if to == "" {
		to = DefaultTarget
	}
	return NewServerEvent(EventAdd, map[string]any{"nodes": nodes, "to": to})
}

// UpdateEvent patches existing nodes. Each update must carry a key.
func UpdateEvent(updates ...map[string]any) *ServerEvent {
	return NewServerEvent(EventUpdate, map[string]any{"nodes": updates})
}

// UpsertEvent inserts nodes or updates them when their key already exists.
func UpsertEvent(nodes []*Component, to string) *ServerEvent {
	if to == "" {
		to = DefaultTarget
	}
	return NewServerEvent(EventUpsert, map[string]any{"nodes": nodes, "to": to})
}

func RemoveEvent(keys ...string) *ServerEvent {
	return NewServerEvent(EventRemove, map[string]any{"keys": keys})
}

// TimeoutEvent asks the client to run fn after delay.
func TimeoutEvent(delay time.Duration, fn string) *ServerEvent {
	return NewServerEvent(EventTimeout, map[string]any{"timeout": delay.Seconds(), "fn": fn})
}
