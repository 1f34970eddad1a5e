// Package domain models Home Assistant state-change events as they flow from
// the hub's WebSocket API into the time-series store.
//
// # Hub Event Frames
//
// The hub streams events wrapped in a result envelope carrying the id of the
// subscription that produced them:
//
//	{"id": 2, "type": "event", "event": {
//	    "event_type": "state_changed",
//	    "time_fired": "2024-04-26T15:10:00.123456+00:00",
//	    "origin": "LOCAL",
//	    "data": {"entity_id": "sensor.temp", "old_state": {...}, "new_state": {...}}
//	}}
//
// old_state is null when an entity is first created and new_state is null
// when it is removed. Neither case invalidates the event; the missing side is
// carried as a nil [*State].
//
// # Attribute Values
//
// Attribute maps are duck-typed on the wire. They are normalized into
// [Value], a tagged union of number, string and bool:
//
//	JSON number          -> number
//	JSON bool            -> bool
//	"21.5", "-3", "1e3"  -> number (unless the key is known to hold strings)
//	"on", "unavailable"  -> string
//	objects and arrays   -> string holding compact JSON
//	null                 -> key omitted
//
// The state string itself goes through the same coercion under the key
// "state", so a temperature sensor reports state=21.5 as a number.
//
// # Measurements
//
// Points are grouped into measurements the way the Home Assistant InfluxDB
// integration does it: the unit_of_measurement attribute when present
// ("°C", "%", "W"), otherwise the entity domain ("light", "binary_sensor").
//
// # Type Hints
//
// A value whose kind disagrees with the kind previously recorded for its key
// is coerced when [Coerce] allows it. When it does not, the value keeps its
// original kind and the key is listed in [CanonicalEvent.Conflicts] so the
// storage writer can route it to a suffixed field instead of rejecting the
// point.
package domain
