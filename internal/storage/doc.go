// Package storage commits canonical events to a time-series store.
//
// Each event becomes one point: the measurement chosen by the Normalizer, the
// entity_id/domain/event_type tags, the new state under "state", every
// attribute under its own key and the attached weather under "weather_*".
// The point time is the event's occurred_at, so replaying an event rewrites
// the same logical point.
//
// A per-measurement Registry pins each field to the kind it was first written
// with. A later value of another kind is coerced when that is lossless and is
// otherwise written under a suffixed name ("_num", "_str", "_bool") so one
// field can never cause the whole point to be refused.
package storage
