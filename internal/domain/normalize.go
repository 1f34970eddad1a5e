package domain

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// TypeHints exposes the kind previously recorded for a field key. The storage
// schema registry implements it.
type TypeHints interface {
	KindOf(measurement, key string) (Kind, bool)
}

// StateKey is the field key the entity state is stored under.
const StateKey = "state"

// Normalizer turns hub frames into canonical events. It performs no I/O.
type Normalizer struct {
	eventTypes map[string]struct{}
	hints      TypeHints
}

// NewNormalizer creates a Normalizer that keeps only the given hub event
// types. An empty list keeps every type. hints may be nil.
func NewNormalizer(eventTypes []string, hints TypeHints) *Normalizer {
	n := &Normalizer{hints: hints}
	if len(eventTypes) > 0 {
		n.eventTypes = make(map[string]struct{}, len(eventTypes))
		for _, t := range eventTypes {
			n.eventTypes[t] = struct{}{}
		}
	}
	return n
}

// Normalize converts a raw frame into a CanonicalEvent. ok is false when the
// frame is a control message, an unsubscribed event type, or a state change
// without an entity id. An error is returned only for malformed JSON.
func (n *Normalizer) Normalize(raw RawHubMessage) (event CanonicalEvent, ok bool, err error) {
	var frame Frame
	if err := json.Unmarshal(raw.Data, &frame); err != nil {
		return CanonicalEvent{}, false, fmt.Errorf("parse hub frame: %w", err)
	}
	if frame.Type != FrameEvent || len(frame.Event) == 0 {
		return CanonicalEvent{}, false, nil
	}

	var ev hubEvent
	if err := json.Unmarshal(frame.Event, &ev); err != nil {
		return CanonicalEvent{}, false, fmt.Errorf("parse event payload: %w", err)
	}
	if !n.subscribed(ev.EventType) {
		return CanonicalEvent{}, false, nil
	}

	if ev.EventType == string(EventStateChanged) {
		return n.stateChanged(ev, raw)
	}
	return n.passthrough(ev, raw)
}

func (n *Normalizer) subscribed(eventType string) bool {
	if eventType == "" {
		return false
	}
	if n.eventTypes == nil {
		return true
	}
	_, ok := n.eventTypes[eventType]
	return ok
}

func (n *Normalizer) stateChanged(ev hubEvent, raw RawHubMessage) (CanonicalEvent, bool, error) {
	var data struct {
		EntityID string    `json:"entity_id"`
		OldState *hubState `json:"old_state"`
		NewState *hubState `json:"new_state"`
	}
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return CanonicalEvent{}, false, fmt.Errorf("parse state_changed data: %w", err)
		}
	}

	entityID := firstNonEmpty(data.EntityID, entityOf(data.NewState), entityOf(data.OldState))
	if entityID == "" {
		return CanonicalEvent{}, false, nil
	}

	var rawAttrs map[string]any
	if data.NewState != nil {
		rawAttrs = data.NewState.Attributes
	}
	measurement := MeasurementFor(entityID, unitOf(rawAttrs))

	event := CanonicalEvent{
		EntityID:    entityID,
		Domain:      DomainOf(entityID),
		Measurement: measurement,
		EventType:   EventStateChanged,
		HubType:     ev.EventType,
		Origin:      ev.Origin,
	}

	var conflicts []string
	event.Attributes, conflicts = n.normalizeAttributes(measurement, rawAttrs)

	if data.NewState != nil {
		st, conflict := n.normalizeState(measurement, data.NewState)
		event.NewState = &st
		if conflict {
			conflicts = append(conflicts, StateKey)
		}
	}
	if data.OldState != nil {
		st, _ := n.normalizeState(measurement, data.OldState)
		event.OldState = &st
	}

	var lastUpdated time.Time
	if event.NewState != nil {
		lastUpdated = event.NewState.LastUpdated
	}
	event.OccurredAt = occurredAt(ev.TimeFired, lastUpdated, raw.ReceivedAt)

	slices.Sort(conflicts)
	event.Conflicts = conflicts
	return event, true, nil
}

func (n *Normalizer) passthrough(ev hubEvent, raw RawHubMessage) (CanonicalEvent, bool, error) {
	var data map[string]any
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			return CanonicalEvent{}, false, fmt.Errorf("parse %s data: %w", ev.EventType, err)
		}
	}

	entityID, _ := data["entity_id"].(string)
	domain := DomainOf(entityID)
	if entityID == "" {
		entityID = ev.EventType
		domain = "event"
	}
	delete(data, "entity_id")

	measurement := MeasurementFor(entityID, "")
	if domain == "event" {
		measurement = "event"
	}

	event := CanonicalEvent{
		EntityID:    entityID,
		Domain:      domain,
		Measurement: measurement,
		EventType:   EventPassthrough,
		HubType:     ev.EventType,
		Origin:      ev.Origin,
		OccurredAt:  occurredAt(ev.TimeFired, time.Time{}, raw.ReceivedAt),
	}
	event.Attributes, event.Conflicts = n.normalizeAttributes(measurement, data)
	return event, true, nil
}

func (n *Normalizer) normalizeState(measurement string, hs *hubState) (State, bool) {
	st := State{
		LastChanged: parseHubTime(hs.LastChanged),
		LastUpdated: parseHubTime(hs.LastUpdated),
	}
	if s, isStr := hs.State.(string); isStr {
		st.Raw = s
	}
	v, ok := FromJSON(hs.State)
	if !ok {
		return st, false
	}
	var conflict bool
	st.Value, conflict = n.coerce(measurement, StateKey, v)
	return st, conflict
}

func (n *Normalizer) normalizeAttributes(measurement string, raw map[string]any) (map[string]Value, []string) {
	if len(raw) == 0 {
		return nil, nil
	}
	attrs := make(map[string]Value, len(raw))
	var conflicts []string
	for key, rv := range raw {
		v, ok := FromJSON(rv)
		if !ok {
			continue
		}
		coerced, conflict := n.coerce(measurement, key, v)
		attrs[key] = coerced
		if conflict {
			conflicts = append(conflicts, key)
		}
	}
	slices.Sort(conflicts)
	return attrs, conflicts
}

// coerce applies permissive number parsing and the key's recorded kind.
// conflict reports a value that could not be brought to the recorded kind.
func (n *Normalizer) coerce(measurement, key string, v Value) (Value, bool) {
	declared, known := KindInvalid, false
	if n.hints != nil {
		declared, known = n.hints.KindOf(measurement, key)
	}

	if s, isStr := v.Str(); isStr && (!known || declared != KindString) {
		if f, ok := ParseNumber(s); ok {
			v = Number(f)
		}
	}
	if !known || v.Kind() == declared {
		return v, false
	}
	if c, ok := Coerce(v, declared); ok {
		return c, false
	}
	return v, true
}

// MeasurementFor names the measurement an entity's points belong to.
func MeasurementFor(entityID, unit string) string {
	if unit = strings.TrimSpace(unit); unit != "" {
		return unit
	}
	return DomainOf(entityID)
}

// DomainOf returns the entity domain, e.g. "sensor" for "sensor.temp".
func DomainOf(entityID string) string {
	domain, _, found := strings.Cut(entityID, ".")
	if !found {
		return ""
	}
	return domain
}

func unitOf(attrs map[string]any) string {
	unit, _ := attrs["unit_of_measurement"].(string)
	return unit
}

func entityOf(hs *hubState) string {
	if hs == nil {
		return ""
	}
	return hs.EntityID
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func occurredAt(timeFired string, lastUpdated, received time.Time) time.Time {
	if t := parseHubTime(timeFired); !t.IsZero() {
		return t
	}
	if !lastUpdated.IsZero() {
		return lastUpdated
	}
	return received.UTC()
}

// parseHubTime parses the hub's ISO-8601 timestamps, returning zero on failure.
func parseHubTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
