// Package model holds the Event Record data type and the normalisation
// logic that turns heterogeneous push-notification payloads into it.
//
// Normalisation is architected as a tagged union (RawEvent) with a single
// Normalise function, rather than dynamic attribute probing of whatever
// shape the notification source handed us: normalise() is the only place
// in the codebase that reads untyped fields.
package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Kind identifies the event kind. Unrecognised kinds still round-trip as a
// Kind value (passthrough), they just carry no kind-specific fields.
type Kind string

const (
	KindDing      Kind = "ding"
	KindMotion    Kind = "motion"
	KindOnDemand  Kind = "on_demand"
	KindOther     Kind = "other"
)

// Event is the Event Record, §3 of the design. Extra is every field the
// source sent that isn't one of the named ones below; it round-trips
// through storage untouched.
type Event struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	CreatedAt  string         `json:"created_at"` // ISO-8601
	DeviceID   string         `json:"device_id"`
	DeviceName string         `json:"device_name"`
	HasVideo   bool           `json:"has_video"`
	VideoPath  *string        `json:"video_path,omitempty"`

	// Kind-specific optional fields.
	Answered             *bool    `json:"answered,omitempty"`
	MotionDetectionScore *float64 `json:"motion_detection_score,omitempty"`
	Requester            *string  `json:"requester,omitempty"`

	Extra map[string]any `json:"-"`
}

// eventAlias mirrors Event's named fields only, used to marshal/unmarshal
// the named half of the record without recursing back into Event's own
// MarshalJSON/UnmarshalJSON.
type eventAlias struct {
	ID         string  `json:"id"`
	Kind       Kind    `json:"kind"`
	CreatedAt  string  `json:"created_at"`
	DeviceID   string  `json:"device_id"`
	DeviceName string  `json:"device_name"`
	HasVideo   bool    `json:"has_video"`
	VideoPath  *string `json:"video_path,omitempty"`

	Answered             *bool    `json:"answered,omitempty"`
	MotionDetectionScore *float64 `json:"motion_detection_score,omitempty"`
	Requester            *string  `json:"requester,omitempty"`
}

// namedFields lists the JSON keys eventAlias owns, so Extra never
// shadows one of them on either side of the round trip.
var namedFields = map[string]bool{
	"id": true, "kind": true, "created_at": true, "device_id": true,
	"device_name": true, "has_video": true, "video_path": true,
	"answered": true, "motion_detection_score": true, "requester": true,
}

// MarshalJSON flattens Extra's passthrough fields into the top-level
// object alongside the named fields, so unknown fields a source sent
// round-trip through storage untouched (§8 testable properties).
func (e Event) MarshalJSON() ([]byte, error) {
	named, err := json.Marshal(eventAlias{
		ID: e.ID, Kind: e.Kind, CreatedAt: e.CreatedAt, DeviceID: e.DeviceID,
		DeviceName: e.DeviceName, HasVideo: e.HasVideo, VideoPath: e.VideoPath,
		Answered: e.Answered, MotionDetectionScore: e.MotionDetectionScore,
		Requester: e.Requester,
	})
	if err != nil {
		return nil, err
	}
	if len(e.Extra) == 0 {
		return named, nil
	}

	out := make(map[string]any, len(e.Extra)+10)
	for k, v := range e.Extra {
		if !namedFields[k] {
			out[k] = v
		}
	}
	var namedMap map[string]any
	if err := json.Unmarshal(named, &namedMap); err != nil {
		return nil, err
	}
	for k, v := range namedMap {
		out[k] = v
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits the object into its named fields plus whatever else
// is left over, stored in Extra.
func (e *Event) UnmarshalJSON(data []byte) error {
	var alias eventAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	e.ID = alias.ID
	e.Kind = alias.Kind
	e.CreatedAt = alias.CreatedAt
	e.DeviceID = alias.DeviceID
	e.DeviceName = alias.DeviceName
	e.HasVideo = alias.HasVideo
	e.VideoPath = alias.VideoPath
	e.Answered = alias.Answered
	e.MotionDetectionScore = alias.MotionDetectionScore
	e.Requester = alias.Requester

	extra := make(map[string]any, len(raw))
	for k, v := range raw {
		if !namedFields[k] {
			extra[k] = v
		}
	}
	if len(extra) > 0 {
		e.Extra = extra
	} else {
		e.Extra = nil
	}
	return nil
}

// Clone returns a deep-enough copy safe to mutate independently; Extra is
// copied shallowly (its values are never mutated in place by this package).
func (e Event) Clone() Event {
	out := e
	if e.Extra != nil {
		out.Extra = make(map[string]any, len(e.Extra))
		for k, v := range e.Extra {
			out.Extra[k] = v
		}
	}
	return out
}

// WithVideo returns a copy with has_video/video_path set, honouring the
// "once true, stays true" and "immutable kind" invariants by construction:
// the caller always starts from the previously stored record.
func (e Event) WithVideo(path string) Event {
	out := e.Clone()
	out.HasVideo = true
	p := path
	out.VideoPath = &p
	return out
}

// RawEvent is the tagged union a NotificationSource hands to Normalise: a
// concrete, source-typed payload (Native) or a loose decoded-JSON map
// (Generic), never both.
type RawEvent struct {
	Native  *NativeEvent
	Generic map[string]any
}

// NativeEvent is the typed shape the bundled notification source already
// knows how to produce without falling back to map probing.
type NativeEvent struct {
	ID         string
	Kind       string
	CreatedAt  time.Time
	DeviceID   string
	DeviceName string
	Extra      map[string]any
}

// Normalise converts a RawEvent into an Event Record. It is the only
// function in the codebase that reads untyped fields.
func Normalise(raw RawEvent) (Event, error) {
	if raw.Native != nil {
		return normaliseNative(*raw.Native), nil
	}
	if raw.Generic != nil {
		return normaliseGeneric(raw.Generic)
	}
	return Event{}, fmt.Errorf("model: empty RawEvent")
}

func normaliseNative(n NativeEvent) Event {
	ev := Event{
		ID:         n.ID,
		Kind:       Kind(n.Kind),
		CreatedAt:  n.CreatedAt.UTC().Format(time.RFC3339),
		DeviceID:   n.DeviceID,
		DeviceName: n.DeviceName,
		Extra:      n.Extra,
	}
	applyKindFields(&ev, n.Extra)
	return ev
}

func normaliseGeneric(m map[string]any) (Event, error) {
	id, err := coerceID(m["id"])
	if err != nil {
		return Event{}, err
	}

	kind := KindOther
	if k, ok := m["kind"].(string); ok && k != "" {
		kind = Kind(k)
	}

	createdAt, err := coerceTimestamp(m["created_at"])
	if err != nil {
		return Event{}, err
	}

	deviceID := coerceDeviceID(m)
	deviceName := coerceDeviceName(m)

	ev := Event{
		ID:         id,
		Kind:       kind,
		CreatedAt:  createdAt,
		DeviceID:   deviceID,
		DeviceName: deviceName,
		Extra:      m,
	}
	applyKindFields(&ev, m)
	return ev, nil
}

func applyKindFields(ev *Event, fields map[string]any) {
	switch ev.Kind {
	case KindDing:
		if v, ok := fields["answered"].(bool); ok {
			ev.Answered = &v
		}
	case KindMotion:
		if v, ok := asFloat(fields["motion_detection_score"]); ok {
			ev.MotionDetectionScore = &v
		}
	case KindOnDemand:
		if v, ok := fields["requester"].(string); ok {
			ev.Requester = &v
		}
	}
}

func coerceID(v any) (string, error) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return "", fmt.Errorf("model: empty event id")
		}
		return t, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), nil
	case int64:
		return strconv.FormatInt(t, 10), nil
	default:
		return "", fmt.Errorf("model: missing or unusable event id")
	}
}

func coerceTimestamp(v any) (string, error) {
	switch t := v.(type) {
	case string:
		if t == "" {
			return time.Now().UTC().Format(time.RFC3339), nil
		}
		// Already ISO-8601-ish; trust the source, don't re-parse strictly.
		return t, nil
	case float64:
		return time.Unix(int64(t), 0).UTC().Format(time.RFC3339), nil
	case nil:
		return time.Now().UTC().Format(time.RFC3339), nil
	default:
		return "", fmt.Errorf("model: unusable created_at value %T", v)
	}
}

func coerceDeviceID(m map[string]any) string {
	if v, ok := m["doorbot_id"]; ok {
		return fmt.Sprint(v)
	}
	if db, ok := m["doorbot"].(map[string]any); ok {
		if id, ok := db["id"]; ok {
			return fmt.Sprint(id)
		}
	}
	if v, ok := m["device_id"].(string); ok {
		return v
	}
	return ""
}

// coerceDeviceName resolves the same top-level-vs-nested ambiguity as
// coerceDeviceID: fall back to doorbot.description when the raw map has no
// top-level device_name, defaulting to "Unknown Device" when neither is
// present.
func coerceDeviceName(m map[string]any) string {
	if v, ok := m["device_name"].(string); ok && v != "" {
		return v
	}
	if db, ok := m["doorbot"].(map[string]any); ok {
		if desc, ok := db["description"].(string); ok && desc != "" {
			return desc
		}
	}
	return "Unknown Device"
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	default:
		return 0, false
	}
}
