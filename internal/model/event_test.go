package model

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNormaliseGeneric(t *testing.T) {
	cases := []struct {
		name       string
		in         map[string]any
		wantKind   Kind
		wantDevice string
		wantID     string
		wantErr    bool
	}{
		{
			name: "ding with answered flag",
			in: map[string]any{
				"id": "evt-1", "kind": "ding", "answered": true,
				"doorbot": map[string]any{"id": float64(42)},
			},
			wantKind:   KindDing,
			wantDevice: "42",
		},
		{
			name: "motion with numeric score",
			in: map[string]any{
				"id": "evt-2", "kind": "motion", "motion_detection_score": 0.87,
				"doorbot_id": "77",
			},
			wantKind:   KindMotion,
			wantDevice: "77",
		},
		{
			name:    "missing id is an error",
			in:      map[string]any{"kind": "ding"},
			wantErr: true,
		},
		{
			name:    "empty string id is an error",
			in:      map[string]any{"id": "", "kind": "ding"},
			wantErr: true,
		},
		{
			name:     "unrecognised kind still round trips",
			in:       map[string]any{"id": "evt-3", "kind": "doorbell_reboot"},
			wantKind: Kind("doorbell_reboot"),
		},
		{
			name:     "missing kind becomes other",
			in:       map[string]any{"id": "evt-4"},
			wantKind: KindOther,
		},
		{
			name:       "numeric id is coerced to string",
			in:         map[string]any{"id": float64(99), "kind": "motion"},
			wantKind:   KindMotion,
			wantDevice: "",
			wantID:     "99",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ev, err := Normalise(RawEvent{Generic: tc.in})
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got event %+v", ev)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ev.Kind != tc.wantKind {
				t.Errorf("kind = %q, want %q", ev.Kind, tc.wantKind)
			}
			if ev.DeviceID != tc.wantDevice {
				t.Errorf("device_id = %q, want %q", ev.DeviceID, tc.wantDevice)
			}
			if tc.wantID != "" && ev.ID != tc.wantID {
				t.Errorf("id = %q, want %q", ev.ID, tc.wantID)
			}
		})
	}
}

func TestNormaliseGenericDeviceNameFallsBackToDoorbotDescription(t *testing.T) {
	ev, err := Normalise(RawEvent{Generic: map[string]any{
		"id": "evt-9", "kind": "ding",
		"doorbot": map[string]any{"id": "dev-9", "description": "Front"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.DeviceName != "Front" {
		t.Errorf("device_name = %q, want %q (falls back to doorbot.description)", ev.DeviceName, "Front")
	}
}

func TestNormaliseGenericDeviceNamePrefersTopLevelField(t *testing.T) {
	ev, err := Normalise(RawEvent{Generic: map[string]any{
		"id": "evt-10", "kind": "ding", "device_name": "Explicit Name",
		"doorbot": map[string]any{"id": "dev-10", "description": "Ignored"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.DeviceName != "Explicit Name" {
		t.Errorf("device_name = %q, want the top-level field to win", ev.DeviceName)
	}
}

func TestNormaliseGenericDeviceNameDefaultsWhenNoneAvailable(t *testing.T) {
	ev, err := Normalise(RawEvent{Generic: map[string]any{"id": "evt-11", "kind": "ding"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.DeviceName != "Unknown Device" {
		t.Errorf("device_name = %q, want the Unknown Device default", ev.DeviceName)
	}
}

func TestNormaliseKindSpecificFields(t *testing.T) {
	ev, err := Normalise(RawEvent{Generic: map[string]any{
		"id": "evt-ding", "kind": "ding", "answered": true,
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Answered == nil || !*ev.Answered {
		t.Fatalf("expected Answered=true, got %v", ev.Answered)
	}
	if ev.MotionDetectionScore != nil {
		t.Fatalf("ding event must not carry a motion score")
	}

	ev, err = Normalise(RawEvent{Generic: map[string]any{
		"id": "evt-motion", "kind": "motion", "motion_detection_score": 0.42,
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.MotionDetectionScore == nil || *ev.MotionDetectionScore != 0.42 {
		t.Fatalf("expected MotionDetectionScore=0.42, got %v", ev.MotionDetectionScore)
	}
}

func TestNormaliseNative(t *testing.T) {
	now := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	ev, err := Normalise(RawEvent{Native: &NativeEvent{
		ID: "n-1", Kind: "on_demand", CreatedAt: now, DeviceID: "d-1",
		DeviceName: "Front Door", Extra: map[string]any{"requester": "alice@example.com"},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.Requester == nil || *ev.Requester != "alice@example.com" {
		t.Fatalf("expected requester passthrough, got %v", ev.Requester)
	}
	if ev.CreatedAt != now.Format(time.RFC3339) {
		t.Errorf("created_at = %q, want %q", ev.CreatedAt, now.Format(time.RFC3339))
	}
}

func TestNormaliseEmptyRawEventIsError(t *testing.T) {
	if _, err := Normalise(RawEvent{}); err == nil {
		t.Fatal("expected error for an empty RawEvent")
	}
}

// TestEventJSONRoundTripPreservesExtra is the §8 testable property: a
// source field that isn't one of Event's named fields must survive a
// marshal/unmarshal round trip intact.
func TestEventJSONRoundTripPreservesExtra(t *testing.T) {
	score := 0.5
	original := Event{
		ID:                   "evt-1",
		Kind:                 KindMotion,
		CreatedAt:            "2026-07-30T12:00:00Z",
		DeviceID:             "dev-1",
		DeviceName:           "Backyard",
		HasVideo:             false,
		MotionDetectionScore: &score,
		Extra: map[string]any{
			"recording_id": "rec-123",
			"cv_properties": map[string]any{
				"person_detected": true,
			},
		},
	}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var round Event
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if round.ID != original.ID || round.Kind != original.Kind || round.DeviceID != original.DeviceID {
		t.Fatalf("named fields did not survive round trip: got %+v", round)
	}
	if round.Extra["recording_id"] != "rec-123" {
		t.Errorf("Extra[recording_id] = %v, want rec-123", round.Extra["recording_id"])
	}
	cv, ok := round.Extra["cv_properties"].(map[string]any)
	if !ok {
		t.Fatalf("Extra[cv_properties] did not round trip as a map: %v", round.Extra["cv_properties"])
	}
	if cv["person_detected"] != true {
		t.Errorf("nested Extra field lost: %v", cv)
	}

	// Named fields must never leak into Extra.
	if _, ok := round.Extra["id"]; ok {
		t.Error("named field 'id' leaked into Extra")
	}
	if _, ok := round.Extra["motion_detection_score"]; ok {
		t.Error("named field 'motion_detection_score' leaked into Extra")
	}
}

func TestEventJSONRoundTripNilExtra(t *testing.T) {
	original := Event{ID: "evt-2", Kind: KindDing, CreatedAt: "2026-07-30T12:00:00Z", DeviceID: "dev-2"}

	data, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var round Event
	if err := json.Unmarshal(data, &round); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if round.Extra != nil {
		t.Errorf("Extra should be nil when no passthrough fields exist, got %v", round.Extra)
	}
}

func TestWithVideoSetsHasVideoAndPreservesExtra(t *testing.T) {
	original := Event{
		ID: "evt-3", Kind: KindDing, DeviceID: "dev-3",
		Extra: map[string]any{"foo": "bar"},
	}
	updated := original.WithVideo("/data/dev-3/ding/evt-3/video.mp4")

	if !updated.HasVideo {
		t.Error("expected HasVideo=true")
	}
	if updated.VideoPath == nil || *updated.VideoPath != "/data/dev-3/ding/evt-3/video.mp4" {
		t.Errorf("unexpected VideoPath: %v", updated.VideoPath)
	}
	if original.HasVideo {
		t.Error("WithVideo must not mutate the receiver")
	}
	if updated.Extra["foo"] != "bar" {
		t.Error("WithVideo must preserve Extra")
	}
}

func TestCoerceDeviceIDPrefersDoorbotID(t *testing.T) {
	m := map[string]any{
		"doorbot_id": "outer-id",
		"doorbot":    map[string]any{"id": float64(1)},
		"device_id":  "ignored",
	}
	if got := coerceDeviceID(m); got != "outer-id" {
		t.Errorf("coerceDeviceID = %q, want outer-id", got)
	}
}
