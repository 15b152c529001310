package notify

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

func TestParseMessageDecodesEventsByKind(t *testing.T) {
	p := &PullSource{}
	payload := []byte(`{
		"resourceUpdate": {
			"name": "enterprises/e/devices/d",
			"events": {
				"doorbotMotionEvent": {"eventId": "evt-1"},
				"doorbotDingEvent": {"eventId": "evt-2", "device_name": "front-door"}
			}
		}
	}`)

	events := p.parseMessage(payload)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}

	byKind := map[string]RawEvent{}
	for _, e := range events {
		byKind[e.Kind] = e
	}

	motion, ok := byKind["doorbotMotionEvent"]
	if !ok {
		t.Fatal("missing doorbotMotionEvent")
	}
	if motion.DeviceName != "enterprises/e/devices/d" {
		t.Errorf("motion.DeviceName = %q, want the resourceUpdate name as fallback", motion.DeviceName)
	}
	if motion.Generic["device_name"] != "enterprises/e/devices/d" {
		t.Errorf("generic device_name fallback not applied: %+v", motion.Generic)
	}

	ding, ok := byKind["doorbotDingEvent"]
	if !ok {
		t.Fatal("missing doorbotDingEvent")
	}
	if ding.Generic["device_name"] != "front-door" {
		t.Errorf("explicit device_name should not be overwritten: %+v", ding.Generic)
	}
}

func TestParseMessageMalformedJSONReturnsNil(t *testing.T) {
	p := &PullSource{}
	if events := p.parseMessage([]byte("not json")); events != nil {
		t.Errorf("expected nil for malformed JSON, got %+v", events)
	}
}

func TestListenPullsDecodesAndAcknowledges(t *testing.T) {
	msgData, _ := json.Marshal(map[string]any{
		"resourceUpdate": map[string]any{
			"name": "enterprises/e/devices/d",
			"events": map[string]any{
				"doorbotDingEvent": map[string]any{"eventId": "evt-1"},
			},
		},
	})
	encoded := base64.StdEncoding.EncodeToString(msgData)

	var pullCount int
	var ackedIDs []string
	var mu sync.Mutex

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case r.URL.Path == "/sub:pull" && pullCount == 0:
			pullCount++
			json.NewEncoder(w).Encode(map[string]any{
				"receivedMessages": []map[string]any{
					{"ackId": "ack-1", "message": map[string]any{"data": encoded, "messageId": "m-1"}},
				},
			})
		case r.URL.Path == "/sub:pull":
			// Subsequent pulls return nothing; the test cancels ctx shortly after.
			json.NewEncoder(w).Encode(map[string]any{"receivedMessages": []map[string]any{}})
		case r.URL.Path == "/sub:acknowledge":
			var body map[string][]string
			json.NewDecoder(r.Body).Decode(&body)
			ackedIDs = append(ackedIDs, body["ackIds"]...)
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer server.Close()

	p := NewPullSource(server.URL, "sub", func() (string, error) { return "tok", nil })

	var received []RawEvent
	var recvMu sync.Mutex
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		p.Listen(ctx, func(ev RawEvent) {
			recvMu.Lock()
			received = append(received, ev)
			recvMu.Unlock()
		})
		close(done)
	}()

	// Give Listen a few pull cycles to observe the one queued message.
	time.Sleep(200 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Listen did not return after context cancellation")
	}

	recvMu.Lock()
	defer recvMu.Unlock()
	if len(received) != 1 {
		t.Fatalf("received %d events, want 1", len(received))
	}
	if received[0].Kind != "doorbotDingEvent" {
		t.Errorf("unexpected event kind %q", received[0].Kind)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(ackedIDs) != 1 || ackedIDs[0] != "ack-1" {
		t.Errorf("ackedIDs = %v, want [ack-1]", ackedIDs)
	}
}

func TestListenReturnsContextErrorOnCancel(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"receivedMessages": []map[string]any{}})
	}))
	defer server.Close()

	p := NewPullSource(server.URL, "sub", func() (string, error) { return "tok", nil })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := p.Listen(ctx, func(RawEvent) {}); err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
