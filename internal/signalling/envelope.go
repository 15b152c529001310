// Package signalling implements the WebSocket JSON signalling transport:
// the message envelope and URL construction of §4.3/§6, built on
// gorilla/websocket (the one pack repo that actually imports it is
// petervdpas-goop2 — the teacher's own transport is plain HTTP and has no
// WebSocket analogue to adapt).
package signalling

import (
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/google/uuid"
)

// Subprotocol is the signalling WebSocket subprotocol name.
const Subprotocol = "aws.iot.webrtc.signalling.lightcone"

// Envelope is the bidirectional JSON message shape (§6): method, dialog_id,
// riid (outbound only), body.
type Envelope struct {
	Method   string          `json:"method"`
	DialogID string          `json:"dialog_id"`
	RIID     string          `json:"riid,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
}

// NewOutbound builds an outbound envelope with a fresh per-message riid,
// per §4.3 "Outbound": every outbound message carries the current
// dialog_id and a fresh per-message riid.
func NewOutbound(method, dialogID string, body any) (Envelope, error) {
	var raw json.RawMessage
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Envelope{}, fmt.Errorf("signalling: marshal body: %w", err)
		}
		raw = data
	}
	return Envelope{
		Method:   method,
		DialogID: dialogID,
		RIID:     uuid.NewString(),
		Body:     raw,
	}, nil
}

// BuildURL constructs the signalling WebSocket URL (§4.3 step 5). region is
// omitted from the host when empty.
func BuildURL(region, ticket string) string {
	host := "api.prod.signalling.ring.devices.a2z.com"
	if region != "" {
		host = fmt.Sprintf("api.%s.prod.signalling.ring.devices.a2z.com", region)
	}
	clientID := "ring_site-" + uuid.NewString()

	q := url.Values{
		"api_version": {"4.0"},
		"auth_type":   {"ring_solutions"},
		"client_id":   {clientID},
		"token":       {ticket},
	}
	u := url.URL{Scheme: "wss", Host: host, Path: "/ws", RawQuery: q.Encode()}
	return u.String()
}
