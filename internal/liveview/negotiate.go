package liveview

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/brice/clapcore/internal/errs"
	"github.com/brice/clapcore/internal/rtcsession"
	"github.com/brice/clapcore/internal/signalling"
)

type streamOptions struct {
	Audio bool `json:"audio"`
	Video bool `json:"video"`
	PTZ   bool `json:"ptz"`
}

type liveViewBody struct {
	DoorbotID     string        `json:"doorbot_id"`
	SDP           string        `json:"sdp"`
	StreamOptions streamOptions `json:"stream_options"`
}

type sdpBody struct {
	SDP string `json:"sdp"`
}

type sessionCreatedBody struct {
	SessionID string `json:"session_id"`
}

// keepaliveBody is the payload shape for both outbound `ping` and
// `refresh` messages (§4.3 "Keepalive").
type keepaliveBody struct {
	DoorbotID string `json:"doorbot_id"`
	SessionID string `json:"session_id"`
}

type iceCandidateBody struct {
	IceCandidate     string `json:"ice_candidate"`
	SdpMid           string `json:"sdp_mid,omitempty"`
	SdpMLineIndex    int    `json:"sdp_mline_index,omitempty"`
}

// attempt runs one full start sequence (§4.3 steps 1-10). It returns nil
// once both session_created and camera_started have been observed.
func (c *Client) attempt(ctx context.Context) error {
	if _, err := c.cfg.Auth.GetToken(); err != nil {
		refreshCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, _ = c.cfg.Auth.RefreshToken(refreshCtx)
		cancel()
	}

	accountID, err := c.cfg.Auth.GetAccountID(ctx)
	if err != nil || accountID == "" {
		return fmt.Errorf("liveview: %w: %v", errs.ErrAccountIDMissing, err)
	}

	c.newUUIDs()

	pair, err := c.ticketCache.Get(ctx)
	if err != nil {
		return fmt.Errorf("liveview: ticket acquisition: %w", err)
	}

	wsURL := signalling.BuildURL(pair.Region, pair.Ticket)

	sess, offerSDP, err := rtcsession.New(c.onTrack, c.onICEState)
	if err != nil {
		return fmt.Errorf("liveview: peer connection setup: %w", err)
	}
	c.session = sess

	ws, dialErr := signalling.Dial(ctx, wsURL)
	if dialErr != nil {
		sess.Close()
		c.invalidateTicketOnAuthFailure(dialErr)
		return fmt.Errorf("liveview: %w: %v", errs.ErrSignallingHandshakeFailure, dialErr)
	}
	c.ws = ws

	if err := c.send("live_view", liveViewBody{
		DoorbotID: c.cfg.DoorbotID,
		SDP:       offerSDP,
		StreamOptions: streamOptions{
			Audio: false,
			Video: true,
			PTZ:   false,
		},
	}); err != nil {
		ws.Close()
		sess.Close()
		return fmt.Errorf("liveview: send live_view: %w", err)
	}

	sessionCreated, cameraStarted := false, false
	deadline := time.Now().Add(20 * time.Second)

	for !sessionCreated || !cameraStarted {
		if time.Now().After(deadline) {
			ws.Close()
			sess.Close()
			return fmt.Errorf("liveview: timed out waiting for session_created/camera_started")
		}
		if c.stopFlag.Load() {
			ws.Close()
			sess.Close()
			return fmt.Errorf("liveview: stop requested during negotiation")
		}

		env, rerr := ws.Read()
		if rerr != nil {
			if rerr == signalling.ErrReadTimeout {
				continue
			}
			ws.Close()
			sess.Close()
			return fmt.Errorf("liveview: signalling read during negotiation: %w", rerr)
		}
		c.markActivity()

		switch env.Method {
		case "session_created":
			var body sessionCreatedBody
			if perr := unmarshalBody(env, &body); perr == nil {
				c.sessionJWT = body.SessionID
			}
			sessionCreated = true
		case "sdp":
			var body sdpBody
			if perr := unmarshalBody(env, &body); perr == nil {
				sess.SetAnswer(body.SDP)
			}
		case "live_view":
			// live_view with a nested sdp is a distinct inbound case from
			// bare sdp: apply the remote answer but do not finish yet.
			var body liveViewBody
			if perr := unmarshalBody(env, &body); perr == nil && body.SDP != "" {
				sess.SetAnswer(body.SDP)
			}
		case "camera_started":
			cameraStarted = true
		case "icecandidate":
			var body iceCandidateBody
			if perr := unmarshalBody(env, &body); perr == nil {
				sess.AddICECandidate(webrtc.ICECandidateInit{Candidate: body.IceCandidate})
			}
		case "notification":
		case "close":
			code := closeCode(env)
			if code == notReadyCode {
				time.Sleep(notReadyWait)
				continue
			}
			ws.Close()
			sess.Close()
			return fmt.Errorf("liveview: %w (code %d)", errs.ErrPeerClosed, code)
		case "ping":
			c.send("pong", nil)
		case "pong":
		default:
			// unknown method: ignored — nothing to act on here, so drop.
		}
	}

	return nil
}

// invalidateTicketOnAuthFailure forces the next attempt to request a fresh
// ticket when a WebSocket handshake failure is classified as auth-like
// (401/403) or ticket-expired (404) — §4.3's retry policy relies on the
// Ticket Cache and Auth Collaborator recovering before the next retry.
func (c *Client) invalidateTicketOnAuthFailure(err error) {
	var hs *signalling.HandshakeError
	if errors.As(err, &hs) && (hs.IsAuthClass() || hs.IsTicketExpired()) {
		c.ticketCache.Invalidate()
	}
}

func (c *Client) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	c.markActivity()
	if c.cfg.Sink == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.trackMu.Lock()
	c.trackCancel = cancel
	c.trackMu.Unlock()
	if err := c.cfg.Sink.AttachTrack(ctx, track); err != nil {
		c.handleTrackError(err)
	}
}

func (c *Client) onICEState(state webrtc.ICEConnectionState) {
	switch state {
	case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateDisconnected:
		c.iceFailedAt.Store(time.Now().UnixNano())
	case webrtc.ICEConnectionStateConnected:
		c.iceFailedAt.Store(0)
	}
}

func closeCode(env signalling.Envelope) int {
	var body struct {
		Code   int `json:"code"`
		Reason struct {
			Code int `json:"code"`
		} `json:"reason"`
	}
	_ = unmarshalBody(env, &body)
	if body.Reason.Code != 0 {
		return body.Reason.Code
	}
	return body.Code
}

func unmarshalBody(env signalling.Envelope, v any) error {
	if len(env.Body) == 0 {
		return nil
	}
	return json.Unmarshal(env.Body, v)
}
