package liveview

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/brice/clapcore/internal/errs"
	"github.com/brice/clapcore/internal/logx"
	"github.com/brice/clapcore/internal/signalling"
	"github.com/brice/clapcore/internal/wake"
)

// wakeSettleDelay is the pause between tearing down the stale
// post-sleep session and attempting a fresh negotiation (§4.3 "Wake
// monitor").
const wakeSettleDelay = 2 * time.Second

// launchSupervisors starts the Connected-phase supervisory tasks (§4.3),
// each tracked in c.wg so Stop can join them with a bounded timeout.
func (c *Client) launchSupervisors(ctx context.Context) {
	c.markActivity()

	tasks := []func(context.Context){
		c.keepaliveTask,
		c.signallingMonitorTask,
		c.iceMonitorTask,
		c.ticketRefresherTask,
		c.timeoutGuardTask,
	}
	if c.cfg.WakeEnabled {
		tasks = append(tasks, c.wakeTask)
	}
	for _, t := range tasks {
		c.wg.Add(1)
		go func(fn func(context.Context)) {
			defer c.wg.Done()
			fn(ctx)
		}(t)
	}
}

// keepaliveTask pings every PingInterval and forces a refresh if no
// inbound activity has been observed for ActivityInterval; three
// consecutive ping failures stop the client.
func (c *Client) keepaliveTask(ctx context.Context) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.stopFlag.Load() {
				return
			}
			if err := c.sendPing(); err != nil {
				failures++
				logx.Default().Warn("liveview: keepalive ping failed", "device", c.cfg.DoorbotID, "failures", failures)
				if failures >= 3 {
					go c.Stop()
					return
				}
				continue
			}
			failures = 0

			if c.activitySince() > ActivityInterval {
				logx.Default().DebugCat(logx.CatSignalling, "liveview: no activity within interval, requesting refresh", "device", c.cfg.DoorbotID)
				if err := c.sendRefresh(); err != nil {
					logx.Default().Warn("liveview: keepalive refresh failed", "device", c.cfg.DoorbotID, "err", err)
				}
			}
		}
	}
}

// sendPing and sendRefresh both carry {doorbot_id, session_id=session_jwt}
// (§4.3 "Keepalive"); refresh uses the identical payload to prevent
// server-side unanswered-timeout eviction.
func (c *Client) sendPing() error {
	return c.send("ping", keepaliveBody{DoorbotID: c.cfg.DoorbotID, SessionID: c.sessionJWT})
}

func (c *Client) sendRefresh() error {
	return c.send("refresh", keepaliveBody{DoorbotID: c.cfg.DoorbotID, SessionID: c.sessionJWT})
}

// signallingMonitorTask owns all inbound WebSocket reads once connected
// (the negotiation phase already consumed the handshake messages). Three
// consecutive read errors are fatal; a connection-reset or 404-shaped
// error invalidates the ticket cache before stopping.
func (c *Client) signallingMonitorTask(ctx context.Context) {
	consecutiveErrors := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if c.stopFlag.Load() {
			return
		}

		env, err := c.ws.Read()
		if err != nil {
			if err == signalling.ErrReadTimeout {
				consecutiveErrors = 0
				continue
			}
			consecutiveErrors++
			logx.Default().Warn("liveview: signalling read error", "device", c.cfg.DoorbotID, "consecutive", consecutiveErrors, "err", err)
			if isResetLike(err) {
				c.ticketCache.Invalidate()
			}
			if consecutiveErrors >= 3 {
				go c.Stop()
				return
			}
			continue
		}
		consecutiveErrors = 0
		c.markActivity()
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env signalling.Envelope) {
	switch env.Method {
	case "sdp":
		var body sdpBody
		if err := unmarshalBody(env, &body); err == nil && c.session != nil {
			c.session.SetAnswer(body.SDP)
		}
	case "live_view":
		var body liveViewBody
		if err := unmarshalBody(env, &body); err == nil && body.SDP != "" && c.session != nil {
			c.session.SetAnswer(body.SDP)
		}
	case "icecandidate":
		var body iceCandidateBody
		if err := unmarshalBody(env, &body); err == nil && c.session != nil {
			c.session.AddICECandidate(webrtc.ICECandidateInit{Candidate: body.IceCandidate})
		}
	case "notification":
	case "close":
		code := closeCode(env)
		if code == notReadyCode {
			return
		}
		go c.Stop()
	case "ping":
		c.send("pong", nil)
	case "pong":
	default:
	}
}

func isResetLike(err error) bool {
	var hs *signalling.HandshakeError
	if errors.As(err, &hs) {
		return hs.IsTicketExpired()
	}
	return errors.Is(err, net.ErrClosed)
}

// iceMonitorTask watches the cached ICE failure timestamp set by
// onICEState; if the connection has not recovered within
// IceRecoveryWindow, the client stops.
func (c *Client) iceMonitorTask(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.stopFlag.Load() {
				return
			}
			failedAt := c.iceFailedAt.Load()
			if failedAt == 0 {
				continue
			}
			if time.Since(time.Unix(0, failedAt)) > IceRecoveryWindow {
				logx.Default().Warn("liveview: ice recovery window elapsed", "device", c.cfg.DoorbotID, "err", errs.ErrIceFailed)
				go c.Stop()
				return
			}
		}
	}
}

// ticketRefresherTask proactively refreshes the ticket every
// TicketCheckInterval regardless of use, per §4.2's "30-minute staleness"
// design note; failures are retried after a backoff that doubles from 5s
// up to MaxBackoff rather than stopping the client, since the cache itself
// falls back to the stale ticket on exhaustion.
func (c *Client) ticketRefresherTask(ctx context.Context) {
	ticker := time.NewTicker(TicketCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.stopFlag.Load() {
				return
			}
			c.ticketCache.Invalidate()
			delay := 5 * time.Second
			for {
				_, err := c.ticketCache.Get(ctx)
				if err == nil {
					break
				}
				logx.Default().Warn("liveview: proactive ticket refresh failed", "device", c.cfg.DoorbotID, "err", err, "retry_in", delay)
				select {
				case <-ctx.Done():
					return
				case <-time.After(delay):
				}
				if c.stopFlag.Load() {
					return
				}
				delay = min(2*delay, MaxBackoff)
			}
		}
	}
}

// timeoutGuardTask enforces the single requested/clamped MAX_DURATION for
// this recording attempt.
func (c *Client) timeoutGuardTask(ctx context.Context) {
	timer := time.NewTimer(c.duration)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
		logx.Default().DebugCat(logx.CatWebRTC, "liveview: max duration reached", "device", c.cfg.DoorbotID)
		go c.Stop()
	}
}

// handleTrackError classifies an AttachTrack failure: a reset-like network
// error invalidates the ticket and stops the client; other network errors
// stop it directly; anything else is logged and tolerated, matching §4.3's
// track-handler error policy.
func (c *Client) handleTrackError(err error) {
	if err == nil {
		return
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if isResetLike(err) {
			c.ticketCache.Invalidate()
		}
		logx.Default().Warn("liveview: track network error, stopping", "device", c.cfg.DoorbotID, "err", err)
		go c.Stop()
		return
	}
	logx.Default().Warn("liveview: track error tolerated", "device", c.cfg.DoorbotID, "err", err)
}

// wakeTask runs the Wake Monitor for the lifetime of the Connected phase,
// only when cfg.WakeEnabled (§4.4). It fires restartConnection on a
// detected wake event and just logs on a detected sleep/outage.
func (c *Client) wakeTask(ctx context.Context) {
	monitor := wake.New(0)
	monitor.OnSleep(func() {
		logx.Default().Warn("liveview: wake monitor detected an outage", "device", c.cfg.DoorbotID)
	})
	monitor.OnWake(func() {
		logx.Default().Info("liveview: wake monitor detected recovery, restarting connection", "device", c.cfg.DoorbotID)
		go c.restartConnection(ctx)
	})
	monitor.Run(ctx)
}

// restartConnection implements the wake-monitor recovery path (§4.3 "Wake
// monitor"): tear down the stale session/websocket, reset connAttempts,
// wait the settle delay, then renegotiate in place without relaunching the
// Connected-phase supervisory tasks (they're already running).
func (c *Client) restartConnection(ctx context.Context) {
	if c.stopFlag.Load() {
		return
	}
	c.setState(Negotiating)
	if c.session != nil {
		c.session.Close()
	}
	if c.ws != nil {
		c.ws.Close()
	}
	c.connAttempts = 0

	select {
	case <-time.After(wakeSettleDelay):
	case <-ctx.Done():
		return
	}
	if c.stopFlag.Load() {
		return
	}

	if err := c.attempt(ctx); err != nil {
		logx.Default().Warn("liveview: post-wake reconnect failed, stopping", "device", c.cfg.DoorbotID, "err", err)
		go c.Stop()
		return
	}
	c.setState(Connected)
}
