// Package liveview implements the Live-View Client (§4.3): one instance
// drives one attempt to open and record a live-view session over WebSocket
// signalling. It is the largest component in the daemon, grounded on the
// teacher's internal/webrtc.Session task-per-session-context idiom and on
// original_source/src/capture/live_view_client.py for the state machine,
// signalling protocol, and supervisory task set.
package liveview

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/brice/clapcore/internal/authcollab"
	"github.com/brice/clapcore/internal/cloudapi"
	"github.com/brice/clapcore/internal/logx"
	"github.com/brice/clapcore/internal/retry"
	"github.com/brice/clapcore/internal/rtcsession"
	"github.com/brice/clapcore/internal/signalling"
	"github.com/brice/clapcore/internal/ticket"
)

// Timing constants named directly after §4.3/§5.
const (
	PingInterval        = 5 * time.Second
	ActivityInterval    = 15 * time.Second
	TicketCheckInterval = 30 * time.Minute
	IceRecoveryWindow   = 10 * time.Second
	TaskJoinTimeout      = 2 * time.Second
	PeerCloseTimeout     = 3 * time.Second
	IceGatherTimeout     = 6 * time.Second
	InitialBackoff       = 2 * time.Second
	MaxBackoff           = 30 * time.Second
	MaxRetries           = 3
	HardMaxDuration      = 590 * time.Second
	notReadyCode         = 26
	notReadyWait         = 300 * time.Millisecond
)

// VideoSink is the capability set the Live-View Client needs from the
// Video Sink (§4.1 / §9 polymorphism note).
type VideoSink interface {
	Start() error
	Write(frame any) error
	Close() error
	AttachTrack(ctx context.Context, track *webrtc.TrackRemote) error
}

// Config configures one Client instance.
type Config struct {
	DoorbotID       string
	RequestDuration time.Duration
	Sink            VideoSink
	Auth            authcollab.Collaborator
	CloudAPI        *cloudapi.Client
	WakeEnabled     bool
}

// Client drives one Live-View attempt. It is not reused across attempts:
// the caller constructs a fresh Client (and fresh Sink) per recording.
type Client struct {
	cfg      Config
	duration time.Duration

	ticketCache *ticket.Cache

	mu    sync.Mutex
	state State

	stopFlag  atomic.Bool
	cancelAll context.CancelFunc
	wg        sync.WaitGroup

	session   *rtcsession.Session
	ws        *signalling.Client
	dialogID  string
	sessionID string
	sessionJWT string

	lastActivity atomic.Int64 // unix nano
	connAttempts int

	iceFailedAt   atomic.Int64
	closingOnce   sync.Once

	trackMu     sync.Mutex
	trackCancel context.CancelFunc
}

// New builds a Client for one recording attempt. Duration is clamped to
// HardMaxDuration per §3.
func New(cfg Config) *Client {
	d := cfg.RequestDuration
	if d <= 0 || d > HardMaxDuration {
		d = HardMaxDuration
	}
	return &Client{
		cfg:         cfg,
		duration:    d,
		ticketCache: ticket.New(cfg.CloudAPI, cfg.Auth),
		state:       Idle,
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State reports the client's current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) markActivity() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Client) activitySince() time.Duration {
	last := c.lastActivity.Load()
	if last == 0 {
		return 0
	}
	return time.Since(time.Unix(0, last))
}

// Start runs the start sequence (§4.3), retrying per the session-scoped
// retry policy, and on success launches the connected-phase supervisory
// tasks before returning nil. It blocks until either Connected or the
// retry budget is exhausted.
func (c *Client) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancelAll = cancel

	b := &retry.Backoff{Initial: InitialBackoff, Max: MaxBackoff, Factor: 2, MaxRetries: MaxRetries}
	stopCh := c.stopCh()

	for {
		c.setState(Negotiating)
		err := c.attempt(ctx)
		if err == nil {
			c.connAttempts = 0
			b.Reset()
			c.setState(Connected)
			c.launchSupervisors(ctx)
			return nil
		}

		c.connAttempts++
		logx.Default().Warn("liveview: start attempt failed", "device", c.cfg.DoorbotID, "attempt", c.connAttempts, "err", err)

		if !c.shouldRetry(err) || c.connAttempts >= MaxRetries {
			cancel()
			return fmt.Errorf("liveview: start failed after %d attempts: %w", c.connAttempts, err)
		}
		if serr := b.Sleep(ctx, stopCh); serr != nil {
			cancel()
			return serr
		}
	}
}

// shouldRetry reports whether the session-scoped retry policy (§4.3) keeps
// retrying after this error. Every classified failure here is retryable
// within the backoff budget: auth-class and ticket-expired failures are
// recovered by the Ticket Cache and Auth Collaborator on the next attempt,
// and other transient errors (network, timeout) are worth another try too.
func (c *Client) shouldRetry(err error) bool {
	return true
}

// stopCh returns a channel that closes once stop() has been requested,
// suitable for retry.Backoff.Sleep's early-wake parameter.
func (c *Client) stopCh() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		for !c.stopFlag.Load() {
			time.Sleep(50 * time.Millisecond)
		}
		close(ch)
	}()
	return ch
}

// Stop is idempotent and reentrancy-safe from any supervisory task (§4.3
// "Stop sequence").
func (c *Client) Stop() {
	c.closingOnce.Do(func() {
		c.setState(Closing)
		c.stopFlag.Store(true)

		if c.cancelAll != nil {
			c.cancelAll()
		}

		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(TaskJoinTimeout):
			logx.Default().Warn("liveview: supervisory tasks abandoned after join timeout", "device", c.cfg.DoorbotID)
		}

		c.trackMu.Lock()
		if c.trackCancel != nil {
			c.trackCancel()
		}
		c.trackMu.Unlock()

		if c.session != nil {
			closeDone := make(chan struct{})
			go func() {
				c.session.Close()
				close(closeDone)
			}()
			select {
			case <-closeDone:
			case <-time.After(PeerCloseTimeout):
			}
		}

		if c.ws != nil {
			c.ws.Close()
		}

		if c.cfg.Sink != nil {
			c.cfg.Sink.Close()
		}

		c.setState(Closed)
	})
}

// send is a convenience wrapper binding the client's current dialog_id to
// an outbound envelope and writing it to the signalling channel.
func (c *Client) send(method string, body any) error {
	env, err := signalling.NewOutbound(method, c.dialogID, body)
	if err != nil {
		return err
	}
	return c.ws.Send(env)
}

// newUUIDs resets session_id/dialog_id for a fresh attempt (§4.3 step 3).
func (c *Client) newUUIDs() {
	c.sessionID = uuid.NewString()
	c.dialogID = uuid.NewString()
}
