// Package rtcsession wraps a pion *webrtc.PeerConnection configured the way
// the Live-View Client needs it: receive-only video, H264, three public
// STUN servers, ICE-gathering-complete promise, PLI keepalive once
// connected. Adapted from the teacher's internal/webrtc.Session, trimmed to
// video-only (no audio transceiver, no data channel, no HTTP
// extend/stop-stream loop — those belonged to the teacher's SDM transport
// and have no analogue over WebSocket signalling) and with SetAnswer split
// from the supervisory PLI loop so the Live-View Client owns cancellation.
package rtcsession

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// TrackHandler is invoked once per inbound track.
type TrackHandler func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

var stunServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

const pliInterval = 2 * time.Second

// Session wraps one peer connection for one Live-View Client attempt.
type Session struct {
	pc *webrtc.PeerConnection

	mu        sync.Mutex
	closed    bool
	cancelPLI context.CancelFunc
	wg        sync.WaitGroup

	connectedOnce sync.Once
	Connected     chan struct{}

	onICEStateChange func(webrtc.ICEConnectionState)
}

// New builds a recvonly-video peer connection, registers the H264 codec,
// creates an SDP offer, sets it as the local description, and waits for
// ICE gathering per §4.3 step 7: proceed as soon as gathering completes,
// two local candidates are available, or 6s elapse.
func New(onTrack TrackHandler, onICEState func(webrtc.ICEConnectionState)) (*Session, string, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, "", fmt.Errorf("rtcsession: register h264: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))

	iceServers := make([]webrtc.ICEServer, 0, len(stunServers))
	for _, s := range stunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{s}})
	}

	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, "", fmt.Errorf("rtcsession: new peer connection: %w", err)
	}

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		pc.Close()
		return nil, "", fmt.Errorf("rtcsession: add video transceiver: %w", err)
	}

	s := &Session{pc: pc, Connected: make(chan struct{}), onICEStateChange: onICEState}

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if state == webrtc.ICEConnectionStateConnected {
			s.connectedOnce.Do(func() { close(s.Connected) })
		}
		if s.onICEStateChange != nil {
			s.onICEStateChange(state)
		}
	})

	if onTrack != nil {
		pc.OnTrack(onTrack)
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		pc.Close()
		return nil, "", fmt.Errorf("rtcsession: create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		pc.Close()
		return nil, "", fmt.Errorf("rtcsession: set local description: %w", err)
	}

	if err := waitForICEGathering(pc); err != nil {
		pc.Close()
		return nil, "", err
	}

	return s, pc.LocalDescription().SDP, nil
}

// waitForICEGathering blocks until gathering completes, two local
// candidates are seen, or 6s elapse, whichever first (§4.3 step 7).
func waitForICEGathering(pc *webrtc.PeerConnection) error {
	if pc.ICEGatheringState() == webrtc.ICEGatheringStateComplete {
		return nil
	}

	done := make(chan struct{})
	var mu sync.Mutex
	candidateCount := 0

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		mu.Lock()
		candidateCount++
		n := candidateCount
		mu.Unlock()
		if n >= 2 {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})

	gatherDone := webrtc.GatheringCompletePromise(pc)

	timer := time.NewTimer(6 * time.Second)
	defer timer.Stop()

	select {
	case <-gatherDone:
	case <-done:
	case <-timer.C:
	}
	return nil
}

// AddICECandidate adds a remote ICE candidate received over signalling.
func (s *Session) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return s.pc.AddICECandidate(candidate)
}

// SetAnswer applies the remote SDP answer and starts the PLI keepalive
// loop under a cancelable context owned by this session.
func (s *Session) SetAnswer(answerSDP string) error {
	if err := s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  answerSDP,
	}); err != nil {
		return fmt.Errorf("rtcsession: set remote description: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.cancelPLI = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.pliLoop(ctx)

	return nil
}

func (s *Session) pliLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, receiver := range s.pc.GetReceivers() {
				track := receiver.Track()
				if track == nil {
					continue
				}
				_ = s.pc.WriteRTCP([]rtcp.Packet{
					&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())},
				})
			}
		}
	}
}

// ICEConnectionState reports the current ICE state.
func (s *Session) ICEConnectionState() webrtc.ICEConnectionState {
	return s.pc.ICEConnectionState()
}

// Close is idempotent, closes the peer connection and stops the PLI loop.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cancel := s.cancelPLI
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	return s.pc.Close()
}
