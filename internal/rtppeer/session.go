// Package rtppeer owns one browser's WebRTC peer connection: ICE/DTLS
// transport, a single send-only H.264 video track, manual RTP
// packetization of shared NAL buffers, and per-peer statistics.
package rtppeer

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
)

const (
	clockRateHz = 90000
	packetMTU   = 1200
	cnameVideo  = "video-stream"
	msidVideo   = "stream-server"
)

// SignalingFunc is how a Session tells the outside world about local
// descriptions and ICE candidates. envelopeType is "offer", "answer" or
// "candidate"; payload is either raw SDP or a JSON-shaped candidate
// object, depending on envelopeType.
type SignalingFunc func(envelopeType string, payload any)

// CandidatePayload is the JSON shape emitted for local ICE candidates.
type CandidatePayload struct {
	Candidate string `json:"candidate"`
	SdpMid    string `json:"sdpMid"`
}

// ICEServerConfig mirrors webrtc.ICEServer construction inputs.
type ICEServerConfig struct {
	StunServer     string
	TurnServer     string
	TurnUsername   string
	TurnCredential string
}

// Config is the immutable configuration a Session is built with.
type Config struct {
	ICEServers  ICEServerConfig
	PayloadType uint8
	BitrateKbps int
}

// Stats is a point-in-time snapshot of one peer's activity.
type Stats struct {
	State          string
	RTPPacketsSent uint64
	BytesSent      uint64
}

// Session owns one peer connection and its outbound video track.
type Session struct {
	id   string
	ssrc uint32
	cfg  Config

	pc    *webrtc.PeerConnection
	track *webrtc.TrackLocalStaticRTP

	packetizer rtp.Packetizer

	signal SignalingFunc

	connected     atomic.Bool
	closed        atomic.Bool
	needsKeyframe atomic.Bool

	statsMu        sync.Mutex
	state          string
	rtpPacketsSent uint64
	bytesSent      uint64
}

// NewSession assembles ICE servers, disables automatic negotiation,
// assigns the next SSRC, builds the send-only video track plus a manual
// RTP packetization chain, and registers connection lifecycle callbacks.
// The connection does not yet offer; call StartOffer for that.
func NewSession(id string, cfg Config) (*Session, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("rtppeer: register codecs: %w", err)
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, i); err != nil {
		return nil, fmt.Errorf("rtppeer: register interceptors: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(i))

	iceServers := buildICEServers(cfg.ICEServers)

	// Negotiation is driven entirely by StartOffer/HandleAnswer below;
	// pion never creates offers on its own.
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: iceServers,
	})
	if err != nil {
		return nil, fmt.Errorf("rtppeer: create peer connection: %w", err)
	}

	ssrc := nextSSRC()

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: clockRateHz},
		cnameVideo, msidVideo,
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("rtppeer: create video track: %w", err)
	}

	if _, err := pc.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("rtppeer: add video track: %w", err)
	}

	s := &Session{
		id:    id,
		ssrc:  ssrc,
		cfg:   cfg,
		pc:    pc,
		track: track,
		packetizer: rtp.NewPacketizer(
			packetMTU,
			cfg.PayloadType,
			ssrc,
			&codecs.H264Payloader{},
			rtp.NewRandomSequencer(),
			clockRateHz,
		),
		signal: func(string, any) {},
		state:  "new",
	}

	s.registerCallbacks()

	slog.Info("rtppeer: session created", "peer_id", id, "ssrc", ssrc)
	return s, nil
}

// SetSignalingFunc installs the callback used for local descriptions and
// ICE candidates. Must be called before StartOffer.
func (s *Session) SetSignalingFunc(fn SignalingFunc) {
	s.signal = fn
}

func buildICEServers(cfg ICEServerConfig) []webrtc.ICEServer {
	var servers []webrtc.ICEServer
	if cfg.StunServer != "" {
		servers = append(servers, webrtc.ICEServer{URLs: []string{cfg.StunServer}})
	}
	if cfg.TurnServer != "" {
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{cfg.TurnServer},
			Username:   cfg.TurnUsername,
			Credential: cfg.TurnCredential,
		})
	}
	return servers
}

func (s *Session) registerCallbacks() {
	s.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		slog.Debug("rtppeer: ice connection state", "peer_id", s.id, "state", state.String())
	})

	s.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		stateStr := connectionStateString(state)
		slog.Info("rtppeer: connection state changed", "peer_id", s.id, "state", stateStr)

		s.connected.Store(state == webrtc.PeerConnectionStateConnected)
		if state == webrtc.PeerConnectionStateClosed || state == webrtc.PeerConnectionStateFailed {
			s.closed.Store(true)
		}

		s.statsMu.Lock()
		s.state = stateStr
		s.statsMu.Unlock()
	})

	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		cand := c.ToJSON()
		mid := ""
		if cand.SDPMid != nil {
			mid = *cand.SDPMid
		}
		s.signal("candidate", CandidatePayload{Candidate: cand.Candidate, SdpMid: mid})
	})

	s.pc.OnICEGatheringStateChange(func(state webrtc.ICEGatheringState) {
		if state == webrtc.ICEGatheringStateComplete {
			slog.Debug("rtppeer: ice gathering complete", "peer_id", s.id)
		}
	})
}

func connectionStateString(state webrtc.PeerConnectionState) string {
	switch state {
	case webrtc.PeerConnectionStateNew:
		return "new"
	case webrtc.PeerConnectionStateConnecting:
		return "connecting"
	case webrtc.PeerConnectionStateConnected:
		return "connected"
	case webrtc.PeerConnectionStateDisconnected:
		return "disconnected"
	case webrtc.PeerConnectionStateFailed:
		return "failed"
	case webrtc.PeerConnectionStateClosed:
		return "closed"
	default:
		return "new"
	}
}

// StartOffer instructs the peer connection to generate and set a local
// offer, which is delivered to the signaling callback as type "offer".
func (s *Session) StartOffer() error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("rtppeer: create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("rtppeer: set local description: %w", err)
	}
	s.signal("offer", offer.SDP)
	return nil
}

// HandleAnswer applies the remote answer description and marks the next
// send as needing a fresh keyframe.
func (s *Session) HandleAnswer(sdp string) error {
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("rtppeer: set remote description: %w", err)
	}
	s.needsKeyframe.Store(true)
	return nil
}

// HandleCandidate applies a remote ICE candidate. Malformed candidates are
// logged and dropped, never fatal to the session.
func (s *Session) HandleCandidate(candidate, mid string) {
	if candidate == "" {
		return
	}
	init := webrtc.ICECandidateInit{Candidate: candidate, SDPMid: &mid}
	if err := s.pc.AddICECandidate(init); err != nil {
		slog.Warn("rtppeer: failed to add remote ICE candidate", "peer_id", s.id, "error", err)
	}
}

// SendNAL packetizes one Annex-B NAL buffer and writes the resulting RTP
// packets to the track. No-op if not connected or the track isn't open.
func (s *Session) SendNAL(data []byte, timestampUS int64) {
	if !s.connected.Load() || s.closed.Load() {
		return
	}

	rtpTimestamp := uint32((uint64(timestampUS) * clockRateHz / 1_000_000) % (1 << 32))

	// samples=0: the Packetizer's own running timestamp is unused here.
	// Every packet's Timestamp is overwritten below with the absolute
	// value derived from the NAL's own presentation time, since peers
	// may join mid-stream and must see a clock tied to wall time, not
	// to this session's call count.
	packets := s.packetizer.Packetize(data, 0)

	var sent int
	var bytes int
	for _, pkt := range packets {
		pkt.Timestamp = rtpTimestamp
		if err := s.track.WriteRTP(pkt); err != nil {
			slog.Warn("rtppeer: failed to write RTP packet", "peer_id", s.id, "error", err)
			continue
		}
		sent++
		bytes += len(pkt.Payload)
	}

	if sent == 0 {
		return
	}

	s.statsMu.Lock()
	s.rtpPacketsSent += uint64(sent)
	s.bytesSent += uint64(bytes)
	s.statsMu.Unlock()
}

// ID returns the peer identifier assigned at creation.
func (s *Session) ID() string { return s.id }

// IsConnected reports whether the underlying connection is connected.
func (s *Session) IsConnected() bool { return s.connected.Load() }

// IsClosed reports whether the session has reached a terminal state.
func (s *Session) IsClosed() bool { return s.closed.Load() }

// Close tears down the underlying peer connection.
func (s *Session) Close() error {
	s.closed.Store(true)
	return s.pc.Close()
}

// Stats returns a snapshot copy of this peer's cumulative statistics.
func (s *Session) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return Stats{
		State:          s.state,
		RTPPacketsSent: s.rtpPacketsSent,
		BytesSent:      s.bytesSent,
	}
}
