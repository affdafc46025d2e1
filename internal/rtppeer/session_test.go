package rtppeer

import (
	"strings"
	"testing"
)

func testConfig() Config {
	return Config{
		ICEServers:  ICEServerConfig{StunServer: "stun:stun.example.com:3478"},
		PayloadType: 96,
		BitrateKbps: 1500,
	}
}

func TestNewSessionAssignsIncreasingSSRC(t *testing.T) {
	s1, err := NewSession("peer-1", testConfig())
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer s1.Close()

	s2, err := NewSession("peer-2", testConfig())
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer s2.Close()

	if s2.ssrc <= s1.ssrc {
		t.Errorf("expected strictly increasing SSRC, got %d then %d", s1.ssrc, s2.ssrc)
	}
}

func TestStartOfferDeliversSDPViaSignal(t *testing.T) {
	s, err := NewSession("peer-offer", testConfig())
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer s.Close()

	var gotType string
	var gotSDP string
	s.SetSignalingFunc(func(envelopeType string, payload any) {
		gotType = envelopeType
		gotSDP, _ = payload.(string)
	})

	if err := s.StartOffer(); err != nil {
		t.Fatalf("StartOffer failed: %v", err)
	}

	if gotType != "offer" {
		t.Errorf("expected signal type \"offer\", got %q", gotType)
	}
	if !strings.Contains(gotSDP, "v=0") {
		t.Errorf("expected an SDP body, got %q", gotSDP)
	}
}

func TestHandleCandidateIgnoresEmpty(t *testing.T) {
	s, err := NewSession("peer-cand", testConfig())
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer s.Close()

	// Must not panic; AddICECandidate is never reached for an empty string.
	s.HandleCandidate("", "0")
}

func TestSendNALNoopWhenNotConnected(t *testing.T) {
	s, err := NewSession("peer-send", testConfig())
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer s.Close()

	s.SendNAL([]byte{0x00, 0x00, 0x00, 0x01, 0x65, 0xAA}, 1_000_000)

	stats := s.Stats()
	if stats.RTPPacketsSent != 0 || stats.BytesSent != 0 {
		t.Errorf("expected no packets sent before connected, got %+v", stats)
	}
}

func TestCloseMarksSessionClosed(t *testing.T) {
	s, err := NewSession("peer-close", testConfig())
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}

	if s.IsClosed() {
		t.Fatal("expected session not closed before Close")
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if !s.IsClosed() {
		t.Error("expected session closed after Close")
	}
}

func TestIDReturnsAssignedIdentifier(t *testing.T) {
	s, err := NewSession("peer-id-check", testConfig())
	if err != nil {
		t.Fatalf("NewSession failed: %v", err)
	}
	defer s.Close()

	if s.ID() != "peer-id-check" {
		t.Errorf("expected ID %q, got %q", "peer-id-check", s.ID())
	}
}

func TestConnectionStateStringKnownStates(t *testing.T) {
	// connectionStateString must never return empty for the zero value
	// or any declared webrtc.PeerConnectionState, since it feeds
	// directly into Stats().State.
	if got := connectionStateString(0); got == "" {
		t.Error("expected non-empty string for zero-value state")
	}
}
