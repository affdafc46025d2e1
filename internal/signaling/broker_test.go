package signaling

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/e7canasta/camrelay/internal/registry"
	"github.com/e7canasta/camrelay/internal/rtppeer"
)

func testSessionCfg() rtppeer.Config {
	return rtppeer.Config{PayloadType: 96, BitrateKbps: 1500}
}

func newTestServer(t *testing.T, maxPeers int) (*httptest.Server, *registry.Registry) {
	t.Helper()
	reg := registry.New(maxPeers, testSessionCfg)
	reg.Start()
	t.Cleanup(reg.Stop)

	b := New(reg, []ICEServerConfig{{URLs: []string{"stun:stun.example.com:3478"}}})
	srv := httptest.NewServer(b.Handler())
	t.Cleanup(srv.Close)
	return srv, reg
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var env envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read envelope failed: %v", err)
	}
	return env
}

// readEnvelopeSkippingCandidates returns the next envelope that is not a
// trickled "candidate": the session emits those asynchronously once its
// local offer is set, so they can arrive ahead of any reply.
func readEnvelopeSkippingCandidates(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	for {
		env := readEnvelope(t, conn)
		if env.Type != "candidate" {
			return env
		}
	}
}

func TestWelcomeOnConnect(t *testing.T) {
	srv, _ := newTestServer(t, 4)
	conn := dial(t, srv)
	defer conn.Close()

	env := readEnvelope(t, conn)
	if env.Type != "welcome" {
		t.Fatalf("expected welcome, got %q", env.Type)
	}
	if env.PeerID == "" {
		t.Error("expected non-empty peerId")
	}
	if len(env.ICEServers) != 1 {
		t.Errorf("expected 1 ice server, got %d", len(env.ICEServers))
	}
}

func TestOfferFollowsWelcome(t *testing.T) {
	srv, _ := newTestServer(t, 4)
	conn := dial(t, srv)
	defer conn.Close()

	welcome := readEnvelope(t, conn)
	if welcome.Type != "welcome" {
		t.Fatalf("expected welcome first, got %q", welcome.Type)
	}

	offer := readEnvelope(t, conn)
	if offer.Type != "offer" {
		t.Fatalf("expected offer, got %q", offer.Type)
	}
	if offer.SDP == "" {
		t.Error("expected non-empty offer SDP")
	}
}

func TestServerFullRejectsWithError(t *testing.T) {
	srv, _ := newTestServer(t, 1)

	first := dial(t, srv)
	defer first.Close()
	readEnvelope(t, first) // welcome
	readEnvelope(t, first) // offer

	second := dial(t, srv)
	defer second.Close()

	env := readEnvelope(t, second)
	if env.Type != "error" {
		t.Fatalf("expected error envelope, got %q", env.Type)
	}
	if !strings.Contains(env.Message, "full") {
		t.Errorf("expected capacity message, got %q", env.Message)
	}
}

func TestPingPong(t *testing.T) {
	srv, _ := newTestServer(t, 4)
	conn := dial(t, srv)
	defer conn.Close()

	readEnvelope(t, conn) // welcome
	readEnvelope(t, conn) // offer

	if err := conn.WriteJSON(envelope{Type: "ping"}); err != nil {
		t.Fatalf("write ping failed: %v", err)
	}

	env := readEnvelopeSkippingCandidates(t, conn)
	if env.Type != "pong" {
		t.Fatalf("expected pong, got %q", env.Type)
	}
}

func TestUnknownMessageTypeIgnored(t *testing.T) {
	srv, _ := newTestServer(t, 4)
	conn := dial(t, srv)
	defer conn.Close()

	readEnvelope(t, conn) // welcome
	readEnvelope(t, conn) // offer

	if err := conn.WriteJSON(envelope{Type: "frobnicate"}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := conn.WriteJSON(envelope{Type: "ping"}); err != nil {
		t.Fatalf("write ping failed: %v", err)
	}

	env := readEnvelope(t, conn)
	if env.Type != "pong" {
		t.Fatalf("expected pong after ignored unknown message, got %q", env.Type)
	}
}

func TestBitrateForwardedToHandler(t *testing.T) {
	reg := registry.New(4, testSessionCfg)
	reg.Start()
	defer reg.Stop()

	b := New(reg, nil)
	got := make(chan int, 1)
	b.SetBitrateHandler(func(kbps int) { got <- kbps })

	srv := httptest.NewServer(b.Handler())
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()
	readEnvelope(t, conn) // welcome
	readEnvelope(t, conn) // offer

	if err := conn.WriteJSON(envelope{Type: "bitrate", Kbps: 800}); err != nil {
		t.Fatalf("write bitrate failed: %v", err)
	}

	select {
	case kbps := <-got:
		if kbps != 800 {
			t.Errorf("expected 800, got %d", kbps)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bitrate callback")
	}
}

func TestDisconnectRemovesPeerFromRegistry(t *testing.T) {
	srv, reg := newTestServer(t, 4)
	conn := dial(t, srv)
	readEnvelope(t, conn) // welcome
	readEnvelope(t, conn) // offer

	if reg.PeerCount() != 1 {
		t.Fatalf("expected 1 peer before disconnect, got %d", reg.PeerCount())
	}

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.PeerCount() == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("expected peer removed after disconnect, got %d", reg.PeerCount())
}
