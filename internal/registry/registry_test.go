package registry

import (
	"testing"
	"time"

	"github.com/e7canasta/camrelay/internal/rtppeer"
)

func testSessionCfg() rtppeer.Config {
	return rtppeer.Config{PayloadType: 96, BitrateKbps: 1500}
}

func noopSignal(string, any) {}

func TestCreatePeerUpToCapacity(t *testing.T) {
	r := New(2, testSessionCfg)
	r.Start()
	defer r.Stop()

	id1, err := r.CreatePeer(noopSignal)
	if err != nil {
		t.Fatalf("CreatePeer failed: %v", err)
	}
	if id1 == "" {
		t.Fatal("expected non-empty peer id")
	}

	id2, err := r.CreatePeer(noopSignal)
	if err != nil {
		t.Fatalf("CreatePeer failed: %v", err)
	}
	if id2 == "" {
		t.Fatal("expected non-empty peer id")
	}
	if id1 == id2 {
		t.Fatal("expected distinct peer ids")
	}

	id3, err := r.CreatePeer(noopSignal)
	if err != nil {
		t.Fatalf("CreatePeer at capacity should not error: %v", err)
	}
	if id3 != "" {
		t.Errorf("expected empty id when at capacity, got %q", id3)
	}

	if r.PeerCount() != 2 {
		t.Errorf("expected 2 peers, got %d", r.PeerCount())
	}
}

func TestRemovePeerIsIdempotent(t *testing.T) {
	r := New(4, testSessionCfg)
	r.Start()
	defer r.Stop()

	id, err := r.CreatePeer(noopSignal)
	if err != nil {
		t.Fatalf("CreatePeer failed: %v", err)
	}

	r.RemovePeer(id)
	if r.PeerCount() != 0 {
		t.Errorf("expected 0 peers after remove, got %d", r.PeerCount())
	}

	// Second removal of the same (already gone) id must not panic or error.
	r.RemovePeer(id)
}

func TestUnknownPeerOperationsAreIgnored(t *testing.T) {
	r := New(4, testSessionCfg)
	r.Start()
	defer r.Stop()

	// None of these should panic for an id that was never created.
	r.StartOffer("peer-ghost")
	r.HandleAnswer("peer-ghost", "v=0\r\n")
	r.HandleCandidate("peer-ghost", "candidate:1 1 udp 1 1.2.3.4 1 typ host", "0")
}

func TestBroadcastNALOnlyReachesConnectedPeers(t *testing.T) {
	r := New(4, testSessionCfg)
	r.Start()
	defer r.Stop()

	_, err := r.CreatePeer(noopSignal)
	if err != nil {
		t.Fatalf("CreatePeer failed: %v", err)
	}

	// Peer is not yet connected (no ICE handshake in a unit test), so the
	// broadcast must not panic and must not count as a send.
	r.BroadcastNAL([]byte{0x00, 0x00, 0x00, 0x01, 0x65}, 1_000)

	stats := r.Stats()
	if stats.RTPPacketsSent != 0 {
		t.Errorf("expected 0 packets sent to an unconnected peer, got %d", stats.RTPPacketsSent)
	}
}

func TestGeneratePeerIDFormat(t *testing.T) {
	id, err := generatePeerID()
	if err != nil {
		t.Fatalf("generatePeerID failed: %v", err)
	}
	if len(id) != len("peer-")+8 {
		t.Errorf("expected id of length %d, got %d (%q)", len("peer-")+8, len(id), id)
	}
	if id[:5] != "peer-" {
		t.Errorf("expected peer- prefix, got %q", id)
	}
}

func TestStopClosesAllRemainingPeers(t *testing.T) {
	r := New(4, testSessionCfg)
	r.Start()

	id, err := r.CreatePeer(noopSignal)
	if err != nil {
		t.Fatalf("CreatePeer failed: %v", err)
	}
	if id == "" {
		t.Fatal("expected peer to be created")
	}

	r.Stop()

	if r.PeerCount() != 0 {
		t.Errorf("expected registry emptied after Stop, got %d", r.PeerCount())
	}
}

func TestReaperRemovesClosedSessions(t *testing.T) {
	r := New(4, testSessionCfg)
	r.Start()
	defer r.Stop()

	id, err := r.CreatePeer(noopSignal)
	if err != nil {
		t.Fatalf("CreatePeer failed: %v", err)
	}

	s := r.lookup(id)
	if s == nil {
		t.Fatal("expected to find just-created session")
	}
	s.Close()

	deadline := time.Now().Add(reaperInterval + 2*time.Second)
	for time.Now().Before(deadline) {
		if r.PeerCount() == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("expected reaper to remove closed session, PeerCount=%d", r.PeerCount())
}
