// Package registry owns the set of live Peer Sessions: capacity
// enforcement, NAL broadcast fanout, and reaping of closed peers.
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/e7canasta/camrelay/internal/rtppeer"
)

const reaperInterval = 2 * time.Second
const reaperTick = 100 * time.Millisecond

// Stats aggregates registry-wide counters across all live sessions.
type Stats struct {
	PeerCount      int
	RTPPacketsSent uint64
	BytesSent      uint64
}

// Registry is the mutex-guarded map from peer identifier to owning Peer
// Session handle, plus the background reaper that drops closed sessions.
type Registry struct {
	maxPeers int

	mu    sync.Mutex
	peers map[string]*rtppeer.Session

	sessionCfg func() rtppeer.Config

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Registry with the given capacity. sessionCfg is called
// once per CreatePeer to build that session's immutable RTP configuration
// (ICE servers, payload type, bitrate), so configuration changes between
// calls (e.g. from a reloaded file) are picked up per new peer.
func New(maxPeers int, sessionCfg func() rtppeer.Config) *Registry {
	return &Registry{
		maxPeers:   maxPeers,
		peers:      make(map[string]*rtppeer.Session),
		sessionCfg: sessionCfg,
	}
}

// Start spawns the reaper goroutine.
func (r *Registry) Start() {
	r.stopCh = make(chan struct{})
	r.stopOnce = sync.Once{}
	r.wg.Add(1)
	go r.reap()
}

// Stop joins the reaper and clears the map, closing every remaining
// session.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		if r.stopCh != nil {
			close(r.stopCh)
		}
	})
	r.wg.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	for id, s := range r.peers {
		s.Close()
		delete(r.peers, id)
	}
}

// CreatePeer builds a new Peer Session and inserts it into the registry
// under a fresh identifier, or refuses with an empty id when at capacity.
// The session is fully constructed before insertion: by the time this
// returns, any signaling callback passed through sig is safe to use.
func (r *Registry) CreatePeer(sig rtppeer.SignalingFunc) (string, error) {
	r.mu.Lock()
	if len(r.peers) >= r.maxPeers {
		r.mu.Unlock()
		return "", nil
	}
	r.mu.Unlock()

	id, err := generatePeerID()
	if err != nil {
		return "", fmt.Errorf("registry: generate peer id: %w", err)
	}

	session, err := rtppeer.NewSession(id, r.sessionCfg())
	if err != nil {
		return "", fmt.Errorf("registry: create session %s: %w", id, err)
	}
	session.SetSignalingFunc(sig)

	r.mu.Lock()
	if len(r.peers) >= r.maxPeers {
		r.mu.Unlock()
		session.Close()
		return "", nil
	}
	r.peers[id] = session
	r.mu.Unlock()

	slog.Info("registry: peer created", "peer_id", id, "count", r.PeerCount())
	return id, nil
}

func generatePeerID() (string, error) {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "peer-" + hex.EncodeToString(buf), nil
}

// StartOffer looks up the peer and tells it to offer. Missing ids are
// logged and ignored.
func (r *Registry) StartOffer(peerID string) {
	s := r.lookup(peerID)
	if s == nil {
		slog.Warn("registry: start_offer for unknown peer", "peer_id", peerID)
		return
	}
	if err := s.StartOffer(); err != nil {
		slog.Error("registry: start_offer failed", "peer_id", peerID, "error", err)
	}
}

// HandleAnswer looks up the peer and applies the remote answer.
func (r *Registry) HandleAnswer(peerID, sdp string) {
	s := r.lookup(peerID)
	if s == nil {
		slog.Warn("registry: answer for unknown peer", "peer_id", peerID)
		return
	}
	if err := s.HandleAnswer(sdp); err != nil {
		slog.Error("registry: handle_answer failed", "peer_id", peerID, "error", err)
	}
}

// HandleCandidate looks up the peer and applies the remote ICE candidate.
func (r *Registry) HandleCandidate(peerID, candidate, mid string) {
	s := r.lookup(peerID)
	if s == nil {
		slog.Warn("registry: candidate for unknown peer", "peer_id", peerID)
		return
	}
	s.HandleCandidate(candidate, mid)
}

// RemovePeer drops the session by id; the session's Close tears down its
// connection. Safe to call more than once for the same id.
func (r *Registry) RemovePeer(peerID string) {
	r.mu.Lock()
	s, ok := r.peers[peerID]
	if ok {
		delete(r.peers, peerID)
	}
	r.mu.Unlock()

	if ok {
		s.Close()
		slog.Info("registry: peer removed", "peer_id", peerID)
	}
}

// BroadcastNAL forwards one NAL buffer to every connected session. The
// registry mutex is held for the duration: individual sends are
// CPU-bounded RTP packetization with no blocking I/O, so this does not
// stall the broadcast path.
func (r *Registry) BroadcastNAL(data []byte, timestampUS int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.peers {
		if s.IsConnected() {
			s.SendNAL(data, timestampUS)
		}
	}
}

// PeerCount returns the current number of registry entries.
func (r *Registry) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// Stats aggregates per-session statistics under the registry mutex.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := Stats{PeerCount: len(r.peers)}
	for _, s := range r.peers {
		st := s.Stats()
		out.RTPPacketsSent += st.RTPPacketsSent
		out.BytesSent += st.BytesSent
	}
	return out
}

func (r *Registry) lookup(peerID string) *rtppeer.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peers[peerID]
}

// reap wakes every reaperInterval (in reaperTick increments, to remain
// cancellable) and erases every session whose IsClosed is true.
func (r *Registry) reap() {
	defer r.wg.Done()

	for {
		if r.sleepInterruptible(reaperInterval) {
			return
		}

		r.mu.Lock()
		for id, s := range r.peers {
			if s.IsClosed() {
				delete(r.peers, id)
				slog.Debug("registry: reaped closed peer", "peer_id", id)
			}
		}
		r.mu.Unlock()
	}
}

func (r *Registry) sleepInterruptible(d time.Duration) (stopped bool) {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		select {
		case <-r.stopCh:
			return true
		case <-time.After(reaperTick):
		}
	}
	return false
}
