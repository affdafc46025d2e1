// Package signaling terminates WebSocket clients and binds each to
// exactly one Peer Session, translating JSON envelopes to registry calls
// and registry/session events back to JSON envelopes.
package signaling

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/e7canasta/camrelay/internal/registry"
	"github.com/e7canasta/camrelay/internal/rtppeer"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ICEServerConfig is a single entry of the welcome envelope's iceServers
// list.
type ICEServerConfig struct {
	URLs       []string
	Username   string
	Credential string
}

// Broker owns the WebSocket listener and the client map binding each
// socket to its peer identifier.
type Broker struct {
	registry   *registry.Registry
	iceServers []ICEServerConfig

	bitrateMu sync.RWMutex
	onBitrate func(kbps int)

	clientsMu sync.Mutex
	clients   map[string]*client
}

type client struct {
	conn    *websocket.Conn
	peerID  string
	writeMu sync.Mutex
}

// New constructs a Broker bound to the given registry. iceServers is
// replicated verbatim into every welcome envelope.
func New(reg *registry.Registry, iceServers []ICEServerConfig) *Broker {
	return &Broker{
		registry:   reg,
		iceServers: iceServers,
		clients:    make(map[string]*client),
		onBitrate:  func(int) {},
	}
}

// SetBitrateHandler installs the callback invoked for "bitrate" control
// messages. Wired by the supervisor to the ingest pipeline's SetBitrate.
func (b *Broker) SetBitrateHandler(fn func(kbps int)) {
	b.bitrateMu.Lock()
	b.onBitrate = fn
	b.bitrateMu.Unlock()
}

// Handler returns the http.HandlerFunc to mount on the signaling port.
func (b *Broker) Handler() http.HandlerFunc {
	return b.handleConn
}

func (b *Broker) handleConn(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("signaling: upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn}

	sig := func(envelopeType string, payload any) {
		b.sendSignal(c, envelopeType, payload)
	}

	peerID, err := b.registry.CreatePeer(rtppeer.SignalingFunc(sig))
	if err != nil {
		slog.Error("signaling: create peer failed", "error", err)
		c.writeEnvelope(errorEnvelope("internal error"))
		conn.Close()
		return
	}
	if peerID == "" {
		c.writeEnvelope(errorEnvelope("Server full, max peers reached"))
		conn.Close()
		return
	}
	c.peerID = peerID

	c.writeEnvelope(welcomeEnvelope(peerID, b.iceServersJSON()))

	b.clientsMu.Lock()
	b.clients[peerID] = c
	b.clientsMu.Unlock()

	b.registry.StartOffer(peerID)

	b.readLoop(c)
}

func (b *Broker) iceServersJSON() []iceServerJSON {
	out := make([]iceServerJSON, 0, len(b.iceServers))
	for _, s := range b.iceServers {
		out = append(out, iceServerJSON{URLs: s.URLs, Username: s.Username, Credential: s.Credential})
	}
	return out
}

// sendSignal translates a Peer Session's local description / candidate
// events into a JSON envelope sent to the bound client.
func (b *Broker) sendSignal(c *client, envelopeType string, payload any) {
	switch envelopeType {
	case "offer":
		c.writeEnvelope(offerEnvelope(payload.(string)))
	case "answer":
		c.writeEnvelope(answerEnvelope(payload.(string)))
	case "candidate":
		cand, ok := payload.(rtppeer.CandidatePayload)
		if !ok {
			return
		}
		env, err := candidateEnvelope(cand.Candidate, cand.SdpMid)
		if err != nil {
			slog.Warn("signaling: failed to encode candidate envelope", "error", err)
			return
		}
		c.writeEnvelope(env)
	}
}

// readLoop owns the single reader goroutine for this connection. It
// dispatches inbound JSON messages and, on any read error, routes to the
// (idempotent) disconnect handler.
func (b *Broker) readLoop(c *client) {
	defer b.disconnect(c)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			slog.Debug("signaling: invalid JSON from client, ignoring", "peer_id", c.peerID, "error", err)
			continue
		}

		b.dispatch(c, env)
	}
}

func (b *Broker) dispatch(c *client, env envelope) {
	switch env.Type {
	case "answer":
		if env.SDP != "" {
			b.registry.HandleAnswer(c.peerID, env.SDP)
		}

	case "candidate":
		var data candidateData
		if len(env.Data) > 0 {
			_ = json.Unmarshal(env.Data, &data)
		}
		mid := data.SdpMid
		if mid == "" {
			mid = "0"
		}
		if data.Candidate != "" {
			b.registry.HandleCandidate(c.peerID, data.Candidate, mid)
		}

	case "ping":
		c.writeEnvelope(pongEnvelope())

	case "bitrate":
		b.bitrateMu.RLock()
		fn := b.onBitrate
		b.bitrateMu.RUnlock()
		if env.Kbps != 0 {
			fn(env.Kbps)
		}

	default:
		slog.Debug("signaling: ignoring unknown message type", "peer_id", c.peerID, "type", env.Type)
	}
}

// disconnect is idempotent: a socket close and a read error both route
// here, and only the first call has any effect.
func (b *Broker) disconnect(c *client) {
	b.clientsMu.Lock()
	existing, ok := b.clients[c.peerID]
	if ok && existing == c {
		delete(b.clients, c.peerID)
	}
	b.clientsMu.Unlock()

	if !ok {
		return
	}

	b.registry.RemovePeer(c.peerID)
	c.conn.Close()
	slog.Info("signaling: client disconnected", "peer_id", c.peerID)
}

func (c *client) writeEnvelope(env envelope) {
	b, err := json.Marshal(env)
	if err != nil {
		slog.Error("signaling: failed to marshal envelope", "error", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		slog.Debug("signaling: write failed", "peer_id", c.peerID, "error", err)
	}
}
