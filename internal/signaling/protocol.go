package signaling

import "encoding/json"

// envelope is the wire shape for every JSON message exchanged over the
// signaling WebSocket, server- or client-originated.
type envelope struct {
	Type      string          `json:"type"`
	PeerID    string          `json:"peerId,omitempty"`
	SDP       string          `json:"sdp,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Message   string          `json:"message,omitempty"`
	ICEServers []iceServerJSON `json:"iceServers,omitempty"`
	Kbps      int             `json:"kbps,omitempty"`
}

type iceServerJSON struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type candidateData struct {
	Candidate string `json:"candidate"`
	SdpMid    string `json:"sdpMid"`
}

func welcomeEnvelope(peerID string, servers []iceServerJSON) envelope {
	return envelope{Type: "welcome", PeerID: peerID, ICEServers: servers}
}

func offerEnvelope(sdp string) envelope {
	return envelope{Type: "offer", SDP: sdp}
}

func answerEnvelope(sdp string) envelope {
	return envelope{Type: "answer", SDP: sdp}
}

func candidateEnvelope(candidate, sdpMid string) (envelope, error) {
	data, err := json.Marshal(candidateData{Candidate: candidate, SdpMid: sdpMid})
	if err != nil {
		return envelope{}, err
	}
	return envelope{Type: "candidate", Data: data}, nil
}

func errorEnvelope(message string) envelope {
	return envelope{Type: "error", Message: message}
}

func pongEnvelope() envelope {
	return envelope{Type: "pong"}
}
