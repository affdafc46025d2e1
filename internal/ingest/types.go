package ingest

import "time"

// NAL is a single Annex-B byte-stream buffer handed to the callback
// installed via Pipeline.SetNALCallback. Data is a fresh copy of the
// GStreamer buffer, made for each sample before the callback runs.
type NAL struct {
	Data        []byte
	TimestampUS int64
}

// NALCallback receives produced NAL buffers on a pipeline-owned goroutine.
// It must return promptly; slow callbacks stall the tap.
type NALCallback func(n NAL)

// State is the discriminated pipeline lifecycle state.
type State int

const (
	StateStopped State = iota
	StateBuilding
	StatePlaying
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateBuilding:
		return "building"
	case StatePlaying:
		return "playing"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Variant selects which of the three graph shapes the Pipeline builds.
type Variant int

const (
	// VariantTestSource synthesizes video when no RTSP URL is configured.
	VariantTestSource Variant = iota
	// VariantPassthrough depayloads and reframes without transcoding.
	VariantPassthrough
	// VariantReencode decodes and re-encodes, exposing a bitrate-controllable encoder.
	VariantReencode
)

// Stats is a snapshot copy of cumulative pipeline counters, safe to read
// without holding the owner's lock.
type Stats struct {
	State           State
	FramesReceived  uint64
	BytesReceived   uint64
	ReconnectCount  uint32
	Connected       bool
	NetworkErrors   uint64
	CodecErrors     uint64
	AuthErrors      uint64
	UnknownErrors   uint64
	LastStateChange time.Time
}

// Config carries the subset of internal/config.Config the ingest pipeline
// needs, isolated so this package does not import the config package
// directly.
type Config struct {
	RTSPURL              string
	Transport            string
	Variant              Variant
	Width                int
	Height                int
	FPS                  float64
	HWEncode             bool
	Preset               string
	IDRInterval          int
	InsertSPSPPS         bool
	BitrateKbps          int
	MinBitrateKbps       int
	MaxBitrateKbps       int
	ReconnectIntervalMS  int
	ReconnectMaxAttempts int
}
