// Package config loads camrelay's YAML configuration with environment
// variable overrides for deployment-time secrets and tuning.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration record for camrelay.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	RTSP     RTSPConfig     `yaml:"rtsp"`
	WebRTC   WebRTCConfig   `yaml:"webrtc"`
	Encoding EncodingConfig `yaml:"encoding"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the ports the process binds.
type ServerConfig struct {
	SignalingPort int    `yaml:"signaling_port"`
	HTTPPort      int    `yaml:"http_port"`
	WebRoot       string `yaml:"web_root"`
}

// RTSPConfig describes the upstream camera source. An empty URL selects
// the synthetic test pattern source.
type RTSPConfig struct {
	URL                   string `yaml:"url"`
	Transport             string `yaml:"transport"` // "tcp" or "udp"
	LatencyMS             int    `yaml:"latency_ms"`
	ReconnectIntervalMS   int    `yaml:"reconnect_interval_ms"`
	ReconnectMaxAttempts  int    `yaml:"reconnect_max_attempts"` // 0 = unlimited
}

// VideoConfig describes the RTP video track and bitrate envelope.
type VideoConfig struct {
	PayloadType    uint8 `yaml:"payload_type"`
	ClockRate      uint32 `yaml:"clock_rate"`
	BitrateKbps    int   `yaml:"bitrate_kbps"`
	MaxBitrateKbps int   `yaml:"max_bitrate_kbps"`
	MinBitrateKbps int   `yaml:"min_bitrate_kbps"`
	FPS            int   `yaml:"fps"`
}

// WebRTCConfig describes ICE server configuration and fanout limits.
type WebRTCConfig struct {
	StunServer     string      `yaml:"stun_server"`
	TurnServer     string      `yaml:"turn_server"`
	TurnUsername   string      `yaml:"turn_username"`
	TurnCredential string      `yaml:"turn_credential"`
	MaxPeers       int         `yaml:"max_peers"`
	Video          VideoConfig `yaml:"video"`
}

// EncodingConfig selects the ingest pipeline variant and its tuning knobs.
type EncodingConfig struct {
	HWEncode     bool   `yaml:"hw_encode"`
	Passthrough  bool   `yaml:"passthrough"`
	Preset       string `yaml:"preset"`
	IDRInterval  int    `yaml:"idr_interval"`
	InsertSPSPPS bool   `yaml:"insert_sps_pps"`
}

// LoggingConfig controls the slog handler level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			SignalingPort: 8080,
			HTTPPort:      8081,
			WebRoot:       "./web",
		},
		RTSP: RTSPConfig{
			Transport:            "tcp",
			ReconnectIntervalMS:  3000,
			ReconnectMaxAttempts: 0,
		},
		WebRTC: WebRTCConfig{
			StunServer: "stun:stun.cloudflare.com:3478",
			MaxPeers:   4,
			Video: VideoConfig{
				PayloadType:    96,
				ClockRate:      90000,
				BitrateKbps:    4000,
				MaxBitrateKbps: 8000,
				MinBitrateKbps: 500,
				FPS:            30,
			},
		},
		Encoding: EncodingConfig{
			Passthrough:  true,
			Preset:       "ultrafast",
			IDRInterval:  30,
			InsertSPSPPS: true,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path, applies defaults for unset fields, then
// applies environment variable overrides for the subset documented in the
// deployment guide. Fails fast: a missing or malformed file is fatal at
// startup (see error handling design, §7).
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.RTSP.URL = envOr("RTSP_URL", cfg.RTSP.URL)
	cfg.Server.SignalingPort = envIntOr("SIGNALING_PORT", cfg.Server.SignalingPort)
	cfg.WebRTC.StunServer = envOr("STUN_SERVER", cfg.WebRTC.StunServer)
	cfg.WebRTC.TurnServer = envOr("TURN_SERVER", cfg.WebRTC.TurnServer)
	cfg.WebRTC.TurnUsername = envOr("TURN_USERNAME", cfg.WebRTC.TurnUsername)
	cfg.WebRTC.TurnCredential = envOr("TURN_CREDENTIAL", cfg.WebRTC.TurnCredential)
	cfg.WebRTC.Video.BitrateKbps = envIntOr("VIDEO_BITRATE_KBPS", cfg.WebRTC.Video.BitrateKbps)
	cfg.WebRTC.Video.MaxBitrateKbps = envIntOr("VIDEO_MAX_BITRATE_KBPS", cfg.WebRTC.Video.MaxBitrateKbps)
	cfg.Logging.Level = envOr("LOG_LEVEL", cfg.Logging.Level)
}

func envOr(name, fallback string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return fallback
}

func envIntOr(name string, fallback int) int {
	v, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func validate(cfg *Config) error {
	if cfg.Server.SignalingPort <= 0 || cfg.Server.SignalingPort > 65535 {
		return fmt.Errorf("server.signaling_port out of range: %d", cfg.Server.SignalingPort)
	}
	if cfg.WebRTC.MaxPeers <= 0 {
		return fmt.Errorf("webrtc.max_peers must be > 0")
	}
	if cfg.WebRTC.Video.MinBitrateKbps > cfg.WebRTC.Video.MaxBitrateKbps {
		return fmt.Errorf("webrtc.video.min_bitrate_kbps (%d) exceeds max_bitrate_kbps (%d)",
			cfg.WebRTC.Video.MinBitrateKbps, cfg.WebRTC.Video.MaxBitrateKbps)
	}
	if cfg.RTSP.Transport != "tcp" && cfg.RTSP.Transport != "udp" {
		return fmt.Errorf("rtsp.transport must be \"tcp\" or \"udp\", got %q", cfg.RTSP.Transport)
	}
	return nil
}
