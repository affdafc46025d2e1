// Package supervisor wires the ingest pipeline, peer registry, and
// signaling broker into one orchestrated service: ordered startup and
// shutdown, NAL fanout, bitrate control routing, and a watchdog that
// restarts a stalled ingest pipeline.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/e7canasta/camrelay/internal/config"
	"github.com/e7canasta/camrelay/internal/ingest"
	"github.com/e7canasta/camrelay/internal/registry"
	"github.com/e7canasta/camrelay/internal/rtppeer"
	"github.com/e7canasta/camrelay/internal/signaling"
)

const (
	statsInterval    = 10 * time.Second
	watchdogInterval = 10 * time.Second
)

// Supervisor owns the ingest pipeline, peer registry and signaling broker
// for the lifetime of one process run.
type Supervisor struct {
	cfg *config.Config

	pipeline *ingest.Pipeline
	registry *registry.Registry
	broker   *signaling.Broker

	mu        sync.Mutex
	started   time.Time
	isRunning bool

	consecutiveDown int

	wg sync.WaitGroup
}

// New builds a Supervisor from a loaded configuration. Components are
// constructed but not started; call Run.
func New(cfg *config.Config) *Supervisor {
	s := &Supervisor{cfg: cfg}

	s.pipeline = ingest.New(ingestConfig(cfg))

	s.registry = registry.New(cfg.WebRTC.MaxPeers, func() rtppeer.Config {
		return sessionConfig(cfg)
	})

	s.broker = signaling.New(s.registry, iceServers(cfg))
	s.broker.SetBitrateHandler(s.pipeline.SetBitrate)

	s.pipeline.SetNALCallback(func(n ingest.NAL) {
		s.registry.BroadcastNAL(n.Data, n.TimestampUS)
	})

	return s
}

func ingestConfig(cfg *config.Config) ingest.Config {
	variant := ingest.VariantPassthrough
	if cfg.RTSP.URL == "" {
		variant = ingest.VariantTestSource
	} else if !cfg.Encoding.Passthrough {
		variant = ingest.VariantReencode
	}

	return ingest.Config{
		RTSPURL:              cfg.RTSP.URL,
		Transport:            cfg.RTSP.Transport,
		Variant:              variant,
		Width:                1280,
		Height:               720,
		FPS:                  float64(cfg.WebRTC.Video.FPS),
		HWEncode:             cfg.Encoding.HWEncode,
		Preset:               cfg.Encoding.Preset,
		IDRInterval:          cfg.Encoding.IDRInterval,
		InsertSPSPPS:         cfg.Encoding.InsertSPSPPS,
		BitrateKbps:          cfg.WebRTC.Video.BitrateKbps,
		MinBitrateKbps:       cfg.WebRTC.Video.MinBitrateKbps,
		MaxBitrateKbps:       cfg.WebRTC.Video.MaxBitrateKbps,
		ReconnectIntervalMS:  cfg.RTSP.ReconnectIntervalMS,
		ReconnectMaxAttempts: cfg.RTSP.ReconnectMaxAttempts,
	}
}

func sessionConfig(cfg *config.Config) rtppeer.Config {
	return rtppeer.Config{
		ICEServers: rtppeer.ICEServerConfig{
			StunServer:     cfg.WebRTC.StunServer,
			TurnServer:     cfg.WebRTC.TurnServer,
			TurnUsername:   cfg.WebRTC.TurnUsername,
			TurnCredential: cfg.WebRTC.TurnCredential,
		},
		PayloadType: cfg.WebRTC.Video.PayloadType,
		BitrateKbps: cfg.WebRTC.Video.BitrateKbps,
	}
}

func iceServers(cfg *config.Config) []signaling.ICEServerConfig {
	var servers []signaling.ICEServerConfig
	if cfg.WebRTC.StunServer != "" {
		servers = append(servers, signaling.ICEServerConfig{URLs: []string{cfg.WebRTC.StunServer}})
	}
	if cfg.WebRTC.TurnServer != "" {
		servers = append(servers, signaling.ICEServerConfig{
			URLs:       []string{cfg.WebRTC.TurnServer},
			Username:   cfg.WebRTC.TurnUsername,
			Credential: cfg.WebRTC.TurnCredential,
		})
	}
	return servers
}

// BrokerHandler exposes the signaling broker's WebSocket handler for
// mounting on an http.ServeMux.
func (s *Supervisor) BrokerHandler() http.HandlerFunc {
	return s.broker.Handler()
}

// Run starts all components in order (registry, broker is mounted by the
// caller via BrokerHandler, ingest pipeline), then blocks until ctx is
// cancelled, running the stats logger and watchdog in the meantime.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("supervisor: already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	slog.Info("supervisor: starting",
		"max_peers", s.cfg.WebRTC.MaxPeers,
		"signaling_port", s.cfg.Server.SignalingPort,
	)

	s.registry.Start()

	if err := s.pipeline.Start(); err != nil {
		s.registry.Stop()
		return fmt.Errorf("supervisor: start ingest pipeline: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logStats(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.watchPipeline(ctx)
	}()

	slog.Info("supervisor: running")
	<-ctx.Done()

	return s.shutdown()
}

func (s *Supervisor) shutdown() error {
	slog.Info("supervisor: shutting down")

	// Reverse start order: ingest first (stop producing), then registry
	// (drop all peer connections), finally join background goroutines.
	s.pipeline.Stop()
	s.registry.Stop()
	s.wg.Wait()

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	slog.Info("supervisor: shutdown complete", "uptime", uptime)
	return nil
}

func (s *Supervisor) logStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ps := s.pipeline.Stats()
			rs := s.registry.Stats()
			slog.Info("supervisor: stats",
				"pipeline_state", ps.State.String(),
				"frames_received", ps.FramesReceived,
				"bytes_received", ps.BytesReceived,
				"reconnects", ps.ReconnectCount,
				"peer_count", rs.PeerCount,
				"rtp_packets_sent", rs.RTPPacketsSent,
				"bytes_sent", rs.BytesSent,
			)
		}
	}
}

// watchPipeline restarts the ingest pipeline after two consecutive
// non-Playing observations (20s debounce at the 10s sampling interval),
// rather than acting on a single sample that may just be mid-reconnect.
func (s *Supervisor) watchPipeline(ctx context.Context) {
	ticker := time.NewTicker(watchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.pipeline.Stats()
			if st.State == ingest.StatePlaying {
				s.consecutiveDown = 0
				continue
			}

			s.consecutiveDown++
			if s.consecutiveDown < 2 {
				continue
			}

			slog.Warn("supervisor: ingest pipeline appears stuck, forcing restart",
				"state", st.State.String(),
				"consecutive_down", s.consecutiveDown,
			)
			s.pipeline.Stop()
			if err := s.pipeline.Start(); err != nil {
				slog.Error("supervisor: failed to restart ingest pipeline", "error", err)
			}
			s.consecutiveDown = 0
		}
	}
}
