// Package ingest drives a supervised GStreamer media graph that produces a
// timestamped sequence of H.264 Annex-B NAL buffers, self-healing across
// upstream RTSP failures.
package ingest

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/camrelay/internal/ingest/gstpipeline"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

const reaperTick = 100 * time.Millisecond

// Pipeline owns the media graph's lifecycle: a single supervisor goroutine
// builds, monitors and rebuilds the graph according to the state machine
// documented on State.
type Pipeline struct {
	cfg Config

	mu       sync.Mutex
	state    State
	elements *gstpipeline.Elements

	callback   NALCallback
	callbackMu sync.Mutex

	statsMu  sync.Mutex
	stats    Stats

	// Lock-free counters: frames/bytes are updated from the tap goroutine,
	// reconnects from the supervisor goroutine, always via atomic ops, and
	// read back into Stats() the same way. Never touched while holding
	// statsMu.
	framesReceived atomic.Uint64
	bytesReceived  atomic.Uint64
	reconnectCount atomic.Uint32

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Pipeline in the Stopped state. Call SetNALCallback
// before Start.
func New(cfg Config) *Pipeline {
	return &Pipeline{
		cfg:   cfg,
		state: StateStopped,
		stats: Stats{State: StateStopped},
	}
}

// SetNALCallback installs the sink for produced buffers. Must be called
// before Start.
func (p *Pipeline) SetNALCallback(cb NALCallback) {
	p.callbackMu.Lock()
	p.callback = cb
	p.callbackMu.Unlock()
}

// Start spawns the supervisor goroutine. Idempotent when already running;
// returns nil unconditionally, failures surface via Stats.
func (p *Pipeline) Start() error {
	if !p.running.CompareAndSwap(false, true) {
		return nil
	}
	p.stopCh = make(chan struct{})
	p.stopOnce = sync.Once{}

	p.wg.Add(1)
	go p.supervise()

	slog.Info("ingest: pipeline supervisor started")
	return nil
}

// Stop requests shutdown, transitions to Stopped, and joins the supervisor
// goroutine. Safe to call from any state, including before Start.
func (p *Pipeline) Stop() {
	if !p.running.Load() {
		return
	}
	p.stopOnce.Do(func() {
		close(p.stopCh)
	})
	p.wg.Wait()
	p.running.Store(false)
}

// SetBitrate clamps kbps to the configured range and writes it to the
// active encoder, if any. No-op when no encoder is present or the
// pipeline is not Playing.
func (p *Pipeline) SetBitrate(kbps int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StatePlaying || p.elements == nil {
		return
	}
	gstpipeline.SetBitrate(p.elements, kbps, p.cfg.MinBitrateKbps, p.cfg.MaxBitrateKbps)
}

// Stats returns a snapshot copy under the stats lock, merged with the
// lock-free hot-path counters.
func (p *Pipeline) Stats() Stats {
	p.statsMu.Lock()
	snapshot := p.stats
	p.statsMu.Unlock()

	snapshot.FramesReceived = p.framesReceived.Load()
	snapshot.BytesReceived = p.bytesReceived.Load()
	snapshot.ReconnectCount = p.reconnectCount.Load()
	return snapshot
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()

	p.statsMu.Lock()
	p.stats.State = s
	p.stats.LastStateChange = time.Now()
	if s != StatePlaying {
		p.stats.Connected = false
	}
	p.statsMu.Unlock()
}

// supervise runs the Stopped -> Building -> Playing -> Reconnecting state
// machine until Stop is requested.
func (p *Pipeline) supervise() {
	defer p.wg.Done()

	attempts := 0
	for {
		select {
		case <-p.stopCh:
			p.teardown()
			p.setState(StateStopped)
			return
		default:
		}

		p.setState(StateBuilding)
		elements, err := p.build()
		if err != nil {
			slog.Error("ingest: pipeline build failed", "error", err)
			if p.enterReconnecting(&attempts) {
				return
			}
			continue
		}

		p.mu.Lock()
		p.elements = elements
		p.mu.Unlock()

		if err := elements.Pipeline.SetState(gst.StatePlaying); err != nil {
			slog.Error("ingest: failed to set pipeline playing", "error", err)
			if p.enterReconnecting(&attempts) {
				return
			}
			continue
		}

		p.setState(StatePlaying)
		p.statsMu.Lock()
		p.stats.Connected = true
		p.statsMu.Unlock()
		attempts = 0

		err = p.monitor(elements)
		p.teardownElements(elements)
		if err == errStopRequested {
			p.setState(StateStopped)
			return
		}

		slog.Warn("ingest: pipeline left playing", "error", err)
		if p.enterReconnecting(&attempts) {
			return
		}
	}
}

var errStopRequested = fmt.Errorf("ingest: stop requested")

// enterReconnecting sleeps for the configured fixed interval, interruptible
// at 100ms granularity. Returns true if the supervisor should exit (either
// stop was requested, or reconnect_max_attempts was exhausted).
func (p *Pipeline) enterReconnecting(attempts *int) bool {
	select {
	case <-p.stopCh:
		p.setState(StateStopped)
		return true
	default:
	}

	p.setState(StateReconnecting)
	*attempts++
	p.reconnectCount.Add(1)

	if p.cfg.ReconnectMaxAttempts > 0 && *attempts >= p.cfg.ReconnectMaxAttempts {
		slog.Error("ingest: reconnect attempts exhausted, staying stopped",
			"attempts", *attempts)
		p.setState(StateStopped)
		return true
	}

	interval := time.Duration(p.cfg.ReconnectIntervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 3 * time.Second
	}

	deadline := time.Now().Add(interval)
	for time.Now().Before(deadline) {
		select {
		case <-p.stopCh:
			p.setState(StateStopped)
			return true
		case <-time.After(reaperTick):
		}
	}
	return false
}

func (p *Pipeline) build() (*gstpipeline.Elements, error) {
	bc := gstpipeline.BuildConfig{
		RTSPURL:      p.cfg.RTSPURL,
		Transport:    p.cfg.Transport,
		Width:        p.cfg.Width,
		Height:       p.cfg.Height,
		FPS:          p.cfg.FPS,
		HWEncode:     p.cfg.HWEncode,
		Preset:       p.cfg.Preset,
		IDRInterval:  p.cfg.IDRInterval,
		InsertSPSPPS: p.cfg.InsertSPSPPS,
	}

	var elements *gstpipeline.Elements
	var err error

	switch p.cfg.Variant {
	case VariantTestSource:
		elements, err = gstpipeline.BuildTestSource(bc)
	case VariantPassthrough:
		elements, err = gstpipeline.BuildPassthrough(bc)
	case VariantReencode:
		elements, err = gstpipeline.BuildReencode(bc)
	default:
		return nil, fmt.Errorf("ingest: unknown pipeline variant %v", p.cfg.Variant)
	}
	if err != nil {
		return nil, err
	}

	p.wireTap(elements)
	return elements, nil
}

// wireTap connects the appsink's new-sample signal to OnNewSample, which
// forwards each buffer to the installed NAL callback.
func (p *Pipeline) wireTap(elements *gstpipeline.Elements) {
	startedAt := time.Now()
	ctx := &gstpipeline.TapContext{
		StartedAt:      startedAt,
		FramesReceived: &p.framesReceived,
		BytesReceived:  &p.bytesReceived,
		Emit: func(data []byte, timestampUS int64) {
			p.callbackMu.Lock()
			cb := p.callback
			p.callbackMu.Unlock()
			if cb != nil {
				cb(NAL{Data: data, TimestampUS: timestampUS})
			}
		},
	}
	elements.AppSink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: func(sink *app.Sink) gst.FlowReturn {
			return gstpipeline.OnNewSample(sink, ctx)
		},
	})
}

// monitor polls the pipeline bus until EOS/error (returns that as an
// error to trigger reconnection) or shutdown is requested (returns
// errStopRequested).
func (p *Pipeline) monitor(elements *gstpipeline.Elements) error {
	bus := elements.Pipeline.GetPipelineBus()
	for {
		select {
		case <-p.stopCh:
			return errStopRequested
		default:
		}

		msg := bus.TimedPop(500 * time.Millisecond)
		if msg == nil {
			continue
		}

		switch msg.Type() {
		case gst.MessageEOS:
			return fmt.Errorf("ingest: end of stream")

		case gst.MessageError:
			gerr := msg.ParseError()
			category := gstpipeline.ClassifyError(gerr)
			p.bumpErrorCounter(category)
			slog.Error("ingest: pipeline error", "category", category.String(), "error", gerr.Error())
			return fmt.Errorf("ingest: pipeline error [%s]: %w", category.String(), gerr)

		case gst.MessageStateChanged:
			if msg.Source() == elements.Pipeline.GetName() {
				old, newState := msg.ParseStateChanged()
				slog.Debug("ingest: pipeline state changed", "from", old, "to", newState)
			}
		}
	}
}

func (p *Pipeline) bumpErrorCounter(category gstpipeline.ErrorCategory) {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	switch category {
	case gstpipeline.ErrCategoryNetwork:
		p.stats.NetworkErrors++
	case gstpipeline.ErrCategoryCodec:
		p.stats.CodecErrors++
	case gstpipeline.ErrCategoryAuth:
		p.stats.AuthErrors++
	default:
		p.stats.UnknownErrors++
	}
}

func (p *Pipeline) teardown() {
	p.mu.Lock()
	elements := p.elements
	p.elements = nil
	p.mu.Unlock()
	p.teardownElements(elements)
}

func (p *Pipeline) teardownElements(elements *gstpipeline.Elements) {
	if elements == nil || elements.Pipeline == nil {
		return
	}
	if err := elements.Pipeline.SetState(gst.StateNull); err != nil {
		slog.Warn("ingest: failed to null pipeline", "error", err)
	}
}
