package gstpipeline

import (
	"fmt"
	"log/slog"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// BuildConfig describes the graph to construct.
type BuildConfig struct {
	RTSPURL      string
	Transport    string // "tcp" or "udp"
	Width        int
	Height       int
	FPS          float64
	HWEncode     bool
	Preset       string
	IDRInterval  int
	InsertSPSPPS bool
}

// Elements holds references needed after construction: to link dynamic
// pads, drive bitrate changes, and tear the graph down.
type Elements struct {
	Pipeline  *gst.Pipeline
	AppSink   *app.Sink
	RTSPSrc   *gst.Element // nil for the test-source variant
	Encoder   *gst.Element // nil when no encoder is present (passthrough)
	HWEncoder bool
}

// BuildTestSource constructs:
// videotestsrc ! capsfilter ! x264enc ! h264parse ! appsink.
// Used when no RTSP URL is configured.
func BuildTestSource(cfg BuildConfig) (*Elements, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("gstpipeline: create pipeline: %w", err)
	}

	src, err := gst.NewElement("videotestsrc")
	if err != nil {
		return nil, fmt.Errorf("gstpipeline: create videotestsrc: %w", err)
	}
	src.SetProperty("is-live", true)
	src.SetProperty("pattern", 18) // "ball": a moving pattern, easy to eyeball

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, fmt.Errorf("gstpipeline: create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(
		fmt.Sprintf("video/x-raw,width=%d,height=%d,framerate=%d/1", cfg.Width, cfg.Height, int(cfg.FPS))))

	encoder, err := gst.NewElement("x264enc")
	if err != nil {
		return nil, fmt.Errorf("gstpipeline: create x264enc: %w", err)
	}
	applySoftwarePreset(encoder, cfg)

	parser, err := gst.NewElement("h264parse")
	if err != nil {
		return nil, fmt.Errorf("gstpipeline: create h264parse: %w", err)
	}
	applyParameterSetInterval(parser, cfg)

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("gstpipeline: create appsink: %w", err)
	}
	configureTap(appsink)

	pipeline.AddMany(src, capsfilter, encoder, parser, appsink.Element)
	if err := gst.ElementLinkMany(src, capsfilter, encoder, parser, appsink.Element); err != nil {
		return nil, fmt.Errorf("gstpipeline: link test-source pipeline: %w", err)
	}

	return &Elements{Pipeline: pipeline, AppSink: appsink, Encoder: encoder, HWEncoder: false}, nil
}

// BuildPassthrough constructs:
// rtspsrc ! rtph264depay ! h264parse ! appsink.
// No encoder is present; bitrate control on this variant is a no-op.
func BuildPassthrough(cfg BuildConfig) (*Elements, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("gstpipeline: create pipeline: %w", err)
	}

	rtspsrc, err := newRTSPSrc(cfg)
	if err != nil {
		return nil, err
	}

	depay, err := gst.NewElement("rtph264depay")
	if err != nil {
		return nil, fmt.Errorf("gstpipeline: create rtph264depay: %w", err)
	}

	parser, err := gst.NewElement("h264parse")
	if err != nil {
		return nil, fmt.Errorf("gstpipeline: create h264parse: %w", err)
	}
	applyParameterSetInterval(parser, cfg)

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("gstpipeline: create appsink: %w", err)
	}
	configureTap(appsink)

	pipeline.AddMany(rtspsrc, depay, parser, appsink.Element)
	if err := gst.ElementLinkMany(depay, parser, appsink.Element); err != nil {
		return nil, fmt.Errorf("gstpipeline: link passthrough pipeline: %w", err)
	}

	linkPadAddedOnDemux(rtspsrc, depay)

	return &Elements{Pipeline: pipeline, AppSink: appsink, RTSPSrc: rtspsrc}, nil
}

// BuildReencode constructs:
// rtspsrc ! rtph264depay ! h264parse ! decoder ! encoder ! h264parse ! appsink
// with the decoder/encoder pair chosen for hardware or software operation.
func BuildReencode(cfg BuildConfig) (*Elements, error) {
	gst.Init(nil)

	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, fmt.Errorf("gstpipeline: create pipeline: %w", err)
	}

	rtspsrc, err := newRTSPSrc(cfg)
	if err != nil {
		return nil, err
	}

	depay, err := gst.NewElement("rtph264depay")
	if err != nil {
		return nil, fmt.Errorf("gstpipeline: create rtph264depay: %w", err)
	}

	inParser, err := gst.NewElement("h264parse")
	if err != nil {
		return nil, fmt.Errorf("gstpipeline: create h264parse: %w", err)
	}

	decoder, encoder, hwEncoder, err := newCodecPair(cfg)
	if err != nil {
		return nil, err
	}

	outParser, err := gst.NewElement("h264parse")
	if err != nil {
		return nil, fmt.Errorf("gstpipeline: create h264parse (out): %w", err)
	}
	applyParameterSetInterval(outParser, cfg)

	appsink, err := app.NewAppSink()
	if err != nil {
		return nil, fmt.Errorf("gstpipeline: create appsink: %w", err)
	}
	configureTap(appsink)

	pipeline.AddMany(rtspsrc, depay, inParser, decoder, encoder, outParser, appsink.Element)
	if err := gst.ElementLinkMany(depay, inParser, decoder, encoder, outParser, appsink.Element); err != nil {
		return nil, fmt.Errorf("gstpipeline: link re-encode pipeline: %w", err)
	}

	linkPadAddedOnDemux(rtspsrc, depay)

	return &Elements{Pipeline: pipeline, AppSink: appsink, RTSPSrc: rtspsrc, Encoder: encoder, HWEncoder: hwEncoder}, nil
}

func newRTSPSrc(cfg BuildConfig) (*gst.Element, error) {
	rtspsrc, err := gst.NewElement("rtspsrc")
	if err != nil {
		return nil, fmt.Errorf("gstpipeline: create rtspsrc: %w", err)
	}
	rtspsrc.SetProperty("location", cfg.RTSPURL)
	if cfg.Transport == "udp" {
		rtspsrc.SetProperty("protocols", 1) // udp only
	} else {
		rtspsrc.SetProperty("protocols", 4) // tcp only
	}
	rtspsrc.SetProperty("latency", 200)
	return rtspsrc, nil
}

// newCodecPair tries hardware VAAPI elements first when requested, falling
// back to software on construction failure.
func newCodecPair(cfg BuildConfig) (decoder, encoder *gst.Element, hw bool, err error) {
	if cfg.HWEncode {
		decoder, derr := gst.NewElement("vaapih264dec")
		if derr == nil {
			encoder, eerr := gst.NewElement("vaapih264enc")
			if eerr == nil {
				applyHardwarePreset(encoder, cfg)
				slog.Info("gstpipeline: using VAAPI hardware codec pair")
				return decoder, encoder, true, nil
			}
			slog.Warn("gstpipeline: vaapih264enc unavailable, falling back to software", "error", eerr)
		} else {
			slog.Warn("gstpipeline: vaapih264dec unavailable, falling back to software", "error", derr)
		}
	}

	decoder, err = gst.NewElement("avdec_h264")
	if err != nil {
		return nil, nil, false, fmt.Errorf("gstpipeline: create avdec_h264: %w", err)
	}
	encoder, err = gst.NewElement("x264enc")
	if err != nil {
		return nil, nil, false, fmt.Errorf("gstpipeline: create x264enc: %w", err)
	}
	applySoftwarePreset(encoder, cfg)
	return decoder, encoder, false, nil
}

func applySoftwarePreset(encoder *gst.Element, cfg BuildConfig) {
	encoder.SetProperty("tune", 4)      // zerolatency
	encoder.SetProperty("speed-preset", presetOrDefault(cfg.Preset))
	encoder.SetProperty("key-int-max", keyIntervalOrDefault(cfg))
}

func applyHardwarePreset(encoder *gst.Element, cfg BuildConfig) {
	encoder.SetProperty("keyframe-period", uint32(keyIntervalOrDefault(cfg)))
}

func presetOrDefault(preset string) string {
	if preset == "" {
		return "ultrafast"
	}
	return preset
}

func keyIntervalOrDefault(cfg BuildConfig) int {
	if cfg.IDRInterval <= 0 {
		return 30
	}
	return cfg.IDRInterval
}

// applyParameterSetInterval makes SPS/PPS repeatedly embedded in the byte
// stream so a peer joining mid-stream can decode at the next IDR. This is
// applied uniformly to every variant, not only the hardware path (see
// Open Question resolution on insert_sps_pps).
func applyParameterSetInterval(parser *gst.Element, cfg BuildConfig) {
	if !cfg.InsertSPSPPS {
		return
	}
	interval := keyIntervalOrDefault(cfg)
	parser.SetProperty("config-interval", interval)
}

func configureTap(sink *app.Sink) {
	sink.SetProperty("emit-signals", true)
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 5)
	sink.SetProperty("drop", true)
}

func linkPadAddedOnDemux(rtspsrc, sinkElement *gst.Element) {
	rtspsrc.Connect("pad-added", func(src *gst.Element, pad *gst.Pad) {
		OnPadAdded(src, pad, sinkElement)
	})
}
