package gstpipeline

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"
)

// TapContext holds the state OnNewSample needs to emit NAL buffers and
// update stats. The callback must not retain the buffer it copies from.
type TapContext struct {
	Emit           func(data []byte, timestampUS int64)
	FramesReceived *atomic.Uint64
	BytesReceived  *atomic.Uint64
	StartedAt      time.Time
}

// OnNewSample pulls one sample from the appsink tap, copies its buffer
// (GStreamer reuses the original), derives a presentation timestamp and
// forwards it to Emit. Returns gst.FlowOK unconditionally: a single bad
// sample must not tear down the pipeline.
func OnNewSample(sink *app.Sink, ctx *TapContext) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		slog.Warn("gstpipeline: failed to pull sample, skipping")
		return gst.FlowOK
	}

	buffer := sample.GetBuffer()
	if buffer == nil {
		slog.Warn("gstpipeline: sample had no buffer, skipping")
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}

	nalData := make([]byte, len(data))
	copy(nalData, data)
	buffer.Unmap()

	timestampUS := timestampFromBuffer(buffer, ctx.StartedAt)

	ctx.FramesReceived.Add(1)
	ctx.BytesReceived.Add(uint64(len(nalData)))

	ctx.Emit(nalData, timestampUS)
	return gst.FlowOK
}

// timestampFromBuffer prefers the buffer's own presentation timestamp
// (nanoseconds, converted to microseconds); if GStreamer hasn't set one,
// falls back to a monotonic clock relative to pipeline start.
func timestampFromBuffer(buffer *gst.Buffer, startedAt time.Time) int64 {
	pts := buffer.PresentationTimestamp()
	if pts > 0 {
		return pts.Microseconds()
	}
	return time.Since(startedAt).Microseconds()
}

// OnPadAdded links a dynamically created rtspsrc pad to the static sink
// pad of the depayloader element once the source negotiates its stream.
func OnPadAdded(srcElement *gst.Element, srcPad *gst.Pad, sinkElement *gst.Element) {
	sinkPad := sinkElement.GetStaticPad("sink")
	if sinkPad == nil {
		slog.Error("gstpipeline: depayloader has no sink pad")
		return
	}
	if sinkPad.IsLinked() {
		return
	}
	if ret := srcPad.Link(sinkPad); ret != gst.PadLinkOK {
		slog.Error("gstpipeline: failed to link dynamic pad", "ret", ret)
		return
	}
	slog.Debug("gstpipeline: dynamic pad linked", "pad", srcPad.GetName())
}
