// Package gstpipeline builds and wires the GStreamer graphs used by the
// ingest pipeline: test-source, passthrough and re-encode variants, all
// ending in an appsink tap that emits Annex-B NAL buffers.
package gstpipeline

import (
	"strings"

	"github.com/tinyzimmer/go-gst/gst"
)

// ErrorCategory classifies a bus error for telemetry; the reconnect policy
// itself treats all categories identically (see ERROR HANDLING DESIGN).
type ErrorCategory int

const (
	ErrCategoryNetwork ErrorCategory = iota
	ErrCategoryCodec
	ErrCategoryAuth
	ErrCategoryUnknown
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrCategoryNetwork:
		return "network"
	case ErrCategoryCodec:
		return "codec"
	case ErrCategoryAuth:
		return "auth"
	default:
		return "unknown"
	}
}

// ClassifyError analyzes a GStreamer error for telemetry purposes. go-gst's
// GError does not expose a structured domain, so classification falls back
// to keyword matching against the message and debug string.
func ClassifyError(gerr *gst.GError) ErrorCategory {
	if gerr == nil {
		return ErrCategoryUnknown
	}

	msg := strings.ToLower(gerr.Error())
	debug := strings.ToLower(gerr.DebugString())
	combined := msg + " " + debug

	switch {
	case containsAny(combined, "unauthorized", "401", "403", "forbidden", "authentication", "credentials", "password", "username"):
		return ErrCategoryAuth
	case containsAny(combined, "codec", "decode", "encode", "format", "negotiation", "caps", "h264", "not negotiated", "no decoder", "missing plugin"):
		return ErrCategoryCodec
	case containsAny(combined, "connection", "timeout", "unreachable", "network", "dns", "resolve", "socket", "tcp", "udp", "rtsp", "not found", "could not connect", "failed to connect"):
		return ErrCategoryNetwork
	default:
		return ErrCategoryUnknown
	}
}

func containsAny(s string, keywords ...string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
