package gstpipeline

// SetBitrate clamps kbps to [min, max] and writes the encoder's bitrate
// property. Software encoders (x264enc) take kbps directly; hardware
// encoders (vaapih264enc) take bps, so the value is converted. A nil
// encoder (passthrough variant) makes this a no-op.
func SetBitrate(encoder *Elements, kbps, min, max int) {
	if encoder == nil || encoder.Encoder == nil {
		return
	}

	clamped := kbps
	if clamped < min {
		clamped = min
	}
	if clamped > max {
		clamped = max
	}

	if encoder.HWEncoder {
		encoder.Encoder.SetProperty("bitrate", uint32(clamped*1000))
		return
	}
	encoder.Encoder.SetProperty("bitrate", uint32(clamped))
}
