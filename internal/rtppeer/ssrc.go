package rtppeer

import "sync/atomic"

// ssrcCounter is the process-wide SSRC source; starts at 42 to match the
// deployed C++ implementation this package replaces. Overflow past 2^32-1
// is not handled: at one SSRC per session, this allows roughly 2^32 - 42
// sessions over the process lifetime, which is not a realistic ceiling for
// a single camera-relay process.
var ssrcCounter atomic.Uint32

func init() {
	ssrcCounter.Store(42)
}

// nextSSRC returns the next unique SSRC value for a new Peer Session.
func nextSSRC() uint32 {
	return ssrcCounter.Add(1) - 1
}
