package voicepipe

// CaptureDevice abstracts a platform audio source. Two concerns are exposed:
// a low-latency amplitude spectrum used by the voice activity detector, and
// buffered raw PCM drained on the chunk timer.
//
// The device handle is owned exclusively by the AudioStreamer; the detector
// only borrows a reference for the duration of Start.
type CaptureDevice interface {
	// Open acquires the underlying device. It must be safe to call Close
	// after a failed Open.
	Open() error

	// Close releases the device. Idempotent.
	Close() error

	// Spectrum returns the current amplitude spectrum, one magnitude per
	// frequency bin scaled to 0..255. Implementations should return the
	// most recent analysis window without blocking.
	Spectrum() ([]float64, error)

	// ReadChunk drains the raw audio captured since the previous call.
	// An empty slice with nil error means no new audio (a capture glitch
	// or a very fast poll), which is non-fatal.
	ReadChunk() ([]byte, error)
}

// meanMagnitude reduces one spectrum frame to the average level the detector
// classifies on. Empty frames read as full silence.
func meanMagnitude(bins []float64) float64 {
	if len(bins) == 0 {
		return 0
	}
	var sum float64
	for _, v := range bins {
		sum += v
	}
	return sum / float64(len(bins))
}
