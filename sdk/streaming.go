package voicepipe

import (
	"log/slog"
	"sync"
	"time"

	"github.com/halcyon-health/voicepipe/internal/metrics"
)

const defaultChunkInterval = 200 * time.Millisecond

// ChunkSink receives captured audio. *Conversation implements it; tests use
// in-memory fakes. Sends are fire-and-forget with respect to the capture
// path: a false return signals non-delivery (for example, queued while
// disconnected), which is the transport's concern, not the streamer's.
type ChunkSink interface {
	SendAudioChunk(data []byte, isFinal bool) bool
}

// StreamerOptions configures capture chunking and the embedded detector.
type StreamerOptions struct {
	// ChunkInterval is the capture chunk cadence (default 200ms). The
	// detector samples at least as often; see DetectorOptions.SampleInterval.
	ChunkInterval time.Duration
	VAD           DetectorOptions
}

func (o StreamerOptions) withDefaults() StreamerOptions {
	if o.ChunkInterval <= 0 {
		o.ChunkInterval = defaultChunkInterval
	}
	return o
}

// StreamerCallbacks surface streaming lifecycle events to the caller.
// Utterance is nil on a degraded speech end (capture produced no audio);
// that is notify-only, not an error.
type StreamerCallbacks struct {
	OnSpeechStart func()
	OnSpeechEnd   func(duration time.Duration, utterance []byte)
	OnSilence     func(duration time.Duration)
	OnAudioLevel  func(level float64)
	OnError       func(error)
}

// AudioStreamer owns the capture device, runs the chunk timer, feeds the
// voice activity detector, and forwards audio to the sink only while speech
// is active. On speech end it assembles the buffered chunks into one final
// utterance blob.
type AudioStreamer struct {
	dev  CaptureDevice
	sink ChunkSink
	opts StreamerOptions
	cb   StreamerCallbacks
	log  *slog.Logger

	mu        sync.Mutex
	det       *Detector
	buffer    [][]byte
	speaking  bool
	streaming bool
	stop      chan struct{}
	done      chan struct{}
}

// NewAudioStreamer constructs a streamer. dev and sink must be non-nil by
// StartStreaming time.
func NewAudioStreamer(dev CaptureDevice, sink ChunkSink, opts StreamerOptions, cb StreamerCallbacks) *AudioStreamer {
	return &AudioStreamer{
		dev:  dev,
		sink: sink,
		opts: opts.withDefaults(),
		cb:   cb,
		log:  slog.Default(),
	}
}

// SetLogger overrides the streamer's logger (and its detector's, once started).
func (s *AudioStreamer) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	s.mu.Lock()
	s.log = l
	if s.det != nil {
		s.det.SetLogger(l)
	}
	s.mu.Unlock()
}

// StartStreaming acquires the capture device, wires a detector to the
// streamer's own callbacks, and begins the chunk timer. On any failure the
// partial setup is rolled back completely: no dangling device handle, no
// running detector, no timer.
func (s *AudioStreamer) StartStreaming() error {
	s.mu.Lock()
	if s.streaming {
		s.mu.Unlock()
		return nil
	}
	if s.dev == nil {
		s.mu.Unlock()
		return newCaptureUnavailableError("no capture device configured", nil)
	}
	s.mu.Unlock()

	if err := s.dev.Open(); err != nil {
		_ = s.dev.Close()
		return newCaptureUnavailableError("open capture device", err)
	}

	det := NewDetector(s.opts.VAD, DetectorCallbacks{
		OnSpeechStart: s.handleSpeechStart,
		OnSpeechEnd:   s.handleSpeechEnd,
		OnSilence:     s.cb.OnSilence,
		OnAudioLevel:  s.cb.OnAudioLevel,
		OnError:       s.handleDetectorError,
	})
	det.SetLogger(s.log)
	if err := det.Start(s.dev); err != nil {
		_ = s.dev.Close()
		return err
	}

	s.mu.Lock()
	s.det = det
	s.streaming = true
	s.speaking = false
	s.buffer = nil
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop, done := s.stop, s.done
	interval := s.opts.ChunkInterval
	s.mu.Unlock()

	go s.chunkLoop(interval, stop, done)
	s.log.Info("audio streaming started", "chunk_interval", interval)
	return nil
}

// StopStreaming releases the capture device, detector, and buffered chunks.
// Idempotent and safe to call at any time.
func (s *AudioStreamer) StopStreaming() {
	s.mu.Lock()
	if !s.streaming {
		s.mu.Unlock()
		return
	}
	s.streaming = false
	close(s.stop)
	done := s.done
	det := s.det
	s.det = nil
	s.buffer = nil
	s.speaking = false
	s.mu.Unlock()

	<-done
	if det != nil {
		det.Stop()
	}
	if err := s.dev.Close(); err != nil {
		s.log.Warn("close capture device", "error", err)
	}
	s.log.Info("audio streaming stopped")
}

// IsStreaming reports whether the capture pipeline is running.
func (s *AudioStreamer) IsStreaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

func (s *AudioStreamer) chunkLoop(interval time.Duration, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		data, err := s.dev.ReadChunk()
		if err != nil {
			s.log.Warn("read capture chunk", "error", err)
			s.reportError(newCaptureUnavailableError("read capture chunk", err))
			return
		}
		if len(data) == 0 {
			continue
		}
		s.captureChunk(data)
	}
}

// captureChunk appends one timer chunk to the local buffer unconditionally
// and forwards it to the sink only while the detector reports active speech.
func (s *AudioStreamer) captureChunk(data []byte) {
	s.mu.Lock()
	if !s.streaming {
		s.mu.Unlock()
		return
	}
	s.buffer = append(s.buffer, data)
	forward := s.speaking
	s.mu.Unlock()

	if forward && s.sink != nil {
		// Fire-and-forget: the capture cadence never blocks on delivery.
		s.sink.SendAudioChunk(data, false)
	}
}

// handleSpeechStart clears any buffered pre-roll silence so the eventual
// final blob contains only the current utterance.
func (s *AudioStreamer) handleSpeechStart() {
	s.mu.Lock()
	s.buffer = nil
	s.speaking = true
	s.mu.Unlock()

	s.log.Debug("speech started")
	if s.cb.OnSpeechStart != nil {
		s.cb.OnSpeechStart()
	}
}

// handleSpeechEnd concatenates the buffered utterance into one final blob
// and sends it with isFinal=true. An empty buffer at speech end is a
// degraded, non-fatal condition: the caller is still notified, with no
// audio payload and no final frame sent.
func (s *AudioStreamer) handleSpeechEnd(duration time.Duration) {
	s.mu.Lock()
	chunks := s.buffer
	s.buffer = nil
	s.speaking = false
	s.mu.Unlock()

	var utterance []byte
	if len(chunks) > 0 {
		total := 0
		for _, c := range chunks {
			total += len(c)
		}
		utterance = make([]byte, 0, total)
		for _, c := range chunks {
			utterance = append(utterance, c...)
		}
	}

	if len(utterance) > 0 {
		if s.sink != nil {
			s.sink.SendAudioChunk(utterance, true)
		}
	} else {
		s.log.Warn("speech ended with empty capture buffer", "duration", duration)
	}

	s.log.Debug("speech ended", "duration", duration, "bytes", len(utterance))
	if s.cb.OnSpeechEnd != nil {
		s.cb.OnSpeechEnd(duration, utterance)
	}
}

func (s *AudioStreamer) handleDetectorError(err error) {
	s.log.Error("voice activity detection halted", "error", err)
	s.reportError(err)
}

func (s *AudioStreamer) reportError(err error) {
	if s.cb.OnError == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.IncDispatchPanics()
			s.log.Error("listener panicked", "callback", "onError", "panic", r)
		}
	}()
	s.cb.OnError(err)
}
