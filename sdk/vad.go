package voicepipe

import (
	"log/slog"
	"sync"
	"time"

	"github.com/halcyon-health/voicepipe/internal/metrics"
)

const (
	defaultSilenceThreshold  = 15.0
	defaultSilenceTimeout    = 1500 * time.Millisecond
	defaultMinSpeechDuration = 300 * time.Millisecond
	defaultMaxSpeechDuration = 30 * time.Second
	defaultSampleInterval    = 16 * time.Millisecond // ~60 Hz

	ambientWindowSize = 20
	minAdaptive       = 10.0
	maxAdaptive       = 50.0
	adaptiveFactor    = 1.5

	silenceEventInterval = time.Second
)

// DetectorOptions configures voice activity detection. The zero value of any
// field falls back to its default.
type DetectorOptions struct {
	// SilenceThreshold is the initial speech/silence boundary on the 0..255
	// level scale. When adaptive thresholding is on it is recomputed from
	// ambient samples and clamped to [10, 50].
	SilenceThreshold float64
	// SilenceTimeout is how long a mid-utterance pause may run before the
	// utterance is committed as ended.
	SilenceTimeout time.Duration
	// MinSpeechDuration gates out bursts too short to be speech.
	MinSpeechDuration time.Duration
	// MaxSpeechDuration force-closes utterances that never go silent.
	MaxSpeechDuration time.Duration
	// SampleInterval is the classification cadence. It should be at least
	// as frequent as the streamer's chunk interval.
	SampleInterval time.Duration
	// DisableAdaptive pins the threshold to SilenceThreshold.
	DisableAdaptive bool
}

func (o DetectorOptions) withDefaults() DetectorOptions {
	if o.SilenceThreshold <= 0 {
		o.SilenceThreshold = defaultSilenceThreshold
	}
	if o.SilenceTimeout <= 0 {
		o.SilenceTimeout = defaultSilenceTimeout
	}
	if o.MinSpeechDuration <= 0 {
		o.MinSpeechDuration = defaultMinSpeechDuration
	}
	if o.MaxSpeechDuration <= 0 {
		o.MaxSpeechDuration = defaultMaxSpeechDuration
	}
	if o.SampleInterval <= 0 {
		o.SampleInterval = defaultSampleInterval
	}
	return o
}

// DetectorCallbacks receive classification events. All callbacks are invoked
// from the sampling goroutine; a panic inside any callback is recovered and
// logged, and never halts sampling or suppresses sibling callbacks.
type DetectorCallbacks struct {
	OnSpeechStart func()
	OnSpeechEnd   func(duration time.Duration)
	OnSilence     func(duration time.Duration)
	OnAudioLevel  func(level float64)
	OnError       func(error)
}

// Detector classifies an audio stream into speech and silence intervals
// using an adaptive amplitude threshold plus minimum and maximum duration
// gates. A fixed threshold alone is noisy in variable ambient conditions;
// the rolling ambient window prevents false triggers on background noise,
// and the duration gates drop sub-speech blips and close runaway utterances.
type Detector struct {
	mu   sync.Mutex
	opts DetectorOptions
	cb   DetectorCallbacks
	log  *slog.Logger

	inSpeech     bool
	speechStart  time.Time // zero when not timing an utterance
	silenceStart time.Time // zero unless timing a mid-utterance pause

	ambient    [ambientWindowSize]float64
	ambientLen int
	ambientIdx int
	threshold  float64

	silenceBase      time.Time // entry into the current silence run
	lastSilenceEvent time.Time

	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewDetector constructs a detector. Callbacks may be partially populated.
func NewDetector(opts DetectorOptions, cb DetectorCallbacks) *Detector {
	opts = opts.withDefaults()
	return &Detector{
		opts:      opts,
		cb:        cb,
		log:       slog.Default(),
		threshold: opts.SilenceThreshold,
	}
}

// SetLogger overrides the detector's logger.
func (d *Detector) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	d.mu.Lock()
	d.log = l
	d.mu.Unlock()
}

// Start begins sampling dev at the configured cadence. The detector never
// owns the device; dev must already be open and stays open after Stop.
// It returns ErrCaptureUnavailable if dev is nil or not readable.
func (d *Detector) Start(dev CaptureDevice) error {
	if dev == nil {
		return newCaptureUnavailableError("no capture device", nil)
	}
	if _, err := dev.Spectrum(); err != nil {
		return newCaptureUnavailableError("capture device not readable", err)
	}

	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.stop = make(chan struct{})
	d.done = make(chan struct{})
	interval := d.opts.SampleInterval
	stop, done := d.stop, d.done
	d.mu.Unlock()

	go d.sampleLoop(dev, interval, stop, done)
	return nil
}

// Stop tears down the sampling loop. Safe to call at any time, including
// before Start and repeatedly.
func (d *Detector) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stop)
	done := d.done
	d.mu.Unlock()

	<-done
}

// UpdateOptions applies new tuning live. Zero fields keep their defaults;
// detection state (current utterance, ambient window) is preserved.
func (d *Detector) UpdateOptions(opts DetectorOptions) {
	opts = opts.withDefaults()
	d.mu.Lock()
	d.opts = opts
	if opts.DisableAdaptive {
		d.threshold = opts.SilenceThreshold
	}
	d.mu.Unlock()
}

// Threshold reports the current (possibly adapted) threshold.
func (d *Detector) Threshold() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.threshold
}

// IsSpeaking reports whether the detector currently classifies the stream
// as active speech.
func (d *Detector) IsSpeaking() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inSpeech
}

func (d *Detector) sampleLoop(dev CaptureDevice, interval time.Duration, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		bins, err := dev.Spectrum()
		if err != nil {
			// Sampling errors halt the loop; they are reported, not thrown.
			d.invoke("onError", func() {
				if d.cb.OnError != nil {
					d.cb.OnError(newCaptureUnavailableError("spectrum read failed", err))
				}
			})
			return
		}
		d.step(meanMagnitude(bins), time.Now())
	}
}

// step runs one classification pass. It is the whole state machine; the
// sampling loop only feeds it levels and timestamps.
func (d *Detector) step(level float64, now time.Time) {
	d.mu.Lock()

	if !d.opts.DisableAdaptive && !d.inSpeech {
		d.ambient[d.ambientIdx] = level
		d.ambientIdx = (d.ambientIdx + 1) % ambientWindowSize
		if d.ambientLen < ambientWindowSize {
			d.ambientLen++
		}
		var sum float64
		for i := 0; i < d.ambientLen; i++ {
			sum += d.ambient[i]
		}
		d.threshold = clampFloat(sum/float64(d.ambientLen)*adaptiveFactor, minAdaptive, maxAdaptive)
	}

	active := level > d.threshold
	var events []func()

	switch {
	case !d.inSpeech && active:
		d.inSpeech = true
		d.speechStart = now
		d.silenceStart = time.Time{}
		events = append(events, d.speechStartEvent())

	case d.inSpeech && !active:
		if d.silenceStart.IsZero() {
			d.silenceStart = now
		}
		if now.Sub(d.silenceStart) > d.opts.SilenceTimeout {
			// The utterance ended when the pause began; the voiced span is
			// what the duration gates and the emitted duration measure.
			// speechStart can be zero right after a max-duration force end;
			// that remainder never met the minimum on its own.
			voiced := time.Duration(0)
			if !d.speechStart.IsZero() {
				voiced = d.silenceStart.Sub(d.speechStart)
			}
			if voiced > d.opts.MinSpeechDuration {
				events = append(events, d.speechEndEvent(voiced))
			}
			d.inSpeech = false
			d.speechStart = time.Time{}
			d.silenceStart = time.Time{}
			d.silenceBase = now
			d.lastSilenceEvent = now
		}

	case d.inSpeech && active:
		d.silenceStart = time.Time{}
		if d.speechStart.IsZero() {
			// Re-arm after a forced end without leaving Speech.
			d.speechStart = now
			events = append(events, d.speechStartEvent())
		} else if now.Sub(d.speechStart) > d.opts.MaxSpeechDuration {
			dur := now.Sub(d.speechStart)
			d.speechStart = time.Time{}
			events = append(events, d.speechEndEvent(dur))
		}

	default: // silence, still silent
		if d.silenceBase.IsZero() {
			d.silenceBase = now
			d.lastSilenceEvent = now
		}
		if now.Sub(d.lastSilenceEvent) >= silenceEventInterval {
			d.lastSilenceEvent = now
			dur := now.Sub(d.silenceBase)
			if d.cb.OnSilence != nil {
				cb := d.cb.OnSilence
				events = append(events, func() { cb(dur) })
			}
		}
	}

	levelCB := d.cb.OnAudioLevel
	d.mu.Unlock()

	for _, ev := range events {
		d.invoke("vad event", ev)
	}
	if levelCB != nil {
		d.invoke("onAudioLevel", func() { levelCB(level) })
	}
	metrics.ObserveAudioLevel(level)
}

func (d *Detector) speechStartEvent() func() {
	cb := d.cb.OnSpeechStart
	return func() {
		if cb != nil {
			cb()
		}
	}
}

func (d *Detector) speechEndEvent(dur time.Duration) func() {
	cb := d.cb.OnSpeechEnd
	return func() {
		metrics.IncUtterances()
		if cb != nil {
			cb(dur)
		}
	}
}

// invoke isolates listener execution: a panic in one callback is recovered
// and logged so it cannot stall the sampling cadence or other listeners.
func (d *Detector) invoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncDispatchPanics()
			d.log.Error("listener panicked", "callback", name, "panic", r)
		}
	}()
	fn()
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
