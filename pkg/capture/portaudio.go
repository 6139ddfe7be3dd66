// Package capture provides a portaudio-backed microphone implementing the
// pipeline's capture device contract: mono 16kHz s16le PCM buffered for the
// chunk timer, plus an amplitude spectrum over the most recent samples for
// voice activity detection.
package capture

import (
	"errors"
	"fmt"
	"math/cmplx"
	"sync"

	"github.com/gordonklaus/portaudio"
	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	// SampleRate is the capture rate in Hz.
	SampleRate = 16000

	// framesPerBuffer is 20ms of audio per portaudio callback.
	framesPerBuffer = 320

	// fftWindow is the number of recent samples analyzed per Spectrum call
	// (32ms at 16kHz). Power of two keeps the transform cheap.
	fftWindow = 512

	// maxPending caps the PCM buffer at ~10s so a stalled consumer cannot
	// grow it without bound.
	maxPending = SampleRate * 2 * 10
)

// ErrClosed is returned by Spectrum and ReadChunk on a device that is not
// open.
var ErrClosed = errors.New("capture: device not open")

// Microphone captures from the default input device. Safe for concurrent use
// by the detector (Spectrum) and the chunk timer (ReadChunk).
type Microphone struct {
	mu     sync.Mutex
	stream *portaudio.Stream
	open   bool
	pcm    []byte    // s16le bytes pending since the last ReadChunk
	window []float64 // last fftWindow samples, normalized to [-1, 1]
	fft    *fourier.FFT
}

// NewMicrophone constructs an unopened microphone.
func NewMicrophone() *Microphone {
	return &Microphone{
		window: make([]float64, fftWindow),
		fft:    fourier.NewFFT(fftWindow),
	}
}

// Open initializes portaudio and starts the default mono input stream. Safe
// to Close after a failed Open.
func (m *Microphone) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open {
		return nil
	}

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("initialize portaudio: %w", err)
	}

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(SampleRate), framesPerBuffer, m.onSamples)
	if err != nil {
		_ = portaudio.Terminate()
		return fmt.Errorf("open default input stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		_ = portaudio.Terminate()
		return fmt.Errorf("start input stream: %w", err)
	}

	m.stream = stream
	m.open = true
	m.pcm = nil
	return nil
}

// Close stops and releases the stream. Idempotent.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return nil
	}
	m.open = false

	var firstErr error
	if err := m.stream.Stop(); err != nil {
		firstErr = err
	}
	if err := m.stream.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := portaudio.Terminate(); err != nil && firstErr == nil {
		firstErr = err
	}
	m.stream = nil
	m.pcm = nil
	return firstErr
}

// onSamples runs on the portaudio callback thread. It must not block.
func (m *Microphone) onSamples(in []int16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return
	}

	for _, s := range in {
		m.pcm = append(m.pcm, byte(uint16(s)), byte(uint16(s)>>8))
	}
	if len(m.pcm) > maxPending {
		m.pcm = m.pcm[len(m.pcm)-maxPending:]
	}

	if len(in) >= fftWindow {
		in = in[len(in)-fftWindow:]
		for i, s := range in {
			m.window[i] = float64(s) / 32768
		}
		return
	}
	keep := fftWindow - len(in)
	copy(m.window, m.window[fftWindow-keep:])
	for i, s := range in {
		m.window[keep+i] = float64(s) / 32768
	}
}

// Spectrum returns magnitudes for the most recent analysis window, one per
// frequency bin (DC excluded), scaled to 0..255.
func (m *Microphone) Spectrum() ([]float64, error) {
	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	samples := make([]float64, fftWindow)
	copy(samples, m.window)
	m.mu.Unlock()

	coeffs := m.fft.Coefficients(nil, samples)
	// A full-scale sinusoid lands at N/2 in coefficient magnitude.
	scale := 255 / (float64(fftWindow) / 2)
	bins := make([]float64, 0, len(coeffs)-1)
	for _, c := range coeffs[1:] {
		mag := cmplx.Abs(c) * scale
		if mag > 255 {
			mag = 255
		}
		bins = append(bins, mag)
	}
	return bins, nil
}

// ReadChunk drains the PCM captured since the previous call.
func (m *Microphone) ReadChunk() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.open {
		return nil, ErrClosed
	}
	out := m.pcm
	m.pcm = nil
	return out, nil
}
