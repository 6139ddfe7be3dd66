package voicepipe

import (
	"sync"
	"time"
)

// fakeDevice is an in-memory CaptureDevice with a controllable level and
// scripted PCM chunks.
type fakeDevice struct {
	mu          sync.Mutex
	openErr     error
	spectrumErr error
	opens       int
	closes      int
	level       float64
	chunks      [][]byte
}

func (d *fakeDevice) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.openErr != nil {
		return d.openErr
	}
	d.opens++
	return nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

func (d *fakeDevice) Spectrum() ([]float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.spectrumErr != nil {
		return nil, d.spectrumErr
	}
	return []float64{d.level}, nil
}

func (d *fakeDevice) ReadChunk() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.chunks) == 0 {
		return nil, nil
	}
	chunk := d.chunks[0]
	d.chunks = d.chunks[1:]
	return chunk, nil
}

func (d *fakeDevice) closeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closes
}

type sinkSend struct {
	data    []byte
	isFinal bool
}

// fakeSink records every chunk it receives.
type fakeSink struct {
	mu    sync.Mutex
	sends []sinkSend
}

func (s *fakeSink) SendAudioChunk(data []byte, isFinal bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.sends = append(s.sends, sinkSend{data: cp, isFinal: isFinal})
	return true
}

func (s *fakeSink) recorded() []sinkSend {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sinkSend, len(s.sends))
	copy(out, s.sends)
	return out
}

// quietStreamerOptions parks both timers so tests can drive the streamer's
// handlers directly.
func quietStreamerOptions() StreamerOptions {
	return StreamerOptions{
		ChunkInterval: time.Hour,
		VAD:           DetectorOptions{SampleInterval: time.Hour},
	}
}
