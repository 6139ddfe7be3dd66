// Package metrics exposes pipeline counters and gauges via Prometheus.
// Registration is package-level so any number of detectors, streamers, and
// conversations share the same collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	audioLevel = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "voicepipe",
		Name:      "audio_level",
		Help:      "Sampled microphone audio level (0-255 scale).",
		Buckets:   prometheus.LinearBuckets(0, 16, 16),
	})

	utterances = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicepipe",
		Name:      "utterances_total",
		Help:      "Completed speech segments detected.",
	})

	chunksSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicepipe",
		Name:      "chunks_sent_total",
		Help:      "Audio chunk messages written to the duplex connection.",
	})

	chunksQueued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicepipe",
		Name:      "chunks_queued_total",
		Help:      "Audio chunk messages queued while disconnected.",
	})

	reconnectAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicepipe",
		Name:      "reconnect_attempts_total",
		Help:      "Scheduled reconnection attempts across all sessions.",
	})

	sessionsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicepipe",
		Name:      "sessions_failed_total",
		Help:      "Sessions abandoned after exhausting reconnection attempts.",
	})

	inbound = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "voicepipe",
		Name:      "inbound_messages_total",
		Help:      "Inbound duplex messages by type.",
	}, []string{"type"})

	dispatchPanics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "voicepipe",
		Name:      "listener_panics_total",
		Help:      "Panics recovered from caller-supplied listeners.",
	})
)

func ObserveAudioLevel(level float64) { audioLevel.Observe(level) }

func IncUtterances() { utterances.Inc() }

func IncChunksSent() { chunksSent.Inc() }

func IncChunksQueued() { chunksQueued.Inc() }

func IncReconnectAttempts() { reconnectAttempts.Inc() }

func IncSessionsFailed() { sessionsFailed.Inc() }

func IncInbound(msgType string) { inbound.WithLabelValues(msgType).Inc() }

func IncDispatchPanics() { dispatchPanics.Inc() }
