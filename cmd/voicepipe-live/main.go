// Command voicepipe-live runs the full pipeline against a live service:
// microphone capture, voice activity detection, and a duplex conversation
// session, printing transcripts and responses to stdout.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/viper"

	"github.com/halcyon-health/voicepipe/internal/dotenv"
	"github.com/halcyon-health/voicepipe/pkg/capture"
	voicepipe "github.com/halcyon-health/voicepipe/sdk"
)

type config struct {
	BaseURL              string
	Token                string
	Context              string
	ConnectTimeout       time.Duration
	MaxReconnectAttempts int
	SilenceThreshold     float64
	SilenceTimeout       time.Duration
	MinSpeechDuration    time.Duration
	MaxSpeechDuration    time.Duration
	ChunkInterval        time.Duration
	MetricsAddr          string
	Debug                bool
}

func loadConfig() (*config, error) {
	if err := dotenv.Load(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("VOICEPIPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("connect_timeout", "10s")
	v.SetDefault("max_reconnect_attempts", 5)
	v.SetDefault("silence_threshold", 15.0)
	v.SetDefault("silence_timeout", "1500ms")
	v.SetDefault("min_speech_duration", "300ms")
	v.SetDefault("max_speech_duration", "30s")
	v.SetDefault("chunk_interval", "200ms")
	v.SetDefault("metrics_addr", "")

	v.SetConfigName("voicepipe")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := &config{
		BaseURL:              v.GetString("base_url"),
		Token:                v.GetString("token"),
		Context:              v.GetString("context"),
		ConnectTimeout:       v.GetDuration("connect_timeout"),
		MaxReconnectAttempts: v.GetInt("max_reconnect_attempts"),
		SilenceThreshold:     v.GetFloat64("silence_threshold"),
		SilenceTimeout:       v.GetDuration("silence_timeout"),
		MinSpeechDuration:    v.GetDuration("min_speech_duration"),
		MaxSpeechDuration:    v.GetDuration("max_speech_duration"),
		ChunkInterval:        v.GetDuration("chunk_interval"),
		MetricsAddr:          v.GetString("metrics_addr"),
		Debug:                v.GetBool("debug"),
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("VOICEPIPE_BASE_URL is required")
	}
	return cfg, nil
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "voicepipe-live:", err)
		return 2
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("metrics listener started", "addr", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				logger.Warn("metrics listener stopped", "error", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := voicepipe.NewClient(
		voicepipe.WithBaseURL(cfg.BaseURL),
		voicepipe.WithTokenProvider(voicepipe.StaticToken(cfg.Token)),
		voicepipe.WithLogger(logger),
		voicepipe.WithConnectTimeout(cfg.ConnectTimeout),
		voicepipe.WithMaxReconnectAttempts(cfg.MaxReconnectAttempts),
	)

	conv, err := client.StartConversation(ctx, &voicepipe.ConversationRequest{Context: cfg.Context})
	if err != nil {
		logger.Error("start conversation", "error", err)
		return 1
	}

	conv.On(voicepipe.MessageTranscriptPartial, func(m voicepipe.Message) {
		if text := m.Transcript(); text != "" {
			fmt.Printf("\r you: %s", text)
		}
	})
	conv.On(voicepipe.MessageTranscriptFinal, func(m voicepipe.Message) {
		if text := m.Transcript(); text != "" {
			fmt.Printf("\r you: %s\n", text)
		}
	})
	conv.On(voicepipe.MessageAISpeaking, func(m voicepipe.Message) {
		var p struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(m.Payload, &p); err == nil && p.Text != "" {
			fmt.Printf("  ai: %s\n", p.Text)
		}
	})
	conv.On(voicepipe.MessageEmergencyDetected, func(voicepipe.Message) {
		fmt.Fprintln(os.Stderr, "!! emergency detected by the service")
	})
	conv.OnStateChange(func(s voicepipe.SessionState) {
		logger.Info("session state changed", "state", s.String())
	})
	conv.OnError(func(err error) {
		logger.Error("session error", "error", err)
		stop()
	})

	mic := capture.NewMicrophone()
	streamer := voicepipe.NewAudioStreamer(mic, conv, voicepipe.StreamerOptions{
		ChunkInterval: cfg.ChunkInterval,
		VAD: voicepipe.DetectorOptions{
			SilenceThreshold:  cfg.SilenceThreshold,
			SilenceTimeout:    cfg.SilenceTimeout,
			MinSpeechDuration: cfg.MinSpeechDuration,
			MaxSpeechDuration: cfg.MaxSpeechDuration,
		},
	}, voicepipe.StreamerCallbacks{
		OnSpeechStart: func() { logger.Debug("speech started") },
		OnSpeechEnd: func(d time.Duration, utterance []byte) {
			logger.Debug("speech ended", "duration", d, "bytes", len(utterance))
		},
		OnError: func(err error) {
			logger.Error("streaming error", "error", err)
			stop()
		},
	})
	streamer.SetLogger(logger)

	if err := streamer.StartStreaming(); err != nil {
		logger.Error("start streaming", "error", err)
		endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conv.End(endCtx)
		return 1
	}

	fmt.Println("listening; press ctrl-c to end the conversation")
	<-ctx.Done()

	streamer.StopStreaming()
	endCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conv.End(endCtx); err != nil {
		logger.Warn("end conversation", "error", err)
	}
	return 0
}
