package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/duplex-voice-lab/internal/api"
	"github.com/duplex-voice-lab/internal/audio"
	"github.com/duplex-voice-lab/internal/config"
	"github.com/duplex-voice-lab/internal/device"
	"github.com/duplex-voice-lab/internal/logging"
	"github.com/duplex-voice-lab/internal/metrics"
	"github.com/duplex-voice-lab/internal/session"
	"github.com/duplex-voice-lab/internal/voice"
)

func main() {
	var (
		configPath  = flag.String("config", os.Getenv("VOICECHAT_CONFIG"), "path to a YAML config file")
		listDevices = flag.Bool("list-devices", false, "print audio devices and exit")
		personality = flag.String("personality", "", "personality preset id to load from the API")
		record      = flag.Bool("record", false, "record the conversation from the start")
		textPrompt  = flag.String("text-prompt", "", "override the text prompt")
		voicePrompt = flag.String("voice-prompt", "", "override the voice prompt")
	)
	flag.Parse()

	if *listDevices {
		devices, err := device.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "list devices: %v\n", err)
			os.Exit(1)
		}
		device.Print(os.Stdout, devices)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}
	logging.Init(cfg.LoggingOptions())
	if *record {
		cfg.Recording.Auto = true
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess := session.Default()
	if *personality != "" || cfg.API.WaitForReady {
		client := api.New(apiBaseURL(cfg), api.Options{
			Timeout:  config.Ms(cfg.API.TimeoutMs),
			CacheTTL: config.Ms(cfg.API.CacheTTLMs),
			Retries:  2,
		})
		if cfg.API.WaitForReady {
			if _, err := client.WaitReady(ctx, config.Ms(cfg.API.ReadyPollMs)); err != nil {
				logging.FatalExitf("worker not ready", "err", err)
			}
		}
		if *personality != "" {
			p, err := client.Personality(ctx, *personality)
			if err != nil {
				logging.FatalExitf("failed to load personality", "id", *personality, "err", err)
			}
			sess = p.Apply(sess)
			logging.Infow("personality loaded", "id", p.ID, "name", p.Name)
		}
	}
	if *textPrompt != "" {
		sess.TextPrompt = *textPrompt
	}
	if *voicePrompt != "" {
		sess.VoicePrompt = *voicePrompt
	}

	var m *metrics.Metrics
	if cfg.Metrics.Addr != "" {
		m = metrics.New()
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr, m.Registry()); err != nil {
				logging.Errorw("metrics server failed", "addr", cfg.Metrics.Addr, "err", err)
			}
		}()
	}

	code := runSession(ctx, cfg, sess, m)
	stop()
	_ = logging.Sync()
	os.Exit(code)
}

// conversation is the part of *voice.Conversation the CLI drives.
type conversation interface {
	Start(ctx context.Context) error
	Stop()
	Done() <-chan struct{}
	Close()
}

// runSession opens the audio device, runs one conversation and returns the
// process exit code. The device is released before it returns.
func runSession(ctx context.Context, cfg *config.Config, sess session.Config, m *metrics.Metrics) int {
	router := audio.NewRouter(audio.RouterOptions{})
	dev, err := device.Open(router, device.Options{
		SampleRate:     cfg.Audio.SampleRate,
		Channels:       cfg.Audio.Channels,
		PeriodMs:       cfg.Audio.QuantumMs,
		CaptureDevice:  cfg.Audio.Device,
		PlaybackDevice: cfg.Audio.Device,
	})
	if err != nil {
		logging.Errorw("failed to open audio device", "err", err)
		return 1
	}
	defer func() {
		if err := dev.Close(); err != nil {
			logging.Warnw("audio device close error", "err", err)
		}
	}()

	conv, err := voice.New(voice.Options{
		Settings: cfg,
		Session:  sess,
		Router:   router,
		Mic:      dev,
		Metrics:  m,
		OnText:   func(s string) { fmt.Print(s) },
		OnStatus: func(s session.State) { logging.Infow("connection state", "state", s.String()) },
		OnCriticalDelay: func(msg string, snap audio.MetricsSnapshot) {
			fmt.Fprintf(os.Stderr, "\n%s (delay %s)\n", msg, snap.Delay)
		},
		OnArtifact: func(art *audio.Artifact, path string) {
			logging.Infow("recording available", "name", art.Name, "path", path, "duration_ms", art.Duration.Milliseconds())
		},
	})
	if err != nil {
		logging.Errorw("failed to create conversation", "err", err)
		return 1
	}
	return serve(ctx, conv)
}

// serve starts conv and waits for a shutdown signal or the end of the
// session. conv is closed before serve returns.
func serve(ctx context.Context, conv conversation) int {
	defer conv.Close()
	if err := conv.Start(ctx); err != nil {
		var perm *voice.PermissionError
		if errors.As(err, &perm) {
			logging.Errorw("microphone access denied", "err", err)
		} else {
			logging.Errorw("connection failed", "err", err)
		}
		return 1
	}

	select {
	case <-ctx.Done():
		logging.Infow("shutdown signal received, closing session")
		conv.Stop()
	case <-conv.Done():
	}
	logging.Infow("shutdown complete")
	return 0
}

// apiBaseURL returns the configured API base, falling back to the worker
// address.
func apiBaseURL(cfg *config.Config) string {
	if cfg.API.BaseURL != "" {
		return strings.TrimRight(cfg.API.BaseURL, "/")
	}
	u, err := session.EndpointURL(cfg.Worker.Addr, cfg.Worker.Secure)
	if err != nil {
		return "http://" + session.DefaultWorkerAddr
	}
	scheme := "http"
	if cfg.Worker.Secure {
		scheme = "https"
	}
	return scheme + "://" + u.Host
}
