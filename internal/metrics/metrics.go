// Package metrics exports conversation health as Prometheus collectors.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duplex-voice-lab/internal/audio"
	"github.com/duplex-voice-lab/internal/logging"
	"github.com/duplex-voice-lab/internal/session"
)

const namespace = "voicechat"

// Metrics holds the collectors for one client process.
type Metrics struct {
	registry *prometheus.Registry

	// Playback, reset per session
	PlayedAudio   prometheus.Gauge
	MissedAudio   prometheus.Gauge
	AudioMessages prometheus.Gauge
	Delay         prometheus.Gauge
	MinDelay      prometheus.Gauge
	MaxDelay      prometheus.Gauge
	CriticalDelay prometheus.Gauge

	CriticalEvents prometheus.Counter
	DecodeFailures prometheus.Counter
	FramesSent     prometheus.Counter
	FramesDropped  prometheus.Counter

	ConnectionState prometheus.Gauge
	Sessions        *prometheus.CounterVec
	SessionDuration prometheus.Histogram
	Recordings      *prometheus.CounterVec

	mu           sync.Mutex
	lastCritical int64
	lastFailed   int64
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		PlayedAudio: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "played_audio_seconds",
			Help: "Remote audio rendered in the current session",
		}),
		MissedAudio: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "missed_audio_seconds",
			Help: "Silence rendered on underrun in the current session",
		}),
		AudioMessages: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "audio_messages",
			Help: "Decoded audio chunks received in the current session",
		}),
		Delay: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "playback_delay_seconds",
			Help: "Decoded audio waiting to be rendered",
		}),
		MinDelay: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "playback_delay_min_seconds",
			Help: "Lowest playback delay seen in the current session",
		}),
		MaxDelay: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "playback_delay_max_seconds",
			Help: "Highest playback delay seen in the current session",
		}),
		CriticalDelay: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "critical_delay",
			Help: "1 while playback delay is critically high",
		}),
		CriticalEvents: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "critical_delay_events_total",
			Help: "Sustained critical delay episodes",
		}),
		DecodeFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "decode_failures_total",
			Help: "Inbound frames that failed to decode",
		}),
		FramesSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "uplink_frames_sent_total",
			Help: "Encoded microphone frames sent",
		}),
		FramesDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "uplink_frames_dropped_total",
			Help: "Microphone frames dropped before encoding",
		}),
		ConnectionState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connection_state",
			Help: "0 idle, 1 connecting, 2 connected, 3 disconnected",
		}),
		Sessions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_total",
			Help: "Sessions by outcome",
		}, []string{"outcome"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "session_duration_seconds",
			Help:    "Connected session length",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		Recordings: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "recordings_total",
			Help: "Finalized recordings by result",
		}, []string{"result"}),
	}
}

// Registry returns the registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// NewSession clears the per-session baselines.
func (m *Metrics) NewSession() {
	m.mu.Lock()
	m.lastCritical, m.lastFailed = 0, 0
	m.mu.Unlock()
	m.Observe(audio.MetricsSnapshot{})
}

// Observe publishes a playback snapshot. Cumulative session counts are
// added to the process-wide counters as deltas.
func (m *Metrics) Observe(s audio.MetricsSnapshot) {
	m.PlayedAudio.Set(s.PlayedAudioDuration.Seconds())
	m.MissedAudio.Set(s.MissedAudioDuration.Seconds())
	m.AudioMessages.Set(float64(s.TotalAudioMessages))
	m.Delay.Set(s.Delay.Seconds())
	m.MinDelay.Set(s.MinPlaybackDelay.Seconds())
	m.MaxDelay.Set(s.MaxPlaybackDelay.Seconds())
	if s.CriticalDelay {
		m.CriticalDelay.Set(1)
	} else {
		m.CriticalDelay.Set(0)
	}
	m.mu.Lock()
	if d := s.CriticalEvents - m.lastCritical; d > 0 {
		m.CriticalEvents.Add(float64(d))
		m.lastCritical = s.CriticalEvents
	}
	m.mu.Unlock()
}

// ObserveDecoder publishes decoder failures as a delta.
func (m *Metrics) ObserveDecoder(s audio.DecoderStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d := s.Failed - m.lastFailed; d > 0 {
		m.DecodeFailures.Add(float64(d))
		m.lastFailed = s.Failed
	}
}

// SetState records the connection state.
func (m *Metrics) SetState(s session.State) {
	m.ConnectionState.Set(float64(s))
}

// SessionEnded records the outcome and connected duration of a session.
func (m *Metrics) SessionEnded(outcome string, connected time.Duration) {
	m.Sessions.WithLabelValues(outcome).Inc()
	if connected > 0 {
		m.SessionDuration.Observe(connected.Seconds())
	}
}

// Serve exposes /metrics on addr until ctx is done.
func Serve(ctx context.Context, addr string, reg prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logging.Infow("metrics listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
