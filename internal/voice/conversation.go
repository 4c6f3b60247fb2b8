// Package voice runs full-duplex conversations: it ties the session socket,
// the decode worker, the audio graph and the microphone uplink together for
// one session at a time and persists recordings.
package voice

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/duplex-voice-lab/internal/audio"
	"github.com/duplex-voice-lab/internal/config"
	"github.com/duplex-voice-lab/internal/logging"
	"github.com/duplex-voice-lab/internal/metrics"
	"github.com/duplex-voice-lab/internal/session"
	"github.com/duplex-voice-lab/internal/transport"
)

// CriticalDelayMessage is reported when sustained playback delay crosses the
// critical threshold.
const CriticalDelayMessage = "A connection issue has been detected"

// Microphone is the capture device clock. Start begins delivering audio into
// the router. A refused device is reported by wrapping audio.ErrPermission;
// any other Start error is a plain device failure.
type Microphone interface {
	Start() error
	Stop() error
	RenderContext() audio.RenderContext
}

// Options configures a Conversation. Settings, Router and Mic are required.
type Options struct {
	Settings *config.Config
	Session  session.Config
	Router   *audio.Router
	Mic      Microphone

	// Decoders and Encoders default to the configured codec.
	Decoders audio.DecoderFactory
	Encoders audio.EncoderFactory

	Metrics   *metrics.Metrics
	Transport transport.Options
	Rand      *rand.Rand

	OnText          func(string)
	OnStatus        func(session.State)
	OnDisconnect    func(error)
	OnCriticalDelay func(msg string, snap audio.MetricsSnapshot)
	OnMicLevel      func(float64)
	OnRemoteLevel   func(float64)
	// OnArtifact receives each finalized recording; path is empty when
	// recordings are not persisted.
	OnArtifact func(art *audio.Artifact, path string)
}

// run is the state of one session.
type run struct {
	id       string
	manager  *transport.Manager
	decoder  *audio.DecoderWorker
	playback *audio.Playback
	uplink   *uplink

	micLevels    *audio.LevelSampler
	remoteLevels *audio.LevelSampler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	// ready is closed when start returns; finished once teardown completes.
	ready    chan struct{}
	finished chan struct{}
	critical chan audio.MetricsSnapshot

	mu          sync.Mutex
	cfg         session.Config
	connectedAt time.Time
	micStarted  bool

	// Uplink counts already exported; touched by the metrics worker and,
	// after it has stopped, by teardown.
	sentBase, droppedBase int64
}

// Conversation drives sessions against one worker. Only one session is live
// at a time; Start may be called again once the previous one has ended.
type Conversation struct {
	opts    Options
	framing audio.Framing
	sidecar *SidecarStore

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	cur    *run
	closed bool
}

// New validates opts and starts the recording cleaner when retention is
// configured.
func New(opts Options) (*Conversation, error) {
	if opts.Settings == nil {
		return nil, errors.New("voice: settings required")
	}
	if opts.Router == nil {
		return nil, errors.New("voice: router required")
	}
	if opts.Mic == nil {
		return nil, errors.New("voice: microphone required")
	}
	if opts.Decoders == nil || opts.Encoders == nil {
		dec, enc, err := audio.Codecs(opts.Settings.Audio.Codec)
		if err != nil {
			return nil, fmt.Errorf("voice: %w", err)
		}
		if opts.Decoders == nil {
			opts.Decoders = dec
		}
		if opts.Encoders == nil {
			opts.Encoders = enc
		}
	}
	if opts.Transport.HandshakeTimeout == 0 {
		opts.Transport.HandshakeTimeout = config.Ms(opts.Settings.Worker.HandshakeTimeoutMs)
	}
	if opts.Transport.PingInterval == 0 {
		opts.Transport.PingInterval = config.Ms(opts.Settings.Worker.PingIntervalMs)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Conversation{
		opts:    opts,
		framing: audio.Framing(opts.Settings.Audio.Framing),
		sidecar: NewSidecarStore(opts.Settings.Recording.Dir, true),
		ctx:     ctx,
		cancel:  cancel,
	}
	rec := opts.Settings.Recording
	if rec.Dir != "" && (rec.RetentionHours > 0 || rec.MaxFiles > 0) && rec.CleanIntervalMs > 0 {
		c.wg.Add(1)
		StartRecordingCleaner(ctx, &c.wg, rec.Dir, time.Duration(rec.RetentionHours)*time.Hour, config.Ms(rec.CleanIntervalMs), rec.MaxFiles)
	}
	return c, nil
}

// Start opens the microphone, connects and blocks until the session is
// established or has failed. Failures are a *PermissionError for a refused
// microphone or a *transport.ConnectError for the socket. A Stop before the
// session is up makes Start return transport.ErrClosed.
func (c *Conversation) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosedConversation
	}
	if c.cur != nil {
		c.mu.Unlock()
		return ErrBusy
	}
	r := c.newRun()
	c.cur = r
	c.mu.Unlock()

	// Handlers go in before anything blocks so a Stop during the microphone
	// prompt still reaches finish.
	c.bind(r)
	err := c.start(ctx, r)
	if err != nil {
		go c.finish(r, err)
		<-r.finished
		return err
	}
	return nil
}

// stopped reports whether r was torn down while start was still running.
func stopped(r *run) bool {
	select {
	case <-r.manager.Done():
		return true
	default:
		return false
	}
}

func (c *Conversation) newRun() *run {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(logging.WithFields(c.ctx, logging.SessionFields(id, "")...))
	return &run{
		id:       id,
		manager:  transport.NewManager(c.opts.Transport),
		ctx:      ctx,
		cancel:   cancel,
		ready:    make(chan struct{}),
		finished: make(chan struct{}),
		critical: make(chan audio.MetricsSnapshot, 1),
	}
}

func (c *Conversation) start(ctx context.Context, r *run) error {
	defer close(r.ready)
	s := c.opts.Settings
	if err := c.opts.Mic.Start(); err != nil {
		if errors.Is(err, audio.ErrPermission) {
			return &PermissionError{Err: err}
		}
		return fmt.Errorf("voice: microphone: %w", err)
	}
	r.mu.Lock()
	r.micStarted = true
	r.mu.Unlock()
	if stopped(r) {
		return transport.ErrClosed
	}

	rc := c.opts.Mic.RenderContext()
	c.opts.Router.SetRenderContext(rc)

	r.decoder = audio.NewDecoderWorker(c.opts.Decoders, c.framing, c.enqueue(r), audio.DecoderOptions{Channels: s.Audio.Channels})
	if err := r.decoder.Prewarm(rc.SampleRate); err != nil {
		// A cold decoder drops frames; the session still runs.
		logging.WarnwCtx(r.ctx, "decoder prewarm failed", "err", err)
	}
	r.decoder.Start(r.ctx)

	r.playback = audio.NewPlayback(audio.PlaybackOptions{
		SampleRate:    rc.SampleRate,
		InitialBuffer: config.Ms(s.Playback.InitialBufferMs),
		PartialBuffer: config.Ms(s.Playback.PartialBufferMs),
		CriticalDelay: config.Ms(s.Playback.CriticalDelayMs),
		CriticalHold:  config.Ms(s.Playback.CriticalHoldMs),
	})
	r.playback.OnCriticalDelay(func(snap audio.MetricsSnapshot) {
		select {
		case r.critical <- snap:
		default:
		}
	})
	c.opts.Router.SetPlayback(r.playback)
	c.opts.Router.SetRecorder(audio.NewRecorder(audio.RecorderOptions{
		SampleRate: rc.SampleRate,
		Channels:   2,
		NamePrefix: s.Recording.NamePrefix,
	}))

	enc, err := c.opts.Encoders(rc.SampleRate, s.Audio.Channels)
	if err != nil {
		return fmt.Errorf("voice: encoder: %w", err)
	}
	frameSamples := rc.SampleRate * s.Audio.FrameMs / 1000
	r.uplink, err = newUplink(enc, c.framing, rc.SampleRate, s.Audio.Channels, frameSamples, 0, r.manager.SendAudio)
	if err != nil {
		return err
	}

	cfg := c.opts.Session
	if s.Worker.AuthID != "" {
		cfg.WorkerAuthID = s.Worker.AuthID
	}
	if s.Worker.Email != "" {
		cfg.Email = s.Worker.Email
	}
	cfg = cfg.Resolve(c.opts.Rand)
	r.mu.Lock()
	r.cfg = cfg
	r.mu.Unlock()

	endpoint, err := session.EndpointURL(s.Worker.Addr, s.Worker.Secure)
	if err != nil {
		return err
	}
	if c.opts.Metrics != nil {
		c.opts.Metrics.NewSession()
	}
	if err := r.manager.Connect(ctx, endpoint.String(), cfg); err != nil {
		if errors.Is(err, transport.ErrAlreadyUsed) {
			return transport.ErrClosed
		}
		return err
	}

	// The handler may already have torn the session down.
	if stopped(r) {
		return nil
	}
	c.opts.Router.SetUplink(r.uplink.push)
	c.opts.Router.Arm()
	if s.Recording.Auto {
		c.opts.Router.StartRecording()
	}
	c.startWorkers(r)
	logging.InfowCtx(r.ctx, "conversation started", "endpoint", r.manager.Endpoint(), "text_seed", cfg.TextSeed, "audio_seed", cfg.AudioSeed)
	return nil
}

// enqueue returns the decoder sink for r.
func (c *Conversation) enqueue(r *run) func(audio.DecodedAudioChunk) {
	return func(chunk audio.DecodedAudioChunk) {
		if r.playback != nil {
			r.playback.Enqueue(chunk)
		}
	}
}

// bind registers the socket handlers. The disconnect handler may run on the
// read goroutine, so teardown is handed off to its own goroutine.
func (c *Conversation) bind(r *run) {
	r.manager.OnFrame(func(f transport.Frame) {
		switch f.Kind {
		case transport.KindAudio:
			err := r.decoder.Decode(r.ctx, audio.AudioFrame{Seq: f.Seq, Payload: f.Payload, ReceivedAt: f.ReceivedAt})
			if err != nil {
				logging.DebugwCtx(r.ctx, "inbound audio dropped", append(logging.FrameFields(f.Seq, f.Kind.String(), len(f.Payload)), "err", err)...)
			}
		case transport.KindText:
			if c.opts.OnText != nil {
				c.opts.OnText(string(f.Payload))
			}
		case transport.KindError:
			logging.WarnwCtx(r.ctx, "worker reported error", "message", string(f.Payload))
		default:
			logging.DebugwCtx(r.ctx, "frame ignored", logging.FrameFields(f.Seq, f.Kind.String(), len(f.Payload))...)
		}
	})
	r.manager.OnStatusChange(func(st session.State) {
		if st == session.Connected {
			r.mu.Lock()
			r.connectedAt = time.Now()
			r.mu.Unlock()
		}
		if c.opts.Metrics != nil {
			c.opts.Metrics.SetState(st)
		}
		if c.opts.OnStatus != nil {
			c.opts.OnStatus(st)
		}
	})
	r.manager.OnDisconnect(func(cause error) {
		go c.finish(r, cause)
	})
}

func (c *Conversation) startWorkers(r *run) {
	s := c.opts.Settings
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.uplink.run(r.ctx)
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for {
			select {
			case <-r.ctx.Done():
				return
			case snap := <-r.critical:
				logging.WarnwCtx(r.ctx, "critical playback delay", "delay_ms", snap.Delay.Milliseconds(), "events", snap.CriticalEvents)
				if c.opts.OnCriticalDelay != nil {
					c.opts.OnCriticalDelay(CriticalDelayMessage, snap)
				}
			}
		}
	}()

	if c.opts.Metrics != nil && s.Metrics.IntervalMs > 0 {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			ticker := time.NewTicker(config.Ms(s.Metrics.IntervalMs))
			defer ticker.Stop()
			for {
				select {
				case <-r.ctx.Done():
					return
				case <-ticker.C:
					c.publish(r)
				}
			}
		}()
	}

	connected := func() bool { return r.manager.State() == session.Connected }
	levels := audio.LevelOptions{FPS: s.Levels.FPS, Bins: s.Levels.Bins}
	if c.opts.OnMicLevel != nil {
		r.micLevels = audio.NewLevelSampler(c.opts.Router.CaptureLevels, func(l float64) {
			c.opts.OnMicLevel(audio.DisplayLevel(l, connected()))
		}, levels)
		r.micLevels.Start(r.ctx)
	}
	if c.opts.OnRemoteLevel != nil {
		r.remoteLevels = audio.NewLevelSampler(c.opts.Router.PlaybackLevels, func(l float64) {
			c.opts.OnRemoteLevel(audio.DisplayLevel(l, connected()))
		}, levels)
		r.remoteLevels.Start(r.ctx)
	}
}

// publish pushes the current session counters to the exporter.
func (c *Conversation) publish(r *run) {
	m := c.opts.Metrics
	snap := r.playback.Snapshot()
	m.Observe(snap)
	logging.DebugwCtx(r.ctx, "playback", append(logging.BufferFields(r.playback.Buffered().Milliseconds(), snap.MissedAudioDuration.Milliseconds()), "delay_ms", snap.Delay.Milliseconds())...)
	if r.decoder != nil {
		m.ObserveDecoder(r.decoder.Stats())
	}
	if r.uplink != nil {
		s, d := r.uplink.sent.Load(), r.uplink.dropped.Load()
		m.FramesSent.Add(float64(s - r.sentBase))
		m.FramesDropped.Add(float64(d - r.droppedBase))
		r.sentBase, r.droppedBase = s, d
	}
}

// finish tears r down once. It must not run on a socket goroutine.
func (c *Conversation) finish(r *run, cause error) {
	r.once.Do(func() {
		defer close(r.finished)
		<-r.ready
		r.cancel()
		r.manager.Wait()
		r.wg.Wait()
		if r.micLevels != nil {
			r.micLevels.Stop()
		}
		if r.remoteLevels != nil {
			r.remoteLevels.Stop()
		}
		c.opts.Router.SetUplink(nil)

		r.mu.Lock()
		micStarted := r.micStarted
		connectedAt := r.connectedAt
		r.mu.Unlock()
		if micStarted {
			if err := c.opts.Mic.Stop(); err != nil {
				logging.WarnwCtx(r.ctx, "microphone stop failed", "err", err)
			}
		}

		if _, _, err := c.stopRecording(r); err != nil {
			logging.WarnwCtx(r.ctx, "recording not saved", "err", err)
		}
		if r.decoder != nil {
			r.decoder.Close()
		}

		var connected time.Duration
		if !connectedAt.IsZero() {
			connected = time.Since(connectedAt)
		}
		outcome := Outcome(cause)
		if r.playback != nil {
			snap := r.playback.Snapshot()
			if c.opts.Metrics != nil {
				c.publish(r)
			}
			if n, err := c.sidecar.MergeSession(r.id, map[string]any{
				"outcome":             outcome,
				"played_audio_ms":     snap.PlayedAudioDuration.Milliseconds(),
				"missed_audio_ms":     snap.MissedAudioDuration.Milliseconds(),
				"total_audio_msgs":    snap.TotalAudioMessages,
				"max_delay_ms":        snap.MaxPlaybackDelay.Milliseconds(),
				"critical_delay_hits": snap.CriticalEvents,
			}); err != nil && c.sidecar != nil {
				logging.WarnwCtx(r.ctx, "session sidecar update failed", "err", err)
			} else if n > 0 {
				logging.DebugwCtx(r.ctx, "session sidecars updated", "count", n)
			}
		}
		// The graph stays armed for the next session; only the per-session
		// nodes are detached.
		c.opts.Router.SetRecorder(nil)
		c.opts.Router.SetPlayback(nil)
		if c.opts.Metrics != nil {
			c.opts.Metrics.SessionEnded(outcome, connected)
		}

		c.mu.Lock()
		if c.cur == r {
			c.cur = nil
		}
		c.mu.Unlock()
		logging.InfowCtx(r.ctx, "conversation ended", "outcome", outcome, "connected_ms", connected.Milliseconds())
		if c.opts.OnDisconnect != nil {
			c.opts.OnDisconnect(cause)
		}
	})
}

// Outcome labels a session end cause.
func Outcome(cause error) string {
	var perm *PermissionError
	switch {
	case cause == nil, errors.Is(cause, transport.ErrClosed):
		return "closed"
	case errors.As(cause, &perm):
		return "permission"
	case errors.Is(cause, transport.ErrRejected):
		return "rejected"
	case errors.Is(cause, transport.ErrUnreachable):
		return "unreachable"
	case errors.Is(cause, transport.ErrDropped):
		return "dropped"
	default:
		return "error"
	}
}

func (c *Conversation) current() *run {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// Stop ends the current session and waits for teardown. No-op when idle.
func (c *Conversation) Stop() {
	r := c.current()
	if r == nil {
		return
	}
	r.manager.Disconnect()
	<-r.finished
}

var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Done is closed when the current session has fully ended. When idle it
// returns a closed channel.
func (c *Conversation) Done() <-chan struct{} {
	if r := c.current(); r != nil {
		return r.finished
	}
	return closedChan
}

// State reports the connection state of the current session.
func (c *Conversation) State() session.State {
	if r := c.current(); r != nil {
		return r.manager.State()
	}
	return session.Idle
}

// SessionID returns the id of the current session, or "".
func (c *Conversation) SessionID() string {
	if r := c.current(); r != nil {
		return r.id
	}
	return ""
}

// Config returns the resolved parameters of the current session, including
// any live updates.
func (c *Conversation) Config() (session.Config, bool) {
	r := c.current()
	if r == nil {
		return session.Config{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg, true
}

// UpdateParams sends a live metadata update. It reports false, sending
// nothing, unless a session is connected.
func (c *Conversation) UpdateParams(p session.Params) bool {
	r := c.current()
	if r == nil || r.manager.State() != session.Connected || p.Empty() {
		return false
	}
	if !r.manager.Send(session.NewMetadataUpdate(p)) {
		return false
	}
	r.mu.Lock()
	r.cfg = p.Apply(r.cfg)
	r.mu.Unlock()
	logging.DebugwCtx(r.ctx, "metadata update sent")
	return true
}

// Metrics returns the playback snapshot of the current session.
func (c *Conversation) Metrics() (audio.MetricsSnapshot, bool) {
	r := c.current()
	if r == nil || r.playback == nil {
		return audio.MetricsSnapshot{}, false
	}
	return r.playback.Snapshot(), true
}

// StartRecording starts recording the current session. It reports false
// when already recording or when no session media is ready.
func (c *Conversation) StartRecording() bool {
	if c.current() == nil {
		return false
	}
	return c.opts.Router.StartRecording()
}

// StopRecording finalizes the current recording and persists it when a
// recordings directory is configured. It returns (nil, "", nil) when not
// recording.
func (c *Conversation) StopRecording() (*audio.Artifact, string, error) {
	r := c.current()
	if r == nil {
		return nil, "", nil
	}
	return c.stopRecording(r)
}

func (c *Conversation) stopRecording(r *run) (*audio.Artifact, string, error) {
	art, err := c.opts.Router.StopRecording()
	if err != nil {
		if c.opts.Metrics != nil {
			c.opts.Metrics.Recordings.WithLabelValues("failed").Inc()
		}
		return nil, "", err
	}
	if art == nil {
		return nil, "", nil
	}
	var path string
	if dir := c.opts.Settings.Recording.Dir; dir != "" {
		r.mu.Lock()
		personality := r.cfg.PersonalityID
		r.mu.Unlock()
		path, err = SaveArtifact(dir, art, Sidecar{
			SessionID:     r.id,
			Endpoint:      r.manager.Endpoint(),
			PersonalityID: personality,
		})
		if err != nil {
			if c.opts.Metrics != nil {
				c.opts.Metrics.Recordings.WithLabelValues("failed").Inc()
			}
			return art, "", err
		}
	}
	if c.opts.Metrics != nil {
		c.opts.Metrics.Recordings.WithLabelValues("saved").Inc()
	}
	if c.opts.OnArtifact != nil {
		c.opts.OnArtifact(art, path)
	}
	return art, path, nil
}

// Close ends any session, stops background workers and releases the graph.
func (c *Conversation) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.Stop()
	c.cancel()
	c.wg.Wait()
	c.opts.Router.Release()
}
