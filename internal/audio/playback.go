package audio

import (
	"sync"
	"time"
)

// PlaybackOptions tunes the playback scheduler. Durations are measured on the
// render clock (samples rendered), not wall time.
type PlaybackOptions struct {
	SampleRate int
	// InitialBuffer is queued before the first sample is played.
	InitialBuffer time.Duration
	// PartialBuffer is queued before playback resumes after an underrun.
	PartialBuffer time.Duration
	// CriticalDelay is the buffered-audio level considered excessive.
	CriticalDelay time.Duration
	// CriticalHold is how long the delay must stay above CriticalDelay before
	// the critical flag is raised.
	CriticalHold time.Duration
}

// MetricsSnapshot summarizes playback for one session.
type MetricsSnapshot struct {
	PlayedAudioDuration time.Duration
	MissedAudioDuration time.Duration
	TotalAudioMessages  int64
	Delay               time.Duration
	MinPlaybackDelay    time.Duration
	MaxPlaybackDelay    time.Duration
	CriticalDelay       bool
	CriticalEvents      int64
}

// Playback queues decoded chunks and renders them back to back on the audio
// clock. It is the playback sink of the router.
type Playback struct {
	opts PlaybackOptions

	mu          sync.Mutex
	queue       []DecodedAudioChunk
	head        int
	buffered    int
	started     bool
	everStarted bool
	threshold   int

	played   int64
	missed   int64
	messages int64
	minDelay int
	maxDelay int
	observed bool

	overSamples    int64
	critical       bool
	criticalEvents int64
	onCritical     func(MetricsSnapshot)
}

// NewPlayback returns an empty scheduler.
func NewPlayback(opts PlaybackOptions) *Playback {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 24000
	}
	if opts.CriticalDelay <= 0 {
		opts.CriticalDelay = time.Second
	}
	p := &Playback{opts: opts}
	p.threshold = p.samples(opts.InitialBuffer)
	return p
}

// SampleRate returns the rendering rate.
func (p *Playback) SampleRate() int { return p.opts.SampleRate }

func (p *Playback) samples(d time.Duration) int {
	return int(d * time.Duration(p.opts.SampleRate) / time.Second)
}

func (p *Playback) duration(n int64) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(p.opts.SampleRate)
}

// OnCriticalDelay registers a callback fired once each time sustained delay
// crosses the threshold. It runs on the audio thread and must not block.
func (p *Playback) OnCriticalDelay(fn func(MetricsSnapshot)) {
	p.mu.Lock()
	p.onCritical = fn
	p.mu.Unlock()
}

// Enqueue appends a decoded chunk after everything already queued.
func (p *Playback) Enqueue(c DecodedAudioChunk) {
	p.mu.Lock()
	p.messages++
	if len(c.Samples) > 0 {
		p.queue = append(p.queue, c)
		p.buffered += len(c.Samples)
	}
	p.mu.Unlock()
}

// Render fills out with queued audio, zero-padding on underrun, and returns
// the number of real samples written.
func (p *Playback) Render(out []int16) int {
	p.mu.Lock()
	if !p.started {
		if p.buffered == 0 || p.buffered < p.threshold {
			clear(out)
			if p.everStarted {
				p.missed += int64(len(out))
			}
			p.mu.Unlock()
			return 0
		}
		p.started = true
		p.everStarted = true
	}

	n := 0
	for n < len(out) && len(p.queue) > 0 {
		c := p.queue[0].Samples
		k := copy(out[n:], c[p.head:])
		n += k
		p.head += k
		if p.head == len(c) {
			p.queue[0] = DecodedAudioChunk{}
			p.queue = p.queue[1:]
			p.head = 0
		}
	}
	p.buffered -= n
	p.played += int64(n)
	if n < len(out) {
		clear(out[n:])
		p.missed += int64(len(out) - n)
		p.started = false
		p.threshold = p.samples(p.opts.PartialBuffer)
	}

	delay := p.buffered
	if !p.observed {
		p.minDelay, p.maxDelay, p.observed = delay, delay, true
	} else {
		p.minDelay = min(p.minDelay, delay)
		p.maxDelay = max(p.maxDelay, delay)
	}

	var fire func(MetricsSnapshot)
	if delay > p.samples(p.opts.CriticalDelay) {
		p.overSamples += int64(len(out))
		if !p.critical && p.overSamples >= int64(p.samples(p.opts.CriticalHold)) {
			p.critical = true
			p.criticalEvents++
			fire = p.onCritical
		}
	} else {
		p.overSamples = 0
		p.critical = false
	}
	var snap MetricsSnapshot
	if fire != nil {
		snap = p.snapshotLocked()
	}
	p.mu.Unlock()

	if fire != nil {
		fire(snap)
	}
	return n
}

// Buffered returns how much decoded audio is waiting to be rendered.
func (p *Playback) Buffered() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.duration(int64(p.buffered))
}

// Snapshot returns the current metrics.
func (p *Playback) Snapshot() MetricsSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotLocked()
}

func (p *Playback) snapshotLocked() MetricsSnapshot {
	return MetricsSnapshot{
		PlayedAudioDuration: p.duration(p.played),
		MissedAudioDuration: p.duration(p.missed),
		TotalAudioMessages:  p.messages,
		Delay:               p.duration(int64(p.buffered)),
		MinPlaybackDelay:    p.duration(int64(p.minDelay)),
		MaxPlaybackDelay:    p.duration(int64(p.maxDelay)),
		CriticalDelay:       p.critical,
		CriticalEvents:      p.criticalEvents,
	}
}

// Reset drops queued audio and zeroes the metrics for a new session.
func (p *Playback) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = nil
	p.head, p.buffered = 0, 0
	p.started, p.everStarted = false, false
	p.threshold = p.samples(p.opts.InitialBuffer)
	p.played, p.missed, p.messages = 0, 0, 0
	p.minDelay, p.maxDelay, p.observed = 0, 0, false
	p.overSamples, p.critical, p.criticalEvents = 0, false, 0
}
