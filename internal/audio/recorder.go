package audio

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/youpy/go-wav"
)

// RecorderOptions configures a Recorder.
type RecorderOptions struct {
	SampleRate int
	Channels   int
	NamePrefix string
	Now        func() time.Time
}

// Artifact is a finalized recording.
type Artifact struct {
	Name       string
	MIMEType   string
	Data       []byte
	Frames     int
	SampleRate int
	Channels   int
	Duration   time.Duration
	StartedAt  time.Time
	StoppedAt  time.Time
}

// Recorder buffers interleaved PCM while running and turns it into a WAV
// artifact on Stop. The header is written with the exact frame count, so the
// artifact duration always matches the buffered audio.
type Recorder struct {
	opts RecorderOptions

	mu       sync.Mutex
	running  bool
	chunks   [][]int16
	samples  int
	started  time.Time
	artifact *Artifact
}

// NewRecorder returns an idle recorder.
func NewRecorder(opts RecorderOptions) *Recorder {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 24000
	}
	if opts.Channels <= 0 || opts.Channels > 2 {
		opts.Channels = 2
	}
	if opts.NamePrefix == "" {
		opts.NamePrefix = "voicechat"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Recorder{opts: opts}
}

// Start clears the buffer and begins recording. The previous artifact is
// released. No-op while already running.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.chunks = nil
	r.samples = 0
	r.artifact = nil
	r.started = r.opts.Now()
	r.running = true
}

// Running reports whether the recorder is buffering.
func (r *Recorder) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// OnData appends an interleaved chunk. The recorder takes ownership of
// chunk. Data arriving while stopped is ignored.
func (r *Recorder) OnData(chunk []int16) {
	r.mu.Lock()
	if r.running && len(chunk) > 0 {
		r.chunks = append(r.chunks, chunk)
		r.samples += len(chunk)
	}
	r.mu.Unlock()
}

// Stop finalizes the buffered audio into an artifact. Calling it while not
// running returns (nil, nil).
func (r *Recorder) Stop() (*Artifact, error) {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil, nil
	}
	r.running = false
	chunks, samples, started := r.chunks, r.samples, r.started
	r.chunks = nil
	r.samples = 0
	r.mu.Unlock()

	stopped := r.opts.Now()
	data, frames, err := encodeWAV(chunks, samples, r.opts.Channels, r.opts.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("finalize recording: %w", err)
	}
	art := &Artifact{
		Name:       ArtifactName(r.opts.NamePrefix, started),
		MIMEType:   "audio/wav",
		Data:       data,
		Frames:     frames,
		SampleRate: r.opts.SampleRate,
		Channels:   r.opts.Channels,
		Duration:   time.Duration(frames) * time.Second / time.Duration(r.opts.SampleRate),
		StartedAt:  started,
		StoppedAt:  stopped,
	}
	r.mu.Lock()
	r.artifact = art
	r.mu.Unlock()
	return art, nil
}

// Artifact returns the most recent artifact, or nil once a new recording
// has started.
func (r *Recorder) Artifact() *Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.artifact
}

// Release drops the current artifact.
func (r *Recorder) Release() {
	r.mu.Lock()
	r.artifact = nil
	r.mu.Unlock()
}

// ArtifactName returns the file name for a recording started at t.
func ArtifactName(prefix string, t time.Time) string {
	return fmt.Sprintf("%s-%s.wav", prefix, t.UTC().Format("20060102-150405"))
}

func encodeWAV(chunks [][]int16, samples, channels, sampleRate int) ([]byte, int, error) {
	frames := samples / channels
	var buf bytes.Buffer
	buf.Grow(44 + frames*channels*2)
	w := wav.NewWriter(&buf, uint32(frames), uint16(channels), uint32(sampleRate), 16)

	var pending []int16
	batch := make([]wav.Sample, 0, 4096)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := w.WriteSamples(batch)
		batch = batch[:0]
		return err
	}
	written := 0
	for _, c := range chunks {
		pending = append(pending, c...)
		for len(pending) >= channels && written < frames {
			var s wav.Sample
			for ch := 0; ch < channels && ch < 2; ch++ {
				s.Values[ch] = int(pending[ch])
			}
			batch = append(batch, s)
			pending = pending[channels:]
			written++
			if len(batch) == cap(batch) {
				if err := flush(); err != nil {
					return nil, 0, err
				}
			}
		}
	}
	if err := flush(); err != nil {
		return nil, 0, err
	}
	return buf.Bytes(), frames, nil
}

// ProbeWAV reads the header of a WAV artifact and returns its format and
// duration.
func ProbeWAV(data []byte) (*wav.WavFormat, time.Duration, error) {
	r := wav.NewReader(bytes.NewReader(data))
	format, err := r.Format()
	if err != nil {
		return nil, 0, fmt.Errorf("wav format: %w", err)
	}
	d, err := r.Duration()
	if err != nil {
		return nil, 0, fmt.Errorf("wav duration: %w", err)
	}
	return format, d, nil
}
