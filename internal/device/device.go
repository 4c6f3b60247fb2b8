// Package device binds the platform audio device to the audio graph. A single
// full-duplex malgo device drives both the capture tap and the playback
// render on one clock.
package device

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/duplex-voice-lab/internal/audio"
	"github.com/duplex-voice-lab/internal/logging"
)

// ErrPermission reports that the backend refused access to a device.
var ErrPermission = audio.ErrPermission

// Graph is the part of the router the device clock drives.
type Graph interface {
	RenderPlayback(out []int16)
	PushCapture(in []int16)
}

// Options configures the duplex device.
type Options struct {
	SampleRate int
	Channels   int
	PeriodMs   int
	// CaptureDevice and PlaybackDevice select devices by name; empty means the
	// system default.
	CaptureDevice  string
	PlaybackDevice string
}

// Duplex is an opened full-duplex device.
type Duplex struct {
	opts  Options
	graph Graph

	mu      sync.Mutex
	mctx    *malgo.AllocatedContext
	dev     *malgo.Device
	started bool

	// Touched only from the device thread.
	in, out []int16
}

// Open initializes the backend and a duplex device feeding graph. The device
// is not started.
func Open(graph Graph, opts Options) (*Duplex, error) {
	if opts.SampleRate <= 0 {
		opts.SampleRate = 24000
	}
	if opts.Channels <= 0 {
		opts.Channels = 1
	}
	if opts.PeriodMs <= 0 {
		opts.PeriodMs = 10
	}
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{ThreadPriority: malgo.ThreadPriorityRealtime}, func(msg string) {
		logging.Debugw("malgo", "msg", msg)
	})
	if err != nil {
		return nil, classify("init audio context", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Duplex)
	cfg.SampleRate = uint32(opts.SampleRate)
	cfg.PeriodSizeInMilliseconds = uint32(opts.PeriodMs)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(opts.Channels)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(opts.Channels)
	if opts.CaptureDevice != "" {
		id, err := findDevice(mctx, malgo.Capture, opts.CaptureDevice)
		if err != nil {
			_ = mctx.Uninit()
			mctx.Free()
			return nil, err
		}
		cfg.Capture.DeviceID = id.Pointer()
	}
	if opts.PlaybackDevice != "" {
		id, err := findDevice(mctx, malgo.Playback, opts.PlaybackDevice)
		if err != nil {
			_ = mctx.Uninit()
			mctx.Free()
			return nil, err
		}
		cfg.Playback.DeviceID = id.Pointer()
	}

	d := &Duplex{opts: opts, graph: graph, mctx: mctx}
	dev, err := malgo.InitDevice(mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: d.onData,
		Stop: func() { logging.Infow("audio device stopped") },
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, classify("init duplex device", err)
	}
	d.dev = dev
	logging.Infow("audio device opened",
		"sample_rate", dev.SampleRate(),
		"channels", opts.Channels,
		"period_ms", opts.PeriodMs,
	)
	return d, nil
}

func findDevice(mctx *malgo.AllocatedContext, kind malgo.DeviceType, name string) (*malgo.DeviceID, error) {
	infos, err := mctx.Devices(kind)
	if err != nil {
		return nil, classify("enumerate devices", err)
	}
	for i := range infos {
		if infos[i].Name() == name {
			return &infos[i].ID, nil
		}
	}
	return nil, fmt.Errorf("audio device %q not found", name)
}

// classify maps backend refusals onto ErrPermission.
func classify(op string, err error) error {
	if errors.Is(err, malgo.ErrAccessDenied) {
		return fmt.Errorf("%s: %w: %w", op, ErrPermission, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// RenderContext returns the negotiated clock parameters.
func (d *Duplex) RenderContext() audio.RenderContext {
	rate := d.opts.SampleRate
	if d.dev != nil {
		rate = int(d.dev.SampleRate())
	}
	return audio.RenderContext{SampleRate: rate, Quantum: rate * d.opts.PeriodMs / 1000}
}

// onData runs on the device thread. Capture is pushed before playback is
// rendered so the record mixer sees the microphone for the same period.
func (d *Duplex) onData(pOutput, pInput []byte, frames uint32) {
	n := int(frames) * d.opts.Channels
	if cap(d.in) < n {
		d.in = make([]int16, n)
		d.out = make([]int16, n)
	}
	in, out := d.in[:n], d.out[:n]
	if len(pInput) > 0 {
		k := audio.BytesToSamples(pInput, in)
		clear(in[k:])
		d.graph.PushCapture(in)
	}
	if len(pOutput) > 0 {
		d.graph.RenderPlayback(out)
		audio.SamplesToBytes(out, pOutput)
	}
}

// Start begins streaming. Calling it while started is a no-op.
func (d *Duplex) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev == nil {
		return errors.New("audio device closed")
	}
	if d.started {
		return nil
	}
	if err := d.dev.Start(); err != nil {
		return classify("start duplex device", err)
	}
	d.started = true
	return nil
}

// Stop pauses streaming.
func (d *Duplex) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev == nil || !d.started {
		return nil
	}
	d.started = false
	if err := d.dev.Stop(); err != nil {
		return fmt.Errorf("stop duplex device: %w", err)
	}
	return nil
}

// Close stops and releases the device and backend context.
func (d *Duplex) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dev == nil {
		return nil
	}
	if d.started {
		_ = d.dev.Stop()
		d.started = false
	}
	d.dev.Uninit()
	d.dev = nil
	err := d.mctx.Uninit()
	d.mctx.Free()
	if err != nil {
		return fmt.Errorf("uninit audio context: %w", err)
	}
	return nil
}
