package audio

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/duplex-voice-lab/internal/logging"
)

// Node names a position in the audio graph.
type Node int

const (
	NodeCapture Node = iota + 1
	NodePlayback
	NodeRecordMixer
	NodeRecordDestination
)

func (n Node) String() string {
	switch n {
	case NodeCapture:
		return "capture"
	case NodePlayback:
		return "playback"
	case NodeRecordMixer:
		return "record-mixer"
	case NodeRecordDestination:
		return "record-destination"
	default:
		return fmt.Sprintf("node(%d)", int(n))
	}
}

// Edge connects the output of From to input Input of To.
type Edge struct {
	From  Node
	To    Node
	Input int
}

func (e Edge) String() string { return fmt.Sprintf("%s->%s[%d]", e.From, e.To, e.Input) }

// Recording edges. The mixer puts remote audio on the left channel and the
// microphone on the right; it never feeds audible output.
var (
	EdgePlaybackToMixer = Edge{From: NodePlayback, To: NodeRecordMixer, Input: 0}
	EdgeCaptureToMixer  = Edge{From: NodeCapture, To: NodeRecordMixer, Input: 1}
	EdgeMixerToRecorder = Edge{From: NodeRecordMixer, To: NodeRecordDestination, Input: 0}
)

// topology is an immutable set of active edges.
type topology struct {
	version uint64
	edges   map[Edge]struct{}
}

func (t *topology) has(e Edge) bool {
	if t == nil {
		return false
	}
	_, ok := t.edges[e]
	return ok
}

// nodeSet is the immutable view of allocated nodes used by the render path.
type nodeSet struct {
	playback       *Playback
	recorder       *Recorder
	mixer          *RecordMixer
	captureLevels  *Analyser
	playbackLevels *Analyser
}

// RenderContext describes the platform audio clock.
type RenderContext struct {
	SampleRate int
	// Quantum is the number of frames per render callback.
	Quantum int
}

// QuantumDuration returns the length of one render callback.
func (rc RenderContext) QuantumDuration() time.Duration {
	if rc.SampleRate <= 0 {
		return 0
	}
	return time.Duration(rc.Quantum) * time.Second / time.Duration(rc.SampleRate)
}

// RouterOptions tunes node allocation.
type RouterOptions struct {
	AnalyserSize int
	// CaptureBacklog bounds the microphone audio held for the mixer.
	CaptureBacklog time.Duration
}

// Router owns the capture source, playback sink and record mixer. Structural
// changes are serialized by a mutex; the render and capture callbacks only
// read published snapshots.
type Router struct {
	opts RouterOptions

	mu        sync.Mutex
	rc        *RenderContext
	playback  *Playback
	recorder  *Recorder
	armed     bool
	recording bool
	mixer     *RecordMixer
	capLevels *Analyser
	pbLevels  *Analyser
	graphErrs int64

	topo   atomic.Pointer[topology]
	nodes  atomic.Pointer[nodeSet]
	uplink atomic.Pointer[func([]int16)]
}

// NewRouter returns an unarmed router.
func NewRouter(opts RouterOptions) *Router {
	if opts.AnalyserSize <= 0 {
		opts.AnalyserSize = DefaultFFTSize
	}
	if opts.CaptureBacklog <= 0 {
		opts.CaptureBacklog = time.Second
	}
	r := &Router{opts: opts}
	r.topo.Store(&topology{edges: map[Edge]struct{}{}})
	r.nodes.Store(&nodeSet{})
	return r
}

// SetRenderContext records the audio clock parameters.
func (r *Router) SetRenderContext(rc RenderContext) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rc = &rc
}

// RenderContext returns the audio clock parameters, if set.
func (r *Router) RenderContext() (RenderContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rc == nil {
		return RenderContext{}, false
	}
	return *r.rc, true
}

// SetPlayback installs the playback sink for the current session. Replacing
// the sink drops any edges from the previous one.
func (r *Router) SetPlayback(p *Playback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.playback != nil && r.playback != p {
		r.dropEdgesLocked(func(e Edge) bool { return e.From == NodePlayback })
	}
	r.playback = p
	r.publishNodesLocked()
}

// SetRecorder installs the recorder for the current session. Replacing it
// drops the mixer output edge.
func (r *Router) SetRecorder(rec *Recorder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recorder != nil && r.recorder != rec {
		r.dropEdgesLocked(func(e Edge) bool { return e.To == NodeRecordDestination })
	}
	r.recorder = rec
	r.publishNodesLocked()
}

// SetUplink registers the consumer of captured microphone audio. It runs on
// the capture callback and must not block. Pass nil to detach.
func (r *Router) SetUplink(fn func([]int16)) {
	if fn == nil {
		r.uplink.Store(nil)
		return
	}
	r.uplink.Store(&fn)
}

// Arm allocates the capture, analyser and mixer nodes once a render context
// and a playback sink are both available. Later calls are no-ops.
func (r *Router) Arm() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.armed {
		return true
	}
	if r.rc == nil || r.playback == nil {
		return false
	}
	r.capLevels = NewAnalyser(r.opts.AnalyserSize)
	r.pbLevels = NewAnalyser(r.opts.AnalyserSize)
	backlog := int(r.opts.CaptureBacklog * time.Duration(r.rc.SampleRate) / time.Second)
	r.mixer = NewRecordMixer(backlog)
	r.armed = true
	r.publishNodesLocked()
	logging.Infow("audio graph armed", "sample_rate", r.rc.SampleRate, "quantum", r.rc.Quantum)
	return true
}

// Armed reports whether Arm has allocated the nodes.
func (r *Router) Armed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.armed
}

// IsMediaReady reports whether recording can start: the graph is armed and
// both a playback sink and a recorder are installed.
func (r *Router) IsMediaReady() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mediaReadyLocked()
}

func (r *Router) mediaReadyLocked() bool {
	return r.armed && r.playback != nil && r.recorder != nil && r.mixer != nil
}

// Recording reports whether the record edges are connected.
func (r *Router) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// StartRecording connects playback and capture into the mixer and starts the
// recorder. It is a no-op returning false when already recording or when the
// media graph is not ready.
func (r *Router) StartRecording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recording {
		logging.Debugw("start recording ignored: already recording")
		return false
	}
	if !r.mediaReadyLocked() {
		logging.Debugw("start recording ignored: media not ready")
		return false
	}
	// Edges may linger from a node swap; clear them before rebuilding.
	r.mutateLocked("disconnect", nil, []Edge{EdgePlaybackToMixer, EdgeCaptureToMixer, EdgeMixerToRecorder}, true)
	r.mixer.Reset()
	r.recorder.Start()
	r.mutateLocked("connect", []Edge{EdgePlaybackToMixer, EdgeCaptureToMixer, EdgeMixerToRecorder}, nil, false)
	r.recording = true
	logging.Infow("recording started", "topology_version", r.topo.Load().version)
	return true
}

// StopRecording disconnects the record edges and finalizes the recorder.
// When not recording it returns (nil, nil) and leaves the graph untouched.
func (r *Router) StopRecording() (*Artifact, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		logging.Debugw("stop recording ignored: not recording")
		return nil, nil
	}
	r.mutateLocked("disconnect", nil, []Edge{EdgePlaybackToMixer, EdgeCaptureToMixer, EdgeMixerToRecorder}, false)
	r.recording = false
	rec := r.recorder
	r.mu.Unlock()

	if rec == nil {
		return nil, nil
	}
	art, err := rec.Stop()
	if err != nil {
		return nil, err
	}
	if art != nil {
		logging.Infow("recording stopped", "artifact", art.Name, "duration_ms", art.Duration.Milliseconds())
	}
	return art, nil
}

// mutateLocked applies edge additions and removals as one topology change.
// Edges already in the requested state produce a GraphError that is logged
// and absorbed. quiet suppresses those logs for the pre-clear pass.
func (r *Router) mutateLocked(op string, add, remove []Edge, quiet bool) {
	cur := r.topo.Load()
	next := maps.Clone(cur.edges)
	changed := false
	for _, e := range remove {
		if _, ok := next[e]; !ok {
			r.absorb(&GraphError{Op: op, Edge: e, Err: errEdgeMissing}, quiet)
			continue
		}
		delete(next, e)
		changed = true
	}
	for _, e := range add {
		if !r.nodeAllocatedLocked(e.From) || !r.nodeAllocatedLocked(e.To) {
			r.absorb(&GraphError{Op: op, Edge: e, Err: errNodeMissing}, quiet)
			continue
		}
		if _, ok := next[e]; ok {
			r.absorb(&GraphError{Op: op, Edge: e, Err: errEdgeExists}, quiet)
			continue
		}
		next[e] = struct{}{}
		changed = true
	}
	if changed {
		r.topo.Store(&topology{version: cur.version + 1, edges: next})
	}
}

func (r *Router) dropEdgesLocked(match func(Edge) bool) {
	var drop []Edge
	for e := range r.topo.Load().edges {
		if match(e) {
			drop = append(drop, e)
		}
	}
	if len(drop) > 0 {
		r.mutateLocked("drop", nil, drop, true)
	}
}

func (r *Router) absorb(err *GraphError, quiet bool) {
	r.graphErrs++
	if !quiet {
		logging.Debugw("graph change skipped", "err", err)
	}
}

func (r *Router) nodeAllocatedLocked(n Node) bool {
	switch n {
	case NodePlayback:
		return r.playback != nil
	case NodeCapture, NodeRecordMixer:
		return r.armed
	case NodeRecordDestination:
		return r.recorder != nil
	default:
		return false
	}
}

func (r *Router) publishNodesLocked() {
	ns := &nodeSet{playback: r.playback, recorder: r.recorder}
	if r.armed {
		ns.mixer = r.mixer
		ns.captureLevels = r.capLevels
		ns.playbackLevels = r.pbLevels
	}
	r.nodes.Store(ns)
}

// TopologyVersion counts structural edge changes since creation.
func (r *Router) TopologyVersion() uint64 { return r.topo.Load().version }

// Edges returns the active edges in a stable order.
func (r *Router) Edges() []Edge {
	edges := slices.Collect(maps.Keys(r.topo.Load().edges))
	slices.SortFunc(edges, func(a, b Edge) int {
		if a.From != b.From {
			return int(a.From) - int(b.From)
		}
		if a.To != b.To {
			return int(a.To) - int(b.To)
		}
		return a.Input - b.Input
	})
	return edges
}

// CaptureLevels returns the microphone analyser while the graph is armed.
func (r *Router) CaptureLevels() (LevelSource, bool) {
	ns := r.nodes.Load()
	if ns == nil || ns.captureLevels == nil {
		return nil, false
	}
	return ns.captureLevels, true
}

// PlaybackLevels returns the remote audio analyser while the graph is armed.
func (r *Router) PlaybackLevels() (LevelSource, bool) {
	ns := r.nodes.Load()
	if ns == nil || ns.playbackLevels == nil {
		return nil, false
	}
	return ns.playbackLevels, true
}

// Release frees the armed nodes. Level samplers observing them stop on
// their next tick.
func (r *Router) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropEdgesLocked(func(Edge) bool { return true })
	r.recording = false
	r.armed = false
	r.mixer, r.capLevels, r.pbLevels = nil, nil, nil
	r.publishNodesLocked()
}

// RenderPlayback is the audio clock callback for the output side. It fills
// out from the playback sink and feeds the mixer when recording.
func (r *Router) RenderPlayback(out []int16) {
	ns := r.nodes.Load()
	if ns.playback == nil {
		clear(out)
		return
	}
	ns.playback.Render(out)
	if ns.playbackLevels != nil {
		ns.playbackLevels.Write(out)
	}
	t := r.topo.Load()
	if ns.mixer != nil && ns.recorder != nil && t.has(EdgePlaybackToMixer) && t.has(EdgeMixerToRecorder) {
		ns.recorder.OnData(ns.mixer.Mix(out, t.has(EdgeCaptureToMixer)))
	}
}

// PushCapture is the audio clock callback for the input side.
func (r *Router) PushCapture(in []int16) {
	ns := r.nodes.Load()
	if ns.captureLevels != nil {
		ns.captureLevels.Write(in)
	}
	if ns.mixer != nil && r.topo.Load().has(EdgeCaptureToMixer) {
		ns.mixer.PushRight(in)
	}
	if up := r.uplink.Load(); up != nil {
		(*up)(in)
	}
}

// RecordMixer interleaves remote audio (left) with microphone audio (right).
// The microphone side is buffered because capture and render callbacks may
// run on different threads; missing microphone samples are silence.
type RecordMixer struct {
	mu      sync.Mutex
	right   []int16
	backlog int
}

// NewRecordMixer returns a mixer holding at most backlog microphone samples.
func NewRecordMixer(backlog int) *RecordMixer {
	if backlog <= 0 {
		backlog = 24000
	}
	return &RecordMixer{backlog: backlog}
}

// PushRight queues microphone samples, discarding the oldest beyond backlog.
func (m *RecordMixer) PushRight(s []int16) {
	m.mu.Lock()
	m.right = append(m.right, s...)
	if over := len(m.right) - m.backlog; over > 0 {
		m.right = append(m.right[:0], m.right[over:]...)
	}
	m.mu.Unlock()
}

// Mix returns a new interleaved stereo frame for left. When withRight is
// false the right channel is silent.
func (m *RecordMixer) Mix(left []int16, withRight bool) []int16 {
	out := make([]int16, 2*len(left))
	for i, v := range left {
		out[2*i] = v
	}
	if !withRight {
		return out
	}
	m.mu.Lock()
	n := min(len(left), len(m.right))
	for i := 0; i < n; i++ {
		out[2*i+1] = m.right[i]
	}
	m.right = append(m.right[:0], m.right[n:]...)
	m.mu.Unlock()
	return out
}

// Reset drops buffered microphone audio.
func (m *RecordMixer) Reset() {
	m.mu.Lock()
	m.right = m.right[:0]
	m.mu.Unlock()
}
