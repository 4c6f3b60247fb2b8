package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"github.com/pion/webrtc/v3/pkg/media/oggwriter"
)

// Framing names how compressed packets are carried in audio frames.
type Framing string

const (
	// FramingOgg carries an Ogg Opus stream split arbitrarily across frames.
	FramingOgg Framing = "ogg"
	// FramingRaw carries exactly one packet per frame.
	FramingRaw Framing = "raw"
)

// Depacketizer splits inbound frame payloads into codec packets. It keeps
// state across calls so a packet may span frames.
type Depacketizer interface {
	Split(payload []byte) ([][]byte, error)
}

// NewDepacketizer returns the depacketizer for f.
func NewDepacketizer(f Framing) (Depacketizer, error) {
	switch f {
	case FramingOgg:
		return &oggDepacketizer{}, nil
	case FramingRaw, "":
		return rawDepacketizer{}, nil
	default:
		return nil, fmt.Errorf("unknown framing %q", f)
	}
}

type rawDepacketizer struct{}

func (rawDepacketizer) Split(payload []byte) ([][]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	return [][]byte{payload}, nil
}

// oggDepacketizer parses a live Ogg stream. Bytes of an incomplete page are
// kept until the next payload completes it; the reader is rewound to the
// last complete page on every call.
type oggDepacketizer struct {
	buf    []byte
	base   int64
	reader *oggreader.OggReader
}

func isShortRead(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

var oggCapture = []byte("OggS")

func (d *oggDepacketizer) Split(payload []byte) ([][]byte, error) {
	d.buf = append(d.buf, payload...)
	if d.reader == nil {
		if len(d.buf) >= len(oggCapture) && !bytes.HasPrefix(d.buf, oggCapture) {
			d.reset()
			return nil, errors.New("ogg stream header: missing capture pattern")
		}
		r, _, err := oggreader.NewWith(bytes.NewReader(d.buf))
		if err != nil {
			if isShortRead(err) {
				return nil, nil
			}
			d.reset()
			return nil, fmt.Errorf("ogg stream header: %w", err)
		}
		d.reader = r
	}

	var packets [][]byte
	var errs []error
	for {
		// The reader trusts the page header, so the capture pattern is
		// checked here before every page.
		if rest := d.buf[d.position()-d.base:]; len(rest) >= len(oggCapture) && !bytes.HasPrefix(rest, oggCapture) {
			errs = append(errs, errors.New("ogg page: missing capture pattern"))
			d.resync()
			continue
		}
		page, _, err := d.reader.ParseNextPage()
		if err != nil {
			if isShortRead(err) {
				break
			}
			errs = append(errs, fmt.Errorf("ogg page: %w", err))
			d.resync()
			continue
		}
		if bytes.HasPrefix(page, []byte("OpusTags")) || len(page) == 0 {
			continue
		}
		packets = append(packets, page)
	}
	pos := d.position()
	d.buf = append(d.buf[:0:0], d.buf[pos-d.base:]...)
	d.base = pos
	return packets, errors.Join(errs...)
}

func (d *oggDepacketizer) rewind(n int64) io.Reader {
	return bytes.NewReader(d.buf[n-d.base:])
}

// position returns the stream offset just past the last complete page and
// leaves the reader positioned there.
func (d *oggDepacketizer) position() int64 {
	var pos int64
	d.reader.ResetReader(func(n int64) io.Reader {
		pos = n
		return d.rewind(n)
	})
	return pos
}

// resync skips a corrupt page by moving to the next capture pattern. Without
// one, only a tail that could begin a pattern is kept.
func (d *oggDepacketizer) resync() {
	pos := d.position()
	rest := d.buf[pos-d.base:]
	if next := bytes.Index(rest[min(1, len(rest)):], oggCapture); next >= 0 {
		rest = rest[1+next:]
	} else {
		keep := 0
		for k := min(len(oggCapture)-1, len(rest)); k > 0; k-- {
			if bytes.HasPrefix(oggCapture, rest[len(rest)-k:]) {
				keep = k
				break
			}
		}
		rest = rest[len(rest)-keep:]
	}
	d.buf = append([]byte(nil), rest...)
	d.base = pos
	d.reader.ResetReader(d.rewind)
}

// reset drops buffered bytes after a corrupt stream; parsing restarts at the
// next stream header.
func (d *oggDepacketizer) reset() {
	d.buf = nil
	d.base = 0
	d.reader = nil
}

// OggMuxer wraps encoded packets into an Ogg Opus stream. The stream
// headers are emitted with the first Flush.
type OggMuxer struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	w        *oggwriter.OggWriter
	seq      uint16
	ts       uint32
	ssrc     uint32
	frameInc uint32
}

// NewOggMuxer returns a muxer for frames of frameSamples samples at
// sampleRate. Granule positions advance at the Opus reference rate of 48 kHz.
func NewOggMuxer(sampleRate, channels, frameSamples int) (*OggMuxer, error) {
	m := &OggMuxer{
		ssrc:     rand.Uint32(),
		ts:       rand.Uint32N(1 << 16),
		frameInc: uint32(frameSamples * 48000 / sampleRate),
	}
	w, err := oggwriter.NewWith(&m.buf, uint32(sampleRate), uint16(channels))
	if err != nil {
		return nil, fmt.Errorf("ogg writer: %w", err)
	}
	m.w = w
	return m, nil
}

// Write appends one packet as an Ogg page.
func (m *OggMuxer) Write(packet []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.ts += m.frameInc
	p := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    111,
			SequenceNumber: m.seq,
			Timestamp:      m.ts,
			SSRC:           m.ssrc,
		},
		Payload: packet,
	}
	return m.w.WriteRTP(p)
}

// Flush returns the stream bytes written since the previous Flush.
func (m *OggMuxer) Flush() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.buf.Len() == 0 {
		return nil
	}
	out := append([]byte(nil), m.buf.Bytes()...)
	m.buf.Reset()
	return out
}
