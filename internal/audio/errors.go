package audio

import (
	"errors"
	"fmt"
)

var (
	// ErrWorkerClosed is returned when frames are submitted after Close.
	ErrWorkerClosed = errors.New("decoder worker closed")
	// ErrNotWarm is reported for frames decoded before Prewarm.
	ErrNotWarm = errors.New("decoder not initialized")
	// ErrPermission marks a capture or playback device the platform refused
	// to open.
	ErrPermission = errors.New("audio device access denied")
)

// DecodeError describes one frame that could not be decoded. It is counted
// and logged; the frame is skipped and the stream continues.
type DecodeError struct {
	Seq uint64
	Err error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode frame %d: %v", e.Seq, e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }

// GraphError describes an edge mutation that was not applied because the
// graph was already in the requested topology or a node was missing.
type GraphError struct {
	Op   string
	Edge Edge
	Err  error
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("graph %s %s: %v", e.Op, e.Edge, e.Err)
}

func (e *GraphError) Unwrap() error { return e.Err }

var (
	errEdgeExists  = errors.New("edge already connected")
	errEdgeMissing = errors.New("edge not connected")
	errNodeMissing = errors.New("node not allocated")
)
