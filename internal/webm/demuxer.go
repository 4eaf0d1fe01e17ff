package webm

import (
	"bytes"
	"errors"
)

// Terminal demuxer errors. All of them are unrecoverable for the current
// stream; the demuxer keeps returning the same error once one occurs.
var (
	ErrMissingEBMLHeader = errors.New("webm: stream does not begin with an EBML header")
	ErrUnsupportedCodec  = errors.New("webm: audio track is not encoded with Opus")
	ErrNoAudioTrack      = errors.New("webm: no audio track found before first block")
	ErrMalformedVint     = errors.New("webm: malformed vint length marker")
)

const (
	// audioTrackType is the Matroska TrackType value for audio tracks.
	audioTrackType = 2

	// blockHeaderSize is the fixed SimpleBlock prefix (track reference vint,
	// 16-bit relative timecode, flags byte) stripped before emitting a frame.
	blockHeaderSize = 4
)

// opusMagic is the signature at the start of an Opus CodecPrivate element.
var opusMagic = []byte("OpusHead")

// Track describes the audio track selected for extraction. At most one track
// is ever selected per stream; the first audio track wins.
type Track struct {
	Number uint8
}

// Demuxer incrementally parses a WebM byte stream and extracts the Opus
// frames belonging to the first audio track. Chunks of any size may be
// submitted; element headers, size fields, and payloads split across chunk
// boundaries are reassembled transparently.
//
// A Demuxer is not safe for concurrent use. Chunks must be submitted in
// stream order.
type Demuxer struct {
	// tail holds the unconsumed suffix of the previous chunk, waiting for
	// enough data to interpret it. Replaced, never mutated in place.
	tail []byte

	// totalSeen counts every byte ever submitted; consumed counts bytes the
	// walker has fully interpreted or deliberately discarded.
	totalSeen uint64
	consumed  uint64

	// skipTo is the absolute stream position up to which all bytes are
	// discarded without interpretation. Active only while skipping is set.
	skipTo   uint64
	skipping bool

	awaitingHeader bool

	// Track discovery accumulator, reset on each TrackEntry. -1 means the
	// field has not been seen in the current entry.
	trackNumber int
	trackType   int
	track       *Track

	framesOut uint64
	err       error
}

// NewDemuxer creates a demuxer for a single WebM stream.
func NewDemuxer() *Demuxer {
	return &Demuxer{
		awaitingHeader: true,
		trackNumber:    -1,
		trackType:      -1,
	}
}

// stepStatus reports the outcome of one tag-read attempt.
type stepStatus uint8

const (
	stepAdvanced stepStatus = iota
	stepNeedMore
	stepSkipping
)

// Write submits the next chunk of the stream and returns the Opus frames it
// completed, in stream order. A short return is normal: bytes that cannot be
// interpreted yet are retained and re-examined on the next call.
//
// Any returned error is terminal for this stream.
func (d *Demuxer) Write(chunk []byte) ([][]byte, error) {
	if d.err != nil {
		return nil, d.err
	}

	buf := chunk
	if len(d.tail) > 0 {
		buf = append(d.tail, chunk...)
		d.tail = nil
	}
	d.totalSeen += uint64(len(chunk))

	// Absolute stream position of buf[0].
	base := d.totalSeen - uint64(len(buf))

	off := 0
	if d.skipping {
		if d.totalSeen <= d.skipTo {
			// The whole chunk is inside the skip range.
			d.consumed = d.totalSeen
			return nil, nil
		}
		off = int(d.skipTo - base)
		d.skipping = false
	}

	var frames [][]byte
	for off < len(buf) {
		next, frame, status, err := d.step(buf, off, base)
		if err != nil {
			d.err = err
			return frames, err
		}
		if frame != nil {
			frames = append(frames, frame)
			d.framesOut++
		}
		if status == stepNeedMore {
			break
		}
		if status == stepSkipping {
			// step set skipTo; the rest of the buffer is discarded.
			d.skipping = true
			d.consumed = d.totalSeen
			return frames, nil
		}
		off = next
	}

	if off < len(buf) {
		d.tail = append([]byte(nil), buf[off:]...)
	}
	d.consumed = base + uint64(off)

	return frames, nil
}

// step attempts to read one element at buf[off]. It returns the offset after
// the element (for stepAdvanced), a completed Opus frame if the element was a
// matching SimpleBlock, and the status describing how the walker should
// proceed.
func (d *Demuxer) step(buf []byte, off int, base uint64) (next int, frame []byte, status stepStatus, err error) {
	idLen, ok, err := readVintLength(buf, off)
	if err != nil {
		return 0, nil, 0, err
	}
	if !ok {
		return 0, nil, stepNeedMore, nil
	}
	id := readElementID(buf, off, off+idLen)

	if d.awaitingHeader {
		if id != idEBML {
			return 0, nil, 0, ErrMissingEBMLHeader
		}
		d.awaitingHeader = false
	}

	sizeOff := off + idLen
	sizeLen, ok, err := readVintLength(buf, sizeOff)
	if err != nil {
		return 0, nil, 0, err
	}
	if !ok {
		return 0, nil, stepNeedMore, nil
	}
	dataLen := readVintValue(buf, sizeOff, sizeOff+sizeLen)
	dataOff := sizeOff + sizeLen
	end := uint64(dataOff) + dataLen

	info, known := elementRegistry[id]
	if !known {
		if end <= uint64(len(buf)) {
			// Uninteresting element, fully buffered: discard in place.
			return int(end), nil, stepAdvanced, nil
		}
		// Payload extends beyond the buffer; discard everything up to its
		// absolute end without reinterpretation.
		d.skipTo = base + end
		return len(buf), nil, stepSkipping, nil
	}

	if info.container {
		// Descend: only the header is consumed, the first child is parsed at
		// the current position on the next iteration.
		if id == idTrackEntry && d.track == nil {
			d.trackNumber = -1
			d.trackType = -1
		}
		return dataOff, nil, stepAdvanced, nil
	}

	if end > uint64(len(buf)) {
		// Known leaf payloads are buffered whole, never skipped.
		return 0, nil, stepNeedMore, nil
	}

	frame, err = d.handleLeaf(info.role, buf[dataOff:end])
	if err != nil {
		return 0, nil, 0, err
	}
	return int(end), frame, stepAdvanced, nil
}

// handleLeaf dispatches a fully buffered known leaf payload by role.
func (d *Demuxer) handleLeaf(role fieldRole, data []byte) ([]byte, error) {
	switch role {
	case roleTrackNumber:
		if d.track == nil && len(data) > 0 {
			d.trackNumber = int(data[0])
			d.maybePromote()
		}

	case roleTrackType:
		if d.track == nil && len(data) > 0 {
			d.trackType = int(data[0])
			d.maybePromote()
		}

	case roleCodecPrivate:
		if len(data) < len(opusMagic) || !bytes.Equal(data[:len(opusMagic)], opusMagic) {
			return nil, ErrUnsupportedCodec
		}

	case roleSimpleBlock:
		if d.track == nil {
			return nil, ErrNoAudioTrack
		}
		if len(data) < blockHeaderSize {
			// Truncated block header, nothing to emit.
			return nil, nil
		}
		if data[0]&0x0f != d.track.Number {
			// Block belongs to another track.
			return nil, nil
		}
		// Always non-nil so a zero-length frame still counts as an emission.
		frame := make([]byte, len(data)-blockHeaderSize)
		copy(frame, data[blockHeaderSize:])
		return frame, nil
	}

	return nil, nil
}

// maybePromote fixes the discovered track once both fields of the current
// TrackEntry are known and the type is audio.
func (d *Demuxer) maybePromote() {
	if d.trackNumber >= 0 && d.trackType == audioTrackType {
		d.track = &Track{Number: uint8(d.trackNumber)}
	}
}

// Track returns the discovered audio track, if any.
func (d *Demuxer) Track() (Track, bool) {
	if d.track == nil {
		return Track{}, false
	}
	return *d.track, true
}

// BytesSeen returns the total number of bytes submitted so far.
func (d *Demuxer) BytesSeen() uint64 { return d.totalSeen }

// BytesConsumed returns the number of bytes fully interpreted or discarded.
func (d *Demuxer) BytesConsumed() uint64 { return d.consumed }

// FramesEmitted returns the number of Opus frames emitted so far.
func (d *Demuxer) FramesEmitted() uint64 { return d.framesOut }

// Err returns the terminal error, if one has occurred.
func (d *Demuxer) Err() error { return d.err }
