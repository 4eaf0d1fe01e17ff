package ogg

import (
	"bytes"
	"errors"
)

// ErrNotOpus is returned when the first packet of the logical stream does not
// carry an OpusHead signature. It is terminal for the stream.
var ErrNotOpus = errors.New("ogg: stream is not Opus encoded")

const (
	// pageHeaderSize is the fixed Ogg page header ahead of the segment table.
	pageHeaderSize = 27

	// defaultMaxBuffer caps the bytes retained while waiting for a complete
	// page, to bound memory against garbage input with no page boundaries.
	defaultMaxBuffer = 2 << 20
)

var (
	pageMagic = []byte("OggS")
	headMagic = []byte("OpusHead")
	tagsMagic = []byte("OpusTags")
)

// Demuxer incrementally parses an Ogg byte stream and extracts the Opus
// packets, reassembling packets spread across lacing segments and pages.
// Not safe for concurrent use.
type Demuxer struct {
	buf     []byte
	partial []byte // packet under reassembly across segments/pages
	maxBuf  int

	headerSeen bool
	err        error
}

// NewDemuxer creates a demuxer for a single Ogg Opus stream.
func NewDemuxer() *Demuxer {
	return &Demuxer{maxBuf: defaultMaxBuffer}
}

// Write submits the next chunk of the stream and returns the Opus packets it
// completed, in stream order.
func (d *Demuxer) Write(chunk []byte) ([][]byte, error) {
	if d.err != nil {
		return nil, d.err
	}

	d.buf = append(d.buf, chunk...)
	if d.maxBuf > 0 && len(d.buf) > d.maxBuf {
		// Resynchronize on the last page boundary rather than growing without
		// bound on unframed input. Discarding bytes breaks lacing continuity,
		// so any packet under reassembly is dropped with them.
		if i := bytes.LastIndex(d.buf, pageMagic); i > 0 {
			d.buf = d.buf[i:]
			d.partial = nil
		}
		if len(d.buf) > d.maxBuf {
			d.buf = d.buf[len(d.buf)-d.maxBuf:]
			d.partial = nil
		}
	}

	var packets [][]byte
	for {
		page, rest, ok := d.nextPage()
		if !ok {
			break
		}
		d.buf = rest

		out, err := d.readPage(page)
		if err != nil {
			d.err = err
			return packets, err
		}
		packets = append(packets, out...)
	}

	return packets, nil
}

// nextPage locates and extracts one complete page from the buffer. ok is
// false when no complete page is available yet.
func (d *Demuxer) nextPage() (page, rest []byte, ok bool) {
	i := bytes.Index(d.buf, pageMagic)
	if i < 0 {
		return nil, nil, false
	}
	if i > 0 {
		d.buf = d.buf[i:]
	}
	if len(d.buf) < pageHeaderSize {
		return nil, nil, false
	}

	segments := int(d.buf[26])
	headerLen := pageHeaderSize + segments
	if len(d.buf) < headerLen {
		return nil, nil, false
	}

	bodyLen := 0
	for _, s := range d.buf[pageHeaderSize:headerLen] {
		bodyLen += int(s)
	}
	if len(d.buf) < headerLen+bodyLen {
		return nil, nil, false
	}

	return d.buf[:headerLen+bodyLen], d.buf[headerLen+bodyLen:], true
}

// readPage walks one page's lacing table and emits the packets it completes.
func (d *Demuxer) readPage(page []byte) ([][]byte, error) {
	segments := int(page[26])
	table := page[pageHeaderSize : pageHeaderSize+segments]
	body := page[pageHeaderSize+segments:]

	var packets [][]byte
	off := 0
	for _, lace := range table {
		d.partial = append(d.partial, body[off:off+int(lace)]...)
		off += int(lace)

		// A lacing value below 255 terminates the current packet.
		if lace < 255 {
			packet := d.partial
			d.partial = nil

			if !d.headerSeen {
				if !bytes.HasPrefix(packet, headMagic) {
					return packets, ErrNotOpus
				}
				d.headerSeen = true
				continue
			}
			if bytes.HasPrefix(packet, tagsMagic) {
				continue
			}
			packets = append(packets, packet)
		}
	}

	return packets, nil
}

// HeaderSeen reports whether the OpusHead packet has been observed.
func (d *Demuxer) HeaderSeen() bool { return d.headerSeen }

// Err returns the terminal error, if one has occurred.
func (d *Demuxer) Err() error { return d.err }
