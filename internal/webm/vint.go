package webm

import "math/bits"

// readVintLength determines the encoded byte length of the variable-length
// integer starting at buf[off]. The 1-based position of the most significant
// set bit in the marker byte encodes the total length (1..8 bytes).
//
// ok is false when the marker byte or the remaining integer bytes have not
// arrived yet; that is the normal "wait for more input" signal, not an error.
// A marker byte of zero has no defined length and makes the stream
// unparseable, so it is reported as ErrMalformedVint.
func readVintLength(buf []byte, off int) (n int, ok bool, err error) {
	if off >= len(buf) {
		return 0, false, nil
	}

	marker := buf[off]
	if marker == 0 {
		return 0, false, ErrMalformedVint
	}

	n = bits.LeadingZeros8(marker) + 1
	if off+n > len(buf) {
		return 0, false, nil
	}

	return n, true, nil
}

// readVintValue decodes the unsigned integer stored in buf[start:end],
// masking the length marker bits out of the first byte. Used for size
// fields, where the marker is not part of the value.
func readVintValue(buf []byte, start, end int) uint64 {
	width := end - start
	v := uint64(buf[start]) & uint64(0xff>>uint(width))
	for _, b := range buf[start+1 : end] {
		v = v<<8 | uint64(b)
	}
	return v
}

// readElementID decodes the element ID stored in buf[start:end]. Element IDs
// keep their marker bits, so the raw bytes are concatenated as-is; this
// matches the conventional spelling of Matroska IDs (0x1a45dfa3 and friends).
func readElementID(buf []byte, start, end int) uint64 {
	var v uint64
	for _, b := range buf[start:end] {
		v = v<<8 | uint64(b)
	}
	return v
}
