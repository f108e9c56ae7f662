package server

import "bytes"

// asciiEncoder converts LF to CRLF for outgoing ASCII transfers.
//
// Files that already use CRLF are passed through untouched. The last byte of
// the previous chunk is remembered so a CR at the end of one chunk and the LF
// at the start of the next are not doubled.
type asciiEncoder struct {
	prevWasCR bool
}

// encode appends the converted form of src to dst.
func (e *asciiEncoder) encode(dst, src []byte) []byte {
	for len(src) > 0 {
		idx := bytes.IndexByte(src, '\n')
		if idx == -1 {
			dst = append(dst, src...)
			e.prevWasCR = src[len(src)-1] == '\r'
			return dst
		}

		if idx > 0 {
			dst = append(dst, src[:idx]...)
			e.prevWasCR = src[idx-1] == '\r'
		}
		if !e.prevWasCR {
			dst = append(dst, '\r')
		}
		dst = append(dst, '\n')
		e.prevWasCR = false
		src = src[idx+1:]
	}
	return dst
}

// asciiDecoder converts CRLF to LF for incoming ASCII transfers.
//
// A CR that ends a chunk is held back until the next chunk shows whether an
// LF follows it. Call flush at end of stream to release it.
type asciiDecoder struct {
	pendingCR bool
}

// decode appends the converted form of src to dst.
func (d *asciiDecoder) decode(dst, src []byte) []byte {
	if len(src) == 0 {
		return dst
	}
	if d.pendingCR {
		d.pendingCR = false
		if src[0] != '\n' {
			dst = append(dst, '\r')
		}
	}

	for len(src) > 0 {
		idx := bytes.IndexByte(src, '\r')
		if idx == -1 {
			return append(dst, src...)
		}
		dst = append(dst, src[:idx]...)
		src = src[idx+1:]

		switch {
		case len(src) == 0:
			d.pendingCR = true
		case src[0] == '\n':
			// CRLF, the LF is copied with the next run
		default:
			// Lone CR
			dst = append(dst, '\r')
		}
	}
	return dst
}

// flush appends a CR still held back at end of stream.
func (d *asciiDecoder) flush(dst []byte) []byte {
	if d.pendingCR {
		d.pendingCR = false
		dst = append(dst, '\r')
	}
	return dst
}
