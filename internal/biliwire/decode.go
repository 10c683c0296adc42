package biliwire

import (
	"bytes"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/pkg/errors"
)

// Decode parses one outer frame from the front of buf. It returns the
// decoded frames (several when the outer frame is a compressed batch), the
// number of bytes consumed, and an error. ErrShortFrame means buf holds less
// than a complete frame and more data is needed.
//
// Compressed message frames (encoding 2 or 3) expand into the sub-frames of
// the decompressed stream; the outer frame's own operation and encoding are
// discarded once decompression succeeds. Sub-frames are never themselves
// compressed. Every other frame is yielded as-is with its body sliced out of
// buf.
func Decode(buf []byte) ([]Frame, int, error) {
	h, err := parseHeader(buf)
	if err != nil {
		return nil, 0, err
	}
	if uint32(len(buf)) < h.totalLen {
		return nil, 0, ErrShortFrame
	}
	consumed := int(h.totalLen)

	if h.operation == OpMessage && (h.encoding == EncodingZlib || h.encoding == EncodingBrotli) {
		frames, err := expand(h.encoding, buf[HeaderLen:h.totalLen])
		if err != nil {
			return nil, consumed, err
		}
		return frames, consumed, nil
	}

	body := make([]byte, h.totalLen-HeaderLen)
	copy(body, buf[HeaderLen:h.totalLen])
	return []Frame{{
		Encoding:  h.encoding,
		Operation: h.operation,
		Sequence:  h.sequence,
		Body:      body,
	}}, consumed, nil
}

// expand inflates a compressed batch and re-parses the 16-byte sub-frame
// headers from the decompressed stream until fewer than a header remains.
//
// For zlib-style framing the first two body bytes are the compressor's own
// header and the rest is a raw deflate stream; brotli framing has no such
// prefix. The asymmetry is part of the wire protocol, do not unify it.
func expand(encoding uint16, body []byte) ([]Frame, error) {
	skip := 0
	if encoding == EncodingZlib {
		skip = 2
	}
	if len(body) < skip {
		return nil, errors.Wrap(ErrMalformed, "compressed body shorter than compression header")
	}

	var r io.Reader
	src := bytes.NewReader(body[skip:])
	if encoding == EncodingZlib {
		r = flate.NewReader(src)
	} else {
		r = brotli.NewReader(src)
	}

	stream, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(ErrMalformed, "decompress encoding=%d: %v", encoding, err)
	}

	var frames []Frame
	for len(stream) >= HeaderLen {
		h, err := parseHeader(stream)
		if err != nil {
			return nil, errors.Wrap(ErrMalformed, "sub-frame header")
		}
		if uint32(len(stream)) < h.totalLen {
			return nil, errors.Wrap(ErrMalformed, "truncated sub-frame")
		}
		body := make([]byte, h.totalLen-HeaderLen)
		copy(body, stream[HeaderLen:h.totalLen])
		frames = append(frames, Frame{
			Encoding:  h.encoding,
			Operation: h.operation,
			Sequence:  h.sequence,
			Body:      body,
		})
		stream = stream[h.totalLen:]
	}
	return frames, nil
}
