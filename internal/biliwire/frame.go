// Package biliwire implements the binary push protocol framing used by the
// Bilibili live danmaku feed: a 16-byte big-endian header followed by a body
// that is either a JSON command, a 4-byte integer, or a compressed batch of
// further frames.
package biliwire

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// HeaderLen is the fixed frame header size. Every header on the wire
// carries this value in its headerLength field.
const HeaderLen = 16

// Body encodings.
const (
	EncodingPlain  uint16 = 0
	EncodingInt32  uint16 = 1
	EncodingZlib   uint16 = 2
	EncodingBrotli uint16 = 3
)

// Operations.
const (
	OpHeartbeat    int32 = 2
	OpHeartbeatAck int32 = 3
	OpMessage      int32 = 5
	OpAuth         int32 = 7
	OpAuthAck      int32 = 8
)

// Frame is one decoded protocol unit.
type Frame struct {
	Encoding  uint16
	Operation int32
	Sequence  int32
	Body      []byte
}

// Command reports whether the frame carries a JSON command payload for the
// normalizer. Heartbeat acks and other non-plain frames are decoded but
// dropped by the consumer.
func (f Frame) Command() bool {
	return f.Operation == OpMessage && f.Encoding == EncodingPlain
}

// ErrShortFrame signals that the buffer does not yet hold a complete frame.
// The caller should read more bytes and try again; decoding never blocks.
var ErrShortFrame = errors.New("biliwire: incomplete frame")

// ErrMalformed reports an unusable frame header or compressed payload.
var ErrMalformed = errors.New("biliwire: malformed frame")

type header struct {
	totalLen  uint32
	headerLen uint16
	encoding  uint16
	operation int32
	sequence  int32
}

func parseHeader(buf []byte) (header, error) {
	if len(buf) < HeaderLen {
		return header{}, ErrShortFrame
	}
	h := header{
		totalLen:  binary.BigEndian.Uint32(buf[0:4]),
		headerLen: binary.BigEndian.Uint16(buf[4:6]),
		encoding:  binary.BigEndian.Uint16(buf[6:8]),
		operation: int32(binary.BigEndian.Uint32(buf[8:12])),
		sequence:  int32(binary.BigEndian.Uint32(buf[12:16])),
	}
	if h.headerLen != HeaderLen || h.totalLen < uint32(h.headerLen) {
		return header{}, errors.Wrapf(ErrMalformed, "total=%d header=%d", h.totalLen, h.headerLen)
	}
	return h, nil
}

// AppendFrame encodes a frame with the given operation and body onto dst.
// Outbound frames always use the plain encoding and sequence 1.
func AppendFrame(dst []byte, op int32, body []byte) []byte {
	total := uint32(HeaderLen + len(body))
	var hdr [HeaderLen]byte
	binary.BigEndian.PutUint32(hdr[0:4], total)
	binary.BigEndian.PutUint16(hdr[4:6], HeaderLen)
	binary.BigEndian.PutUint16(hdr[6:8], EncodingPlain)
	binary.BigEndian.PutUint32(hdr[8:12], uint32(op))
	binary.BigEndian.PutUint32(hdr[12:16], 1)
	dst = append(dst, hdr[:]...)
	return append(dst, body...)
}
