// Package wire implements the framed-message codec used on the tunnel's
// WebSocket connection: a 4-byte correlation id followed by an opaque DNS
// wire-format payload.
package wire

import (
	"encoding/binary"
	"fmt"
)

// HeaderLen is the size, in bytes, of the correlation id prefix.
const HeaderLen = 4

// MaxPayloadLen is the largest DNS payload a frame carries, matching the
// largest UDP datagram a listener can receive (RFC 791's 65,535 byte IP
// limit minus UDP/IP headers). Encode does not check it; both sides use it
// to size their WebSocket read limit.
const MaxPayloadLen = 65507

// Encode appends a framed message to dst: the 4-byte big-endian id followed
// by payload. The byte order is a protocol-level choice, not a requirement
// of the underlying transport; client and server must agree, and this
// package is the only place either side is allowed to make that choice.
func Encode(dst []byte, id uint32, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, id)
	return append(dst, payload...)
}

// Decode splits a framed message into its correlation id and payload. It
// returns an error if msg is shorter than HeaderLen, satisfying spec
// invariant 1 (every post-auth frame has length >= 4).
func Decode(msg []byte) (id uint32, payload []byte, err error) {
	if len(msg) < HeaderLen {
		return 0, nil, fmt.Errorf("wire: frame too short: %d bytes", len(msg))
	}
	id = binary.BigEndian.Uint32(msg[:HeaderLen])
	return id, msg[HeaderLen:], nil
}
