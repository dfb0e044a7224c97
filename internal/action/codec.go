package action

import (
	"encoding/binary"
	"fmt"

	"github.com/GMLC-TDC/HELICS-sub006/internal/herrors"
	"github.com/GMLC-TDC/HELICS-sub006/internal/hltime"
	"github.com/GMLC-TDC/HELICS-sub006/internal/ids"
)

func gid(v int64) ids.GlobalId     { return ids.GlobalId(v) }
func hid(v int64) ids.HandleId     { return ids.HandleId(v) }
func htime(v int64) hltime.Time    { return hltime.Time(v) }

// fixedHeaderSize is the byte size of the fixed portion of an encoded
// message: action(4) + messageID(4) + source(8) + dest(8) +
// sourceHandle(8) + destHandle(8) + sequenceID(4) + actionTime(8) +
// Te(8) + Tdemin(8) + counter(2) + flags(2) = 72 bytes, followed by a
// length-prefixed payload and a length-prefixed string vector.
const fixedHeaderSize = 4 + 4 + 8 + 8 + 8 + 8 + 4 + 8 + 8 + 8 + 2 + 2

// ErrNeedMoreBytes is returned by Decode/Depacketize when the supplied
// buffer holds a trailing partial frame. No state is mutated on this
// path, matching spec §4.1's round-trip contract.
var ErrNeedMoreBytes = fmt.Errorf("action: need more bytes")

// Encode serializes m into the wire format: fixed header, then a
// 4-byte-length-prefixed payload, then a 4-byte-length-prefixed string
// vector (each string itself length-prefixed), then the length-prefixed
// SignerKey and Signature blobs (spec §4.2a).
func Encode(m *Message) ([]byte, error) {
	buf := make([]byte, fixedHeaderSize)
	off := 0
	putI32(buf, &off, int32(m.Action))
	putI32(buf, &off, m.MessageID)
	putI64(buf, &off, int64(m.SourceID))
	putI64(buf, &off, int64(m.DestID))
	putI64(buf, &off, int64(m.SourceHandle))
	putI64(buf, &off, int64(m.DestHandle))
	putI32(buf, &off, m.SequenceID)
	putI64(buf, &off, int64(m.ActionTime))
	putI64(buf, &off, int64(m.Te))
	putI64(buf, &off, int64(m.Tdemin))
	putI16(buf, &off, m.Counter)
	putU16(buf, &off, uint16(m.Flags))

	payloadLen := make([]byte, 4)
	binary.BigEndian.PutUint32(payloadLen, uint32(len(m.Payload)))
	buf = append(buf, payloadLen...)
	buf = append(buf, m.Payload...)

	strCount := make([]byte, 4)
	binary.BigEndian.PutUint32(strCount, uint32(len(m.StringData)))
	buf = append(buf, strCount...)
	for _, s := range m.StringData {
		sLen := make([]byte, 4)
		binary.BigEndian.PutUint32(sLen, uint32(len(s)))
		buf = append(buf, sLen...)
		buf = append(buf, s...)
	}

	buf = appendLenPrefixed(buf, m.SignerKey)
	buf = appendLenPrefixed(buf, m.Signature)

	return buf, nil
}

func appendLenPrefixed(buf, data []byte) []byte {
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(data)))
	buf = append(buf, lenBuf...)
	return append(buf, data...)
}

// readLenPrefixed reads a length-prefixed byte blob starting at *off,
// returning ErrNeedMoreBytes if the buffer doesn't yet hold it. A
// zero-length blob decodes to a nil slice, matching an unset field.
func readLenPrefixed(data []byte, off *int) ([]byte, error) {
	if len(data) < *off+4 {
		return nil, ErrNeedMoreBytes
	}
	n := int(binary.BigEndian.Uint32(data[*off:]))
	*off += 4
	if n < 0 || *off+n > len(data) {
		return nil, ErrNeedMoreBytes
	}
	if n == 0 {
		return nil, nil
	}
	out := append([]byte(nil), data[*off:*off+n]...)
	*off += n
	return out, nil
}

// Decode parses a single Message from data. It returns ErrNeedMoreBytes
// (with no error wrapped state change) if data is a valid prefix of a
// frame that is still incomplete, including when a declared payload or
// string length runs past the end of data, and a *herrors.Error of kind
// InvalidArgument for a negative payload length or string count.
func Decode(data []byte) (*Message, int, error) {
	if len(data) < fixedHeaderSize+4 {
		return nil, 0, ErrNeedMoreBytes
	}

	off := 0
	m := &Message{}
	m.Action = Kind(getI32(data, &off))
	if _, known := kindNames[m.Action]; !known {
		// Unknown tags map to CMD_IGNORE for forward compatibility:
		// a newer peer's action decodes cleanly and is skipped.
		m.Action = CmdIgnore
	}
	m.MessageID = getI32(data, &off)
	m.SourceID = gid(getI64(data, &off))
	m.DestID = gid(getI64(data, &off))
	m.SourceHandle = hid(getI64(data, &off))
	m.DestHandle = hid(getI64(data, &off))
	m.SequenceID = getI32(data, &off)
	m.ActionTime = htime(getI64(data, &off))
	m.Te = htime(getI64(data, &off))
	m.Tdemin = htime(getI64(data, &off))
	m.Counter = getI16(data, &off)
	m.Flags = Flags(getU16(data, &off))

	if len(data) < off+4 {
		return nil, 0, ErrNeedMoreBytes
	}
	payloadLen := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if payloadLen < 0 || off+payloadLen > len(data) {
		if off+payloadLen > len(data) {
			return nil, 0, ErrNeedMoreBytes
		}
		return nil, 0, herrors.New(herrors.InvalidArgument, 1, "action: negative payload length")
	}
	if payloadLen > 0 {
		m.Payload = append([]byte(nil), data[off:off+payloadLen]...)
	}
	off += payloadLen

	if len(data) < off+4 {
		return nil, 0, ErrNeedMoreBytes
	}
	strCount := int(binary.BigEndian.Uint32(data[off:]))
	off += 4
	if strCount < 0 {
		return nil, 0, herrors.New(herrors.InvalidArgument, 2, "action: negative string count")
	}
	strs := make([]string, 0, strCount)
	for i := 0; i < strCount; i++ {
		if len(data) < off+4 {
			return nil, 0, ErrNeedMoreBytes
		}
		sLen := int(binary.BigEndian.Uint32(data[off:]))
		off += 4
		if sLen < 0 || off+sLen > len(data) {
			return nil, 0, ErrNeedMoreBytes
		}
		strs = append(strs, string(data[off:off+sLen]))
		off += sLen
	}
	if strCount > 0 {
		m.StringData = strs
	}

	signerKey, err := readLenPrefixed(data, &off)
	if err != nil {
		return nil, 0, err
	}
	m.SignerKey = signerKey

	signature, err := readLenPrefixed(data, &off)
	if err != nil {
		return nil, 0, err
	}
	m.Signature = signature

	return m, off, nil
}

// Packetize wraps Encode with a 4-byte big-endian size prefix, for use
// on stream transports that have no inherent message boundary.
func Packetize(m *Message) ([]byte, error) {
	body, err := Encode(m)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	copy(out[4:], body)
	return out, nil
}

// Depacketize reads one size-prefixed frame from data, returning the
// decoded Message and the number of bytes consumed. It returns
// ErrNeedMoreBytes if data does not yet hold a complete frame.
func Depacketize(data []byte) (*Message, int, error) {
	if len(data) < 4 {
		return nil, 0, ErrNeedMoreBytes
	}
	size := int(binary.BigEndian.Uint32(data))
	if len(data) < 4+size {
		return nil, 0, ErrNeedMoreBytes
	}
	m, consumed, err := Decode(data[4 : 4+size])
	if err != nil {
		return nil, 0, err
	}
	if consumed != size {
		return nil, 0, herrors.New(herrors.InvalidArgument, 3, "action: trailing bytes in packetized frame")
	}
	return m, 4 + size, nil
}

func putI32(b []byte, off *int, v int32) {
	binary.BigEndian.PutUint32(b[*off:], uint32(v))
	*off += 4
}
func putI64(b []byte, off *int, v int64) {
	binary.BigEndian.PutUint64(b[*off:], uint64(v))
	*off += 8
}
func putI16(b []byte, off *int, v int16) {
	binary.BigEndian.PutUint16(b[*off:], uint16(v))
	*off += 2
}
func putU16(b []byte, off *int, v uint16) {
	binary.BigEndian.PutUint16(b[*off:], v)
	*off += 2
}
func getI32(b []byte, off *int) int32 {
	v := int32(binary.BigEndian.Uint32(b[*off:]))
	*off += 4
	return v
}
func getI64(b []byte, off *int) int64 {
	v := int64(binary.BigEndian.Uint64(b[*off:]))
	*off += 8
	return v
}
func getI16(b []byte, off *int) int16 {
	v := int16(binary.BigEndian.Uint16(b[*off:]))
	*off += 2
	return v
}
func getU16(b []byte, off *int) uint16 {
	v := binary.BigEndian.Uint16(b[*off:])
	*off += 2
	return v
}
