// Package protocol implements the memcached binary protocol: request
// encoding and incremental response decoding.
//
// Every frame starts with a fixed 24-byte big-endian header followed by
// extras, key and value sections. Requests carry magic 0x80, responses
// 0x81. The opaque field is echoed back verbatim by the server and is
// used by the transport layer to correlate pipelined responses with
// their requests.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the fixed size of a binary protocol header.
	HeaderSize = 24

	MagicRequest  = 0x80
	MagicResponse = 0x81

	// MaxKeyLength is the hard key size limit imposed by memcached.
	MaxKeyLength = 250

	// DefaultMaxValueSize mirrors memcached's default item size limit.
	DefaultMaxValueSize = 1 << 20

	// Responses claiming a body larger than this are treated as corrupt
	// rather than waiting for gigabytes that will never arrive.
	maxBodySize = 64 << 20
)

// Opcode identifies a binary protocol command.
type Opcode uint8

const (
	OpGet       Opcode = 0x00
	OpSet       Opcode = 0x01
	OpAdd       Opcode = 0x02
	OpReplace   Opcode = 0x03
	OpDelete    Opcode = 0x04
	OpIncrement Opcode = 0x05
	OpDecrement Opcode = 0x06
	OpFlush     Opcode = 0x08
	OpNoop      Opcode = 0x0a
	OpVersion   Opcode = 0x0b
	OpAppend    Opcode = 0x0e
	OpPrepend   Opcode = 0x0f
	OpStat      Opcode = 0x10
	OpTouch     Opcode = 0x1c
	OpGAT       Opcode = 0x1d
)

func (o Opcode) String() string {
	switch o {
	case OpGet:
		return "get"
	case OpSet:
		return "set"
	case OpAdd:
		return "add"
	case OpReplace:
		return "replace"
	case OpDelete:
		return "delete"
	case OpIncrement:
		return "increment"
	case OpDecrement:
		return "decrement"
	case OpFlush:
		return "flush"
	case OpNoop:
		return "noop"
	case OpVersion:
		return "version"
	case OpAppend:
		return "append"
	case OpPrepend:
		return "prepend"
	case OpStat:
		return "stat"
	case OpTouch:
		return "touch"
	case OpGAT:
		return "gat"
	default:
		return fmt.Sprintf("opcode(0x%02x)", uint8(o))
	}
}

// Status is a protocol-defined response status. Non-zero statuses are
// ordinary results (key not found, CAS mismatch, ...), not transport
// failures.
type Status uint16

const (
	StatusOK               Status = 0x0000
	StatusKeyNotFound      Status = 0x0001
	StatusKeyExists        Status = 0x0002
	StatusValueTooLarge    Status = 0x0003
	StatusInvalidArguments Status = 0x0004
	StatusNotStored        Status = 0x0005
	StatusDeltaBadValue    Status = 0x0006
	StatusUnknownCommand   Status = 0x0081
	StatusOutOfMemory      Status = 0x0082
	StatusBusy             Status = 0x0085
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusKeyNotFound:
		return "key not found"
	case StatusKeyExists:
		return "key exists"
	case StatusValueTooLarge:
		return "value too large"
	case StatusInvalidArguments:
		return "invalid arguments"
	case StatusNotStored:
		return "not stored"
	case StatusDeltaBadValue:
		return "non-numeric value"
	case StatusUnknownCommand:
		return "unknown command"
	case StatusOutOfMemory:
		return "out of memory"
	case StatusBusy:
		return "busy"
	default:
		return fmt.Sprintf("status(0x%04x)", uint16(s))
	}
}

var (
	// ErrInvalidKey reports a key that violates protocol limits: empty,
	// longer than MaxKeyLength, or containing space/control characters.
	ErrInvalidKey = errors.New("invalid key")

	// ErrValueTooLarge reports a value exceeding the configured size limit.
	ErrValueTooLarge = errors.New("value too large")

	// ErrMalformed reports wire corruption. There is no recovery: the
	// connection that produced it must be torn down, since pipeline
	// ordering can no longer be trusted.
	ErrMalformed = errors.New("malformed response frame")
)

// Request describes a single command to encode. Fields that do not apply
// to the opcode are ignored. Expiry of 0 means "never expires" and is
// encoded as-is; it is never coerced.
type Request struct {
	Opcode  Opcode
	Key     []byte
	Value   []byte
	Flags   uint32
	Expiry  uint32
	CAS     uint64
	Delta   uint64 // increment/decrement step
	Initial uint64 // increment/decrement initial value
}

// ValidateKey checks a key against memcached's limits: 1..MaxKeyLength
// bytes, no whitespace or control characters.
func ValidateKey(key []byte) error {
	if len(key) == 0 || len(key) > MaxKeyLength {
		return fmt.Errorf("%w: length %d", ErrInvalidKey, len(key))
	}
	for _, b := range key {
		if b <= ' ' || b == 0x7f {
			return fmt.Errorf("%w: contains byte 0x%02x", ErrInvalidKey, b)
		}
	}
	return nil
}

func keyRequired(op Opcode) bool {
	switch op {
	case OpNoop, OpVersion, OpFlush, OpStat:
		return false
	}
	return true
}

// Encode serializes a request into a single wire frame. Encoding is pure:
// it fails only on constraint violations (ErrInvalidKey, ErrValueTooLarge).
// maxValueSize <= 0 falls back to DefaultMaxValueSize.
func Encode(r *Request, opaque uint32, maxValueSize int) ([]byte, error) {
	if keyRequired(r.Opcode) {
		if err := ValidateKey(r.Key); err != nil {
			return nil, err
		}
	} else if len(r.Key) > 0 {
		if err := ValidateKey(r.Key); err != nil {
			return nil, err
		}
	}
	if maxValueSize <= 0 {
		maxValueSize = DefaultMaxValueSize
	}
	if len(r.Value) > maxValueSize {
		return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrValueTooLarge, len(r.Value), maxValueSize)
	}

	var extras [20]byte
	extrasLen := 0
	switch r.Opcode {
	case OpSet, OpAdd, OpReplace:
		binary.BigEndian.PutUint32(extras[0:4], r.Flags)
		binary.BigEndian.PutUint32(extras[4:8], r.Expiry)
		extrasLen = 8
	case OpIncrement, OpDecrement:
		binary.BigEndian.PutUint64(extras[0:8], r.Delta)
		binary.BigEndian.PutUint64(extras[8:16], r.Initial)
		binary.BigEndian.PutUint32(extras[16:20], r.Expiry)
		extrasLen = 20
	case OpTouch, OpGAT:
		binary.BigEndian.PutUint32(extras[0:4], r.Expiry)
		extrasLen = 4
	case OpFlush:
		if r.Expiry > 0 {
			binary.BigEndian.PutUint32(extras[0:4], r.Expiry)
			extrasLen = 4
		}
	}

	total := extrasLen + len(r.Key) + len(r.Value)
	buf := make([]byte, HeaderSize+total)
	buf[0] = MagicRequest
	buf[1] = byte(r.Opcode)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(r.Key)))
	buf[4] = byte(extrasLen)
	binary.BigEndian.PutUint32(buf[8:12], uint32(total))
	binary.BigEndian.PutUint32(buf[12:16], opaque)
	binary.BigEndian.PutUint64(buf[16:24], r.CAS)
	n := HeaderSize
	n += copy(buf[n:], extras[:extrasLen])
	n += copy(buf[n:], r.Key)
	copy(buf[n:], r.Value)
	return buf, nil
}

// Frame is one decoded response.
type Frame struct {
	Opcode Opcode
	Status Status
	Opaque uint32
	CAS    uint64
	Extras []byte
	Key    []byte
	Value  []byte
}

// Flags returns the flags carried in the extras section of get-class
// responses, or 0 when absent.
func (f *Frame) Flags() uint32 {
	if len(f.Extras) >= 4 {
		return binary.BigEndian.Uint32(f.Extras[:4])
	}
	return 0
}

// Decoder is an incremental frame-boundary detector for streaming reads.
// Feed it raw bytes as they arrive, then drain complete frames with Next.
// The zero value is ready to use.
type Decoder struct {
	buf []byte
	off int
}

// Feed appends raw bytes from the socket to the decode buffer. The
// consumed prefix is reclaimed here, so the buffer never grows beyond
// the unconsumed tail plus one read.
func (d *Decoder) Feed(p []byte) {
	if d.off > 0 {
		n := copy(d.buf, d.buf[d.off:])
		d.buf = d.buf[:n]
		d.off = 0
	}
	d.buf = append(d.buf, p...)
}

// Next returns the next complete frame, or (nil, nil) while the buffered
// data is still incomplete. A corrupted header yields an error wrapping
// ErrMalformed; the decoder is then unusable.
func (d *Decoder) Next() (*Frame, error) {
	avail := d.buf[d.off:]
	if len(avail) < HeaderSize {
		return nil, nil
	}
	if avail[0] != MagicResponse {
		return nil, fmt.Errorf("%w: unexpected magic 0x%02x", ErrMalformed, avail[0])
	}
	keyLen := int(binary.BigEndian.Uint16(avail[2:4]))
	extrasLen := int(avail[4])
	bodyLen := int(binary.BigEndian.Uint32(avail[8:12]))
	if bodyLen > maxBodySize || extrasLen+keyLen > bodyLen {
		return nil, fmt.Errorf("%w: inconsistent lengths key=%d extras=%d body=%d",
			ErrMalformed, keyLen, extrasLen, bodyLen)
	}
	if len(avail) < HeaderSize+bodyLen {
		return nil, nil
	}

	// The decode buffer is reused across reads, so the body is copied out.
	body := make([]byte, bodyLen)
	copy(body, avail[HeaderSize:HeaderSize+bodyLen])
	f := &Frame{
		Opcode: Opcode(avail[1]),
		Status: Status(binary.BigEndian.Uint16(avail[6:8])),
		Opaque: binary.BigEndian.Uint32(avail[12:16]),
		CAS:    binary.BigEndian.Uint64(avail[16:24]),
		Extras: body[:extrasLen],
		Key:    body[extrasLen : extrasLen+keyLen],
		Value:  body[extrasLen+keyLen:],
	}
	d.off += HeaderSize + bodyLen
	if d.off == len(d.buf) {
		d.buf = d.buf[:0]
		d.off = 0
	}
	return f, nil
}
