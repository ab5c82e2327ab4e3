package protocol

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildResponse assembles a server frame the way memcached would emit it.
func buildResponse(op Opcode, status Status, opaque uint32, cas uint64, extras, key, value []byte) []byte {
	body := len(extras) + len(key) + len(value)
	buf := make([]byte, HeaderSize+body)
	buf[0] = MagicResponse
	buf[1] = byte(op)
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(key)))
	buf[4] = byte(len(extras))
	binary.BigEndian.PutUint16(buf[6:8], uint16(status))
	binary.BigEndian.PutUint32(buf[8:12], uint32(body))
	binary.BigEndian.PutUint32(buf[12:16], opaque)
	binary.BigEndian.PutUint64(buf[16:24], cas)
	n := HeaderSize
	n += copy(buf[n:], extras)
	n += copy(buf[n:], key)
	copy(buf[n:], value)
	return buf
}

func TestEncodeSetLayout(t *testing.T) {
	frame, err := Encode(&Request{
		Opcode: OpSet,
		Key:    []byte("k"),
		Value:  []byte("v"),
		Flags:  0xdeadbeef,
		Expiry: 0,
		CAS:    7,
	}, 42, 0)
	require.NoError(t, err)

	require.Len(t, frame, HeaderSize+8+1+1)
	assert.EqualValues(t, MagicRequest, frame[0])
	assert.EqualValues(t, OpSet, frame[1])
	assert.EqualValues(t, 1, binary.BigEndian.Uint16(frame[2:4]), "key length")
	assert.EqualValues(t, 8, frame[4], "extras length")
	assert.EqualValues(t, 10, binary.BigEndian.Uint32(frame[8:12]), "total body")
	assert.EqualValues(t, 42, binary.BigEndian.Uint32(frame[12:16]), "opaque")
	assert.EqualValues(t, 7, binary.BigEndian.Uint64(frame[16:24]), "cas")
	assert.EqualValues(t, 0xdeadbeef, binary.BigEndian.Uint32(frame[24:28]), "flags")
	// Expiry 0 means "never expires" and must survive encoding untouched.
	assert.EqualValues(t, 0, binary.BigEndian.Uint32(frame[28:32]), "expiry")
	assert.Equal(t, byte('k'), frame[32])
	assert.Equal(t, byte('v'), frame[33])
}

func TestEncodeGetHasNoExtras(t *testing.T) {
	frame, err := Encode(&Request{Opcode: OpGet, Key: []byte("some-key")}, 1, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, frame[4])
	assert.EqualValues(t, 8, binary.BigEndian.Uint32(frame[8:12]))
}

func TestEncodeIncrementExtras(t *testing.T) {
	frame, err := Encode(&Request{
		Opcode: OpIncrement,
		Key:    []byte("counter"),
		Delta:  5,
		Expiry: 0xffffffff,
	}, 3, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 20, frame[4])
	extras := frame[HeaderSize : HeaderSize+20]
	assert.EqualValues(t, 5, binary.BigEndian.Uint64(extras[0:8]), "delta")
	assert.EqualValues(t, 0, binary.BigEndian.Uint64(extras[8:16]), "initial")
	assert.EqualValues(t, 0xffffffff, binary.BigEndian.Uint32(extras[16:20]), "expiry")
}

func TestEncodeTouchExtras(t *testing.T) {
	frame, err := Encode(&Request{Opcode: OpTouch, Key: []byte("k"), Expiry: 300}, 0, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 4, frame[4])
	assert.EqualValues(t, 300, binary.BigEndian.Uint32(frame[HeaderSize:HeaderSize+4]))
}

func TestEncodeRejectsBadKeys(t *testing.T) {
	for _, key := range []string{
		"",
		"has space",
		"has\nnewline",
		"has\ttab",
		strings.Repeat("x", MaxKeyLength+1),
	} {
		_, err := Encode(&Request{Opcode: OpGet, Key: []byte(key)}, 0, 0)
		assert.ErrorIs(t, err, ErrInvalidKey, "key %q", key)
	}

	_, err := Encode(&Request{Opcode: OpGet, Key: []byte(strings.Repeat("x", MaxKeyLength))}, 0, 0)
	assert.NoError(t, err, "a key of exactly the limit is valid")
}

func TestEncodeRejectsOversizedValue(t *testing.T) {
	_, err := Encode(&Request{Opcode: OpSet, Key: []byte("k"), Value: make([]byte, 100)}, 0, 64)
	assert.ErrorIs(t, err, ErrValueTooLarge)
}

func TestDecoderWholeFrame(t *testing.T) {
	extras := []byte{0, 0, 0, 9}
	raw := buildResponse(OpGet, StatusOK, 17, 99, extras, nil, []byte("value"))

	var d Decoder
	d.Feed(raw)
	f, err := d.Next()
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, OpGet, f.Opcode)
	assert.Equal(t, StatusOK, f.Status)
	assert.EqualValues(t, 17, f.Opaque)
	assert.EqualValues(t, 99, f.CAS)
	assert.EqualValues(t, 9, f.Flags())
	assert.Equal(t, []byte("value"), f.Value)

	f, err = d.Next()
	require.NoError(t, err)
	assert.Nil(t, f, "no more frames buffered")
}

func TestDecoderIncrementalFeed(t *testing.T) {
	raw := buildResponse(OpGet, StatusOK, 1, 2, []byte{0, 0, 0, 0}, nil, []byte("hello world"))

	var d Decoder
	for i := 0; i < len(raw); i++ {
		f, err := d.Next()
		require.NoError(t, err)
		require.Nil(t, f, "frame complete after only %d bytes", i)
		d.Feed(raw[i : i+1])
	}
	f, err := d.Next()
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, []byte("hello world"), f.Value)
}

func TestDecoderBackToBackFrames(t *testing.T) {
	var raw []byte
	for i := 0; i < 5; i++ {
		raw = append(raw, buildResponse(OpNoop, StatusOK, uint32(i), 0, nil, nil, nil)...)
	}
	var d Decoder
	d.Feed(raw)
	for i := 0; i < 5; i++ {
		f, err := d.Next()
		require.NoError(t, err)
		require.NotNil(t, f)
		assert.EqualValues(t, i, f.Opaque)
	}
	f, err := d.Next()
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestDecoderReclaimsConsumedBytes(t *testing.T) {
	frame := buildResponse(OpGet, StatusOK, 0, 0, nil, nil, make([]byte, 1024))
	half := len(frame) / 2

	var d Decoder
	d.Feed(frame)
	for i := 0; i < 1000; i++ {
		// Keep a partial frame pending so the buffer never fully drains.
		d.Feed(frame[:half])
		f, err := d.Next()
		require.NoError(t, err)
		require.NotNil(t, f)
		d.Feed(frame[half:])
	}
	f, err := d.Next()
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.LessOrEqual(t, len(d.buf), 2*len(frame),
		"consumed bytes must be reclaimed, not accumulated")
}

func TestDecoderMalformedMagic(t *testing.T) {
	raw := buildResponse(OpGet, StatusOK, 0, 0, nil, nil, nil)
	raw[0] = MagicRequest // a request magic is corruption on the read path

	var d Decoder
	d.Feed(raw)
	_, err := d.Next()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecoderInconsistentLengths(t *testing.T) {
	raw := buildResponse(OpGet, StatusOK, 0, 0, []byte{1, 2, 3, 4}, []byte("key"), nil)
	// Claim a body shorter than extras+key.
	binary.BigEndian.PutUint32(raw[8:12], 2)

	var d Decoder
	d.Feed(raw)
	_, err := d.Next()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecoderStatusPassthrough(t *testing.T) {
	for _, status := range []Status{StatusKeyNotFound, StatusKeyExists, StatusNotStored, StatusDeltaBadValue} {
		var d Decoder
		d.Feed(buildResponse(OpSet, status, 0, 0, nil, nil, nil))
		f, err := d.Next()
		require.NoError(t, err)
		require.NotNil(t, f)
		assert.Equal(t, status, f.Status, "statuses are results, not decode failures")
	}
}

func TestValidateKey(t *testing.T) {
	assert.NoError(t, ValidateKey([]byte("ok-key_123")))
	assert.ErrorIs(t, ValidateKey(nil), ErrInvalidKey)
	assert.ErrorIs(t, ValidateKey([]byte{0x7f}), ErrInvalidKey)
	assert.ErrorIs(t, ValidateKey([]byte("a b")), ErrInvalidKey)
}
