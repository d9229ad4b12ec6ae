// Package varint implements Minecraft's signed 32-bit variable-length
// integer: LSB-first, 7 payload bits per byte, a continuation bit in the
// high bit, up to 5 bytes (§4.1, §GLOSSARY).
//
// Decoding is a bounded loop (compile-time constant 5 iterations) so it is
// safe to run in a verifier-constrained context: there is no way to make it
// read more than 5 bytes or loop more than 5 times.
package varint

import "errors"

// MaxBytes is the maximum number of bytes a valid VarInt occupies.
const MaxBytes = 5

// ErrTruncated is returned when the input ends before the continuation bit
// of some byte clears; the caller should wait for more bytes to arrive
// (e.g. more of the same TCP segment run), not treat this as an attack.
var ErrTruncated = errors.New("varint: truncated")

// ErrOverlong is returned when a 6th byte would be required to decode the
// value, i.e. the 5th byte's continuation bit is still set. This is always
// a protocol violation: no valid encoding needs more than 5 bytes.
var ErrOverlong = errors.New("varint: overlong (6th continuation byte)")

// Decode reads a signed VarInt from the front of b. It returns the decoded
// value and the number of bytes consumed.
//
// Negative values are returned verbatim (two's complement i32) — callers
// MUST reject them explicitly when the field's domain is unsigned (packet
// IDs, lengths, protocol versions). Decode does not know the domain of the
// field it is decoding and performing that check here would silently mask
// the exact vulnerability class spec.md calls out in §4.1/§4.4/§8.
func Decode(b []byte) (value int32, n int, err error) {
	var result uint32
	for i := 0; i < MaxBytes; i++ {
		if i >= len(b) {
			return 0, 0, ErrTruncated
		}
		cur := b[i]
		result |= uint32(cur&0x7f) << (7 * uint(i))
		if cur&0x80 == 0 {
			return int32(result), i + 1, nil
		}
	}
	// We consumed 5 bytes and the 5th still had its continuation bit set.
	if len(b) >= MaxBytes && b[MaxBytes-1]&0x80 != 0 {
		return 0, 0, ErrOverlong
	}
	return 0, 0, ErrTruncated
}

// Encode returns the VarInt encoding of value, between 1 and 5 bytes.
func Encode(value int32) []byte {
	buf := make([]byte, 0, MaxBytes)
	v := uint32(value)
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		buf = append(buf, b)
		if v == 0 {
			break
		}
	}
	return buf
}

// AppendString appends a Minecraft String (VarInt byte-length prefix +
// UTF-8 bytes) to dst and returns the extended slice.
func AppendString(dst []byte, s string) []byte {
	dst = append(dst, Encode(int32(len(s)))...)
	return append(dst, s...)
}

// DecodeString reads a length-prefixed string from the front of b, failing
// if the declared length exceeds maxLen (§4.4: server_address ≤ 255 bytes)
// or the bytes contain a NUL (which some clients use to smuggle forwarded
// addresses / evade naive string handling downstream).
func DecodeString(b []byte, maxLen int) (s string, n int, err error) {
	l, hn, err := Decode(b)
	if err != nil {
		return "", 0, err
	}
	if l < 0 || int(l) > maxLen {
		return "", 0, ErrStringTooLong
	}
	total := hn + int(l)
	if total > len(b) {
		return "", 0, ErrTruncated
	}
	body := b[hn:total]
	for _, c := range body {
		if c == 0 {
			return "", 0, ErrStringHasNUL
		}
	}
	return string(body), total, nil
}

var (
	ErrStringTooLong = errors.New("varint: string exceeds maximum length")
	ErrStringHasNUL  = errors.New("varint: string contains NUL byte")
)
