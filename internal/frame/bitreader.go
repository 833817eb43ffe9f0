package frame

import "fmt"

// BitReader reads big-endian unsigned fields of arbitrary width from a byte
// buffer. The cursor is a bit offset from the start of the buffer.
type BitReader struct {
	buf    []byte
	nbits  int
	cursor int
}

// NewBitReader reads from the first nbits bits of buf. nbits larger than
// len(buf)*8 is clamped.
func NewBitReader(buf []byte, nbits int) *BitReader {
	if nbits < 0 || nbits > len(buf)*8 {
		nbits = len(buf) * 8
	}
	return &BitReader{buf: buf, nbits: nbits}
}

// Offset returns the number of bits consumed so far.
func (r *BitReader) Offset() int { return r.cursor }

// Remaining returns the number of unread bits.
func (r *BitReader) Remaining() int { return r.nbits - r.cursor }

// ReadBits reads n (1..64) bits as an unsigned big-endian value.
func (r *BitReader) ReadBits(n int) (uint64, error) {
	if n <= 0 || n > 64 {
		return 0, fmt.Errorf("invalid field width %d", n)
	}
	if r.Remaining() < n {
		return 0, malformed("need %d bits at offset %d, have %d", n, r.cursor, r.Remaining())
	}
	var v uint64
	for i := 0; i < n; i++ {
		pos := r.cursor + i
		bit := (r.buf[pos/8] >> (7 - uint(pos%8))) & 1
		v = v<<1 | uint64(bit)
	}
	r.cursor += n
	return v, nil
}

// ReadUint32 reads one 32-bit field.
func (r *BitReader) ReadUint32() (uint32, error) {
	v, err := r.ReadBits(32)
	return uint32(v), err
}

// PackBitString packs an ASCII string of '0' and '1' characters into bytes,
// most significant bit first. The returned count is the number of bits.
func PackBitString(s string) ([]byte, int, error) {
	buf := make([]byte, (len(s)+7)/8)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '0':
		case '1':
			buf[i/8] |= 1 << (7 - uint(i%8))
		default:
			return nil, 0, malformed("invalid bit character %q at position %d", s[i], i)
		}
	}
	return buf, len(s), nil
}
