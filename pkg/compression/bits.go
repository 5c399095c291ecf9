package compression

// BitWriter appends bits MSB-first into a byte slice.
type BitWriter struct {
	buf  []byte
	bits int
}

// WriteBit appends a single bit.
func (w *BitWriter) WriteBit(one bool) {
	if w.bits%8 == 0 {
		w.buf = append(w.buf, 0)
	}
	if one {
		w.buf[w.bits/8] |= 0x80 >> (w.bits % 8)
	}
	w.bits++
}

// WriteBits appends the first n bits of src, which is left aligned.
func (w *BitWriter) WriteBits(src []byte, n int) {
	for i := 0; i < n; i++ {
		w.WriteBit(src[i/8]&(0x80>>(i%8)) != 0)
	}
}

// Len is the number of bits written.
func (w *BitWriter) Len() int { return w.bits }

// Bytes returns the written bytes; the last byte is zero padded.
func (w *BitWriter) Bytes() []byte { return w.buf }

// BitReader reads bits MSB-first.
type BitReader struct {
	buf []byte
	pos int
	n   int
}

// NewBitReader reads the first n bits of buf.
func NewBitReader(buf []byte, n int) *BitReader {
	if n > len(buf)*8 {
		n = len(buf) * 8
	}
	return &BitReader{buf: buf, n: n}
}

// ReadBit returns the next bit; ok is false once n bits were read.
func (r *BitReader) ReadBit() (one bool, ok bool) {
	if r.pos >= r.n {
		return false, false
	}
	one = r.buf[r.pos/8]&(0x80>>(r.pos%8)) != 0
	r.pos++
	return one, true
}
