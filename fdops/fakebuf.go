package fdops

import "gokernel/defs"

// Fakeubuf_t implements Userio_i over a plain kernel byte slice, for code
// that needs to treat an in-kernel buffer like a user-memory transfer
// without going through an address space at all. Grounded on
// vm/userbuf.go's Fakeubuf_t; this core has no ring3/ring0 split to
// distinguish a real user buffer from a kernel one, so this is the only
// Userio_i implementation pipes and kernel-internal callers need.
type Fakeubuf_t struct {
	fbuf []uint8
	len  int
}

// Fake_init points the fake buffer at buf, consumed front-to-back by
// subsequent Uioread/Uiowrite calls.
func (fb *Fakeubuf_t) Fake_init(buf []uint8) {
	fb.fbuf = buf
	fb.len = len(buf)
}

// Remain reports how many bytes of the buffer are left untransferred.
func (fb *Fakeubuf_t) Remain() int {
	return len(fb.fbuf)
}

// Totalsz reports the buffer's original length.
func (fb *Fakeubuf_t) Totalsz() int {
	return fb.len
}

func (fb *Fakeubuf_t) _tx(buf []uint8, tofbuf bool) (int, defs.Err_t) {
	var c int
	if tofbuf {
		c = copy(fb.fbuf, buf)
	} else {
		c = copy(buf, fb.fbuf)
	}
	fb.fbuf = fb.fbuf[c:]
	return c, 0
}

// Uioread copies from the fake buffer into dst.
func (fb *Fakeubuf_t) Uioread(dst []uint8) (int, defs.Err_t) {
	return fb._tx(dst, false)
}

// Uiowrite copies src into the fake buffer.
func (fb *Fakeubuf_t) Uiowrite(src []uint8) (int, defs.Err_t) {
	return fb._tx(src, true)
}
