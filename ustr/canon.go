package ustr

// Canonicalize collapses "." and ".." components and repeated slashes out of
// an absolute path, the way the kernel's path walker expects to receive
// lookup keys. It does not consult the filesystem; ".." above the root
// simply stays at the root.
func Canonicalize(p Ustr) Ustr {
	if !p.IsAbsolute() {
		panic("Canonicalize: not absolute")
	}
	parts := splitParts(p)
	out := make([]Ustr, 0, len(parts))
	for _, part := range parts {
		switch {
		case len(part) == 0:
		case part.Isdot():
		case part.Isdotdot():
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, part)
		}
	}
	ret := MkUstrRoot()
	if len(out) == 0 {
		return ret
	}
	ret = ret[:0]
	for i, part := range out {
		if i > 0 || len(ret) == 0 {
			ret = append(ret, '/')
		}
		ret = append(ret, part...)
	}
	if len(ret) == 0 {
		return MkUstrRoot()
	}
	return ret
}

func splitParts(p Ustr) []Ustr {
	var parts []Ustr
	start := 0
	for i := 0; i <= len(p); i++ {
		if i == len(p) || p[i] == '/' {
			if i > start {
				parts = append(parts, p[start:i])
			}
			start = i + 1
		}
	}
	return parts
}
