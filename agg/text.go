package agg

import (
	"bytes"

	"github.com/npillmayer/poolvm/poly"
	"github.com/npillmayer/poolvm/pool"
)

// A text buffer holds an offset-sized length field, followed by the bytes of
// the text. Texts are immutable once created.
type textKind struct{}

func (textKind) Size(p *pool.Pool, at pool.Offset) int {
	return p.W() + p.Int(at)
}

func (textKind) Mark(*pool.Pool, pool.Offset) {}
func (textKind) Move(*pool.Pool, pool.Offset) {}

func textLen(p *pool.Pool, off pool.Offset) int {
	return p.Int(off)
}

func textBytes(p *pool.Pool, off pool.Offset) []byte {
	return p.Bytes(off+pool.Offset(p.W()), textLen(p, off))
}

func allocText(p *pool.Pool, n int) (pool.Offset, error) {
	off, err := p.Alloc(p.W() + n)
	if err != nil {
		return pool.None, err
	}
	p.SetInt(off, n)
	return off, nil
}

// MakeText creates a text buffer holding s.
func MakeText(p *pool.Pool, s string) (poly.Value, error) {
	off, err := allocText(p, len(s))
	if err != nil {
		return poly.Null, err
	}
	copy(textBytes(p, off), s)
	return pool.ToValue(poly.TagText, off), nil
}

// TextString returns the contents of a text buffer as a Go string.
func TextString(p *pool.Pool, t poly.Value) string {
	return string(textBytes(p, pool.Ref(t)))
}

// TextLen returns the number of bytes of a text.
func TextLen(p *pool.Pool, t poly.Value) int {
	return textLen(p, pool.Ref(t))
}

// TextCat concatenates two texts into a new one.
func TextCat(p *pool.Pool, a, b poly.Value) (poly.Value, error) {
	la, lb := TextLen(p, a), TextLen(p, b)
	p.Stash(pool.KindText, pool.Ref(a))
	p.StashValue(b)
	off, err := allocText(p, la+lb)
	b = p.FetchValue()
	a = pool.ToValue(poly.TagText, p.Fetch(pool.KindText))
	if err != nil {
		return poly.Null, err
	}
	buf := textBytes(p, off)
	copy(buf, textBytes(p, pool.Ref(a)))
	copy(buf[la:], textBytes(p, pool.Ref(b)))
	return pool.ToValue(poly.TagText, off), nil
}

// TextTimes creates a new text repeating t count times.
func TextTimes(p *pool.Pool, t poly.Value, count int) (poly.Value, error) {
	if count < 0 {
		count = 0
	}
	n := TextLen(p, t)
	if err := checkRepeat(n, 1, count); err != nil {
		return poly.Null, err
	}
	p.Stash(pool.KindText, pool.Ref(t))
	off, err := allocText(p, n*count)
	t = pool.ToValue(poly.TagText, p.Fetch(pool.KindText))
	if err != nil {
		return poly.Null, err
	}
	buf, src := textBytes(p, off), textBytes(p, pool.Ref(t))
	for i := 0; i < count; i++ {
		copy(buf[i*n:], src)
	}
	return pool.ToValue(poly.TagText, off), nil
}

// TextAt returns a one-character text holding the byte at position i.
func TextAt(p *pool.Pool, t poly.Value, i int) (poly.Value, error) {
	i, err := Index(i, TextLen(p, t))
	if err != nil {
		return poly.Null, err
	}
	c := textBytes(p, pool.Ref(t))[i]
	off, err := allocText(p, 1)
	if err != nil {
		return poly.Null, err
	}
	textBytes(p, off)[0] = c
	return pool.ToValue(poly.TagText, off), nil
}

// SliceText creates a new text from the positions selected by spec.
func SliceText(p *pool.Pool, t poly.Value, spec SliceSpec) (poly.Value, error) {
	spec.Len = TextLen(p, t)
	if err := spec.Canon(); err != nil {
		return poly.Null, err
	}
	p.Stash(pool.KindText, pool.Ref(t))
	off, err := allocText(p, spec.Count)
	t = pool.ToValue(poly.TagText, p.Fetch(pool.KindText))
	if err != nil {
		return poly.Null, err
	}
	dst, src := textBytes(p, off), textBytes(p, pool.Ref(t))
	for i, pos := 0, spec.Start; i < spec.Count; i, pos = i+1, pos+spec.Stride {
		dst[i] = src[pos]
	}
	return pool.ToValue(poly.TagText, off), nil
}

func textEqual(p *pool.Pool, a, b poly.Value) bool {
	return bytes.Equal(textBytes(p, pool.Ref(a)), textBytes(p, pool.Ref(b)))
}

func textCompare(p *pool.Pool, a, b poly.Value) int {
	return bytes.Compare(textBytes(p, pool.Ref(a)), textBytes(p, pool.Ref(b)))
}

func textContains(p *pool.Pool, t, sub poly.Value) bool {
	return bytes.Contains(textBytes(p, pool.Ref(t)), textBytes(p, pool.Ref(sub)))
}
