package pool

import (
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/emirpasic/gods/utils"
	"github.com/npillmayer/poolvm"
	"github.com/npillmayer/poolvm/poly"
)

// chunk is an entry of the collector's table of marked objects, keyed by
// the object's current offset.
type chunk struct {
	kind KindID
	size int
	to   Offset // new location
}

// Collect runs a garbage collection cycle and returns statistics about it.
//
// Collection proceeds in two phases. The mark phase traverses all roots (the
// stash and every registered root set) and records every reachable object.
// The move phase assigns new locations to live objects in offset order,
// lets every live object and root set rewrite its references, and finally
// slides the objects down, closing gaps left by garbage.
func (p *Pool) Collect(style Style) Stats {
	if p.collecting {
		poolvm.Panic("recursive garbage collection")
	}
	p.collecting = true
	defer func() {
		p.collecting = false
		p.chunks = nil
	}()
	p.chunks = treemap.NewWith(utils.IntComparator)
	//
	// mark phase
	for k := KindID(0); k < numKinds; k++ {
		if p.stashed[k] {
			p.MarkOffset(k, p.stash[k])
		}
	}
	if p.stashedV {
		p.MarkValue(p.stashV)
	}
	for _, r := range p.roots {
		r.MarkRoots(p)
	}
	//
	// plan new locations
	base := first
	if style == Incremental && p.lastTop > first {
		base = p.lastTop
	}
	cursor := base
	it := p.chunks.Iterator()
	for it.Next() {
		at, c := Offset(it.Key().(int)), it.Value().(*chunk)
		if at < base {
			c.to = at
			continue
		}
		c.to = cursor
		cursor += Offset(c.size)
	}
	//
	// rewrite references, objects still at their old location
	it = p.chunks.Iterator()
	for it.Next() {
		at, c := Offset(it.Key().(int)), it.Value().(*chunk)
		p.kinds[c.kind].Move(p, at)
	}
	for k := KindID(0); k < numKinds; k++ {
		if p.stashed[k] {
			p.MoveOffset(&p.stash[k])
		}
	}
	if p.stashedV {
		p.MoveValue(&p.stashV)
	}
	for _, r := range p.roots {
		r.MoveRoots(p)
	}
	//
	// slide objects down; targets never overlap a not-yet-moved object
	it = p.chunks.Iterator()
	for it.Next() {
		at, c := Offset(it.Key().(int)), it.Value().(*chunk)
		if c.to != at {
			p.Copy(c.to, at, c.size)
		}
	}
	freed := int(p.top) - int(cursor)
	clear(p.mem[cursor:p.top])
	p.top = cursor
	p.lastTop = cursor
	p.stats = Stats{
		Collections: p.stats.Collections + 1,
		Style:       style,
		Objects:     p.chunks.Size(),
		Live:        int(cursor),
		Freed:       freed,
	}
	tracer().Debugf("%s collection #%d: %d objects, %d bytes live, %d bytes freed",
		style, p.stats.Collections, p.stats.Objects, p.stats.Live, p.stats.Freed)
	return p.stats
}

// --- Marking ---------------------------------------------------------------

// MarkOffset marks an object of a given kind and, if it has not been marked
// before, the objects it references. Returns true if the object has been
// newly marked.
func (p *Pool) MarkOffset(kind KindID, off Offset) bool {
	if off == None || kind == KindBuiltin {
		return false
	}
	p.mustCollect()
	p.Check(off)
	if _, found := p.chunks.Get(int(off)); found {
		return false
	}
	k := p.kinds[kind]
	if k == nil {
		poolvm.Panic("no type descriptor registered for kind %s", kind)
	}
	size := roundUp(k.Size(p, off))
	p.chunks.Put(int(off), &chunk{kind: kind, size: size})
	k.Mark(p, off)
	return true
}

// MarkData marks an untyped block of size bytes. Owners of data blocks have
// to mark references stored inside the block themselves.
func (p *Pool) MarkData(off Offset, size int) bool {
	if off == None {
		return false
	}
	p.mustCollect()
	p.Check(off)
	if _, found := p.chunks.Get(int(off)); found {
		return false
	}
	p.chunks.Put(int(off), &chunk{kind: KindData, size: roundUp(size)})
	return true
}

// MarkValue marks the object referenced by a value, if any.
func (p *Pool) MarkValue(v poly.Value) bool {
	if !v.IsRef() {
		return false
	}
	return p.MarkOffset(KindOfTag(v.Tag()), Ref(v))
}

// IsMarked is a predicate: has an object been marked during the current
// collection?
func (p *Pool) IsMarked(off Offset) bool {
	p.mustCollect()
	_, found := p.chunks.Get(int(off))
	return found
}

// --- Moving ----------------------------------------------------------------

// Relocate returns the new location of a marked object.
func (p *Pool) Relocate(off Offset) Offset {
	if off == None {
		return None
	}
	p.mustCollect()
	c, found := p.chunks.Get(int(off))
	if !found {
		poolvm.Panic("relocating unmarked object at %#x", off)
	}
	return c.(*chunk).to
}

// MoveOffset rewrites a reference to an object to its new location.
func (p *Pool) MoveOffset(ref *Offset) {
	*ref = p.Relocate(*ref)
}

// MoveValue rewrites a reference value to the new location of its object.
// Numbers, sentinels and builtins are left untouched.
func (p *Pool) MoveValue(ref *poly.Value) {
	v := *ref
	if !v.IsRef() || v.Tag() == poly.TagBuiltin {
		return
	}
	*ref = ToValue(v.Tag(), p.Relocate(Ref(v)))
}

// MoveWord rewrites an offset-sized field holding an object reference.
func (p *Pool) MoveWord(at Offset) {
	p.SetWord(at, p.Relocate(p.Word(at)))
}

// MoveValueAt rewrites a value field holding a reference.
func (p *Pool) MoveValueAt(at Offset) {
	v := p.Value(at)
	p.MoveValue(&v)
	p.SetValue(at, v)
}

func (p *Pool) mustCollect() {
	if !p.collecting {
		poolvm.Panic("mark/move outside of garbage collection")
	}
}
