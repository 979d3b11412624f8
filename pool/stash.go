package pool

import (
	"github.com/npillmayer/poolvm"
	"github.com/npillmayer/poolvm/poly"
)

// The stash protects objects during sequences of allocations. Code which
// allocates a second object while a first one is not yet linked into a
// root-reachable structure has to stash the first one:
//
//     p.Stash(KindText, a)
//     b, err := p.Alloc(n)
//     a = p.Fetch(KindText)
//
// There is one slot per object kind plus one slot for values. Stashed
// objects are roots and are relocated by collections.

// Stash parks an object in the stash slot for its kind.
func (p *Pool) Stash(kind KindID, off Offset) {
	if kind == KindData {
		poolvm.Panic("untyped data blocks cannot be stashed")
	}
	if p.stashed[kind] {
		poolvm.Panic("stash slot for %s occupied", kind)
	}
	p.stash[kind], p.stashed[kind] = off, true
}

// Fetch retrieves an object from the stash slot for its kind, emptying the
// slot.
func (p *Pool) Fetch(kind KindID) Offset {
	if !p.stashed[kind] {
		poolvm.Panic("stash slot for %s empty", kind)
	}
	off := p.stash[kind]
	p.stash[kind], p.stashed[kind] = None, false
	return off
}

// StashValue parks a value in the value slot of the stash.
func (p *Pool) StashValue(v poly.Value) {
	if p.stashedV {
		poolvm.Panic("stash slot for values occupied")
	}
	p.stashV, p.stashedV = v, true
}

// FetchValue retrieves a value from the value slot, emptying the slot.
func (p *Pool) FetchValue() poly.Value {
	if !p.stashedV {
		poolvm.Panic("stash slot for values empty")
	}
	v := p.stashV
	p.stashV, p.stashedV = poly.Null, false
	return v
}

// ClearStash empties all slots of the stash. Hosts call it when abandoning
// a statement after an error.
func (p *Pool) ClearStash() {
	for k := range p.stash {
		p.stash[k], p.stashed[k] = None, false
	}
	p.stashV, p.stashedV = poly.Null, false
}
