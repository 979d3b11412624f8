/*
Package pool implements a memory pool for runtime objects, together with a
mark-and-compact garbage collector.

All collectable objects live in one contiguous byte arena. Objects are
addressed by offsets into the arena instead of by native pointers. Offset 0 is
reserved to denote "no object"; all offsets are multiples of 4. Offsets stored
within objects are 16 bits wide for pools of up to 64 KiB and 32 bits wide
otherwise.

Objects carry no header. Instead, every object kind registers a type
descriptor (Kind) which is able to tell the size of an object and to mark and
move the references embedded into it. The collector traverses all roots, using
these descriptors to find every reachable object. It then slides live objects
down to the start of the pool, rewriting every reference along the way.

Relocation has an important consequence for clients: an offset held in a Go
variable is invalidated by every allocation, as allocation may trigger a
collection. Clients either have to re-fetch offsets from a root after
allocating, or protect them with the stash (see Stash).

License

Governed by a 3-Clause BSD license. License file may be found in the root
folder of this module.

Copyright © 2017–2021 Norbert Pillmayer <norbert@pillmayer.com>

*/
package pool

import (
	"encoding/binary"
	"math"

	"fortio.org/safecast"
	"github.com/emirpasic/gods/maps/treemap"
	"github.com/npillmayer/poolvm"
	"github.com/npillmayer/poolvm/poly"
	"github.com/npillmayer/schuko/tracing"
)

// tracer traces with key 'poolvm.pool'.
func tracer() tracing.Trace {
	return tracing.Select("poolvm.pool")
}

// Offset is a relocatable reference to an object within a pool.
type Offset uint32

// None is the null offset.
const None Offset = 0

// Round is the allocation granularity. All offsets are multiples of Round,
// which leaves the low 2 bits of an offset free for flags.
const Round = 4

// first is the offset of the first object in a pool.
const first Offset = Round

// MaxSize is the largest pool size supported, limited by the width of the
// offset field of poly.Value.
const MaxSize = int(poly.MaxOffset) + Round

// KindID identifies an object kind. The set of kinds is closed and known at
// build time.
type KindID uint8

// Object kinds.
const (
	KindSequence KindID = iota // growable sequence (list or tuple)
	KindText                   // text buffer
	KindFunction               // function
	KindBuiltin                // builtin function, not pool-resident
	KindCode                   // immutable code blob
	KindFrame                  // call frame
	KindVars                   // variable table of a frame
	KindRange                  // range-iteration record
	KindEnum                   // enumerate-iteration record
	KindCompile                // compiled-output buffer
	KindValues                 // block of values, prefixed by its capacity
	KindData                   // untyped storage, marked by its owner
	numKinds
)

var kindNames = [...]string{"sequence", "text", "function", "builtin", "code", "frame",
	"vars", "range", "enum", "compile", "values", "data"}

func (k KindID) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "?"
}

// KindOfTag returns the object kind referenced by values carrying tag t.
func KindOfTag(t poly.Tag) KindID {
	switch t {
	case poly.TagSequence:
		return KindSequence
	case poly.TagText:
		return KindText
	case poly.TagFunction:
		return KindFunction
	}
	return KindBuiltin
}

// Kind is a type descriptor for objects in a pool.
//
// Size returns the size of the object at offset at, in bytes.
// Mark is called once for every reachable object, after the object itself has
// been marked. It has to mark all objects referenced by the object.
// Move is called for every marked object before objects are relocated. It has
// to rewrite all references embedded in the object, calling MoveOffset or
// MoveValue. Objects are still at their old location when Move is called.
type Kind interface {
	Size(p *Pool, at Offset) int
	Mark(p *Pool, at Offset)
	Move(p *Pool, at Offset)
}

// RootSet is a type for clients holding references into a pool outside of
// any pool object. Root sets have to mark every reference they hold during
// MarkRoots and rewrite them during MoveRoots.
type RootSet interface {
	MarkRoots(p *Pool)
	MoveRoots(p *Pool)
}

// Style selects the kind of garbage collection.
type Style int8

// Collection styles.
const (
	// Full collections compact the whole pool.
	Full Style = iota
	// Incremental collections keep objects which survived the previous
	// collection in place and compact only younger objects.
	Incremental
)

func (s Style) String() string {
	if s == Incremental {
		return "incremental"
	}
	return "full"
}

// Stats collects statistics about the most recent collection.
type Stats struct {
	Collections int   // number of collections so far
	Style       Style // style of the most recent collection
	Objects     int   // live objects found
	Live        int   // bytes in use after collection
	Freed       int   // bytes reclaimed
}

// Pool is a memory pool for runtime objects. A pool must not be shared
// between VM instances.
type Pool struct {
	mem        []byte
	top        Offset // next free offset
	lastTop    Offset // top after previous collection
	maxSize    int    // > len(mem) for dynamic pools
	w          int    // width of embedded offsets, 2 or 4
	style      Style
	kinds      [numKinds]Kind
	roots      []RootSet
	stash      [numKinds]Offset
	stashed    [numKinds]bool
	stashV     poly.Value
	stashedV   bool
	chunks     *treemap.Map // marked objects during collection
	collecting bool
	stats      Stats
}

// Option configures a pool.
type Option func(*Pool)

// WithMaxSize makes a pool dynamic: it may grow up to max bytes when a
// collection is unable to free enough memory.
func WithMaxSize(max int) Option {
	return func(p *Pool) {
		p.maxSize = max
	}
}

// WithStyle sets the collection style used when an allocation fails.
// A failing collection of incremental style is always followed by a full one.
func WithStyle(s Style) Option {
	return func(p *Pool) {
		p.style = s
	}
}

// New creates a pool of size bytes. size is rounded up to a multiple of Round.
func New(size int, opts ...Option) (*Pool, error) {
	size = roundUp(size)
	if size < 2*Round || size > MaxSize {
		return nil, poolvm.Errorf(poolvm.InternalError, "pool size %d out of range", size)
	}
	p := &Pool{maxSize: size}
	for _, opt := range opts {
		opt(p)
	}
	p.maxSize = roundUp(p.maxSize)
	if p.maxSize < size {
		p.maxSize = size
	} else if p.maxSize > MaxSize {
		p.maxSize = MaxSize
	}
	p.w = 4
	if p.maxSize <= 1<<16 {
		p.w = 2
	}
	p.mem = make([]byte, size)
	p.top = first
	p.lastTop = first
	p.kinds[KindBuiltin] = nullKind{}
	p.kinds[KindData] = nullKind{}
	tracer().Debugf("new pool of %d bytes, offsets are %d bytes wide", size, p.w)
	return p, nil
}

func roundUp(size int) int {
	return (size + Round - 1) &^ (Round - 1)
}

// Register sets the type descriptor for an object kind.
func (p *Pool) Register(id KindID, k Kind) {
	p.kinds[id] = k
}

// AddRoots registers a root set.
func (p *Pool) AddRoots(r RootSet) {
	p.roots = append(p.roots, r)
}

// RemoveRoots unregisters a root set.
func (p *Pool) RemoveRoots(r RootSet) {
	for i, rs := range p.roots {
		if rs == r {
			p.roots = append(p.roots[:i], p.roots[i+1:]...)
			return
		}
	}
}

// W returns the width of offsets stored within objects.
func (p *Pool) W() int {
	return p.w
}

// Size returns the current size of the pool in bytes.
func (p *Pool) Size() int {
	return len(p.mem)
}

// InUse returns the number of bytes allocated, including garbage.
func (p *Pool) InUse() int {
	return int(p.top)
}

// Free returns the number of bytes available without collecting.
func (p *Pool) Free() int {
	return len(p.mem) - int(p.top)
}

// Stats returns statistics of the most recent collection.
func (p *Pool) Stats() Stats {
	return p.stats
}

// --- Allocation ------------------------------------------------------------

// Alloc allocates a zeroed block of at least size bytes. If the pool is
// exhausted, Alloc triggers a collection and retries. Failing allocations
// result in a fatal error of kind ResourceExhausted.
//
// Any offset held outside of a root or the stash is invalid after Alloc
// returns.
func (p *Pool) Alloc(size int) (Offset, error) {
	if p.collecting {
		poolvm.Panic("allocation during garbage collection")
	}
	if size < 0 {
		return None, poolvm.Errorf(poolvm.InternalError, "negative allocation size %d", size)
	}
	if size > MaxSize {
		tracer().Errorf("pool exhausted: %d bytes exceed the largest pool", size)
		return None, poolvm.Errorf(poolvm.ResourceExhausted,
			"cannot allocate %d bytes, largest pool size is %d", size, MaxSize)
	}
	n := roundUp(size)
	if n == 0 {
		n = Round
	}
	if !p.fits(n) {
		p.Collect(p.style)
		if !p.fits(n) && p.style != Full {
			p.Collect(Full)
		}
		if !p.fits(n) && !p.grow(n) {
			tracer().Errorf("pool exhausted: cannot allocate %d bytes", n)
			return None, poolvm.Errorf(poolvm.ResourceExhausted,
				"cannot allocate %d bytes, pool size is %d", n, len(p.mem))
		}
	}
	off := p.top
	p.top += Offset(n)
	clear(p.mem[off:p.top])
	return off, nil
}

func (p *Pool) fits(n int) bool {
	return int(p.top)+n <= len(p.mem)
}

// grow enlarges a dynamic pool. Offsets stay valid, as they are relative to
// the start of the pool.
func (p *Pool) grow(n int) bool {
	if p.maxSize <= len(p.mem) {
		return false
	}
	size := 2 * len(p.mem)
	if size < int(p.top)+n {
		size = roundUp(int(p.top) + n)
	}
	if size > p.maxSize {
		size = p.maxSize
	}
	if int(p.top)+n > size {
		return false
	}
	mem := make([]byte, size)
	copy(mem, p.mem[:p.top])
	tracer().Infof("growing pool from %d to %d bytes", len(p.mem), size)
	p.mem = mem
	return true
}

// --- Accessors -------------------------------------------------------------

// Check panics if off is not a valid object offset.
func (p *Pool) Check(off Offset) {
	if off&(Round-1) != 0 || int(off) >= len(p.mem) {
		poolvm.Panic("bad offset %#x", off)
	}
}

// Field returns the position of the i-th offset-sized field of an object.
func (p *Pool) Field(off Offset, i int) Offset {
	return off + Offset(i*p.w)
}

// Word reads an offset-sized field at position at.
func (p *Pool) Word(at Offset) Offset {
	if p.w == 2 {
		return Offset(binary.LittleEndian.Uint16(p.mem[at:]))
	}
	return Offset(binary.LittleEndian.Uint32(p.mem[at:]))
}

// SetWord writes an offset-sized field at position at.
func (p *Pool) SetWord(at Offset, v Offset) {
	if p.w == 2 {
		w, err := safecast.Conv[uint16](v)
		if err != nil {
			poolvm.Panic("value %d does not fit into a pool word", v)
		}
		binary.LittleEndian.PutUint16(p.mem[at:], w)
		return
	}
	binary.LittleEndian.PutUint32(p.mem[at:], uint32(v))
}

// Int reads an offset-sized field as an integer.
func (p *Pool) Int(at Offset) int {
	return int(p.Word(at))
}

// SetInt writes a non-negative integer into an offset-sized field.
func (p *Pool) SetInt(at Offset, n int) {
	v, err := safecast.Conv[Offset](n)
	if err != nil {
		poolvm.Panic("value %d does not fit into a pool word", n)
	}
	p.SetWord(at, v)
}

// Value reads a value at position at.
func (p *Pool) Value(at Offset) poly.Value {
	return poly.Value(binary.LittleEndian.Uint32(p.mem[at:]))
}

// SetValue writes a value at position at.
func (p *Pool) SetValue(at Offset, v poly.Value) {
	binary.LittleEndian.PutUint32(p.mem[at:], uint32(v))
}

// Float reads a float at position at.
func (p *Pool) Float(at Offset) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(p.mem[at:]))
}

// SetFloat writes a float at position at.
func (p *Pool) SetFloat(at Offset, f float32) {
	binary.LittleEndian.PutUint32(p.mem[at:], math.Float32bits(f))
}

// Byte reads a byte at position at.
func (p *Pool) Byte(at Offset) byte {
	return p.mem[at]
}

// SetByte writes a byte at position at.
func (p *Pool) SetByte(at Offset, b byte) {
	p.mem[at] = b
}

// Bytes returns a view of n bytes at position at. The view is invalidated by
// the next allocation.
func (p *Pool) Bytes(at Offset, n int) []byte {
	return p.mem[at : int(at)+n : int(at)+n]
}

// Copy copies n bytes from position src to position dst.
func (p *Pool) Copy(dst, src Offset, n int) {
	copy(p.mem[dst:int(dst)+n], p.mem[src:int(src)+n])
}

// Ref returns the object offset of a reference value.
func Ref(v poly.Value) Offset {
	return Offset(v.Offset())
}

// ToValue creates a reference value for an object.
func ToValue(tag poly.Tag, off Offset) poly.Value {
	return poly.FromRef(tag, uint32(off))
}

// nullKind describes objects without embedded references, for which the
// size is recorded by the marker (data blocks), and builtins.
type nullKind struct{}

func (nullKind) Size(*Pool, Offset) int { return 0 }
func (nullKind) Mark(*Pool, Offset)     {}
func (nullKind) Move(*Pool, Offset)     {}
