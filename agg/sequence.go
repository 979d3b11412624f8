/*
Package agg implements aggregate values as collectable pool objects: growable
sequences (lists and read-only tuples) and text buffers.

Operations on aggregates accept and return poly.Values. All of them may
allocate, and allocation may move objects. Operations which allocate more than
once protect intermediate objects by the pool's stash; callers have to make
sure their own operands are reachable from a root, if they need them after the
call.

License

Governed by a 3-Clause BSD license. License file may be found in the root
folder of this module.

Copyright © 2017–2021 Norbert Pillmayer <norbert@pillmayer.com>

*/
package agg

import (
	"github.com/npillmayer/poolvm"
	"github.com/npillmayer/poolvm/poly"
	"github.com/npillmayer/poolvm/pool"
	"github.com/npillmayer/schuko/tracing"
)

// tracer traces with key 'poolvm.agg'.
func tracer() tracing.Trace {
	return tracing.Select("poolvm.agg")
}

// Register registers the type descriptors for sequences, value blocks and
// text buffers with a pool.
func Register(p *pool.Pool) {
	p.Register(pool.KindSequence, &sequenceKind{})
	p.Register(pool.KindValues, valuesKind{})
	p.Register(pool.KindText, textKind{})
}

// A sequence is laid out as three offset-sized fields:
//
//     size | flags | data
//
// data points to a block of values. The block starts with a 4-byte capacity
// field, followed by capacity values, of which the first size are in use.
// Unused slots always hold Null.
const (
	seqSize = iota
	seqFlags
	seqData
	seqFields
)

// Flags is the unpacked form of a sequence's flags field. ReadOnly marks
// tuples. Noted and NoteNext are collector bookkeeping: during marking,
// sequences found while scanning another sequence are chained up instead of
// being scanned recursively.
type Flags struct {
	ReadOnly bool
	Noted    bool
	NoteNext pool.Offset
}

// The flags field packs both booleans into the low bits of the note-next
// offset, which are always zero for aligned offsets.
func decodeFlags(w pool.Offset) Flags {
	return Flags{
		ReadOnly: w&1 != 0,
		Noted:    w&2 != 0,
		NoteNext: w &^ 3,
	}
}

func (f Flags) encode() pool.Offset {
	if f.NoteNext&3 != 0 {
		poolvm.Panic("note-next offset %#x not aligned", f.NoteNext)
	}
	w := f.NoteNext
	if f.ReadOnly {
		w |= 1
	}
	if f.Noted {
		w |= 2
	}
	return w
}

func flagsOf(p *pool.Pool, off pool.Offset) Flags {
	return decodeFlags(p.Word(p.Field(off, seqFlags)))
}

func setFlags(p *pool.Pool, off pool.Offset, f Flags) {
	p.SetWord(p.Field(off, seqFlags), f.encode())
}

func length(p *pool.Pool, off pool.Offset) int {
	return p.Int(p.Field(off, seqSize))
}

func data(p *pool.Pool, off pool.Offset) pool.Offset {
	return p.Word(p.Field(off, seqData))
}

func capacity(p *pool.Pool, off pool.Offset) int {
	d := data(p, off)
	if d == pool.None {
		return 0
	}
	return p.Int(d)
}

// slot returns the position of the i-th value of a value block.
func slot(d pool.Offset, i int) pool.Offset {
	return d + pool.Offset(4+4*i)
}

// elem returns the position of the i-th element of a sequence.
func elem(p *pool.Pool, off pool.Offset, i int) pool.Offset {
	return slot(data(p, off), i)
}

// --- Type descriptors ------------------------------------------------------

type sequenceKind struct {
	noted    pool.Offset // chain of sequences waiting to be scanned
	scanning bool
}

func (k *sequenceKind) Size(p *pool.Pool, at pool.Offset) int {
	return seqFields * p.W()
}

func (k *sequenceKind) Mark(p *pool.Pool, at pool.Offset) {
	if k.scanning { // defer, scanned by the outermost Mark
		f := flagsOf(p, at)
		if f.Noted {
			poolvm.Panic("sequence at %#x noted twice", at)
		}
		f.Noted, f.NoteNext = true, k.noted
		setFlags(p, at, f)
		k.noted = at
		return
	}
	k.scanning = true
	defer func() { k.scanning = false }()
	p.MarkOffset(pool.KindValues, data(p, at))
	for k.noted != pool.None {
		at = k.noted
		f := flagsOf(p, at)
		k.noted = f.NoteNext
		f.Noted, f.NoteNext = false, pool.None
		setFlags(p, at, f)
		p.MarkOffset(pool.KindValues, data(p, at))
	}
}

func (k *sequenceKind) Move(p *pool.Pool, at pool.Offset) {
	p.MoveWord(p.Field(at, seqData))
}

type valuesKind struct{}

func (valuesKind) Size(p *pool.Pool, at pool.Offset) int {
	return 4 + 4*p.Int(at)
}

func (valuesKind) Mark(p *pool.Pool, at pool.Offset) {
	for i, n := 0, p.Int(at); i < n; i++ {
		p.MarkValue(p.Value(slot(at, i)))
	}
}

func (valuesKind) Move(p *pool.Pool, at pool.Offset) {
	for i, n := 0, p.Int(at); i < n; i++ {
		p.MoveValueAt(slot(at, i))
	}
}

// --- Construction ----------------------------------------------------------

// MakeSequence creates a sequence of n elements, all set to Null.
func MakeSequence(p *pool.Pool, n int, readonly bool) (poly.Value, error) {
	var d pool.Offset
	if n > 0 {
		var err error
		if d, err = allocValues(p, n); err != nil {
			return poly.Null, err
		}
	}
	p.Stash(pool.KindValues, d)
	off, err := p.Alloc(seqFields * p.W())
	d = p.Fetch(pool.KindValues)
	if err != nil {
		return poly.Null, err
	}
	p.SetInt(p.Field(off, seqSize), n)
	p.SetWord(p.Field(off, seqData), d)
	setFlags(p, off, Flags{ReadOnly: readonly})
	return pool.ToValue(poly.TagSequence, off), nil
}

func allocValues(p *pool.Pool, n int) (pool.Offset, error) {
	d, err := p.Alloc(4 + 4*n)
	if err != nil {
		return pool.None, err
	}
	p.SetInt(d, n)
	for i := 0; i < n; i++ {
		p.SetValue(slot(d, i), poly.Null)
	}
	return d, nil
}

// FromValues creates a sequence from Go values. References among vals are
// stale if allocating the sequence triggers a collection; callers holding
// references have to use MakeSequence and fill it from a root.
func FromValues(p *pool.Pool, readonly bool, vals ...poly.Value) (poly.Value, error) {
	s, err := MakeSequence(p, len(vals), readonly)
	if err != nil {
		return poly.Null, err
	}
	for i, v := range vals {
		p.SetValue(elem(p, pool.Ref(s), i), v)
	}
	return s, nil
}

// IsReadOnly is a predicate: is v a read-only sequence (tuple)?
func IsReadOnly(p *pool.Pool, v poly.Value) bool {
	return v.Is(poly.TagSequence) && flagsOf(p, pool.Ref(v)).ReadOnly
}

// SeqLen returns the number of elements of a sequence.
func SeqLen(p *pool.Pool, s poly.Value) int {
	return length(p, pool.Ref(s))
}

// SeqAt returns the i-th element of a sequence. i has to be in range.
func SeqAt(p *pool.Pool, s poly.Value, i int) poly.Value {
	off := pool.Ref(s)
	if i < 0 || i >= length(p, off) {
		poolvm.Panic("sequence index %d out of range", i)
	}
	return p.Value(elem(p, off, i))
}

// SeqSet sets the i-th element of a sequence. Read-only sequences cannot be
// modified.
func SeqSet(p *pool.Pool, s poly.Value, i int, v poly.Value) error {
	off := pool.Ref(s)
	if flagsOf(p, off).ReadOnly {
		return poolvm.Errorf(poolvm.TypeError, "tuple cannot be modified")
	}
	if i < 0 || i >= length(p, off) {
		return poolvm.Errorf(poolvm.TypeError, "index %d out of range", i)
	}
	p.SetValue(elem(p, off, i), v)
	return nil
}

// Init sets the i-th element of a freshly created sequence, ignoring the
// read-only flag.
func Init(p *pool.Pool, s poly.Value, i int, v poly.Value) {
	off := pool.Ref(s)
	if i < 0 || i >= length(p, off) {
		poolvm.Panic("sequence index %d out of range", i)
	}
	p.SetValue(elem(p, off, i), v)
}

// Elements returns a copy of the elements of a sequence. The copy is not a
// root; references in it are invalidated by the next allocation.
func Elements(p *pool.Pool, s poly.Value) []poly.Value {
	off := pool.Ref(s)
	n := length(p, off)
	vals := make([]poly.Value, n)
	for i := range vals {
		vals[i] = p.Value(elem(p, off, i))
	}
	return vals
}

// --- Operations ------------------------------------------------------------

// Append appends the elements of sequence b to sequence a, in place.
// Returns a, which may have been moved.
func Append(p *pool.Pool, a, b poly.Value) (poly.Value, error) {
	if IsReadOnly(p, a) {
		return poly.Null, poolvm.Errorf(poolvm.TypeError, "tuple cannot be modified")
	}
	la, lb := SeqLen(p, a), SeqLen(p, b)
	n := la + lb
	if c := capacity(p, pool.Ref(a)); n > c {
		alloc := c * 3 / 2
		if alloc < n {
			alloc = n
		}
		p.Stash(pool.KindSequence, pool.Ref(a))
		p.StashValue(b)
		d, err := allocValues(p, alloc)
		b = p.FetchValue()
		a = pool.ToValue(poly.TagSequence, p.Fetch(pool.KindSequence))
		if err != nil {
			return poly.Null, err
		}
		off := pool.Ref(a)
		if la > 0 {
			p.Copy(slot(d, 0), elem(p, off, 0), 4*la)
		}
		p.SetWord(p.Field(off, seqData), d)
	}
	off, boff := pool.Ref(a), pool.Ref(b)
	for i := 0; i < lb; i++ {
		p.SetValue(elem(p, off, la+i), p.Value(elem(p, boff, i)))
	}
	p.SetInt(p.Field(off, seqSize), n)
	tracer().Debugf("appended %d elements, sequence size is %d", lb, n)
	return a, nil
}

// Plus concatenates two sequences into a new one. Both have to be of the
// same mutability.
func Plus(p *pool.Pool, a, b poly.Value) (poly.Value, error) {
	ro := IsReadOnly(p, a)
	if ro != IsReadOnly(p, b) {
		return poly.Null, poolvm.Errorf(poolvm.TypeError, "cannot concatenate list and tuple")
	}
	la, lb := SeqLen(p, a), SeqLen(p, b)
	p.Stash(pool.KindSequence, pool.Ref(a))
	p.StashValue(b)
	s, err := MakeSequence(p, la+lb, ro)
	b = p.FetchValue()
	a = pool.ToValue(poly.TagSequence, p.Fetch(pool.KindSequence))
	if err != nil {
		return poly.Null, err
	}
	off := pool.Ref(s)
	if la > 0 {
		p.Copy(elem(p, off, 0), elem(p, pool.Ref(a), 0), 4*la)
	}
	if lb > 0 {
		p.Copy(elem(p, off, la), elem(p, pool.Ref(b), 0), 4*lb)
	}
	return s, nil
}

// Times creates a new sequence repeating the elements of s count times.
func Times(p *pool.Pool, s poly.Value, count int) (poly.Value, error) {
	if count < 0 {
		count = 0
	}
	n := SeqLen(p, s)
	if err := checkRepeat(n, 4, count); err != nil {
		return poly.Null, err
	}
	ro := IsReadOnly(p, s)
	p.Stash(pool.KindSequence, pool.Ref(s))
	r, err := MakeSequence(p, n*count, ro)
	s = pool.ToValue(poly.TagSequence, p.Fetch(pool.KindSequence))
	if err != nil || n == 0 {
		return r, err
	}
	for i := 0; i < count; i++ {
		p.Copy(elem(p, pool.Ref(r), i*n), elem(p, pool.Ref(s), 0), 4*n)
	}
	return r, nil
}

// checkRepeat makes sure that count repetitions of n items of size bytes
// each could fit into a pool at all.
func checkRepeat(n, size, count int) error {
	if n > 0 && count > (pool.MaxSize/size)/n {
		return poolvm.Errorf(poolvm.ResourceExhausted,
			"cannot repeat %d items %d times, pool is limited to %d bytes", n, count, pool.MaxSize)
	}
	return nil
}

// SliceSeq creates a new sequence from the positions selected by spec.
// Slicing a read-only sequence with an identity slice returns the sequence
// itself; all other slices allocate a fresh sequence.
func SliceSeq(p *pool.Pool, s poly.Value, spec SliceSpec) (poly.Value, error) {
	spec.Len = SeqLen(p, s)
	if err := spec.Canon(); err != nil {
		return poly.Null, err
	}
	ro := IsReadOnly(p, s)
	if ro && spec.Identity() {
		return s, nil
	}
	p.Stash(pool.KindSequence, pool.Ref(s))
	r, err := MakeSequence(p, spec.Count, ro)
	s = pool.ToValue(poly.TagSequence, p.Fetch(pool.KindSequence))
	if err != nil {
		return poly.Null, err
	}
	src, dst := pool.Ref(s), pool.Ref(r)
	for i, pos := 0, spec.Start; i < spec.Count; i, pos = i+1, pos+spec.Stride {
		p.SetValue(elem(p, dst, i), p.Value(elem(p, src, pos)))
	}
	return r, nil
}
