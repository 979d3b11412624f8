package runtime

import (
	"fmt"
	"sort"
	"sync"

	"github.com/emirpasic/gods/maps/hashbidimap"
	"github.com/npillmayer/poolvm"
	"github.com/npillmayer/poolvm/vm"
)

// --- Tags ------------------------------------------------------------------

// Tag is an interned identifier: a name together with the ID the VM knows
// it by. The VM never sees names, only IDs.
type Tag struct {
	Name string
	ID   poolvm.ID
}

// String is a debug Stringer for tags.
func (t Tag) String() string {
	return fmt.Sprintf("<tag '%s':%d>", t.Name, t.ID)
}

// === Symbol Tables =========================================================

// SymbolTable interns identifier names. It maps names to IDs and back.
//
// A symbol table is preloaded with the names of the builtin functions, in
// table order, so that builtin i receives ID i+1.
type SymbolTable struct {
	sync.RWMutex
	table *hashbidimap.Map // name → ID
	next  poolvm.ID
}

// NewSymbolTable creates a symbol table, preloaded with the names of a table
// of builtins.
func NewSymbolTable(builtins []vm.Builtin) *SymbolTable {
	symtab := &SymbolTable{
		table: hashbidimap.New(),
		next:  1,
	}
	for _, b := range builtins {
		symtab.Intern(b.Name)
	}
	return symtab
}

// Intern returns the ID of a name, defining a new tag if the name has not
// been seen before. The empty name is not interned and yields NoID.
func (t *SymbolTable) Intern(name string) poolvm.ID {
	if name == "" {
		return poolvm.NoID
	}
	t.Lock()
	defer t.Unlock()
	if id, found := t.table.Get(name); found {
		return id.(poolvm.ID)
	}
	id := t.next
	t.next++
	t.table.Put(name, id)
	tracer().Debugf("interned %s as %d", name, id)
	return id
}

// Resolve checks for a name in the symbol table.
func (t *SymbolTable) Resolve(name string) (Tag, bool) {
	t.RLock()
	defer t.RUnlock()
	if id, found := t.table.Get(name); found {
		return Tag{Name: name, ID: id.(poolvm.ID)}, true
	}
	return Tag{}, false
}

// Name returns the name of an ID, or "" for IDs never handed out.
func (t *SymbolTable) Name(id poolvm.ID) string {
	t.RLock()
	defer t.RUnlock()
	if name, found := t.table.GetKey(id); found {
		return name.(string)
	}
	return ""
}

// Size counts the tags in a symbol table.
func (t *SymbolTable) Size() int {
	t.RLock()
	defer t.RUnlock()
	return t.table.Size()
}

// Each iterates over the tags in the table in order of their IDs, executing
// a mapper function.
func (t *SymbolTable) Each(mapper func(Tag)) {
	t.RLock()
	tags := make([]Tag, 0, t.table.Size())
	for _, k := range t.table.Keys() {
		id, _ := t.table.Get(k)
		tags = append(tags, Tag{Name: k.(string), ID: id.(poolvm.ID)})
	}
	t.RUnlock()
	sort.Slice(tags, func(i, j int) bool { return tags[i].ID < tags[j].ID })
	for _, tag := range tags {
		mapper(tag)
	}
}
