package vm

// Object model for attribute specialization.
//
// Classes carry a version tag that is reassigned on every class-level
// mutation; instance dicts carry their own version bumped on every
// mutation. Specialized attribute loads cache these tags and
// re-validate them on each execution, so a stale cache can only ever
// produce a miss, never a wrong value.

// Class describes an object's layout and class-level attributes.
//
// The field layout (name -> slot) is fixed at class creation time and
// includes inherited fields first, so a subclass instance can be read
// through a superclass field index.
type Class struct {
	Name string
	Base *Class

	// version is the current validation tag. Zero means versioning is
	// exhausted and instances of this class can no longer be
	// specialized against.
	version uint32

	fieldNames []uint32          // symbol IDs in slot order, base fields first
	fieldIndex map[uint32]uint16 // symbol ID -> field slot
	attrs      map[uint32]Value  // class-level attributes

	interp *Interpreter // owner; source of fresh version tags
}

// NewClass creates a class owned by this interpreter. Field names are
// interned; inherited fields come first in the slot layout.
func (in *Interpreter) NewClass(name string, base *Class, fieldNames []string) *Class {
	c := &Class{
		Name:       name,
		Base:       base,
		fieldIndex: make(map[uint32]uint16),
		attrs:      make(map[uint32]Value),
		interp:     in,
	}
	if base != nil {
		c.fieldNames = append(c.fieldNames, base.fieldNames...)
		for sym, slot := range base.fieldIndex {
			c.fieldIndex[sym] = slot
		}
	}
	for _, fn := range fieldNames {
		sym := in.Intern(fn)
		if _, dup := c.fieldIndex[sym]; dup {
			continue
		}
		c.fieldIndex[sym] = uint16(len(c.fieldNames))
		c.fieldNames = append(c.fieldNames, sym)
	}
	c.version = in.nextVersionTag()
	return c
}

// Version returns the class's current validation tag (0 = exhausted).
func (c *Class) Version() uint32 {
	return c.version
}

// NumFields returns the instance field count, inherited fields included.
func (c *Class) NumFields() int {
	return len(c.fieldNames)
}

// FieldSlot resolves an interned attribute name to a field slot.
func (c *Class) FieldSlot(sym uint32) (uint16, bool) {
	slot, ok := c.fieldIndex[sym]
	return slot, ok
}

// FieldName returns the symbol ID of the field at slot i.
func (c *Class) FieldName(i int) uint32 {
	return c.fieldNames[i]
}

// Attr looks up a class-level attribute along the inheritance chain.
func (c *Class) Attr(sym uint32) (Value, bool) {
	for cls := c; cls != nil; cls = cls.Base {
		if v, ok := cls.attrs[sym]; ok {
			return v, true
		}
	}
	return None, false
}

// SetAttr sets a class-level attribute and invalidates every cache
// holding the old version tag by assigning a fresh one.
func (c *Class) SetAttr(sym uint32, v Value) {
	c.attrs[sym] = v
	c.version = c.interp.nextVersionTag()
}

// ---------------------------------------------------------------------------
// Objects
// ---------------------------------------------------------------------------

// Object is a heap-allocated instance: fixed field storage laid out by
// the class, plus an optional per-instance dict for dynamic attributes.
type Object struct {
	class  *Class
	fields []Value
	dict   *Dict // nil until the first dynamic attribute
}

// NewObject creates an instance with all fields set to none.
func NewObject(c *Class) *Object {
	fields := make([]Value, c.NumFields())
	for i := range fields {
		fields[i] = None
	}
	return &Object{class: c, fields: fields}
}

// Class returns the instance's class.
func (o *Object) Class() *Class {
	return o.class
}

// Field returns the value stored in field slot i.
func (o *Object) Field(i int) Value {
	return o.fields[i]
}

// SetField stores v in field slot i. Field writes do not touch any
// version tag: the cached information is the location, not the value.
func (o *Object) SetField(i int, v Value) {
	o.fields[i] = v
}

// Dict returns the instance dict, or nil if none has been created.
func (o *Object) Dict() *Dict {
	return o.dict
}

// EnsureDict returns the instance dict, creating it on first use.
func (o *Object) EnsureDict() *Dict {
	if o.dict == nil {
		o.dict = NewDict()
	}
	return o.dict
}

// Attr resolves an attribute: field slot, then instance dict, then the
// class chain. Reports false if the attribute does not exist.
func (o *Object) Attr(sym uint32) (Value, bool) {
	if slot, ok := o.class.FieldSlot(sym); ok {
		return o.fields[slot], true
	}
	if o.dict != nil {
		if v, ok := o.dict.Get(sym); ok {
			return v, true
		}
	}
	return o.class.Attr(sym)
}

// SetAttr assigns an attribute: into its field slot when the class
// layout has one, otherwise into the instance dict.
func (o *Object) SetAttr(sym uint32, v Value) {
	if slot, ok := o.class.FieldSlot(sym); ok {
		o.fields[slot] = v
		return
	}
	o.EnsureDict().Set(sym, v)
}

// ---------------------------------------------------------------------------
// Versioned dict
// ---------------------------------------------------------------------------

// Dict is an insertion-ordered attribute table with a version counter.
// Deletions leave tombstones so entry indexes stay stable; a cached
// entry index (hint) plus a matching version is therefore always safe
// to dereference.
type Dict struct {
	entries []dictEntry
	index   map[uint32]int
	version uint32
}

type dictEntry struct {
	key  uint32
	val  Value
	live bool
}

// NewDict creates an empty dict with version 1.
func NewDict() *Dict {
	return &Dict{index: make(map[uint32]int), version: 1}
}

// Version returns the dict's current version counter.
func (d *Dict) Version() uint32 {
	return d.version
}

// Len returns the number of live entries.
func (d *Dict) Len() int {
	n := 0
	for _, e := range d.entries {
		if e.live {
			n++
		}
	}
	return n
}

// Get returns the value for key, if present.
func (d *Dict) Get(key uint32) (Value, bool) {
	i, ok := d.index[key]
	if !ok || !d.entries[i].live {
		return None, false
	}
	return d.entries[i].val, true
}

// IndexOf returns the entry index for key: the hint a specialized
// load caches alongside the dict version.
func (d *Dict) IndexOf(key uint32) (int, bool) {
	i, ok := d.index[key]
	if !ok || !d.entries[i].live {
		return 0, false
	}
	return i, true
}

// EntryAt reads the entry at index i without consulting the key index.
// Used by the specialized fast path after version validation.
func (d *Dict) EntryAt(i int) (key uint32, val Value, live bool) {
	if i < 0 || i >= len(d.entries) {
		return 0, None, false
	}
	e := d.entries[i]
	return e.key, e.val, e.live
}

// Set inserts or updates key and bumps the version.
func (d *Dict) Set(key uint32, v Value) {
	if i, ok := d.index[key]; ok && d.entries[i].live {
		d.entries[i].val = v
		d.version++
		return
	}
	d.entries = append(d.entries, dictEntry{key: key, val: v, live: true})
	d.index[key] = len(d.entries) - 1
	d.version++
}

// Delete tombstones key and bumps the version. Reports whether the key
// was present.
func (d *Dict) Delete(key uint32) bool {
	i, ok := d.index[key]
	if !ok || !d.entries[i].live {
		return false
	}
	d.entries[i].live = false
	delete(d.index, key)
	d.version++
	return true
}
