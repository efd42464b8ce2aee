package mesh

// Attributes is an ordered set of named arrays aligned with either the
// points or the cells of a mesh
type Attributes struct {
	arrays []*Array
}

// NewAttributes returns an empty attribute set
func NewAttributes() *Attributes {
	return &Attributes{}
}

// Len returns the number of arrays
func (at *Attributes) Len() int { return len(at.arrays) }

// Arrays returns the arrays in insertion order. The slice must not be
// modified.
func (at *Attributes) Arrays() []*Array { return at.arrays }

// Names returns the array names in insertion order
func (at *Attributes) Names() []string {
	names := make([]string, len(at.arrays))
	for i, a := range at.arrays {
		names[i] = a.Name
	}
	return names
}

// Get returns the array with the given name or nil
func (at *Attributes) Get(name string) *Array {
	for _, a := range at.arrays {
		if a.Name == name {
			return a
		}
	}
	return nil
}

// Has reports whether an array named name exists
func (at *Attributes) Has(name string) bool { return at.Get(name) != nil }

// Set adds a, replacing any existing array of the same name in place
func (at *Attributes) Set(a *Array) {
	for i, b := range at.arrays {
		if b.Name == a.Name {
			at.arrays[i] = a
			return
		}
	}
	at.arrays = append(at.arrays, a)
}

// Remove deletes the named array, reporting whether it existed
func (at *Attributes) Remove(name string) bool {
	for i, a := range at.arrays {
		if a.Name == name {
			at.arrays = append(at.arrays[:i], at.arrays[i+1:]...)
			return true
		}
	}
	return false
}

// CloneEmpty returns a set with the same array layouts and no tuples
func (at *Attributes) CloneEmpty() *Attributes {
	out := NewAttributes()
	for _, a := range at.arrays {
		out.arrays = append(out.arrays, a.CloneEmpty())
	}
	return out
}

// Clone returns a deep copy
func (at *Attributes) Clone() *Attributes {
	out := NewAttributes()
	for _, a := range at.arrays {
		out.arrays = append(out.arrays, a.Clone())
	}
	return out
}

// Select returns a set whose arrays hold only the tuples at ids
func (at *Attributes) Select(ids []int) *Attributes {
	out := NewAttributes()
	for _, a := range at.arrays {
		out.arrays = append(out.arrays, a.Select(ids))
	}
	return out
}

// AppendTuple appends tuple i of every array in src to the array of the same
// name in at. Arrays of at that src lacks receive a zero tuple.
func (at *Attributes) AppendTuple(src *Attributes, i int) {
	for _, a := range at.arrays {
		if s := src.Get(a.Name); s != nil {
			a.AppendTuple(s, i)
		} else {
			a.AppendZero()
		}
	}
}

// Adopt makes sure at holds an array for every array of src, back filling
// n zero tuples for arrays that are new to at
func (at *Attributes) Adopt(src *Attributes, n int) {
	for _, s := range src.arrays {
		if at.Has(s.Name) {
			continue
		}
		a := s.CloneEmpty()
		for i := 0; i < n; i++ {
			a.AppendZero()
		}
		at.arrays = append(at.arrays, a)
	}
}

// Equal reports whether both sets hold equal arrays in the same order
func (at *Attributes) Equal(o *Attributes) bool {
	if len(at.arrays) != len(o.arrays) {
		return false
	}
	for i := range at.arrays {
		if !at.arrays[i].Equal(o.arrays[i]) {
			return false
		}
	}
	return true
}
