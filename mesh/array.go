package mesh

import (
	"fmt"

	"gonum.org/v1/gonum/floats"
)

// DataType is the element type of an attribute array
type DataType uint8

const (
	Int8 DataType = iota
	Int16
	Int32
	Int64
	Uint8
	Float32
	Float64

	numDataTypes
)

var dataTypeNames = [numDataTypes]string{"Int8", "Int16", "Int32", "Int64", "Uint8", "Float32", "Float64"}
var dataTypeSizes = [numDataTypes]int{1, 2, 4, 8, 1, 4, 8}

func (dt DataType) String() string {
	if !dt.Valid() {
		return fmt.Sprintf("DataType(%d)", uint8(dt))
	}
	return dataTypeNames[dt]
}

// Valid reports whether dt is a known data type
func (dt DataType) Valid() bool { return dt < numDataTypes }

// IsInteger reports whether values of this type are integers
func (dt DataType) IsInteger() bool { return dt <= Uint8 }

// Size returns the width in bytes of one value
func (dt DataType) Size() int {
	if !dt.Valid() {
		return 0
	}
	return dataTypeSizes[dt]
}

// Array is a named attribute array of tuples with a fixed number of
// components. Integer types are stored widened to int64 and floating types
// to float64; values are narrowed to the declared width on every store so
// that a serialization round trip is exact.
type Array struct {
	Name          string
	Type          DataType
	NumComponents int

	ints   []int64
	floats []float64
}

// NewArray creates an empty array
func NewArray(name string, dt DataType, ncomp int) *Array {
	if !dt.Valid() {
		panic(fmt.Sprintf("mesh: invalid data type %d for array %q", dt, name))
	}
	if ncomp < 1 {
		ncomp = 1
	}
	return &Array{Name: name, Type: dt, NumComponents: ncomp}
}

// NewConstantArray creates an array of n single-component tuples set to v
func NewConstantArray(name string, dt DataType, n int, v float64) *Array {
	a := NewArray(name, dt, 1)
	for i := 0; i < n; i++ {
		if dt.IsInteger() {
			a.AppendInt(int64(v))
		} else {
			a.AppendFloat(v)
		}
	}
	return a
}

// Len returns the number of tuples
func (a *Array) Len() int {
	if a.Type.IsInteger() {
		return len(a.ints) / a.NumComponents
	}
	return len(a.floats) / a.NumComponents
}

// Int returns component c of tuple i as an integer
func (a *Array) Int(i, c int) int64 {
	k := i*a.NumComponents + c
	if a.Type.IsInteger() {
		return a.ints[k]
	}
	return int64(a.floats[k])
}

// Float returns component c of tuple i as a float
func (a *Array) Float(i, c int) float64 {
	k := i*a.NumComponents + c
	if a.Type.IsInteger() {
		return float64(a.ints[k])
	}
	return a.floats[k]
}

// SetInt stores v at component c of tuple i
func (a *Array) SetInt(i, c int, v int64) {
	k := i*a.NumComponents + c
	if a.Type.IsInteger() {
		a.ints[k] = narrowInt(a.Type, v)
		return
	}
	a.floats[k] = narrowFloat(a.Type, float64(v))
}

// SetFloat stores v at component c of tuple i
func (a *Array) SetFloat(i, c int, v float64) {
	k := i*a.NumComponents + c
	if a.Type.IsInteger() {
		a.ints[k] = narrowInt(a.Type, int64(v))
		return
	}
	a.floats[k] = narrowFloat(a.Type, v)
}

// AppendInt appends raw integer values; len(vals) should be a multiple of
// NumComponents
func (a *Array) AppendInt(vals ...int64) {
	for _, v := range vals {
		if a.Type.IsInteger() {
			a.ints = append(a.ints, narrowInt(a.Type, v))
		} else {
			a.floats = append(a.floats, narrowFloat(a.Type, float64(v)))
		}
	}
}

// AppendFloat appends raw float values; len(vals) should be a multiple of
// NumComponents
func (a *Array) AppendFloat(vals ...float64) {
	for _, v := range vals {
		if a.Type.IsInteger() {
			a.ints = append(a.ints, narrowInt(a.Type, int64(v)))
		} else {
			a.floats = append(a.floats, narrowFloat(a.Type, v))
		}
	}
}

// AppendZero appends one tuple of zeros
func (a *Array) AppendZero() {
	for c := 0; c < a.NumComponents; c++ {
		if a.Type.IsInteger() {
			a.ints = append(a.ints, 0)
		} else {
			a.floats = append(a.floats, 0)
		}
	}
}

// AppendTuple appends tuple i of src, converting between types when needed.
// Missing components are zero filled, extra components are dropped.
func (a *Array) AppendTuple(src *Array, i int) {
	for c := 0; c < a.NumComponents; c++ {
		if c >= src.NumComponents {
			if a.Type.IsInteger() {
				a.ints = append(a.ints, 0)
			} else {
				a.floats = append(a.floats, 0)
			}
			continue
		}
		if a.Type.IsInteger() {
			a.ints = append(a.ints, narrowInt(a.Type, src.Int(i, c)))
		} else {
			a.floats = append(a.floats, narrowFloat(a.Type, src.Float(i, c)))
		}
	}
}

// TupleEqual reports whether tuple i of a equals tuple j of o. Floating
// values compare with NaN equal to NaN.
func (a *Array) TupleEqual(i int, o *Array, j int) bool {
	if a.NumComponents != o.NumComponents {
		return false
	}
	n := a.NumComponents
	if a.Type.IsInteger() && o.Type.IsInteger() {
		for c := 0; c < n; c++ {
			if a.ints[i*n+c] != o.ints[j*n+c] {
				return false
			}
		}
		return true
	}
	ta, tb := make([]float64, n), make([]float64, n)
	for c := 0; c < n; c++ {
		ta[c] = a.Float(i, c)
		tb[c] = o.Float(j, c)
	}
	return floats.Same(ta, tb)
}

// Tuple returns a copy of tuple i as floats
func (a *Array) Tuple(i int) []float64 {
	t := make([]float64, a.NumComponents)
	for c := range t {
		t[c] = a.Float(i, c)
	}
	return t
}

// CloneEmpty returns an array with the same name, type and components but
// no tuples
func (a *Array) CloneEmpty() *Array {
	return NewArray(a.Name, a.Type, a.NumComponents)
}

// Clone returns a deep copy
func (a *Array) Clone() *Array {
	b := a.CloneEmpty()
	b.ints = append([]int64(nil), a.ints...)
	b.floats = append([]float64(nil), a.floats...)
	return b
}

// Select returns a new array holding the tuples at ids, in that order
func (a *Array) Select(ids []int) *Array {
	b := a.CloneEmpty()
	for _, i := range ids {
		b.AppendTuple(a, i)
	}
	return b
}

// Equal reports whether both arrays have identical metadata and tuples
func (a *Array) Equal(o *Array) bool {
	if a.Name != o.Name || a.Type != o.Type || a.NumComponents != o.NumComponents || a.Len() != o.Len() {
		return false
	}
	for i := 0; i < a.Len(); i++ {
		if !a.TupleEqual(i, o, i) {
			return false
		}
	}
	return true
}

func narrowInt(dt DataType, v int64) int64 {
	switch dt {
	case Int8:
		return int64(int8(v))
	case Int16:
		return int64(int16(v))
	case Int32:
		return int64(int32(v))
	case Uint8:
		return int64(uint8(v))
	}
	return v
}

func narrowFloat(dt DataType, v float64) float64 {
	if dt == Float32 {
		return float64(float32(v))
	}
	return v
}
