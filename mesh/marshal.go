package mesh

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Exchange buffer layout, all values little endian:
//
//	magic "DGXB" | version u16 | reserved u16
//	npoints u64 | npoints × (x,y,z f64)
//	ncells u64  | ncells × (type u8, npts u16, npts × u32)
//	point attributes | cell attributes
//
// where an attribute block is
//
//	narrays u32 | narrays × (namelen u16, name, type u8, ncomp u32, ntuples u64, values)
//
// and values are written at the array's declared width.
const (
	bufferMagic   = "DGXB"
	BufferVersion = 1
)

// ErrCorruptBuffer is returned when an exchange buffer cannot be decoded
var ErrCorruptBuffer = errors.New("corrupt exchange buffer")

// MarshalBinary serializes the mesh into a self-describing exchange buffer
func (m *Mesh) MarshalBinary() ([]byte, error) {
	size := 8 + 8 + 24*len(m.Points) + 8
	for _, c := range m.Cells {
		size += 3 + 4*len(c.Points)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, bufferMagic...)
	buf = binary.LittleEndian.AppendUint16(buf, BufferVersion)
	buf = binary.LittleEndian.AppendUint16(buf, 0)

	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(m.Points)))
	for _, p := range m.Points {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(p.X))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(p.Y))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(p.Z))
	}

	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(m.Cells)))
	for ci, c := range m.Cells {
		if len(c.Points) > math.MaxUint16 {
			return nil, fmt.Errorf("cell %d: %d points exceeds buffer limit", ci, len(c.Points))
		}
		buf = append(buf, byte(c.Type))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(c.Points)))
		for _, p := range c.Points {
			if p < 0 || p > math.MaxUint32 {
				return nil, fmt.Errorf("cell %d: point index %d not encodable", ci, p)
			}
			buf = binary.LittleEndian.AppendUint32(buf, uint32(p))
		}
	}

	var err error
	if buf, err = appendAttributes(buf, m.PointData); err != nil {
		return nil, fmt.Errorf("point data: %w", err)
	}
	if buf, err = appendAttributes(buf, m.CellData); err != nil {
		return nil, fmt.Errorf("cell data: %w", err)
	}
	return buf, nil
}

func appendAttributes(buf []byte, at *Attributes) ([]byte, error) {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(at.Len()))
	for _, a := range at.Arrays() {
		if len(a.Name) > math.MaxUint16 {
			return nil, fmt.Errorf("array name too long: %d bytes", len(a.Name))
		}
		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(a.Name)))
		buf = append(buf, a.Name...)
		buf = append(buf, byte(a.Type))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(a.NumComponents))
		n := a.Len()
		buf = binary.LittleEndian.AppendUint64(buf, uint64(n))
		for i := 0; i < n; i++ {
			for c := 0; c < a.NumComponents; c++ {
				buf = appendValue(buf, a, i, c)
			}
		}
	}
	return buf, nil
}

func appendValue(buf []byte, a *Array, i, c int) []byte {
	switch a.Type {
	case Int8, Uint8:
		return append(buf, byte(a.Int(i, c)))
	case Int16:
		return binary.LittleEndian.AppendUint16(buf, uint16(a.Int(i, c)))
	case Int32:
		return binary.LittleEndian.AppendUint32(buf, uint32(a.Int(i, c)))
	case Int64:
		return binary.LittleEndian.AppendUint64(buf, uint64(a.Int(i, c)))
	case Float32:
		return binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(a.Float(i, c))))
	default:
		return binary.LittleEndian.AppendUint64(buf, math.Float64bits(a.Float(i, c)))
	}
}

// UnmarshalBinary rebuilds a mesh from an exchange buffer produced by
// MarshalBinary
func UnmarshalBinary(data []byte) (*Mesh, error) {
	m := New()
	if err := m.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return m, nil
}

// UnmarshalBinary replaces the contents of m with the decoded buffer
func (m *Mesh) UnmarshalBinary(data []byte) error {
	r := &reader{buf: data}
	if string(r.bytes(4)) != bufferMagic {
		return fmt.Errorf("%w: bad magic", ErrCorruptBuffer)
	}
	if v := r.u16(); v != BufferVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorruptBuffer, v)
	}
	r.u16()

	np := r.count(24)
	points := make([]r3.Vec, np)
	for i := range points {
		points[i] = r3.Vec{X: r.f64(), Y: r.f64(), Z: r.f64()}
	}
	nc := r.count(3)
	cells := make([]Cell, nc)
	for i := range cells {
		ct := CellType(r.u8())
		npts := int(r.u16())
		pts := make([]int, 0, npts)
		for j := 0; j < npts && r.err == nil; j++ {
			pts = append(pts, int(r.u32()))
		}
		cells[i] = Cell{Type: ct, Points: pts}
	}
	pd := r.attributes()
	cd := r.attributes()
	if r.err != nil {
		return r.err
	}
	if r.off != len(r.buf) {
		return fmt.Errorf("%w: %d trailing bytes", ErrCorruptBuffer, len(r.buf)-r.off)
	}
	out := Mesh{Points: points, Cells: cells, PointData: pd, CellData: cd}
	if err := out.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptBuffer, err)
	}
	*m = out
	return nil
}

// reader decodes little endian values, latching the first error
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) bytes(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = fmt.Errorf("%w: truncated at offset %d", ErrCorruptBuffer, r.off)
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() uint8 {
	if b := r.bytes(1); b != nil {
		return b[0]
	}
	return 0
}

func (r *reader) u16() uint16 {
	if b := r.bytes(2); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *reader) u32() uint32 {
	if b := r.bytes(4); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func (r *reader) u64() uint64 {
	if b := r.bytes(8); b != nil {
		return binary.LittleEndian.Uint64(b)
	}
	return 0
}

func (r *reader) f64() float64 { return math.Float64frombits(r.u64()) }

// count reads an element count and rejects values that cannot fit in the
// remaining buffer given a minimum element size
func (r *reader) count(minSize int) int {
	n := r.u64()
	if r.err != nil {
		return 0
	}
	if remaining := uint64(len(r.buf) - r.off); n > remaining/uint64(minSize) {
		r.err = fmt.Errorf("%w: count %d exceeds buffer", ErrCorruptBuffer, n)
		return 0
	}
	return int(n)
}

func (r *reader) attributes() *Attributes {
	at := NewAttributes()
	n := int(r.u32())
	for k := 0; k < n && r.err == nil; k++ {
		name := string(r.bytes(int(r.u16())))
		dt := DataType(r.u8())
		ncomp := int(r.u32())
		if r.err != nil {
			break
		}
		if !dt.Valid() || ncomp < 1 {
			r.err = fmt.Errorf("%w: array %q has type %d and %d components", ErrCorruptBuffer, name, dt, ncomp)
			break
		}
		ntuples := r.count(dt.Size() * ncomp)
		a := NewArray(name, dt, ncomp)
		for i := 0; i < ntuples*ncomp && r.err == nil; i++ {
			switch dt {
			case Int8:
				a.AppendInt(int64(int8(r.u8())))
			case Uint8:
				a.AppendInt(int64(r.u8()))
			case Int16:
				a.AppendInt(int64(int16(r.u16())))
			case Int32:
				a.AppendInt(int64(int32(r.u32())))
			case Int64:
				a.AppendInt(int64(r.u64()))
			case Float32:
				a.AppendFloat(float64(math.Float32frombits(r.u32())))
			case Float64:
				a.AppendFloat(r.f64())
			}
		}
		at.Set(a)
	}
	return at
}
