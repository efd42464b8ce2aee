package mesh

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Bounds is an axis-aligned box. An empty Bounds has Min > Max.
type Bounds r3.Box

// EmptyBounds returns bounds that contain nothing and absorb any point
// passed to Extend.
func EmptyBounds() Bounds {
	return Bounds{
		Min: r3.Vec{X: math.MaxFloat64, Y: math.MaxFloat64, Z: math.MaxFloat64},
		Max: r3.Vec{X: -math.MaxFloat64, Y: -math.MaxFloat64, Z: -math.MaxFloat64},
	}
}

// NewBounds builds bounds from the six values xmin, xmax, ymin, ymax, zmin, zmax
func NewBounds(b [6]float64) Bounds {
	return Bounds{
		Min: r3.Vec{X: b[0], Y: b[2], Z: b[4]},
		Max: r3.Vec{X: b[1], Y: b[3], Z: b[5]},
	}
}

// Array returns the six bounds values xmin, xmax, ymin, ymax, zmin, zmax
func (b Bounds) Array() [6]float64 {
	return [6]float64{b.Min.X, b.Max.X, b.Min.Y, b.Max.Y, b.Min.Z, b.Max.Z}
}

// IsEmpty reports whether the bounds contain no point
func (b Bounds) IsEmpty() bool {
	return b.Min.X > b.Max.X || b.Min.Y > b.Max.Y || b.Min.Z > b.Max.Z
}

// Extend returns the bounds grown to include p
func (b Bounds) Extend(p r3.Vec) Bounds {
	return Bounds{
		Min: r3.Vec{X: math.Min(b.Min.X, p.X), Y: math.Min(b.Min.Y, p.Y), Z: math.Min(b.Min.Z, p.Z)},
		Max: r3.Vec{X: math.Max(b.Max.X, p.X), Y: math.Max(b.Max.Y, p.Y), Z: math.Max(b.Max.Z, p.Z)},
	}
}

// Union returns the smallest bounds containing both b and o
func (b Bounds) Union(o Bounds) Bounds {
	if o.IsEmpty() {
		return b
	}
	if b.IsEmpty() {
		return o
	}
	return b.Extend(o.Min).Extend(o.Max)
}

// Size returns the edge lengths of the box
func (b Bounds) Size() r3.Vec {
	if b.IsEmpty() {
		return r3.Vec{}
	}
	return r3.Sub(b.Max, b.Min)
}

// Center returns the box midpoint
func (b Bounds) Center() r3.Vec {
	return r3.Scale(0.5, r3.Add(b.Min, b.Max))
}

// Volume returns the box volume, zero for empty or flat boxes
func (b Bounds) Volume() float64 {
	s := b.Size()
	return s.X * s.Y * s.Z
}

// Contains reports whether p lies inside the closed box
func (b Bounds) Contains(p r3.Vec) bool {
	return p.X >= b.Min.X && p.X <= b.Max.X &&
		p.Y >= b.Min.Y && p.Y <= b.Max.Y &&
		p.Z >= b.Min.Z && p.Z <= b.Max.Z
}

// ContainsHalfOpen reports whether p lies in [Min, Max) on every axis. An
// axis flagged in closedMax uses [Min, Max] instead, which is how the
// faces lying on the outer boundary of a tiling are claimed.
func (b Bounds) ContainsHalfOpen(p r3.Vec, closedMax [3]bool) bool {
	return inHalfOpen(p.X, b.Min.X, b.Max.X, closedMax[0]) &&
		inHalfOpen(p.Y, b.Min.Y, b.Max.Y, closedMax[1]) &&
		inHalfOpen(p.Z, b.Min.Z, b.Max.Z, closedMax[2])
}

func inHalfOpen(v, lo, hi float64, closed bool) bool {
	if v < lo {
		return false
	}
	if closed {
		return v <= hi
	}
	return v < hi
}

// Overlaps reports whether b and o share a region of positive measure along
// every axis where both have positive extent. Along an axis where either box
// is flat, touching counts as overlap.
func (b Bounds) Overlaps(o Bounds) bool {
	if b.IsEmpty() || o.IsEmpty() {
		return false
	}
	return axisOverlap(b.Min.X, b.Max.X, o.Min.X, o.Max.X) &&
		axisOverlap(b.Min.Y, b.Max.Y, o.Min.Y, o.Max.Y) &&
		axisOverlap(b.Min.Z, b.Max.Z, o.Min.Z, o.Max.Z)
}

func axisOverlap(alo, ahi, blo, bhi float64) bool {
	if alo == ahi || blo == bhi {
		return alo <= bhi && blo <= ahi
	}
	return alo < bhi && blo < ahi
}

// Touches reports whether the closed boxes b and o intersect, including
// contact along a face, edge or corner
func (b Bounds) Touches(o Bounds) bool {
	if b.IsEmpty() || o.IsEmpty() {
		return false
	}
	return b.Min.X <= o.Max.X && o.Min.X <= b.Max.X &&
		b.Min.Y <= o.Max.Y && o.Min.Y <= b.Max.Y &&
		b.Min.Z <= o.Max.Z && o.Min.Z <= b.Max.Z
}

// Equal reports exact equality of the bounds values
func (b Bounds) Equal(o Bounds) bool {
	return b.Min == o.Min && b.Max == o.Max
}

func (b Bounds) String() string {
	return fmt.Sprintf("[%g,%g]x[%g,%g]x[%g,%g]",
		b.Min.X, b.Max.X, b.Min.Y, b.Max.Y, b.Min.Z, b.Max.Z)
}

// Axis returns component i (0=X, 1=Y, 2=Z) of v
func Axis(v r3.Vec, i int) float64 {
	switch i {
	case 0:
		return v.X
	case 1:
		return v.Y
	case 2:
		return v.Z
	}
	panic("mesh: axis out of range")
}

// SetAxis returns v with component i replaced by val
func SetAxis(v r3.Vec, i int, val float64) r3.Vec {
	switch i {
	case 0:
		v.X = val
	case 1:
		v.Y = val
	case 2:
		v.Z = val
	default:
		panic("mesh: axis out of range")
	}
	return v
}
