package clip

import (
	"fmt"
	"math"

	"github.com/notargets/DGDistribute/mesh"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/spatial/r3"
)

// Vertex is a fragment point: a convex combination of parent cell points,
// addressed by their position within the cell
type Vertex struct {
	Pos     r3.Vec
	Parents []int
	Weights []float64
}

// Fragment is a simplex cut from a cell
type Fragment struct {
	Type     mesh.CellType
	Vertices []Vertex
}

// Clipper cuts one cell, given by its type and point coordinates, against
// an axis aligned box
type Clipper interface {
	ClipCell(ct mesh.CellType, pts []r3.Vec, b mesh.Bounds) (inside, outside []Fragment, err error)
}

// SimplexClipper splits cells into simplices and cuts them against each of
// the six box planes in turn. Fragments whose measure falls below Epsilon
// times the cell's extent to the power of its dimension are discarded.
type SimplexClipper struct {
	Epsilon float64 // 0 means DefaultEpsilon
}

// DefaultEpsilon is the relative measure below which fragments are dropped
const DefaultEpsilon = 1e-12

// simplices of each cell type in cell local point indices
var simplices = map[mesh.CellType][][]int{
	mesh.Vertex:   {{0}},
	mesh.Line:     {{0, 1}},
	mesh.Triangle: {{0, 1, 2}},
	mesh.Quad:     {{0, 1, 2}, {0, 2, 3}},
	mesh.Tet:      {{0, 1, 2, 3}},
	mesh.Wedge:    {{0, 1, 2, 5}, {0, 1, 5, 4}, {0, 4, 5, 3}},
	mesh.Pyramid:  {{0, 1, 2, 4}, {0, 2, 3, 4}},
}

func init() {
	for _, t := range mesh.HexToTets() {
		simplices[mesh.Hex] = append(simplices[mesh.Hex], []int{t[0], t[1], t[2], t[3]})
	}
}

// ClipCell implements Clipper
func (sc SimplexClipper) ClipCell(ct mesh.CellType, pts []r3.Vec, b mesh.Bounds) (inside, outside []Fragment, err error) {
	split, ok := simplices[ct]
	if !ok {
		return nil, nil, fmt.Errorf("clip: unsupported cell type %s", ct)
	}
	if len(pts) != ct.NumPoints() {
		return nil, nil, fmt.Errorf("clip: %s with %d points", ct, len(pts))
	}

	var in, out [][]Vertex
	for _, s := range split {
		simplex := make([]Vertex, len(s))
		for i, p := range s {
			simplex[i] = Vertex{Pos: pts[p], Parents: []int{p}, Weights: []float64{1}}
		}
		in = append(in, simplex)
	}

	// keep the part of every simplex on the inner side of each plane
	for axis := 0; axis < 3; axis++ {
		for _, side := range []float64{1, -1} {
			plane := mesh.Axis(b.Min, axis)
			if side < 0 {
				plane = mesh.Axis(b.Max, axis)
			}
			var next [][]Vertex
			for _, s := range in {
				d := make([]float64, len(s))
				for i, v := range s {
					d[i] = side * (mesh.Axis(v.Pos, axis) - plane)
				}
				next = append(next, cut(s, d, axis, plane)...)
				for i := range d {
					d[i] = -d[i]
				}
				out = append(out, cut(s, d, axis, plane)...)
			}
			in = next
		}
	}

	tol := sc.tolerance(pts, ct.Dimension())
	return sc.keep(in, tol), sc.keep(out, tol), nil
}

func (sc SimplexClipper) tolerance(pts []r3.Vec, dim int) float64 {
	eps := sc.Epsilon
	if eps <= 0 {
		eps = DefaultEpsilon
	}
	bb := mesh.EmptyBounds()
	for _, p := range pts {
		bb = bb.Extend(p)
	}
	return eps * math.Pow(r3.Norm(bb.Size()), float64(dim))
}

func (sc SimplexClipper) keep(pieces [][]Vertex, tol float64) []Fragment {
	var frags []Fragment
	for _, s := range pieces {
		if len(s) > 1 && measure(s) <= tol {
			continue
		}
		frags = append(frags, Fragment{Type: simplexType(len(s)), Vertices: s})
	}
	return frags
}

func simplexType(n int) mesh.CellType {
	switch n {
	case 1:
		return mesh.Vertex
	case 2:
		return mesh.Line
	case 3:
		return mesh.Triangle
	}
	return mesh.Tet
}

// measure returns the length, area or volume of a simplex
func measure(s []Vertex) float64 {
	switch len(s) {
	case 2:
		return r3.Norm(r3.Sub(s[1].Pos, s[0].Pos))
	case 3:
		return r3.Norm(r3.Cross(r3.Sub(s[1].Pos, s[0].Pos), r3.Sub(s[2].Pos, s[0].Pos))) / 2
	case 4:
		edges := mat.NewDense(3, 3, nil)
		for i := 1; i < 4; i++ {
			e := r3.Sub(s[i].Pos, s[0].Pos)
			edges.SetRow(i-1, []float64{e.X, e.Y, e.Z})
		}
		return math.Abs(mat.Det(edges)) / 6
	}
	return 0
}

// cut returns the part of simplex s where d >= 0 as simplices of the same
// dimension. d holds the signed distance of every vertex to the plane
// axis = value.
func cut(s []Vertex, d []float64, axis int, value float64) [][]Vertex {
	var in, out []int
	for i := range s {
		if d[i] >= 0 {
			in = append(in, i)
		} else {
			out = append(out, i)
		}
	}
	if len(out) == 0 {
		return [][]Vertex{s}
	}
	if len(in) == 0 {
		return nil
	}
	e := func(i, o int) Vertex { return edgePoint(s[i], s[o], d[i], d[o], axis, value) }
	v := func(i int) Vertex { return s[i] }

	switch len(s) {
	case 2:
		return [][]Vertex{{v(in[0]), e(in[0], out[0])}}
	case 3:
		if len(in) == 1 {
			a := in[0]
			return [][]Vertex{{v(a), e(a, out[0]), e(a, out[1])}}
		}
		a, b, c := in[0], in[1], out[0]
		bc := e(b, c)
		return [][]Vertex{{v(a), v(b), bc}, {v(a), bc, e(a, c)}}
	case 4:
		switch len(in) {
		case 1:
			a := in[0]
			return [][]Vertex{{v(a), e(a, out[0]), e(a, out[1]), e(a, out[2])}}
		case 2:
			a, b, c, dd := in[0], in[1], out[0], out[1]
			return prism(v(a), e(a, c), e(a, dd), v(b), e(b, c), e(b, dd))
		default:
			a, b, c, o := in[0], in[1], in[2], out[0]
			return prism(v(a), v(b), v(c), e(a, o), e(b, o), e(c, o))
		}
	}
	return nil
}

// prism splits the wedge with bottom p0 p1 p2 and top p3 p4 p5 (p3 above p0)
// into three tetrahedra
func prism(p0, p1, p2, p3, p4, p5 Vertex) [][]Vertex {
	return [][]Vertex{
		{p0, p1, p2, p5},
		{p0, p1, p5, p4},
		{p0, p4, p5, p3},
	}
}

// edgePoint returns the point where the edge from a (da >= 0) to b (db < 0)
// crosses the plane, with its parent weights interpolated
func edgePoint(a, b Vertex, da, db float64, axis int, value float64) Vertex {
	t := da / (da - db)
	// walk the edge from its lexicographically lower end so that cells
	// sharing the edge compute the same point
	var pos r3.Vec
	if less(b.Pos, a.Pos) {
		pos = r3.Add(b.Pos, r3.Scale(db/(db-da), r3.Sub(a.Pos, b.Pos)))
	} else {
		pos = r3.Add(a.Pos, r3.Scale(t, r3.Sub(b.Pos, a.Pos)))
	}
	pos = mesh.SetAxis(pos, axis, value)

	v := Vertex{Pos: pos}
	add := func(p int, w float64) {
		if w == 0 {
			return
		}
		for i, q := range v.Parents {
			if q == p {
				v.Weights[i] += w
				return
			}
		}
		v.Parents = append(v.Parents, p)
		v.Weights = append(v.Weights, w)
	}
	for i, p := range a.Parents {
		add(p, (1-t)*a.Weights[i])
	}
	for i, p := range b.Parents {
		add(p, t*b.Weights[i])
	}
	return v
}

func less(a, b r3.Vec) bool {
	if a.X != b.X {
		return a.X < b.X
	}
	if a.Y != b.Y {
		return a.Y < b.Y
	}
	return a.Z < b.Z
}
