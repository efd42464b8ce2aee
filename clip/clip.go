// Package clip trims the cells of a mesh to the boundary of the regions a
// rank owns, replacing straddling cells by the simplices of their inside
// part.
package clip

import (
	"fmt"

	"github.com/notargets/DGDistribute/globalid"
	"github.com/notargets/DGDistribute/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

// Options control ClipToRegions
type Options struct {
	Clipper Clipper // nil means SimplexClipper{}

	// Cells with a positive value in this cell array are kept unchanged
	PassThroughArray string

	// Configured global id array names, dropped along with the conventional
	// ones once a cell was clipped
	PointArray string
	CellArray  string
}

// ClipToRegion returns the part of m inside bounds. Cells inside the closed
// box are kept unchanged, cells that do not overlap it are dropped and the
// rest are replaced by the inside fragments the clipper produces. Fragment
// point data is interpolated linearly for floating arrays and taken from the
// nearest parent point for integer arrays; fragment cell data is copied from
// the parent cell.
//
// Once any cell has been clipped, global point and cell ids no longer
// identify the output entities, so the returned mesh carries no global id
// arrays. The boolean result reports whether a cell was clipped.
func ClipToRegion(m *mesh.Mesh, bounds mesh.Bounds, clipper Clipper) (*mesh.Mesh, bool, error) {
	return ClipToRegions(m, []mesh.Bounds{bounds}, Options{Clipper: clipper})
}

// ClipToRegions is ClipToRegion for the union of non overlapping regions.
// A straddling cell is clipped against every region it overlaps and the
// fragments are combined.
func ClipToRegions(m *mesh.Mesh, regions []mesh.Bounds, opts Options) (*mesh.Mesh, bool, error) {
	clipper := opts.Clipper
	if clipper == nil {
		clipper = SimplexClipper{}
	}
	var pass *mesh.Array
	if opts.PassThroughArray != "" {
		pass = m.CellData.Get(opts.PassThroughArray)
	}

	bld := newBuilder(m)
	clipped := false
	for c, cell := range m.Cells {
		if pass != nil && pass.Int(c, 0) > 0 {
			bld.keep(c)
			continue
		}
		pts := m.CellPoints(c)
		cb := m.CellBounds(c)
		if insideAny(pts, regions) {
			bld.keep(c)
			continue
		}
		for _, r := range regions {
			if !cb.Overlaps(r) {
				continue
			}
			inside, _, err := clipper.ClipCell(cell.Type, pts, r)
			if err != nil {
				return nil, false, fmt.Errorf("clip cell %d: %w", c, err)
			}
			for _, f := range inside {
				bld.fragment(c, f)
			}
			clipped = true
		}
	}

	out := bld.out
	if clipped {
		dropIds(out.PointData, opts.PointArray, globalid.PointIdNames)
		dropIds(out.CellData, opts.CellArray, globalid.CellIdNames)
	}
	return out, clipped, nil
}

func insideAny(pts []r3.Vec, regions []mesh.Bounds) bool {
	for _, r := range regions {
		all := true
		for _, p := range pts {
			if !r.Contains(p) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

func dropIds(at *mesh.Attributes, configured string, conventional []string) {
	if configured != "" {
		at.Remove(configured)
	}
	for _, name := range conventional {
		at.Remove(name)
	}
}

// builder assembles the output mesh. Original points are shared by index,
// created points by exact coordinates so that fragments of neighboring
// cells stay connected.
type builder struct {
	src     *mesh.Mesh
	out     *mesh.Mesh
	orig    map[int]int
	created map[r3.Vec]int
}

func newBuilder(src *mesh.Mesh) *builder {
	out := mesh.New()
	out.PointData = src.PointData.CloneEmpty()
	out.CellData = src.CellData.CloneEmpty()
	return &builder{
		src:     src,
		out:     out,
		orig:    make(map[int]int),
		created: make(map[r3.Vec]int),
	}
}

func (b *builder) original(p int) int {
	if idx, ok := b.orig[p]; ok {
		return idx
	}
	idx := len(b.out.Points)
	b.out.Points = append(b.out.Points, b.src.Points[p])
	b.out.PointData.AppendTuple(b.src.PointData, p)
	b.orig[p] = idx
	return idx
}

func (b *builder) keep(c int) {
	cell := b.src.Cells[c]
	pts := make([]int, len(cell.Points))
	for j, p := range cell.Points {
		pts[j] = b.original(p)
	}
	b.out.Cells = append(b.out.Cells, mesh.Cell{Type: cell.Type, Points: pts})
	b.out.CellData.AppendTuple(b.src.CellData, c)
}

func (b *builder) fragment(c int, f Fragment) {
	cell := b.src.Cells[c]
	pts := make([]int, len(f.Vertices))
	for j, v := range f.Vertices {
		pts[j] = b.vertex(cell, v)
	}
	b.out.Cells = append(b.out.Cells, mesh.Cell{Type: f.Type, Points: pts})
	b.out.CellData.AppendTuple(b.src.CellData, c)
}

func (b *builder) vertex(cell mesh.Cell, v Vertex) int {
	if len(v.Parents) == 1 {
		return b.original(cell.Points[v.Parents[0]])
	}
	if idx, ok := b.created[v.Pos]; ok {
		return idx
	}
	idx := len(b.out.Points)
	b.out.Points = append(b.out.Points, v.Pos)
	b.created[v.Pos] = idx

	nearest := 0
	for i, w := range v.Weights {
		if w > v.Weights[nearest] {
			nearest = i
		}
	}
	for _, a := range b.out.PointData.Arrays() {
		src := b.src.PointData.Get(a.Name)
		if a.Type.IsInteger() {
			a.AppendTuple(src, cell.Points[v.Parents[nearest]])
			continue
		}
		tuple := make([]float64, a.NumComponents)
		for i, p := range v.Parents {
			for k := range tuple {
				tuple[k] += v.Weights[i] * src.Float(cell.Points[p], k)
			}
		}
		a.AppendFloat(tuple...)
	}
	return idx
}
