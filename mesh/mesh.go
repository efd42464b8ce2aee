package mesh

import (
	"fmt"
	"sort"
	"strings"

	"gonum.org/v1/gonum/spatial/r3"
)

// Mesh is an unstructured collection of points and cells with named
// per-point and per-cell attribute arrays. Cell point indices always address
// the mesh's own Points slice; identity across meshes is carried by global id
// arrays.
type Mesh struct {
	Points    []r3.Vec
	Cells     []Cell
	PointData *Attributes
	CellData  *Attributes
}

// New returns an empty mesh
func New() *Mesh {
	return &Mesh{
		PointData: NewAttributes(),
		CellData:  NewAttributes(),
	}
}

// NumPoints returns the number of points
func (m *Mesh) NumPoints() int { return len(m.Points) }

// NumCells returns the number of cells
func (m *Mesh) NumCells() int { return len(m.Cells) }

// AddPoint appends a point and returns its index. Attribute arrays are not
// touched; callers appending points to a mesh with point data must append
// tuples too.
func (m *Mesh) AddPoint(p r3.Vec) int {
	m.Points = append(m.Points, p)
	return len(m.Points) - 1
}

// AddCell appends a cell and returns its index
func (m *Mesh) AddCell(ct CellType, pts ...int) int {
	m.Cells = append(m.Cells, Cell{Type: ct, Points: append([]int(nil), pts...)})
	return len(m.Cells) - 1
}

// Bounds returns the bounds of all points
func (m *Mesh) Bounds() Bounds {
	b := EmptyBounds()
	for _, p := range m.Points {
		b = b.Extend(p)
	}
	return b
}

// CellPoints returns the coordinates of cell i's points
func (m *Mesh) CellPoints(i int) []r3.Vec {
	c := m.Cells[i]
	pts := make([]r3.Vec, len(c.Points))
	for j, p := range c.Points {
		pts[j] = m.Points[p]
	}
	return pts
}

// CellBounds returns the bounds of cell i
func (m *Mesh) CellBounds(i int) Bounds {
	b := EmptyBounds()
	for _, p := range m.Cells[i].Points {
		b = b.Extend(m.Points[p])
	}
	return b
}

// CellCentroid returns the vertex average of cell i
func (m *Mesh) CellCentroid(i int) r3.Vec {
	c := m.Cells[i]
	var sum r3.Vec
	if len(c.Points) == 0 {
		return sum
	}
	for _, p := range c.Points {
		sum = r3.Add(sum, m.Points[p])
	}
	return r3.Scale(1/float64(len(c.Points)), sum)
}

// PointCells returns, for every point, the indices of the cells using it
func (m *Mesh) PointCells() [][]int {
	links := make([][]int, len(m.Points))
	for ci, c := range m.Cells {
		for _, p := range c.Points {
			links[p] = append(links[p], ci)
		}
	}
	return links
}

// Validate checks the local addressing invariant and attribute alignment
func (m *Mesh) Validate() error {
	np, nc := len(m.Points), len(m.Cells)
	for ci, c := range m.Cells {
		if !c.Type.Valid() {
			return fmt.Errorf("cell %d: invalid cell type %d", ci, c.Type)
		}
		if len(c.Points) != c.Type.NumPoints() {
			return fmt.Errorf("cell %d: %s has %d points, want %d",
				ci, c.Type, len(c.Points), c.Type.NumPoints())
		}
		for _, p := range c.Points {
			if p < 0 || p >= np {
				return fmt.Errorf("cell %d: point index %d out of range [0,%d)", ci, p, np)
			}
		}
	}
	for _, a := range m.PointData.Arrays() {
		if a.Len() != np {
			return fmt.Errorf("point array %q has %d tuples, mesh has %d points", a.Name, a.Len(), np)
		}
	}
	for _, a := range m.CellData.Arrays() {
		if a.Len() != nc {
			return fmt.Errorf("cell array %q has %d tuples, mesh has %d cells", a.Name, a.Len(), nc)
		}
	}
	return nil
}

// Subset returns a compacted mesh holding the cells in cellIDs, in that
// order, and only the points they reference. The second return value maps
// each new point index to its index in m.
func (m *Mesh) Subset(cellIDs []int) (*Mesh, []int) {
	out := New()
	oldToNew := make(map[int]int)
	var newToOld []int
	for _, ci := range cellIDs {
		c := m.Cells[ci]
		pts := make([]int, len(c.Points))
		for j, p := range c.Points {
			np, ok := oldToNew[p]
			if !ok {
				np = len(newToOld)
				oldToNew[p] = np
				newToOld = append(newToOld, p)
				out.Points = append(out.Points, m.Points[p])
			}
			pts[j] = np
		}
		out.Cells = append(out.Cells, Cell{Type: c.Type, Points: pts})
	}
	out.PointData = m.PointData.Select(newToOld)
	out.CellData = m.CellData.Select(cellIDs)
	return out, newToOld
}

// Clone returns a deep copy
func (m *Mesh) Clone() *Mesh {
	out := &Mesh{
		Points:    append([]r3.Vec(nil), m.Points...),
		Cells:     make([]Cell, len(m.Cells)),
		PointData: m.PointData.Clone(),
		CellData:  m.CellData.Clone(),
	}
	for i, c := range m.Cells {
		out.Cells[i] = c.Clone()
	}
	return out
}

// Equal reports whether both meshes hold identical points, cells and
// attribute arrays in identical order
func (m *Mesh) Equal(o *Mesh) bool {
	if len(m.Points) != len(o.Points) || len(m.Cells) != len(o.Cells) {
		return false
	}
	for i := range m.Points {
		if m.Points[i] != o.Points[i] {
			return false
		}
	}
	for i := range m.Cells {
		a, b := m.Cells[i], o.Cells[i]
		if a.Type != b.Type || len(a.Points) != len(b.Points) {
			return false
		}
		for j := range a.Points {
			if a.Points[j] != b.Points[j] {
				return false
			}
		}
	}
	return m.PointData.Equal(o.PointData) && m.CellData.Equal(o.CellData)
}

// String returns a short summary of the mesh
func (m *Mesh) String() string {
	var sb strings.Builder
	counts := make(map[CellType]int)
	for _, c := range m.Cells {
		counts[c.Type]++
	}
	types := make([]CellType, 0, len(counts))
	for ct := range counts {
		types = append(types, ct)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	fmt.Fprintf(&sb, "points=%d cells=%d", len(m.Points), len(m.Cells))
	for _, ct := range types {
		fmt.Fprintf(&sb, " %s=%d", ct, counts[ct])
	}
	if m.PointData.Len() > 0 {
		fmt.Fprintf(&sb, " pointdata=%v", m.PointData.Names())
	}
	if m.CellData.Len() > 0 {
		fmt.Fprintf(&sb, " celldata=%v", m.CellData.Names())
	}
	return sb.String()
}
