package mesh

import "fmt"

// CellType identifies the shape of a cell
type CellType uint8

const (
	Vertex CellType = iota

	// 1D cell type
	Line // Line segment

	// 2D cell types
	Triangle
	Quad // Quadrilateral

	// 3D cell types
	Tet     // Tetrahedron
	Hex     // Hexahedron
	Wedge   // Triangular prism
	Pyramid // Square-based pyramid

	numCellTypes
)

var cellTypeNames = [numCellTypes]string{
	Vertex:   "Vertex",
	Line:     "Line",
	Triangle: "Triangle",
	Quad:     "Quad",
	Tet:      "Tet",
	Hex:      "Hex",
	Wedge:    "Wedge",
	Pyramid:  "Pyramid",
}

var cellTypeSizes = [numCellTypes]int{
	Vertex:   1,
	Line:     2,
	Triangle: 3,
	Quad:     4,
	Tet:      4,
	Hex:      8,
	Wedge:    6,
	Pyramid:  5,
}

var cellTypeDims = [numCellTypes]int{
	Vertex:   0,
	Line:     1,
	Triangle: 2,
	Quad:     2,
	Tet:      3,
	Hex:      3,
	Wedge:    3,
	Pyramid:  3,
}

func (ct CellType) String() string {
	if !ct.Valid() {
		return fmt.Sprintf("CellType(%d)", uint8(ct))
	}
	return cellTypeNames[ct]
}

// Valid reports whether ct is one of the known cell types
func (ct CellType) Valid() bool { return ct < numCellTypes }

// NumPoints returns the fixed number of points of a cell of this type
func (ct CellType) NumPoints() int {
	if !ct.Valid() {
		return 0
	}
	return cellTypeSizes[ct]
}

// Dimension returns the topological dimension of the cell type
func (ct CellType) Dimension() int {
	if !ct.Valid() {
		return -1
	}
	return cellTypeDims[ct]
}

// CellTypeFor infers the cell type from a topological dimension and a vertex
// count, returning false when no known type matches.
func CellTypeFor(dim, npts int) (CellType, bool) {
	for ct := Vertex; ct < numCellTypes; ct++ {
		if cellTypeDims[ct] == dim && cellTypeSizes[ct] == npts {
			return ct, true
		}
	}
	return 0, false
}

// Cell is a cell type tag plus an ordered list of point indices into the
// owning mesh's point sequence
type Cell struct {
	Type   CellType
	Points []int
}

// Clone returns a deep copy of the cell
func (c Cell) Clone() Cell {
	pts := make([]int, len(c.Points))
	copy(pts, c.Points)
	return Cell{Type: c.Type, Points: pts}
}

// Contains reports whether the cell references local point p
func (c Cell) Contains(p int) bool {
	for _, q := range c.Points {
		if q == p {
			return true
		}
	}
	return false
}
