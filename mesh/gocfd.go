package mesh

import (
	"fmt"

	gmesh "github.com/notargets/gocfd/DG3D/mesh"
	"github.com/notargets/gocfd/DG3D/mesh/readers"
	"gonum.org/v1/gonum/spatial/r3"
)

// PartitionArrayName names the cell array filled from a mesh file's element
// to partition map, when the file carries one
const PartitionArrayName = "FilePartition"

// ReadFile reads a Gambit (.neu), Gmsh (.msh) or SU2 (.su2) mesh file
func ReadFile(path string) (*Mesh, error) {
	gm, err := readers.ReadMeshFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return FromGocfd(gm)
}

// FromGocfd converts a gocfd mesh. Cell types are inferred from each
// element's dimension and vertex count; padding vertices (negative indices)
// are skipped.
func FromGocfd(gm *gmesh.Mesh) (*Mesh, error) {
	m := New()
	for i, v := range gm.Vertices {
		var p r3.Vec
		switch len(v) {
		case 3:
			p = r3.Vec{X: v[0], Y: v[1], Z: v[2]}
		case 2:
			p = r3.Vec{X: v[0], Y: v[1]}
		default:
			return nil, fmt.Errorf("vertex %d has %d coordinates", i, len(v))
		}
		m.AddPoint(p)
	}

	var part *Array
	if len(gm.EToP) == len(gm.EtoV) && len(gm.EToP) > 0 {
		part = NewArray(PartitionArrayName, Int32, 1)
	}
	for e, verts := range gm.EtoV {
		pts := make([]int, 0, len(verts))
		for _, v := range verts {
			if v >= 0 {
				pts = append(pts, v)
			}
		}
		dim := 3
		if e < len(gm.ElementTypes) {
			dim = gm.ElementTypes[e].GetDimension()
		}
		ct, ok := CellTypeFor(dim, len(pts))
		if !ok {
			return nil, fmt.Errorf("element %d: no cell type for dimension %d with %d vertices",
				e, dim, len(pts))
		}
		m.AddCell(ct, pts...)
		if part != nil {
			part.AppendInt(int64(gm.EToP[e]))
		}
	}
	if part != nil {
		m.CellData.Set(part)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
