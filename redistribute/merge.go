package redistribute

import (
	"github.com/notargets/DGDistribute/diag"
	"github.com/notargets/DGDistribute/extract"
	"github.com/notargets/DGDistribute/mesh"
	"gonum.org/v1/gonum/spatial/kdtree"
	"gonum.org/v1/gonum/spatial/r3"
)

// Merger accumulates mesh fragments into one mesh. Points arriving more than
// once are stored once: matched by global id when PointIds names an array
// present on the fragment, otherwise by coordinates within Tolerance. The
// first arrival of a point keeps its attributes. Cells are never merged; a
// cell global id seen twice is reported and the later copy dropped.
type Merger struct {
	PointIds  string  // global point id array name, "" to match by coordinates
	CellIds   string  // global cell id array name, "" to skip duplicate cell checks
	Tolerance float64 // coordinate match distance, 0 for exact equality
	Rank      int     // rank recorded on diagnostics

	// Diagnostics receives duplicate point and cell reports; nil discards them
	Diagnostics *diag.List

	out     *mesh.Mesh
	byId    map[int64]int
	byCoord map[r3.Vec]int
	tree    kdtree.Tree
	cellIds map[int64]int
}

// idPoint is a k-d tree entry carrying the merged index of a point
type idPoint struct {
	p   r3.Vec
	idx int
}

func (a idPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	b := c.(idPoint)
	return mesh.Axis(a.p, int(d)) - mesh.Axis(b.p, int(d))
}

func (a idPoint) Dims() int { return 3 }

// Distance is squared, as kdtree expects
func (a idPoint) Distance(c kdtree.Comparable) float64 {
	return r3.Norm2(r3.Sub(a.p, c.(idPoint).p))
}

// Mesh returns the merged mesh. It is empty until the first Add.
func (mg *Merger) Mesh() *mesh.Mesh {
	mg.init()
	return mg.out
}

func (mg *Merger) init() {
	if mg.out != nil {
		return
	}
	mg.out = mesh.New()
	mg.byId = make(map[int64]int)
	mg.byCoord = make(map[r3.Vec]int)
	mg.cellIds = make(map[int64]int)
}

// Add merges the cells of frag and the points they reference. Points no
// cell references are not carried over. It returns the number of points and
// cells that were new to the merged mesh; they occupy the tail of its point
// and cell sequences.
func (mg *Merger) Add(frag *mesh.Mesh) (newPoints, newCells int) {
	mg.init()
	out := mg.out
	np0, nc0 := out.NumPoints(), out.NumCells()
	out.PointData.Adopt(frag.PointData, np0)
	out.CellData.Adopt(frag.CellData, nc0)

	var pointIds, cellIds *mesh.Array
	if mg.PointIds != "" {
		pointIds = frag.PointData.Get(mg.PointIds)
	}
	if mg.CellIds != "" {
		cellIds = frag.CellData.Get(mg.CellIds)
	}

	local := make([]int, frag.NumPoints())
	for i := range local {
		local[i] = -1
	}
	for c, cell := range frag.Cells {
		if cellIds != nil {
			gid := cellIds.Int(c, 0)
			if _, dup := mg.cellIds[gid]; dup {
				mg.report(diag.PartitionInconsistency, gid,
					"cell arrived from more than one source, keeping first arrival")
				continue
			}
			mg.cellIds[gid] = out.NumCells()
		}
		pts := make([]int, len(cell.Points))
		for j, p := range cell.Points {
			if local[p] < 0 {
				local[p] = mg.point(frag, p, pointIds)
			}
			pts[j] = local[p]
		}
		out.Cells = append(out.Cells, mesh.Cell{Type: cell.Type, Points: pts})
		out.CellData.AppendTuple(frag.CellData, c)
	}
	return out.NumPoints() - np0, out.NumCells() - nc0
}

// point returns the merged index of point p of frag, appending it when new
func (mg *Merger) point(frag *mesh.Mesh, p int, ids *mesh.Array) int {
	pos := frag.Points[p]
	if ids != nil {
		gid := ids.Int(p, 0)
		if idx, ok := mg.byId[gid]; ok {
			mg.checkDuplicate(frag, p, idx, gid)
			return idx
		}
		idx := mg.appendPoint(frag, p)
		mg.byId[gid] = idx
		return idx
	}

	if idx, ok := mg.byCoord[pos]; ok {
		return idx
	}
	if mg.Tolerance > 0 {
		if near, dist := mg.tree.Nearest(idPoint{p: pos}); near != nil && dist <= mg.Tolerance*mg.Tolerance {
			return near.(idPoint).idx
		}
	}
	idx := mg.appendPoint(frag, p)
	mg.byCoord[pos] = idx
	if mg.Tolerance > 0 {
		mg.tree.Insert(idPoint{p: pos, idx: idx}, false)
	}
	return idx
}

func (mg *Merger) appendPoint(frag *mesh.Mesh, p int) int {
	out := mg.out
	out.Points = append(out.Points, frag.Points[p])
	out.PointData.AppendTuple(frag.PointData, p)
	return len(out.Points) - 1
}

// checkDuplicate compares every attribute of a repeated point with the
// stored first arrival
func (mg *Merger) checkDuplicate(frag *mesh.Mesh, p, idx int, gid int64) {
	if frag.Points[p] != mg.out.Points[idx] {
		d := r3.Norm(r3.Sub(frag.Points[p], mg.out.Points[idx]))
		if d > mg.Tolerance {
			mg.report(diag.InconsistentDuplicatePoint, gid,
				"coordinates differ by %g", d)
		}
	}
	for _, a := range frag.PointData.Arrays() {
		if a.Name == extract.SourceRankArray || a.Name == mg.PointIds {
			continue
		}
		stored := mg.out.PointData.Get(a.Name)
		if stored == nil || !stored.TupleEqual(idx, a, p) {
			mg.report(diag.InconsistentDuplicatePoint, gid,
				"array %q disagrees with first arrival, keeping first", a.Name)
		}
	}
}

func (mg *Merger) report(kind diag.Kind, id int64, format string, args ...interface{}) {
	if mg.Diagnostics != nil {
		mg.Diagnostics.Add(kind, mg.Rank, id, format, args...)
	}
}
