// Package extract selects the cells of a mesh that belong to a set of
// spatial regions and compacts them into a standalone sub-mesh.
package extract

import (
	"fmt"

	"github.com/notargets/DGDistribute/mesh"
	"github.com/notargets/DGDistribute/partitions"
)

// SourceRankArray names the point and cell arrays recording the rank a
// fragment was extracted on
const SourceRankArray = "SourceRank"

// Mode selects which cells belong to a region
type Mode uint8

const (
	// CentroidOnly takes a cell iff the region claims its centroid
	CentroidOnly Mode = iota
	// IncludeIntersecting also takes cells whose bounds overlap the region
	IncludeIntersecting
)

func (md Mode) String() string {
	switch md {
	case CentroidOnly:
		return "CentroidOnly"
	case IncludeIntersecting:
		return "IncludeIntersecting"
	}
	return fmt.Sprintf("Mode(%d)", uint8(md))
}

// Selects reports whether cell c of m belongs to any of the regions
func Selects(m *mesh.Mesh, c int, layout *partitions.Layout, regions []partitions.Region, mode Mode) bool {
	home := layout.RegionOf(m.CellCentroid(c))
	for _, r := range regions {
		if r.ID == home {
			return true
		}
	}
	if mode == IncludeIntersecting {
		cb := m.CellBounds(c)
		for _, r := range regions {
			if cb.Overlaps(r.Bounds) {
				return true
			}
		}
	}
	return false
}

// ForRegions returns the sub-mesh of m made of the cells belonging to the
// given regions. Its points are the minimal set referenced by those cells,
// every attribute array is carried along, and SourceRankArray point and cell
// arrays are set to sourceRank.
func ForRegions(m *mesh.Mesh, layout *partitions.Layout, regions []partitions.Region,
	mode Mode, sourceRank int) *mesh.Mesh {
	var cells []int
	for c := range m.Cells {
		if Selects(m, c, layout, regions, mode) {
			cells = append(cells, c)
		}
	}
	return subset(m, cells, sourceRank)
}

func subset(m *mesh.Mesh, cells []int, sourceRank int) *mesh.Mesh {
	sub, _ := m.Subset(cells)
	MarkSource(sub, sourceRank)
	return sub
}

// MarkSource sets the SourceRankArray point and cell arrays of m to rank
func MarkSource(m *mesh.Mesh, rank int) {
	m.PointData.Set(mesh.NewConstantArray(SourceRankArray, mesh.Int32, m.NumPoints(), float64(rank)))
	m.CellData.Set(mesh.NewConstantArray(SourceRankArray, mesh.Int32, m.NumCells(), float64(rank)))
}

// RemoveSource drops the provenance arrays from m
func RemoveSource(m *mesh.Mesh) {
	m.PointData.Remove(SourceRankArray)
	m.CellData.Remove(SourceRankArray)
}
