package extract

import (
	"fmt"

	"github.com/notargets/DGDistribute/mesh"
	"github.com/notargets/DGDistribute/partitions"
)

// Plan holds the pick lists that send the cells of one local mesh to the
// ranks owning them, built in a single pass over the cells
type Plan struct {
	// Source mesh dimensions
	NumRanks int
	NumCells int
	Mode     Mode

	// Home rank of every cell, the owner of the region claiming its centroid
	CellToRank []int

	// Pick indices per target rank: ascending local cell ids
	PickIndices [][]int
}

// NewPlan assigns every cell of m to the ranks it must be sent to under layout
func NewPlan(m *mesh.Mesh, layout *partitions.Layout, mode Mode) (*Plan, error) {
	if layout == nil || layout.NumRanks < 1 {
		return nil, fmt.Errorf("extract plan: no layout")
	}
	p := &Plan{
		NumRanks:    layout.NumRanks,
		NumCells:    m.NumCells(),
		Mode:        mode,
		CellToRank:  make([]int, m.NumCells()),
		PickIndices: make([][]int, layout.NumRanks),
	}

	seen := make([]int, layout.NumRanks) // last cell added per rank, +1
	for c := range m.Cells {
		home := layout.Regions[layout.RegionOf(m.CellCentroid(c))].Owner
		p.CellToRank[c] = home
		p.PickIndices[home] = append(p.PickIndices[home], c)
		seen[home] = c + 1
		if mode != IncludeIntersecting {
			continue
		}
		cb := m.CellBounds(c)
		for _, r := range layout.Regions {
			if seen[r.Owner] == c+1 || !cb.Overlaps(r.Bounds) {
				continue
			}
			p.PickIndices[r.Owner] = append(p.PickIndices[r.Owner], c)
			seen[r.Owner] = c + 1
		}
	}

	if err := p.Verify(); err != nil {
		return nil, err
	}
	return p, nil
}

// GetPickIndices returns the local cells to send to target
func (p *Plan) GetPickIndices(target int) []int {
	if target < 0 || target >= p.NumRanks {
		return nil
	}
	return p.PickIndices[target]
}

// Counts returns the number of cells picked for every rank
func (p *Plan) Counts() []int {
	counts := make([]int, p.NumRanks)
	for r, picks := range p.PickIndices {
		counts[r] = len(picks)
	}
	return counts
}

// Extract builds the fragment of m destined for target, marked as coming
// from sourceRank
func (p *Plan) Extract(m *mesh.Mesh, target, sourceRank int) *mesh.Mesh {
	return subset(m, p.GetPickIndices(target), sourceRank)
}

// Verify checks index validity and conservation properties
func (p *Plan) Verify() error {
	// Verify 1: Local validity - picks are in range and strictly ascending
	for r, picks := range p.PickIndices {
		prev := -1
		for _, c := range picks {
			if c < 0 || c >= p.NumCells {
				return fmt.Errorf("invalid pick index %d for rank %d (max %d)", c, r, p.NumCells-1)
			}
			if c <= prev {
				return fmt.Errorf("pick indices for rank %d not strictly ascending at %d", r, c)
			}
			prev = c
		}
	}

	// Verify 2: Correspondence - every cell is picked by its home rank
	picked := make([]int, p.NumCells)
	for r, picks := range p.PickIndices {
		for _, c := range picks {
			if p.CellToRank[c] == r {
				picked[c]++
			}
		}
	}
	for c, n := range picked {
		if n != 1 {
			return fmt.Errorf("cell %d picked %d times by its home rank %d", c, n, p.CellToRank[c])
		}
	}

	// Verify 3: Conservation - without intersecting cells every cell moves once
	total := 0
	for _, picks := range p.PickIndices {
		total += len(picks)
	}
	if p.Mode == CentroidOnly && total != p.NumCells {
		return fmt.Errorf("conservation error: total picks %d != total cells %d", total, p.NumCells)
	}
	if total < p.NumCells {
		return fmt.Errorf("conservation error: total picks %d < total cells %d", total, p.NumCells)
	}
	return nil
}
