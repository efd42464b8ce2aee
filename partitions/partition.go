package partitions

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/notargets/DGDistribute/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

// Region is a convex axis aligned box of space assigned to one owning rank
type Region struct {
	ID     int         // Index of the region within its layout
	Bounds mesh.Bounds // Extent, half open except on the global maximum faces
	Owner  int         // Rank that owns everything inside the region
}

// Oracle produces region layouts. Implementations must be deterministic:
// every rank calling RegionsFor with identical bounds gets an identical layout.
type Oracle interface {
	RegionsFor(bounds mesh.Bounds) (*Layout, error)
}

// Layout is a set of regions tiling the global bounds, and their owners
type Layout struct {
	// Global extent tiled by the regions
	Global mesh.Bounds

	// All regions, Regions[i].ID == i
	Regions []Region

	// Number of ranks regions are assigned to
	NumRanks int

	adjacencyOnce sync.Once
	adjacency     [][]int // region to touching regions
}

// NewLayout builds and validates a layout
func NewLayout(global mesh.Bounds, regions []Region, numRanks int) (*Layout, error) {
	l := &Layout{Global: global, Regions: regions, NumRanks: numRanks}
	if err := l.Validate(); err != nil {
		return nil, fmt.Errorf("invalid region layout: %w", err)
	}
	return l, nil
}

// Methods for Layout

// closedMax reports, per axis, whether the region's max face lies on the
// global max face. Those faces are closed so that the global maximum
// corner is claimed.
func (l *Layout) closedMax(r Region) [3]bool {
	var c [3]bool
	for a := 0; a < 3; a++ {
		c[a] = mesh.Axis(r.Bounds.Max, a) >= mesh.Axis(l.Global.Max, a)
	}
	return c
}

// Claims reports whether region id claims p under the half open rule:
// [min, max) on every axis, closed on faces coinciding with the global max.
func (l *Layout) Claims(id int, p r3.Vec) bool {
	r := l.Regions[id]
	return r.Bounds.ContainsHalfOpen(p, l.closedMax(r))
}

// RegionOf returns the region claiming p. Points outside the global bounds
// are clamped onto them first, so every point has a region.
func (l *Layout) RegionOf(p r3.Vec) int {
	for i := range l.Regions {
		if l.Claims(i, p) {
			return i
		}
	}
	q := p
	for a := 0; a < 3; a++ {
		lo, hi := mesh.Axis(l.Global.Min, a), mesh.Axis(l.Global.Max, a)
		q = mesh.SetAxis(q, a, math.Max(lo, math.Min(hi, mesh.Axis(q, a))))
	}
	for i := range l.Regions {
		if l.Claims(i, q) {
			return i
		}
	}
	// only reachable for layouts that do not tile, pick the nearest center
	best, bestDist := 0, math.Inf(1)
	for i, r := range l.Regions {
		if d := r3.Norm2(r3.Sub(r.Bounds.Center(), p)); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// OwnerOf returns the rank owning point p
func (l *Layout) OwnerOf(p r3.Vec) int {
	if len(l.Regions) == 0 {
		return 0
	}
	return l.Regions[l.RegionOf(p)].Owner
}

// OwnedBy returns the regions assigned to rank
func (l *Layout) OwnedBy(rank int) []Region {
	var owned []Region
	for _, r := range l.Regions {
		if r.Owner == rank {
			owned = append(owned, r)
		}
	}
	return owned
}

// NeighborsOf returns the ids of regions touching region id across a face,
// edge or corner
func (l *Layout) NeighborsOf(id int) []int {
	l.adjacencyOnce.Do(func() {
		l.adjacency = make([][]int, len(l.Regions))
		for i := range l.Regions {
			for j := i + 1; j < len(l.Regions); j++ {
				if l.Regions[i].Bounds.Touches(l.Regions[j].Bounds) {
					l.adjacency[i] = append(l.adjacency[i], j)
					l.adjacency[j] = append(l.adjacency[j], i)
				}
			}
		}
	})
	return l.adjacency[id]
}

// NeighborRanks returns the ranks, other than rank, owning a region that
// touches one of rank's regions
func (l *Layout) NeighborRanks(rank int) []int {
	return l.RanksWithin(rank, 1)
}

// RanksWithin returns the ranks, other than rank, owning a region reachable
// from one of rank's regions in at most hops steps over NeighborsOf. The
// relation is symmetric: b is in RanksWithin(a, k) iff a is in
// RanksWithin(b, k).
func (l *Layout) RanksWithin(rank, hops int) []int {
	dist := make([]int, len(l.Regions))
	var frontier []int
	for i, r := range l.Regions {
		dist[i] = -1
		if r.Owner == rank {
			dist[i] = 0
			frontier = append(frontier, i)
		}
	}
	for step := 1; step <= hops && len(frontier) > 0; step++ {
		var next []int
		for _, i := range frontier {
			for _, j := range l.NeighborsOf(i) {
				if dist[j] < 0 {
					dist[j] = step
					next = append(next, j)
				}
			}
		}
		frontier = next
	}
	seen := make(map[int]bool)
	var ranks []int
	for i, d := range dist {
		o := l.Regions[i].Owner
		if d > 0 && o != rank && !seen[o] {
			seen[o] = true
			ranks = append(ranks, o)
		}
	}
	sort.Ints(ranks)
	return ranks
}

// OnInternalFace reports whether p lies on a face of one of rank's regions
// that is not part of the global boundary
func (l *Layout) OnInternalFace(rank int, p r3.Vec) bool {
	for _, r := range l.Regions {
		if r.Owner != rank || !r.Bounds.Contains(p) {
			continue
		}
		for a := 0; a < 3; a++ {
			v := mesh.Axis(p, a)
			lo, hi := mesh.Axis(r.Bounds.Min, a), mesh.Axis(r.Bounds.Max, a)
			if v == lo && lo > mesh.Axis(l.Global.Min, a) {
				return true
			}
			if v == hi && hi < mesh.Axis(l.Global.Max, a) {
				return true
			}
		}
	}
	return false
}

// Equal reports whether two layouts have the same regions and owners
func (l *Layout) Equal(o *Layout) bool {
	if l == nil || o == nil {
		return l == o
	}
	if l.NumRanks != o.NumRanks || !l.Global.Equal(o.Global) || len(l.Regions) != len(o.Regions) {
		return false
	}
	for i, r := range l.Regions {
		q := o.Regions[i]
		if r.ID != q.ID || r.Owner != q.Owner || !r.Bounds.Equal(q.Bounds) {
			return false
		}
	}
	return true
}

// Validate checks that regions are indexed by ID, owned by valid ranks, lie
// inside the global bounds, do not overlap and fill the global volume
func (l *Layout) Validate() error {
	if l.NumRanks < 1 {
		return fmt.Errorf("layout has %d ranks", l.NumRanks)
	}
	if len(l.Regions) == 0 {
		return fmt.Errorf("layout has no regions")
	}
	if l.Global.IsEmpty() {
		return fmt.Errorf("layout global bounds are empty")
	}
	tol := 1e-12 * math.Max(1, r3.Norm(l.Global.Size()))
	volume := 0.
	for i, r := range l.Regions {
		if r.ID != i {
			return fmt.Errorf("region at index %d has ID %d", i, r.ID)
		}
		if r.Owner < 0 || r.Owner >= l.NumRanks {
			return fmt.Errorf("region %d: owner %d out of range [0,%d)", i, r.Owner, l.NumRanks)
		}
		if r.Bounds.IsEmpty() {
			return fmt.Errorf("region %d: empty bounds", i)
		}
		for a := 0; a < 3; a++ {
			if mesh.Axis(r.Bounds.Min, a) < mesh.Axis(l.Global.Min, a)-tol ||
				mesh.Axis(r.Bounds.Max, a) > mesh.Axis(l.Global.Max, a)+tol {
				return fmt.Errorf("region %d: bounds %v outside global bounds %v", i, r.Bounds, l.Global)
			}
		}
		for j := 0; j < i; j++ {
			if r.Bounds.Overlaps(l.Regions[j].Bounds) {
				return fmt.Errorf("regions %d and %d overlap", j, i)
			}
		}
		volume += r.Bounds.Volume()
	}
	if gv := l.Global.Volume(); gv > 0 && math.Abs(volume-gv) > 1e-9*gv {
		return fmt.Errorf("regions cover volume %g of global volume %g", volume, gv)
	}
	return nil
}

// Stats summarizes the cell load per rank after redistribution
type Stats struct {
	NumRanks  int
	MinCells  int
	MaxCells  int
	AvgCells  float64
	Imbalance float64 // MaxCells / AvgCells
}

// Balance computes load statistics from per rank cell counts
func Balance(counts []int) Stats {
	stats := Stats{
		NumRanks: len(counts),
		MinCells: math.MaxInt32,
	}
	if len(counts) == 0 {
		stats.MinCells = 0
		return stats
	}
	total := 0
	for _, c := range counts {
		total += c
		if c < stats.MinCells {
			stats.MinCells = c
		}
		if c > stats.MaxCells {
			stats.MaxCells = c
		}
	}
	stats.AvgCells = float64(total) / float64(len(counts))
	if stats.AvgCells > 0 {
		stats.Imbalance = float64(stats.MaxCells) / stats.AvgCells
	}
	return stats
}

func (s Stats) String() string {
	return fmt.Sprintf("%d ranks, cells min %d max %d avg %.1f, imbalance %.3f",
		s.NumRanks, s.MinCells, s.MaxCells, s.AvgCells, s.Imbalance)
}
