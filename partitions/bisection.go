package partitions

import (
	"fmt"

	"github.com/notargets/DGDistribute/mesh"
)

// BisectionOracle splits the global bounds by recursive coordinate
// bisection into NumRanks*RegionsPerProcess boxes. Each cut is made across
// the longest axis (lowest axis on ties) at the fraction that balances the
// number of regions on each side. Region IDs follow a depth first traversal
// and consecutive blocks of RegionsPerProcess regions go to the same rank.
type BisectionOracle struct {
	NumRanks          int
	RegionsPerProcess int
}

// RegionsFor implements Oracle
func (o BisectionOracle) RegionsFor(b mesh.Bounds) (*Layout, error) {
	if o.NumRanks < 1 {
		return nil, fmt.Errorf("bisection oracle: %d ranks", o.NumRanks)
	}
	if b.IsEmpty() {
		return nil, fmt.Errorf("bisection oracle: empty bounds")
	}
	perRank := o.RegionsPerProcess
	if perRank < 1 {
		perRank = 1
	}
	var boxes []mesh.Bounds
	bisect(b, o.NumRanks*perRank, &boxes)

	regions := make([]Region, len(boxes))
	for i, box := range boxes {
		regions[i] = Region{ID: i, Bounds: box, Owner: i / perRank}
	}
	return NewLayout(b, regions, o.NumRanks)
}

func bisect(b mesh.Bounds, count int, out *[]mesh.Bounds) {
	if count <= 1 {
		*out = append(*out, b)
		return
	}
	axis, length := 0, 0.
	for a := 0; a < 3; a++ {
		lo, hi := mesh.Axis(b.Min, a), mesh.Axis(b.Max, a)
		if hi-lo > length {
			axis, length = a, hi-lo
		}
	}
	if length == 0 {
		// a point cannot be split further
		*out = append(*out, b)
		return
	}
	left := count / 2
	cut := mesh.Axis(b.Min, axis) + length*float64(left)/float64(count)
	lb, rb := b, b
	lb.Max = mesh.SetAxis(lb.Max, axis, cut)
	rb.Min = mesh.SetAxis(rb.Min, axis, cut)
	bisect(lb, left, out)
	bisect(rb, count-left, out)
}
