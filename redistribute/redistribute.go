// Package redistribute moves the cells of an arbitrarily distributed mesh to
// the ranks owning the regions that claim them, and merges what every rank
// receives into one mesh without duplicated points.
package redistribute

import (
	"context"
	"fmt"
	"log"

	"github.com/notargets/DGDistribute/comm"
	"github.com/notargets/DGDistribute/diag"
	"github.com/notargets/DGDistribute/extract"
	"github.com/notargets/DGDistribute/globalid"
	"github.com/notargets/DGDistribute/mesh"
	"github.com/notargets/DGDistribute/partitions"
)

const (
	tagPlan     = 200
	tagExchange = 201
	tagDecode   = 202
	tagTraffic  = 203
)

// Redistributor performs the all-to-all cell exchange. Redistribute is
// collective: every rank of Comm must call it with the same layout.
type Redistributor struct {
	Comm       comm.Communicator
	Mode       extract.Mode
	PointArray string  // configured global point id array name
	CellArray  string  // configured global cell id array name
	Tolerance  float64 // point match distance when no point ids exist
	Logger     *log.Logger

	// Diagnostics receives non-fatal events; nil discards them
	Diagnostics *diag.List
}

// Stats counts the cells one rank moved in a call
type Stats struct {
	Kept     int   // cells that stayed on this rank
	Sent     int   // cells sent to other ranks
	Received int   // cells received from other ranks
	SentTo   []int // cells sent per destination rank
	From     []int // cells received per source rank
}

func (s *Stats) String() string {
	return fmt.Sprintf("kept %d, sent %d, received %d", s.Kept, s.Sent, s.Received)
}

// Redistribute returns this rank's share of the distributed mesh: the cells
// of every rank claimed by regions this rank owns. Fragments are merged in
// ascending source rank order with this rank's own fragment at its rank
// position, which defines first arrival for duplicate resolution.
func (r *Redistributor) Redistribute(ctx context.Context, local *mesh.Mesh,
	layout *partitions.Layout) (*mesh.Mesh, *Stats, error) {
	c := r.Comm
	me, n := c.Rank(), c.Size()

	plan, err := r.plan(local, layout)
	if n > 1 {
		err = comm.AgreeOnError(ctx, c, tagPlan, err)
	}
	if err != nil {
		return nil, nil, err
	}

	stats := &Stats{SentTo: make([]int, n), From: make([]int, n)}
	frags := make([]*mesh.Mesh, n)
	frags[me] = plan.Extract(local, me, me)
	stats.Kept = frags[me].NumCells()

	// A fragment that fails to decode is reported after the schedule
	// completes so no peer is left waiting
	var decodeErr error
	for round, peers := range comm.PairSchedule(n) {
		peer := peers[me]
		if peer < 0 {
			continue
		}
		out := plan.Extract(local, peer, me)
		buf, err := out.MarshalBinary()
		if err != nil {
			decodeErr = diag.Wrap(diag.CommunicationFailure, me, "marshal fragment", err)
			buf = nil
		}
		in, err := comm.Exchange(ctx, c, peer, tagExchange, buf)
		if err != nil {
			return nil, nil, diag.Wrap(diag.CommunicationFailure, me, "redistribute", err)
		}
		stats.SentTo[peer] = out.NumCells()
		stats.Sent += out.NumCells()

		frag, err := mesh.UnmarshalBinary(in)
		if err != nil {
			if decodeErr == nil {
				decodeErr = diag.Wrap(diag.CommunicationFailure, me, "redistribute",
					fmt.Errorf("fragment from rank %d in round %d: %w", peer, round, err))
			}
			continue
		}
		frags[peer] = frag
		stats.From[peer] = frag.NumCells()
		stats.Received += frag.NumCells()
	}
	if n > 1 {
		if err := comm.AgreeOnError(ctx, c, tagDecode, decodeErr); err != nil {
			return nil, nil, err
		}
		if err := r.checkTraffic(ctx, stats); err != nil {
			return nil, nil, err
		}
	}

	merged := r.merge(frags)
	r.logf("redistributed: %s, %d points %d cells", stats, merged.NumPoints(), merged.NumCells())
	return merged, stats, nil
}

func (r *Redistributor) plan(local *mesh.Mesh, layout *partitions.Layout) (*extract.Plan, error) {
	if layout == nil {
		return nil, fmt.Errorf("redistribute: no layout")
	}
	if layout.NumRanks != r.Comm.Size() {
		return nil, fmt.Errorf("redistribute: layout for %d ranks in a world of %d",
			layout.NumRanks, r.Comm.Size())
	}
	return extract.NewPlan(local, layout, r.Mode)
}

// merge combines the fragments, rank ordered. Global id array names come
// from the first fragment carrying them.
func (r *Redistributor) merge(frags []*mesh.Mesh) *mesh.Mesh {
	mg := &Merger{
		Tolerance:   r.Tolerance,
		Rank:        r.Comm.Rank(),
		Diagnostics: r.Diagnostics,
	}
	for _, f := range frags {
		if f == nil {
			continue
		}
		if a := globalid.FindPointIds(f, r.PointArray); mg.PointIds == "" && a != nil {
			mg.PointIds = a.Name
		}
		if a := globalid.FindCellIds(f, r.CellArray); mg.CellIds == "" && a != nil {
			mg.CellIds = a.Name
		}
	}
	for _, f := range frags {
		if f != nil {
			mg.Add(f)
		}
	}
	return mg.Mesh()
}

// checkTraffic all-gathers the per-pair cell counts and verifies that every
// rank received exactly what its peers report sending
func (r *Redistributor) checkTraffic(ctx context.Context, stats *Stats) error {
	c := r.Comm
	n := c.Size()
	row := make([]int64, 0, 2*n)
	for _, v := range stats.SentTo {
		row = append(row, int64(v))
	}
	for _, v := range stats.From {
		row = append(row, int64(v))
	}
	all, err := comm.AllGather(ctx, c, tagTraffic, comm.EncodeInts(row))
	if err != nil {
		return err
	}
	sent, received := partitions.NewTraffic(n), partitions.NewTraffic(n)
	for rank, b := range all {
		vals, err := comm.DecodeInts(b)
		if err != nil || len(vals) != 2*n {
			return diag.Errorf(diag.CommunicationFailure, c.Rank(), "redistribute",
				"malformed traffic report from rank %d", rank)
		}
		for p := 0; p < n; p++ {
			sent[rank][p] = int(vals[p])
			received[rank][p] = int(vals[n+p])
		}
	}
	if err := partitions.ValidateSymmetry(sent, received); err != nil && r.Diagnostics != nil {
		r.Diagnostics.Add(diag.PartitionInconsistency, c.Rank(), -1, "%v", err)
	}
	return nil
}

func (r *Redistributor) logf(format string, args ...interface{}) {
	if r.Logger == nil {
		return
	}
	r.Logger.Printf(format, args...)
}
