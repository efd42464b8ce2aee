// Package ghost adds layers of ghost cells to a redistributed mesh: cells
// owned by neighboring ranks that share points with the local boundary.
package ghost

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/notargets/DGDistribute/comm"
	"github.com/notargets/DGDistribute/diag"
	"github.com/notargets/DGDistribute/globalid"
	"github.com/notargets/DGDistribute/mesh"
	"github.com/notargets/DGDistribute/partitions"
	"github.com/notargets/DGDistribute/redistribute"
	"gonum.org/v1/gonum/spatial/r3"
)

const (
	// LevelArray names the Uint8 point and cell arrays holding ghost levels
	LevelArray = "GhostLevels"

	// Unset marks a level that has not been resolved yet
	Unset = 255

	// MaxLevels is the deepest halo that can be requested
	MaxLevels = Unset - 1
)

const (
	tagCheck       = 300
	tagCount       = 301
	tagRequest     = 302
	tagIds         = 303
	tagCells       = 304
	tagShared      = 305
	tagSharedCheck = 306
	tagDecode      = 307
)

// Manager acquires ghost layers. AddGhostLayers is collective.
type Manager struct {
	Comm       comm.Communicator
	PointArray string  // configured global point id array name
	CellArray  string  // configured global cell id array name
	Tolerance  float64 // coordinate difference tolerated between copies of a point
	Logger     *log.Logger

	// Diagnostics receives unresolved point reports; nil discards them
	Diagnostics *diag.List
}

// AddGhostLayers returns m extended by levels layers of ghost cells. Every
// point and cell of the result carries a LevelArray value: 0 for entities of
// m, k for entities acquired in layer k. Entities never change level once
// assigned. m must carry global point and cell ids; points of m that no cell
// references are dropped.
//
// Layer 1 requests the points of local cells that lie outside this rank's
// regions or on their internal faces, and the points a neighboring rank
// requests for the same reason; layer k requests the points of layer k-1
// cells not requested before. Requests go to the ranks whose regions are
// within k hops of this rank's regions, which answer with their own cells
// containing any requested point. The loop ends early once no rank has
// anything left to request.
func (g *Manager) AddGhostLayers(ctx context.Context, m *mesh.Mesh,
	layout *partitions.Layout, levels int) (*mesh.Mesh, error) {
	c := g.Comm
	me := c.Rank()

	pids, cids, err := g.check(m, layout, levels)
	if c.Size() > 1 {
		err = comm.AgreeOnError(ctx, c, tagCheck, err)
	}
	if err != nil {
		return nil, err
	}

	base := m.Clone()
	base.PointData.Set(mesh.NewConstantArray(LevelArray, mesh.Uint8, base.NumPoints(), Unset))
	base.CellData.Set(mesh.NewConstantArray(LevelArray, mesh.Uint8, base.NumCells(), 0))
	mg := &redistribute.Merger{
		PointIds:    pids.Name,
		CellIds:     cids.Name,
		Tolerance:   g.Tolerance,
		Rank:        me,
		Diagnostics: g.Diagnostics,
	}
	mg.Add(base)
	out := mg.Mesh()
	owned := out.NumCells()

	haveCell := make(map[int64]bool, owned)
	cellIds := out.CellData.Get(cids.Name)
	for i := 0; i < owned; i++ {
		haveCell[cellIds.Int(i, 0)] = true
	}
	requested := make(map[int64]bool)
	prevLayer := [2]int{0, owned}
	var shared map[int64]bool
	if levels > 0 {
		if shared, err = g.announce(ctx, out, layout, pids.Name); err != nil {
			return nil, err
		}
	}

	for k := 1; k <= levels; k++ {
		cands, required := g.candidates(out, layout, pids.Name, prevLayer, k, requested, shared)
		if c.Size() > 1 {
			total, err := comm.AllReduceInt64(ctx, c, tagCount, []int64{int64(len(cands))}, comm.Sum)
			if err != nil {
				return nil, err
			}
			if total[0] == 0 {
				g.logf("ghost layer %d: nothing left to request", k)
				break
			}
		}

		replies, resolved, err := g.exchange(ctx, out, owned, layout, k, cands, pids.Name)
		if err != nil {
			return nil, err
		}
		for _, gid := range cands {
			if required[gid] && !resolved[gid] && g.Diagnostics != nil {
				g.Diagnostics.Add(diag.GhostResolutionFailure, me, gid,
					"no rank within %d hops holds a cell containing the point", k)
			}
		}

		start := out.NumCells()
		for _, frag := range replies {
			frag = dropKnownCells(frag, cids.Name, haveCell)
			frag.PointData.Remove(LevelArray)
			frag.CellData.Remove(LevelArray)
			np0, nc0 := out.NumPoints(), out.NumCells()
			mg.Add(frag)
			setTail(out.PointData.Get(LevelArray), np0, k)
			setTail(out.CellData.Get(LevelArray), nc0, k)
		}
		prevLayer = [2]int{start, out.NumCells()}
		g.logf("ghost layer %d: %d candidates, %d cells added", k, len(cands), out.NumCells()-start)
	}

	FixLevels(out)
	return out, nil
}

func (g *Manager) check(m *mesh.Mesh, layout *partitions.Layout, levels int) (pids, cids *mesh.Array, err error) {
	switch {
	case layout == nil:
		return nil, nil, fmt.Errorf("ghost layers: no layout")
	case layout.NumRanks != g.Comm.Size():
		return nil, nil, fmt.Errorf("ghost layers: layout for %d ranks in a world of %d",
			layout.NumRanks, g.Comm.Size())
	case levels < 0 || levels > MaxLevels:
		return nil, nil, fmt.Errorf("ghost layers: %d levels out of range [0,%d]", levels, MaxLevels)
	}
	if pids = globalid.FindPointIds(m, g.PointArray); pids == nil {
		return nil, nil, fmt.Errorf("ghost layers: mesh has no global point ids")
	}
	if cids = globalid.FindCellIds(m, g.CellArray); cids == nil {
		return nil, nil, fmt.Errorf("ghost layers: mesh has no global cell ids")
	}
	return pids, cids, nil
}

// announce sends every neighboring rank the ids of the points this rank
// requests in layer 1 for its own reasons, and returns the ids the neighbors
// sent. A neighbor that requests a point owns a cell containing it, so
// requesting the point here too makes the halo mutual.
func (g *Manager) announce(ctx context.Context, m *mesh.Mesh, layout *partitions.Layout,
	idName string) (map[int64]bool, error) {
	c := g.Comm
	me := c.Rank()
	shared := make(map[int64]bool)
	if c.Size() == 1 {
		return shared, nil
	}

	ids := m.PointData.Get(idName)
	var boundary []int64
	seen := make(map[int64]bool)
	for _, cell := range m.Cells {
		for _, p := range cell.Points {
			gid := ids.Int(p, 0)
			if !seen[gid] && onBoundary(layout, me, m.Points[p]) {
				boundary = append(boundary, gid)
			}
			seen[gid] = true
		}
	}
	sort.Slice(boundary, func(i, j int) bool { return boundary[i] < boundary[j] })

	partner := make(map[int]bool)
	for _, r := range layout.RanksWithin(me, 1) {
		partner[r] = true
	}
	out := comm.EncodeInts(boundary)
	var bad error
	for _, peers := range comm.PairSchedule(c.Size()) {
		peer := peers[me]
		if peer < 0 || !partner[peer] {
			continue
		}
		in, err := comm.Exchange(ctx, c, peer, tagShared, out)
		if err != nil {
			return nil, err
		}
		got, err := comm.DecodeInts(in)
		if err != nil {
			bad = diag.Wrap(diag.CommunicationFailure, me, "ghost announce",
				fmt.Errorf("shared points from rank %d: %w", peer, err))
			continue
		}
		for _, gid := range got {
			shared[gid] = true
		}
	}
	if err := comm.AgreeOnError(ctx, c, tagSharedCheck, bad); err != nil {
		return nil, err
	}
	return shared, nil
}

// candidates returns the sorted point ids to request for layer k, and which
// of them lie in another rank's region and so must be resolved by someone
func (g *Manager) candidates(m *mesh.Mesh, layout *partitions.Layout, idName string,
	layer [2]int, k int, requested, shared map[int64]bool) ([]int64, map[int64]bool) {
	me := g.Comm.Rank()
	ids := m.PointData.Get(idName)
	required := make(map[int64]bool)
	var cands []int64
	for c := layer[0]; c < layer[1]; c++ {
		for _, p := range m.Cells[c].Points {
			gid := ids.Int(p, 0)
			if requested[gid] {
				continue
			}
			pos := m.Points[p]
			if k == 1 && !shared[gid] && !onBoundary(layout, me, pos) {
				continue
			}
			requested[gid] = true
			required[gid] = layout.OwnerOf(pos) != me
			cands = append(cands, gid)
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i] < cands[j] })
	return cands, required
}

// onBoundary reports whether pos lies outside rank's regions or on one of
// their internal faces
func onBoundary(layout *partitions.Layout, rank int, pos r3.Vec) bool {
	return layout.OwnerOf(pos) != rank || layout.OnInternalFace(rank, pos)
}

// exchange sends the candidates to every partner rank and answers their
// requests from the owned cells of m. It returns the replies in ascending
// partner order and the set of ids any partner resolved.
func (g *Manager) exchange(ctx context.Context, m *mesh.Mesh, owned int, layout *partitions.Layout,
	k int, cands []int64, idName string) ([]*mesh.Mesh, map[int64]bool, error) {
	c := g.Comm
	me := c.Rank()
	partner := make(map[int]bool)
	for _, r := range layout.RanksWithin(me, k) {
		partner[r] = true
	}

	replies := make(map[int]*mesh.Mesh)
	resolved := make(map[int64]bool)
	request := comm.EncodeInts(cands)
	var bad error
	for _, peers := range comm.PairSchedule(c.Size()) {
		peer := peers[me]
		if peer < 0 || !partner[peer] {
			continue
		}
		in, err := comm.Exchange(ctx, c, peer, tagRequest, request)
		if err != nil {
			return nil, nil, err
		}
		// an undecodable request is answered with nothing so the peer stays
		// in step; every rank fails once the layer is done
		want, err := comm.DecodeInts(in)
		if err != nil {
			bad = diag.Wrap(diag.CommunicationFailure, me, "ghost request",
				fmt.Errorf("request from rank %d: %w", peer, err))
			want = nil
		}
		found, frag := answer(m, owned, idName, want)
		buf, err := frag.MarshalBinary()
		if err != nil {
			return nil, nil, diag.Wrap(diag.CommunicationFailure, me, "ghost reply", err)
		}

		in, err = comm.Exchange(ctx, c, peer, tagIds, comm.EncodeInts(found))
		if err != nil {
			return nil, nil, err
		}
		got, idErr := comm.DecodeInts(in)
		if in, err = comm.Exchange(ctx, c, peer, tagCells, buf); err != nil {
			return nil, nil, err
		}
		reply, cellErr := mesh.UnmarshalBinary(in)
		if err := errors.Join(idErr, cellErr); err != nil {
			bad = diag.Wrap(diag.CommunicationFailure, me, "ghost reply",
				fmt.Errorf("reply from rank %d: %w", peer, err))
			continue
		}
		for _, gid := range got {
			resolved[gid] = true
		}
		replies[peer] = reply
	}
	if c.Size() > 1 {
		if err := comm.AgreeOnError(ctx, c, tagDecode, bad); err != nil {
			return nil, nil, err
		}
	}

	ranks := make([]int, 0, len(replies))
	for r := range replies {
		ranks = append(ranks, r)
	}
	sort.Ints(ranks)
	out := make([]*mesh.Mesh, len(ranks))
	for i, r := range ranks {
		out[i] = replies[r]
	}
	return out, resolved, nil
}

// answer returns the requested ids found among the points of the first
// owned cells of m, and those cells as a compacted mesh
func answer(m *mesh.Mesh, owned int, idName string, want []int64) ([]int64, *mesh.Mesh) {
	wanted := make(map[int64]bool, len(want))
	for _, gid := range want {
		wanted[gid] = true
	}
	ids := m.PointData.Get(idName)
	found := make(map[int64]bool)
	var cells []int
	for c := 0; c < owned && len(wanted) > 0; c++ {
		hit := false
		for _, p := range m.Cells[c].Points {
			if gid := ids.Int(p, 0); wanted[gid] {
				found[gid] = true
				hit = true
			}
		}
		if hit {
			cells = append(cells, c)
		}
	}
	list := make([]int64, 0, len(found))
	for gid := range found {
		list = append(list, gid)
	}
	sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
	sub, _ := m.Subset(cells)
	return list, sub
}

// dropKnownCells removes cells whose global id is already present and
// records the rest as present
func dropKnownCells(frag *mesh.Mesh, idName string, have map[int64]bool) *mesh.Mesh {
	ids := frag.CellData.Get(idName)
	if ids == nil {
		return frag
	}
	keep := make([]int, 0, frag.NumCells())
	for c := range frag.Cells {
		gid := ids.Int(c, 0)
		if have[gid] {
			continue
		}
		have[gid] = true
		keep = append(keep, c)
	}
	if len(keep) == frag.NumCells() {
		return frag
	}
	sub, _ := frag.Subset(keep)
	return sub
}

func setTail(a *mesh.Array, from, level int) {
	for i := from; i < a.Len(); i++ {
		a.SetInt(i, 0, int64(level))
	}
}

// FixLevels resolves every Unset point level of m to the lowest level of the
// cells using the point, or 0 for points no cell uses
func FixLevels(m *mesh.Mesh) {
	pl, cl := m.PointData.Get(LevelArray), m.CellData.Get(LevelArray)
	if pl == nil {
		return
	}
	var pointCells [][]int
	for p := 0; p < pl.Len(); p++ {
		if pl.Int(p, 0) != Unset {
			continue
		}
		if pointCells == nil {
			pointCells = m.PointCells()
		}
		level := int64(0)
		if cl != nil && len(pointCells[p]) > 0 {
			level = Unset
			for _, c := range pointCells[p] {
				if l := cl.Int(c, 0); l < level {
					level = l
				}
			}
		}
		pl.SetInt(p, 0, level)
	}
}

func (g *Manager) logf(format string, args ...interface{}) {
	if g.Logger == nil {
		return
	}
	g.Logger.Printf(format, args...)
}
