// Package distributor runs the whole redistribution pipeline on one rank:
// global ids, cell exchange, ghost layers and clipping.
package distributor

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/notargets/DGDistribute/clip"
	"github.com/notargets/DGDistribute/comm"
	"github.com/notargets/DGDistribute/config"
	"github.com/notargets/DGDistribute/diag"
	"github.com/notargets/DGDistribute/extract"
	"github.com/notargets/DGDistribute/ghost"
	"github.com/notargets/DGDistribute/globalid"
	"github.com/notargets/DGDistribute/mesh"
	"github.com/notargets/DGDistribute/partitions"
	"github.com/notargets/DGDistribute/redistribute"
)

const (
	tagRunID = 400
	tagMin   = 401
	tagMax   = 402
	tagClip  = 403
)

// Distributor carries everything one rank needs for a run. Execute is
// collective: every rank of Comm calls it with identical Options.
//
// A Distributor may be reused for successive runs; with RetainPartition set
// it keeps the region layout of the previous run while the global bounds do
// not change.
type Distributor struct {
	Comm    comm.Communicator
	Oracle  partitions.Oracle // nil means a BisectionOracle over Comm's ranks
	Options config.Options
	Logger  *log.Logger // nil discards

	bounds mesh.Bounds
	layout *partitions.Layout
}

// Phase is the duration of one pipeline step
type Phase struct {
	Name     string
	Duration time.Duration
}

// Result is one rank's output of a run
type Result struct {
	RunID       string
	Mesh        *mesh.Mesh
	Layout      *partitions.Layout
	Diagnostics diag.List
	Stats       *redistribute.Stats
	Clipped     bool // cells were clipped, global ids were dropped
	Timing      []Phase
}

// New returns a Distributor with the default options
func New(c comm.Communicator) *Distributor {
	return &Distributor{Comm: c, Options: config.Default()}
}

func (d *Distributor) logger() *log.Logger {
	if d.Logger == nil {
		return log.New(io.Discard, "", 0)
	}
	return d.Logger
}

// Execute distributes in, this rank's arbitrary share of the global mesh. in
// is not modified. On error no partial mesh is returned and every rank fails
// with the same diag.Kind.
func (d *Distributor) Execute(ctx context.Context, in *mesh.Mesh) (*Result, error) {
	if err := d.Options.Validate(); err != nil {
		return nil, fmt.Errorf("distributor: %w", err)
	}
	c := d.Comm
	res := &Result{}
	clk := newClock(d.Options.Timing)

	id, err := d.runID(ctx)
	if err != nil {
		return nil, err
	}
	res.RunID = id
	lg := log.New(d.logger().Writer(), fmt.Sprintf("%s[%s] ", d.logger().Prefix(), id[:8]), d.logger().Flags())
	clk.logger = lg

	if c.Size() == 1 {
		return d.singleProcess(ctx, in, res, clk, lg)
	}

	local := in.Clone()
	clk.start("layout")
	res.Layout, err = d.partition(ctx, local, lg)
	if err != nil {
		return nil, err
	}
	clk.stop()
	if res.Layout == nil {
		res.Stats = &redistribute.Stats{SentTo: make([]int, c.Size()), From: make([]int, c.Size())}
		if d.Options.GhostLevels > 0 {
			setLevels(local)
		}
		return d.finish(local, res, clk, lg), nil
	}

	clk.start("global ids")
	ids := &globalid.Resolver{
		Comm:       c,
		PointArray: d.Options.GlobalIdArray,
		CellArray:  d.Options.GlobalCellIdArray,
		Tolerance:  d.Options.PointTolerance,
		Logger:     lg,
	}
	if _, err = ids.EnsurePointIds(ctx, local); err != nil {
		return nil, err
	}
	if _, err = ids.EnsureCellIds(ctx, local); err != nil {
		return nil, err
	}
	clk.stop()

	clk.start("redistribute")
	rd := &redistribute.Redistributor{
		Comm:        c,
		Mode:        extract.CentroidOnly,
		PointArray:  d.Options.GlobalIdArray,
		CellArray:   d.Options.GlobalCellIdArray,
		Tolerance:   d.Options.PointTolerance,
		Logger:      lg,
		Diagnostics: &res.Diagnostics,
	}
	// clipping needs every cell that overlaps a region, not only those whose
	// centroid it contains
	if d.Options.IncludeAllIntersectingCells || d.Options.ClipCells {
		rd.Mode = extract.IncludeIntersecting
	}
	out, stats, err := rd.Redistribute(ctx, local, res.Layout)
	if err != nil {
		return nil, err
	}
	res.Stats = stats
	clk.stop()

	if d.Options.GhostLevels > 0 {
		clk.start("ghost cells")
		gm := &ghost.Manager{
			Comm:        c,
			PointArray:  d.Options.GlobalIdArray,
			CellArray:   d.Options.GlobalCellIdArray,
			Tolerance:   d.Options.PointTolerance,
			Logger:      lg,
			Diagnostics: &res.Diagnostics,
		}
		if out, err = gm.AddGhostLayers(ctx, out, res.Layout, d.Options.GhostLevels); err != nil {
			return nil, err
		}
		clk.stop()
	}

	if d.Options.ClipCells {
		clk.start("clip")
		var clipped *mesh.Mesh
		clipped, res.Clipped, err = d.clip(out, res.Layout)
		err = comm.AgreeOnError(ctx, c, tagClip, err)
		if err != nil {
			return nil, err
		}
		out = clipped
		clk.stop()
	}

	return d.finish(out, res, clk, lg), nil
}

func (d *Distributor) finish(out *mesh.Mesh, res *Result, clk *clock, lg *log.Logger) *Result {
	extract.RemoveSource(out)
	res.Mesh = out
	res.Timing = clk.phases
	lg.Printf("%d points %d cells, %d diagnostics %s",
		out.NumPoints(), out.NumCells(), res.Diagnostics.Len(), res.Diagnostics.Summary())
	return res
}

// runID returns an identifier chosen by rank 0 and shared by every rank
func (d *Distributor) runID(ctx context.Context) (string, error) {
	var buf []byte
	if d.Comm.Rank() == 0 {
		id := uuid.New()
		buf = id[:]
	}
	buf, err := comm.Broadcast(ctx, d.Comm, 0, tagRunID, buf)
	if err != nil {
		return "", diag.Wrap(diag.CommunicationFailure, d.Comm.Rank(), "run id", err)
	}
	id, err := uuid.FromBytes(buf)
	if err != nil {
		return "", diag.Wrap(diag.CommunicationFailure, d.Comm.Rank(), "run id", err)
	}
	return id.String(), nil
}

// partition returns the layout of the global bounds, reusing the previous
// one when allowed and the bounds are unchanged. It returns a nil layout
// when no rank holds a point.
func (d *Distributor) partition(ctx context.Context, local *mesh.Mesh, lg *log.Logger) (*partitions.Layout, error) {
	b := local.Bounds()
	lo, err := comm.AllReduceFloat64(ctx, d.Comm, tagMin, []float64{b.Min.X, b.Min.Y, b.Min.Z}, comm.Min)
	if err != nil {
		return nil, err
	}
	hi, err := comm.AllReduceFloat64(ctx, d.Comm, tagMax, []float64{b.Max.X, b.Max.Y, b.Max.Z}, comm.Max)
	if err != nil {
		return nil, err
	}
	global := mesh.NewBounds([6]float64{lo[0], hi[0], lo[1], hi[1], lo[2], hi[2]})
	if global.IsEmpty() {
		lg.Printf("empty input on every rank")
		return nil, nil
	}

	if d.Options.RetainPartition && d.layout != nil && d.bounds.Equal(global) {
		lg.Printf("retaining layout of %d regions", len(d.layout.Regions))
		return d.layout, nil
	}
	oracle := d.Oracle
	if oracle == nil {
		oracle = partitions.BisectionOracle{
			NumRanks:          d.Comm.Size(),
			RegionsPerProcess: d.Options.RegionsPerProcess,
		}
	}
	// every rank sees the same bounds, so the oracle fails everywhere or nowhere
	layout, err := oracle.RegionsFor(global)
	if err != nil {
		return nil, diag.Wrap(diag.PartitionFailure, d.Comm.Rank(), "partition", err)
	}
	if layout.NumRanks != d.Comm.Size() {
		return nil, diag.Errorf(diag.PartitionFailure, d.Comm.Rank(), "partition",
			"layout for %d ranks on %d ranks", layout.NumRanks, d.Comm.Size())
	}
	d.bounds, d.layout = global, layout
	lg.Printf("global bounds %v, %d regions", global, len(layout.Regions))
	return layout, nil
}

func (d *Distributor) clip(m *mesh.Mesh, layout *partitions.Layout) (*mesh.Mesh, bool, error) {
	owned := layout.OwnedBy(d.Comm.Rank())
	regions := make([]mesh.Bounds, len(owned))
	for i, r := range owned {
		regions[i] = r.Bounds
	}
	opts := clip.Options{
		PointArray: d.Options.GlobalIdArray,
		CellArray:  d.Options.GlobalCellIdArray,
	}
	if d.Options.GhostLevels > 0 {
		opts.PassThroughArray = ghost.LevelArray
	}
	return clip.ClipToRegions(m, regions, opts)
}

// singleProcess handles a world of one rank, which owns all of space: the
// input is copied, ids are ensured, and every entity is at ghost level 0.
func (d *Distributor) singleProcess(ctx context.Context, in *mesh.Mesh, res *Result,
	clk *clock, lg *log.Logger) (*Result, error) {
	out := in.Clone()
	clk.start("global ids")
	ids := &globalid.Resolver{
		Comm:       d.Comm,
		PointArray: d.Options.GlobalIdArray,
		CellArray:  d.Options.GlobalCellIdArray,
		Tolerance:  d.Options.PointTolerance,
		Logger:     lg,
	}
	if _, err := ids.EnsurePointIds(ctx, out); err != nil {
		return nil, err
	}
	if _, err := ids.EnsureCellIds(ctx, out); err != nil {
		return nil, err
	}
	clk.stop()

	if d.Options.GhostLevels > 0 {
		setLevels(out)
	}
	res.Stats = &redistribute.Stats{Kept: out.NumCells(), SentTo: []int{0}, From: []int{0}}
	return d.finish(out, res, clk, lg), nil
}

// setLevels marks every entity of m as owned
func setLevels(m *mesh.Mesh) {
	m.PointData.Set(mesh.NewConstantArray(ghost.LevelArray, mesh.Uint8, m.NumPoints(), 0))
	m.CellData.Set(mesh.NewConstantArray(ghost.LevelArray, mesh.Uint8, m.NumCells(), 0))
}

// clock records phase durations, logging them when verbose
type clock struct {
	verbose bool
	logger  *log.Logger
	name    string
	begin   time.Time
	phases  []Phase
}

func newClock(verbose bool) *clock {
	return &clock{verbose: verbose}
}

func (c *clock) start(name string) {
	c.name, c.begin = name, time.Now()
}

func (c *clock) stop() {
	p := Phase{Name: c.name, Duration: time.Since(c.begin)}
	c.phases = append(c.phases, p)
	if c.verbose && c.logger != nil {
		c.logger.Printf("%s: %v", p.Name, p.Duration)
	}
}
