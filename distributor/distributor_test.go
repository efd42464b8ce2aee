package distributor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/notargets/DGDistribute/comm"
	"github.com/notargets/DGDistribute/config"
	"github.com/notargets/DGDistribute/diag"
	"github.com/notargets/DGDistribute/extract"
	"github.com/notargets/DGDistribute/ghost"
	"github.com/notargets/DGDistribute/globalid"
	"github.com/notargets/DGDistribute/mesh"
	"github.com/notargets/DGDistribute/partitions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

var cubeBounds = mesh.Bounds{Min: r3.Vec{X: -1}, Max: r3.Vec{X: 1, Y: 1, Z: 1}}

// execute runs ds[r].Execute on every rank over the round robin split of grid
func execute(t *testing.T, ds []*Distributor, grid *mesh.Mesh) ([]*Result, []error) {
	t.Helper()
	parts, err := partitions.Splitter{NumRanks: len(ds), Strategy: partitions.RoundRobin}.Split(grid)
	require.NoError(t, err)
	return executeParts(ds, parts)
}

// executeParts runs ds[r].Execute on parts[r]
func executeParts(ds []*Distributor, parts []*mesh.Mesh) ([]*Result, []error) {
	n := len(ds)
	results := make([]*Result, n)
	w := comm.NewWorld(n, comm.WithTimeout(5*time.Second))
	errs := w.Run(context.Background(), func(ctx context.Context, c comm.Communicator) error {
		d := ds[c.Rank()]
		d.Comm = c
		res, err := d.Execute(ctx, parts[c.Rank()])
		results[c.Rank()] = res
		return err
	})
	return results, errs
}

func distributors(n int, opts config.Options) []*Distributor {
	ds := make([]*Distributor, n)
	for i := range ds {
		ds[i] = &Distributor{Options: opts}
	}
	return ds
}

func mustExecute(t *testing.T, ds []*Distributor, grid *mesh.Mesh) []*Result {
	t.Helper()
	results, errs := execute(t, ds, grid)
	requireNoErrors(t, errs)
	return results
}

func requireNoErrors(t *testing.T, errs []error) {
	t.Helper()
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
}

func volume(m *mesh.Mesh) float64 {
	v := 0.
	for c, cell := range m.Cells {
		switch cell.Type {
		case mesh.Hex:
			v += m.CellBounds(c).Volume()
		case mesh.Tet:
			p := m.CellPoints(c)
			a, b, d := r3.Sub(p[1], p[0]), r3.Sub(p[2], p[0]), r3.Sub(p[3], p[0])
			v += math.Abs(r3.Dot(a, r3.Cross(b, d))) / 6
		}
	}
	return v
}

func TestExecuteCube(t *testing.T) {
	grid := mesh.StructuredHexGrid(cubeBounds, 2, 3, 2)
	results := mustExecute(t, distributors(2, config.Default()), grid)

	for rank, res := range results {
		m := res.Mesh
		require.NoError(t, m.Validate())
		assert.Equal(t, 6, m.NumCells(), "rank %d", rank)
		assert.Equal(t, 24, m.NumPoints())
		assert.Equal(t, results[0].RunID, res.RunID, "run id is shared")
		assert.False(t, m.PointData.Has(extract.SourceRankArray))
		assert.False(t, m.CellData.Has(extract.SourceRankArray))
		assert.True(t, m.PointData.Has(globalid.PointIdNames[0]))
		assert.True(t, m.CellData.Has(globalid.CellIdNames[0]))
		assert.False(t, m.CellData.Has(ghost.LevelArray))
		assert.Equal(t, 6, res.Stats.Kept+res.Stats.Received)
		assert.Equal(t, 0, res.Diagnostics.Len(), res.Diagnostics.Summary())
		for c := range m.Cells {
			assert.Equal(t, rank, res.Layout.OwnerOf(m.CellCentroid(c)))
		}
		var names []string
		for _, p := range res.Timing {
			names = append(names, p.Name)
		}
		assert.Equal(t, []string{"layout", "global ids", "redistribute"}, names)
	}
}

func TestExecuteInputUnchanged(t *testing.T) {
	grid := mesh.StructuredHexGrid(cubeBounds, 2, 1, 1)
	parts, err := partitions.Splitter{NumRanks: 2}.Split(grid)
	require.NoError(t, err)
	before := []*mesh.Mesh{parts[0].Clone(), parts[1].Clone()}

	w := comm.NewWorld(2, comm.WithTimeout(5*time.Second))
	errs := w.Run(context.Background(), func(ctx context.Context, c comm.Communicator) error {
		_, err := New(c).Execute(ctx, parts[c.Rank()])
		return err
	})
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
		assert.True(t, before[rank].Equal(parts[rank]))
	}
}

func TestGhostAndClip(t *testing.T) {
	// the middle cell [-0.5,0.5] straddles the cut at x=0 and belongs to rank 1
	wide := mesh.Bounds{Min: r3.Vec{X: -1.5}, Max: r3.Vec{X: 1.5, Y: 1, Z: 1}}
	grid := mesh.StructuredHexGrid(wide, 3, 1, 1)

	t.Run("ghost cells pass through", func(t *testing.T) {
		opts := config.Default()
		opts.GhostLevels = 1
		opts.ClipCells = true
		results := mustExecute(t, distributors(2, opts), grid)

		// each rank clips the middle cell to its half and keeps the far
		// cell whole as a ghost
		ghostX := []float64{1, -1}
		for rank, res := range results {
			m := res.Mesh
			assert.True(t, m.CellData.Has(ghost.LevelArray), "rank %d", rank)
			assert.Equal(t, "clip", res.Timing[len(res.Timing)-1].Name)
			assert.Equal(t, 0, res.Diagnostics.Count(diag.GhostResolutionFailure))
			assert.True(t, res.Clipped, "rank %d", rank)
			assert.False(t, m.PointData.Has(globalid.PointIdNames[0]))

			levels := m.CellData.Get(ghost.LevelArray)
			ghosts := 0
			for c, cell := range m.Cells {
				if levels.Int(c, 0) > 0 {
					ghosts++
					assert.Equal(t, mesh.Hex, cell.Type)
					assert.InDelta(t, ghostX[rank], m.CellCentroid(c).X, 1e-12)
				}
			}
			assert.Equal(t, 1, ghosts, "rank %d", rank)
			assert.InDelta(t, 2.5, volume(m), 1e-12, "rank %d: ghost, own cell and half the middle", rank)
		}
	})

	t.Run("clipping conserves volume", func(t *testing.T) {
		for _, tt := range []struct {
			name   string
			bounds mesh.Bounds
			grid   *mesh.Mesh
		}{
			{"hex", wide, grid},
			{"tet", cubeBounds, mesh.StructuredTetGrid(cubeBounds, 3, 2, 2)},
		} {
			opts := config.Default()
			opts.ClipCells = true
			results := mustExecute(t, distributors(2, opts), tt.grid)
			total := 0.
			for rank, res := range results {
				require.NoError(t, res.Mesh.Validate())
				assert.True(t, res.Clipped, "%s rank %d", tt.name, rank)
				total += volume(res.Mesh)
			}
			assert.InDelta(t, tt.bounds.Volume(), total, 1e-9, tt.name)
		}
	})

	t.Run("intersecting cells are clipped on both sides", func(t *testing.T) {
		opts := config.Default()
		opts.ClipCells = true
		opts.IncludeAllIntersectingCells = true
		results := mustExecute(t, distributors(2, opts), grid)
		for rank, res := range results {
			m := res.Mesh
			require.NoError(t, m.Validate())
			assert.True(t, res.Clipped, "rank %d", rank)
			assert.False(t, m.PointData.Has(globalid.PointIdNames[0]))
			assert.False(t, m.CellData.Has(globalid.CellIdNames[0]))
			assert.InDelta(t, 1.5, volume(m), 1e-12, "rank %d keeps exactly its half", rank)
			region := res.Layout.OwnedBy(rank)[0].Bounds
			for _, p := range m.Points {
				assert.GreaterOrEqual(t, p.X, region.Min.X-1e-12)
				assert.LessOrEqual(t, p.X, region.Max.X+1e-12)
			}
		}
	})
}

func TestRetainPartition(t *testing.T) {
	grid := mesh.StructuredHexGrid(cubeBounds, 2, 2, 2)
	for _, retain := range []bool{true, false} {
		opts := config.Default()
		opts.RetainPartition = retain
		ds := distributors(2, opts)
		first := mustExecute(t, ds, grid)
		second := mustExecute(t, ds, grid)
		for rank := range ds {
			if retain {
				assert.Same(t, first[rank].Layout, second[rank].Layout)
			} else {
				assert.NotSame(t, first[rank].Layout, second[rank].Layout)
				assert.True(t, first[rank].Layout.Equal(second[rank].Layout))
			}
			assert.NotEqual(t, first[rank].RunID, second[rank].RunID)
		}
	}

	// changed bounds force a new layout
	opts := config.Default()
	opts.RetainPartition = true
	ds := distributors(2, opts)
	first := mustExecute(t, ds, grid)
	moved := mesh.StructuredHexGrid(mesh.Bounds{Max: r3.Vec{X: 3, Y: 1, Z: 1}}, 2, 2, 2)
	second := mustExecute(t, ds, moved)
	assert.NotSame(t, first[0].Layout, second[0].Layout)
}

func TestSingleProcess(t *testing.T) {
	opts := config.Default()
	opts.GhostLevels = 2
	opts.ClipCells = true
	grid := mesh.StructuredTetGrid(cubeBounds, 2, 1, 1)
	results := mustExecute(t, distributors(1, opts), grid)

	m := results[0].Mesh
	assert.Equal(t, grid.NumCells(), m.NumCells())
	assert.Equal(t, grid.NumPoints(), m.NumPoints())
	assert.Equal(t, grid.NumCells(), results[0].Stats.Kept)
	assert.True(t, m.PointData.Has(globalid.PointIdNames[0]))
	levels := m.CellData.Get(ghost.LevelArray)
	require.NotNil(t, levels)
	for c := range m.Cells {
		assert.Equal(t, int64(0), levels.Int(c, 0))
	}
	assert.Equal(t, []Phase{{Name: "global ids", Duration: results[0].Timing[0].Duration}}, results[0].Timing)
}

type fixedOracle struct {
	layout *partitions.Layout
}

func (o fixedOracle) RegionsFor(mesh.Bounds) (*partitions.Layout, error) {
	return o.layout, nil
}

type failingOracle struct{}

func (failingOracle) RegionsFor(mesh.Bounds) (*partitions.Layout, error) {
	return nil, fmt.Errorf("no regions today")
}

func TestFailures(t *testing.T) {
	grid := mesh.StructuredHexGrid(cubeBounds, 2, 1, 1)

	t.Run("layout for the wrong number of ranks", func(t *testing.T) {
		layout, err := partitions.BisectionOracle{NumRanks: 3}.RegionsFor(cubeBounds)
		require.NoError(t, err)
		ds := distributors(2, config.Default())
		for _, d := range ds {
			d.Oracle = fixedOracle{layout}
		}
		results, errs := execute(t, ds, grid)
		for rank, err := range errs {
			assert.True(t, errors.Is(err, diag.ErrPartitionFailure), "rank %d: %v", rank, err)
			assert.True(t, diag.KindOf(err).Fatal())
			assert.Nil(t, results[rank])
		}
	})

	t.Run("oracle error", func(t *testing.T) {
		ds := distributors(2, config.Default())
		for _, d := range ds {
			d.Oracle = failingOracle{}
		}
		results, errs := execute(t, ds, grid)
		for rank, err := range errs {
			assert.True(t, errors.Is(err, diag.ErrPartitionFailure), "rank %d: %v", rank, err)
			assert.ErrorContains(t, err, "no regions today")
			assert.Nil(t, results[rank])
		}
	})

	t.Run("invalid options", func(t *testing.T) {
		opts := config.Default()
		opts.GhostLevels = -1
		_, errs := execute(t, distributors(2, opts), grid)
		for _, err := range errs {
			assert.Error(t, err)
		}
	})

	t.Run("invalid configured id array", func(t *testing.T) {
		g := grid.Clone()
		g.PointData.Set(mesh.NewConstantArray("Ids", mesh.Float64, g.NumPoints(), 1))
		opts := config.Default()
		opts.GlobalIdArray = "Ids"
		_, errs := execute(t, distributors(2, opts), g)
		for rank, err := range errs {
			assert.True(t, errors.Is(err, diag.ErrInvalidIdArray), "rank %d: %v", rank, err)
		}
	})
}

func TestEmptyInput(t *testing.T) {
	opts := config.Default()
	opts.GhostLevels = 1
	results, errs := executeParts(distributors(3, opts), []*mesh.Mesh{mesh.New(), mesh.New(), mesh.New()})
	requireNoErrors(t, errs)
	for rank, res := range results {
		require.NotNil(t, res, "rank %d", rank)
		assert.Equal(t, 0, res.Mesh.NumCells())
		assert.Equal(t, 0, res.Mesh.NumPoints())
		assert.Nil(t, res.Layout)
		assert.Equal(t, 0, res.Diagnostics.Len())
		assert.Equal(t, 0, res.Stats.Kept+res.Stats.Received)
		assert.True(t, res.Mesh.CellData.Has(ghost.LevelArray))
		assert.Equal(t, results[0].RunID, res.RunID)
	}
}

// nearlyShared returns two unit hexes whose common face differs by offset
func nearlyShared(offset float64) []*mesh.Mesh {
	left := mesh.StructuredHexGrid(mesh.Bounds{Min: r3.Vec{X: -1}, Max: r3.Vec{Y: 1, Z: 1}}, 1, 1, 1)
	right := mesh.StructuredHexGrid(mesh.Bounds{Max: r3.Vec{X: 1, Y: 1, Z: 1}}, 1, 1, 1)
	for i, p := range right.Points {
		if p.X == 0 {
			right.Points[i].X = offset
		}
	}
	return []*mesh.Mesh{left, right}
}

func TestPointTolerance(t *testing.T) {
	distinctIds := func(results []*Result) int {
		ids := make(map[int64]bool)
		for _, res := range results {
			a := res.Mesh.PointData.Get(globalid.PointIdNames[0])
			for i := 0; i < a.Len(); i++ {
				ids[a.Int(i, 0)] = true
			}
		}
		return len(ids)
	}

	t.Run("exact", func(t *testing.T) {
		opts := config.Default()
		opts.PointTolerance = 0
		results, errs := executeParts(distributors(2, opts), nearlyShared(1e-9))
		requireNoErrors(t, errs)
		assert.Equal(t, 16, distinctIds(results))
	})

	t.Run("within tolerance", func(t *testing.T) {
		opts := config.Default()
		opts.GhostLevels = 1
		results, errs := executeParts(distributors(2, opts), nearlyShared(1e-9))
		requireNoErrors(t, errs)
		assert.Equal(t, 12, distinctIds(results))
		for rank, res := range results {
			assert.Equal(t, 2, res.Mesh.NumCells(), "rank %d ghosts the other hex", rank)
			assert.Equal(t, 12, res.Mesh.NumPoints(), "rank %d shares the common face", rank)
			assert.Equal(t, 0, res.Diagnostics.Len(), res.Diagnostics.Summary())
		}
	})
}
