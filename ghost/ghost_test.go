package ghost

import (
	"context"
	"testing"
	"time"

	"github.com/notargets/DGDistribute/comm"
	"github.com/notargets/DGDistribute/diag"
	"github.com/notargets/DGDistribute/globalid"
	"github.com/notargets/DGDistribute/mesh"
	"github.com/notargets/DGDistribute/partitions"
	"github.com/notargets/DGDistribute/redistribute"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

var cubeBounds = mesh.Bounds{Min: r3.Vec{X: -1}, Max: r3.Vec{X: 1, Y: 1, Z: 1}}

type rankResult struct {
	mesh  *mesh.Mesh
	diags diag.List
}

// ghosted distributes grid over n ranks and adds levels ghost layers
func ghosted(t *testing.T, grid *mesh.Mesh, n, levels int) ([]rankResult, *partitions.Layout) {
	t.Helper()
	results, layout, errs := runGhost(t, cubeBounds, grid, n, levels, nil)
	for rank, err := range errs {
		require.NoError(t, err, "rank %d", rank)
	}
	return results, layout
}

// runGhost is ghosted over the layout of bounds. When wrap is set, the ghost
// manager talks through the communicator it returns.
func runGhost(t *testing.T, bounds mesh.Bounds, grid *mesh.Mesh, n, levels int,
	wrap func(comm.Communicator) comm.Communicator) ([]rankResult, *partitions.Layout, []error) {
	t.Helper()
	layout, err := partitions.BisectionOracle{NumRanks: n}.RegionsFor(bounds)
	require.NoError(t, err)
	parts, err := partitions.Splitter{NumRanks: n, Strategy: partitions.RoundRobin}.Split(grid)
	require.NoError(t, err)

	results := make([]rankResult, n)
	w := comm.NewWorld(n, comm.WithTimeout(5*time.Second))
	errs := w.Run(context.Background(), func(ctx context.Context, c comm.Communicator) error {
		me := c.Rank()
		ids := &globalid.Resolver{Comm: c}
		if _, err := ids.EnsurePointIds(ctx, parts[me]); err != nil {
			return err
		}
		if _, err := ids.EnsureCellIds(ctx, parts[me]); err != nil {
			return err
		}
		m, _, err := (&redistribute.Redistributor{Comm: c}).Redistribute(ctx, parts[me], layout)
		if err != nil {
			return err
		}
		if wrap != nil {
			c = wrap(c)
		}
		g := &Manager{Comm: c, Diagnostics: &results[me].diags}
		results[me].mesh, err = g.AddGhostLayers(ctx, m, layout, levels)
		return err
	})
	return results, layout, errs
}

func levelsOf(a *mesh.Array) []int {
	out := make([]int, a.Len())
	for i := range out {
		out[i] = int(a.Int(i, 0))
	}
	return out
}

func TestCubeOneLevel(t *testing.T) {
	results, layout := ghosted(t, mesh.StructuredHexGrid(cubeBounds, 2, 3, 2), 2, 1)
	for rank, res := range results {
		m := res.mesh
		require.NoError(t, m.Validate())
		assert.Equal(t, 12, m.NumCells(), "rank %d holds its half plus the touching half", rank)
		assert.Equal(t, 36, m.NumPoints())
		cl := m.CellData.Get(LevelArray)
		require.NotNil(t, cl)
		assert.Equal(t, mesh.Uint8, cl.Type)
		for c := range m.Cells {
			want := 1
			if layout.OwnerOf(m.CellCentroid(c)) == rank {
				want = 0
			}
			assert.Equal(t, want, int(cl.Int(c, 0)), "rank %d cell %d", rank, c)
		}
		pl := m.PointData.Get(LevelArray)
		for p, pos := range m.Points {
			want := 1
			if (rank == 0 && pos.X <= 0) || (rank == 1 && pos.X >= 0) {
				want = 0
			}
			assert.Equal(t, want, int(pl.Int(p, 0)), "rank %d point %v", rank, pos)
		}
		assert.Equal(t, 0, res.diags.Len(), res.diags.Summary())
	}
}

func TestTwoLevels(t *testing.T) {
	results, _ := ghosted(t, mesh.StructuredHexGrid(cubeBounds, 4, 1, 1), 2, 2)
	r0 := results[0].mesh
	require.Equal(t, 4, r0.NumCells())
	byX := make(map[float64]int)
	cl := r0.CellData.Get(LevelArray)
	for c := range r0.Cells {
		byX[r0.CellCentroid(c).X] = int(cl.Int(c, 0))
	}
	assert.Equal(t, map[float64]int{-0.75: 0, -0.25: 0, 0.25: 1, 0.75: 2}, byX)

	pl := r0.PointData.Get(LevelArray)
	for p, pos := range r0.Points {
		want := 0
		switch pos.X {
		case 0.5:
			want = 1
		case 1:
			want = 2
		}
		assert.Equal(t, want, int(pl.Int(p, 0)), "point %v", pos)
	}
	for _, res := range results {
		assert.Equal(t, 0, res.diags.Len(), res.diags.Summary())
	}
}

func TestHaloSymmetry(t *testing.T) {
	// the middle column [-0.5,0.5] straddles the cut at x=0
	wide := mesh.Bounds{Min: r3.Vec{X: -1.5}, Max: r3.Vec{X: 1.5, Y: 1, Z: 1}}
	for _, tt := range []struct {
		name string
		grid *mesh.Mesh
	}{
		{"hex", mesh.StructuredHexGrid(wide, 3, 1, 1)},
		{"tet", mesh.StructuredTetGrid(wide, 3, 1, 1)},
	} {
		t.Run(tt.name, func(t *testing.T) {
			results, _, errs := runGhost(t, wide, tt.grid, 2, 1, nil)
			for rank, err := range errs {
				require.NoError(t, err, "rank %d", rank)
			}

			// owners of every point, by the ranks holding its cells at level 0
			owners := make(map[int64]map[int]bool)
			for rank, res := range results {
				m := res.mesh
				pids, cl := m.PointData.Get(globalid.PointIdNames[0]), m.CellData.Get(LevelArray)
				for c, cell := range m.Cells {
					if cl.Int(c, 0) != 0 {
						continue
					}
					for _, p := range cell.Points {
						gid := pids.Int(p, 0)
						if owners[gid] == nil {
							owners[gid] = make(map[int]bool)
						}
						owners[gid][rank] = true
					}
				}
			}

			// every owned cell is a ghost on each other rank owning one of its points
			for rank, res := range results {
				m := res.mesh
				pids, cids := m.PointData.Get(globalid.PointIdNames[0]), m.CellData.Get(globalid.CellIdNames[0])
				cl := m.CellData.Get(LevelArray)
				for c, cell := range m.Cells {
					if cl.Int(c, 0) != 0 {
						continue
					}
					for _, p := range cell.Points {
						for other := range owners[pids.Int(p, 0)] {
							if other == rank {
								continue
							}
							assert.True(t, hasCell(results[other].mesh, cids.Int(c, 0)),
								"cell %d of rank %d missing on rank %d", cids.Int(c, 0), rank, other)
						}
					}
				}
				assert.Equal(t, 0, res.diags.Count(diag.GhostResolutionFailure), res.diags.Summary())
			}
		})
	}

	t.Run("hex ghosts", func(t *testing.T) {
		results, _, errs := runGhost(t, wide, mesh.StructuredHexGrid(wide, 3, 1, 1), 2, 1, nil)
		for rank, err := range errs {
			require.NoError(t, err, "rank %d", rank)
		}
		// the middle cell belongs to rank 1 and is rank 0's ghost
		r0, r1 := results[0].mesh, results[1].mesh
		require.Equal(t, 2, r0.NumCells())
		require.Equal(t, 3, r1.NumCells())
		ghostX := func(m *mesh.Mesh) []float64 {
			var xs []float64
			cl := m.CellData.Get(LevelArray)
			for c := range m.Cells {
				if cl.Int(c, 0) == 1 {
					xs = append(xs, m.CellCentroid(c).X)
				}
			}
			return xs
		}
		assert.InDeltaSlice(t, []float64{0}, ghostX(r0), 1e-12)
		assert.InDeltaSlice(t, []float64{-1}, ghostX(r1), 1e-12)
	})
}

func hasCell(m *mesh.Mesh, gid int64) bool {
	ids := m.CellData.Get(globalid.CellIdNames[0])
	for c := range m.Cells {
		if ids.Int(c, 0) == gid {
			return true
		}
	}
	return false
}

// corruptRequests appends a stray byte to every ghost request rank 0 sends
type corruptRequests struct {
	comm.Communicator
}

func (c corruptRequests) Send(ctx context.Context, dest, tag int, data []byte) error {
	if tag == tagRequest && c.Rank() == 0 {
		data = append(data[:len(data):len(data)], 0)
	}
	return c.Communicator.Send(ctx, dest, tag, data)
}

func TestUndecodableRequestFails(t *testing.T) {
	results, _, errs := runGhost(t, cubeBounds, mesh.StructuredHexGrid(cubeBounds, 2, 1, 1), 2, 1,
		func(c comm.Communicator) comm.Communicator { return corruptRequests{c} })
	for rank, err := range errs {
		assert.ErrorIs(t, err, diag.ErrCommunicationFailure, "rank %d", rank)
		assert.Nil(t, results[rank].mesh)
	}
}

func TestLevelBounds(t *testing.T) {
	grid := mesh.StructuredTetGrid(cubeBounds, 6, 2, 2)
	for _, levels := range []int{0, 1, 2, 3} {
		results, _ := ghosted(t, grid, 3, levels)
		total := 0
		for rank, res := range results {
			m := res.mesh
			cl, pl := m.CellData.Get(LevelArray), m.PointData.Get(LevelArray)
			for _, l := range levelsOf(cl) {
				assert.LessOrEqual(t, l, levels, "rank %d", rank)
				if l == 0 {
					total++
				}
			}
			for _, l := range levelsOf(pl) {
				assert.LessOrEqual(t, l, levels)
				assert.NotEqual(t, Unset, l)
			}
			// ghost cells are unique on a rank
			seen := make(map[int64]bool)
			ids := m.CellData.Get(globalid.CellIdNames[0])
			for c := range m.Cells {
				assert.False(t, seen[ids.Int(c, 0)])
				seen[ids.Int(c, 0)] = true
			}
			assert.Equal(t, 0, res.diags.Count(diag.GhostResolutionFailure), res.diags.Summary())
		}
		assert.Equal(t, grid.NumCells(), total, "owned cells are conserved with %d levels", levels)
		if levels == 0 {
			for _, res := range results {
				assert.Equal(t, res.mesh.NumCells(), countLevel(res.mesh, 0))
			}
		}
	}
}

func countLevel(m *mesh.Mesh, level int) int {
	n := 0
	for _, l := range levelsOf(m.CellData.Get(LevelArray)) {
		if l == level {
			n++
		}
	}
	return n
}

func TestMissingIds(t *testing.T) {
	layout, err := partitions.BisectionOracle{NumRanks: 1}.RegionsFor(cubeBounds)
	require.NoError(t, err)
	g := &Manager{Comm: comm.NewWorld(1).Local(0)}
	_, err = g.AddGhostLayers(context.Background(), mesh.StructuredHexGrid(cubeBounds, 1, 1, 1), layout, 1)
	assert.Error(t, err)
}

func TestFixLevels(t *testing.T) {
	m := mesh.StructuredHexGrid(cubeBounds, 2, 1, 1)
	m.AddPoint(r3.Vec{X: 5})
	pl := mesh.NewConstantArray(LevelArray, mesh.Uint8, m.NumPoints(), Unset)
	cl := mesh.NewArray(LevelArray, mesh.Uint8, 1)
	cl.AppendInt(2, 1)
	m.PointData.Set(pl)
	m.CellData.Set(cl)
	pl.SetInt(0, 0, 0)

	FixLevels(m)
	got := levelsOf(pl)
	assert.Equal(t, 0, got[0], "assigned levels are kept")
	assert.Equal(t, 2, got[3], "x=-1 corner only in cell 0")
	assert.Equal(t, 1, got[1], "shared points take the lowest level")
	assert.Equal(t, 0, got[len(got)-1], "unused point")
}
