package globalid

import (
	"context"
	"testing"
	"time"

	"github.com/notargets/DGDistribute/comm"
	"github.com/notargets/DGDistribute/diag"
	"github.com/notargets/DGDistribute/mesh"
	"github.com/notargets/DGDistribute/partitions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
)

var cubeBounds = mesh.Bounds{Min: r3.Vec{X: -1}, Max: r3.Vec{X: 1, Y: 1, Z: 1}}

// splitCube scatters the 12 hex cube round robin over n ranks
func splitCube(t *testing.T, n int) []*mesh.Mesh {
	t.Helper()
	parts, err := partitions.Splitter{NumRanks: n, Strategy: partitions.RoundRobin}.
		Split(mesh.StructuredHexGrid(cubeBounds, 2, 3, 2))
	require.NoError(t, err)
	return parts
}

func runRanks(t *testing.T, meshes []*mesh.Mesh,
	fn func(ctx context.Context, r *Resolver, m *mesh.Mesh) error) []error {
	t.Helper()
	w := comm.NewWorld(len(meshes), comm.WithTimeout(5*time.Second))
	return w.Run(context.Background(), func(ctx context.Context, c comm.Communicator) error {
		return fn(ctx, &Resolver{Comm: c}, meshes[c.Rank()])
	})
}

// idsByPoint maps coordinates to ids across all meshes, failing on conflicts
func idsByPoint(t *testing.T, meshes []*mesh.Mesh, name string) map[r3.Vec]int64 {
	t.Helper()
	byPoint := make(map[r3.Vec]int64)
	for rank, m := range meshes {
		ids := m.PointData.Get(name)
		require.NotNil(t, ids, "rank %d", rank)
		for i, p := range m.Points {
			id := ids.Int(i, 0)
			if prev, ok := byPoint[p]; ok {
				assert.Equal(t, prev, id, "coincident point %v", p)
			}
			byPoint[p] = id
		}
	}
	return byPoint
}

func TestAssign(t *testing.T) {
	keys := [][]r3.Vec{
		{{X: 1}, {X: 0, Y: 2}, {X: 0, Y: 1}},
		{{X: 0, Y: 1}, {X: -1}},
	}
	assert.Equal(t, [][]int64{{3, 2, 1}, {1, 0}}, Assign(keys, true))
	assert.Equal(t, [][]int64{{4, 3, 1}, {2, 0}}, Assign(keys, false))
	assert.Equal(t, [][]int64{{}, {}}, Assign([][]r3.Vec{nil, nil}, true))
}

func TestAssignWithin(t *testing.T) {
	keys := [][]r3.Vec{
		{{X: 0}, {X: 1}, {X: 1e-9}},
		{{X: 1 + 1e-9}, {X: 2}},
	}
	assert.Equal(t, [][]int64{{0, 1, 0}, {1, 2}}, AssignWithin(keys, 1e-6))
	assert.Equal(t, Assign(keys, true), AssignWithin(keys, 0))

	// a key joins the first seed within reach, not a chain of neighbors
	chain := [][]r3.Vec{{{X: 0}, {X: 0.6}, {X: 1.2}}}
	assert.Equal(t, [][]int64{{0, 0, 1}}, AssignWithin(chain, 1))

	assert.Equal(t, [][]int64{{}}, AssignWithin([][]r3.Vec{nil}, 1))
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

func TestSynthesizeWithinTolerance(t *testing.T) {
	for _, tt := range []struct {
		name      string
		tolerance float64
		distinct  int
	}{
		{"exact", 0, 16},
		{"within tolerance", 1e-6, 12},
	} {
		t.Run(tt.name, func(t *testing.T) {
			meshes := nearlyShared(1e-9)
			errs := runRanks(t, meshes, func(ctx context.Context, r *Resolver, m *mesh.Mesh) error {
				r.Tolerance = tt.tolerance
				_, err := r.EnsurePointIds(ctx, m)
				return err
			})
			for _, err := range errs {
				require.NoError(t, err)
			}
			distinct := make(map[int64]bool)
			for _, m := range meshes {
				ids := m.PointData.Get(PointIdNames[0])
				for i := range m.Points {
					distinct[ids.Int(i, 0)] = true
				}
			}
			assert.Len(t, distinct, tt.distinct)
		})
	}
}

func TestSynthesizePointIds(t *testing.T) {
	for _, n := range []int{1, 2, 3} {
		meshes := splitCube(t, n)
		errs := runRanks(t, meshes, func(ctx context.Context, r *Resolver, m *mesh.Mesh) error {
			a, err := r.EnsurePointIds(ctx, m)
			if err != nil {
				return err
			}
			if a.Name != PointIdNames[0] || a.Type != mesh.Int64 {
				t.Errorf("unexpected id array %q %s", a.Name, a.Type)
			}
			return nil
		})
		for _, err := range errs {
			require.NoError(t, err)
		}
		byPoint := idsByPoint(t, meshes, PointIdNames[0])
		assert.Len(t, byPoint, 3*4*3, "N=%d", n)

		// ids are dense and follow lexicographic coordinate order
		seen := make(map[int64]bool)
		for p, id := range byPoint {
			seen[id] = true
			for q, other := range byPoint {
				less := p.X < q.X || (p.X == q.X && (p.Y < q.Y || (p.Y == q.Y && p.Z < q.Z)))
				if less {
					assert.Less(t, id, other)
				}
			}
		}
		for id := int64(0); id < int64(len(byPoint)); id++ {
			assert.True(t, seen[id], "id %d missing", id)
		}
	}
}

func TestSynthesisDeterministic(t *testing.T) {
	run := func() []*mesh.Mesh {
		meshes := splitCube(t, 3)
		errs := runRanks(t, meshes, func(ctx context.Context, r *Resolver, m *mesh.Mesh) error {
			if _, err := r.EnsurePointIds(ctx, m); err != nil {
				return err
			}
			_, err := r.EnsureCellIds(ctx, m)
			return err
		})
		for _, err := range errs {
			require.NoError(t, err)
		}
		return meshes
	}
	a, b := run(), run()
	for rank := range a {
		assert.True(t, a[rank].PointData.Get(PointIdNames[0]).Equal(b[rank].PointData.Get(PointIdNames[0])))
		assert.True(t, a[rank].CellData.Get(CellIdNames[0]).Equal(b[rank].CellData.Get(CellIdNames[0])))
	}
}

func TestCellIdsUnique(t *testing.T) {
	meshes := splitCube(t, 2)
	// a duplicated cell still gets its own id
	meshes[1].Cells = append(meshes[1].Cells, meshes[1].Cells[0].Clone())
	errs := runRanks(t, meshes, func(ctx context.Context, r *Resolver, m *mesh.Mesh) error {
		_, err := r.EnsureCellIds(ctx, m)
		return err
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
	seen := make(map[int64]bool)
	for _, m := range meshes {
		ids := m.CellData.Get(CellIdNames[0])
		for c := 0; c < m.NumCells(); c++ {
			id := ids.Int(c, 0)
			assert.False(t, seen[id], "cell id %d reused", id)
			seen[id] = true
		}
	}
	assert.Len(t, seen, 13)
}

func TestAdoptExisting(t *testing.T) {
	meshes := splitCube(t, 3)
	// rank 2 holds nothing and must still end up with the adopted array
	meshes[2] = mesh.New()
	for rank, m := range meshes[:2] {
		name := "GlobalIds"
		if rank == 1 {
			name = "GlobalPointIds"
		}
		ids := mesh.NewArray(name, mesh.Int16, 1)
		for i := range m.Points {
			ids.AppendInt(int64(1000*rank + i))
		}
		m.PointData.Set(ids)
	}
	errs := runRanks(t, meshes, func(ctx context.Context, r *Resolver, m *mesh.Mesh) error {
		a, err := r.EnsurePointIds(ctx, m)
		if err != nil {
			return err
		}
		if a.Name != "GlobalIds" {
			t.Errorf("adopted %q", a.Name)
		}
		return nil
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1003), meshes[1].PointData.Get("GlobalIds").Int(3, 0), "values are kept")
	assert.False(t, meshes[1].PointData.Has("GlobalPointIds"))
	empty := meshes[2].PointData.Get("GlobalIds")
	require.NotNil(t, empty)
	assert.Equal(t, 0, empty.Len())
	assert.Equal(t, mesh.Int16, empty.Type)
}

func TestConfiguredName(t *testing.T) {
	m := mesh.StructuredHexGrid(cubeBounds, 1, 1, 1)
	m.PointData.Set(mesh.NewConstantArray("GlobalIds", mesh.Int32, m.NumPoints(), 1))
	mine := mesh.NewArray("MyIds", mesh.Uint8, 1)
	for i := range m.Points {
		mine.AppendInt(int64(i))
	}
	m.PointData.Set(mine)

	r := &Resolver{Comm: comm.NewWorld(1).Local(0), PointArray: "MyIds"}
	a, err := r.EnsurePointIds(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, "MyIds", a.Name)
	assert.Same(t, mine, a)
	assert.Same(t, mine, FindPointIds(m, "MyIds"))
	assert.Nil(t, FindCellIds(m, ""))
}

func TestInvalidIdArray(t *testing.T) {
	meshes := splitCube(t, 2)
	meshes[0].PointData.Set(mesh.NewConstantArray("GlobalIds", mesh.Int64, meshes[0].NumPoints(), 0))
	meshes[1].PointData.Set(mesh.NewConstantArray("GlobalIds", mesh.Float64, meshes[1].NumPoints(), 0))
	errs := runRanks(t, meshes, func(ctx context.Context, r *Resolver, m *mesh.Mesh) error {
		_, err := r.EnsurePointIds(ctx, m)
		return err
	})
	for rank, err := range errs {
		assert.ErrorIs(t, err, diag.ErrInvalidIdArray, "rank %d", rank)
	}
}

func TestMixedPresenceSynthesizes(t *testing.T) {
	meshes := splitCube(t, 2)
	meshes[0].PointData.Set(mesh.NewConstantArray("GlobalNodeId", mesh.Int32, meshes[0].NumPoints(), 5))
	errs := runRanks(t, meshes, func(ctx context.Context, r *Resolver, m *mesh.Mesh) error {
		_, err := r.EnsurePointIds(ctx, m)
		return err
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.False(t, meshes[0].PointData.Has("GlobalNodeId"))
	assert.Len(t, idsByPoint(t, meshes, PointIdNames[0]), 36)
}

func TestEmptyEverywhere(t *testing.T) {
	meshes := []*mesh.Mesh{mesh.New(), mesh.New()}
	errs := runRanks(t, meshes, func(ctx context.Context, r *Resolver, m *mesh.Mesh) error {
		a, err := r.EnsurePointIds(ctx, m)
		if err == nil && a.Len() != 0 {
			t.Errorf("ids for an empty mesh")
		}
		return err
	})
	for _, err := range errs {
		require.NoError(t, err)
	}
}
