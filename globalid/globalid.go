// Package globalid makes sure a distributed mesh carries global point and
// cell identifiers, adopting existing id arrays or synthesizing ids that are
// identical on every rank for geometrically identical points.
package globalid

import (
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/notargets/DGDistribute/comm"
	"github.com/notargets/DGDistribute/diag"
	"github.com/notargets/DGDistribute/mesh"
	"gonum.org/v1/gonum/spatial/r3"
)

// Conventional array names, searched in order when no name is configured
var (
	PointIdNames = []string{"GlobalNodeIds", "GlobalNodeId", "GlobalPointIds", "GlobalIds"}
	CellIdNames  = []string{"GlobalCellIds", "GlobalElementIds", "GlobalCellId"}
)

const (
	tagPoint = 100
	tagCell  = 110
)

// Resolver ensures global ids on a mesh. All of its methods are collective.
type Resolver struct {
	Comm       comm.Communicator
	PointArray string  // Configured point id array name, searched first
	CellArray  string  // Configured cell id array name, searched first
	Tolerance  float64 // Points closer than this share a synthesized id, 0 for exact equality
	Logger     *log.Logger
}

// role captures what differs between point and cell ids
type role struct {
	kind         string
	configured   string
	conventional []string
	tag          int
	shareEqual   bool // coincident keys share one id
	attrs        func(m *mesh.Mesh) *mesh.Attributes
	keys         func(m *mesh.Mesh) []r3.Vec
}

func (r *Resolver) pointRole() role {
	return role{
		kind:         "point",
		configured:   r.PointArray,
		conventional: PointIdNames,
		tag:          tagPoint,
		shareEqual:   true,
		attrs:        func(m *mesh.Mesh) *mesh.Attributes { return m.PointData },
		keys:         func(m *mesh.Mesh) []r3.Vec { return m.Points },
	}
}

func (r *Resolver) cellRole() role {
	return role{
		kind:         "cell",
		configured:   r.CellArray,
		conventional: CellIdNames,
		tag:          tagCell,
		attrs:        func(m *mesh.Mesh) *mesh.Attributes { return m.CellData },
		keys: func(m *mesh.Mesh) []r3.Vec {
			keys := make([]r3.Vec, m.NumCells())
			for c := range keys {
				keys[c] = m.CellCentroid(c)
			}
			return keys
		},
	}
}

func (ro role) names() []string {
	if ro.configured == "" {
		return ro.conventional
	}
	return append([]string{ro.configured}, ro.conventional...)
}

func (ro role) defaultName() string {
	if ro.configured != "" {
		return ro.configured
	}
	return ro.conventional[0]
}

// FindPointIds returns the point id array of m found under the configured
// name or a conventional one, or nil
func FindPointIds(m *mesh.Mesh, configured string) *mesh.Array {
	return find(m.PointData, role{configured: configured, conventional: PointIdNames})
}

// FindCellIds is FindPointIds for cell ids
func FindCellIds(m *mesh.Mesh, configured string) *mesh.Array {
	return find(m.CellData, role{configured: configured, conventional: CellIdNames})
}

func find(at *mesh.Attributes, ro role) *mesh.Array {
	for _, name := range ro.names() {
		if a := at.Get(name); a != nil {
			return a
		}
	}
	return nil
}

// EnsurePointIds returns the global point id array of m, adding one when the
// ranks do not all carry one already. Coincident points share an id.
func (r *Resolver) EnsurePointIds(ctx context.Context, m *mesh.Mesh) (*mesh.Array, error) {
	return r.ensure(ctx, m, r.pointRole())
}

// EnsureCellIds returns the global cell id array of m, adding one when the
// ranks do not all carry one already. Every cell gets its own id, ordered by
// centroid, then rank, then local index.
func (r *Resolver) EnsureCellIds(ctx context.Context, m *mesh.Mesh) (*mesh.Array, error) {
	return r.ensure(ctx, m, r.cellRole())
}

type status uint8

const (
	statusEmpty   status = iota // nothing to identify and no array
	statusMissing               // entities but no id array
	statusAdopt                 // usable id array
	statusInvalid               // id array of an unsupported type
)

type report struct {
	status status
	dtype  mesh.DataType
	name   string
}

func (rp report) encode() []byte {
	buf := []byte{byte(rp.status), byte(rp.dtype)}
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(rp.name)))
	return append(buf, rp.name...)
}

func decodeReport(buf []byte) (report, error) {
	if len(buf) < 4 {
		return report{}, fmt.Errorf("id status report of %d bytes", len(buf))
	}
	n := int(binary.LittleEndian.Uint16(buf[2:]))
	if 4+n != len(buf) {
		return report{}, fmt.Errorf("id status report name of %d bytes in %d", n, len(buf)-4)
	}
	return report{status: status(buf[0]), dtype: mesh.DataType(buf[1]), name: string(buf[4:])}, nil
}

func localReport(m *mesh.Mesh, ro role) report {
	a := find(ro.attrs(m), ro)
	switch {
	case a == nil && len(ro.keys(m)) == 0:
		return report{status: statusEmpty}
	case a == nil:
		return report{status: statusMissing}
	case !a.Type.IsInteger() || a.NumComponents != 1:
		return report{status: statusInvalid, dtype: a.Type, name: a.Name}
	}
	return report{status: statusAdopt, dtype: a.Type, name: a.Name}
}

func (r *Resolver) ensure(ctx context.Context, m *mesh.Mesh, ro role) (*mesh.Array, error) {
	me := r.Comm.Rank()
	local := localReport(m, ro)

	var reports []report
	if r.Comm.Size() == 1 {
		reports = []report{local}
	} else {
		raw, err := comm.AllGather(ctx, r.Comm, ro.tag, local.encode())
		if err != nil {
			return nil, err
		}
		reports = make([]report, len(raw))
		for rank, b := range raw {
			if reports[rank], err = decodeReport(b); err != nil {
				return nil, diag.Wrap(diag.CommunicationFailure, me, "global ids", err)
			}
		}
	}

	adopter, missing := -1, false
	for rank, rp := range reports {
		switch rp.status {
		case statusInvalid:
			return nil, diag.Errorf(diag.InvalidIdArray, rank, "global "+ro.kind+" ids",
				"array %q has unsupported type %s", rp.name, rp.dtype)
		case statusMissing:
			missing = true
		case statusAdopt:
			if adopter < 0 {
				adopter = rank
			}
		}
	}

	at := ro.attrs(m)
	if adopter >= 0 && !missing {
		name, dtype := reports[adopter].name, reports[adopter].dtype
		a := find(at, ro)
		switch {
		case a == nil:
			a = mesh.NewArray(name, dtype, 1)
			at.Set(a)
		case a.Name != name:
			at.Remove(a.Name)
			a = a.Clone()
			a.Name = name
			at.Set(a)
		}
		r.logf("adopted global %s ids %q", ro.kind, name)
		return a, nil
	}

	if adopter >= 0 {
		r.logf("global %s ids present on some ranks only, synthesizing", ro.kind)
	}
	if old := find(at, ro); old != nil {
		at.Remove(old.Name)
	}
	ids, err := r.synthesize(ctx, ro.keys(m), ro)
	if err != nil {
		return nil, err
	}
	a := mesh.NewArray(ro.defaultName(), mesh.Int64, 1)
	a.AppendInt(ids...)
	at.Set(a)
	r.logf("synthesized %d global %s ids %q", len(ids), ro.kind, a.Name)
	return a, nil
}

// synthesize gathers every rank's keys on rank 0, numbers them in
// (x, y, z, rank, index) order and scatters the ids back
func (r *Resolver) synthesize(ctx context.Context, keys []r3.Vec, ro role) ([]int64, error) {
	c := r.Comm
	if c.Size() == 1 {
		return r.assign([][]r3.Vec{keys}, ro)[0], nil
	}

	parts, err := comm.Gather(ctx, c, 0, ro.tag+1, encodeVecs(keys))
	if err != nil {
		return nil, err
	}
	var out [][]byte
	if c.Rank() == 0 {
		all := make([][]r3.Vec, len(parts))
		for rank, p := range parts {
			if all[rank], err = decodeVecs(p); err != nil {
				return nil, diag.Wrap(diag.CommunicationFailure, 0, "global ids",
					fmt.Errorf("keys from rank %d: %w", rank, err))
			}
		}
		for _, ids := range r.assign(all, ro) {
			out = append(out, comm.EncodeInts(ids))
		}
	}
	mine, err := comm.Scatter(ctx, c, 0, ro.tag+2, out)
	if err != nil {
		return nil, err
	}
	ids, err := comm.DecodeInts(mine)
	if err != nil {
		return nil, diag.Wrap(diag.CommunicationFailure, c.Rank(), "global ids", err)
	}
	if len(ids) != len(keys) {
		return nil, diag.Errorf(diag.CommunicationFailure, c.Rank(), "global ids",
			"received %d ids for %d %ss", len(ids), len(keys), ro.kind)
	}
	return ids, nil
}

func (r *Resolver) assign(keys [][]r3.Vec, ro role) [][]int64 {
	if ro.shareEqual {
		return AssignWithin(keys, r.Tolerance)
	}
	return Assign(keys, false)
}

// Assign numbers the keys of every rank densely from 0 in lexicographic
// coordinate order, then rank, then local index. With shareEqual, keys with
// identical coordinates get the same id.
func Assign(keys [][]r3.Vec, shareEqual bool) [][]int64 {
	recs, ids := sortedRecords(keys)
	id := int64(-1)
	for i, rec := range recs {
		if i == 0 || !shareEqual || rec.p != recs[i-1].p {
			id++
		}
		ids[rec.rank][rec.index] = id
	}
	return ids
}

type record struct {
	p           r3.Vec
	rank, index int
}

// sortedRecords flattens keys in Assign order and allocates the id slices
func sortedRecords(keys [][]r3.Vec) ([]record, [][]int64) {
	var recs []record
	ids := make([][]int64, len(keys))
	for rank, ks := range keys {
		ids[rank] = make([]int64, len(ks))
		for i, p := range ks {
			recs = append(recs, record{p: p, rank: rank, index: i})
		}
	}
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i], recs[j]
		switch {
		case a.p.X != b.p.X:
			return a.p.X < b.p.X
		case a.p.Y != b.p.Y:
			return a.p.Y < b.p.Y
		case a.p.Z != b.p.Z:
			return a.p.Z < b.p.Z
		case a.rank != b.rank:
			return a.rank < b.rank
		}
		return a.index < b.index
	})
	return recs, ids
}

func encodeVecs(vs []r3.Vec) []byte {
	buf := make([]byte, 0, 24*len(vs))
	for _, v := range vs {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.X))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.Y))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v.Z))
	}
	return buf
}

func decodeVecs(buf []byte) ([]r3.Vec, error) {
	if len(buf)%24 != 0 {
		return nil, fmt.Errorf("coordinate buffer of %d bytes", len(buf))
	}
	vs := make([]r3.Vec, len(buf)/24)
	for i := range vs {
		b := buf[24*i:]
		vs[i] = r3.Vec{
			X: math.Float64frombits(binary.LittleEndian.Uint64(b)),
			Y: math.Float64frombits(binary.LittleEndian.Uint64(b[8:])),
			Z: math.Float64frombits(binary.LittleEndian.Uint64(b[16:])),
		}
	}
	return vs, nil
}

func (r *Resolver) logf(format string, args ...interface{}) {
	if r.Logger == nil {
		return
	}
	r.Logger.Printf(format, args...)
}
