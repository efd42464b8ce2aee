package comm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/notargets/DGDistribute/diag"
)

// Op is an elementwise reduction
type Op uint8

const (
	Sum Op = iota
	Min
	Max
)

func (op Op) ints(a, b int64) int64 {
	switch op {
	case Min:
		if b < a {
			return b
		}
		return a
	case Max:
		if b > a {
			return b
		}
		return a
	}
	return a + b
}

func (op Op) floats(a, b float64) float64 {
	switch op {
	case Min:
		return math.Min(a, b)
	case Max:
		return math.Max(a, b)
	}
	return a + b
}

// AllReduceInt64 reduces vals elementwise across all ranks with op and returns
// the result on every rank. Every rank must pass the same length.
func AllReduceInt64(ctx context.Context, c Communicator, tag int, vals []int64, op Op) ([]int64, error) {
	acc, err := FanIn(ctx, c, 0, tag, EncodeInts(vals), func(acc, in []byte) ([]byte, error) {
		a, err := DecodeInts(acc)
		if err != nil {
			return nil, err
		}
		b, err := DecodeInts(in)
		if err != nil {
			return nil, err
		}
		if len(a) != len(b) {
			return nil, fmt.Errorf("all-reduce length mismatch: %d vs %d", len(a), len(b))
		}
		for i := range a {
			a[i] = op.ints(a[i], b[i])
		}
		return EncodeInts(a), nil
	})
	if err != nil {
		return nil, err
	}
	if acc, err = Broadcast(ctx, c, 0, tag, acc); err != nil {
		return nil, err
	}
	return DecodeInts(acc)
}

// AllReduceFloat64 is AllReduceInt64 for float64 vectors
func AllReduceFloat64(ctx context.Context, c Communicator, tag int, vals []float64, op Op) ([]float64, error) {
	bits := make([]int64, len(vals))
	for i, v := range vals {
		bits[i] = int64(math.Float64bits(v))
	}
	acc, err := FanIn(ctx, c, 0, tag, EncodeInts(bits), func(acc, in []byte) ([]byte, error) {
		a, err := DecodeInts(acc)
		if err != nil {
			return nil, err
		}
		b, err := DecodeInts(in)
		if err != nil {
			return nil, err
		}
		if len(a) != len(b) {
			return nil, fmt.Errorf("all-reduce length mismatch: %d vs %d", len(a), len(b))
		}
		for i := range a {
			r := op.floats(math.Float64frombits(uint64(a[i])), math.Float64frombits(uint64(b[i])))
			a[i] = int64(math.Float64bits(r))
		}
		return EncodeInts(a), nil
	})
	if err != nil {
		return nil, err
	}
	if acc, err = Broadcast(ctx, c, 0, tag, acc); err != nil {
		return nil, err
	}
	bits, err = DecodeInts(acc)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(bits))
	for i, b := range bits {
		out[i] = math.Float64frombits(uint64(b))
	}
	return out, nil
}

// AgreeOnError makes every rank return the same outcome for a step that may
// have failed locally on some ranks. When no rank failed it returns nil.
// Otherwise every rank returns an error carrying the kind reported by the
// lowest failing rank; that rank gets its own error back unchanged.
func AgreeOnError(ctx context.Context, c Communicator, tag int, err error) error {
	var local []byte
	if err != nil {
		local = append(local, 1, byte(diag.KindOf(err)))
		local = binary.LittleEndian.AppendUint32(local, uint32(len(err.Error())))
		local = append(local, err.Error()...)
	} else {
		local = []byte{0}
	}
	all, cerr := AllGather(ctx, c, tag, local)
	if cerr != nil {
		if err != nil {
			return errors.Join(err, cerr)
		}
		return cerr
	}
	for r, b := range all {
		if len(b) == 0 || b[0] == 0 {
			continue
		}
		if r == c.Rank() {
			return err
		}
		if len(b) < 6 {
			return diag.Errorf(diag.CommunicationFailure, c.Rank(), "agree",
				"malformed error report from rank %d", r)
		}
		kind := diag.Kind(b[1])
		n := int(binary.LittleEndian.Uint32(b[2:]))
		if 6+n > len(b) {
			n = len(b) - 6
		}
		return &diag.Error{Kind: kind, Rank: r, Op: "remote", Err: errors.New(string(b[6 : 6+n]))}
	}
	return nil
}
