// Package comm provides the collective transport used to redistribute a mesh:
// a rank/size communicator with tagged point to point messages, the pairwise
// exchange and fan-in tree built on it, and an in-process World that runs
// every rank as a goroutine.
//
// All calls are blocking. Every rank must make the same sequence of
// collective calls; a rank that diverges is reported as a
// CommunicationFailure once the transport timeout expires.
package comm

import (
	"context"
	"fmt"

	"github.com/notargets/DGDistribute/diag"
)

// Communicator is a group of Size() cooperating ranks. Send and Receive are
// matched by (peer, tag); messages between a pair of ranks with equal tags
// are delivered in send order.
type Communicator interface {
	Rank() int
	Size() int
	Send(ctx context.Context, dest, tag int, data []byte) error
	Receive(ctx context.Context, src, tag int) ([]byte, error)
}

// Aborter is implemented by communicators that can fail every rank at once
type Aborter interface {
	Abort(err error)
}

// Abort aborts c when it supports it
func Abort(c Communicator, err error) {
	if a, ok := c.(Aborter); ok {
		a.Abort(err)
	}
}

// Exchange swaps out for the peer's buffer. Both ranks must call Exchange
// with each other and the same tag. Exchanging with oneself returns out.
func Exchange(ctx context.Context, c Communicator, peer, tag int, out []byte) ([]byte, error) {
	if peer == c.Rank() {
		return out, nil
	}
	if err := checkPeer(c, peer, "exchange"); err != nil {
		return nil, err
	}
	if err := c.Send(ctx, peer, tag, out); err != nil {
		return nil, err
	}
	return c.Receive(ctx, peer, tag)
}

func checkPeer(c Communicator, peer int, op string) error {
	if peer < 0 || peer >= c.Size() {
		return diag.Errorf(diag.CommunicationFailure, c.Rank(), op,
			"peer %d out of range [0,%d)", peer, c.Size())
	}
	return nil
}

// Combiner merges an incoming contribution into the accumulated one. The
// accumulated value always holds contributions of lower relative ranks than
// incoming.
type Combiner func(acc, incoming []byte) ([]byte, error)

// FanIn reduces data from every rank onto root along an implicit binary tree
// over ranks relative to root: in round s (s = 1, 2, 4, ...) relative rank r
// with r%(2s) == s sends its accumulation to r-s and drops out. Every rank
// contributes exactly once and the tree has ceil(log2 N) rounds. The result
// is returned on root only; other ranks get nil.
func FanIn(ctx context.Context, c Communicator, root, tag int, data []byte, combine Combiner) ([]byte, error) {
	n, me := c.Size(), c.Rank()
	if err := checkPeer(c, root, "fan-in"); err != nil {
		return nil, err
	}
	rel := (me - root + n) % n
	acc := data
	for step := 1; step < n; step *= 2 {
		switch rel % (2 * step) {
		case 0:
			partner := rel + step
			if partner >= n {
				continue
			}
			in, err := c.Receive(ctx, (partner+root)%n, tag)
			if err != nil {
				return nil, err
			}
			if acc, err = combine(acc, in); err != nil {
				// release the ranks still waiting on this branch of the tree
				err = diag.Wrap(diag.CommunicationFailure, me, "fan-in", fmt.Errorf("combine: %w", err))
				Abort(c, err)
				return nil, err
			}
		case step:
			if err := c.Send(ctx, (rel-step+root)%n, tag, acc); err != nil {
				return nil, err
			}
			return nil, nil
		}
	}
	return acc, nil
}

// Broadcast distributes root's data to every rank along the reverse of the
// fan-in tree
func Broadcast(ctx context.Context, c Communicator, root, tag int, data []byte) ([]byte, error) {
	n, me := c.Size(), c.Rank()
	if err := checkPeer(c, root, "broadcast"); err != nil {
		return nil, err
	}
	rel := (me - root + n) % n
	top := 1
	for top < n {
		top *= 2
	}
	for step := top / 2; step >= 1; step /= 2 {
		switch rel % (2 * step) {
		case 0:
			if rel+step < n {
				if err := c.Send(ctx, (rel+step+root)%n, tag, data); err != nil {
					return nil, err
				}
			}
		case step:
			in, err := c.Receive(ctx, (rel-step+root)%n, tag)
			if err != nil {
				return nil, err
			}
			data = in
		}
	}
	return data, nil
}

// Gather collects every rank's data on root, indexed by rank. Non-root ranks
// get nil.
func Gather(ctx context.Context, c Communicator, root, tag int, data []byte) ([][]byte, error) {
	acc, err := FanIn(ctx, c, root, tag, appendFrame(nil, c.Rank(), data),
		func(acc, in []byte) ([]byte, error) { return append(acc, in...), nil })
	if err != nil || acc == nil {
		return nil, err
	}
	return splitFrames(acc, c.Size())
}

// Scatter sends parts[i] from root to rank i and returns this rank's part.
// parts is only read on root.
func Scatter(ctx context.Context, c Communicator, root, tag int, parts [][]byte) ([]byte, error) {
	n, me := c.Size(), c.Rank()
	if err := checkPeer(c, root, "scatter"); err != nil {
		return nil, err
	}
	if me != root {
		return c.Receive(ctx, root, tag)
	}
	if len(parts) != n {
		return nil, fmt.Errorf("scatter: %d parts for %d ranks", len(parts), n)
	}
	for r := 0; r < n; r++ {
		if r == root {
			continue
		}
		if err := c.Send(ctx, r, tag, parts[r]); err != nil {
			return nil, err
		}
	}
	return parts[root], nil
}

// AllGather returns every rank's data on every rank, indexed by rank
func AllGather(ctx context.Context, c Communicator, tag int, data []byte) ([][]byte, error) {
	parts, err := Gather(ctx, c, 0, tag, data)
	if err != nil {
		return nil, err
	}
	var packed []byte
	if c.Rank() == 0 {
		for r, p := range parts {
			packed = appendFrame(packed, r, p)
		}
	}
	if packed, err = Broadcast(ctx, c, 0, tag, packed); err != nil {
		return nil, err
	}
	return splitFrames(packed, c.Size())
}
