// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"encoding/gob"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
)

func init() {
	// Contributions travel as interface values between machines.
	gob.Register([][]float64{})
}

// Op is a reduction operator.
type Op int

const (
	// Sum adds contributions.
	Sum Op = iota
	// Min keeps the smallest contribution.
	Min
	// Max keeps the largest contribution.
	Max
)

func (op Op) String() string {
	switch op {
	case Sum:
		return "sum"
	case Min:
		return "min"
	case Max:
		return "max"
	default:
		return fmt.Sprintf("Op(%d)", int(op))
	}
}

func (op Op) reduceFloat64(x, y float64) float64 {
	switch op {
	case Min:
		return math.Min(x, y)
	case Max:
		return math.Max(x, y)
	default:
		return x + y
	}
}

func (op Op) reduceInt(x, y int) int {
	switch op {
	case Min:
		if y < x {
			return y
		}
		return x
	case Max:
		if y > x {
			return y
		}
		return x
	default:
		return x + y
	}
}

// A kind enumerates the collective operations.
type kind int

const (
	kindBarrier kind = iota
	kindAllReduceFloat64
	kindAllReduceInt
	kindBroadcast
	kindGather
	kindScatter
	kindAlltoallv
	kindAgree
)

// A collective names a collective operation and its parameters.
// Collectives are comparable, and are transmitted to the rendezvous
// of a Cluster.
type collective struct {
	Kind   kind
	Root   int
	Reduce Op
}

func (c collective) String() string {
	switch c.Kind {
	case kindBarrier:
		return "barrier"
	case kindAllReduceFloat64:
		return "allreduce.float64." + c.Reduce.String()
	case kindAllReduceInt:
		return "allreduce.int." + c.Reduce.String()
	case kindBroadcast:
		return fmt.Sprintf("bcast.float64.%d", c.Root)
	case kindGather:
		return fmt.Sprintf("gather.float64.%d", c.Root)
	case kindScatter:
		return fmt.Sprintf("scatter.float64.%d", c.Root)
	case kindAlltoallv:
		return "alltoallv"
	case kindAgree:
		return "agree"
	default:
		return fmt.Sprintf("collective(%d)", int(c.Kind))
	}
}

// Combine computes the per-rank results of the collective from the
// per-rank contributions, indexed by rank. It runs exactly once per
// round, while every rank is blocked in the call, and never returns
// slices aliasing its inputs.
func (c collective) combine(in []interface{}) ([]interface{}, error) {
	n := len(in)
	if c.Root < 0 || c.Root >= n {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("comm: %s: root out of range [0, %d)", c, n))
	}
	out := make([]interface{}, n)
	switch c.Kind {
	case kindBarrier:
	case kindAllReduceFloat64:
		acc := append([]float64(nil), float64s(in[0])...)
		for rank := 1; rank < n; rank++ {
			v := float64s(in[rank])
			if len(v) != len(acc) {
				return nil, lengthMismatch("allreduce", rank, len(v), len(acc))
			}
			for i := range acc {
				acc[i] = c.Reduce.reduceFloat64(acc[i], v[i])
			}
		}
		for rank := range out {
			out[rank] = append([]float64(nil), acc...)
		}
	case kindAllReduceInt:
		acc := append([]int(nil), ints(in[0])...)
		for rank := 1; rank < n; rank++ {
			v := ints(in[rank])
			if len(v) != len(acc) {
				return nil, lengthMismatch("allreduce", rank, len(v), len(acc))
			}
			for i := range acc {
				acc[i] = c.Reduce.reduceInt(acc[i], v[i])
			}
		}
		for rank := range out {
			out[rank] = append([]int(nil), acc...)
		}
	case kindBroadcast:
		data := float64s(in[c.Root])
		for rank := range out {
			out[rank] = append([]float64(nil), data...)
		}
	case kindGather:
		all := make([][]float64, n)
		for rank := range in {
			all[rank] = append([]float64(nil), float64s(in[rank])...)
		}
		out[c.Root] = all
	case kindScatter:
		parts := blocks(in[c.Root])
		if len(parts) != n {
			return nil, lengthMismatch("scatter", c.Root, len(parts), n)
		}
		for rank := range out {
			out[rank] = append([]float64(nil), parts[rank]...)
		}
	case kindAlltoallv:
		for dst := 0; dst < n; dst++ {
			recv := make([][]float64, n)
			for src := 0; src < n; src++ {
				send := blocks(in[src])
				if len(send) != n {
					return nil, lengthMismatch("alltoallv", src, len(send), n)
				}
				if block := send[dst]; len(block) > 0 {
					recv[src] = append([]float64(nil), block...)
				}
			}
			out[dst] = recv
		}
	case kindAgree:
		failed, first := -1, ""
		for rank := range in {
			if m, _ := in[rank].(string); m != "" {
				failed, first = rank, m
				break
			}
		}
		for rank := range out {
			if failed >= 0 {
				out[rank] = fmt.Sprintf("rank %d failed: %s", failed, first)
			} else {
				out[rank] = ""
			}
		}
	default:
		return nil, errors.E(errors.NotSupported, fmt.Sprintf("comm: unknown collective %s", c))
	}
	return out, nil
}

// Barrier blocks until every rank has called Barrier.
func (c *Comm) Barrier(ctx context.Context) error {
	_, err := c.collective(ctx, collective{Kind: kindBarrier}, nil)
	return err
}

// AllReduceFloat64s reduces vals element-wise across all ranks with
// op and returns the result on every rank. All ranks must contribute
// slices of the same length. Contributions are combined in rank
// order, so the result is identical on every rank and across runs.
func (c *Comm) AllReduceFloat64s(ctx context.Context, op Op, vals []float64) ([]float64, error) {
	c.stats.Incr("bytes", int64(8*len(vals)))
	out, err := c.collective(ctx, collective{Kind: kindAllReduceFloat64, Reduce: op}, vals)
	if err != nil {
		return nil, err
	}
	return float64s(out), nil
}

// AllReduceFloat64 reduces a single value across all ranks.
func (c *Comm) AllReduceFloat64(ctx context.Context, op Op, val float64) (float64, error) {
	out, err := c.AllReduceFloat64s(ctx, op, []float64{val})
	if err != nil {
		return 0, err
	}
	return out[0], nil
}

// AllReduceInts reduces vals element-wise across all ranks with op.
func (c *Comm) AllReduceInts(ctx context.Context, op Op, vals []int) ([]int, error) {
	c.stats.Incr("bytes", int64(8*len(vals)))
	out, err := c.collective(ctx, collective{Kind: kindAllReduceInt, Reduce: op}, vals)
	if err != nil {
		return nil, err
	}
	return ints(out), nil
}

// AllReduceInt reduces a single integer across all ranks.
func (c *Comm) AllReduceInt(ctx context.Context, op Op, val int) (int, error) {
	out, err := c.AllReduceInts(ctx, op, []int{val})
	if err != nil {
		return 0, err
	}
	return out[0], nil
}

// BroadcastFloat64s returns root's data on every rank. The data
// argument is ignored on other ranks.
func (c *Comm) BroadcastFloat64s(ctx context.Context, root int, data []float64) ([]float64, error) {
	if c.rank == root {
		c.stats.Incr("bytes", int64(8*len(data)*(c.size-1)))
	}
	out, err := c.collective(ctx, collective{Kind: kindBroadcast, Root: root}, data)
	if err != nil {
		return nil, err
	}
	return float64s(out), nil
}

// GatherFloat64s collects every rank's data on root, indexed by
// rank. Other ranks receive nil.
func (c *Comm) GatherFloat64s(ctx context.Context, root int, data []float64) ([][]float64, error) {
	if c.rank != root {
		c.stats.Incr("bytes", int64(8*len(data)))
	}
	out, err := c.collective(ctx, collective{Kind: kindGather, Root: root}, data)
	if err != nil {
		return nil, err
	}
	if c.rank != root {
		return nil, nil
	}
	return blocks(out), nil
}

// ScatterFloat64s delivers parts[r] from root to rank r. The parts
// argument is ignored on ranks other than root; on root it must have
// one entry per rank.
func (c *Comm) ScatterFloat64s(ctx context.Context, root int, parts [][]float64) ([]float64, error) {
	if c.rank == root {
		for rank, p := range parts {
			if rank != root {
				c.stats.Incr("bytes", int64(8*len(p)))
			}
		}
	}
	out, err := c.collective(ctx, collective{Kind: kindScatter, Root: root}, parts)
	if err != nil {
		return nil, err
	}
	return float64s(out), nil
}

// Alltoallv exchanges variable-sized blocks between every pair of
// ranks: send[r] is delivered to rank r, and the returned recv[r] is
// what rank r sent to this rank. Empty blocks are permitted.
func (c *Comm) Alltoallv(ctx context.Context, send [][]float64) ([][]float64, error) {
	if len(send) != c.size {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("comm.Alltoallv: %d send blocks for %d ranks", len(send), c.size))
	}
	for rank, block := range send {
		if rank != c.rank {
			c.stats.Incr("bytes", int64(8*len(block)))
		}
	}
	out, err := c.collective(ctx, collective{Kind: kindAlltoallv}, send)
	if err != nil {
		return nil, err
	}
	return blocks(out), nil
}

// Agree is a collective error check: if any rank passes a non-nil
// error, every rank returns an error. Ranks that passed nil receive
// an error of kind errors.Unavailable naming the lowest failing rank.
// Agree lets ranks act identically on failures that only some of
// them observed, instead of leaving the others blocked in a later
// collective.
func (c *Comm) Agree(ctx context.Context, err error) error {
	var msg string
	if err != nil {
		msg = err.Error()
	}
	out, cerr := c.collective(ctx, collective{Kind: kindAgree}, msg)
	if cerr != nil {
		return cerr
	}
	if err != nil {
		return err
	}
	if m, _ := out.(string); m != "" {
		return errors.E(errors.Unavailable, m)
	}
	return nil
}

// The helpers below unwrap contributions and results. A value that
// crossed a machine boundary as an empty slice may arrive as nil.

func float64s(v interface{}) []float64 {
	s, _ := v.([]float64)
	return s
}

func ints(v interface{}) []int {
	s, _ := v.([]int)
	return s
}

func blocks(v interface{}) [][]float64 {
	s, _ := v.([][]float64)
	return s
}

func lengthMismatch(op string, rank, got, want int) error {
	return errors.E(errors.Integrity, errors.Fatal,
		fmt.Sprintf("comm: %s: rank %d contributed %d elements, want %d", op, rank, got, want))
}
