// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package comm implements the message-passing collectives used by
// the distributed grid packages. A world is a fixed set of ranks;
// each rank holds a Comm and must issue the same sequence of
// collective calls as every other rank. Collectives block until all
// ranks have reached the matching call; there are no timeouts, but a
// blocked call returns when its context is done.
//
// Two kinds of worlds are provided. A World runs every rank in its
// own goroutine within one process (see Run). A Cluster runs every
// rank on its own bigmachine machine, and thus in its own process,
// with collectives performed by a rendezvous service on the first
// machine. Ranks never share memory through the package: every value
// handed to a collective is copied before it is delivered to another
// rank.
package comm

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gridslice/stats"
	"golang.org/x/sync/errgroup"
)

// An exchanger performs the rendezvous of one collective round on
// behalf of a rank.
type exchanger interface {
	exchange(ctx context.Context, seq uint64, rank int, coll collective, in interface{}) (interface{}, error)
}

// A World is a set of ranks, each run in its own goroutine, that
// communicate through collectives.
type World struct {
	size  int
	stats *stats.Map
	rv    *rendezvous
}

// NewWorld returns a world with the provided number of ranks.
func NewWorld(size int) *World {
	if size <= 0 {
		log.Panicf("comm.NewWorld: invalid size %d", size)
	}
	return &World{
		size:  size,
		stats: stats.NewMap(),
		rv:    newRendezvous(size),
	}
}

// Size returns the number of ranks in the world.
func (w *World) Size() int { return w.size }

// Comm returns the communicator for the provided rank. A Comm is
// not safe for concurrent use: it belongs to the rank's goroutine.
func (w *World) Comm(rank int) *Comm {
	if rank < 0 || rank >= w.size {
		log.Panicf("comm: rank %d out of range [0, %d)", rank, w.size)
	}
	return &Comm{rank: rank, size: w.size, stats: w.stats, ex: w.rv}
}

// Stats returns a snapshot of the world's traffic counters.
func (w *World) Stats() stats.Values {
	return w.stats.Snapshot()
}

// Run runs fn once for every rank of the world, each in its own
// goroutine, and waits for all of them to return. The first error
// cancels the context passed to the other ranks so that ranks
// blocked in a collective are released; Run then returns that
// first error.
func (w *World) Run(ctx context.Context, fn func(ctx context.Context, c *Comm) error) error {
	g, ctx := errgroup.WithContext(ctx)
	for rank := 0; rank < w.size; rank++ {
		c := w.Comm(rank)
		g.Go(func() error {
			err := fn(ctx, c)
			if err != nil && ctx.Err() == nil {
				log.Error.Printf("comm: rank %d/%d failed: %v", c.rank, w.size, err)
			}
			return err
		})
	}
	return g.Wait()
}

// RunFunc runs f with arg on every rank of the world and returns
// the ranks' results, indexed by rank.
func (w *World) RunFunc(ctx context.Context, f *Func, arg interface{}) ([]interface{}, error) {
	results := make([]interface{}, w.size)
	err := w.Run(ctx, func(ctx context.Context, c *Comm) error {
		var err error
		results[c.rank], err = f.fn(ctx, c, arg)
		return err
	})
	return results, err
}

// Run creates a world of the provided size and runs fn on every rank.
func Run(ctx context.Context, size int, fn func(ctx context.Context, c *Comm) error) error {
	return NewWorld(size).Run(ctx, fn)
}

// A Comm is one rank's handle to its world.
type Comm struct {
	rank, size int
	stats      *stats.Map
	ex         exchanger
	// seq is the sequence number of the next collective issued by
	// this rank.
	seq uint64
}

// Rank returns the rank of the communicator, 0 <= Rank() < Size().
func (c *Comm) Rank() int { return c.rank }

// Size returns the number of ranks in the communicator's world.
func (c *Comm) Size() int { return c.size }

func (c *Comm) String() string {
	return fmt.Sprintf("rank %d/%d", c.rank, c.size)
}

// Collective issues the next collective of this rank: it deposits
// this rank's contribution, waits for every other rank to deposit
// theirs, and returns this rank's share of the combined result.
func (c *Comm) collective(ctx context.Context, coll collective, in interface{}) (interface{}, error) {
	seq := c.seq
	c.seq++
	c.stats.Incr(coll.String(), 1)
	return c.ex.exchange(ctx, seq, c.rank, coll, in)
}

// A round is the rendezvous state of one collective call.
type round struct {
	coll     collective
	in       []interface{}
	out      []interface{}
	arrived  int
	departed int
	err      error
}

// A rendezvous matches the collective calls of a set of ranks by
// sequence number and combines their contributions.
type rendezvous struct {
	size int

	mu sync.Mutex
	// waitc is closed (and reset) whenever a round completes; it
	// implements a context-aware condition variable on mu.
	waitc  chan struct{}
	rounds map[uint64]*round
	closed bool
}

func newRendezvous(size int) *rendezvous {
	return &rendezvous{size: size, rounds: make(map[uint64]*round)}
}

// Exchange deposits rank's contribution to round seq and returns its
// share of the result once every rank has arrived. Ranks must agree
// on the collective; a mismatch fails every participant with an
// integrity error.
func (r *rendezvous) exchange(ctx context.Context, seq uint64, rank int, coll collective, in interface{}) (interface{}, error) {
	if rank < 0 || rank >= r.size {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("comm: rank %d out of range [0, %d)", rank, r.size))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rd := r.rounds[seq]
	if rd == nil {
		rd = &round{coll: coll, in: make([]interface{}, r.size)}
		r.rounds[seq] = rd
	}
	if rd.coll != coll && rd.err == nil {
		rd.err = errors.E(errors.Integrity, errors.Fatal,
			fmt.Sprintf("comm: collective %d: rank %d issued %s while other ranks issued %s", seq, rank, coll, rd.coll))
	}
	rd.in[rank] = in
	rd.arrived++
	if rd.arrived == r.size {
		if rd.err == nil {
			rd.out, rd.err = rd.coll.combine(rd.in)
		}
		rd.in = nil
		r.broadcast()
	}
	for rd.arrived < r.size {
		if r.closed {
			return nil, errors.E(errors.Canceled, fmt.Sprintf("comm: rank %d/%d waiting in %s: rendezvous closed", rank, r.size, coll))
		}
		if err := r.wait(ctx); err != nil {
			return nil, errors.E(fmt.Sprintf("comm: rank %d/%d waiting in %s", rank, r.size, coll), err)
		}
	}
	rd.departed++
	if rd.departed == r.size {
		delete(r.rounds, seq)
	}
	if rd.err != nil {
		return nil, rd.err
	}
	return rd.out[rank], nil
}

// close fails every pending and future exchange.
func (r *rendezvous) close() {
	r.mu.Lock()
	r.closed = true
	r.broadcast()
	r.mu.Unlock()
}

// wait releases r.mu until the next round completes or ctx is done.
// The caller must hold r.mu.
func (r *rendezvous) wait(ctx context.Context) error {
	if r.waitc == nil {
		r.waitc = make(chan struct{})
	}
	waitc := r.waitc
	r.mu.Unlock()
	var err error
	select {
	case <-waitc:
	case <-ctx.Done():
		err = ctx.Err()
	}
	r.mu.Lock()
	return err
}

// broadcast wakes every waiter. The caller must hold r.mu.
func (r *rendezvous) broadcast() {
	if r.waitc != nil {
		close(r.waitc)
		r.waitc = nil
	}
}
