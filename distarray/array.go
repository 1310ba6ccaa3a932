// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package distarray implements arrays of float64 values laid out on a
// distributed grid, optionally stacked into layers. Each rank keeps
// the canonical values of the nodes it owns. Values are accessed
// through a checkout discipline: Retrieve makes a local buffer
// resident (optionally including the one-node halo owned by
// neighboring ranks), Value and SetValue operate on that buffer, and
// Restore propagates (or discards) local writes and releases the
// buffer.
//
// A reserved sentinel value marks nodes with no data. Reads outside
// the checked-out extent return the sentinel, and interpolation
// propagates it.
package distarray

import (
	"context"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gridslice/comm"
	"github.com/grailbio/gridslice/distgrid"
)

type state int

var emptyRect = distgrid.Rect{FirstI: 0, LastI: -1, FirstJ: 0, LastJ: -1}

const (
	idle state = iota
	checkedOut
)

func (s state) String() string {
	if s == checkedOut {
		return "checked out"
	}
	return "idle"
}

// An Array is one rank's view of a distributed array. An Array
// belongs to its rank's goroutine and is not safe for concurrent use.
type Array struct {
	grid      *distgrid.Grid
	depth     int
	undefined float64

	// owned holds the canonical values of the rank's owned nodes.
	owned []float64

	state  state
	ghosts bool
	// extent is the node range covered by buf while checked out.
	extent   distgrid.Rect
	buf      []float64
	modified bool

	avg      float64
	avgValid bool
}

// New returns an array over g with the provided number of layers,
// all of whose values are initialized to initial. The undefined
// value is the array's "no data" sentinel; it may not be NaN.
func New(g *distgrid.Grid, depth int, undefined, initial float64) (*Array, error) {
	if depth < 1 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("distarray: invalid depth %d", depth))
	}
	// NaN compares unequal to itself and cannot mark missing data.
	if math.IsNaN(undefined) {
		return nil, errors.E(errors.Invalid, "distarray: undefined value is NaN")
	}
	r := g.Owned(false)
	a := &Array{
		grid:      g,
		depth:     depth,
		undefined: undefined,
		owned:     make([]float64, r.NumI()*r.NumJ()*depth),
		extent:    emptyRect,
	}
	for i := range a.owned {
		a.owned[i] = initial
	}
	return a, nil
}

// Grid returns the array's distributed grid.
func (a *Array) Grid() *distgrid.Grid { return a.grid }

// Depth returns the number of layers in the array.
func (a *Array) Depth() int { return a.depth }

// Undefined returns the array's "no data" sentinel.
func (a *Array) Undefined() float64 { return a.undefined }

// CheckedOut tells whether the array's local buffer is resident.
func (a *Array) CheckedOut() bool { return a.state == checkedOut }

// Extent returns the node range covered by the local buffer. It is
// empty when the array is idle.
func (a *Array) Extent() distgrid.Rect {
	return a.extent
}

// Modified tells whether values were written since the last Retrieve.
func (a *Array) Modified() bool { return a.modified }

func (a *Array) String() string {
	return fmt.Sprintf("array(%s depth %d, %s)", a.grid.Global(), a.depth, a.state)
}

// index returns the offset of (i, j, k) in a buffer laid out over r.
func (a *Array) index(r distgrid.Rect, i, j, k int) int {
	return ((i-r.FirstI)*r.NumJ()+(j-r.FirstJ))*a.depth + k
}

// Retrieve checks out the array's local buffer. With ghosts, the
// buffer covers the rank's ghosted range and the halo is filled with
// the current values of the neighboring owners; this is a collective
// operation. Retrieve returns false, without effect, if the array is
// already checked out.
func (a *Array) Retrieve(ctx context.Context, withGhosts bool) (bool, error) {
	if a.state == checkedOut {
		log.Debug.Printf("distarray: %s: retrieve of a checked out array", a.grid.Comm())
		return false, nil
	}
	extent := a.grid.Owned(withGhosts)
	buf := make([]float64, extent.NumI()*extent.NumJ()*a.depth)
	owned := a.grid.Owned(false)
	a.copyRect(buf, extent, a.owned, owned, owned)
	if withGhosts {
		if err := a.exchangeHalo(ctx, buf, extent); err != nil {
			return false, err
		}
	}
	a.state, a.ghosts, a.extent, a.buf, a.modified = checkedOut, withGhosts, extent, buf, false
	return true, nil
}

// exchangeHalo fills the halo of buf, which covers the rank's
// ghosted range, with the values owned by the neighboring ranks.
func (a *Array) exchangeHalo(ctx context.Context, buf []float64, extent distgrid.Rect) error {
	c := a.grid.Comm()
	owned := a.grid.Owned(false)
	send := make([][]float64, c.Size())
	for rank := range send {
		if rank == c.Rank() {
			continue
		}
		send[rank] = a.pack(a.owned, owned, owned.Intersect(a.grid.Range(rank, true)))
	}
	recv, err := c.Alltoallv(ctx, send)
	if err != nil {
		return err
	}
	for rank, block := range recv {
		if rank == c.Rank() {
			continue
		}
		r := a.grid.Range(rank, false).Intersect(extent)
		if err := a.unpack(buf, extent, r, block, false); err != nil {
			return err
		}
	}
	return nil
}

// Restore releases the local buffer. If save is false, local writes
// are discarded. If save is true, written values are propagated to
// the array's canonical storage:
//
//	- with withGhosts, after a checkout with ghosts, the value of every
//	  owned node becomes the local value plus the halo values written
//	  for that node by every neighboring rank (ghost accumulation);
//	- otherwise the owned values of the buffer replace the canonical
//	  ones and halo writes are discarded.
//
// Restore(save=true, withGhosts=true) is collective. It first checks
// that either every rank or no rank has pending modifications; a
// mixed state fails on every rank with a fatal errors.Integrity error
// before any data is exchanged. If no rank has modifications, the
// call is a no-op. Ghost values equal to the undefined sentinel are
// not accumulated.
func (a *Array) Restore(ctx context.Context, save, withGhosts bool) error {
	collective := save && withGhosts
	if a.state != checkedOut {
		if collective {
			// Idle ranks take part in the consistency check as ranks
			// without modifications.
			_, err := a.checkConsistent(ctx)
			return err
		}
		return nil
	}
	defer a.release()
	if !save {
		return nil
	}
	owned := a.grid.Owned(false)
	if !collective {
		if a.modified {
			a.copyRect(a.owned, owned, a.buf, a.extent, owned)
		}
		return nil
	}
	all, err := a.checkConsistent(ctx)
	if err != nil || !all {
		return err
	}
	c := a.grid.Comm()
	send := make([][]float64, c.Size())
	if a.ghosts {
		for rank := range send {
			if rank == c.Rank() {
				continue
			}
			send[rank] = a.pack(a.buf, a.extent, a.grid.Range(rank, false).Intersect(a.extent))
		}
	}
	recv, err := c.Alltoallv(ctx, send)
	if err != nil {
		return err
	}
	a.copyRect(a.owned, owned, a.buf, a.extent, owned)
	for rank, block := range recv {
		if rank == c.Rank() || len(block) == 0 {
			continue
		}
		r := a.grid.Range(rank, true).Intersect(owned)
		if err := a.unpack(a.owned, owned, r, block, true); err != nil {
			return err
		}
	}
	return nil
}

// checkConsistent reports whether every rank has pending
// modifications. It fails if only some do.
func (a *Array) checkConsistent(ctx context.Context) (bool, error) {
	c := a.grid.Comm()
	var mine int
	if a.state == checkedOut && a.modified {
		mine = 1
	}
	n, err := c.AllReduceInt(ctx, comm.Sum, mine)
	if err != nil {
		return false, err
	}
	if n != 0 && n != c.Size() {
		return false, errors.E(errors.Integrity, errors.Fatal,
			fmt.Sprintf("distarray: %s: inconsistent collective state: %d of %d ranks have pending modifications",
				c, n, c.Size()))
	}
	return n == c.Size(), nil
}

// release drops the local buffer. An average computed from modified
// buffer values no longer describes the canonical ones.
func (a *Array) release() {
	if a.modified {
		a.avgValid = false
	}
	a.state, a.buf, a.modified = idle, nil, false
	a.extent = emptyRect
}

// Do checks out the array, calls fn, and restores the array on every
// exit path. The array is saved when save is true and fn succeeds;
// if fn fails, its writes are discarded and its error is returned.
// Do fails if the array is already checked out.
func (a *Array) Do(ctx context.Context, withGhosts, save bool, fn func(*Array) error) (err error) {
	ok, err := a.Retrieve(ctx, withGhosts)
	if err != nil {
		return err
	}
	if !ok {
		return errors.E(errors.Invalid, fmt.Sprintf("distarray: %s is already checked out", a))
	}
	if err = fn(a); err != nil {
		a.release()
		return err
	}
	return a.Restore(ctx, save, withGhosts)
}

// Value returns the value at global node (i, j) in layer k. It
// returns the undefined value if the node lies outside the
// checked-out extent or the array is idle.
func (a *Array) Value(i, j, k int) float64 {
	if a.state != checkedOut || k < 0 || k >= a.depth || !a.extent.Contains(i, j) {
		return a.undefined
	}
	return a.buf[a.index(a.extent, i, j, k)]
}

// SetValue sets the value at global node (i, j) in layer k. It
// returns false, without effect, if the node lies outside the
// checked-out extent or the array is idle.
func (a *Array) SetValue(i, j, k int, v float64) bool {
	if a.state != checkedOut || k < 0 || k >= a.depth || !a.extent.Contains(i, j) {
		return false
	}
	a.buf[a.index(a.extent, i, j, k)] = v
	a.modified = true
	a.avgValid = false
	return true
}

// Fill sets every value of the array. When the array is checked out,
// the local buffer, including its halo, is filled; otherwise the
// canonical owned values are.
func (a *Array) Fill(v float64) {
	dst := a.owned
	if a.state == checkedOut {
		dst = a.buf
		a.modified = true
	}
	for i := range dst {
		dst[i] = v
	}
	a.avgValid = false
}

// OwnedValues returns a copy of the canonical values of the rank's
// owned nodes, laid out with I slowest and the layer fastest.
func (a *Array) OwnedValues() []float64 {
	return append([]float64(nil), a.owned...)
}

// LoadOwned replaces the canonical values of the rank's owned nodes.
// The array must be idle.
func (a *Array) LoadOwned(vals []float64) error {
	if a.state == checkedOut {
		return errors.E(errors.Invalid, fmt.Sprintf("distarray: load into %s", a))
	}
	if len(vals) != len(a.owned) {
		return errors.E(errors.Invalid,
			fmt.Sprintf("distarray: load of %d values into an owned block of %d", len(vals), len(a.owned)))
	}
	copy(a.owned, vals)
	a.avgValid = false
	return nil
}

// Block returns the node range and values contributed by this rank
// to a persisted dataset. With halo, and when the array is checked
// out, the block covers the whole checked-out extent; otherwise it
// covers the owned nodes. Checked-out arrays contribute their local
// buffer.
func (a *Array) Block(halo bool) (distgrid.Rect, []float64) {
	if a.state != checkedOut {
		return a.grid.Owned(false), a.OwnedValues()
	}
	r := a.grid.Owned(false)
	if halo {
		r = a.extent
	}
	return r, a.pack(a.buf, a.extent, r)
}

// Gather collects the owned values of every rank on root, assembled
// into the full logical array laid out with I slowest and the layer
// fastest. Gather is collective; ranks other than root receive nil.
func (a *Array) Gather(ctx context.Context, root int) ([]float64, error) {
	c := a.grid.Comm()
	parts, err := c.GatherFloat64s(ctx, root, a.owned)
	if err != nil || c.Rank() != root {
		return nil, err
	}
	var (
		g    = a.grid.Global()
		full = distgrid.Rect{FirstI: 0, LastI: g.NumI - 1, FirstJ: 0, LastJ: g.NumJ - 1}
		out  = make([]float64, g.NumI*g.NumJ*a.depth)
	)
	for rank, part := range parts {
		if err := a.unpack(out, full, a.grid.Range(rank, false), part, false); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// copyRect copies the nodes of r from src, laid out over srcR, into
// dst, laid out over dstR.
func (a *Array) copyRect(dst []float64, dstR distgrid.Rect, src []float64, srcR, r distgrid.Rect) {
	if r.Empty() {
		return
	}
	n := r.NumJ() * a.depth
	for i := r.FirstI; i <= r.LastI; i++ {
		d := a.index(dstR, i, r.FirstJ, 0)
		s := a.index(srcR, i, r.FirstJ, 0)
		copy(dst[d:d+n], src[s:s+n])
	}
}

// pack returns the nodes of r from buf, laid out over bufR, as a
// contiguous block.
func (a *Array) pack(buf []float64, bufR, r distgrid.Rect) []float64 {
	if r.Empty() {
		return nil
	}
	block := make([]float64, r.NumI()*r.NumJ()*a.depth)
	a.copyRect(block, r, buf, bufR, r)
	return block
}

// unpack stores a contiguous block covering r into buf, laid out over
// bufR. With add, defined block values are accumulated instead of
// stored.
func (a *Array) unpack(buf []float64, bufR, r distgrid.Rect, block []float64, add bool) error {
	if want := r.NumI() * r.NumJ() * a.depth; len(block) != want {
		return errors.E(errors.Integrity, errors.Fatal,
			fmt.Sprintf("distarray: received %d values for %s, want %d", len(block), r, want))
	}
	if r.Empty() {
		return nil
	}
	if !add {
		a.copyRect(buf, bufR, block, r, r)
		return nil
	}
	for i := r.FirstI; i <= r.LastI; i++ {
		for j := r.FirstJ; j <= r.LastJ; j++ {
			for k := 0; k < a.depth; k++ {
				v := block[a.index(r, i, j, k)]
				if v == a.undefined {
					continue
				}
				p := &buf[a.index(bufR, i, j, k)]
				if *p == a.undefined {
					*p = v
				} else {
					*p += v
				}
			}
		}
	}
	return nil
}

// sameLayout tells whether a and b are distributed identically.
func sameLayout(a, b *Array) bool {
	if a.grid == b.grid {
		return true
	}
	return a.grid.Global() == b.grid.Global() &&
		a.grid.Decomposition().String() == b.grid.Decomposition().String()
}
