// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package distgrid distributes a regular grid over the ranks of a
// communicator. Each rank owns a rectangular block of nodes and sees
// a one-node halo (its ghost range) around the interior sides of its
// block. Indices used by this package are always global node
// indices; the translation to a rank's local buffer lives in package
// distarray.
package distgrid

import (
	"context"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gridslice/comm"
	"github.com/grailbio/gridslice/grid"
	"github.com/grailbio/gridslice/partition"
)

// A Rect is a closed range of global node indices.
type Rect struct {
	FirstI, LastI int
	FirstJ, LastJ int
}

// Empty tells whether the rect contains no nodes.
func (r Rect) Empty() bool { return r.LastI < r.FirstI || r.LastJ < r.FirstJ }

// NumI returns the number of nodes along I.
func (r Rect) NumI() int {
	if r.Empty() {
		return 0
	}
	return r.LastI - r.FirstI + 1
}

// NumJ returns the number of nodes along J.
func (r Rect) NumJ() int {
	if r.Empty() {
		return 0
	}
	return r.LastJ - r.FirstJ + 1
}

// Contains tells whether node (i, j) lies in the rect.
func (r Rect) Contains(i, j int) bool {
	return i >= r.FirstI && i <= r.LastI && j >= r.FirstJ && j <= r.LastJ
}

// Intersect returns the nodes common to r and s.
func (r Rect) Intersect(s Rect) Rect {
	return Rect{
		FirstI: max(r.FirstI, s.FirstI), LastI: min(r.LastI, s.LastI),
		FirstJ: max(r.FirstJ, s.FirstJ), LastJ: min(r.LastJ, s.LastJ),
	}
}

func (r Rect) String() string {
	return fmt.Sprintf("[%d:%d]x[%d:%d]", r.FirstI, r.LastI, r.FirstJ, r.LastJ)
}

// A Grid is a global grid partitioned over the ranks of a
// communicator, as seen from one rank. A Grid is constructed
// collectively and is immutable thereafter.
type Grid struct {
	comm   *comm.Comm
	global grid.Grid
	decomp partition.Decomposition
	startI []int
	startJ []int

	row, col int
	owned    Rect
	ghosted  Rect
}

// New partitions g over the ranks of c. New is collective: every
// rank must call it with the same grid. Ranks first agree on the
// grid shape, so that a misconfigured rank fails every rank rather
// than leaving the others blocked in a later collective; then the
// process grid is chosen by partition.Balanced.
func New(ctx context.Context, c *comm.Comm, g grid.Grid) (*Grid, error) {
	if err := agreeShape(ctx, c, g); err != nil {
		return nil, err
	}
	d, err := partition.Balanced(g.NumI, g.NumJ, c.Size())
	if err != nil {
		return nil, err
	}
	return newGrid(c, g, d)
}

// NewCompatible partitions g so that its ownership aligns with ref,
// which must cover the same extent at a different resolution: the
// node of g nearest to a node of ref is owned by the same rank.
// NewCompatible is collective.
func NewCompatible(ctx context.Context, c *comm.Comm, g grid.Grid, ref *Grid) (*Grid, error) {
	if err := agreeShape(ctx, c, g); err != nil {
		return nil, err
	}
	if !g.SameExtent(ref.global) {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("distgrid: %s does not share an extent with %s", g, ref.global))
	}
	d, err := partition.CompatibleCounts(ctx, c, ref, g)
	if err != nil {
		return nil, err
	}
	return newGrid(c, g, d)
}

func newGrid(c *comm.Comm, g grid.Grid, d partition.Decomposition) (*Grid, error) {
	if err := d.Validate(g.NumI, g.NumJ); err != nil {
		return nil, err
	}
	if d.Procs() != c.Size() {
		return nil, errors.E(errors.Integrity,
			fmt.Sprintf("distgrid: decomposition %s does not match %d ranks", d, c.Size()))
	}
	dg := &Grid{
		comm:   c,
		global: g,
		decomp: d,
		startI: d.StartsI(),
		startJ: d.StartsJ(),
		col:    c.Rank() % d.Cols,
		row:    c.Rank() / d.Cols,
	}
	dg.owned = dg.Range(c.Rank(), false)
	dg.ghosted = dg.Range(c.Rank(), true)
	log.Debug.Printf("distgrid: %s: %s process (%d,%d) owns %s ghosts %s",
		c, g, dg.row, dg.col, dg.owned, dg.ghosted)
	return dg, nil
}

// agreeShape checks collectively that every rank was handed the same
// grid shape and that the shape is valid.
func agreeShape(ctx context.Context, c *comm.Comm, g grid.Grid) error {
	shape := []float64{float64(g.NumI), float64(g.NumJ), g.MinI, g.MinJ, g.MaxI, g.MaxJ}
	lo, err := c.AllReduceFloat64s(ctx, comm.Min, shape)
	if err != nil {
		return err
	}
	hi, err := c.AllReduceFloat64s(ctx, comm.Max, shape)
	if err != nil {
		return err
	}
	for i := range lo {
		if lo[i] != hi[i] {
			return errors.E(errors.Invalid, errors.Fatal,
				fmt.Sprintf("distgrid: ranks disagree on grid shape: %s on %s", g, c))
		}
	}
	return g.Validate()
}

// Comm returns the grid's communicator.
func (g *Grid) Comm() *comm.Comm { return g.comm }

// Global returns the logical grid.
func (g *Grid) Global() grid.Grid { return g.global }

// Decomposition returns the grid's process decomposition.
func (g *Grid) Decomposition() partition.Decomposition { return g.decomp }

// ProcessRow returns the process-grid row of the calling rank.
func (g *Grid) ProcessRow() int { return g.row }

// ProcessCol returns the process-grid column of the calling rank.
func (g *Grid) ProcessCol() int { return g.col }

// NumI returns the number of global nodes along I.
func (g *Grid) NumI() int { return g.global.NumI }

// NumJ returns the number of global nodes along J.
func (g *Grid) NumJ() int { return g.global.NumJ }

// Owned returns the calling rank's owned (ghosts=false) or ghosted
// (ghosts=true) range.
func (g *Grid) Owned(ghosts bool) Rect {
	if ghosts {
		return g.ghosted
	}
	return g.owned
}

// FirstI returns the first I index of the calling rank's range.
func (g *Grid) FirstI(ghosts bool) int { return g.Owned(ghosts).FirstI }

// LastI returns the last I index of the calling rank's range.
func (g *Grid) LastI(ghosts bool) int { return g.Owned(ghosts).LastI }

// FirstJ returns the first J index of the calling rank's range.
func (g *Grid) FirstJ(ghosts bool) int { return g.Owned(ghosts).FirstJ }

// LastJ returns the last J index of the calling rank's range.
func (g *Grid) LastJ(ghosts bool) int { return g.Owned(ghosts).LastJ }

// Range returns the owned or ghosted range of any rank. Every rank
// computes the same ranges from the shared decomposition.
func (g *Grid) Range(rank int, ghosts bool) Rect {
	col, row := rank%g.decomp.Cols, rank/g.decomp.Cols
	r := Rect{
		FirstI: g.startI[col],
		LastI:  g.startI[col] + g.decomp.CountI[col] - 1,
		FirstJ: g.startJ[row],
		LastJ:  g.startJ[row] + g.decomp.CountJ[row] - 1,
	}
	if ghosts {
		r.FirstI = max(r.FirstI-1, 0)
		r.LastI = min(r.LastI+1, g.global.NumI-1)
		r.FirstJ = max(r.FirstJ-1, 0)
		r.LastJ = min(r.LastJ+1, g.global.NumJ-1)
	}
	return r
}

// OnLowISide tells whether the calling rank's block touches I = 0.
func (g *Grid) OnLowISide() bool { return g.owned.FirstI == 0 }

// OnHighISide tells whether the calling rank's block touches the
// last I node.
func (g *Grid) OnHighISide() bool { return g.owned.LastI == g.global.NumI-1 }

// OnLowJSide tells whether the calling rank's block touches J = 0.
func (g *Grid) OnLowJSide() bool { return g.owned.FirstJ == 0 }

// OnHighJSide tells whether the calling rank's block touches the
// last J node.
func (g *Grid) OnHighJSide() bool { return g.owned.LastJ == g.global.NumJ-1 }

// Position returns the real-world position of global node (i, j).
func (g *Grid) Position(i, j int) (x, y float64) {
	return g.global.Position(i, j)
}

// Index returns the global node nearest to the real-world position
// (x, y). Ok is false if the position lies outside the grid.
func (g *Grid) Index(x, y float64) (i, j int, ok bool) {
	return g.global.Index(x, y)
}

// ConvertIndex maps node (i, j) of g to the nearest node of other
// through their shared real-world coordinates. The result may lie
// outside other.
func (g *Grid) ConvertIndex(other *Grid, i, j int) (int, int) {
	fi, fj := g.ConvertIndexReal(other, i, j)
	return int(math.Round(fi)), int(math.Round(fj))
}

// ConvertIndexReal maps node (i, j) of g to its exact fractional
// index position on other.
func (g *Grid) ConvertIndexReal(other *Grid, i, j int) (fi, fj float64) {
	x, y := g.global.Position(i, j)
	return other.global.FractionalIndex(x, y)
}

func (g *Grid) String() string {
	return fmt.Sprintf("%s/%s owned %s", g.global, g.decomp, g.owned)
}

func min(x, y int) int {
	if x < y {
		return x
	}
	return y
}

func max(x, y int) int {
	if x > y {
		return x
	}
	return y
}
