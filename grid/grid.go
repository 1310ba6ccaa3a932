// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package grid describes the logical, process-independent regular
// grid: a real-world bounding box sampled by NumI × NumJ nodes. A
// Grid owns no data; it is shared read-only by every distributed grid
// and array built on top of it.
package grid

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"gonum.org/v1/gonum/floats"
)

// A Grid is an immutable description of a regular 2-D node lattice.
// Node (i, j) sits at (MinI + i*DeltaI(), MinJ + j*DeltaJ()).
type Grid struct {
	// Name identifies the grid in persisted datasets. It is optional.
	Name string

	MinI, MinJ float64
	MaxI, MaxJ float64
	NumI, NumJ int
}

// New returns a grid spanning the provided bounding box with the
// provided node counts. A grid must have at least two nodes on each
// axis and a non-empty extent; violations are configuration errors
// (kind errors.Invalid).
func New(minI, minJ, maxI, maxJ float64, numI, numJ int) (Grid, error) {
	g := Grid{MinI: minI, MinJ: minJ, MaxI: maxI, MaxJ: maxJ, NumI: numI, NumJ: numJ}
	return g, g.Validate()
}

// Validate checks the grid's invariants.
func (g Grid) Validate() error {
	if g.NumI < 2 || g.NumJ < 2 {
		return errors.E(errors.Invalid,
			fmt.Sprintf("grid %s: need at least two nodes per axis, got %dx%d", g, g.NumI, g.NumJ))
	}
	if !(g.MaxI > g.MinI) || !(g.MaxJ > g.MinJ) {
		return errors.E(errors.Invalid, fmt.Sprintf("grid %s: empty extent", g))
	}
	return nil
}

// DeltaI returns the node spacing along I.
func (g Grid) DeltaI() float64 { return (g.MaxI - g.MinI) / float64(g.NumI-1) }

// DeltaJ returns the node spacing along J.
func (g Grid) DeltaJ() float64 { return (g.MaxJ - g.MinJ) / float64(g.NumJ-1) }

// Position returns the real-world coordinates of node (i, j). The
// indices need not lie inside the grid.
func (g Grid) Position(i, j int) (x, y float64) {
	return g.MinI + float64(i)*g.DeltaI(), g.MinJ + float64(j)*g.DeltaJ()
}

// FractionalIndex returns the (possibly non-integral) index
// coordinates of the real-world position (x, y).
func (g Grid) FractionalIndex(x, y float64) (fi, fj float64) {
	return (x - g.MinI) / g.DeltaI(), (y - g.MinJ) / g.DeltaJ()
}

// Index returns the node nearest to (x, y). Ok is false if the
// position lies outside the grid by more than half a cell.
func (g Grid) Index(x, y float64) (i, j int, ok bool) {
	fi, fj := g.FractionalIndex(x, y)
	i, j = int(math.Round(fi)), int(math.Round(fj))
	ok = i >= 0 && i < g.NumI && j >= 0 && j < g.NumJ
	return
}

// Contains tells whether (x, y) lies within the grid's bounding box.
func (g Grid) Contains(x, y float64) bool {
	return x >= g.MinI && x <= g.MaxI && y >= g.MinJ && y <= g.MaxJ
}

// SameExtent tells whether g and h cover the same bounding box,
// within a tolerance relative to the coarser spacing.
func (g Grid) SameExtent(h Grid) bool {
	tol := 1e-6 * math.Max(math.Max(g.DeltaI(), h.DeltaI()), math.Max(g.DeltaJ(), h.DeltaJ()))
	return math.Abs(g.MinI-h.MinI) <= tol && math.Abs(g.MaxI-h.MaxI) <= tol &&
		math.Abs(g.MinJ-h.MinJ) <= tol && math.Abs(g.MaxJ-h.MaxJ) <= tol
}

// Nodes returns the number of nodes in the grid.
func (g Grid) Nodes() int { return g.NumI * g.NumJ }

// CoordinatesI returns the I coordinate of every node column.
func (g Grid) CoordinatesI() []float64 {
	return floats.Span(make([]float64, g.NumI), g.MinI, g.MaxI)
}

// CoordinatesJ returns the J coordinate of every node row.
func (g Grid) CoordinatesJ() []float64 {
	return floats.Span(make([]float64, g.NumJ), g.MinJ, g.MaxJ)
}

func (g Grid) String() string {
	name := g.Name
	if name == "" {
		name = "grid"
	}
	return fmt.Sprintf("%s[%dx%d (%g,%g)-(%g,%g)]", name, g.NumI, g.NumJ, g.MinI, g.MinJ, g.MaxI, g.MaxJ)
}
