// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package partition

import (
	"context"
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gridslice/comm"
	"github.com/grailbio/gridslice/grid"
)

// Reference is an already partitioned grid, as seen from the calling
// process. It is implemented by *distgrid.Grid.
type Reference interface {
	Global() grid.Grid
	Decomposition() Decomposition
	ProcessRow() int
	ProcessCol() int
	FirstI(ghosts bool) int
	LastI(ghosts bool) int
	FirstJ(ghosts bool) int
	LastJ(ghosts bool) int
}

// CompatibleCounts computes a decomposition of target that aligns
// with ref's: every target node is owned by the process that owns
// the nearest reference node, so that values co-located on the two
// grids are available to the same process without communication.
// The two grids must share an extent.
//
// Each process credits the target nodes that fall within its own
// reference range to its process column (I) and row (J); the counts
// are reconciled across processes by a collective maximum.
// CompatibleCounts is collective: every process sharing ref must
// call it.
func CompatibleCounts(ctx context.Context, c *comm.Comm, ref Reference, target grid.Grid) (Decomposition, error) {
	if err := target.Validate(); err != nil {
		return Decomposition{}, err
	}
	var (
		rg     = ref.Global()
		d      = ref.Decomposition()
		counts = make([]int, d.Cols+d.Rows)
	)
	if !rg.SameExtent(target) {
		log.Debug.Printf("partition: %s and %s do not share an extent", rg, target)
	}
	for i := 0; i < target.NumI; i++ {
		x, _ := target.Position(i, 0)
		fi, _ := rg.FractionalIndex(x, rg.MinJ)
		ri := clamp(int(math.Round(fi)), 0, rg.NumI-1)
		if ri >= ref.FirstI(false) && ri <= ref.LastI(false) {
			counts[ref.ProcessCol()]++
		}
	}
	for j := 0; j < target.NumJ; j++ {
		_, y := target.Position(0, j)
		_, fj := rg.FractionalIndex(rg.MinI, y)
		rj := clamp(int(math.Round(fj)), 0, rg.NumJ-1)
		if rj >= ref.FirstJ(false) && rj <= ref.LastJ(false) {
			counts[d.Cols+ref.ProcessRow()]++
		}
	}
	counts, err := c.AllReduceInts(ctx, comm.Max, counts)
	if err != nil {
		return Decomposition{}, err
	}
	out := Decomposition{
		Rows:   d.Rows,
		Cols:   d.Cols,
		CountI: counts[:d.Cols],
		CountJ: counts[d.Cols:],
	}
	// Every process computes the same reconciled counts, so these
	// checks fail identically everywhere.
	if err := out.Validate(target.NumI, target.NumJ); err != nil {
		return Decomposition{}, errors.E(errors.Fatal, err)
	}
	for _, counts := range [][]int{out.CountI, out.CountJ} {
		for p, n := range counts {
			if n == 0 {
				return Decomposition{}, errors.E(errors.NotSupported,
					fmt.Sprintf("partition: %s is too coarse for the %s process layout of %s: process %d owns no nodes",
						target, out, rg, p))
			}
		}
	}
	return out, nil
}

func clamp(x, lo, hi int) int {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
