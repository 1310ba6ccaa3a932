// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package distarray

import (
	"context"
	"math"

	"github.com/grailbio/gridslice/comm"
	"gonum.org/v1/gonum/floats"
)

// The reductions below are collective: every rank holding the array
// must call them in the same order. They consider each owned node
// exactly once, so halo copies are never double counted, and they
// skip undefined values. A checked-out array contributes its local
// buffer; an idle one its canonical values.

// defined returns the rank's defined owned values.
func (a *Array) defined() []float64 {
	_, vals := a.Block(false)
	out := vals[:0]
	for _, v := range vals {
		if v != a.undefined {
			out = append(out, v)
		}
	}
	return out
}

// MinMax returns the smallest and largest defined values of the
// array. If the array has no defined values, both are the undefined
// value.
func (a *Array) MinMax(ctx context.Context) (min, max float64, err error) {
	local := []float64{math.Inf(1), math.Inf(1)}
	if vals := a.defined(); len(vals) > 0 {
		local[0], local[1] = floats.Min(vals), -floats.Max(vals)
	}
	out, err := a.grid.Comm().AllReduceFloat64s(ctx, comm.Min, local)
	if err != nil {
		return 0, 0, err
	}
	if math.IsInf(out[0], 1) {
		return a.undefined, a.undefined, nil
	}
	return out[0], -out[1], nil
}

// Sum returns the sum of the defined values of the array.
func (a *Array) Sum(ctx context.Context) (float64, error) {
	return a.grid.Comm().AllReduceFloat64(ctx, comm.Sum, floats.Sum(a.defined()))
}

// SumOfSquares returns the sum of the squares of the defined values
// of the array.
func (a *Array) SumOfSquares(ctx context.Context) (float64, error) {
	vals := a.defined()
	return a.grid.Comm().AllReduceFloat64(ctx, comm.Sum, floats.Dot(vals, vals))
}

// DefinedCount returns the number of defined values in the array.
func (a *Array) DefinedCount(ctx context.Context) (int, error) {
	return a.grid.Comm().AllReduceInt(ctx, comm.Sum, len(a.defined()))
}

// Average returns the mean of the defined values of the array, or the
// undefined value if there are none. The average is cached until the
// array is next written on any rank.
func (a *Array) Average(ctx context.Context) (float64, error) {
	c := a.grid.Comm()
	var stale int
	if !a.avgValid {
		stale = 1
	}
	stale, err := c.AllReduceInt(ctx, comm.Max, stale)
	if err != nil {
		return 0, err
	}
	if stale == 0 {
		return a.avg, nil
	}
	vals := a.defined()
	out, err := c.AllReduceFloat64s(ctx, comm.Sum, []float64{floats.Sum(vals), float64(len(vals))})
	if err != nil {
		return 0, err
	}
	a.avg = a.undefined
	if out[1] > 0 {
		a.avg = out[0] / out[1]
	}
	a.avgValid = true
	return a.avg, nil
}
