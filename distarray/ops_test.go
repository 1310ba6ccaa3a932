// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package distarray

import (
	"context"
	"fmt"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gridslice/distgrid"
)

func TestApply(t *testing.T) {
	run(t, 3, mustGrid(t, 6, 4), func(ctx context.Context, dg *distgrid.Grid) error {
		x, _ := New(dg, 2, undef, 0)
		y, _ := New(dg, 2, -1, 0)
		z, _ := New(dg, 2, undef, 0)
		if err := fillFunc(ctx, x, func(i, j, k int) float64 { return float64(i - j) }); err != nil {
			return err
		}
		if err := fillFunc(ctx, y, func(i, j, k int) float64 {
			if i == 0 {
				return -1
			}
			return float64(k)
		}); err != nil {
			return err
		}
		for _, c := range []struct {
			op   Op
			srcs []*Array
			want func(i, j, k int) float64
		}{
			{Negate, []*Array{x}, func(i, j, k int) float64 { return float64(j - i) }},
			{Abs, []*Array{x}, func(i, j, k int) float64 {
				if i < j {
					return float64(j - i)
				}
				return float64(i - j)
			}},
			{Add, []*Array{x, y}, func(i, j, k int) float64 {
				if i == 0 {
					return undef
				}
				return float64(i - j + k)
			}},
			{Divide, []*Array{x, y}, func(i, j, k int) float64 {
				if i == 0 || k == 0 {
					return undef
				}
				return float64(i - j)
			}},
			{Maximum, []*Array{x, y}, func(i, j, k int) float64 {
				if i == 0 {
					return undef
				}
				if i-j > k {
					return float64(i - j)
				}
				return float64(k)
			}},
		} {
			if err := Apply(z, c.op, c.srcs...); err != nil {
				return err
			}
			r := dg.Owned(false)
			vals := z.OwnedValues()
			for i := r.FirstI; i <= r.LastI; i++ {
				for j := r.FirstJ; j <= r.LastJ; j++ {
					for k := 0; k < 2; k++ {
						if got, want := vals[z.index(r, i, j, k)], c.want(i, j, k); got != want {
							return fmt.Errorf("%s (%d,%d,%d): got %v, want %v", c.op, i, j, k, got, want)
						}
					}
				}
			}
		}
		// In-place use.
		if err := Apply(z, Abs, x); err != nil {
			return err
		}
		if err := Apply(x, Multiply, x, x); err != nil {
			return err
		}
		if err := Apply(x, Sqrt, x); err != nil {
			return err
		}
		got, want := x.OwnedValues(), z.OwnedValues()
		for n := range want {
			if got[n] != want[n] {
				return fmt.Errorf("value %d: got %v, want %v", n, got[n], want[n])
			}
		}
		if err := Apply(z, Add, x); !errors.Is(errors.Invalid, err) {
			return fmt.Errorf("arity: got %v", err)
		}
		d, _ := New(dg, 1, undef, 0)
		if err := Apply(d, Negate, x); !errors.Is(errors.Invalid, err) {
			return fmt.Errorf("depth: got %v", err)
		}
		if _, err := x.Retrieve(ctx, false); err != nil {
			return err
		}
		if err := Apply(z, Negate, x); !errors.Is(errors.Invalid, err) {
			return fmt.Errorf("checked out: got %v", err)
		}
		return x.Restore(ctx, false, false)
	})
}

func TestSqrtUndefined(t *testing.T) {
	run(t, 1, mustGrid(t, 2, 2), func(ctx context.Context, dg *distgrid.Grid) error {
		x, _ := New(dg, 1, undef, -4)
		if err := Apply(x, Sqrt, x); err != nil {
			return err
		}
		for _, v := range x.OwnedValues() {
			if v != undef {
				return fmt.Errorf("got %v, want undefined", v)
			}
		}
		return nil
	})
}
