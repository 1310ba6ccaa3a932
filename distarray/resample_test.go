// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package distarray

import (
	"context"
	"fmt"
	"math"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gridslice/comm"
	"github.com/grailbio/gridslice/distgrid"
	"github.com/grailbio/gridslice/grid"
)

func TestResampleRoundTrip(t *testing.T) {
	lo, _ := grid.New(0, 0, 10, 8, 11, 9)
	hi, _ := grid.New(0, 0, 10, 8, 31, 25)
	value := func(i, j, k int) float64 { return float64(i*i) + 7*float64(j) - float64(k)/3 }
	for _, nproc := range []int{1, 2, 4, 6} {
		err := comm.Run(context.Background(), nproc, func(ctx context.Context, c *comm.Comm) error {
			lg, err := distgrid.New(ctx, c, lo)
			if err != nil {
				return err
			}
			hg, err := distgrid.NewCompatible(ctx, c, hi, lg)
			if err != nil {
				return err
			}
			low, _ := New(lg, 2, undef, 0)
			high, _ := New(hg, 2, -1, 0)
			back, _ := New(lg, 2, undef, 0)
			if err := fillFunc(ctx, low, value); err != nil {
				return err
			}
			if err := ResampleInto(ctx, low, high, FringeUndefined); err != nil {
				return err
			}
			if err := ResampleInto(ctx, high, back, FringeUndefined); err != nil {
				return err
			}
			// Every high-resolution node is an interpolation of the
			// low-resolution values, which are linear along J.
			if err := high.Do(ctx, false, false, func(high *Array) error {
				r := hg.Owned(false)
				for i := r.FirstI; i <= r.LastI; i++ {
					for j := r.FirstJ; j <= r.LastJ; j++ {
						if i%3 != 0 {
							continue
						}
						want := value(i/3, 0, 1) + 7*float64(j)/3
						if got := high.Value(i, j, 1); math.Abs(got-want) > 1e-9 {
							return fmt.Errorf("high (%d,%d): got %v, want %v", i, j, got, want)
						}
					}
				}
				return nil
			}); err != nil {
				return err
			}
			want, got := low.OwnedValues(), back.OwnedValues()
			for n := range want {
				if got[n] != want[n] {
					return fmt.Errorf("%s: value %d: got %v, want %v", c, n, got[n], want[n])
				}
			}
			return nil
		})
		if err != nil {
			t.Fatalf("nproc %d: %v", nproc, err)
		}
	}
}

func TestResampleFringe(t *testing.T) {
	lo, _ := grid.New(0, 0, 2, 2, 3, 3)
	hi, _ := grid.New(0, 0, 2, 2, 5, 5)
	low := [3][3]float64{
		{0, 10, 20},
		{1, undef, 21},
		{2, 12, 22},
	}
	for _, c := range []struct {
		fringe Fringe
		want   map[[2]int]float64
	}{
		{FringeUndefined, map[[2]int]float64{
			{0, 0}: 0, {2, 0}: 1, {0, 2}: 10,
			{1, 1}: undef, {2, 1}: undef, {3, 3}: undef,
			{1, 0}: 0.5, {4, 4}: 22,
		}},
		{FringeExtrapolate, map[[2]int]float64{
			{0, 0}: 0, {2, 0}: 1, {0, 2}: 10,
			// Missing corner (1,1) is the midpoint of (0,1) and (1,0).
			{1, 1}: (0 + 1 + 10 + 5.5) / 4,
			// Missing corner (1,1) is the midpoint of (2,1) and (1,0).
			{2, 1}: (1 + 6.5) / 2,
			{1, 0}: 0.5, {4, 4}: 22,
		}},
	} {
		err := comm.Run(context.Background(), 1, func(ctx context.Context, cc *comm.Comm) error {
			lg, err := distgrid.New(ctx, cc, lo)
			if err != nil {
				return err
			}
			hg, err := distgrid.NewCompatible(ctx, cc, hi, lg)
			if err != nil {
				return err
			}
			src, _ := New(lg, 1, undef, 0)
			if err := fillFunc(ctx, src, func(i, j, k int) float64 { return low[i][j] }); err != nil {
				return err
			}
			dst, _ := New(hg, 1, undef, 0)
			if err := ResampleInto(ctx, src, dst, c.fringe); err != nil {
				return err
			}
			return dst.Do(ctx, false, false, func(dst *Array) error {
				for ij, want := range c.want {
					if got := dst.Value(ij[0], ij[1], 0); got != want {
						return fmt.Errorf("%s: %v: got %v, want %v", c.fringe, ij, got, want)
					}
				}
				return nil
			})
		})
		if err != nil {
			t.Error(err)
		}
	}
}

func TestExtrapolateCorners(t *testing.T) {
	for _, c := range []struct {
		corners [4]float64
		present [4]bool
		want    [4]float64
		ok      bool
	}{
		{[4]float64{1, 2, 3, 4}, [4]bool{true, true, true, true}, [4]float64{1, 2, 3, 4}, true},
		{[4]float64{1, 2, 3, 0}, [4]bool{true, true, true, false}, [4]float64{1, 2, 3, 2.5}, true},
		{[4]float64{0, 2, 3, 4}, [4]bool{false, true, true, true}, [4]float64{2.5, 2, 3, 4}, true},
		// Corners along I copy across J.
		{[4]float64{1, 2, 0, 0}, [4]bool{true, true, false, false}, [4]float64{1, 2, 1, 2}, true},
		// Corners along J copy across I.
		{[4]float64{1, 0, 3, 0}, [4]bool{true, false, true, false}, [4]float64{1, 1, 3, 3}, true},
		{[4]float64{0, 2, 0, 4}, [4]bool{false, true, false, true}, [4]float64{2, 2, 4, 4}, true},
		// Diagonal corners fill with their mean.
		{[4]float64{1, 0, 0, 5}, [4]bool{true, false, false, true}, [4]float64{1, 3, 3, 5}, true},
		{[4]float64{0, 0, 7, 0}, [4]bool{false, false, true, false}, [4]float64{7, 7, 7, 7}, true},
		{[4]float64{0, 0, 0, 0}, [4]bool{}, [4]float64{0, 0, 0, 0}, false},
	} {
		corners := c.corners
		if got, want := extrapolate(&corners, c.present), c.ok; got != want {
			t.Errorf("%v: got %v, want %v", c.present, got, want)
		}
		if corners != c.want {
			t.Errorf("%v: got %v, want %v", c.present, corners, c.want)
		}
	}
}

func TestResampleErrors(t *testing.T) {
	lo, _ := grid.New(0, 0, 10, 10, 11, 11)
	other, _ := grid.New(0, 0, 20, 10, 21, 11)
	err := comm.Run(context.Background(), 2, func(ctx context.Context, c *comm.Comm) error {
		lg, err := distgrid.New(ctx, c, lo)
		if err != nil {
			return err
		}
		og, err := distgrid.New(ctx, c, other)
		if err != nil {
			return err
		}
		a, _ := New(lg, 1, undef, 0)
		b, _ := New(og, 1, undef, 0)
		d, _ := New(lg, 2, undef, 0)
		if err := ResampleInto(ctx, a, b, FringeUndefined); !errors.Is(errors.Invalid, err) {
			return fmt.Errorf("extent mismatch: got %v", err)
		}
		if err := ResampleInto(ctx, a, d, FringeUndefined); !errors.Is(errors.Invalid, err) {
			return fmt.Errorf("depth mismatch: got %v", err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestResampleSeams(t *testing.T) {
	lo, _ := grid.New(0, 0, 4, 4, 5, 5)
	hi, _ := grid.New(0, 0, 4, 4, 9, 9)
	err := comm.Run(context.Background(), 2, func(ctx context.Context, c *comm.Comm) error {
		lg, err := distgrid.New(ctx, c, lo)
		if err != nil {
			return err
		}
		hg, err := distgrid.NewCompatible(ctx, c, hi, lg)
		if err != nil {
			return err
		}
		low, _ := New(lg, 1, undef, 3)
		high, _ := New(hg, 1, undef, undef)

		// Cells across the partition seam need the halo.
		if c.Rank() == 0 {
			if _, err := low.Retrieve(ctx, false); err != nil {
				return err
			}
		}
		err = ResampleInto(ctx, low, high, FringeUndefined)
		switch {
		case c.Rank() == 0 && !errors.Is(errors.Invalid, err):
			return fmt.Errorf("%s: got %v, want invalid", c, err)
		case err == nil:
			return fmt.Errorf("%s: resample succeeded", c)
		}
		if err := low.Restore(ctx, false, false); err != nil {
			return err
		}
		if n, err := high.DefinedCount(ctx); err != nil || n != 0 {
			return fmt.Errorf("failed resample wrote %d nodes (%v)", n, err)
		}

		if err := ResampleInto(ctx, low, high, FringeUndefined); err != nil {
			return err
		}
		n, err := high.DefinedCount(ctx)
		if err != nil {
			return err
		}
		if n != hi.Nodes() {
			return fmt.Errorf("defined %d of %d nodes", n, hi.Nodes())
		}
		min, max, err := high.MinMax(ctx)
		if err != nil {
			return err
		}
		if min != 3 || max != 3 {
			return fmt.Errorf("got range [%v, %v], want 3", min, max)
		}

		// A checkout with ghosts is reused.
		if _, err := low.Retrieve(ctx, true); err != nil {
			return err
		}
		high.Fill(undef)
		if err := ResampleInto(ctx, low, high, FringeUndefined); err != nil {
			return err
		}
		if n, err = high.DefinedCount(ctx); err != nil || n != hi.Nodes() {
			return fmt.Errorf("with ghosts: defined %d of %d (%v)", n, hi.Nodes(), err)
		}
		return low.Restore(ctx, false, false)
	})
	if err != nil {
		t.Fatal(err)
	}
}
