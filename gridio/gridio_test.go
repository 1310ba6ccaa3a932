// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gridio

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/gridslice/comm"
	"github.com/grailbio/gridslice/distarray"
	"github.com/grailbio/gridslice/distgrid"
	"github.com/grailbio/gridslice/grid"
	"github.com/grailbio/gridslice/gridfile"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

const undef = -9999

func testGrid(t *testing.T, numI, numJ int) grid.Grid {
	t.Helper()
	g, err := grid.New(0, 0, float64(numI-1), float64(numJ-1), numI, numJ)
	assert.NoError(t, err)
	g.Name = "basin"
	return g
}

func run(t *testing.T, nproc int, g grid.Grid, fn func(ctx context.Context, dg *distgrid.Grid) error) {
	t.Helper()
	err := comm.Run(context.Background(), nproc, func(ctx context.Context, c *comm.Comm) error {
		dg, err := distgrid.New(ctx, c, g)
		if err != nil {
			return err
		}
		return fn(ctx, dg)
	})
	if err != nil {
		t.Fatal(err)
	}
}

func value(i, j, k int) float64 {
	if k == 0 && (i+j)%5 == 0 {
		return undef
	}
	return 1e3 * math.Sin(float64(i*131+j*17+k))
}

func newArray(ctx context.Context, dg *distgrid.Grid, depth int) (*distarray.Array, error) {
	a, err := distarray.New(dg, depth, undef, 0)
	if err != nil {
		return nil, err
	}
	err = a.Do(ctx, false, true, func(a *distarray.Array) error {
		r := dg.Owned(false)
		for i := r.FirstI; i <= r.LastI; i++ {
			for j := r.FirstJ; j <= r.LastJ; j++ {
				for k := 0; k < depth; k++ {
					a.SetValue(i, j, k, value(i, j, k))
				}
			}
		}
		return nil
	})
	return a, err
}

// check verifies that the owned values of a equal want(i, j, k).
func check(ctx context.Context, a *distarray.Array, want func(i, j, k int) float64) error {
	return a.Do(ctx, false, false, func(a *distarray.Array) error {
		r := a.Grid().Owned(false)
		for i := r.FirstI; i <= r.LastI; i++ {
			for j := r.FirstJ; j <= r.LastJ; j++ {
				for k := 0; k < a.Depth(); k++ {
					got, want := a.Value(i, j, k), want(i, j, k)
					if math.Float64bits(got) != math.Float64bits(want) {
						return fmt.Errorf("(%d,%d,%d): got %v, want %v", i, j, k, got, want)
					}
				}
			}
		}
		return nil
	})
}

func writeArrays(ctx context.Context, dg *distgrid.Grid, path string, opts Options) error {
	f, err := Open(ctx, dg.Comm(), path, Create, opts)
	if err != nil {
		return err
	}
	a, err := newArray(ctx, dg, 3)
	if err != nil {
		return err
	}
	if err := f.WriteArray(ctx, a, "depth", PropertyName("Depth"), Age(12.5)); err != nil {
		return err
	}
	b, err := newArray(ctx, dg, 1)
	if err != nil {
		return err
	}
	if err := f.WriteArray(ctx, b, "temperature", PropertyName("Temperature"), WithPrecision(Float32)); err != nil {
		return err
	}
	return f.Close(ctx)
}

func TestSharedRoundTrip(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	g := testGrid(t, 13, 9)
	for _, nproc := range []int{1, 4} {
		path := filepath.Join(dir, fmt.Sprintf("shared%d.gf", nproc))
		run(t, nproc, g, func(ctx context.Context, dg *distgrid.Grid) error {
			if err := writeArrays(ctx, dg, path, DefaultOptions); err != nil {
				return err
			}
			f, err := Open(ctx, dg.Comm(), path, Read, DefaultOptions)
			if err != nil {
				return err
			}
			a, err := f.ReadArray(ctx, dg, "depth")
			if err != nil {
				return err
			}
			if a.Depth() != 3 || a.Undefined() != undef {
				return fmt.Errorf("depth %d undefined %v", a.Depth(), a.Undefined())
			}
			if err := check(ctx, a, value); err != nil {
				return err
			}
			b, err := f.ReadArray(ctx, dg, "temperature")
			if err != nil {
				return err
			}
			if b.Depth() != 1 {
				return fmt.Errorf("depth %d", b.Depth())
			}
			err = check(ctx, b, func(i, j, k int) float64 {
				v := value(i, j, k)
				if v == undef {
					return v
				}
				return float64(float32(v))
			})
			if err != nil {
				return err
			}
			rg, err := f.Grid(ctx)
			if err != nil {
				return err
			}
			if rg != g {
				return fmt.Errorf("grid: got %v, want %v", rg, g)
			}
			return f.Close(ctx)
		})

		ctx := context.Background()
		r, err := gridfile.Open(ctx, path)
		assert.NoError(t, err)
		info, err := r.Info("depth")
		assert.NoError(t, err)
		expect.EQ(t, info.DType, gridfile.Float64)
		expect.EQ(t, info.Dims, []int{13, 9, 3})
		expect.EQ(t, info.Attrs[attrProperty], "Depth")
		expect.EQ(t, info.Attrs[attrGrid], "basin")
		expect.EQ(t, info.Attrs[attrNull], float32(undef))
		expect.EQ(t, info.Attrs[attrAge], 12.5)
		info, err = r.Info("temperature")
		assert.NoError(t, err)
		expect.EQ(t, info.DType, gridfile.Float32)
		expect.EQ(t, info.Dims, []int{13, 9})
		depth, err := r.Read(ctx, descMaxDepth)
		assert.NoError(t, err)
		expect.EQ(t, depth, []float64{3})
		assert.NoError(t, r.Close(ctx))
	}
}

func TestPerProcessMerge(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	var (
		g      = testGrid(t, 21, 11)
		shared = filepath.Join(dir, "shared.gf")
		merged = filepath.Join(dir, "merged.gf")
		opts   = Options{Layout: PerProcess, Chunk: 4, MergeOnClose: true}
	)
	const nproc = 6
	run(t, nproc, g, func(ctx context.Context, dg *distgrid.Grid) error {
		if err := writeArrays(ctx, dg, shared, DefaultOptions); err != nil {
			return err
		}
		if err := writeArrays(ctx, dg, merged, opts); err != nil {
			return err
		}
		f, err := Open(ctx, dg.Comm(), merged, Read, opts)
		if err != nil {
			return err
		}
		a, err := f.ReadArray(ctx, dg, "depth")
		if err != nil {
			return err
		}
		if err := check(ctx, a, value); err != nil {
			return err
		}
		return f.Close(ctx)
	})
	for rank := 0; rank < nproc; rank++ {
		_, err := os.Stat(PerProcessPath(merged, rank, nproc))
		expect.True(t, os.IsNotExist(err))
	}

	ctx := context.Background()
	want, err := gridfile.Open(ctx, shared)
	assert.NoError(t, err)
	defer want.Close(ctx)
	got, err := gridfile.Open(ctx, merged)
	assert.NoError(t, err)
	defer got.Close(ctx)
	expect.EQ(t, got.Datasets(), want.Datasets())
	for _, name := range want.Datasets() {
		wi, err := want.Info(name)
		assert.NoError(t, err)
		gi, err := got.Info(name)
		assert.NoError(t, err)
		expect.EQ(t, gi.DType, wi.DType, name)
		expect.EQ(t, gi.Dims, wi.Dims, name)
		expect.EQ(t, gi.Attrs, wi.Attrs, name)
		wv, err := want.Read(ctx, name)
		assert.NoError(t, err)
		gv, err := got.Read(ctx, name)
		assert.NoError(t, err)
		expect.EQ(t, gv, wv, name)
	}
}

func TestSumCombine(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	g := testGrid(t, 4, 4)
	for _, layout := range []Layout{Shared, PerProcess} {
		path := filepath.Join(dir, layout.String()+".gf")
		opts := Options{Layout: layout}
		run(t, 2, g, func(ctx context.Context, dg *distgrid.Grid) error {
			a, err := distarray.New(dg, 1, undef, 0)
			if err != nil {
				return err
			}
			if _, err := a.Retrieve(ctx, true); err != nil {
				return err
			}
			a.Fill(1)
			// Leave one node of the halo undefined on every rank.
			r := a.Extent()
			a.SetValue(r.FirstI, r.FirstJ, 0, undef)
			f, err := Open(ctx, dg.Comm(), path, Create, opts)
			if err != nil {
				return err
			}
			if err := f.WriteArray(ctx, a, "count", WithCombine(Sum)); err != nil {
				return err
			}
			if err := a.Restore(ctx, false, false); err != nil {
				return err
			}
			if err := f.Close(ctx); err != nil {
				return err
			}
			if layout == PerProcess && dg.Comm().Rank() == 0 {
				err = Merge(ctx, path, dg.Comm().Size(), opts, nil)
			}
			return dg.Comm().Agree(ctx, err)
		})

		// Ranks own I in [0,1] and [2,3]; their halos overlap at I=1 and
		// I=2. Rank 0's undefined node is (0,0); rank 1's is (1,0).
		ctx := context.Background()
		r, err := gridfile.Open(ctx, path)
		assert.NoError(t, err)
		got, err := r.Read(ctx, "count")
		assert.NoError(t, err)
		want := []float64{
			undef, 1, 1, 1,
			1, 2, 2, 2,
			2, 2, 2, 2,
			1, 1, 1, 1,
		}
		expect.EQ(t, got, want, layout)
		assert.NoError(t, r.Close(ctx))
	}
}

func TestReadErrors(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	path := filepath.Join(dir, "x.gf")
	g := testGrid(t, 6, 5)
	run(t, 3, g, func(ctx context.Context, dg *distgrid.Grid) error {
		if err := writeArrays(ctx, dg, path, DefaultOptions); err != nil {
			return err
		}
		if _, err := Open(ctx, dg.Comm(), filepath.Join(dir, "missing"), Read, DefaultOptions); !errors.Is(errors.NotExist, err) {
			return fmt.Errorf("open missing: got %v", err)
		}
		f, err := Open(ctx, dg.Comm(), path, Read, DefaultOptions)
		if err != nil {
			return err
		}
		if _, err := f.ReadArray(ctx, dg, "pressure"); !errors.Is(errors.NotExist, err) {
			return fmt.Errorf("missing dataset: got %v", err)
		}
		a, err := f.ReadArray(ctx, dg, "depth", Undefined(-1))
		if err != nil {
			return err
		}
		err = check(ctx, a, func(i, j, k int) float64 {
			if v := value(i, j, k); v != undef {
				return v
			}
			return -1
		})
		if err != nil {
			return err
		}
		if err := f.WriteArray(ctx, a, "copy"); !errors.Is(errors.Invalid, err) {
			return fmt.Errorf("write to reader: got %v", err)
		}
		other, err := grid.New(0, 0, 10, 10, 11, 11)
		if err != nil {
			return err
		}
		odg, err := distgrid.New(ctx, dg.Comm(), other)
		if err != nil {
			return err
		}
		if _, err := f.ReadArray(ctx, odg, "depth"); !errors.Is(errors.Invalid, err) {
			return fmt.Errorf("grid mismatch: got %v", err)
		}
		return f.Close(ctx)
	})
}

func TestConfig(t *testing.T) {
	l, err := ParseLayout("perprocess")
	assert.NoError(t, err)
	expect.EQ(t, l, PerProcess)
	_, err = ParseLayout("striped")
	expect.True(t, errors.Is(errors.Invalid, err))
	expect.EQ(t, Options{Chunk: 4}.chunkDims([]int{10, 3, 2}), []int{4, 3, 2})
	expect.EQ(t, PerProcessPath("s3://bucket/out.gf", 3, 12), "s3://bucket/out.gf.003-of-012")
}

func TestConfigProfile(t *testing.T) {
	p := config.New()
	var opts Options
	assert.NoError(t, p.Instance("gridio", &opts))
	expect.EQ(t, opts, DefaultOptions)

	p = config.New()
	assert.NoError(t, p.Parse(strings.NewReader(`
param gridio (
	layout = "perprocess"
	chunk = 8
	merge-on-close = true
)
`)))
	assert.NoError(t, p.Instance("gridio", &opts))
	expect.EQ(t, opts, Options{Layout: PerProcess, Chunk: 8, MergeOnClose: true})

	p = config.New()
	assert.NoError(t, p.Set("gridio.layout", "striped"))
	err := p.Instance("gridio", &opts)
	expect.True(t, errors.Is(errors.Invalid, err), err)
}
