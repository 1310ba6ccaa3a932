// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/gob"
	"flag"
	"fmt"
	"math"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/gridslice/comm"
	"github.com/grailbio/gridslice/distarray"
	"github.com/grailbio/gridslice/distgrid"
	"github.com/grailbio/gridslice/grid"
	"github.com/grailbio/gridslice/gridio"
	"github.com/grailbio/gridslice/stats"
)

func init() {
	gob.Register(demoConfig{})
	gob.Register(demoSummary{})
}

// DemoConfig configures the demonstration. It is passed to every
// rank, possibly on another machine.
type demoConfig struct {
	Nproc      int
	NumI, NumJ int
	Factor     int
	Extrapol   bool
	Out        string
	Opts       gridio.Options
}

// DemoSummary holds the collective results of the demonstration, as
// seen by every rank.
type demoSummary struct {
	Grid, Coarse       grid.Grid
	Min, Max, Avg      float64
	Defined, Resampled int
	RMS                float64
}

// A runner runs rank programs over a world of ranks.
type runner interface {
	Size() int
	RunFunc(ctx context.Context, f *comm.Func, arg interface{}) ([]interface{}, error)
	Stats() stats.Values
}

func demoCmd(opts gridio.Options, args []string) error {
	var (
		flags  = flag.NewFlagSet("gridtool demo", flag.ExitOnError)
		cfg    = demoConfig{Opts: opts}
		system string
	)
	flags.IntVar(&cfg.Nproc, "n", 4, "number of ranks")
	flags.IntVar(&cfg.NumI, "ni", 101, "number of nodes along I")
	flags.IntVar(&cfg.NumJ, "nj", 81, "number of nodes along J")
	flags.IntVar(&cfg.Factor, "factor", 4, "coarsening factor of the resampled grid")
	flags.BoolVar(&cfg.Extrapol, "extrapolate", false, "extrapolate across partly defined cells when refining")
	flags.StringVar(&cfg.Out, "out", "", "container to which the arrays are written")
	flags.StringVar(&system, "system", "", `system on which ranks run: "" for goroutines in process, "local" for local processes`)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: gridtool demo [flags]

Demo partitions a synthetic depth surface over a set of ranks,
coarsens it and refines it again, and reports the collective
statistics of the result. With -out, the arrays are written to a
container using the configured layout.
`)
		flags.PrintDefaults()
		os.Exit(2)
	}
	flags.Parse(args)
	ctx := context.Background()
	var r runner
	switch system {
	case "":
		r = comm.NewWorld(cfg.Nproc)
	case "local":
		// Worker processes re-execute the tool and never return
		// from bigmachine.Start.
		b := bigmachine.Start(bigmachine.Local)
		defer b.Shutdown()
		cluster, err := comm.StartCluster(ctx, b, cfg.Nproc)
		if err != nil {
			return err
		}
		defer cluster.Close()
		r = cluster
	default:
		return errors.E(errors.Invalid, fmt.Sprintf("demo: unknown system %q", system))
	}
	sum, err := runDemo(ctx, r, cfg)
	if err != nil {
		return err
	}
	log.Printf("grid %s over %d ranks: depth [%.2f, %.2f] average %.2f at %d nodes",
		sum.Grid, r.Size(), sum.Min, sum.Max, sum.Avg, sum.Defined)
	log.Printf("resampled through %s: %d nodes defined, rms residual %.4f", sum.Coarse, sum.Resampled, sum.RMS)
	log.Printf("traffic: %s", r.Stats())
	return nil
}

// surface is the synthetic depth at (x, y). It is undefined outside
// an elliptical area of interest.
func surface(g grid.Grid, x, y float64) (float64, bool) {
	cx, cy := (g.MinI+g.MaxI)/2, (g.MinJ+g.MaxJ)/2
	dx, dy := (x-cx)/(g.MaxI-g.MinI), (y-cy)/(g.MaxJ-g.MinJ)
	if dx*dx+dy*dy > 0.2 {
		return 0, false
	}
	return 2000 + 300*math.Sin(x/1500)*math.Cos(y/1100), true
}

const demoNull = 99999

// runDemo runs the demonstration on the ranks of r and returns the
// summary computed by rank 0.
func runDemo(ctx context.Context, r runner, cfg demoConfig) (demoSummary, error) {
	if cfg.Factor < 1 || (cfg.NumI-1)%cfg.Factor != 0 || (cfg.NumJ-1)%cfg.Factor != 0 {
		return demoSummary{}, errors.E(errors.Invalid,
			fmt.Sprintf("demo: %dx%d nodes cannot be coarsened by %d", cfg.NumI, cfg.NumJ, cfg.Factor))
	}
	results, err := r.RunFunc(ctx, demoFunc, cfg)
	if err != nil {
		return demoSummary{}, err
	}
	sum, ok := results[0].(demoSummary)
	if !ok {
		return demoSummary{}, errors.E(errors.Integrity, fmt.Sprintf("demo: unexpected result %T", results[0]))
	}
	return sum, nil
}

var demoFunc = comm.NewFunc(func(ctx context.Context, c *comm.Comm, arg interface{}) (interface{}, error) {
	return demoRank(ctx, c, arg.(demoConfig))
})

// demoRank is the demonstration as run by a single rank.
func demoRank(ctx context.Context, c *comm.Comm, cfg demoConfig) (demoSummary, error) {
	var sum demoSummary
	fine, err := grid.New(0, 0, 25*float64(cfg.NumI-1), 25*float64(cfg.NumJ-1), cfg.NumI, cfg.NumJ)
	if err != nil {
		return sum, err
	}
	fine.Name = "fine"
	coarse := fine
	coarse.Name = "coarse"
	coarse.NumI = (cfg.NumI-1)/cfg.Factor + 1
	coarse.NumJ = (cfg.NumJ-1)/cfg.Factor + 1
	if err := coarse.Validate(); err != nil {
		return sum, err
	}
	fringe := distarray.FringeUndefined
	if cfg.Extrapol {
		fringe = distarray.FringeExtrapolate
	}
	sum.Grid, sum.Coarse = fine, coarse
	hi, err := distgrid.New(ctx, c, fine)
	if err != nil {
		return sum, err
	}
	lo, err := distgrid.NewCompatible(ctx, c, coarse, hi)
	if err != nil {
		return sum, err
	}
	depth, err := distarray.New(hi, 1, demoNull, demoNull)
	if err != nil {
		return sum, err
	}
	err = depth.Do(ctx, false, true, func(a *distarray.Array) error {
		r := hi.Owned(false)
		for i := r.FirstI; i <= r.LastI; i++ {
			for j := r.FirstJ; j <= r.LastJ; j++ {
				x, y := hi.Position(i, j)
				if v, ok := surface(fine, x, y); ok {
					a.SetValue(i, j, 0, v)
				}
			}
		}
		return nil
	})
	if err != nil {
		return sum, err
	}
	if sum.Min, sum.Max, err = depth.MinMax(ctx); err != nil {
		return sum, err
	}
	if sum.Avg, err = depth.Average(ctx); err != nil {
		return sum, err
	}
	if sum.Defined, err = depth.DefinedCount(ctx); err != nil {
		return sum, err
	}

	coarseDepth, err := distarray.New(lo, 1, demoNull, demoNull)
	if err != nil {
		return sum, err
	}
	if err := distarray.ResampleInto(ctx, depth, coarseDepth, fringe); err != nil {
		return sum, err
	}
	refined, err := distarray.New(hi, 1, demoNull, demoNull)
	if err != nil {
		return sum, err
	}
	if err := distarray.ResampleInto(ctx, coarseDepth, refined, fringe); err != nil {
		return sum, err
	}
	residual, err := distarray.New(hi, 1, demoNull, demoNull)
	if err != nil {
		return sum, err
	}
	if err := distarray.Apply(residual, distarray.Subtract, refined, depth); err != nil {
		return sum, err
	}
	ss, err := residual.SumOfSquares(ctx)
	if err != nil {
		return sum, err
	}
	n, err := residual.DefinedCount(ctx)
	if err != nil {
		return sum, err
	}
	if n > 0 {
		sum.RMS = math.Sqrt(ss / float64(n))
	}
	if sum.Resampled, err = refined.DefinedCount(ctx); err != nil {
		return sum, err
	}
	if cfg.Out == "" {
		return sum, nil
	}
	f, err := gridio.Open(ctx, c, cfg.Out, gridio.Create, cfg.Opts)
	if err != nil {
		return sum, err
	}
	for _, w := range []struct {
		name string
		arr  *distarray.Array
		opts []gridio.WriteOption
	}{
		{"depth", depth, []gridio.WriteOption{gridio.PropertyName("Depth")}},
		{"refined", refined, []gridio.WriteOption{gridio.PropertyName("Depth"), gridio.WithPrecision(gridio.Float32)}},
		{"residual", residual, []gridio.WriteOption{gridio.PropertyName("Residual")}},
	} {
		if err := f.WriteArray(ctx, w.arr, w.name, w.opts...); err != nil {
			return sum, err
		}
	}
	return sum, f.Close(ctx)
}
