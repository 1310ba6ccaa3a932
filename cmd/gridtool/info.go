// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gridslice/gridfile"
	"github.com/grailbio/gridslice/gridio"
	"gonum.org/v1/gonum/floats"
)

func infoCmd(args []string) error {
	var (
		flags = flag.NewFlagSet("gridtool info", flag.ExitOnError)
		stats = flags.Bool("stats", false, "compute the range of every dataset")
	)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: gridtool info [-stats] path\n")
		flags.PrintDefaults()
		os.Exit(2)
	}
	flags.Parse(args)
	if flags.NArg() != 1 {
		flags.Usage()
	}
	ctx := context.Background()
	r, err := gridfile.Open(ctx, flags.Arg(0))
	if err != nil {
		return err
	}
	defer r.Close(ctx)
	return describe(ctx, os.Stdout, r, *stats)
}

// describe prints the grid description and the datasets of the
// container read by r.
func describe(ctx context.Context, w io.Writer, r *gridfile.Reader, stats bool) error {
	g, err := gridio.ReadGrid(ctx, r)
	switch {
	case err == nil:
		fmt.Fprintf(w, "grid %s\n", g)
		fmt.Fprintf(w, "\torigin (%g, %g) delta (%g, %g)\n", g.MinI, g.MinJ, g.DeltaI(), g.DeltaJ())
	case errors.Is(errors.NotExist, err):
		fmt.Fprintln(w, "no grid description")
	default:
		return err
	}
	tw := tabwriter.NewWriter(w, 2, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "dataset\ttype\tshape\tattributes\trange")
	for _, name := range r.Datasets() {
		if gridio.IsDescription(name) {
			continue
		}
		info, err := r.Info(name)
		if err != nil {
			return err
		}
		rng := "-"
		if stats {
			vals, err := r.Read(ctx, name)
			if err != nil {
				return err
			}
			stored, _ := gridio.Nulls(info)
			rng = valueRange(vals, stored)
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\t%s\t%s\n", name, info.DType, info.Dims, formatAttrs(info.Attrs), rng)
	}
	return tw.Flush()
}

func formatAttrs(attrs gridfile.Attrs) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var s string
	for i, k := range keys {
		if i > 0 {
			s += " "
		}
		s += fmt.Sprintf("%s=%v", k, attrs[k])
	}
	return s
}

// valueRange formats the range and count of the defined values.
func valueRange(vals []float64, null float64) string {
	defined := make([]float64, 0, len(vals))
	for _, v := range vals {
		if v != null {
			defined = append(defined, v)
		}
	}
	if len(defined) == 0 {
		return "undefined"
	}
	return fmt.Sprintf("[%g, %g] n=%d", floats.Min(defined), floats.Max(defined), len(defined))
}
