// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gridslice/eclbin"
	"github.com/grailbio/gridslice/gridfile"
	"github.com/grailbio/gridslice/gridio"
)

func exportCmd(args []string) (err error) {
	var (
		flags   = flag.NewFlagSet("gridtool export", flag.ExitOnError)
		keyword = flags.String("keyword", "", "keyword of the exported values; defaults to the upper-cased dataset name")
		little  = flags.Bool("little-endian", false, "write little-endian records")
		null    = flags.Float64("null", 0, "value written for undefined nodes")
	)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: gridtool export [flags] container dataset output

Export writes the named dataset as a DIMENS keyword followed by the
dataset's values, with I varying fastest, then J, then the layer.
`)
		flags.PrintDefaults()
		os.Exit(2)
	}
	flags.Parse(args)
	if flags.NArg() != 3 {
		flags.Usage()
	}
	var (
		ctx             = context.Background()
		path, name, out = flags.Arg(0), flags.Arg(1), flags.Arg(2)
	)
	r, err := gridfile.Open(ctx, path)
	if err != nil {
		return err
	}
	defer r.Close(ctx)
	f, err := file.Create(ctx, out)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(ctx); err == nil {
			err = cerr
		}
	}()
	var opts []eclbin.Option
	if *little {
		opts = append(opts, eclbin.ByteOrder(binary.LittleEndian))
	}
	kw := *keyword
	if kw == "" {
		kw = defaultKeyword(name)
	}
	if err := export(ctx, f.Writer(ctx), r, name, kw, *null, opts...); err != nil {
		return err
	}
	log.Printf("exported %s:%s to %s as %s", path, name, out, kw)
	return nil
}

// export writes the named dataset of r to w as simulator keywords.
func export(ctx context.Context, w io.Writer, r *gridfile.Reader, name, keyword string, null float64, opts ...eclbin.Option) error {
	info, err := r.Info(name)
	if err != nil {
		return err
	}
	if nd := len(info.Dims); nd < 2 || nd > 3 {
		return errors.E(errors.Invalid, fmt.Sprintf("dataset %s%v is not a grid", name, info.Dims))
	}
	vals, err := r.Read(ctx, name)
	if err != nil {
		return err
	}
	stored, _ := gridio.Nulls(info)
	for i, v := range vals {
		if v == stored {
			vals[i] = null
		}
	}
	numI, numJ, depth := info.Dims[0], info.Dims[1], info.Depth()
	vals = fortranOrder(vals, numI, numJ, depth)

	ew := eclbin.NewWriter(w, opts...)
	if err := ew.WriteInts("DIMENS", []int32{int32(numI), int32(numJ), int32(depth)}); err != nil {
		return err
	}
	if info.DType == gridfile.Float32 {
		reals := make([]float32, len(vals))
		for i, v := range vals {
			reals[i] = float32(v)
		}
		err = ew.WriteReals(keyword, reals)
	} else {
		err = ew.WriteDoubles(keyword, vals)
	}
	if err != nil {
		return err
	}
	return ew.Flush()
}

// fortranOrder reorders values stored with I slowest and the layer
// fastest so that I varies fastest, then J, then the layer.
func fortranOrder(vals []float64, numI, numJ, depth int) []float64 {
	out := make([]float64, len(vals))
	for i := 0; i < numI; i++ {
		for j := 0; j < numJ; j++ {
			for k := 0; k < depth; k++ {
				out[(k*numJ+j)*numI+i] = vals[(i*numJ+j)*depth+k]
			}
		}
	}
	return out
}

func defaultKeyword(name string) string {
	if n := strings.LastIndex(name, "/"); n >= 0 {
		name = name[n+1:]
	}
	kw := strings.ToUpper(name)
	if len(kw) > 8 {
		kw = kw[:8]
	}
	return kw
}
