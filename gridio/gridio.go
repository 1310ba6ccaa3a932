// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package gridio persists distributed arrays as named datasets in
// gridfile containers. Every operation on a File is collective: all
// ranks of the communicator must call it, in the same order and with
// the same arguments, and all ranks return the same outcome.
//
// Containers are written in one of two layouts, chosen by
// configuration. In the shared layout, rank 0 gathers every rank's
// hyperslab and appends the assembled dataset to a single container.
// In the per-process layout, each rank writes its hyperslabs to a
// private container, and Merge later combines them into the
// canonical container.
package gridio

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gridslice/comm"
	"github.com/grailbio/gridslice/distarray"
	"github.com/grailbio/gridslice/distgrid"
	"github.com/grailbio/gridslice/grid"
	"github.com/grailbio/gridslice/gridfile"
)

// Mode is the access mode of a File.
type Mode int

const (
	// Create creates a new container, replacing any existing one.
	Create Mode = iota
	// Read opens an existing container for reading.
	Read
)

func (m Mode) String() string {
	switch m {
	case Create:
		return "create"
	case Read:
		return "read"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// PerProcessPath returns the path of the private container of the
// provided rank, in a world of n ranks.
func PerProcessPath(path string, rank, n int) string {
	return fmt.Sprintf("%s.%03d-of-%03d", path, rank, n)
}

// A File is a container opened collectively by every rank of a
// communicator.
type File struct {
	comm *comm.Comm
	path string
	mode Mode
	opts Options

	// w is the writer of this rank's container. In the shared layout
	// only rank 0 has one.
	w *gridfile.Writer
	r *gridfile.Reader

	desc *description
}

// Open opens the container at path on every rank of c. In Read mode,
// every rank opens the canonical container at path, regardless of
// the configured layout.
func Open(ctx context.Context, c *comm.Comm, path string, mode Mode, opts Options) (*File, error) {
	if opts.Chunk <= 0 {
		opts.Chunk = gridfile.DefaultChunk
	}
	f := &File{comm: c, path: path, mode: mode, opts: opts}
	var err error
	switch mode {
	case Create:
		switch opts.Layout {
		case Shared:
			if c.Rank() == 0 {
				f.w, err = gridfile.Create(ctx, path)
			}
		case PerProcess:
			f.w, err = gridfile.Create(ctx, PerProcessPath(path, c.Rank(), c.Size()))
		default:
			err = errors.E(errors.Invalid, fmt.Sprintf("gridio.Open %s: invalid layout %s", path, opts.Layout))
		}
	case Read:
		f.r, err = gridfile.Open(ctx, path)
	default:
		err = errors.E(errors.Invalid, fmt.Sprintf("gridio.Open %s: invalid mode %s", path, mode))
	}
	if err = c.Agree(ctx, err); err != nil {
		if f.w != nil {
			_ = f.w.Close(ctx)
		}
		if f.r != nil {
			_ = f.r.Close(ctx)
		}
		return nil, err
	}
	return f, nil
}

// Path returns the path of the canonical container.
func (f *File) Path() string { return f.path }

// Options returns the options with which the file was opened.
func (f *File) Options() Options { return f.opts }

// Datasets returns the names of the datasets in a file opened for
// reading.
func (f *File) Datasets() []string {
	if f.r == nil {
		return nil
	}
	return f.r.Datasets()
}

// Info describes the named dataset of a file opened for reading.
func (f *File) Info(name string) (*gridfile.Info, error) {
	if f.r == nil {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("gridio %s: not open for reading", f.path))
	}
	return f.r.Info(name)
}

// Grid returns the grid description stored in a file opened for
// reading.
func (f *File) Grid(ctx context.Context) (grid.Grid, error) {
	if f.r == nil {
		return grid.Grid{}, errors.E(errors.Invalid, fmt.Sprintf("gridio %s: not open for reading", f.path))
	}
	return ReadGrid(ctx, f.r)
}

// WriteArray writes the owned values of arr as the named dataset.
// The dataset is shaped by the global extent of the array's grid,
// with a third axis for arrays of depth greater than 1.
//
// With WithCombine(Sum), each rank contributes its whole checked-out
// extent, and contributions are added element by element. This
// stores the additive halo contributions of arrays that are still
// checked out with ghosts.
func (f *File) WriteArray(ctx context.Context, arr *distarray.Array, name string, opts ...WriteOption) error {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}
	g := arr.Grid().Global()
	if o.gridName == "" {
		o.gridName = g.Name
	}
	u := arr.Undefined()
	attrs := gridfile.Attrs{
		attrNull:    float32(u),
		attrNull64:  u,
		attrCombine: o.combine.String(),
	}
	if o.property != "" {
		attrs[attrProperty] = o.property
	}
	if o.gridName != "" {
		attrs[attrGrid] = o.gridName
	}
	if o.hasAge {
		attrs[attrAge] = o.age
	}
	r, vals := arr.Block(o.combine == Sum)

	var err error
	switch {
	case f.mode != Create:
		err = errors.E(errors.Invalid, fmt.Sprintf("gridio %s: not open for writing", f.path))
	case f.opts.Layout == Shared:
		return f.writeShared(ctx, arr, name, r, vals, attrs, o)
	default:
		if !r.Empty() {
			attrs[attrStart] = []int64{int64(r.FirstI), int64(r.FirstJ)}
			attrs[attrGlobal] = []int64{int64(g.NumI), int64(g.NumJ)}
			dims := datasetDims(r.NumI(), r.NumJ(), arr.Depth())
			err = f.w.WriteDataset(ctx, &gridfile.Dataset{
				Name:      name,
				DType:     o.precision.dtype(),
				Dims:      dims,
				ChunkDims: f.opts.chunkDims(dims),
				Attrs:     attrs,
				Data:      vals,
			})
		}
	}
	if err == nil {
		f.note(arr)
	}
	return f.comm.Agree(ctx, err)
}

func (f *File) writeShared(ctx context.Context, arr *distarray.Array, name string, r distgrid.Rect, vals []float64, attrs gridfile.Attrs, o writeOptions) error {
	block := append([]float64{float64(r.FirstI), float64(r.LastI), float64(r.FirstJ), float64(r.LastJ)}, vals...)
	parts, err := f.comm.GatherFloat64s(ctx, 0, block)
	if err != nil {
		return err
	}
	if f.comm.Rank() == 0 {
		var (
			g     = arr.Grid().Global()
			depth = arr.Depth()
			dims  = datasetDims(g.NumI, g.NumJ, depth)
			data  = make([]float64, g.NumI*g.NumJ*depth)
		)
		for i := range data {
			data[i] = arr.Undefined()
		}
		for _, p := range parts {
			r := distgrid.Rect{FirstI: int(p[0]), LastI: int(p[1]), FirstJ: int(p[2]), LastJ: int(p[3])}
			combineInto(data, g.NumJ, depth, r, p[4:], o.combine, arr.Undefined())
		}
		err = f.w.WriteDataset(ctx, &gridfile.Dataset{
			Name:      name,
			DType:     o.precision.dtype(),
			Dims:      dims,
			ChunkDims: f.opts.chunkDims(dims),
			Attrs:     attrs,
			Data:      data,
		})
		if err == nil {
			log.Debug.Printf("gridio %s: wrote %s from %d ranks", f.path, name, len(parts))
		}
	}
	if err == nil {
		f.note(arr)
	}
	return f.comm.Agree(ctx, err)
}

// ReadArray reads the named dataset into a new array on g. Each rank
// reads only the chunks that intersect its owned range. The depth of
// the array is the length of the dataset's third axis, and its
// undefined value is the dataset's null value unless overridden by
// Undefined.
func (f *File) ReadArray(ctx context.Context, g *distgrid.Grid, name string, opts ...ReadOption) (*distarray.Array, error) {
	var o readOptions
	for _, opt := range opts {
		opt(&o)
	}
	arr, err := f.readArray(ctx, g, name, o)
	if err = f.comm.Agree(ctx, err); err != nil {
		return nil, err
	}
	return arr, nil
}

func (f *File) readArray(ctx context.Context, g *distgrid.Grid, name string, o readOptions) (*distarray.Array, error) {
	info, err := f.Info(name)
	if err != nil {
		return nil, err
	}
	if nd := len(info.Dims); nd < 2 || nd > 3 || info.Dims[0] != g.NumI() || info.Dims[1] != g.NumJ() {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("gridio %s: dataset %s%v does not fit grid %s", f.path, name, info.Dims, g.Global()))
	}
	var (
		depth             = info.Depth()
		stored, undefined = Nulls(info)
		r                 = g.Owned(false)
		start             = []int{r.FirstI, r.FirstJ}
		count             = []int{r.NumI(), r.NumJ()}
	)
	if o.hasUndefined {
		undefined = o.undefined
	}
	if len(info.Dims) == 3 {
		start, count = append(start, 0), append(count, depth)
	}
	vals, err := f.r.ReadSlab(ctx, name, start, count)
	if err != nil {
		return nil, err
	}
	for i, v := range vals {
		if v == stored {
			vals[i] = undefined
		}
	}
	arr, err := distarray.New(g, depth, undefined, undefined)
	if err != nil {
		return nil, err
	}
	if err := arr.LoadOwned(vals); err != nil {
		return nil, err
	}
	return arr, nil
}

// Close closes the file. Files created with the per-process layout
// and MergeOnClose are merged into the canonical container once every
// rank has closed its own.
func (f *File) Close(ctx context.Context) error {
	var err error
	switch {
	case f.r != nil:
		err = f.r.Close(ctx)
	case f.w != nil:
		if f.desc != nil {
			err = writeDescription(ctx, f.w, *f.desc)
		}
		if cerr := f.w.Close(ctx); err == nil {
			err = cerr
		}
	}
	if err = f.comm.Agree(ctx, err); err != nil {
		return err
	}
	if f.mode != Create || f.opts.Layout != PerProcess || !f.opts.MergeOnClose {
		return nil
	}
	if f.comm.Rank() == 0 {
		err = Merge(ctx, f.path, f.comm.Size(), f.opts, nil)
	}
	return f.comm.Agree(ctx, err)
}

// note records the grid of an array written to the file; the first
// grid written is the file's grid description.
func (f *File) note(arr *distarray.Array) {
	if f.desc == nil {
		f.desc = &description{grid: arr.Grid().Global(), null: arr.Undefined()}
	}
	if d := arr.Depth(); d > f.desc.maxDepth {
		f.desc.maxDepth = d
	}
}

func datasetDims(numI, numJ, depth int) []int {
	if depth == 1 {
		return []int{numI, numJ}
	}
	return []int{numI, numJ, depth}
}

// combineInto combines the block src, covering r, into dst, an array
// of numJ columns and the provided depth.
func combineInto(dst []float64, numJ, depth int, r distgrid.Rect, src []float64, mode Combine, undefined float64) {
	n := 0
	for i := r.FirstI; i <= r.LastI; i++ {
		for j := r.FirstJ; j <= r.LastJ; j++ {
			off := (i*numJ + j) * depth
			for k := 0; k < depth; k++ {
				v := src[n]
				n++
				switch {
				case mode == Place:
					dst[off+k] = v
				case v == undefined:
				case dst[off+k] == undefined:
					dst[off+k] = v
				default:
					dst[off+k] += v
				}
			}
		}
	}
}
