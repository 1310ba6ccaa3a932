// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gridfile

import (
	"bufio"
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/spaolacci/murmur3"
)

// A Dataset is a named N-dimensional array together with its
// attributes and storage layout.
type Dataset struct {
	Name string
	// DType is the stored element type. It defaults to Float64.
	DType DType
	// Dims is the shape of the dataset.
	Dims []int
	// ChunkDims is the chunk shape. It defaults to
	// ChunkDims(Dims, DefaultChunk).
	ChunkDims []int
	Attrs     Attrs
	// Data holds the dataset's values in row-major order.
	Data []float64
}

type indexEntry struct {
	name   string
	offset int64
}

// A Writer appends datasets to a new container.
type Writer struct {
	path  string
	f     file.File
	buf   *bufio.Writer
	enc   *encoder
	index []indexEntry
	names map[string]bool
}

// Create creates a new container at path, truncating any existing
// file.
func Create(ctx context.Context, path string) (*Writer, error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("gridfile.Create %s", path), err)
	}
	w := &Writer{path: path, f: f, names: make(map[string]bool)}
	w.buf = bufio.NewWriterSize(f.Writer(ctx), 1<<20)
	w.enc = &encoder{w: w.buf}
	w.enc.write([]byte(magic))
	w.enc.u32(version)
	return w, w.enc.err
}

// Path returns the path of the container.
func (w *Writer) Path() string { return w.path }

// WriteDataset appends d to the container. Dataset names must be
// unique within a container.
func (w *Writer) WriteDataset(ctx context.Context, d *Dataset) error {
	if w.enc.err != nil {
		return w.enc.err
	}
	if err := d.validate(); err != nil {
		return err
	}
	if w.names[d.Name] {
		return errors.E(errors.Exists, fmt.Sprintf("gridfile %s: dataset %s already exists", w.path, d.Name))
	}
	dtype, chunk := d.DType, d.ChunkDims
	if dtype == 0 {
		dtype = Float64
	}
	if chunk == nil {
		chunk = ChunkDims(d.Dims, DefaultChunk)
	}
	w.names[d.Name] = true
	w.index = append(w.index, indexEntry{d.Name, w.enc.off})

	e := w.enc
	e.str(d.Name)
	e.u8(uint8(dtype))
	e.u8(uint8(len(d.Dims)))
	for _, n := range d.Dims {
		e.u64(uint64(n))
	}
	for _, n := range chunk {
		e.u64(uint64(n))
	}
	keys := d.Attrs.keys()
	e.u32(uint32(len(keys)))
	for _, k := range keys {
		e.attr(k, d.Attrs[k])
	}
	grid := chunkGrid(d.Dims, chunk)
	e.u32(uint32(product(grid)))
	var (
		coords  = make([]int, len(grid))
		zero    = make([]int, len(grid))
		vals    []float64
		payload []byte
		nchunk  int
	)
	for {
		origin, shape := chunkBox(d.Dims, chunk, coords)
		n := product(shape)
		if cap(vals) < n {
			vals = make([]float64, n)
		}
		vals = vals[:n]
		copyBox(vals, shape, zero, d.Data, d.Dims, origin, shape)
		payload = encodeValues(payload[:0], dtype, vals)
		for _, c := range coords {
			e.u64(uint64(c))
		}
		e.u64(uint64(len(payload)))
		e.u64(murmur3.Sum64(payload))
		e.write(payload)
		nchunk++
		if !next(coords, grid) {
			break
		}
	}
	if e.err != nil {
		return errors.E(fmt.Sprintf("gridfile %s: write dataset %s", w.path, d.Name), e.err)
	}
	log.Debug.Printf("gridfile %s: wrote dataset %s %s%v in %d chunks", w.path, d.Name, dtype, d.Dims, nchunk)
	return nil
}

// Close writes the container's index and closes it. A container is
// not readable until it is closed.
func (w *Writer) Close(ctx context.Context) error {
	e := w.enc
	indexOffset := e.off
	e.u32(uint32(len(w.index)))
	for _, ent := range w.index {
		e.str(ent.name)
		e.u64(uint64(ent.offset))
	}
	e.u64(uint64(indexOffset))
	e.write([]byte(magic))
	err := e.err
	if err == nil {
		err = w.buf.Flush()
	}
	if cerr := w.f.Close(ctx); err == nil {
		err = cerr
	}
	if err != nil {
		return errors.E(fmt.Sprintf("gridfile.Close %s", w.path), err)
	}
	return nil
}

func (d *Dataset) validate() error {
	if d.Name == "" {
		return errors.E(errors.Invalid, "gridfile: dataset has no name")
	}
	if len(d.Dims) == 0 || len(d.Dims) > 255 {
		return errors.E(errors.Invalid, fmt.Sprintf("gridfile: dataset %s: invalid rank %d", d.Name, len(d.Dims)))
	}
	for _, n := range d.Dims {
		if n <= 0 {
			return errors.E(errors.Invalid, fmt.Sprintf("gridfile: dataset %s: invalid shape %v", d.Name, d.Dims))
		}
	}
	if d.DType != 0 && d.DType.Size() == 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("gridfile: dataset %s: invalid type %s", d.Name, d.DType))
	}
	if d.ChunkDims != nil {
		if len(d.ChunkDims) != len(d.Dims) {
			return errors.E(errors.Invalid,
				fmt.Sprintf("gridfile: dataset %s: chunk shape %v does not match shape %v", d.Name, d.ChunkDims, d.Dims))
		}
		for _, n := range d.ChunkDims {
			if n <= 0 {
				return errors.E(errors.Invalid, fmt.Sprintf("gridfile: dataset %s: invalid chunk shape %v", d.Name, d.ChunkDims))
			}
		}
	}
	for k, v := range d.Attrs {
		switch v.(type) {
		case string, float32, float64, int64, []int64, []float64:
		default:
			return errors.E(errors.Invalid, fmt.Sprintf("gridfile: dataset %s: attribute %s: unsupported type %T", d.Name, k, v))
		}
	}
	if got, want := len(d.Data), product(d.Dims); got != want {
		return errors.E(errors.Invalid,
			fmt.Sprintf("gridfile: dataset %s: %d values for shape %v (%d values)", d.Name, got, d.Dims, want))
	}
	return nil
}

// next advances coords to the next chunk in row-major order. It
// returns false after the last chunk.
func next(coords, grid []int) bool {
	for a := len(coords) - 1; a >= 0; a-- {
		coords[a]++
		if coords[a] < grid[a] {
			return true
		}
		coords[a] = 0
	}
	return false
}
