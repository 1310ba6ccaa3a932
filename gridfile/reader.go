// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gridfile

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/spaolacci/murmur3"
)

// Info describes a stored dataset.
type Info struct {
	Name      string
	DType     DType
	Dims      []int
	ChunkDims []int
	Attrs     Attrs

	chunks []chunkInfo
}

type chunkInfo struct {
	coords   []int
	offset   int64
	nbytes   int64
	checksum uint64
}

// Depth returns the length of the dataset's third axis, or 1 for
// datasets of lower rank.
func (info *Info) Depth() int {
	if len(info.Dims) < 3 {
		return 1
	}
	return info.Dims[2]
}

// A Reader reads datasets from a container. Readers are not safe
// for concurrent use.
type Reader struct {
	path     string
	f        file.File
	rs       io.ReadSeeker
	size     int64
	names    []string
	datasets map[string]*Info
}

// Open opens the container at path and reads its index.
func Open(ctx context.Context, path string) (*Reader, error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("gridfile.Open %s", path), err)
	}
	r := &Reader{path: path, f: f, rs: f.Reader(ctx), datasets: make(map[string]*Info)}
	if err := r.readIndex(ctx); err != nil {
		_ = f.Close(ctx)
		return nil, errors.E(fmt.Sprintf("gridfile.Open %s", path), err)
	}
	return r, nil
}

func (r *Reader) readIndex(ctx context.Context) error {
	info, err := r.f.Stat(ctx)
	if err != nil {
		return err
	}
	r.size = info.Size()
	if r.size < int64(len(magic)+4+trailerSize) {
		return errors.E(errors.Integrity, fmt.Sprintf("container too short (%d bytes)", r.size))
	}
	head := make([]byte, len(magic)+4)
	if err := r.readAt(head, 0); err != nil {
		return err
	}
	if string(head[:len(magic)]) != magic {
		return errors.E(errors.Integrity, "not a grid container")
	}
	if v := order.Uint32(head[len(magic):]); v != version {
		return errors.E(errors.NotSupported, fmt.Sprintf("unsupported container version %d", v))
	}
	trailer := make([]byte, trailerSize)
	if err := r.readAt(trailer, r.size-int64(trailerSize)); err != nil {
		return err
	}
	if string(trailer[8:]) != magic {
		return errors.E(errors.Integrity, "missing trailer; the container was not closed")
	}
	indexOffset := int64(order.Uint64(trailer))
	if indexOffset < int64(len(head)) || indexOffset > r.size-int64(trailerSize) {
		return errors.E(errors.Integrity, fmt.Sprintf("invalid index offset %d", indexOffset))
	}
	d, _, err := r.decoderAt(indexOffset)
	if err != nil {
		return err
	}
	n := d.length()
	index := make([]indexEntry, n)
	for i := range index {
		index[i].name = d.str()
		index[i].offset = int64(d.u64())
	}
	if d.err != nil {
		return d.err
	}
	for _, ent := range index {
		info, err := r.readHeader(ent.offset)
		if err != nil {
			return err
		}
		if info.Name != ent.name {
			return errors.E(errors.Integrity,
				fmt.Sprintf("index entry %s points to dataset %s", ent.name, info.Name))
		}
		r.names = append(r.names, info.Name)
		r.datasets[info.Name] = info
	}
	return nil
}

// readHeader reads the dataset record at offset, including its chunk
// table.
func (r *Reader) readHeader(offset int64) (*Info, error) {
	d, cr, err := r.decoderAt(offset)
	if err != nil {
		return nil, err
	}
	info := &Info{Name: d.str(), DType: DType(d.u8())}
	nd := int(d.u8())
	info.Dims = make([]int, nd)
	info.ChunkDims = make([]int, nd)
	for a := range info.Dims {
		info.Dims[a] = int(d.u64())
	}
	for a := range info.ChunkDims {
		info.ChunkDims[a] = int(d.u64())
	}
	info.Attrs = make(Attrs)
	for i, n := 0, d.length(); i < n; i++ {
		k, v := d.attr()
		info.Attrs[k] = v
	}
	nchunk := int(d.u32())
	if d.err != nil {
		return nil, d.err
	}
	if info.DType.Size() == 0 || nd == 0 {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("dataset %s: invalid type %s or rank %d", info.Name, info.DType, nd))
	}
	for a := range info.Dims {
		if info.Dims[a] <= 0 || info.ChunkDims[a] <= 0 {
			return nil, errors.E(errors.Integrity,
				fmt.Sprintf("dataset %s: invalid shape %v chunked %v", info.Name, info.Dims, info.ChunkDims))
		}
	}
	grid := chunkGrid(info.Dims, info.ChunkDims)
	if want := product(grid); nchunk != want {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("dataset %s: %d chunks, want %d", info.Name, nchunk, want))
	}
	// Chunk payloads are interleaved with their headers; skip over
	// them to build the chunk table.
	pos := offset + cr.n
	info.chunks = make([]chunkInfo, nchunk)
	hdr := make([]byte, 8*(nd+2))
	for i := range info.chunks {
		if err := r.readAt(hdr, pos); err != nil {
			return nil, err
		}
		c := &info.chunks[i]
		c.coords = make([]int, nd)
		for a := range c.coords {
			c.coords[a] = int(order.Uint64(hdr[8*a:]))
			if c.coords[a] < 0 || c.coords[a] >= grid[a] {
				return nil, errors.E(errors.Integrity,
					fmt.Sprintf("dataset %s: chunk %d: invalid coordinates", info.Name, i))
			}
		}
		c.nbytes = int64(order.Uint64(hdr[8*nd:]))
		c.checksum = order.Uint64(hdr[8*nd+8:])
		c.offset = pos + int64(len(hdr))
		_, shape := chunkBox(info.Dims, info.ChunkDims, c.coords)
		if want := int64(product(shape) * info.DType.Size()); c.nbytes != want || c.offset+c.nbytes > r.size {
			return nil, errors.E(errors.Integrity,
				fmt.Sprintf("dataset %s: chunk %v: invalid size %d", info.Name, c.coords, c.nbytes))
		}
		pos = c.offset + c.nbytes
	}
	return info, nil
}

// Path returns the path of the container.
func (r *Reader) Path() string { return r.path }

// Datasets returns the names of the container's datasets in the
// order in which they were written.
func (r *Reader) Datasets() []string {
	return append([]string(nil), r.names...)
}

// Info returns the description of the named dataset. Missing
// datasets are reported with errors.NotExist.
func (r *Reader) Info(name string) (*Info, error) {
	info, ok := r.datasets[name]
	if !ok {
		return nil, errors.E(errors.NotExist, fmt.Sprintf("gridfile %s: dataset %s does not exist", r.path, name))
	}
	return info, nil
}

// Read reads the whole named dataset.
func (r *Reader) Read(ctx context.Context, name string) ([]float64, error) {
	info, err := r.Info(name)
	if err != nil {
		return nil, err
	}
	return r.ReadSlab(ctx, name, make([]int, len(info.Dims)), info.Dims)
}

// ReadSlab reads the hyperslab of the named dataset with the provided
// start and shape, in row-major order. Only the chunks that intersect
// the hyperslab are read, and their checksums are verified.
func (r *Reader) ReadSlab(ctx context.Context, name string, start, count []int) ([]float64, error) {
	info, err := r.Info(name)
	if err != nil {
		return nil, err
	}
	if len(start) != len(info.Dims) || len(count) != len(info.Dims) {
		return nil, errors.E(errors.Invalid,
			fmt.Sprintf("gridfile %s: dataset %s has rank %d", r.path, name, len(info.Dims)))
	}
	for a := range start {
		if start[a] < 0 || count[a] < 0 || start[a]+count[a] > info.Dims[a] {
			return nil, errors.E(errors.Invalid,
				fmt.Sprintf("gridfile %s: hyperslab %v+%v outside dataset %s%v", r.path, start, count, name, info.Dims))
		}
	}
	var (
		out     = make([]float64, product(count))
		payload []byte
		vals    []float64
	)
	for _, c := range info.chunks {
		origin, shape := chunkBox(info.Dims, info.ChunkDims, c.coords)
		is, ishape, ok := intersect(origin, shape, start, count)
		if !ok {
			continue
		}
		if int64(cap(payload)) < c.nbytes {
			payload = make([]byte, c.nbytes)
		}
		payload = payload[:c.nbytes]
		if err := r.readAt(payload, c.offset); err != nil {
			return nil, errors.E(fmt.Sprintf("gridfile %s: dataset %s", r.path, name), err)
		}
		if sum := murmur3.Sum64(payload); sum != c.checksum {
			return nil, errors.E(errors.Integrity,
				fmt.Sprintf("gridfile %s: dataset %s: chunk %v: checksum mismatch", r.path, name, c.coords))
		}
		n := product(shape)
		if cap(vals) < n {
			vals = make([]float64, n)
		}
		vals = vals[:n]
		decodeValues(vals, info.DType, payload)
		copyBox(out, count, sub(is, start), vals, shape, sub(is, origin), ishape)
	}
	return out, nil
}

// Close closes the container.
func (r *Reader) Close(ctx context.Context) error {
	return r.f.Close(ctx)
}

func (r *Reader) readAt(p []byte, off int64) error {
	if _, err := r.rs.Seek(off, io.SeekStart); err != nil {
		return err
	}
	if _, err := io.ReadFull(r.rs, p); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return errors.E(errors.Integrity, fmt.Sprintf("truncated read of %d bytes at %d", len(p), off), err)
		}
		return err
	}
	return nil
}

// countingReader counts the bytes read through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// decoderAt returns a decoder positioned at off, and a counter of
// the bytes it consumes.
func (r *Reader) decoderAt(off int64) (*decoder, *countingReader, error) {
	if _, err := r.rs.Seek(off, io.SeekStart); err != nil {
		return nil, nil, err
	}
	cr := &countingReader{r: bufio.NewReader(r.rs)}
	return &decoder{r: cr}, cr, nil
}

func sub(x, y []int) []int {
	z := make([]int, len(x))
	for i := range x {
		z[i] = x[i] - y[i]
	}
	return z
}
