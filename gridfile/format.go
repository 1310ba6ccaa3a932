// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package gridfile implements a chunked, self-describing binary
// container of named N-dimensional numeric datasets. Containers are
// accessed through github.com/grailbio/base/file, so they may reside
// on any supported file system, including S3.
//
// A container is laid out as follows; all integers are little-endian.
//
//	header    magic "GRIDFILE", version:u32
//	dataset*  name, dtype:u8, ndim:u8, dims:u64*ndim, chunk:u64*ndim,
//	          nattr:u32, attr*, nchunk:u32, chunk*
//	attr      key, kind:u8, payload
//	chunk     coords:u64*ndim, nbytes:u64, checksum:u64, payload
//	index     ndataset:u32, (name, offset:u64)*
//	trailer   indexOffset:u64, magic "GRIDFILE"
//
// Strings are a u32 length followed by their bytes. Datasets are
// stored in row-major order, split into chunks along a regular chunk
// grid; chunks at the high edges of a dataset are trimmed to its
// extent. Each chunk payload carries a murmur3 64-bit checksum.
package gridfile

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/grailbio/base/errors"
)

const (
	magic   = "GRIDFILE"
	version = 1

	trailerSize = 8 + len(magic)

	// DefaultChunk is the default chunk length along the first two
	// axes of a dataset. Further axes are stored whole.
	DefaultChunk = 64
)

var order = binary.LittleEndian

// DType is the element type of a stored dataset.
type DType uint8

const (
	// Float32 stores single-precision values.
	Float32 DType = 1
	// Float64 stores double-precision values.
	Float64 DType = 2
	// Int64 stores 64-bit integers.
	Int64 DType = 3
)

// Size returns the number of bytes per element.
func (d DType) Size() int {
	switch d {
	case Float32:
		return 4
	case Float64, Int64:
		return 8
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Int64:
		return "int64"
	default:
		return fmt.Sprintf("DType(%d)", uint8(d))
	}
}

// Attrs are the attributes of a dataset. Values must be of type
// string, float32, float64, int64, []int64 or []float64.
type Attrs map[string]interface{}

const (
	kindString byte = 1 + iota
	kindFloat32
	kindFloat64
	kindInt64
	kindInt64s
	kindFloat64s
)

// String returns the string attribute key.
func (a Attrs) String(key string) (string, bool) {
	v, ok := a[key].(string)
	return v, ok
}

// Float32 returns the float32 attribute key.
func (a Attrs) Float32(key string) (float32, bool) {
	v, ok := a[key].(float32)
	return v, ok
}

// Float64 returns the float64 attribute key.
func (a Attrs) Float64(key string) (float64, bool) {
	v, ok := a[key].(float64)
	return v, ok
}

// Int64 returns the int64 attribute key.
func (a Attrs) Int64(key string) (int64, bool) {
	v, ok := a[key].(int64)
	return v, ok
}

// Int64s returns the []int64 attribute key.
func (a Attrs) Int64s(key string) ([]int64, bool) {
	v, ok := a[key].([]int64)
	return v, ok
}

// Float64s returns the []float64 attribute key.
func (a Attrs) Float64s(key string) ([]float64, bool) {
	v, ok := a[key].([]float64)
	return v, ok
}

func (a Attrs) keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// encoder writes the container's primitive values, tracking the
// offset of the next write. Errors are sticky.
type encoder struct {
	w   io.Writer
	off int64
	err error
	b   [8]byte
}

func (e *encoder) write(p []byte) {
	if e.err != nil {
		return
	}
	var n int
	n, e.err = e.w.Write(p)
	e.off += int64(n)
}

func (e *encoder) u8(v uint8) {
	e.b[0] = v
	e.write(e.b[:1])
}

func (e *encoder) u32(v uint32) {
	order.PutUint32(e.b[:4], v)
	e.write(e.b[:4])
}

func (e *encoder) u64(v uint64) {
	order.PutUint64(e.b[:], v)
	e.write(e.b[:])
}

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.write([]byte(s))
}

func (e *encoder) attr(key string, v interface{}) {
	e.str(key)
	switch v := v.(type) {
	case string:
		e.u8(kindString)
		e.str(v)
	case float32:
		e.u8(kindFloat32)
		e.u32(math.Float32bits(v))
	case float64:
		e.u8(kindFloat64)
		e.u64(math.Float64bits(v))
	case int64:
		e.u8(kindInt64)
		e.u64(uint64(v))
	case []int64:
		e.u8(kindInt64s)
		e.u32(uint32(len(v)))
		for _, x := range v {
			e.u64(uint64(x))
		}
	case []float64:
		e.u8(kindFloat64s)
		e.u32(uint32(len(v)))
		for _, x := range v {
			e.u64(math.Float64bits(x))
		}
	default:
		if e.err == nil {
			e.err = errors.E(errors.Invalid, fmt.Sprintf("gridfile: attribute %s: unsupported type %T", key, v))
		}
	}
}

// decoder reads the container's primitive values. Errors are sticky;
// a short read is reported as a corrupted container.
type decoder struct {
	r   io.Reader
	err error
	b   [8]byte
}

func (d *decoder) read(p []byte) {
	if d.err != nil {
		return
	}
	if _, err := io.ReadFull(d.r, p); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			err = errors.E(errors.Integrity, "gridfile: truncated container", err)
		}
		d.err = err
	}
}

func (d *decoder) u8() uint8 {
	d.read(d.b[:1])
	return d.b[0]
}

func (d *decoder) u32() uint32 {
	d.read(d.b[:4])
	return order.Uint32(d.b[:4])
}

func (d *decoder) u64() uint64 {
	d.read(d.b[:])
	return order.Uint64(d.b[:])
}

// maxString bounds decoded string and vector lengths, so that a
// corrupted length cannot trigger a huge allocation.
const maxString = 1 << 20

func (d *decoder) length() int {
	n := d.u32()
	if d.err == nil && n > maxString {
		d.err = errors.E(errors.Integrity, fmt.Sprintf("gridfile: implausible length %d", n))
	}
	if d.err != nil {
		return 0
	}
	return int(n)
}

func (d *decoder) str() string {
	p := make([]byte, d.length())
	d.read(p)
	return string(p)
}

func (d *decoder) attr() (string, interface{}) {
	key := d.str()
	switch kind := d.u8(); kind {
	case kindString:
		return key, d.str()
	case kindFloat32:
		return key, math.Float32frombits(d.u32())
	case kindFloat64:
		return key, math.Float64frombits(d.u64())
	case kindInt64:
		return key, int64(d.u64())
	case kindInt64s:
		v := make([]int64, d.length())
		for i := range v {
			v[i] = int64(d.u64())
		}
		return key, v
	case kindFloat64s:
		v := make([]float64, d.length())
		for i := range v {
			v[i] = math.Float64frombits(d.u64())
		}
		return key, v
	default:
		if d.err == nil {
			d.err = errors.E(errors.Integrity, fmt.Sprintf("gridfile: attribute %s: unknown kind %d", key, kind))
		}
		return key, nil
	}
}

// encodeValues appends the encoding of vals as dtype to p.
func encodeValues(p []byte, dtype DType, vals []float64) []byte {
	size := dtype.Size()
	off := len(p)
	p = append(p, make([]byte, size*len(vals))...)
	for _, v := range vals {
		switch dtype {
		case Float32:
			order.PutUint32(p[off:], math.Float32bits(float32(v)))
		case Float64:
			order.PutUint64(p[off:], math.Float64bits(v))
		case Int64:
			order.PutUint64(p[off:], uint64(int64(v)))
		}
		off += size
	}
	return p
}

// decodeValues decodes p, encoded as dtype, into vals.
func decodeValues(vals []float64, dtype DType, p []byte) {
	size := dtype.Size()
	for i := range vals {
		switch dtype {
		case Float32:
			vals[i] = float64(math.Float32frombits(order.Uint32(p[i*size:])))
		case Float64:
			vals[i] = math.Float64frombits(order.Uint64(p[i*size:]))
		case Int64:
			vals[i] = float64(int64(order.Uint64(p[i*size:])))
		}
	}
}

// product returns the number of elements in a box of the provided
// shape.
func product(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// copyBox copies the box of the provided shape at srcStart in src,
// an array of shape srcDims, to dstStart in dst, an array of shape
// dstDims. Both arrays are row-major.
func copyBox(dst []float64, dstDims, dstStart []int, src []float64, srcDims, srcStart []int, shape []int) {
	nd := len(shape)
	if product(shape) == 0 {
		return
	}
	run := shape[nd-1]
	idx := make([]int, nd)
	for {
		var d, s int
		for a := 0; a < nd; a++ {
			d = d*dstDims[a] + dstStart[a] + idx[a]
			s = s*srcDims[a] + srcStart[a] + idx[a]
		}
		copy(dst[d:d+run], src[s:s+run])
		// Advance the index over all but the last axis.
		a := nd - 2
		for ; a >= 0; a-- {
			idx[a]++
			if idx[a] < shape[a] {
				break
			}
			idx[a] = 0
		}
		if a < 0 {
			return
		}
	}
}

// chunkGrid returns the number of chunks along each axis.
func chunkGrid(dims, chunk []int) []int {
	g := make([]int, len(dims))
	for a := range dims {
		g[a] = (dims[a] + chunk[a] - 1) / chunk[a]
	}
	return g
}

// chunkBox returns the origin and trimmed shape of the chunk at
// coords.
func chunkBox(dims, chunk, coords []int) (origin, shape []int) {
	origin = make([]int, len(dims))
	shape = make([]int, len(dims))
	for a := range dims {
		origin[a] = coords[a] * chunk[a]
		shape[a] = chunk[a]
		if origin[a]+shape[a] > dims[a] {
			shape[a] = dims[a] - origin[a]
		}
	}
	return
}

// intersect returns the intersection of two boxes, and whether it is
// non-empty.
func intersect(start0, shape0, start1, shape1 []int) (start, shape []int, ok bool) {
	start = make([]int, len(start0))
	shape = make([]int, len(start0))
	for a := range start0 {
		lo, hi := start0[a], start0[a]+shape0[a]
		if start1[a] > lo {
			lo = start1[a]
		}
		if e := start1[a] + shape1[a]; e < hi {
			hi = e
		}
		if hi <= lo {
			return nil, nil, false
		}
		start[a], shape[a] = lo, hi-lo
	}
	return start, shape, true
}

// ChunkDims returns the chunk shape for a dataset of the provided
// shape whose two grid axes are chunked by at most n nodes. A
// nonpositive n selects DefaultChunk.
func ChunkDims(dims []int, n int) []int {
	if n <= 0 {
		n = DefaultChunk
	}
	chunk := append([]int(nil), dims...)
	for a := 0; a < len(chunk) && a < 2; a++ {
		if chunk[a] > n {
			chunk[a] = n
		}
	}
	return chunk
}
