// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package eclbin

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/grailbio/base/errors"
)

// A Reader reads keywords from an underlying io.Reader, checking
// that every record is bracketed by matching length markers.
type Reader struct {
	r     *bufio.Reader
	order binary.ByteOrder
}

// NewReader returns a reader of keywords from r.
func NewReader(r io.Reader, opts ...Option) *Reader {
	o := makeOptions(opts)
	return &Reader{r: bufio.NewReader(r), order: o.order}
}

// Next returns the next keyword. It returns io.EOF when no keywords
// remain.
func (r *Reader) Next() (*Record, error) {
	header, err := r.record()
	if err == io.EOF {
		return nil, io.EOF
	} else if err != nil {
		return nil, err
	}
	if len(header) != headerLen {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("eclbin: header record of %d bytes", len(header)))
	}
	rec := &Record{
		Keyword: strings.TrimRight(string(header[:keywordLen]), " "),
		Type:    Type(header[keywordLen+4:]),
	}
	n := int(int32(r.order.Uint32(header[keywordLen:])))
	if !rec.Type.valid() || n < 0 || (rec.Type == Mess && n != 0) {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("eclbin: keyword %s: invalid type %q or count %d", rec.Keyword, rec.Type, n))
	}
	size, block := rec.Type.size(), rec.Type.block()
	switch rec.Type {
	case Inte:
		rec.Ints = make([]int32, 0, n)
	case Real:
		rec.Reals = make([]float32, 0, n)
	case Doub:
		rec.Doubles = make([]float64, 0, n)
	case Logi:
		rec.Logicals = make([]bool, 0, n)
	case Char:
		rec.Chars = make([]string, 0, n)
	}
	for read := 0; read < n; {
		p, err := r.record()
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		if err != nil {
			return nil, errors.E(fmt.Sprintf("eclbin: keyword %s", rec.Keyword), err)
		}
		m := len(p) / size
		if len(p)%size != 0 || m > block || m > n-read || m == 0 {
			return nil, errors.E(errors.Integrity,
				fmt.Sprintf("eclbin: keyword %s: data record of %d bytes after %d of %d elements", rec.Keyword, len(p), read, n))
		}
		for i := 0; i < m; i++ {
			e := p[i*size : (i+1)*size]
			switch rec.Type {
			case Inte:
				rec.Ints = append(rec.Ints, int32(r.order.Uint32(e)))
			case Real:
				rec.Reals = append(rec.Reals, math.Float32frombits(r.order.Uint32(e)))
			case Doub:
				rec.Doubles = append(rec.Doubles, math.Float64frombits(r.order.Uint64(e)))
			case Logi:
				rec.Logicals = append(rec.Logicals, r.order.Uint32(e) != 0)
			case Char:
				rec.Chars = append(rec.Chars, strings.TrimRight(string(e), " "))
			}
		}
		read += m
	}
	return rec, nil
}

// maxRecord bounds the length of a record, so that a corrupted
// marker cannot trigger a huge allocation.
const maxRecord = blockLen * 8

// record reads one record and checks its markers.
func (r *Reader) record() ([]byte, error) {
	var b [4]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return nil, errors.E(errors.Integrity, "eclbin: truncated record marker", err)
		}
		return nil, err
	}
	n := int(int32(r.order.Uint32(b[:])))
	if n < 0 || n > maxRecord {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("eclbin: invalid record length %d", n))
	}
	p := make([]byte, n)
	if _, err := io.ReadFull(r.r, p); err != nil {
		return nil, errors.E(errors.Integrity, "eclbin: truncated record", err)
	}
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return nil, errors.E(errors.Integrity, "eclbin: truncated record marker", err)
	}
	if m := int(int32(r.order.Uint32(b[:]))); m != n {
		return nil, errors.E(errors.Integrity, fmt.Sprintf("eclbin: record markers %d and %d do not match", n, m))
	}
	return p, nil
}

// ReadAll reads every remaining keyword.
func (r *Reader) ReadAll() ([]*Record, error) {
	var recs []*Record
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return recs, nil
		}
		if err != nil {
			return recs, err
		}
		recs = append(recs, rec)
	}
}
