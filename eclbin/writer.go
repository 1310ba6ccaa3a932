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

	"github.com/grailbio/base/errors"
)

// A Writer writes keywords to an underlying io.Writer. Errors are
// sticky: after a failed write, every further write fails.
type Writer struct {
	w     *bufio.Writer
	order binary.ByteOrder
	err   error
	b     []byte
}

// NewWriter returns a writer of keywords to w.
func NewWriter(w io.Writer, opts ...Option) *Writer {
	o := makeOptions(opts)
	return &Writer{w: bufio.NewWriter(w), order: o.order}
}

// Write writes the keyword record r.
func (w *Writer) Write(r *Record) error {
	if w.err != nil {
		return w.err
	}
	if len(r.Keyword) > keywordLen {
		return errors.E(errors.Invalid, fmt.Sprintf("eclbin: keyword %q is longer than %d characters", r.Keyword, keywordLen))
	}
	if !r.Type.valid() {
		return errors.E(errors.Invalid, fmt.Sprintf("eclbin: keyword %s: invalid type %q", r.Keyword, r.Type))
	}
	for _, s := range r.Chars {
		if len(s) > keywordLen {
			return errors.E(errors.Invalid, fmt.Sprintf("eclbin: keyword %s: string %q is too long", r.Keyword, s))
		}
	}
	n := r.Len()
	w.marker(headerLen)
	w.write(pad(r.Keyword, keywordLen))
	w.putInt32(int32(n))
	w.write([]byte(r.Type))
	w.marker(headerLen)

	size, block := r.Type.size(), r.Type.block()
	for off := 0; off < n; off += block {
		m := n - off
		if m > block {
			m = block
		}
		w.marker(m * size)
		for i := off; i < off+m; i++ {
			switch r.Type {
			case Inte:
				w.putInt32(r.Ints[i])
			case Real:
				w.putInt32(int32(math.Float32bits(r.Reals[i])))
			case Doub:
				w.putInt64(int64(math.Float64bits(r.Doubles[i])))
			case Logi:
				if r.Logicals[i] {
					w.putInt32(logicalTrue)
				} else {
					w.putInt32(0)
				}
			case Char:
				w.write(pad(r.Chars[i], keywordLen))
			}
		}
		w.marker(m * size)
	}
	return w.err
}

// WriteInts writes an INTE keyword.
func (w *Writer) WriteInts(keyword string, v []int32) error {
	return w.Write(&Record{Keyword: keyword, Type: Inte, Ints: v})
}

// WriteReals writes a REAL keyword.
func (w *Writer) WriteReals(keyword string, v []float32) error {
	return w.Write(&Record{Keyword: keyword, Type: Real, Reals: v})
}

// WriteDoubles writes a DOUB keyword.
func (w *Writer) WriteDoubles(keyword string, v []float64) error {
	return w.Write(&Record{Keyword: keyword, Type: Doub, Doubles: v})
}

// WriteLogicals writes a LOGI keyword.
func (w *Writer) WriteLogicals(keyword string, v []bool) error {
	return w.Write(&Record{Keyword: keyword, Type: Logi, Logicals: v})
}

// WriteChars writes a CHAR keyword.
func (w *Writer) WriteChars(keyword string, v []string) error {
	return w.Write(&Record{Keyword: keyword, Type: Char, Chars: v})
}

// WriteMessage writes a MESS keyword.
func (w *Writer) WriteMessage(keyword string) error {
	return w.Write(&Record{Keyword: keyword, Type: Mess})
}

// Flush writes any buffered data to the underlying writer.
func (w *Writer) Flush() error {
	if w.err != nil {
		return w.err
	}
	w.err = w.w.Flush()
	return w.err
}

func (w *Writer) write(p []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.Write(p)
}

func (w *Writer) marker(n int) { w.putInt32(int32(n)) }

func (w *Writer) putInt32(v int32) {
	if cap(w.b) < 8 {
		w.b = make([]byte, 8)
	}
	w.order.PutUint32(w.b[:4], uint32(v))
	w.write(w.b[:4])
}

func (w *Writer) putInt64(v int64) {
	if cap(w.b) < 8 {
		w.b = make([]byte, 8)
	}
	w.order.PutUint64(w.b[:8], uint64(v))
	w.write(w.b[:8])
}
