// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package eclbin reads and writes keyword files in the unformatted
// Fortran record convention used by reservoir simulators.
//
// A file is a sequence of keywords. Each keyword is a header record
// followed by its data records:
//
//	header  [16] keyword:char8 count:int32 type:char4 [16]
//	data    [n*size] n elements [n*size]
//
// Every record is bracketed by its byte length as an int32. Keywords
// are left-justified and blank-filled to eight characters. Data is
// split into records of at most 1000 elements, or 105 for CHAR data.
// Files are big-endian unless configured otherwise.
package eclbin

import (
	"encoding/binary"
	"fmt"
)

// Type is the element type of a keyword.
type Type string

const (
	// Inte is a 32-bit integer.
	Inte Type = "INTE"
	// Real is a single-precision float.
	Real Type = "REAL"
	// Doub is a double-precision float.
	Doub Type = "DOUB"
	// Logi is a logical, stored as -1 (true) or 0 (false) in 32 bits.
	Logi Type = "LOGI"
	// Char is an eight-character string.
	Char Type = "CHAR"
	// Mess is a message keyword, with no data.
	Mess Type = "MESS"
)

const (
	keywordLen = 8
	headerLen  = keywordLen + 4 + 4
	blockLen   = 1000
	charBlock  = 105

	logicalTrue = -1
)

// size returns the byte size of an element of type t.
func (t Type) size() int {
	switch t {
	case Inte, Real, Logi:
		return 4
	case Doub, Char:
		return 8
	default:
		return 0
	}
}

// block returns the maximum number of elements in a data record.
func (t Type) block() int {
	if t == Char {
		return charBlock
	}
	return blockLen
}

func (t Type) valid() bool {
	return t == Mess || t.size() > 0
}

// A Record is a keyword and its data. Exactly one of the data slices
// is set, according to Type; Mess records carry none.
type Record struct {
	Keyword string
	Type    Type

	Ints     []int32
	Reals    []float32
	Doubles  []float64
	Logicals []bool
	Chars    []string
}

// Len returns the number of elements in the record.
func (r *Record) Len() int {
	switch r.Type {
	case Inte:
		return len(r.Ints)
	case Real:
		return len(r.Reals)
	case Doub:
		return len(r.Doubles)
	case Logi:
		return len(r.Logicals)
	case Char:
		return len(r.Chars)
	default:
		return 0
	}
}

func (r *Record) String() string {
	return fmt.Sprintf("%s %s[%d]", r.Keyword, r.Type, r.Len())
}

// Option configures readers and writers.
type Option func(*options)

type options struct {
	order binary.ByteOrder
}

// ByteOrder sets the byte order of a file. The default is
// binary.BigEndian.
func ByteOrder(order binary.ByteOrder) Option {
	return func(o *options) { o.order = order }
}

func makeOptions(opts []Option) options {
	o := options{order: binary.BigEndian}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// pad left-justifies s in a blank-filled field of n characters.
func pad(s string, n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = ' '
	}
	copy(p, s)
	return p
}
