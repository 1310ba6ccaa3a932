// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gridio

import (
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gridslice/gridfile"
)

// Attribute keys of stored datasets.
const (
	attrProperty = "property"
	attrGrid     = "grid"
	attrNull     = "null"
	attrNull64   = "null64"
	attrAge      = "age"
	attrCombine  = "combine"
	attrStart    = "start"
	attrGlobal   = "global"
)

// Combine determines how the hyperslabs of a per-process dataset are
// combined by Merge.
type Combine int

const (
	// Place stores each rank's owned hyperslab at its position.
	Place Combine = iota
	// Sum adds the contributions of every rank, including their
	// halos, element by element. Undefined contributions are
	// skipped.
	Sum
)

func (c Combine) String() string {
	switch c {
	case Place:
		return "place"
	case Sum:
		return "sum"
	default:
		return fmt.Sprintf("Combine(%d)", int(c))
	}
}

func parseCombine(s string) (Combine, error) {
	switch s {
	case "", "place":
		return Place, nil
	case "sum":
		return Sum, nil
	default:
		return 0, errors.E(errors.Integrity, fmt.Sprintf("gridio: unknown combine mode %q", s))
	}
}

// Precision is the numeric representation of a stored dataset.
type Precision int

const (
	// Float64 stores values in double precision. Values round-trip
	// exactly.
	Float64 Precision = iota
	// Float32 stores values in single precision.
	Float32
)

func (p Precision) dtype() gridfile.DType {
	if p == Float32 {
		return gridfile.Float32
	}
	return gridfile.Float64
}

// WriteOption configures a dataset written by WriteArray.
type WriteOption func(*writeOptions)

type writeOptions struct {
	property  string
	gridName  string
	age       float64
	hasAge    bool
	combine   Combine
	precision Precision
}

// PropertyName tags the dataset with the name of the property it
// stores.
func PropertyName(name string) WriteOption {
	return func(o *writeOptions) { o.property = name }
}

// GridName tags the dataset with the name of its grid. It defaults
// to the name of the array's grid.
func GridName(name string) WriteOption {
	return func(o *writeOptions) { o.gridName = name }
}

// Age tags a time-dependent dataset with its age.
func Age(age float64) WriteOption {
	return func(o *writeOptions) { o.age, o.hasAge = age, true }
}

// WithCombine sets how per-process hyperslabs of the dataset are
// merged. It defaults to Place.
func WithCombine(c Combine) WriteOption {
	return func(o *writeOptions) { o.combine = c }
}

// WithPrecision sets the stored representation of the dataset. It
// defaults to Float64.
func WithPrecision(p Precision) WriteOption {
	return func(o *writeOptions) { o.precision = p }
}

// ReadOption configures ReadArray.
type ReadOption func(*readOptions)

type readOptions struct {
	undefined    float64
	hasUndefined bool
}

// Undefined overrides the undefined value of the array returned by
// ReadArray. Stored null values are translated to it.
func Undefined(v float64) ReadOption {
	return func(o *readOptions) { o.undefined, o.hasUndefined = v, true }
}

// Nulls returns the value that marks undefined elements in a stored
// dataset, and the undefined value that it represents in memory.
// Datasets record the null value in single precision, and also
// exactly when they are written by this package.
func Nulls(info *gridfile.Info) (stored, undefined float64) {
	undefined = DefaultNull
	if v, ok := info.Attrs.Float32(attrNull); ok {
		undefined = float64(v)
	}
	if v, ok := info.Attrs.Float64(attrNull64); ok {
		undefined = v
	}
	stored = undefined
	if info.DType == gridfile.Float32 {
		stored = float64(float32(undefined))
	}
	return
}

// DefaultNull is the null value assumed for datasets that do not
// record one.
const DefaultNull = 99999
