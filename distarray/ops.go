// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package distarray

import (
	"fmt"
	"math"

	"github.com/grailbio/base/errors"
)

// An Op is an elementwise operator that derives one array from
// others. The set of operators is closed: it comprises the unary and
// binary operators declared in this package.
type Op interface {
	fmt.Stringer
	// arity returns the number of operands.
	arity() int
	// eval computes the result for one node. Ok is false if the
	// result is undefined.
	eval(args []float64) (v float64, ok bool)
}

// A UnaryOp derives a value from one operand.
type UnaryOp struct {
	name string
	fn   func(x float64) (float64, bool)
}

func (op UnaryOp) String() string { return op.name }
func (UnaryOp) arity() int { return 1 }

func (op UnaryOp) eval(args []float64) (float64, bool) { return op.fn(args[0]) }

// A BinaryOp derives a value from two operands.
type BinaryOp struct {
	name string
	fn   func(x, y float64) (float64, bool)
}

func (op BinaryOp) String() string { return op.name }
func (BinaryOp) arity() int { return 2 }

func (op BinaryOp) eval(args []float64) (float64, bool) { return op.fn(args[0], args[1]) }

var (
	Negate = UnaryOp{"negate", func(x float64) (float64, bool) { return -x, true }}
	Abs    = UnaryOp{"abs", func(x float64) (float64, bool) { return math.Abs(x), true }}
	// Sqrt is undefined for negative operands.
	Sqrt = UnaryOp{"sqrt", func(x float64) (float64, bool) { return math.Sqrt(x), x >= 0 }}

	Add      = BinaryOp{"add", func(x, y float64) (float64, bool) { return x + y, true }}
	Subtract = BinaryOp{"subtract", func(x, y float64) (float64, bool) { return x - y, true }}
	Multiply = BinaryOp{"multiply", func(x, y float64) (float64, bool) { return x * y, true }}
	// Divide is undefined for a zero divisor.
	Divide  = BinaryOp{"divide", func(x, y float64) (float64, bool) { return x / y, y != 0 }}
	Minimum = BinaryOp{"minimum", func(x, y float64) (float64, bool) { return math.Min(x, y), true }}
	Maximum = BinaryOp{"maximum", func(x, y float64) (float64, bool) { return math.Max(x, y), true }}
)

// Apply sets every owned value of dst to op applied to the
// corresponding values of srcs. A node is undefined in dst if it is
// undefined in any operand or op is undefined there. Apply operates
// on canonical values: all arrays must be idle, distributed
// identically and of the same depth. Dst may also be an operand.
// Apply is local to the calling rank.
func Apply(dst *Array, op Op, srcs ...*Array) error {
	if len(srcs) != op.arity() {
		return errors.E(errors.Invalid,
			fmt.Sprintf("distarray: %s takes %d operands, got %d", op, op.arity(), len(srcs)))
	}
	for _, a := range append([]*Array{dst}, srcs...) {
		if a.state == checkedOut {
			return errors.E(errors.Invalid, fmt.Sprintf("distarray: %s: %s is checked out", op, a))
		}
		if !sameLayout(a, dst) || a.depth != dst.depth {
			return errors.E(errors.Invalid,
				fmt.Sprintf("distarray: %s: %s is not laid out like %s", op, a, dst))
		}
	}
	args := make([]float64, len(srcs))
	for n := range dst.owned {
		defined := true
		for s, src := range srcs {
			args[s] = src.owned[n]
			if args[s] == src.undefined {
				defined = false
			}
		}
		v := dst.undefined
		if defined {
			if w, ok := op.eval(args); ok {
				v = w
			}
		}
		dst.owned[n] = v
	}
	dst.avgValid = false
	return nil
}
