// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/grailbio/base/errors"
)

var (
	// Funcs is the registry of rank programs. Cluster machines run
	// the same binary as the driver and find a Func by its index, so
	// registration order must be deterministic.
	funcs []*Func
	// FuncsBusy detects data races in registration.
	funcsBusy int32
)

// A Func is a rank program: it is invoked once on every rank of a
// world with the same argument and returns that rank's result. Funcs
// can be run on the machines of a Cluster, where arguments and
// results cross process boundaries; their concrete types must be
// registered with gob.
type Func struct {
	fn    func(ctx context.Context, c *Comm, arg interface{}) (interface{}, error)
	index int
}

// NewFunc registers fn as a rank program. NewFunc must be called in
// the same order in every process of a program; this is the case for
// package-level variables and init functions.
func NewFunc(fn func(ctx context.Context, c *Comm, arg interface{}) (interface{}, error)) *Func {
	if atomic.AddInt32(&funcsBusy, 1) != 1 {
		panic("comm.NewFunc: data race")
	}
	f := &Func{fn: fn, index: len(funcs)}
	funcs = append(funcs, f)
	if atomic.AddInt32(&funcsBusy, -1) != 0 {
		panic("comm.NewFunc: data race")
	}
	return f
}

func lookupFunc(index int) (*Func, error) {
	if index < 0 || index >= len(funcs) {
		return nil, errors.E(errors.NotExist,
			fmt.Sprintf("comm: func %d not registered (%d funcs); check for nondeterministic NewFunc calls", index, len(funcs)))
	}
	return funcs[index], nil
}
