// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gridio

import (
	"context"
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gridslice/grid"
	"github.com/grailbio/gridslice/gridfile"
)

// FormatVersion is the version of the grid description written to
// every container.
const FormatVersion = 1

// Names of the grid description datasets.
const (
	descPrefix   = "grid/"
	descNodes    = descPrefix + "nodes"
	descOrigin   = descPrefix + "origin"
	descDelta    = descPrefix + "delta"
	descNull     = descPrefix + "null"
	descMaxDepth = descPrefix + "maxdepth"
	descVersion  = descPrefix + "version"
)

// IsDescription tells whether the named dataset belongs to the grid
// description of a container.
func IsDescription(name string) bool {
	return strings.HasPrefix(name, descPrefix)
}

type description struct {
	grid     grid.Grid
	null     float64
	maxDepth int
}

func writeDescription(ctx context.Context, w *gridfile.Writer, d description) error {
	g := d.grid
	for _, ds := range []*gridfile.Dataset{
		{Name: descNodes, DType: gridfile.Int64, Dims: []int{2}, Data: []float64{float64(g.NumI), float64(g.NumJ)},
			Attrs: gridfile.Attrs{attrGrid: g.Name}},
		{Name: descOrigin, Dims: []int{2}, Data: []float64{g.MinI, g.MinJ}},
		{Name: descDelta, Dims: []int{2}, Data: []float64{g.DeltaI(), g.DeltaJ()}},
		{Name: descNull, DType: gridfile.Float32, Dims: []int{1}, Data: []float64{d.null}},
		{Name: descMaxDepth, DType: gridfile.Int64, Dims: []int{1}, Data: []float64{float64(d.maxDepth)}},
		{Name: descVersion, DType: gridfile.Int64, Dims: []int{1}, Data: []float64{FormatVersion}},
	} {
		if err := w.WriteDataset(ctx, ds); err != nil {
			return err
		}
	}
	return nil
}

// ReadGrid reads the grid described by a container.
func ReadGrid(ctx context.Context, r *gridfile.Reader) (grid.Grid, error) {
	read := func(name string, n int) ([]float64, error) {
		v, err := r.Read(ctx, name)
		if err != nil {
			return nil, err
		}
		if len(v) != n {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("gridio %s: %s has %d values", r.Path(), name, len(v)))
		}
		return v, nil
	}
	version, err := read(descVersion, 1)
	if err != nil {
		return grid.Grid{}, err
	}
	if version[0] != FormatVersion {
		return grid.Grid{}, errors.E(errors.NotSupported,
			fmt.Sprintf("gridio %s: unsupported grid description version %v", r.Path(), version[0]))
	}
	nodes, err := read(descNodes, 2)
	if err != nil {
		return grid.Grid{}, err
	}
	origin, err := read(descOrigin, 2)
	if err != nil {
		return grid.Grid{}, err
	}
	delta, err := read(descDelta, 2)
	if err != nil {
		return grid.Grid{}, err
	}
	numI, numJ := int(nodes[0]), int(nodes[1])
	g, err := grid.New(origin[0], origin[1],
		origin[0]+delta[0]*float64(numI-1), origin[1]+delta[1]*float64(numJ-1), numI, numJ)
	if err != nil {
		return grid.Grid{}, err
	}
	info, err := r.Info(descNodes)
	if err != nil {
		return grid.Grid{}, err
	}
	g.Name, _ = info.Attrs.String(attrGrid)
	return g, nil
}
