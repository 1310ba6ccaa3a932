// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gridio

import (
	"fmt"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/gridslice/gridfile"
)

// Layout is the physical layout of a container.
type Layout int

const (
	// Shared stores every dataset in a single container. Rank 0
	// aggregates each rank's hyperslab and writes the dataset.
	Shared Layout = iota
	// PerProcess gives each rank a private container holding its own
	// hyperslabs. The containers are combined by Merge.
	PerProcess
)

func (l Layout) String() string {
	switch l {
	case Shared:
		return "shared"
	case PerProcess:
		return "perprocess"
	default:
		return fmt.Sprintf("Layout(%d)", int(l))
	}
}

// ParseLayout parses the name of a layout.
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "shared":
		return Shared, nil
	case "perprocess", "per-process":
		return PerProcess, nil
	default:
		return 0, errors.E(errors.Invalid, fmt.Sprintf("gridio: unknown layout %q", s))
	}
}

// Options configures a container opened by Open.
type Options struct {
	// Layout selects the physical layout of containers that are
	// created. Containers are always read in the shared layout.
	Layout Layout
	// Chunk is the chunk length along the I and J axes of written
	// datasets. Layers are stored whole.
	Chunk int
	// MergeOnClose merges per-process containers into the canonical
	// container when the container is closed.
	MergeOnClose bool
}

// DefaultOptions are the options used when none are configured.
var DefaultOptions = Options{Layout: Shared, Chunk: gridfile.DefaultChunk}

func init() {
	config.Register("gridio", func(constr *config.Constructor) {
		var (
			opts   = DefaultOptions
			layout string
		)
		constr.StringVar(&layout, "layout", opts.Layout.String(), "container layout: shared or perprocess")
		constr.IntVar(&opts.Chunk, "chunk", opts.Chunk, "chunk length along the grid axes")
		constr.BoolVar(&opts.MergeOnClose, "merge-on-close", false, "merge per-process containers on close")
		constr.Doc = "gridio configures how distributed arrays are stored"
		constr.New = func() (interface{}, error) {
			var err error
			opts.Layout, err = ParseLayout(layout)
			if err != nil {
				return nil, err
			}
			if opts.Chunk <= 0 {
				return nil, errors.E(errors.Invalid, fmt.Sprintf("gridio: invalid chunk length %d", opts.Chunk))
			}
			return opts, nil
		}
	})
}

func (o Options) chunkDims(dims []int) []int {
	return gridfile.ChunkDims(dims, o.Chunk)
}
