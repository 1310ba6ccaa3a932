// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package gridio

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/status"
	"github.com/grailbio/gridslice/distgrid"
	"github.com/grailbio/gridslice/gridfile"
)

// Merge combines the per-process containers written by nproc ranks
// for path into the canonical container at path, and then removes
// them. Every dataset of every per-process container contributes its
// hyperslab, placed or summed as recorded when it was written. The
// grid description is taken from the first container that has one.
//
// Merge is run by a single process. Progress is reported to group,
// which may be nil.
func Merge(ctx context.Context, path string, nproc int, opts Options, group *status.Group) (err error) {
	if nproc <= 0 {
		return errors.E(errors.Invalid, fmt.Sprintf("gridio.Merge %s: invalid process count %d", path, nproc))
	}
	readers := make([]*gridfile.Reader, 0, nproc)
	defer func() {
		for _, r := range readers {
			if cerr := r.Close(ctx); err == nil {
				err = cerr
			}
		}
	}()
	for rank := 0; rank < nproc; rank++ {
		r, err := gridfile.Open(ctx, PerProcessPath(path, rank, nproc))
		if err != nil {
			return errors.E(fmt.Sprintf("gridio.Merge %s", path), err)
		}
		readers = append(readers, r)
	}
	w, err := gridfile.Create(ctx, path)
	if err != nil {
		return err
	}
	if err := mergeInto(ctx, w, readers, opts, group); err != nil {
		_ = w.Close(ctx)
		return errors.E(fmt.Sprintf("gridio.Merge %s", path), err)
	}
	if err := w.Close(ctx); err != nil {
		return err
	}
	for _, r := range readers {
		if err := file.Remove(ctx, r.Path()); err != nil {
			log.Error.Printf("gridio.Merge %s: remove %s: %v", path, r.Path(), err)
		}
	}
	log.Printf("gridio.Merge %s: merged %d containers", path, nproc)
	return nil
}

func mergeInto(ctx context.Context, w *gridfile.Writer, readers []*gridfile.Reader, opts Options, group *status.Group) error {
	var (
		names []string
		seen  = make(map[string]bool)
		desc  *gridfile.Reader
	)
	for _, r := range readers {
		for _, name := range r.Datasets() {
			if IsDescription(name) {
				if desc == nil {
					desc = r
				}
				continue
			}
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	for _, name := range names {
		var task *status.Task
		if group != nil {
			task = group.Startf("merge %s", name)
		}
		err := mergeDataset(ctx, w, readers, name, opts)
		if task != nil {
			task.Done()
		}
		if err != nil {
			return err
		}
	}
	if desc == nil {
		return nil
	}
	for _, name := range desc.Datasets() {
		if !IsDescription(name) {
			continue
		}
		info, err := desc.Info(name)
		if err != nil {
			return err
		}
		data, err := desc.Read(ctx, name)
		if err != nil {
			return err
		}
		if err := w.WriteDataset(ctx, &gridfile.Dataset{
			Name: name, DType: info.DType, Dims: info.Dims, Attrs: info.Attrs, Data: data,
		}); err != nil {
			return err
		}
	}
	return nil
}

// mergeDataset assembles the named dataset from the hyperslabs of
// every container that holds it.
func mergeDataset(ctx context.Context, w *gridfile.Writer, readers []*gridfile.Reader, name string, opts Options) error {
	var (
		out    *gridfile.Dataset
		global []int64
		mode   Combine
		stored float64
		undef  float64
		depth  int
	)
	for _, r := range readers {
		info, err := r.Info(name)
		if errors.Is(errors.NotExist, err) {
			continue
		} else if err != nil {
			return err
		}
		start, ok := info.Attrs.Int64s(attrStart)
		if !ok || len(start) != 2 {
			return errors.E(errors.Integrity, fmt.Sprintf("%s: dataset %s has no start", r.Path(), name))
		}
		g, ok := info.Attrs.Int64s(attrGlobal)
		if !ok || len(g) != 2 {
			return errors.E(errors.Integrity, fmt.Sprintf("%s: dataset %s has no global shape", r.Path(), name))
		}
		s, _ := info.Attrs.String(attrCombine)
		m, err := parseCombine(s)
		if err != nil {
			return err
		}
		if out == nil {
			global, mode, depth = g, m, info.Depth()
			stored, undef = Nulls(info)
			attrs := make(gridfile.Attrs)
			for k, v := range info.Attrs {
				switch k {
				case attrStart, attrGlobal:
				default:
					attrs[k] = v
				}
			}
			dims := datasetDims(int(g[0]), int(g[1]), depth)
			out = &gridfile.Dataset{
				Name:      name,
				DType:     info.DType,
				Dims:      dims,
				ChunkDims: opts.chunkDims(dims),
				Attrs:     attrs,
				Data:      make([]float64, int(g[0])*int(g[1])*depth),
			}
			for i := range out.Data {
				out.Data[i] = undef
			}
		} else if g[0] != global[0] || g[1] != global[1] || m != mode || info.Depth() != depth {
			return errors.E(errors.Integrity, fmt.Sprintf("%s: dataset %s does not match other processes", r.Path(), name))
		}
		block := distgrid.Rect{
			FirstI: int(start[0]), LastI: int(start[0]) + info.Dims[0] - 1,
			FirstJ: int(start[1]), LastJ: int(start[1]) + info.Dims[1] - 1,
		}
		if block.FirstI < 0 || block.FirstJ < 0 || block.LastI >= int(global[0]) || block.LastJ >= int(global[1]) {
			return errors.E(errors.Integrity, fmt.Sprintf("%s: dataset %s: block %s outside %v", r.Path(), name, block, global))
		}
		vals, err := r.Read(ctx, name)
		if err != nil {
			return err
		}
		for i, v := range vals {
			if v == stored {
				vals[i] = undef
			}
		}
		combineInto(out.Data, int(global[1]), depth, block, vals, mode, undef)
	}
	log.Debug.Printf("gridio: merged dataset %s%v (%s)", name, out.Dims, mode)
	return w.WriteDataset(ctx, out)
}
