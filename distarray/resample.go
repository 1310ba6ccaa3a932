// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package distarray

import (
	"context"
	"fmt"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Fringe selects how low- to high-resolution resampling treats
// high-resolution nodes whose enclosing low-resolution cell is only
// partly defined.
type Fringe int

const (
	// FringeUndefined leaves such nodes undefined.
	FringeUndefined Fringe = iota
	// FringeExtrapolate synthesizes the missing cell corners from the
	// defined ones before interpolating.
	FringeExtrapolate
)

func (f Fringe) String() string {
	switch f {
	case FringeUndefined:
		return "undefined"
	case FringeExtrapolate:
		return "extrapolate"
	default:
		return fmt.Sprintf("Fringe(%d)", int(f))
	}
}

// ResampleInto resamples src into dst. The arrays must lie on grids
// with the same extent, partitioned compatibly (see
// distgrid.NewCompatible), and have the same depth.
//
// If src has at least as many nodes as dst, every owned node of dst
// receives the value of the nearest node of src, which must be
// available locally; a missing node is a fatal errors.Integrity
// error. Otherwise every owned node of dst is interpolated bilinearly
// among the four src nodes of its enclosing cell, layer by layer.
// Nodes whose cell is only partly defined are handled according to
// fringe.
//
// ResampleInto checks out src with ghosts and dst without, unless
// they are already checked out, and saves dst. It is collective. A
// src already checked out without ghosts lacks the cells that straddle
// partition boundaries; it fails with errors.Invalid on its rank, and
// every other rank fails too.
func ResampleInto(ctx context.Context, src, dst *Array, fringe Fringe) (err error) {
	if src.depth != dst.depth {
		return errors.E(errors.Invalid,
			fmt.Sprintf("distarray: resample between depths %d and %d", src.depth, dst.depth))
	}
	if !src.grid.Global().SameExtent(dst.grid.Global()) {
		return errors.E(errors.Invalid,
			fmt.Sprintf("distarray: resample between %s and %s with different extents",
				src.grid.Global(), dst.grid.Global()))
	}
	if src.CheckedOut() && !src.ghosts {
		err = errors.E(errors.Invalid,
			fmt.Sprintf("distarray: %s: resample from %s checked out without ghosts", src.grid.Comm(), src))
	}
	if err = src.grid.Comm().Agree(ctx, err); err != nil {
		return err
	}
	ok, err := src.Retrieve(ctx, true)
	if err != nil {
		return err
	}
	if ok {
		defer func() {
			if rerr := src.Restore(ctx, false, false); err == nil {
				err = rerr
			}
		}()
	}
	dstOK, err := dst.Retrieve(ctx, false)
	if err != nil {
		return err
	}
	if src.grid.Global().Nodes() >= dst.grid.Global().Nodes() {
		err = downsample(src, dst)
	} else {
		upsample(src, dst, fringe)
	}
	if !dstOK {
		return err
	}
	if err != nil {
		dst.release()
		return err
	}
	return dst.Restore(ctx, true, false)
}

// downsample copies the src node nearest to each owned node of dst.
func downsample(src, dst *Array) error {
	r := dst.grid.Owned(false)
	for i := r.FirstI; i <= r.LastI; i++ {
		for j := r.FirstJ; j <= r.LastJ; j++ {
			si, sj := dst.grid.ConvertIndex(src.grid, i, j)
			if !src.extent.Contains(si, sj) {
				return errors.E(errors.Integrity, errors.Fatal,
					fmt.Sprintf("distarray: %s: node (%d,%d) of %s maps to (%d,%d) outside the local extent %s of %s",
						dst.grid.Comm(), i, j, dst.grid.Global(), si, sj, src.extent, src.grid.Global()))
			}
			for k := 0; k < dst.depth; k++ {
				dst.SetValue(i, j, k, translate(src.Value(si, sj, k), src.undefined, dst.undefined))
			}
		}
	}
	return nil
}

// upsample interpolates every owned node of dst from the enclosing
// cell of src.
func upsample(src, dst *Array, fringe Fringe) {
	var (
		r        = dst.grid.Owned(false)
		corners  [4]float64
		weights  [4]float64
		nfringe  int
		nmissing int
	)
	for i := r.FirstI; i <= r.LastI; i++ {
		for j := r.FirstJ; j <= r.LastJ; j++ {
			fi, fj := dst.grid.ConvertIndexReal(src.grid, i, j)
			i0, ti := split(fi)
			j0, tj := split(fj)
			for c := range weights {
				weights[c] = weight(ti, c&1) * weight(tj, c>>1)
			}
			for k := 0; k < dst.depth; k++ {
				var present [4]bool
				complete := true
				for c := range corners {
					corners[c] = src.Value(i0+(c&1), j0+(c>>1), k)
					present[c] = corners[c] != src.undefined
					if !present[c] && weights[c] != 0 {
						complete = false
					}
				}
				v := dst.undefined
				switch {
				case complete:
					v = blend(corners, present, weights)
				case fringe == FringeExtrapolate && extrapolate(&corners, present):
					v = blend(corners, [4]bool{true, true, true, true}, weights)
					nfringe++
				default:
					nmissing++
				}
				dst.SetValue(i, j, k, v)
			}
		}
	}
	if nfringe > 0 || nmissing > 0 {
		log.Debug.Printf("distarray: %s: resample %s -> %s: %d extrapolated, %d undefined",
			dst.grid.Comm(), src.grid.Global(), dst.grid.Global(), nfringe, nmissing)
	}
}

// blend returns the weighted sum of the corners with nonzero weight.
func blend(corners [4]float64, present [4]bool, weights [4]float64) float64 {
	var v float64
	for c := range corners {
		if weights[c] != 0 && present[c] {
			v += weights[c] * corners[c]
		}
	}
	return v
}

// extrapolate synthesizes the missing corners of a cell from its
// present ones. Corners are numbered by bits: bit 0 selects the upper
// I node and bit 1 the upper J node, so that corners c^1 and c^2 share
// an edge with c and c^3 is its diagonal. It returns false when no
// corner is present.
func extrapolate(corners *[4]float64, present [4]bool) bool {
	var have []int
	for c, ok := range present {
		if ok {
			have = append(have, c)
		}
	}
	switch len(have) {
	case 0:
		return false
	case 1:
		for c := range corners {
			corners[c] = corners[have[0]]
		}
	case 2:
		p, q := have[0], have[1]
		if p^q == 3 {
			mid := (corners[p] + corners[q]) / 2
			corners[p^1], corners[p^2] = mid, mid
			break
		}
		// The present corners share an edge; copy each across the
		// opposite edge.
		axis := p ^ q
		for c := range corners {
			if !present[c] {
				corners[c] = corners[c^(3^axis)]
			}
		}
	case 3:
		for c := range corners {
			if !present[c] {
				corners[c] = (corners[c^1] + corners[c^2]) / 2
			}
		}
	}
	return true
}

// translate maps the undefined value of one array to another's.
func translate(v, from, to float64) float64 {
	if v == from {
		return to
	}
	return v
}
