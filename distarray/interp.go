// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package distarray

import "math"

// snapTolerance is the distance from an integer within which a
// fractional coordinate is treated as that integer.
const snapTolerance = 1e-6

// split returns the integral lattice coordinate below x and the
// fractional offset from it, snapping x to a nearby integer first.
func split(x float64) (int, float64) {
	if r := math.Round(x); math.Abs(x-r) <= snapTolerance {
		return int(r), 0
	}
	f := math.Floor(x)
	return int(f), x - f
}

// ValueAtK returns the value at node (i, j) at the fractional layer
// k, interpolated linearly between the two bracketing layers. It
// returns the undefined value if either bracketing value is
// undefined.
func (a *Array) ValueAtK(i, j int, k float64) float64 {
	k0, f := split(k)
	v0 := a.Value(i, j, k0)
	if f == 0 || v0 == a.undefined {
		return v0
	}
	v1 := a.Value(i, j, k0+1)
	if v1 == a.undefined {
		return a.undefined
	}
	return (1-f)*v0 + f*v1
}

// ValueAt returns the value at the fractional position (i, j, k),
// interpolated trilinearly among the eight surrounding nodes.
// Coordinates within 1e-6 of an integer are snapped to it, so that
// only nodes with a nonzero weight take part. If any of those nodes
// is undefined or lies outside the checked-out extent, ValueAt
// returns the undefined value.
func (a *Array) ValueAt(i, j, k float64) float64 {
	i0, fi := split(i)
	j0, fj := split(j)
	k0, fk := split(k)
	var sum float64
	for c := 0; c < 8; c++ {
		w := weight(fi, c&1) * weight(fj, c>>1&1) * weight(fk, c>>2&1)
		if w == 0 {
			continue
		}
		v := a.Value(i0+(c&1), j0+(c>>1&1), k0+(c>>2&1))
		if v == a.undefined {
			return a.undefined
		}
		sum += w * v
	}
	return sum
}

// weight returns the interpolation weight of the lower (bit 0) or
// upper (bit 1) lattice point for fractional offset f.
func weight(f float64, bit int) float64 {
	if bit == 0 {
		return 1 - f
	}
	return f
}
