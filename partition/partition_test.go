// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package partition

import (
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
)

func TestDecomposeScenario(t *testing.T) {
	rows, cols, err := Decompose(4, 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := rows, 1; got != want {
		t.Errorf("rows: got %v, want %v", got, want)
	}
	if got, want := cols, 2; got != want {
		t.Errorf("cols: got %v, want %v", got, want)
	}
	d, err := Balanced(4, 4, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := d.CountI, []int{2, 2}; !equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := d.CountJ, []int{4}; !equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestDecomposeAspect(t *testing.T) {
	for _, c := range []struct {
		numI, numJ, nproc int
		rows, cols        int
	}{
		{10, 10, 1, 1, 1},
		{100, 100, 4, 2, 2},
		{400, 100, 4, 1, 4},
		{100, 400, 4, 4, 1},
		{90, 60, 6, 2, 3},
		{3, 1000, 6, 6, 1},
		{5, 50, 7, 7, 1},
	} {
		rows, cols, err := Decompose(c.numI, c.numJ, c.nproc)
		if err != nil {
			t.Errorf("%+v: %v", c, err)
			continue
		}
		if rows != c.rows || cols != c.cols {
			t.Errorf("%+v: got %dx%d, want %dx%d", c, rows, cols, c.rows, c.cols)
		}
	}
}

func TestDecomposeErrors(t *testing.T) {
	for _, nproc := range []int{1, 2, 7, 64} {
		_, _, err := Decompose(1, 10, nproc)
		if err == nil || !errors.Is(errors.Invalid, err) {
			t.Errorf("nproc %d: got %v, want configuration error", nproc, err)
		}
		_, _, err = Decompose(10, 0, nproc)
		if err == nil || !errors.Is(errors.Invalid, err) {
			t.Errorf("nproc %d: got %v, want configuration error", nproc, err)
		}
	}
	// 7 is prime and exceeds both axes.
	_, _, err := Decompose(3, 3, 7)
	if err == nil || !errors.Is(errors.NotSupported, err) {
		t.Errorf("got %v, want unpartitionable error", err)
	}
}

func TestDecomposeProperties(t *testing.T) {
	fz := fuzz.NewWithSeed(31415)
	for iter := 0; iter < 2000; iter++ {
		var a, b, p uint8
		fz.Fuzz(&a)
		fz.Fuzz(&b)
		fz.Fuzz(&p)
		numI, numJ, nproc := int(a)%64+2, int(b)%64+2, int(p)%48+1
		d, err := Balanced(numI, numJ, nproc)
		if err != nil {
			if !errors.Is(errors.NotSupported, err) {
				t.Fatalf("%d,%d,%d: %v", numI, numJ, nproc, err)
			}
			continue
		}
		if got, want := d.Rows*d.Cols, nproc; got != want {
			t.Fatalf("%d,%d,%d: got %v, want %v", numI, numJ, nproc, got, want)
		}
		if d.Rows > numJ || d.Cols > numI {
			t.Fatalf("%d,%d,%d: decomposition %s exceeds grid", numI, numJ, nproc, d)
		}
		if err := d.Validate(numI, numJ); err != nil {
			t.Fatal(err)
		}
		for _, n := range append(append([]int{}, d.CountI...), d.CountJ...) {
			if n < 1 {
				t.Fatalf("%d,%d,%d: empty block in %s", numI, numJ, nproc, d)
			}
		}
	}
}

func TestSplit(t *testing.T) {
	if got, want := Split(10, 3), []int{4, 3, 3}; !equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := Split(4, 4), []int{1, 1, 1, 1}; !equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
	d := Decomposition{Rows: 1, Cols: 3, CountI: []int{4, 3, 3}, CountJ: []int{5}}
	if got, want := d.StartsI(), []int{0, 4, 7}; !equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func equal(x, y []int) bool {
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if x[i] != y[i] {
			return false
		}
	}
	return true
}
