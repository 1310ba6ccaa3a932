// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package partition decomposes a regular grid among a fixed number
// of processes. The processes are arranged in a Rows × Cols process
// grid: process columns split the I axis and process rows split the
// J axis.
package partition

import (
	"fmt"
	"math"
	"strings"

	"github.com/grailbio/base/errors"
)

// A Decomposition assigns contiguous node ranges to process columns
// and rows. CountI[c] is the number of I nodes owned by process
// column c; CountJ[r] is the number of J nodes owned by process row r.
type Decomposition struct {
	Rows, Cols     int
	CountI, CountJ []int
}

// Procs returns the number of processes in the decomposition.
func (d Decomposition) Procs() int { return d.Rows * d.Cols }

// StartsI returns the first I index owned by each process column.
func (d Decomposition) StartsI() []int { return starts(d.CountI) }

// StartsJ returns the first J index owned by each process row.
func (d Decomposition) StartsJ() []int { return starts(d.CountJ) }

// Validate checks the decomposition's invariants against a grid of
// numI × numJ nodes.
func (d Decomposition) Validate(numI, numJ int) error {
	if len(d.CountI) != d.Cols || len(d.CountJ) != d.Rows {
		return errors.E(errors.Integrity,
			fmt.Sprintf("partition: decomposition %s has mismatched count vectors", d))
	}
	if got := sum(d.CountI); got != numI {
		return errors.E(errors.Integrity,
			fmt.Sprintf("partition: I counts of %s sum to %d, want %d", d, got, numI))
	}
	if got := sum(d.CountJ); got != numJ {
		return errors.E(errors.Integrity,
			fmt.Sprintf("partition: J counts of %s sum to %d, want %d", d, got, numJ))
	}
	return nil
}

func (d Decomposition) String() string {
	return fmt.Sprintf("%dx%d%v%v", d.Rows, d.Cols, d.CountI, d.CountJ)
}

// Decompose chooses the process grid for a numI × numJ node grid and
// nproc processes. Among all factorizations nproc = rows*cols with
// cols <= numI and rows <= numJ, Decompose picks the one whose
// per-process node block is closest to square, that is the one
// minimizing max(numI/cols, numJ/rows) / min(numI/cols, numJ/rows).
// Candidates are scanned from cols = nproc down to 1 and ties keep
// the first candidate.
//
// A grid with fewer than two nodes on an axis is a configuration
// error (kind errors.Invalid), reported before any factorization is
// attempted. If no factorization fits, Decompose returns an error of
// kind errors.NotSupported that lists the process counts that would
// work.
func Decompose(numI, numJ, nproc int) (rows, cols int, err error) {
	if numI <= 1 || numJ <= 1 {
		return 0, 0, errors.E(errors.Invalid,
			fmt.Sprintf("partition: grid of %dx%d nodes: need at least two nodes per axis", numI, numJ))
	}
	if nproc < 1 {
		return 0, 0, errors.E(errors.Invalid, fmt.Sprintf("partition: invalid process count %d", nproc))
	}
	if nproc == 1 {
		return 1, 1, nil
	}
	best := math.Inf(1)
	for m := nproc; m >= 1; m-- {
		if nproc%m != 0 {
			continue
		}
		n := nproc / m
		if m > numI || n > numJ {
			continue
		}
		bi, bj := float64(numI)/float64(m), float64(numJ)/float64(n)
		ratio := math.Max(bi, bj) / math.Min(bi, bj)
		if ratio < best {
			best, rows, cols = ratio, n, m
		}
	}
	if cols == 0 {
		return 0, 0, errors.E(errors.NotSupported,
			fmt.Sprintf("partition: %d processes cannot partition a grid of %dx%d nodes; valid process counts up to %d are: %s",
				nproc, numI, numJ, nproc, strings.Join(validCounts(numI, numJ, nproc), ", ")))
	}
	return rows, cols, nil
}

// Balanced returns the decomposition chosen by Decompose with node
// counts balanced along each axis.
func Balanced(numI, numJ, nproc int) (Decomposition, error) {
	rows, cols, err := Decompose(numI, numJ, nproc)
	if err != nil {
		return Decomposition{}, err
	}
	return Decomposition{
		Rows:   rows,
		Cols:   cols,
		CountI: Split(numI, cols),
		CountJ: Split(numJ, rows),
	}, nil
}

// Split divides n items into parts contiguous pieces whose sizes
// differ by at most one; the remainder is spread over the first
// pieces.
func Split(n, parts int) []int {
	counts := make([]int, parts)
	each, rem := n/parts, n%parts
	for p := range counts {
		counts[p] = each
		if p < rem {
			counts[p]++
		}
	}
	return counts
}

// validCounts lists the process counts in [1, max] that can
// partition a numI × numJ grid.
func validCounts(numI, numJ, max int) []string {
	var valid []string
	for p := 1; p <= max; p++ {
		for m := 1; m <= p; m++ {
			if p%m == 0 && m <= numI && p/m <= numJ {
				valid = append(valid, fmt.Sprint(p))
				break
			}
		}
	}
	return valid
}

func starts(counts []int) []int {
	s := make([]int, len(counts))
	for i := 1; i < len(counts); i++ {
		s[i] = s[i-1] + counts[i-1]
	}
	return s
}

func sum(v []int) int {
	var n int
	for _, x := range v {
		n += x
	}
	return n
}
