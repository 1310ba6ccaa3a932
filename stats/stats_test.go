// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import (
	"sync"
	"testing"
)

func TestMap(t *testing.T) {
	m := NewMap()
	var wg sync.WaitGroup
	const N = 16
	wg.Add(N)
	for i := 0; i < N; i++ {
		go func() {
			m.Incr("allreduce", 1)
			m.Int("bytes").Add(8)
			wg.Done()
		}()
	}
	wg.Wait()
	snap := m.Snapshot()
	if got, want := snap["allreduce"], int64(N); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := snap["bytes"], int64(8*N); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	all := make(Values)
	all.Add(snap)
	all.Add(snap)
	if got, want := all.String(), "allreduce:32 bytes:256"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	var nilInt *Int
	nilInt.Add(1)
	if got, want := nilInt.Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
