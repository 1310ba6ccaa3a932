// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/bigmachine/testsystem"
)

var (
	// exchangeFunc reduces the ranks' ids, offset by the integer
	// argument, and then has every rank send its id to every other
	// rank. It returns the reduction and the sum of what it received.
	exchangeFunc = NewFunc(func(ctx context.Context, c *Comm, arg interface{}) (interface{}, error) {
		offset := arg.(int)
		sum, err := c.AllReduceFloat64(ctx, Sum, float64(c.Rank()+offset))
		if err != nil {
			return nil, err
		}
		send := make([][]float64, c.Size())
		for rank := range send {
			if rank != c.Rank() {
				send[rank] = []float64{float64(c.Rank())}
			}
		}
		recv, err := c.Alltoallv(ctx, send)
		if err != nil {
			return nil, err
		}
		var got float64
		for _, block := range recv {
			for _, v := range block {
				got += v
			}
		}
		return []float64{sum, got}, nil
	})

	// failFunc fails on the rank given by its argument. The other ranks
	// wait for it in a barrier.
	failFunc = NewFunc(func(ctx context.Context, c *Comm, arg interface{}) (interface{}, error) {
		if c.Rank() == arg.(int) {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("rank %d: bad input", c.Rank()))
		}
		return nil, c.Barrier(ctx)
	})

	// agreeFunc passes an error to Agree on the rank given by its
	// argument and returns the agreed error message.
	agreeFunc = NewFunc(func(ctx context.Context, c *Comm, arg interface{}) (interface{}, error) {
		var local error
		if c.Rank() == arg.(int) {
			local = errors.E(errors.NotExist, "missing input")
		}
		err := c.Agree(ctx, local)
		if err == nil {
			return "", nil
		}
		return err.Error(), nil
	})
)

func startTestCluster(t *testing.T, size int) (*Cluster, func()) {
	t.Helper()
	b := bigmachine.Start(testsystem.New())
	c, err := StartCluster(context.Background(), b, size)
	if err != nil {
		b.Shutdown()
		t.Fatal(err)
	}
	return c, func() {
		c.Close()
		b.Shutdown()
	}
}

func checkExchange(t *testing.T, results []interface{}, size, offset int) {
	t.Helper()
	if got, want := len(results), size; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	var sum float64
	for rank := 0; rank < size; rank++ {
		sum += float64(rank + offset)
	}
	for rank, result := range results {
		v, ok := result.([]float64)
		if !ok || len(v) != 2 {
			t.Errorf("rank %d: bad result %v", rank, result)
			continue
		}
		if got, want := v[0], sum; got != want {
			t.Errorf("rank %d: got %v, want %v", rank, got, want)
		}
		// Every rank receives the ids of all others.
		if got, want := v[1], float64(size*(size-1)/2-rank); got != want {
			t.Errorf("rank %d: got %v, want %v", rank, got, want)
		}
	}
}

func TestWorldRunFunc(t *testing.T) {
	const N = 4
	w := NewWorld(N)
	results, err := w.RunFunc(context.Background(), exchangeFunc, 10)
	if err != nil {
		t.Fatal(err)
	}
	checkExchange(t, results, N, 10)
}

func TestCluster(t *testing.T) {
	const N = 3
	c, shutdown := startTestCluster(t, N)
	defer shutdown()
	if got, want := c.Size(), N; got != want {
		t.Fatalf("got %v, want %v", got, want)
	}
	ctx := context.Background()
	// Sequential runs share the cluster but not their rendezvous.
	for _, offset := range []int{0, 5} {
		results, err := c.RunFunc(ctx, exchangeFunc, offset)
		if err != nil {
			t.Fatal(err)
		}
		checkExchange(t, results, N, offset)
	}
	stats := c.Stats()
	if got, want := stats["allreduce.float64.sum"], int64(2*N); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := stats["alltoallv"], int64(2*N); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestClusterAgree(t *testing.T) {
	const N = 3
	c, shutdown := startTestCluster(t, N)
	defer shutdown()
	results, err := c.RunFunc(context.Background(), agreeFunc, 2)
	if err != nil {
		t.Fatal(err)
	}
	for rank, result := range results {
		msg, _ := result.(string)
		if msg == "" {
			t.Errorf("rank %d: expected error", rank)
		}
	}
	results, err = c.RunFunc(context.Background(), agreeFunc, -1)
	if err != nil {
		t.Fatal(err)
	}
	for rank, result := range results {
		if msg, _ := result.(string); msg != "" {
			t.Errorf("rank %d: unexpected error %s", rank, msg)
		}
	}
}

func TestClusterFailure(t *testing.T) {
	const N = 3
	c, shutdown := startTestCluster(t, N)
	defer shutdown()
	done := make(chan error, 1)
	go func() {
		_, err := c.RunFunc(context.Background(), failFunc, 1)
		done <- err
	}()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected error")
		}
	case <-time.After(time.Minute):
		t.Fatal("ranks were not released")
	}
	// The cluster remains usable after a failed run.
	results, err := c.RunFunc(context.Background(), exchangeFunc, 1)
	if err != nil {
		t.Fatal(err)
	}
	checkExchange(t, results, N, 1)
}

func TestStartClusterInvalid(t *testing.T) {
	b := bigmachine.Start(testsystem.New())
	defer b.Shutdown()
	_, err := StartCluster(context.Background(), b, 0)
	if !errors.Is(errors.Invalid, err) {
		t.Errorf("unexpected error %v", err)
	}
}

func TestRendezvousClose(t *testing.T) {
	rv := newRendezvous(2)
	done := make(chan error, 1)
	go func() {
		_, err := rv.exchange(context.Background(), 0, 0, collective{Kind: kindBarrier}, nil)
		done <- err
	}()
	rv.close()
	select {
	case err := <-done:
		if !errors.Is(errors.Canceled, err) {
			t.Errorf("unexpected error %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("waiter was not released")
	}
	_, err := rv.exchange(context.Background(), 1, 1, collective{Kind: kindBarrier}, nil)
	if !errors.Is(errors.Canceled, err) {
		t.Errorf("unexpected error %v", err)
	}
}

func TestLookupFunc(t *testing.T) {
	if _, err := lookupFunc(len(funcs)); !errors.Is(errors.NotExist, err) {
		t.Errorf("unexpected error %v", err)
	}
	f, err := lookupFunc(exchangeFunc.index)
	if err != nil {
		t.Fatal(err)
	}
	if f != exchangeFunc {
		t.Error("wrong func")
	}
}
