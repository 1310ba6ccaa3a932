// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package comm

import (
	"context"
	"encoding/gob"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bigmachine"
	"github.com/grailbio/gridslice/stats"
	"golang.org/x/sync/errgroup"
)

func init() {
	gob.Register(&hub{})
	gob.Register(&rankService{})
}

// A Cluster is a world whose ranks run on bigmachine machines, one
// rank per machine. The rendezvous for every collective is performed
// by a service on the cluster's first machine, which the ranks call
// over bigmachine's RPC.
type Cluster struct {
	machines []*bigmachine.Machine
	stats    *stats.Map
	runs     uint64
}

// StartCluster starts size machines on b and returns a cluster over
// them once every machine is running. The provided params are passed
// to bigmachine when starting the machines.
func StartCluster(ctx context.Context, b *bigmachine.B, size int, params ...bigmachine.Param) (*Cluster, error) {
	if size <= 0 {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("comm.StartCluster: invalid size %d", size))
	}
	params = append([]bigmachine.Param{bigmachine.Services{
		"Hub":  new(hub),
		"Rank": new(rankService),
	}}, params...)
	machines, err := b.Start(ctx, size, params...)
	if err != nil {
		return nil, err
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, m := range machines {
		m := m
		g.Go(func() error {
			select {
			case <-m.Wait(bigmachine.Running):
			case <-gctx.Done():
				return gctx.Err()
			}
			if err := m.Err(); err != nil {
				return errors.E(errors.Unavailable, fmt.Sprintf("comm: machine %s failed to start", m.Addr), err)
			}
			log.Debug.Printf("comm: machine %s is ready", m.Addr)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, m := range machines {
			m.Cancel()
		}
		return nil, err
	}
	log.Printf("comm: started %d machines; rendezvous at %s", size, machines[0].Addr)
	return &Cluster{machines: machines, stats: stats.NewMap()}, nil
}

// Size returns the number of ranks in the cluster.
func (c *Cluster) Size() int { return len(c.machines) }

// Stats returns the traffic counters of every run on the cluster,
// summed over ranks.
func (c *Cluster) Stats() stats.Values {
	return c.stats.Snapshot()
}

// Close cancels the cluster's machines.
func (c *Cluster) Close() {
	for _, m := range c.machines {
		m.Cancel()
	}
}

// RunFunc runs f with arg on every rank of the cluster and returns
// the ranks' results, indexed by rank. As with World.Run, the first
// failure cancels the remaining ranks and is returned.
func (c *Cluster) RunFunc(ctx context.Context, f *Func, arg interface{}) ([]interface{}, error) {
	var (
		run     = atomic.AddUint64(&c.runs, 1)
		hub     = c.machines[0]
		size    = len(c.machines)
		results = make([]interface{}, size)
	)
	defer func() {
		if err := hub.Call(context.Background(), "Hub.Release", run, nil); err != nil {
			log.Error.Printf("comm: release run %d on %s: %v", run, hub.Addr, err)
		}
	}()
	g, gctx := errgroup.WithContext(ctx)
	for rank, m := range c.machines {
		rank, m := rank, m
		g.Go(func() error {
			req := runRequest{Func: f.index, Run: run, Rank: rank, Size: size, Hub: hub.Addr, Arg: arg}
			var reply runReply
			if err := m.Call(gctx, "Rank.Run", req, &reply); err != nil {
				if gctx.Err() == nil {
					log.Error.Printf("comm: rank %d/%d on %s failed: %v", rank, size, m.Addr, err)
				}
				return err
			}
			results[rank] = reply.Result
			for k, v := range reply.Stats {
				c.stats.Incr(k, v)
			}
			return nil
		})
	}
	return results, g.Wait()
}

// RunRequest is the request payload for Rank.Run.
type runRequest struct {
	Func, Rank, Size int
	Run              uint64
	// Hub is the address of the machine performing the rendezvous.
	Hub string
	Arg interface{}
}

// RunReply is the reply payload for Rank.Run.
type runReply struct {
	Result interface{}
	Stats  stats.Values
}

// RankService runs rank programs on a cluster machine.
type rankService struct {
	// Exported satisfies gob, which needs at least one exported field.
	Exported struct{}

	b *bigmachine.B
}

func (s *rankService) Init(b *bigmachine.B) error {
	s.b = b
	return nil
}

// Run runs the requested Func as one rank of a cluster run.
func (s *rankService) Run(ctx context.Context, req runRequest, reply *runReply) error {
	f, err := lookupFunc(req.Func)
	if err != nil {
		return err
	}
	hub, err := s.b.Dial(ctx, req.Hub)
	if err != nil {
		return err
	}
	c := &Comm{
		rank:  req.Rank,
		size:  req.Size,
		stats: stats.NewMap(),
		ex:    &remote{hub: hub, run: req.Run, size: req.Size},
	}
	reply.Result, err = f.fn(ctx, c, req.Arg)
	reply.Stats = c.stats.Snapshot()
	return err
}

// Remote is the exchanger of a rank running on a cluster machine.
type remote struct {
	hub  *bigmachine.Machine
	run  uint64
	size int
}

func (r *remote) exchange(ctx context.Context, seq uint64, rank int, coll collective, in interface{}) (interface{}, error) {
	req := exchangeRequest{Run: r.run, Size: r.size, Seq: seq, Rank: rank, Collective: coll, In: in}
	var reply exchangeReply
	if err := r.hub.Call(ctx, "Hub.Exchange", req, &reply); err != nil {
		return nil, err
	}
	return reply.Out, nil
}

// ExchangeRequest is the request payload for Hub.Exchange.
type exchangeRequest struct {
	Run        uint64
	Size, Rank int
	Seq        uint64
	Collective collective
	In         interface{}
}

// ExchangeReply is the reply payload for Hub.Exchange.
type exchangeReply struct {
	Out interface{}
}

// Hub performs the rendezvous for the ranks of cluster runs. Each
// run has its own rendezvous, dropped by Release.
type hub struct {
	// Exported satisfies gob, which needs at least one exported field.
	Exported struct{}

	mu   sync.Mutex
	runs map[uint64]*rendezvous
}

func (h *hub) Init(*bigmachine.B) error {
	h.runs = make(map[uint64]*rendezvous)
	return nil
}

// Exchange performs one rank's part of a collective round. It
// returns when every rank of the run has called Exchange for the
// round.
func (h *hub) Exchange(ctx context.Context, req exchangeRequest, reply *exchangeReply) error {
	h.mu.Lock()
	rv := h.runs[req.Run]
	if rv == nil {
		rv = newRendezvous(req.Size)
		h.runs[req.Run] = rv
	}
	h.mu.Unlock()
	if rv.size != req.Size {
		return errors.E(errors.Integrity, errors.Fatal,
			fmt.Sprintf("comm: run %d: rank %d has size %d, want %d", req.Run, req.Rank, req.Size, rv.size))
	}
	var err error
	reply.Out, err = rv.exchange(ctx, req.Seq, req.Rank, req.Collective, req.In)
	return err
}

// Release drops the rendezvous state of a run. Ranks of the run
// still waiting in a collective fail.
func (h *hub) Release(ctx context.Context, run uint64, _ *struct{}) error {
	h.mu.Lock()
	rv := h.runs[run]
	delete(h.runs, run)
	h.mu.Unlock()
	if rv != nil {
		rv.close()
	}
	return nil
}
