// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/bigmachine"
	"github.com/grailbio/gridslice/comm"
	"github.com/grailbio/gridslice/eclbin"
	"github.com/grailbio/gridslice/gridfile"
	"github.com/grailbio/gridslice/gridio"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/grailbio/testutil/expect"
)

func TestMain(m *testing.M) {
	// Cluster machines re-execute the test binary; they never return
	// from Start.
	testBigmachine = bigmachine.Start(bigmachine.Local)
	code := m.Run()
	testBigmachine.Shutdown()
	os.Exit(code)
}

var testBigmachine *bigmachine.B

func checkDemo(t *testing.T, r runner, layout gridio.Layout, out string) {
	t.Helper()
	ctx := context.Background()
	cfg := demoConfig{
		Nproc:  r.Size(),
		NumI:   41,
		NumJ:   33,
		Factor: 4,
		Out:    out,
		Opts:   gridio.Options{Layout: layout, Chunk: 16, MergeOnClose: true},
	}
	sum, err := runDemo(ctx, r, cfg)
	assert.NoError(t, err)
	expect.EQ(t, sum.Grid.Name, "fine")
	expect.True(t, sum.Defined > 0)
	expect.True(t, sum.Resampled > 0 && sum.Resampled <= sum.Defined)
	expect.True(t, sum.Min >= 1700 && sum.Max <= 2300)
	expect.True(t, sum.Avg > sum.Min && sum.Avg < sum.Max)
	expect.True(t, sum.RMS < 50)
	expect.True(t, r.Stats()["agree"] > 0)

	rd, err := gridfile.Open(ctx, out)
	assert.NoError(t, err)
	var b bytes.Buffer
	assert.NoError(t, describe(ctx, &b, rd, true))
	s := b.String()
	for _, want := range []string{"grid fine", "depth", "refined", "float32", "residual", "property=Residual"} {
		expect.True(t, strings.Contains(s, want), want, s)
	}
	assert.NoError(t, rd.Close(ctx))
}

func TestDemo(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	for _, layout := range []gridio.Layout{gridio.Shared, gridio.PerProcess} {
		checkDemo(t, comm.NewWorld(3), layout, filepath.Join(dir, layout.String()+".gf"))
	}

	_, err := runDemo(context.Background(), comm.NewWorld(2), demoConfig{Nproc: 2, NumI: 10, NumJ: 9, Factor: 4})
	expect.NotNil(t, err)
}

func TestDemoLocal(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping local cluster test in short mode")
	}
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	cluster, err := comm.StartCluster(context.Background(), testBigmachine, 3)
	assert.NoError(t, err)
	defer cluster.Close()
	for _, layout := range []gridio.Layout{gridio.Shared, gridio.PerProcess} {
		checkDemo(t, cluster, layout, filepath.Join(dir, layout.String()+".gf"))
	}
}

func TestExport(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "")
	defer cleanup()
	ctx := context.Background()
	path := filepath.Join(dir, "x.gf")
	w, err := gridfile.Create(ctx, path)
	assert.NoError(t, err)
	data := []float64{
		// (i, j, k) stored with the layer fastest.
		0, 100, 1, 101, 2, 102,
		10, 110, 11, 111, -5, 112,
	}
	assert.NoError(t, w.WriteDataset(ctx, &gridfile.Dataset{
		Name: "props/poro", Dims: []int{2, 3, 2}, Attrs: gridfile.Attrs{"null64": float64(-5)}, Data: data,
	}))
	assert.NoError(t, w.Close(ctx))

	r, err := gridfile.Open(ctx, path)
	assert.NoError(t, err)
	defer r.Close(ctx)
	var b bytes.Buffer
	assert.NoError(t, export(ctx, &b, r, "props/poro", defaultKeyword("props/poro"), 0))
	recs, err := eclbin.NewReader(&b).ReadAll()
	assert.NoError(t, err)
	assert.EQ(t, len(recs), 2)
	expect.EQ(t, recs[0].Keyword, "DIMENS")
	expect.EQ(t, recs[0].Ints, []int32{2, 3, 2})
	expect.EQ(t, recs[1].Keyword, "PORO")
	expect.EQ(t, recs[1].Type, eclbin.Doub)
	expect.EQ(t, recs[1].Doubles, []float64{0, 10, 1, 11, 2, 0, 100, 110, 101, 111, 102, 112})
}

func TestKeyword(t *testing.T) {
	expect.EQ(t, defaultKeyword("depth"), "DEPTH")
	expect.EQ(t, defaultKeyword("grid/temperature"), "TEMPERAT")
}
