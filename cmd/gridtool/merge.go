// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/grailbio/base/status"
	"github.com/grailbio/gridslice/gridio"
)

func mergeCmd(opts gridio.Options, st *status.Status, args []string) error {
	var (
		flags = flag.NewFlagSet("gridtool merge", flag.ExitOnError)
		nproc = flags.Int("n", 0, "number of processes that wrote the containers")
	)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, `usage: gridtool merge -n nproc path

Merge combines the containers path.000-of-nnn through path.nnn-of-nnn,
written in the per-process layout, into the container at path, and
removes them.
`)
		flags.PrintDefaults()
		os.Exit(2)
	}
	flags.Parse(args)
	if flags.NArg() != 1 || *nproc <= 0 {
		flags.Usage()
	}
	path := flags.Arg(0)
	group := st.Groupf("merge %s", path)
	return gridio.Merge(context.Background(), path, *nproc, opts, group)
}
