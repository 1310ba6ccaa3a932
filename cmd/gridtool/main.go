// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Gridtool inspects, merges and exports grid containers, and runs a
// small demonstration of distributed grid arrays, either in process
// or over local bigmachine processes.
package main

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Pprof is exposed on the diagnostic web server.
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/status"
	"github.com/grailbio/gridslice/gridconfig"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func usage() {
	fmt.Fprintf(os.Stderr, `Gridtool is a tool for managing grid containers.

Usage:

	gridtool [flags] <command> [arguments]

The commands are:

	info     describe the grid and datasets of a container
	merge    merge per-process containers into one container
	export   export a dataset as simulator keywords
	demo     run a distributed grid computation

Storage options are read from the "gridio" instance of the profile
at %s.

Flags:
`, gridconfig.Path)
	flag.PrintDefaults()
	os.Exit(2)
}

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("gridtool: ")
	must.Func = log.Fatal
	flag.Usage = usage
	var (
		consoleStatus = flag.Bool("console-status", false, "print status to stdout")
		httpAddr      = flag.String("http", "", "address of the diagnostic web server")
	)
	opts := gridconfig.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}

	var st status.Status
	displayStatus(&st, *consoleStatus, *httpAddr)

	cmd, args := flag.Arg(0), flag.Args()[1:]
	var err error
	switch cmd {
	default:
		fmt.Fprintln(os.Stderr, "unknown command", cmd)
		flag.Usage()
	case "info":
		err = infoCmd(args)
	case "merge":
		err = mergeCmd(opts, &st, args)
	case "export":
		err = exportCmd(args)
	case "demo":
		err = demoCmd(opts, args)
	}
	must.Nil(err, cmd)
}

// displayStatus arranges for the tool's status to be displayed on the
// console and, if addr is set, on a web page at /debug/status.
func displayStatus(st *status.Status, console bool, addr string) {
	if console {
		var reporter status.Reporter
		go reporter.Go(os.Stdout, st)
	}
	if addr != "" {
		http.Handle("/debug/status", status.Handler(st))
		go func() {
			log.Printf("HTTP status at: %s", addr)
			if err := http.ListenAndServe(addr, nil); err != nil {
				log.Error.Printf("failed to start HTTP at %s: %v", addr, err)
			}
		}()
	}
}
