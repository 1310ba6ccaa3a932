// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package gridconfig provides the storage options of command line
// tools from a shared configuration. Gridconfig uses the
// configuration mechanism in package github.com/grailbio/base/config,
// and reads a default profile from $HOME/.gridslice/config.
//
// The profile configures the "gridio" instance, for example:
//
//	param gridio (
//		layout = "perprocess"
//		merge-on-close = true
//	)
package gridconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"
	"github.com/grailbio/gridslice/gridio"
)

// Path determines the location of the profile read by Parse.
var Path = os.ExpandEnv("$HOME/.gridslice/config")

// Parse registers configuration flags and calls flag.Parse. It
// reads the configuration from Path and returns the gridio options
// as configured by the profile and any flags provided. Parse panics
// if the configuration is invalid.
func Parse() gridio.Options {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	return Options()
}

// Options returns the gridio options of the current profile.
func Options() gridio.Options {
	var opts gridio.Options
	config.Must("gridio", &opts)
	return opts
}
