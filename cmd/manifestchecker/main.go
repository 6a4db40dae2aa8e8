// Copyright 2024 The Flatpak External Data Checker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"os"

	"github.com/maruel/subcommands"

	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/data/rand/mathrand"
	"go.chromium.org/luci/common/flag/fixflagpos"
	"go.chromium.org/luci/common/logging/gologger"
)

const (
	// Version is the version of manifestchecker.
	Version = "1.0.0"
	// UserAgent identifies manifestchecker in the application title.
	UserAgent = "manifestchecker v" + Version
)

func getApplication() *cli.Application {
	return &cli.Application{
		Name:  "manifestchecker",
		Title: "Maintains submodule-backed build modules and runtime/base/SDK/extension versions in Flatpak manifests (" + UserAgent + ")",

		Context: func(ctx context.Context) context.Context {
			return gologger.StdConfig.Use(ctx)
		},

		Commands: []*subcommands.Command{
			subcommands.CmdHelp,
			cmdCheck,
			cmdUpdate,
		},
	}
}

func main() {
	mathrand.SeedRandomly()
	os.Exit(subcommands.Run(getApplication(), fixflagpos.FixSubcommands(os.Args[1:])))
}
