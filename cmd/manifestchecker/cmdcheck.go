// Copyright 2024 The Flatpak External Data Checker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/maruel/subcommands"
	"go.chromium.org/luci/common/logging"
)

var cmdCheck = &subcommands.Command{
	UsageLine: "check [-is-app] [-module <path> ...] <manifest-path>",
	ShortDesc: "reports outdated submodule-backed build modules and available runtime bumps",
	LongDesc: `Reports outdated submodule-backed build modules and available runtime bumps.

Clones the repository's submodules into a scratch worktree to discover
whether any -module file has changed upstream, and queries the flathub
remote to discover whether the manifest's runtime/base/SDK/extension
versions can be bumped to a newer, cross-compatible set. Prints what it
finds; does not modify the manifest.
`,

	CommandRun: func() subcommands.CommandRun {
		c := &cmdCheckRun{}
		c.init(c.exec)
		return c
	},
}

type cmdCheckRun struct {
	commandBase
}

func (c *cmdCheckRun) exec(ctx context.Context, manifestPath string) error {
	m, err := loadManifest(manifestPath)
	if err != nil {
		return err
	}
	manifestDir := filepath.Dir(manifestPath)

	checker, cleanup, err := buildChecker(ctx, manifestDir)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := checker.Check(ctx, manifestDir, c.modulePaths, m, c.isApp); err != nil {
		return err
	}

	checker.PrintOutdated(os.Stdout)
	for _, e := range checker.GetErrors() {
		logging.Warningf(ctx, "%s", e)
	}
	return nil
}
