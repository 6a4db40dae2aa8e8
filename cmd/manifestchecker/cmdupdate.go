// Copyright 2024 The Flatpak External Data Checker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/maruel/subcommands"
	"go.chromium.org/luci/common/logging"
)

var cmdUpdate = &subcommands.Command{
	UsageLine: "update [-is-app] [-module <path> ...] <manifest-path>",
	ShortDesc: "applies outdated submodule and runtime/base/SDK bumps to the manifest",
	LongDesc: `Applies outdated submodule and runtime/base/SDK bumps to the manifest.

Runs the same checks as "check", then mutates the manifest file on disk
(runtime-version, base-version, and any branch/default-branch bump) and
advances every outdated, non-nested submodule's working-tree pointer to
its resolved upstream commit. Prints one line per change, suitable for a
downstream PR-creation step to consume as a commit/PR body.
`,

	CommandRun: func() subcommands.CommandRun {
		c := &cmdUpdateRun{}
		c.init(c.exec)
		return c
	},
}

type cmdUpdateRun struct {
	commandBase
}

func (c *cmdUpdateRun) exec(ctx context.Context, manifestPath string) error {
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

	changes, warnings, err := checker.Update(ctx, manifestDir, m)
	if err != nil {
		return err
	}

	if p := checker.RuntimeProposal(); p != nil {
		switch {
		case p.Reason != "":
			changes = append(changes, fmt.Sprintf("Could not update runtime: %s", p.Reason))
		case p.LatestRuntimeVersion != "":
			changes = append(changes, fmt.Sprintf("Update runtime to %s", p.LatestRuntimeVersion))
			if p.LatestBaseVersion != "" {
				changes = append(changes, fmt.Sprintf("Update base to %s", p.LatestBaseVersion))
			}
		}
	}

	for _, line := range changes {
		fmt.Println(line)
	}
	for _, line := range warnings {
		logging.Warningf(ctx, "%s", line)
	}
	for _, e := range checker.GetErrors() {
		logging.Warningf(ctx, "%s", e)
	}
	return nil
}
