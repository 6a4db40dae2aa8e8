// Copyright 2024 The Flatpak External Data Checker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Command manifestchecker drives SubmoduleChecker and RuntimeChecker (via
// the specialcheck facade) over a single Flatpak application manifest. It
// deliberately does not dispatch to any other, non-special checker.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/maruel/subcommands"
	"go.chromium.org/luci/common/cli"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"
	"go.chromium.org/luci/common/system/signals"

	"github.com/vchernin/flatpak-external-data-checker/internal/gitutil"
	"github.com/vchernin/flatpak-external-data-checker/internal/manifest"
	"github.com/vchernin/flatpak-external-data-checker/internal/procexec"
	"github.com/vchernin/flatpak-external-data-checker/internal/registry"
	"github.com/vchernin/flatpak-external-data-checker/internal/runtimecheck"
	"github.com/vchernin/flatpak-external-data-checker/internal/specialcheck"
	"github.com/vchernin/flatpak-external-data-checker/internal/submodule"
)

// isCLIError tags errors that should be reported as a one-line message
// rather than a full stack.
var isCLIError = errors.BoolTag{Key: errors.NewTagKey("manifestchecker is a CLI-level error")}

const flathubRemoteName = "flathub"
const flathubRemoteURL = "https://dl.flathub.org/repo/"

// execCb is the signature of a function that actually executes a subcommand
// against the manifest at manifestPath.
type execCb func(ctx context.Context, manifestPath string) error

// commandBase is embedded by every subcommand; it owns the flags and setup
// shared across "check" and "update".
type commandBase struct {
	subcommands.CommandRunBase

	exec execCb

	isApp       bool
	modulePaths stringList

	logConfig logging.Config
}

type stringList []string

func (s *stringList) String() string { return fmt.Sprint([]string(*s)) }
func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func (c *commandBase) init(exec execCb) {
	c.exec = exec
	c.Flags.BoolVar(&c.isApp, "is-app", true, "whether the manifest describes an application (only applications get runtime bumps)")
	c.Flags.Var(&c.modulePaths, "module", "manifest-relative path to a build-module file to check (may be repeated)")
	c.logConfig.Level = logging.Info
	c.logConfig.AddFlags(&c.Flags)
}

// ModifyContext implements cli.ContextModificator; it layers this command's
// -log-* flags on top of the logger the Application.Context installed.
func (c *commandBase) ModifyContext(ctx context.Context) context.Context {
	return c.logConfig.Set(ctx)
}

// Run implements subcommands.CommandRun: it validates the single positional
// manifest-path argument, wires up interrupt cancellation, and dispatches to
// the concrete subcommand's exec.
func (c *commandBase) Run(a subcommands.Application, args []string, env subcommands.Env) int {
	ctx := cli.GetContext(a, c, env)
	if len(args) != 1 {
		return handleErr(ctx, errors.Reason("expected exactly one positional argument: the manifest path").Tag(isCLIError).Err())
	}

	ctx, cancel := context.WithCancel(ctx)
	signals.HandleInterrupt(cancel)
	defer cancel()

	if err := c.exec(ctx, args[0]); err != nil {
		return handleErr(ctx, err)
	}
	return 0
}

// buildChecker wires procexec/gitutil/registry/submodule/runtimecheck into
// a specialcheck.Checker rooted at manifestDir.
func buildChecker(ctx context.Context, manifestDir string) (*specialcheck.Checker, func(), error) {
	runner := procexec.New(8)
	git := gitutil.New(runner)

	cat, err := registry.New(runner, flathubRemoteName)
	if err != nil {
		return nil, nil, err
	}
	if err := cat.EnsureRemote(ctx, flathubRemoteURL); err != nil {
		logging.Warningf(ctx, "could not register %s remote: %s", flathubRemoteName, err)
	}

	sub := submodule.New(git, runner)
	rt := runtimecheck.New(cat, git, manifestDir)
	checker := specialcheck.New(sub, rt)

	cleanup := func() {
		if err := sub.Close(); err != nil {
			logging.Warningf(ctx, "cleaning up submodule checker scratch dir: %s", err)
		}
	}
	return checker, cleanup, nil
}

func loadManifest(path string) (*manifest.Manifest, error) {
	m, err := manifest.Load(path)
	if err != nil {
		return nil, errors.Annotate(err, "loading manifest").Tag(isCLIError).Err()
	}
	return m, nil
}

func handleErr(ctx context.Context, err error) int {
	if err == nil {
		return 0
	}
	switch {
	case errors.Contains(err, context.Canceled):
		return 4
	case isCLIError.In(err):
		fmt.Fprintln(os.Stderr, err)
		return 2
	default:
		errors.Log(ctx, err)
		return 1
	}
}
