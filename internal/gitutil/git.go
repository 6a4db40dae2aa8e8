// Copyright 2024 The Flatpak External Data Checker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package gitutil issues the literal git subprocess invocations that
// SubmoduleChecker and RuntimeChecker's branch lock depend on.
package gitutil

import (
	"bytes"
	"context"
	"strings"

	"go.chromium.org/luci/common/errors"

	"github.com/vchernin/flatpak-external-data-checker/internal/procexec"
)

// Client issues git subprocesses through a shared Runner.
type Client struct {
	runner *procexec.Runner
}

// New returns a Client that dispatches git invocations through runner.
func New(runner *procexec.Runner) *Client {
	return &Client{runner: runner}
}

func splitNonEmptyLines(b []byte) []string {
	var out []string
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimRight(line, "\r")
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}

// CurrentBranch runs `git branch --show-current` in dir.
func (c *Client) CurrentBranch(ctx context.Context, dir string) (string, error) {
	res, err := c.runner.Run(ctx, dir, "git", "branch", "--show-current")
	if err != nil {
		return "", errors.Annotate(err, "git branch --show-current in %q", dir).Err()
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// HasSubmodules probes `git submodule status --recursive`; a nonzero exit
// means dir is not a git repository, and nonempty stdout means submodules
// are present.
func (c *Client) HasSubmodules(ctx context.Context, dir string) (bool, error) {
	res, err := c.runner.Run(ctx, dir, "git", "submodule", "status", "--recursive")
	if err != nil {
		return false, err
	}
	return len(bytes.TrimSpace(res.Stdout)) > 0, nil
}

// ShowToplevel runs `git rev-parse --show-toplevel`.
func (c *Client) ShowToplevel(ctx context.Context, dir string) (string, error) {
	res, err := c.runner.Run(ctx, dir, "git", "rev-parse", "--show-toplevel")
	if err != nil {
		return "", errors.Annotate(err, "git rev-parse --show-toplevel in %q", dir).Err()
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// GitDir runs `git rev-parse --git-dir`.
func (c *Client) GitDir(ctx context.Context, dir string) (string, error) {
	res, err := c.runner.Run(ctx, dir, "git", "rev-parse", "--git-dir")
	if err != nil {
		return "", errors.Annotate(err, "git rev-parse --git-dir in %q", dir).Err()
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// RevParseHead runs `git rev-parse HEAD`.
func (c *Client) RevParseHead(ctx context.Context, dir string) (string, error) {
	res, err := c.runner.Run(ctx, dir, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", errors.Annotate(err, "git rev-parse HEAD in %q", dir).Err()
	}
	return strings.TrimSpace(string(res.Stdout)), nil
}

// SubmoduleForeach runs `git submodule foreach [--recursive] --quiet 'echo
// $displaypath'`, returning one display path per submodule.
func (c *Client) SubmoduleForeach(ctx context.Context, dir string, recursive bool) ([]string, error) {
	args := []string{"submodule", "foreach"}
	if recursive {
		args = append(args, "--recursive")
	}
	args = append(args, "--quiet", "echo $displaypath")
	res, err := c.runner.Run(ctx, dir, "git", args...)
	if err != nil {
		return nil, errors.Annotate(err, "git submodule foreach in %q", dir).Err()
	}
	return splitNonEmptyLines(res.Stdout), nil
}

// SubmoduleUpdate runs `git submodule update [--init] [--remote]
// [--recursive] [path]`.
func (c *Client) SubmoduleUpdate(ctx context.Context, dir string, init, remote, recursive bool, path string) error {
	args := []string{"submodule", "update"}
	if init {
		args = append(args, "--init")
	}
	if remote {
		args = append(args, "--remote")
	}
	if recursive {
		args = append(args, "--recursive")
	}
	if path != "" {
		args = append(args, path)
	}
	if _, err := c.runner.Run(ctx, dir, "git", args...); err != nil {
		return errors.Annotate(err, "git submodule update in %q", dir).Err()
	}
	return nil
}

// SubmoduleUpdateAsync is SubmoduleUpdate dispatched off-thread.
func (c *Client) SubmoduleUpdateAsync(ctx context.Context, dir string, init, remote, recursive bool, path string) *procexec.Future {
	args := []string{"submodule", "update"}
	if init {
		args = append(args, "--init")
	}
	if remote {
		args = append(args, "--remote")
	}
	if recursive {
		args = append(args, "--recursive")
	}
	if path != "" {
		args = append(args, path)
	}
	return c.runner.RunAsync(ctx, dir, "git", args...)
}

// Checkout runs `git checkout <rev>` synchronously: callers must not race
// this against a subsequent read of the checked-out tree.
func (c *Client) Checkout(ctx context.Context, dir, rev string) error {
	if _, err := c.runner.Run(ctx, dir, "git", "checkout", rev); err != nil {
		return errors.Annotate(err, "git checkout %s in %q", rev, dir).Err()
	}
	return nil
}
