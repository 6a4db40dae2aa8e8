// Copyright 2024 The Flatpak External Data Checker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package specialcheck orchestrates SubmoduleChecker and RuntimeChecker
// behind a single uniform surface for the outer driver: check, get the
// outdated set, print it, apply updates, and collect errors.
package specialcheck

import (
	"context"
	"fmt"
	"io"

	"github.com/fatih/color"

	"github.com/vchernin/flatpak-external-data-checker/internal/manifest"
	"github.com/vchernin/flatpak-external-data-checker/internal/runtimecheck"
	"github.com/vchernin/flatpak-external-data-checker/internal/submodule"
)

// Checker is SpecialChecker.
type Checker struct {
	submodule *submodule.Checker
	runtime   *runtimecheck.Checker

	runtimeProposal *runtimecheck.Proposal
}

// New constructs a Checker from its two constituent checkers.
func New(sub *submodule.Checker, rt *runtimecheck.Checker) *Checker {
	return &Checker{submodule: sub, runtime: rt}
}

// Check runs SubmoduleChecker then RuntimeChecker in sequence; there is no
// data flow between them.
func (c *Checker) Check(ctx context.Context, manifestDir string, modulePaths []string, m *manifest.Manifest, isApp bool) error {
	if err := c.submodule.Check(ctx, manifestDir, modulePaths); err != nil {
		return err
	}
	proposal, err := c.runtime.Check(ctx, m, isApp)
	if err != nil {
		return err
	}
	c.runtimeProposal = proposal
	return nil
}

// GetOutdated returns the outdated submodules found by the last Check.
func (c *Checker) GetOutdated() []*submodule.Submodule {
	return c.submodule.GetOutdated()
}

// RuntimeProposal returns the RuntimeChecker proposal computed by the last
// Check (nil if Check has not run).
func (c *Checker) RuntimeProposal() *runtimecheck.Proposal {
	return c.runtimeProposal
}

// PrintOutdated writes a human-readable summary of everything found by the
// last Check to w.
func (c *Checker) PrintOutdated(w io.Writer) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()

	for _, s := range c.GetOutdated() {
		paint := green
		if s.Nested {
			paint = yellow
		}
		for modulePath := range s.Modules {
			fmt.Fprintln(w, paint(fmt.Sprintf("outdated: %s (submodule %s)", modulePath, s.RelativePath)))
		}
	}

	if c.runtimeProposal == nil {
		return
	}
	p := c.runtimeProposal
	if p.Reason != "" {
		fmt.Fprintln(w, yellow(fmt.Sprintf("runtime update blocked: %s", p.Reason)))
		return
	}
	if p.LatestRuntimeVersion != "" {
		fmt.Fprintln(w, green(fmt.Sprintf("runtime update available: %s", p.LatestRuntimeVersion)))
	}
	if p.LatestBaseVersion != "" {
		fmt.Fprintln(w, green(fmt.Sprintf("base update available: %s", p.LatestBaseVersion)))
	}
}

// Update applies every update found by the last Check: it advances
// outdated, non-nested submodules and mutates the manifest's runtime/base
// (and branch) fields in place. Returns SubmoduleChecker's change/warning
// lines; RuntimeChecker changes are conveyed via manifest mutation, not
// text, so it contributes nothing to the returned slices.
func (c *Checker) Update(ctx context.Context, manifestDir string, m *manifest.Manifest) (changes, warnings []string, err error) {
	changes, warnings, err = c.submodule.Update(ctx, manifestDir)
	if err != nil {
		return nil, nil, err
	}
	if err := c.runtime.Update(ctx, m, c.runtimeProposal); err != nil {
		return nil, nil, err
	}
	return changes, warnings, nil
}

// GetErrors returns every non-fatal error recorded by SubmoduleChecker.
// RuntimeChecker's failure mode is conveyed via its Reason, not a separate
// error list.
func (c *Checker) GetErrors() []string {
	return c.submodule.GetErrors()
}
