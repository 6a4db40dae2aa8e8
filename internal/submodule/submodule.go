// Copyright 2024 The Flatpak External Data Checker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package submodule implements a content-hashed, two-worktree differ that
// decides whether referenced build-module files have changed between a
// repository's currently checked-out submodule commits and their latest
// upstream commits, correctly handling submodules nested inside submodules.
package submodule

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	humanize "github.com/dustin/go-humanize"
	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/vchernin/flatpak-external-data-checker/internal/gitutil"
	"github.com/vchernin/flatpak-external-data-checker/internal/procexec"
)

// Submodule is one git submodule discovered under the workspace.
type Submodule struct {
	// Path relative to the repository top-level directory.
	Path string
	// RelativePath is Path expressed relative to the manifest's directory,
	// used only for human-facing messages.
	RelativePath string
	// Nested is true when this submodule lives inside another submodule
	// and therefore cannot be advanced directly from this repository.
	Nested bool
	// Commit is the resolved upstream commit to bump to; empty until
	// resolved.
	Commit string
	// Modules maps a manifest-relative module-file path to its
	// (current_hash, updated_hash) pair.
	Modules map[string][2]string
}

func newSubmodule(path, relativePath string, nested bool) *Submodule {
	return &Submodule{Path: path, RelativePath: relativePath, Nested: nested, Modules: map[string][2]string{}}
}

func (s *Submodule) addModule(path, current, updated string) {
	s.Modules[path] = [2]string{current, updated}
}

// Checker is SubmoduleChecker.
type Checker struct {
	git    *gitutil.Client
	runner *procexec.Runner

	submodules []*Submodule
	errs       []string

	scratchDir       string
	currentDir       string
	updatedDir       string
	workingTopLevel  string
	updatedTopLevel  string
	cachedLatestRepo bool
}

// New constructs a Checker.
func New(git *gitutil.Client, runner *procexec.Runner) *Checker {
	return &Checker{git: git, runner: runner}
}

// Check runs the full algorithm for modulePaths (manifest-relative paths
// into submodule contents), rooted at manifestDir.
func (c *Checker) Check(ctx context.Context, manifestDir string, modulePaths []string) error {
	if len(modulePaths) == 0 {
		logging.Infof(ctx, "submodule checker: nothing to check")
		return nil
	}

	hasSubmodules, err := c.git.HasSubmodules(ctx, manifestDir)
	if err != nil {
		logging.Infof(ctx, "submodule checker: %q is not a git repository: %s", manifestDir, err)
		return nil
	}
	if !hasSubmodules {
		logging.Infof(ctx, "submodule checker: no submodules under %q", manifestDir)
		return nil
	}

	topLevel, err := c.git.ShowToplevel(ctx, manifestDir)
	if err != nil {
		return errors.Annotate(err, "resolving repository top level").Err()
	}
	c.workingTopLevel = topLevel

	gitDirRaw, err := c.git.GitDir(ctx, manifestDir)
	if err != nil {
		return errors.Annotate(err, "resolving git directory").Err()
	}
	gitDirAbs := gitDirRaw
	if !filepath.IsAbs(gitDirAbs) {
		gitDirAbs = filepath.Join(manifestDir, gitDirRaw)
	}

	scratchDir, err := os.MkdirTemp("", "submodulechecker")
	if err != nil {
		return errors.Annotate(err, "allocating scratch directory").Err()
	}
	c.scratchDir = scratchDir
	c.currentDir = filepath.Join(scratchDir, "current")
	c.updatedDir = filepath.Join(scratchDir, "updated")
	if err := os.MkdirAll(c.currentDir, 0755); err != nil {
		return errors.Annotate(err, "creating current/ scratch directory").Err()
	}

	var currentCopyBytes int64
	copyDone := c.runner.Go(func() error {
		n, err := copyTree(gitDirAbs, filepath.Join(c.currentDir, ".git"))
		currentCopyBytes = n
		return err
	})
	if _, err := copyDone.Wait(); err != nil {
		return errors.Annotate(err, "copying git metadata into current/").Err()
	}
	logging.Debugf(ctx, "submodule checker: copied %s of git metadata into current/", humanize.Bytes(uint64(currentCopyBytes)))

	if err := c.prepareSubmodules(ctx, manifestDir, topLevel); err != nil {
		return err
	}

	if err := c.git.SubmoduleUpdate(ctx, c.currentDir, true, false, true, ""); err != nil {
		return errors.Annotate(err, "materialising current/ submodule contents").Err()
	}

	relManifestToTop, err := filepath.Rel(topLevel, manifestDir)
	if err != nil {
		return errors.Annotate(err, "computing manifest directory relative to repo top level").Err()
	}

	for _, modulePath := range modulePaths {
		repoRelModule := filepath.Clean(filepath.Join(relManifestToTop, modulePath))
		owner := c.findOwningSubmodule(repoRelModule)
		if owner == nil {
			logging.Infof(ctx, "submodule checker: skipped check for %q, no owning submodule found", modulePath)
			continue
		}
		if err := c.checkModuleHash(ctx, modulePath, repoRelModule, owner); err != nil {
			return err
		}
	}

	return nil
}

func (c *Checker) prepareSubmodules(ctx context.Context, manifestDir, topLevel string) error {
	allPaths, err := c.git.SubmoduleForeach(ctx, manifestDir, true)
	if err != nil {
		return errors.Annotate(err, "enumerating all submodules").Err()
	}
	directPaths, err := c.git.SubmoduleForeach(ctx, manifestDir, false)
	if err != nil {
		return errors.Annotate(err, "enumerating directly-updatable submodules").Err()
	}
	direct := map[string]bool{}
	for _, p := range directPaths {
		direct[p] = true
	}

	relManifestToTop, err := filepath.Rel(topLevel, manifestDir)
	if err != nil {
		return errors.Annotate(err, "computing manifest directory relative to repo top level").Err()
	}

	for _, p := range allPaths {
		repoRelPath := filepath.Clean(filepath.Join(relManifestToTop, p))
		relFromManifest, err := filepath.Rel(manifestDir, filepath.Join(topLevel, repoRelPath))
		if err != nil {
			relFromManifest = p
		}
		c.submodules = append(c.submodules, newSubmodule(repoRelPath, relFromManifest, !direct[p]))
	}
	return nil
}

// findOwningSubmodule returns the submodule with the longest path that is an
// ancestor of repoRelModule, or nil if none matches.
func (c *Checker) findOwningSubmodule(repoRelModule string) *Submodule {
	var best *Submodule
	for _, s := range c.submodules {
		if s.Path == repoRelModule || strings.HasPrefix(repoRelModule, s.Path+string(filepath.Separator)) {
			if best == nil || len(s.Path) > len(best.Path) {
				best = s
			}
		}
	}
	return best
}

func (c *Checker) checkModuleHash(ctx context.Context, modulePath, repoRelModule string, sub *Submodule) error {
	currentHash, err := c.hashFile(filepath.Join(c.currentDir, repoRelModule), false)
	if err != nil {
		return err
	}

	if err := c.getLatestSubmodule(ctx, sub); err != nil {
		return err
	}

	updatedHash, err := c.hashFile(filepath.Join(c.updatedDir, repoRelModule), true)
	if err != nil {
		return err
	}

	if currentHash != "" && updatedHash != "" && currentHash != updatedHash {
		sub.addModule(modulePath, currentHash, updatedHash)
	}
	return nil
}

func (c *Checker) hashFile(path string, missingIsOK bool) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) && missingIsOK {
			return "", nil
		}
		c.errs = append(c.errs, fmt.Sprintf("reading %q: %s", path, err))
		return "", nil
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		c.errs = append(c.errs, fmt.Sprintf("hashing %q: %s", path, err))
		return "", nil
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// getLatestSubmodule lazily advances updated/ so that sub's upstream tip is
// available there, and sets sub.Commit.
func (c *Checker) getLatestSubmodule(ctx context.Context, sub *Submodule) error {
	if sub.Commit != "" {
		return nil
	}

	if !c.cachedLatestRepo {
		var updatedCopyBytes int64
		copyDone := c.runner.Go(func() error {
			n, err := copyTree(filepath.Join(c.currentDir, ".git"), filepath.Join(c.updatedDir, ".git"))
			updatedCopyBytes = n
			return err
		})
		if _, err := copyDone.Wait(); err != nil {
			return errors.Annotate(err, "copying git metadata into updated/").Err()
		}
		logging.Debugf(ctx, "submodule checker: copied %s of git metadata into updated/", humanize.Bytes(uint64(updatedCopyBytes)))
		toplevel, err := c.git.ShowToplevel(ctx, c.updatedDir)
		if err != nil {
			// updated/ may not register as its own toplevel before any
			// update has run; fall back to the directory itself.
			toplevel = c.updatedDir
		}
		c.updatedTopLevel = toplevel
		c.cachedLatestRepo = true
	}

	target := sub
	if sub.Nested {
		if enclosing := c.findEnclosingNonNested(sub); enclosing != nil {
			target = enclosing
		}
	}

	updateDone := c.git.SubmoduleUpdateAsync(ctx, c.updatedDir, true, true, true, target.Path)
	if _, err := updateDone.Wait(); err != nil {
		c.errs = append(c.errs, fmt.Sprintf("updating submodule %q: %s", target.Path, err))
		return nil
	}

	commit, err := c.git.RevParseHead(ctx, filepath.Join(c.updatedDir, sub.Path))
	if err != nil {
		c.errs = append(c.errs, fmt.Sprintf("resolving updated commit for %q: %s", sub.Path, err))
		return nil
	}
	sub.Commit = commit
	return nil
}

func (c *Checker) findEnclosingNonNested(sub *Submodule) *Submodule {
	var best *Submodule
	for _, s := range c.submodules {
		if s.Nested || s == sub {
			continue
		}
		if strings.HasPrefix(sub.Path, s.Path+string(filepath.Separator)) {
			if best == nil || len(s.Path) > len(best.Path) {
				best = s
			}
		}
	}
	return best
}

// GetOutdated returns submodules with both a resolved commit and at least
// one changed module file.
func (c *Checker) GetOutdated() []*Submodule {
	var out []*Submodule
	for _, s := range c.submodules {
		if s.Commit != "" && len(s.Modules) > 0 {
			out = append(out, s)
		}
	}
	return out
}

// Update advances every outdated, non-nested submodule's working-tree
// pointer to its resolved commit and returns human-readable change/warning
// lines. Nested submodules never appear in changes, only in warnings.
func (c *Checker) Update(ctx context.Context, manifestDir string) ([]string, []string, error) {
	var changes, warnings []string

	for _, s := range c.GetOutdated() {
		if s.Nested {
			for modulePath := range s.Modules {
				warnings = append(warnings, fmt.Sprintf("Cannot update %s in nested submodule %s", modulePath, s.RelativePath))
				warnings = append(warnings, "To update it, its superproject must update its submodules")
			}
			continue
		}

		if err := c.git.SubmoduleUpdate(ctx, manifestDir, true, true, false, s.Path); err != nil {
			c.errs = append(c.errs, fmt.Sprintf("updating submodule %q: %s", s.Path, err))
			continue
		}
		if err := c.git.Checkout(ctx, filepath.Join(c.workingTopLevel, s.Path), s.Commit); err != nil {
			c.errs = append(c.errs, fmt.Sprintf("checking out %s in submodule %q: %s", s.Commit, s.Path, err))
			continue
		}

		var modulePaths []string
		for modulePath, hashes := range s.Modules {
			if hashes[1] != "" {
				modulePaths = append(modulePaths, modulePath)
			}
		}
		sort.Strings(modulePaths)
		for _, modulePath := range modulePaths {
			changes = append(changes, fmt.Sprintf("Update %s in submodule %s", modulePath, s.RelativePath))
		}
	}

	return changes, warnings, nil
}

// GetErrors returns every non-fatal error recorded during Check/Update.
func (c *Checker) GetErrors() []string {
	return c.errs
}

// Close removes the scratch directory created by Check.
func (c *Checker) Close() error {
	if c.scratchDir == "" {
		return nil
	}
	err := os.RemoveAll(c.scratchDir)
	c.scratchDir = ""
	return err
}

// copyTree copies src onto dst and returns the total number of bytes
// written, for diagnostic logging.
func copyTree(src, dst string) (int64, error) {
	var total int64
	err := filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}
		if info.Mode()&os.ModeSymlink != 0 {
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			return os.Symlink(link, target)
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode())
		if err != nil {
			return err
		}
		defer out.Close()
		n, err := io.Copy(out, in)
		total += n
		return err
	})
	return total, err
}
