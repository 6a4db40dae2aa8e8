// Copyright 2024 The Flatpak External Data Checker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package runtimecheck

import (
	"context"
	"errors"
	"testing"

	"github.com/vchernin/flatpak-external-data-checker/internal/manifest"
	"github.com/vchernin/flatpak-external-data-checker/internal/registry"
)

type fakeCatalog struct {
	entries  []registry.RemoteEntry
	metadata map[string][]string
}

func (f *fakeCatalog) ListRefs(ctx context.Context) ([]registry.RemoteEntry, error) {
	return f.entries, nil
}

func (f *fakeCatalog) GetRefMetadata(ctx context.Context, name, version string) ([]string, error) {
	return f.metadata[name+"//"+version], nil
}

func entry(name, branch, target string) registry.RemoteEntry {
	e := registry.RemoteEntry{Name: name, Branch: branch}
	if target != "" {
		t, err := registry.ParseTargetTriple(target)
		if err != nil {
			panic(err)
		}
		e.Target = t
	}
	return e
}

type fakeBranches struct {
	branch string
	err    error
}

func (f *fakeBranches) CurrentBranch(ctx context.Context, dir string) (string, error) {
	return f.branch, f.err
}

var unlocked = &fakeBranches{branch: "master"}

func TestScenario1PlainRuntimeBump(t *testing.T) {
	catalog := &fakeCatalog{entries: []registry.RemoteEntry{
		entry("org.freedesktop.Platform", "20.08", ""),
		entry("org.freedesktop.Platform", "21.08", ""),
	}}
	m := &manifest.Manifest{Runtime: "org.freedesktop.Platform", RuntimeVersion: "20.08"}
	c := New(catalog, unlocked, "/repo")
	p, err := c.Check(context.Background(), m, true)
	if err != nil {
		t.Fatal(err)
	}
	if p.Reason != "" {
		t.Fatalf("unexpected rejection: %s", p.Reason)
	}
	if p.LatestRuntimeVersion != "21.08" {
		t.Errorf("LatestRuntimeVersion = %q, want 21.08", p.LatestRuntimeVersion)
	}
	if len(p.AddExtensions) != 0 || len(p.SDKExtensions) != 0 {
		t.Errorf("expected empty extension maps, got %+v", p)
	}
}

func TestScenario2KDEMajorVersionFilter(t *testing.T) {
	catalog := &fakeCatalog{entries: []registry.RemoteEntry{
		entry("org.kde.Platform", "5.15", "org.freedesktop.Platform/x86_64/19.08"),
		entry("org.kde.Platform", "5.16", "org.freedesktop.Platform/x86_64/19.08"),
		entry("org.kde.Platform", "6.6", "org.freedesktop.Platform/x86_64/21.08"),
	}}
	m := &manifest.Manifest{Runtime: "org.kde.Platform", RuntimeVersion: "5.15"}
	c := New(catalog, unlocked, "/repo")
	p, err := c.Check(context.Background(), m, true)
	if err != nil {
		t.Fatal(err)
	}
	if p.Reason != "" {
		t.Fatalf("unexpected rejection: %s", p.Reason)
	}
	if got := p.LatestRuntimeVersion; len(got) == 0 || got[0] != '5' {
		t.Errorf("LatestRuntimeVersion = %q, want a 5.x version", got)
	}
}

func TestScenario3RuntimeAndBaseBumpTogether(t *testing.T) {
	catalog := &fakeCatalog{entries: []registry.RemoteEntry{
		entry("org.freedesktop.Platform", "20.08", ""),
		entry("org.freedesktop.Platform", "21.08", ""),
		entry("org.chromium.Chromium.BaseApp", "20.08", "org.freedesktop.Platform/x86_64/20.08"),
		entry("org.chromium.Chromium.BaseApp", "21.08", "org.freedesktop.Platform/x86_64/21.08"),
	}}
	m := &manifest.Manifest{
		Runtime: "org.freedesktop.Platform", RuntimeVersion: "20.08",
		Base: "org.chromium.Chromium.BaseApp", BaseVersion: "20.08",
	}
	c := New(catalog, unlocked, "/repo")
	p, err := c.Check(context.Background(), m, true)
	if err != nil {
		t.Fatal(err)
	}
	if p.Reason != "" {
		t.Fatalf("unexpected rejection: %s", p.Reason)
	}
	if p.LatestRuntimeVersion != "21.08" || p.LatestBaseVersion != "21.08" {
		t.Errorf("expected both bumped to 21.08, got runtime=%q base=%q", p.LatestRuntimeVersion, p.LatestBaseVersion)
	}
}

func TestScenario4DifferentNamespacesStillMatchOnTarget(t *testing.T) {
	catalog := &fakeCatalog{entries: []registry.RemoteEntry{
		entry("org.gnome.Platform", "3.38", "org.freedesktop.Platform/x86_64/19.08"),
		entry("org.gnome.Platform", "40", "org.freedesktop.Platform/x86_64/20.08"),
		entry("io.qt.qtwebengine.BaseApp", "5.15", "org.freedesktop.Platform/x86_64/19.08"),
		entry("io.qt.qtwebengine.BaseApp", "5.15-21.08", "org.freedesktop.Platform/x86_64/20.08"),
	}}
	m := &manifest.Manifest{
		Runtime: "org.gnome.Platform", RuntimeVersion: "3.38",
		Base: "io.qt.qtwebengine.BaseApp", BaseVersion: "5.15",
	}
	c := New(catalog, unlocked, "/repo")
	p, err := c.Check(context.Background(), m, true)
	if err != nil {
		t.Fatal(err)
	}
	if p.Reason != "" {
		t.Fatalf("unexpected rejection: %s", p.Reason)
	}
	if p.LatestRuntimeVersion == "" || p.LatestBaseVersion == "" {
		t.Fatalf("expected both to bump, got runtime=%q base=%q", p.LatestRuntimeVersion, p.LatestBaseVersion)
	}
	if p.LatestRuntimeVersion == p.LatestBaseVersion {
		t.Errorf("expected distinct proposed versions across namespaces, got both %q", p.LatestRuntimeVersion)
	}
}

func TestScenario5BranchLockBlocksUpdate(t *testing.T) {
	catalog := &fakeCatalog{entries: []registry.RemoteEntry{
		entry("org.freedesktop.Platform", "20.08", ""),
		entry("org.freedesktop.Platform", "21.08", ""),
	}}
	m := &manifest.Manifest{Runtime: "org.freedesktop.Platform", RuntimeVersion: "20.08"}
	c := New(catalog, &fakeBranches{branch: "branch/20.08"}, "/repo")
	p, err := c.Check(context.Background(), m, true)
	if err != nil {
		t.Fatal(err)
	}
	if p.Reason == "" {
		t.Fatal("expected the branch lock to set a rejection reason")
	}
	if p.LatestRuntimeVersion != "" || p.LatestBaseVersion != "" {
		t.Errorf("expected all bumps cleared, got %+v", p)
	}
}

func TestBranchLockIgnoredWhenNotAGitRepo(t *testing.T) {
	catalog := &fakeCatalog{entries: []registry.RemoteEntry{
		entry("org.freedesktop.Platform", "20.08", ""),
		entry("org.freedesktop.Platform", "21.08", ""),
	}}
	m := &manifest.Manifest{Runtime: "org.freedesktop.Platform", RuntimeVersion: "20.08"}
	c := New(catalog, &fakeBranches{err: errors.New("not a git repository")}, "/repo")
	p, err := c.Check(context.Background(), m, true)
	if err != nil {
		t.Fatal(err)
	}
	if p.Reason != "" {
		t.Fatalf("a branch-read failure must not be treated as a lock, got reason %q", p.Reason)
	}
	if p.LatestRuntimeVersion != "21.08" {
		t.Errorf("LatestRuntimeVersion = %q, want 21.08", p.LatestRuntimeVersion)
	}
}

func TestNotIsAppReturnsImmediately(t *testing.T) {
	c := New(&fakeCatalog{}, unlocked, "/repo")
	p, err := c.Check(context.Background(), &manifest.Manifest{Runtime: "x", RuntimeVersion: "1"}, false)
	if err != nil {
		t.Fatal(err)
	}
	if p.Reason != "" || p.LatestRuntimeVersion != "" {
		t.Errorf("expected a no-op Proposal, got %+v", p)
	}
}

func TestNoNewRuntimeAvailable(t *testing.T) {
	catalog := &fakeCatalog{entries: []registry.RemoteEntry{
		entry("org.freedesktop.Platform", "20.08", ""),
	}}
	m := &manifest.Manifest{Runtime: "org.freedesktop.Platform", RuntimeVersion: "20.08"}
	c := New(catalog, unlocked, "/repo")
	p, err := c.Check(context.Background(), m, true)
	if err != nil {
		t.Fatal(err)
	}
	if p.Reason != reasonNoNewRuntime {
		t.Errorf("Reason = %q, want %q", p.Reason, reasonNoNewRuntime)
	}
}

func TestMismatchedBaseTargetBlocksBothBumps(t *testing.T) {
	catalog := &fakeCatalog{entries: []registry.RemoteEntry{
		entry("org.freedesktop.Platform", "20.08", ""),
		entry("org.freedesktop.Platform", "21.08", ""),
		entry("org.example.BaseApp", "20.08", "org.freedesktop.Platform/x86_64/20.08"),
	}}
	m := &manifest.Manifest{
		Runtime: "org.freedesktop.Platform", RuntimeVersion: "20.08",
		Base: "org.example.BaseApp", BaseVersion: "20.08",
	}
	c := New(catalog, unlocked, "/repo")
	p, err := c.Check(context.Background(), m, true)
	if err != nil {
		t.Fatal(err)
	}
	if p.Reason != reasonNoMatchingBase() {
		t.Errorf("Reason = %q, want %q", p.Reason, reasonNoMatchingBase())
	}
	if p.LatestRuntimeVersion != "" || p.LatestBaseVersion != "" {
		t.Errorf("expected both bumps cleared, got %+v", p)
	}
}

func TestUpdateAppliesVersionAndBranchBumpsButNotExtensions(t *testing.T) {
	m := &manifest.Manifest{
		Path: t.TempDir() + "/does-not-matter.yaml",
		Runtime: "org.freedesktop.Platform", RuntimeVersion: "20.08",
		Branch: "20.08", DefaultBranch: "20.08",
	}
	p := newProposal()
	p.LatestRuntimeVersion = "21.08"
	p.Branch = "21.08"
	p.SDKExtensions["org.freedesktop.Sdk.Extension.rust-stable"] = "21.08"

	c := New(&fakeCatalog{}, unlocked, "/repo")

	// Use a manifest whose Dump target is writable, since Update dumps on
	// any change.
	dir := t.TempDir()
	m.Path = dir + "/manifest.yaml"
	if err := manifest.Dump(m); err != nil {
		t.Fatal(err)
	}

	if err := c.Update(context.Background(), m, p); err != nil {
		t.Fatal(err)
	}
	if m.RuntimeVersion != "21.08" {
		t.Errorf("RuntimeVersion = %q, want 21.08", m.RuntimeVersion)
	}
	if m.Branch != "21.08" {
		t.Errorf("Branch = %q, want 21.08 (computed bumps are applied)", m.Branch)
	}
	reloaded, err := manifest.Load(m.Path)
	if err != nil {
		t.Fatal(err)
	}
	if len(reloaded.SDKExtensions) != 0 {
		t.Errorf("sdk-extensions should not be written back by Update, got %v", reloaded.SDKExtensions)
	}
}

func TestUpdateIsNoopOnRejectedProposal(t *testing.T) {
	m := &manifest.Manifest{RuntimeVersion: "20.08"}
	p := newProposal()
	p.Reason = reasonNoNewRuntime
	c := New(&fakeCatalog{}, unlocked, "/repo")
	if err := c.Update(context.Background(), m, p); err != nil {
		t.Fatal(err)
	}
	if m.RuntimeVersion != "20.08" {
		t.Errorf("a rejected proposal must not mutate the manifest, got RuntimeVersion=%q", m.RuntimeVersion)
	}
}

func TestRuntimeAndRuntimeVersionMustBeJointlyPresent(t *testing.T) {
	m := &manifest.Manifest{Runtime: "org.freedesktop.Platform"}
	c := New(&fakeCatalog{}, unlocked, "/repo")
	if _, err := c.Check(context.Background(), m, true); err == nil {
		t.Error("expected an error when runtime is set without runtime-version")
	}
}
