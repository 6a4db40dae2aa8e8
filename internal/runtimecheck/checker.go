// Copyright 2024 The Flatpak External Data Checker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package runtimecheck implements a constraint-solving version resolver over
// a flat remote catalog: it determines the latest compatible tuple of
// (runtime, base, SDK, and all declared extension points) such that every
// piece shares a common underlying freedesktop target version.
package runtimecheck

import (
	"context"
	"sort"
	"strings"

	"go.chromium.org/luci/common/errors"
	"go.chromium.org/luci/common/logging"

	"github.com/vchernin/flatpak-external-data-checker/internal/manifest"
	"github.com/vchernin/flatpak-external-data-checker/internal/registry"
)

// RejectionReason is an opaque, non-empty marker naming why no consistent
// bump was found. Treat values as opaque strings; don't branch on their
// text beyond logging/display.
type RejectionReason string

func (r RejectionReason) String() string { return string(r) }

const (
	reasonNoNewRuntime = RejectionReason("No new runtime available")
)

func reasonBranchLocked(branch string) RejectionReason {
	return RejectionReason("active branch " + branch + " is locked for updates")
}

func reasonNoMatchingBase() RejectionReason {
	return RejectionReason("could not find matching base for latest runtime version")
}

func reasonExtensionUnresolved(ext string) RejectionReason {
	return RejectionReason("unable to resolve a compatible version of extension " + ext)
}

func reasonExtensionUnavailable(ext string) RejectionReason {
	return RejectionReason("unable to find recent version of extension " + ext)
}

// Catalog is the subset of the Remote catalog reader RuntimeChecker needs.
type Catalog interface {
	ListRefs(ctx context.Context) ([]registry.RemoteEntry, error)
	GetRefMetadata(ctx context.Context, name, version string) ([]string, error)
}

// BranchReader is the subset of gitutil.Client RuntimeChecker needs for the
// branch lock.
type BranchReader interface {
	CurrentBranch(ctx context.Context, dir string) (string, error)
}

// Proposal is the outcome of Check: either a (possibly empty) set of
// compatible bumps, or a single Reason explaining why none exists.
type Proposal struct {
	LatestRuntimeVersion string
	LatestBaseVersion    string
	LatestSDK            string

	AddExtensions      map[string]string
	AddBuildExtensions map[string]string
	SDKExtensions      map[string]string
	PlatformExtensions map[string]string
	InheritExtensions  map[string]string
	InheritSDK         map[string]string
	BaseExtensions     map[string]string

	Branch        string
	DefaultBranch string

	Reason RejectionReason
}

func newProposal() *Proposal {
	return &Proposal{
		AddExtensions:      map[string]string{},
		AddBuildExtensions: map[string]string{},
		SDKExtensions:      map[string]string{},
		PlatformExtensions: map[string]string{},
		InheritExtensions:  map[string]string{},
		InheritSDK:         map[string]string{},
		BaseExtensions:     map[string]string{},
	}
}

// clear empties every bump the all-or-nothing posture requires, leaving
// Reason set.
func (p *Proposal) clear() {
	reason := p.Reason
	*p = *newProposal()
	p.Reason = reason
}

// Checker is RuntimeChecker.
type Checker struct {
	catalog     Catalog
	branches    BranchReader
	manifestDir string
	appID       string
}

// New constructs a Checker rooted at manifestDir (used for the branch lock).
func New(catalog Catalog, branches BranchReader, manifestDir string) *Checker {
	return &Checker{catalog: catalog, branches: branches, manifestDir: manifestDir}
}

// Check computes a Proposal for m. If isApp is false it returns immediately
// with an empty Proposal, since only applications are checked.
func (c *Checker) Check(ctx context.Context, m *manifest.Manifest, isApp bool) (*Proposal, error) {
	p := newProposal()
	if !isApp {
		return p, nil
	}
	c.appID = m.AppIdentifier()

	runtime, runtimeVersion := m.Runtime, m.RuntimeVersion
	base, baseVersion := m.Base, m.BaseVersion
	if (runtime == "") != (runtimeVersion == "") {
		return nil, errors.Reason("runtime and runtime-version must be jointly present or absent").Err()
	}
	if (base == "") != (baseVersion == "") {
		return nil, errors.Reason("base and base-version must be jointly present or absent").Err()
	}
	if runtime == "" && base == "" {
		logging.Infof(ctx, "runtime checker: nothing to check, no runtime or base declared")
		return p, nil
	}

	if branch, err := c.branches.CurrentBranch(ctx, c.manifestDir); err == nil && strings.HasPrefix(branch, "branch/") {
		p.Reason = reasonBranchLocked(branch)
		return p, nil
	}

	entries, err := c.catalog.ListRefs(ctx)
	if err != nil {
		return nil, err
	}

	var latestRuntime, latestBase, latestBaseTarget string
	if runtime != "" {
		latestRuntime, _, _, err = c.getVersions(ctx, entries, runtime, runtimeVersion)
		if err != nil {
			return nil, err
		}
	}
	if base != "" {
		latestBase, _, latestBaseTarget, err = c.getVersions(ctx, entries, base, baseVersion)
		if err != nil {
			return nil, err
		}
	}

	runtimeUpdateAvailable := latestRuntime != "" && latestRuntime != runtimeVersion
	baseUpdateAvailable := latestBase != "" && latestBase != baseVersion

	if base != "" {
		effectiveRuntimeVersion := runtimeVersion
		if runtimeUpdateAvailable {
			effectiveRuntimeVersion = latestRuntime
		}
		runtimeTarget, err := c.freedesktopTarget(ctx, entries, runtime, effectiveRuntimeVersion)
		if err != nil {
			return nil, err
		}
		if runtimeTarget != "" && runtimeTarget == latestBaseTarget {
			if runtimeUpdateAvailable {
				p.LatestRuntimeVersion = latestRuntime
			}
			if baseUpdateAvailable {
				p.LatestBaseVersion = latestBase
			}
		} else {
			p.Reason = reasonNoMatchingBase()
			p.clear()
			return p, nil
		}
	} else if runtimeUpdateAvailable {
		p.LatestRuntimeVersion = latestRuntime
	} else {
		p.Reason = reasonNoNewRuntime
		p.clear()
		return p, nil
	}

	sdkRef, sdkVersion, sdkLatestVersion := runtime, runtimeVersion, orDefault(p.LatestRuntimeVersion, runtimeVersion)
	if parts := strings.Split(m.SDK, "/"); len(parts) == 3 && parts[2] != "" {
		sdkName, sdkBranch := parts[0], parts[2]
		sdkLatest, _, _, err := c.getVersions(ctx, entries, sdkName, sdkBranch)
		if err != nil {
			return nil, err
		}
		runtimeTarget, err := c.freedesktopTarget(ctx, entries, runtime, orDefault(p.LatestRuntimeVersion, runtimeVersion))
		if err != nil {
			return nil, err
		}
		if sdkLatest != "" {
			sdkTarget, err := c.freedesktopTarget(ctx, entries, sdkName, sdkLatest)
			if err != nil {
				return nil, err
			}
			if sdkTarget != "" && sdkTarget == runtimeTarget {
				p.LatestSDK = sdkLatest
				p.Reason = ""
			}
		}
		sdkRef, sdkVersion = sdkName, sdkBranch
		sdkLatestVersion = orDefault(p.LatestSDK, sdkLatest)
		if sdkLatestVersion == "" {
			sdkLatestVersion = sdkBranch
		}
	}

	if err := c.checkAddExtensions(ctx, entries, m.AddExtensions, sdkRef, sdkLatestVersion, p, p.AddExtensions); err != nil {
		return nil, err
	}
	if p.Reason == "" {
		if err := c.checkAddExtensions(ctx, entries, m.AddBuildExtensions, sdkRef, sdkLatestVersion, p, p.AddBuildExtensions); err != nil {
			return nil, err
		}
	}

	if p.Reason == "" {
		categories := []struct {
			names    []string
			out      map[string]string
			base     string
			latest   string
			onlyBase bool
		}{
			{m.SDKExtensions, p.SDKExtensions, "", "", false},
			{m.PlatformExtensions, p.PlatformExtensions, "", "", false},
			{m.InheritExtensions, p.InheritExtensions, base, latestBase, false},
			{m.InheritSDKExtensions, p.InheritSDK, base, latestBase, false},
			{m.BaseExtensions, p.BaseExtensions, "", "", true},
		}
		for _, cat := range categories {
			if p.Reason != "" {
				break
			}
			if err := c.checkExtensions(ctx, entries, cat.names, sdkRef, sdkVersion, sdkLatestVersion, cat.base, cat.latest, cat.onlyBase, p, cat.out); err != nil {
				return nil, err
			}
		}
	}

	if p.Reason != "" {
		p.clear()
		return p, nil
	}

	if m.DefaultBranch != "" && m.DefaultBranch == runtimeVersion && p.LatestRuntimeVersion != "" {
		p.DefaultBranch = p.LatestRuntimeVersion
	}
	if m.Branch != "" && m.Branch == runtimeVersion && p.LatestRuntimeVersion != "" {
		p.Branch = p.LatestRuntimeVersion
	}

	return p, nil
}

// Update applies p's resolved bumps to m and dumps it to disk. Per the
// source this is scoped to runtime-version and base-version; branch and
// default-branch bumps are also applied since they are unconditionally
// computed and validated (see DESIGN.md). It never returns textual change
// descriptions: RuntimeChecker changes are conveyed via manifest mutation.
func (c *Checker) Update(ctx context.Context, m *manifest.Manifest, p *Proposal) error {
	if p == nil || p.Reason != "" {
		return nil
	}
	changed := false
	if p.LatestRuntimeVersion != "" && p.LatestRuntimeVersion != m.RuntimeVersion {
		m.RuntimeVersion = p.LatestRuntimeVersion
		changed = true
	}
	if p.LatestBaseVersion != "" && p.LatestBaseVersion != m.BaseVersion {
		m.BaseVersion = p.LatestBaseVersion
		changed = true
	}
	if p.DefaultBranch != "" && p.DefaultBranch != m.DefaultBranch {
		m.DefaultBranch = p.DefaultBranch
		changed = true
	}
	if p.Branch != "" && p.Branch != m.Branch {
		m.Branch = p.Branch
		changed = true
	}
	if !changed {
		return nil
	}
	return manifest.Dump(m)
}

func orDefault(preferred, fallback string) string {
	if preferred != "" {
		return preferred
	}
	return fallback
}

// canonicalizeExtensionName applies the two fixed catalog/metadata rewrites.
func canonicalizeExtensionName(name string) string {
	switch name {
	case "org.freedesktop.Platform.GL32":
		return "org.freedesktop.Platform.GL32.default"
	case "org.freedesktop.LinuxAudio.Plugins":
		return "org.freedesktop.LinuxAudio.BaseExtension"
	default:
		return name
	}
}

func isKDERef(name string) bool {
	return strings.Contains(name, "org.kde.")
}

func findEntry(entries []registry.RemoteEntry, name, branch string) *registry.RemoteEntry {
	for i := range entries {
		if entries[i].Name == name && entries[i].Branch == branch {
			return &entries[i]
		}
	}
	return nil
}

// getVersions implements §4.4.1's get_versions.
func (c *Checker) getVersions(ctx context.Context, entries []registry.RemoteEntry, ref, currentVersion string) (latest string, older map[string]string, latestTarget string, err error) {
	canon := canonicalizeExtensionName(ref)

	type row struct {
		key, branch string
	}
	var rows []row
	for _, e := range entries {
		if e.Name != canon {
			continue
		}
		target, terr := c.freedesktopTarget(ctx, entries, canon, e.Branch)
		if terr != nil || target == "" {
			continue
		}
		rows = append(rows, row{key: target + "/" + e.Branch, branch: e.Branch})
	}

	if isKDERef(canon) && currentVersion != "" {
		major := currentVersion[:1]
		filtered := rows[:0:0]
		for _, r := range rows {
			if strings.HasPrefix(r.branch, major) {
				filtered = append(filtered, r)
			}
		}
		rows = filtered
	}

	if len(rows) == 0 {
		return "", nil, "", nil
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].key < rows[j].key })
	maxRow := rows[len(rows)-1]
	latest = maxRow.branch
	latestTarget = strings.SplitN(maxRow.key, "/", 2)[0]

	full := map[string]string{}
	var curKey string
	for _, r := range rows {
		full[r.key] = r.branch
		if r.branch == currentVersion {
			curKey = r.key
		}
	}

	if curKey == "" {
		older = full
	} else {
		older = map[string]string{}
		for k, v := range full {
			if k <= curKey {
				older[k] = v
			}
		}
	}

	return latest, older, latestTarget, nil
}

// freedesktopTarget implements §4.4.1's get_freedesktop_target.
func (c *Checker) freedesktopTarget(ctx context.Context, entries []registry.RemoteEntry, name, version string) (string, error) {
	if version == "" {
		return "", nil
	}
	name = canonicalizeExtensionName(name)

	if strings.HasPrefix(name, "org.freedesktop.") {
		if name == "org.freedesktop.LinuxAudio.BaseExtension" && version == "21.08" {
			return "21.08", nil
		}
		return version, nil
	}

	if row := findEntry(entries, name, version); row != nil && row.Target != nil {
		return c.freedesktopTarget(ctx, entries, row.Target.Name, row.Target.Branch)
	}

	if extName, extVersion, err := c.extensionOfRef(ctx, name, version); err == nil && (extName != name || extVersion != version) {
		return c.freedesktopTarget(ctx, entries, extName, extVersion)
	}

	if baseName, baseVersion, err := c.baseAppTarget(ctx, name, version); err == nil && (baseName != name || baseVersion != version) {
		return c.freedesktopTarget(ctx, entries, baseName, baseVersion)
	}

	lines, err := c.catalog.GetRefMetadata(ctx, name, version)
	if err != nil {
		return "", err
	}
	sections := parseMetadata(lines)
	if kv, ok := sections["Extension org.freedesktop.Platform.Timezones"]; ok {
		if v, ok := kv["version"]; ok {
			return v, nil
		}
	}
	return "", nil
}

// extensionOfRef implements get_ref_ref_is_extension_of.
func (c *Checker) extensionOfRef(ctx context.Context, name, version string) (string, string, error) {
	lines, err := c.catalog.GetRefMetadata(ctx, name, version)
	if err != nil {
		return name, version, err
	}
	sections := parseMetadata(lines)
	kv, ok := sections["ExtensionOf"]
	if !ok {
		return name, version, nil
	}
	ref, ok := kv["ref"]
	if !ok {
		return name, version, nil
	}
	target, err := registry.ParseTargetTriple(ref)
	if err != nil {
		return name, version, nil
	}
	return target.Name, target.Branch, nil
}

// baseAppTarget implements get_baseapp_target.
func (c *Checker) baseAppTarget(ctx context.Context, name, version string) (string, string, error) {
	lines, err := c.catalog.GetRefMetadata(ctx, name, version)
	if err != nil {
		return name, version, err
	}
	sections := parseMetadata(lines)
	kv, ok := sections["Application"]
	if !ok {
		return name, version, nil
	}
	sdk, ok := kv["sdk"]
	if !ok {
		return name, version, nil
	}
	target, err := registry.ParseTargetTriple(sdk)
	if err != nil {
		return name, version, nil
	}
	return target.Name, target.Branch, nil
}

// isExtensionOfRef implements is_extension_of_ref.
func (c *Checker) isExtensionOfRef(ctx context.Context, name, version, ext string) (bool, error) {
	lines, err := c.catalog.GetRefMetadata(ctx, name, version)
	if err != nil {
		return false, err
	}
	_, ok := parseMetadata(lines)["Extension "+ext]
	return ok, nil
}

type addExtensionEntry struct {
	declaredVersions []string
	latestVersion    string
	olderVersions    map[string]string
	isSelfDefined    bool
}

// checkAddExtensions implements §4.4.5's check_add_extensions.
func (c *Checker) checkAddExtensions(ctx context.Context, entries []registry.RemoteEntry, extMap map[string]*manifest.ExtensionSpec, sdkRef, sdkLatest string, p *Proposal, out map[string]string) error {
	if len(extMap) == 0 {
		return nil
	}

	names := make([]string, 0, len(extMap))
	for name := range extMap {
		names = append(names, name)
	}
	sort.Strings(names)

	resolved := map[string]*addExtensionEntry{}
	for _, name := range names {
		spec := extMap[name]
		var declared []string
		if spec.Version != "" {
			declared = append(declared, spec.Version)
		}
		if spec.Versions != "" {
			declared = append(declared, strings.Split(spec.Versions, ";")...)
		}
		entry := &addExtensionEntry{declaredVersions: declared}
		for _, v := range declared {
			latest, older, _, isSelf, err := c.getExtensionVersions(ctx, entries, name, v)
			if err != nil {
				return err
			}
			if entry.latestVersion == "" {
				entry.latestVersion = latest
			}
			if entry.olderVersions == nil || len(older) < len(entry.olderVersions) {
				entry.olderVersions = older
			}
			if isSelf {
				entry.isSelfDefined = true
			}
		}
		resolved[name] = entry
	}

	for _, name := range names {
		entry := resolved[name]
		for _, v := range entry.declaredVersions {
			ok, err := c.checkExtensionVersions(ctx, entries, name, v, sdkRef, sdkLatest, entry.isSelfDefined)
			if err != nil {
				return err
			}
			if !ok {
				p.Reason = reasonExtensionUnresolved(name)
				return nil
			}
		}
		out[name] = entry.latestVersion
	}
	return nil
}

// getExtensionVersions implements get_extension_versions.
func (c *Checker) getExtensionVersions(ctx context.Context, entries []registry.RemoteEntry, name, version string) (latest string, older map[string]string, core string, isSelfDefined bool, err error) {
	canon := canonicalizeExtensionName(name)
	latest, older, _, err = c.getVersions(ctx, entries, canon, version)
	if err != nil {
		return "", nil, "", false, err
	}
	core = canon

	if len(older) == 0 {
		parentName, parentVersion, perr := c.extensionOfRef(ctx, canon, version)
		if perr == nil {
			if parentName == c.appID {
				return latest, older, canon, true, nil
			}
			if idx := strings.LastIndex(canon, "."); idx > 0 {
				extCoreName := canon[:idx]
				if has, _ := c.isExtensionOfRef(ctx, extCoreName, parentVersion, canon); has {
					return latest, older, extCoreName, true, nil
				}
			}
		}
	}
	return latest, older, core, false, nil
}

// checkExtensionVersions implements check_extension_versions, expressing
// invariant 3 from the testable-properties list: an extension's proposed
// version is valid iff it is self-defined or shares a freedesktop target
// with the reference it extends.
func (c *Checker) checkExtensionVersions(ctx context.Context, entries []registry.RemoteEntry, ext, extVersion, target, targetVersion string, isSelfDefined bool) (bool, error) {
	if isSelfDefined {
		return true, nil
	}
	extTarget, err := c.freedesktopTarget(ctx, entries, ext, extVersion)
	if err != nil {
		return false, err
	}
	targetTarget, err := c.freedesktopTarget(ctx, entries, target, targetVersion)
	if err != nil {
		return false, err
	}
	if extTarget == "" || targetTarget == "" {
		return false, nil
	}
	return extTarget == targetTarget, nil
}

// checkExtensions implements §4.4.5's check_extensions.
func (c *Checker) checkExtensions(ctx context.Context, entries []registry.RemoteEntry, names []string, ref, refVersion, latestRefVersion, base, latestBase string, onlyBase bool, p *Proposal, out map[string]string) error {
	for _, name := range names {
		latest, _, core, isSelf, err := c.getExtensionVersions(ctx, entries, name, refVersion)
		if err != nil {
			return err
		}
		if latest == "" {
			p.Reason = reasonExtensionUnavailable(name)
			return nil
		}

		switch {
		case base != "" && core == base:
			ok, err := c.checkExtensionVersions(ctx, entries, name, latest, base, latestBase, isSelf)
			if err != nil {
				return err
			}
			if !ok {
				p.Reason = reasonExtensionUnresolved(name)
				return nil
			}
			out[name] = latest
		case !onlyBase:
			baseAppName, baseAppVersion, _ := c.baseAppTarget(ctx, core, latest)
			isBaseApp := baseAppName != core || baseAppVersion != latest
			if isBaseApp {
				p.Reason = reasonExtensionUnresolved(name)
				return nil
			}
			ok, err := c.checkExtensionVersions(ctx, entries, name, latest, ref, latestRefVersion, isSelf)
			if err != nil {
				return err
			}
			if !ok {
				p.Reason = reasonExtensionUnresolved(name)
				return nil
			}
			out[name] = latest
		default:
			p.Reason = reasonExtensionUnavailable(name)
			return nil
		}
	}
	return nil
}
