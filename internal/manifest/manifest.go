// Copyright 2024 The Flatpak External Data Checker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package manifest loads and dumps Flatpak application manifests.
//
// The core checkers treat the manifest as a read-only, opaque key/value
// mapping except for the small set of fields they recognise; every other key
// present in the document round-trips unmodified through Load and Dump.
package manifest

import (
	"os"

	"go.chromium.org/luci/common/errors"
	yaml "gopkg.in/yaml.v2"
)

// ExtensionSpec is the value side of an add-extensions / add-build-extensions
// entry: a single pinned version and/or a ";"-separated list of versions.
type ExtensionSpec struct {
	Version  string `yaml:"version,omitempty"`
	Versions string `yaml:"versions,omitempty"`
}

// Manifest is the recognised subset of a Flatpak application manifest.
//
// Fields not listed here are preserved verbatim in Extra and re-emitted by
// Dump, so that running check+update never drops unrelated manifest content
// (modules, finish-args, build-options, and so on).
type Manifest struct {
	Path string `yaml:"-"`

	ID    string `yaml:"id,omitempty"`
	AppID string `yaml:"app-id,omitempty"`

	Runtime        string `yaml:"runtime,omitempty"`
	RuntimeVersion string `yaml:"runtime-version,omitempty"`

	Base        string `yaml:"base,omitempty"`
	BaseVersion string `yaml:"base-version,omitempty"`

	// SDK is either a bare name or a "name/arch/branch" triple; only the
	// triple form carries an explicit SDK version.
	SDK string `yaml:"sdk,omitempty"`

	Branch        string `yaml:"branch,omitempty"`
	DefaultBranch string `yaml:"default-branch,omitempty"`

	AddExtensions      map[string]*ExtensionSpec `yaml:"add-extensions,omitempty"`
	AddBuildExtensions map[string]*ExtensionSpec `yaml:"add-build-extensions,omitempty"`

	SDKExtensions        []string `yaml:"sdk-extensions,omitempty"`
	PlatformExtensions   []string `yaml:"platform-extensions,omitempty"`
	InheritExtensions    []string `yaml:"inherit-extensions,omitempty"`
	InheritSDKExtensions []string `yaml:"inherit-sdk-extensions,omitempty"`
	BaseExtensions       []string `yaml:"base-extensions,omitempty"`

	// Extra captures every key this struct doesn't name, so Dump can
	// re-emit it unchanged.
	Extra map[string]interface{} `yaml:",inline"`
}

// AppIdentifier returns the application's reverse-DNS identifier, preferring
// the "app-id" key over the older "id" alias.
func (m *Manifest) AppIdentifier() string {
	if m.AppID != "" {
		return m.AppID
	}
	return m.ID
}

// Load reads and parses the manifest at path.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading manifest %q", path).Err()
	}
	m := &Manifest{}
	if err := yaml.Unmarshal(data, m); err != nil {
		return nil, errors.Annotate(err, "parsing manifest %q", path).Err()
	}
	m.Path = path
	return m, nil
}

// Dump writes m back to its Path, preserving every field Extra captured.
func Dump(m *Manifest) error {
	if m.Path == "" {
		return errors.Reason("manifest has no associated path to dump to").Err()
	}
	data, err := yaml.Marshal(m)
	if err != nil {
		return errors.Annotate(err, "marshaling manifest").Err()
	}
	info, err := os.Stat(m.Path)
	mode := os.FileMode(0644)
	if err == nil {
		mode = info.Mode()
	}
	if err := os.WriteFile(m.Path, data, mode); err != nil {
		return errors.Annotate(err, "writing manifest %q", m.Path).Err()
	}
	return nil
}
