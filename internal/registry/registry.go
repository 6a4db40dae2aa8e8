// Copyright 2024 The Flatpak External Data Checker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package registry wraps the packaging tool's remote registration and
// listing, and memoises per-ref metadata for the lifetime of the process.
package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/dgraph-io/ristretto"
	"go.chromium.org/luci/common/errors"

	"github.com/vchernin/flatpak-external-data-checker/internal/procexec"
)

// TargetRef is the "runtime/arch/branch" triple a base application or
// extension declares as what it targets.
type TargetRef struct {
	Name   string
	Arch   string
	Branch string
}

// ParseTargetTriple parses a "name/arch/branch" string.
func ParseTargetTriple(s string) (*TargetRef, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return nil, errors.Reason("malformed target triple %q", s).Err()
	}
	return &TargetRef{Name: parts[0], Arch: parts[1], Branch: parts[2]}, nil
}

func (t *TargetRef) String() string {
	return fmt.Sprintf("%s/%s/%s", t.Name, t.Arch, t.Branch)
}

// RemoteEntry is one row of the remote catalog.
type RemoteEntry struct {
	Name   string
	Branch string
	// Target is nil for a runtime row; set for a base-application or
	// extension row.
	Target *TargetRef
}

// Client is the Remote catalog reader.
type Client struct {
	runner     *procexec.Runner
	remoteName string
	cache      *ristretto.Cache
}

// New constructs a Client that talks to remoteName via runner.
func New(runner *procexec.Runner, remoteName string) (*Client, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, errors.Annotate(err, "allocating metadata cache").Err()
	}
	return &Client{runner: runner, remoteName: remoteName, cache: cache}, nil
}

// EnsureRemote idempotently registers url under the client's remote name.
func (c *Client) EnsureRemote(ctx context.Context, url string) error {
	if _, err := c.runner.Run(ctx, "", "flatpak", "remote-add", "--if-not-exists", c.remoteName, url); err != nil {
		return errors.Annotate(err, "registering remote %q", c.remoteName).Err()
	}
	return nil
}

// ListRefs returns the full catalog.
func (c *Client) ListRefs(ctx context.Context) ([]RemoteEntry, error) {
	res, err := c.runner.Run(ctx, "", "flatpak", "remote-ls", c.remoteName,
		"--all", "--system", "--columns=application,branch,runtime")
	if err != nil {
		return nil, errors.Annotate(err, "listing remote %q", c.remoteName).Err()
	}
	var entries []RemoteEntry
	for _, line := range strings.Split(strings.TrimRight(string(res.Stdout), "\n"), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		switch len(fields) {
		case 2:
			entries = append(entries, RemoteEntry{Name: fields[0], Branch: fields[1]})
		case 3:
			entry := RemoteEntry{Name: fields[0], Branch: fields[1]}
			if raw := strings.TrimSpace(fields[2]); raw != "" {
				target, err := ParseTargetTriple(raw)
				if err != nil {
					return nil, errors.Annotate(err, "catalog row %q", line).Err()
				}
				entry.Target = target
			}
			entries = append(entries, entry)
		default:
			return nil, errors.Reason("catalog row has unexpected arity %d: %q", len(fields), line).Err()
		}
	}
	return entries, nil
}

func cacheKey(name, version string) string {
	return name + "//" + version
}

// GetRefMetadata returns the metadata block for name//version, consulting
// (and populating) the process-lifetime cache first. A tool failure is not
// an error: it is reported as an empty metadata block, the caller's signal
// that the ref is unknown or self-defined.
func (c *Client) GetRefMetadata(ctx context.Context, name, version string) ([]string, error) {
	key := cacheKey(name, version)
	if v, ok := c.cache.Get(key); ok {
		return v.([]string), nil
	}

	ref := fmt.Sprintf("%s//%s", name, version)
	res, err := c.runner.Run(ctx, "", "flatpak", "remote-info", c.remoteName, "--system", ref, "--show-metadata")

	var lines []string
	if err == nil {
		for _, line := range strings.Split(string(res.Stdout), "\n") {
			lines = append(lines, strings.TrimRight(line, "\r"))
		}
	}

	c.cache.Set(key, lines, int64(len(lines))+1)
	c.cache.Wait()
	return lines, nil
}
