// Copyright 2024 The Flatpak External Data Checker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package submodule

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/vchernin/flatpak-external-data-checker/internal/gitutil"
	"github.com/vchernin/flatpak-external-data-checker/internal/procexec"
)

func gitCmd(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com",
		"GIT_ALLOW_PROTOCOL=file",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v in %q: %v: %s", args, dir, err, out)
	}
	return string(out)
}

// setupFixture builds:
//
//	root/                    -- the superproject
//	  sub/                   -- a submodule, cloned from upstreamSub
//	    shared/lv2.json       -- the module file the manifest references
//	upstreamSub/              -- the submodule's upstream, advanced after
//	                             root/sub is added, so a check finds an update.
func setupFixture(t *testing.T) (root string) {
	t.Helper()
	base := t.TempDir()

	upstreamSub := filepath.Join(base, "upstreamSub")
	if err := os.MkdirAll(upstreamSub, 0755); err != nil {
		t.Fatal(err)
	}
	gitCmd(t, upstreamSub, "init", "-q")
	if err := os.MkdirAll(filepath.Join(upstreamSub, "shared"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(upstreamSub, "shared", "lv2.json"), []byte("v1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	gitCmd(t, upstreamSub, "add", ".")
	gitCmd(t, upstreamSub, "commit", "-q", "-m", "v1")

	root = filepath.Join(base, "root")
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatal(err)
	}
	gitCmd(t, root, "init", "-q")
	gitCmd(t, root, "-c", "protocol.file.allow=always", "submodule", "add", "-q", upstreamSub, "sub")
	gitCmd(t, root, "commit", "-q", "-m", "add submodule")

	if err := os.WriteFile(filepath.Join(upstreamSub, "shared", "lv2.json"), []byte("v2\n"), 0644); err != nil {
		t.Fatal(err)
	}
	gitCmd(t, upstreamSub, "add", ".")
	gitCmd(t, upstreamSub, "commit", "-q", "-m", "v2")

	return root
}

func TestCheckFindsOutdatedModule(t *testing.T) {
	root := setupFixture(t)
	runner := procexec.New(4)
	git := gitutil.New(runner)
	checker := New(git, runner)
	defer checker.Close()

	ctx := context.Background()
	if err := checker.Check(ctx, root, []string{"sub/shared/lv2.json"}); err != nil {
		t.Fatal(err)
	}

	outdated := checker.GetOutdated()
	if len(outdated) != 1 {
		t.Fatalf("GetOutdated() returned %d submodules, want 1: %+v", len(outdated), outdated)
	}
	sub := outdated[0]
	if sub.Nested {
		t.Error("top-level submodule incorrectly marked nested")
	}
	hashes, ok := sub.Modules["sub/shared/lv2.json"]
	if !ok {
		t.Fatal("expected sub/shared/lv2.json to be recorded as changed")
	}
	if hashes[0] == "" || hashes[1] == "" || hashes[0] == hashes[1] {
		t.Errorf("expected distinct nonempty hashes, got %v", hashes)
	}

	changes, warnings, err := checker.Update(ctx, root)
	if err != nil {
		t.Fatal(err)
	}
	if len(warnings) != 0 {
		t.Errorf("expected no warnings for a non-nested submodule, got %v", warnings)
	}
	if len(changes) != 1 || changes[0] != "Update sub/shared/lv2.json in submodule sub" {
		t.Errorf("unexpected changes: %v", changes)
	}

	updated, err := os.ReadFile(filepath.Join(root, "sub", "shared", "lv2.json"))
	if err != nil {
		t.Fatal(err)
	}
	if string(updated) != "v2\n" {
		t.Errorf("working tree file = %q, want %q", updated, "v2\n")
	}
}

func TestCheckEmptyModuleListIsNoop(t *testing.T) {
	root := setupFixture(t)
	runner := procexec.New(4)
	git := gitutil.New(runner)
	checker := New(git, runner)
	defer checker.Close()

	if err := checker.Check(context.Background(), root, nil); err != nil {
		t.Fatal(err)
	}
	if got := checker.GetOutdated(); len(got) != 0 {
		t.Errorf("GetOutdated() = %v, want empty", got)
	}
}

func TestCheckNonGitWorkspaceIsNoop(t *testing.T) {
	dir := t.TempDir()
	runner := procexec.New(4)
	git := gitutil.New(runner)
	checker := New(git, runner)
	defer checker.Close()

	if err := checker.Check(context.Background(), dir, []string{"shared/lv2.json"}); err != nil {
		t.Fatal(err)
	}
	if got := checker.GetOutdated(); len(got) != 0 {
		t.Errorf("GetOutdated() = %v, want empty", got)
	}
}
