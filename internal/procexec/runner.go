// Copyright 2024 The Flatpak External Data Checker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package procexec runs external programs, capturing their output and
// classifying failures for callers that never retry.
package procexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/alitto/pond/v2"
)

// Result is the captured output of a successful invocation.
type Result struct {
	Stdout []byte
	Stderr []byte
}

// RunError is returned when an invocation exits with a nonzero status. It
// carries enough context for a caller to classify the failure without
// string-matching stderr.
type RunError struct {
	Args     []string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("%s: exit status %d: %s", strings.Join(e.Args, " "), e.ExitCode, strings.TrimSpace(e.Stderr))
}

func (e *RunError) Unwrap() error { return e.Err }

// Runner executes programs, optionally off the calling goroutine.
type Runner struct {
	pool pond.Pool
}

type outcome struct {
	result *Result
	err    error
}

// New returns a Runner whose off-thread dispatches share a worker pool of
// the given concurrency.
func New(concurrency int) *Runner {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Runner{pool: pond.NewPool(concurrency)}
}

// Run executes name with args in dir (the process's current directory; the
// empty string means "inherit"), returning captured stdout/stderr or a
// *RunError on nonzero exit.
func (r *Runner) Run(ctx context.Context, dir string, name string, args ...string) (*Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		full := append([]string{name}, args...)
		return nil, &RunError{Args: full, ExitCode: exitCode, Stderr: stderr.String(), Err: err}
	}
	return &Result{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}, nil
}

// Future is a handle to an off-thread operation.
type Future struct {
	done chan *outcome
}

// Wait blocks until the operation completes and returns its result.
func (f *Future) Wait() (*Result, error) {
	o := <-f.done
	return o.result, o.err
}

func (r *Runner) submit(fn func() *outcome) *Future {
	f := &Future{done: make(chan *outcome, 1)}
	r.pool.Submit(func() {
		f.done <- fn()
	})
	return f
}

// RunAsync is like Run but dispatches to the worker pool, so that concurrent
// filesystem-heavy git invocations can overlap.
func (r *Runner) RunAsync(ctx context.Context, dir string, name string, args ...string) *Future {
	return r.submit(func() *outcome {
		res, err := r.Run(ctx, dir, name, args...)
		return &outcome{result: res, err: err}
	})
}

// Go dispatches an arbitrary function (e.g. a directory copy) to the same
// worker pool used for subprocess invocations.
func (r *Runner) Go(fn func() error) *Future {
	return r.submit(func() *outcome {
		return &outcome{err: fn()}
	})
}
