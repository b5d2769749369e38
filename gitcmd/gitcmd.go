// Copyright (c) Red Hat, Inc.
// Licensed under the Apache License 2.0.

// Package gitcmd contains utilities for common Git operations in a local
// repository, including authentication with a remote repository.
package gitcmd

import (
	"context"
	"fmt"
	"os"

	"github.com/stolostron/magic-mirror/executil"
)

// Run runs "git <args>" in the given directory, showing the command to the user
// in logs for diagnosability. Using this func helps make one-line Git commands
// readable.
func Run(ctx context.Context, dir string, args ...string) error {
	return executil.Run(executil.DirContext(ctx, dir, "git", args...))
}

// CombinedOutput runs "git <args...>" in the given directory and returns the
// result. On failure the output is returned too, for error transcripts.
func CombinedOutput(ctx context.Context, dir string, args ...string) (string, error) {
	return executil.CombinedOutput(executil.DirContext(ctx, dir, "git", args...))
}

// RevParse runs "git rev-parse <rev>" and returns the result with whitespace trimmed.
func RevParse(ctx context.Context, dir, rev string) (string, error) {
	return executil.SpaceTrimmedCombinedOutput(executil.DirContext(ctx, dir, "git", "rev-parse", rev))
}

// NewTempWorkDir creates a temp directory to clone into. Clean it up with
// AttemptDelete.
func NewTempWorkDir() (string, error) {
	dir, err := os.MkdirTemp("", "magic-mirror-git-*")
	if err != nil {
		return "", fmt.Errorf("unable to create temp Git work dir: %v", err)
	}
	return dir, nil
}

// AttemptDelete tries to delete the git dir. If an error occurs, log it, but
// this is not fatal. The dir is expected to be in temp storage, so it will be
// cleaned up later by the OS anyway.
func AttemptDelete(gitDir string) {
	if err := os.RemoveAll(gitDir); err != nil {
		fmt.Printf("Unable to clean up git repository directory %#q: %v\n", gitDir, err)
	}
}
