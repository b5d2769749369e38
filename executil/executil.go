// Copyright (c) Red Hat, Inc.
// Licensed under the Apache License 2.0.

// Package executil contains some common wrappers for simple use of exec.Cmd.
package executil

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Dir creates a command that runs in the given directory.
func Dir(dir, name string, args ...string) *exec.Cmd {
	c := exec.Command(name, args...)
	c.Dir = dir
	return c
}

// DirContext creates a command bound to ctx that runs in the given directory.
// The command is killed when ctx is canceled or its deadline passes.
func DirContext(ctx context.Context, dir, name string, args ...string) *exec.Cmd {
	c := exec.CommandContext(ctx, name, args...)
	c.Dir = dir
	return c
}

// Run logs the command line and runs the given command, discarding its output.
func Run(c *exec.Cmd) error {
	fmt.Printf("---- Running command: %v %v\n", c.Path, c.Args)
	if err := c.Run(); err != nil {
		return fmt.Errorf("command %v failed: %v", c.Args, err)
	}
	return nil
}

// CombinedOutput runs a command and returns the output string of
// c.CombinedOutput. On failure the output is still returned so callers can
// surface the transcript to a human.
func CombinedOutput(c *exec.Cmd) (string, error) {
	fmt.Printf("---- Running command: %v %v\n", c.Path, c.Args)
	out, err := c.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("command %v failed: %v", c.Args, err)
	}
	return string(out), nil
}

// SpaceTrimmedCombinedOutput runs CombinedOutput and trims leading/trailing spaces from the result.
func SpaceTrimmedCombinedOutput(c *exec.Cmd) (string, error) {
	out, err := CombinedOutput(c)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
