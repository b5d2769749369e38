// Copyright (c) Red Hat, Inc.
// Licensed under the Apache License 2.0.

// Package workspace applies ordered cherry-picks from an upstream remote onto
// a freshly checked-out fork branch and pushes the result. All filesystem
// state is scoped to one call; the temp clone never outlives it.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/stolostron/magic-mirror/executil"
	"github.com/stolostron/magic-mirror/gitcmd"
	"github.com/stolostron/magic-mirror/logging"
)

// Commits created while cherry-picking need an author identity of their own in
// case the machine has no global Git config.
const (
	gitUserName  = "magic-mirror[bot]"
	gitUserEmail = "magic-mirror[bot]@users.noreply.github.com"
)

// Patch locates one upstream PR's commits: the merge commit and how many
// commits it carries.
type Patch struct {
	HeadSHA    string
	NumCommits int
}

// rangeSpec is the cherry-pick range for the patch, oldest commit first.
func (p Patch) rangeSpec() string {
	return fmt.Sprintf("%v~%v..%v", p.HeadSHA, p.NumCommits, p.HeadSHA)
}

// ApplyError is returned when the Git work itself fails. It carries the
// command transcript and the commands to reproduce the failure locally, for
// inclusion in a tracking issue.
type ApplyError struct {
	Output   string
	Commands []string
	Err      error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("unable to apply the patches: %v", e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// Applier is the capability the syncer consumes.
type Applier interface {
	ApplyPatches(ctx context.Context, forkRemote, upstreamRemote, sourceBranch, targetBranch string, patches []Patch) error
}

// Workspace is the production Applier, shelling out to git.
type Workspace struct {
	log *logging.Logger
}

var _ Applier = (*Workspace)(nil)

func New(log *logging.Logger) *Workspace {
	return &Workspace{log: log}
}

// ApplyPatches clones forkRemote, creates targetBranch from the fork's
// sourceBranch, cherry-picks every patch from upstreamRemote in order, and
// pushes the result. forkRemote is expected to carry an installation token;
// it is redacted from anything human-visible.
func (w *Workspace) ApplyPatches(
	ctx context.Context, forkRemote, upstreamRemote, sourceBranch, targetBranch string, patches []Patch,
) error {
	if len(patches) == 0 {
		return errors.New("at least one patch is required to apply")
	}

	dir, err := gitcmd.NewTempWorkDir()
	if err != nil {
		return err
	}
	defer gitcmd.AttemptDelete(dir)

	w.log.Debugf(
		"applying %v patch(es) from %v onto %v in %v", len(patches), upstreamRemote, targetBranch, dir,
	)

	steps := [][]string{
		{"clone", forkRemote, "."},
		{"config", "user.name", gitUserName},
		{"config", "user.email", gitUserEmail},
		{"checkout", "-b", targetBranch, "origin/" + sourceBranch},
		{"remote", "add", "upstream", upstreamRemote},
		{"fetch", "--prune", "upstream"},
	}
	for _, patch := range patches {
		steps = append(steps, []string{
			"cherry-pick", "-x", "--allow-empty", "--keep-redundant-commits", patch.rangeSpec(),
		})
	}
	steps = append(steps, []string{"push", "origin", "HEAD:refs/heads/" + targetBranch})

	var transcript strings.Builder
	for _, step := range steps {
		// The command line can carry forkRemote, so it is echoed redacted
		// instead of through gitcmd.
		cmd := executil.DirContext(ctx, dir, "git", step...)
		fmt.Printf("---- Running command: %v %v\n", cmd.Path, redactURLCredentials(fmt.Sprint(cmd.Args)))
		outBytes, err := cmd.CombinedOutput()
		out := string(outBytes)
		if err != nil {
			err = fmt.Errorf("command %v failed: %v", cmd.Args, err)
		}
		transcript.WriteString(redactURLCredentials(out))
		if err != nil {
			return &ApplyError{
				Output:   transcript.String(),
				Commands: reproduceCommands(forkRemote, upstreamRemote, sourceBranch, targetBranch, patches),
				Err:      errors.New(redactURLCredentials(err.Error())),
			}
		}
	}
	return nil
}

// reproduceCommands renders the Git commands a human can run to reproduce the
// failure, with credentials stripped.
func reproduceCommands(forkRemote, upstreamRemote, sourceBranch, targetBranch string, patches []Patch) []string {
	commands := []string{
		fmt.Sprintf("git clone %v magic-mirror-repro && cd magic-mirror-repro", redactURLCredentials(forkRemote)),
		fmt.Sprintf("git checkout -b %v origin/%v", targetBranch, sourceBranch),
		fmt.Sprintf("git remote add upstream %v", redactURLCredentials(upstreamRemote)),
		"git fetch --prune upstream",
	}
	for _, patch := range patches {
		commands = append(commands, fmt.Sprintf(
			"git cherry-pick -x --allow-empty --keep-redundant-commits %v", patch.rangeSpec(),
		))
	}
	return commands
}

var urlCredentialsRE = regexp.MustCompile(`https://[^@/\s]+@`)

func redactURLCredentials(s string) string {
	return urlCredentialsRE.ReplaceAllString(s, "https://")
}
