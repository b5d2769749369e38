// Copyright (c) Red Hat, Inc.
// Licensed under the Apache License 2.0.

package mirror

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/go-test/deep"

	"github.com/stolostron/magic-mirror/database"
	"github.com/stolostron/magic-mirror/workspace"
)

func TestRunOnceBootstrapsCursor(t *testing.T) {
	f := newFixture(t)
	f.host.addMergedPR(testUpstreamOrg, testRepo, 30, "main", "sha30", 1, "alice")

	if err := f.syncer.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The first observation records the newest merged PR without replaying
	// history: no cherry-picks, no sync PR.
	if got := f.cursor(t); got != 30 {
		t.Errorf("the cursor is %v, want 30", got)
	}
	if len(f.applier.calls) != 0 {
		t.Errorf("ApplyPatches was called %v time(s) during bootstrap", len(f.applier.calls))
	}
	if len(f.host.createdPRs) != 0 {
		t.Errorf("a sync PR was created during bootstrap: %+v", f.host.createdPRs)
	}
	if f.pending(t) != nil {
		t.Error("a pending PR was recorded during bootstrap")
	}
}

func TestRunOnceNoRequiredChecks(t *testing.T) {
	f := newFixture(t)
	f.setCursor(t, 41)
	f.host.addMergedPR(testUpstreamOrg, testRepo, 42, "main", "sha42", 2, "alice")

	if err := f.syncer.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(f.applier.calls) != 1 {
		t.Fatalf("ApplyPatches was called %v time(s), want 1", len(f.applier.calls))
	}
	call := f.applier.calls[0]
	if diff := deep.Equal(call.Patches, []workspace.Patch{{HeadSHA: "sha42", NumCommits: 2}}); diff != nil {
		t.Errorf("patch mismatch: %v", diff)
	}
	if call.SourceBranch != testForkBranch {
		t.Errorf("the source branch is %q, want %q", call.SourceBranch, testForkBranch)
	}
	if !strings.HasPrefix(call.TargetBranch, "main-") {
		t.Errorf("the working branch %q isn't derived from the upstream branch", call.TargetBranch)
	}
	if !strings.Contains(call.ForkRemote, "x-access-token:test-token@") {
		t.Errorf("the fork remote %q doesn't carry the installation token", call.ForkRemote)
	}

	if len(f.host.createdPRs) != 1 {
		t.Fatalf("%v sync PR(s) were created, want 1", len(f.host.createdPRs))
	}
	pr := f.host.createdPRs[0]
	if pr.Title != "🤖 Sync from kubernetes/widget: #42" {
		t.Errorf("sync PR title: %q", pr.Title)
	}
	if !strings.Contains(pr.Body, "* kubernetes/widget#42") {
		t.Errorf("sync PR body doesn't list the upstream PR: %q", pr.Body)
	}
	if got := f.host.labels[prKey(testForkOrg, testRepo, pr.Number)]; len(got) != 1 || got[0] != "sync" {
		t.Errorf("sync PR labels: %v", got)
	}

	// With no required checks, the PR is merged and the tuple is terminal
	// after a single tick.
	if diff := deep.Equal(f.host.merged, []int{pr.Number}); diff != nil {
		t.Errorf("merged PRs mismatch: %v", diff)
	}
	if got := f.cursor(t); got != 42 {
		t.Errorf("the cursor is %v, want 42", got)
	}
	if f.pending(t) != nil {
		t.Error("the pending PR was not cleared after the immediate merge")
	}
}

func TestRunOnceWithRequiredChecks(t *testing.T) {
	f := newFixture(t)
	f.setCursor(t, 42)
	f.host.addMergedPR(testUpstreamOrg, testRepo, 43, "main", "sha43", 1, "bob")
	f.host.required[branchKey(testForkOrg, testRepo, testForkBranch)] = []string{"dco"}

	if err := f.syncer.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(f.host.merged) != 0 {
		t.Errorf("the sync PR was merged before CI reported: %v", f.host.merged)
	}
	pending := f.pending(t)
	if pending == nil {
		t.Fatal("no pending PR was recorded")
	}
	if pending.Action != database.ActionCreated {
		t.Errorf("the pending action is %v, want Created", pending.Action)
	}
	if diff := deep.Equal(pending.UpstreamPRIDs, []int{43}); diff != nil {
		t.Errorf("pending upstream PRs mismatch: %v", diff)
	}
	if diff := deep.Equal(pending.UpstreamAuthors, []string{"bob"}); diff != nil {
		t.Errorf("pending upstream authors mismatch: %v", diff)
	}
	if pending.PRID == nil || *pending.PRID != f.host.createdPRs[0].Number {
		t.Errorf("the pending PR id is %v", pending.PRID)
	}
	if got := f.cursor(t); got != 42 {
		t.Errorf("the cursor moved to %v before the batch was terminal", got)
	}
}

func TestRunOnceIgnoresOtherBranches(t *testing.T) {
	f := newFixture(t)
	f.setCursor(t, 10)
	// Merged into a branch with no mapping: nothing to do.
	f.host.addMergedPR(testUpstreamOrg, testRepo, 11, "release-1.0", "sha11", 1, "alice")

	if err := f.syncer.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(f.host.createdPRs) != 0 {
		t.Errorf("a sync PR was created for an unmapped branch: %+v", f.host.createdPRs)
	}
	if got := f.cursor(t); got != 10 {
		t.Errorf("the cursor is %v, want 10", got)
	}
}

func TestRunOnceCherryPickConflict(t *testing.T) {
	f := newFixture(t)
	f.setCursor(t, 43)
	f.host.addMergedPR(testUpstreamOrg, testRepo, 44, "main", "sha44", 3, "carol")
	f.applier.err = &workspace.ApplyError{
		Output:   "error: could not apply sha44",
		Commands: []string{"git cherry-pick sha44~3..sha44"},
		Err:      errors.New("cherry-pick failed"),
	}

	if err := f.syncer.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	if len(f.host.createdIssues) != 1 {
		t.Fatalf("%v tracking issue(s) were created, want 1", len(f.host.createdIssues))
	}
	issue := f.host.createdIssues[0]
	if issue.Title != "😿 Failed to sync the upstream PRs: #44" {
		t.Errorf("tracking issue title: %q", issue.Title)
	}
	for _, want := range []string{
		"one or more patches couldn't cleanly apply",
		"* kubernetes/widget#44",
		"release-2.5",
		"error: could not apply sha44",
		"git cherry-pick sha44~3..sha44",
	} {
		if !strings.Contains(issue.Body, want) {
			t.Errorf("tracking issue body is missing %q:\n%v", want, issue.Body)
		}
	}

	pending := f.pending(t)
	if pending == nil {
		t.Fatal("no pending PR was recorded")
	}
	if pending.Action != database.ActionBlocked {
		t.Errorf("the pending action is %v, want Blocked", pending.Action)
	}
	if pending.PRID != nil {
		t.Errorf("the pending PR id is %v, want nil: no PR could be opened", *pending.PRID)
	}
	if pending.GitHubIssue == nil || *pending.GitHubIssue != issue.Number {
		t.Errorf("the pending tracking issue is %v, want %v", pending.GitHubIssue, issue.Number)
	}
	if got := f.cursor(t); got != 43 {
		t.Errorf("the cursor moved to %v on a failure", got)
	}

	// The branch stays paused on later ticks until the issue is closed.
	if err := f.syncer.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(f.host.createdIssues) != 1 {
		t.Errorf("a second tracking issue was created for a paused branch")
	}
}

func TestRunOnceSupersedesInFlightPR(t *testing.T) {
	f := newFixture(t)
	f.setCursor(t, 45)
	f.host.required[branchKey(testForkOrg, testRepo, testForkBranch)] = []string{"dco"}
	f.host.addMergedPR(testUpstreamOrg, testRepo, 46, "main", "sha46", 1, "alice")
	f.host.addOpenPR(testForkOrg, testRepo, 100, testForkBranch, "head-100", "old body")
	f.host.nextPR = 101
	f.setPending(t, &database.PendingPR{
		UpstreamPRIDs:   []int{46},
		UpstreamAuthors: []string{"alice"},
		Action:          database.ActionCreated,
		PRID:            intPtr(100),
	})

	// A new upstream PR merges into the same branch.
	f.host.addMergedPR(testUpstreamOrg, testRepo, 47, "main", "sha47", 2, "bob")

	if err := f.syncer.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := f.host.prs[prKey(testForkOrg, testRepo, 100)].State; got != "closed" {
		t.Errorf("the superseded PR state is %q, want closed", got)
	}
	comments := f.host.comments[prKey(testForkOrg, testRepo, 100)]
	if len(comments) != 1 || !strings.Contains(comments[0], "superseded") {
		t.Errorf("the superseded PR comment is missing: %v", comments)
	}

	if len(f.host.createdPRs) != 1 {
		t.Fatalf("%v sync PR(s) were created, want 1", len(f.host.createdPRs))
	}
	pr := f.host.createdPRs[0]
	if pr.Title != "🤖 Sync from kubernetes/widget: #46, #47" {
		t.Errorf("replacement PR title: %q", pr.Title)
	}
	if !strings.Contains(pr.Body, "This replaces #100") {
		t.Errorf("replacement PR body doesn't mention the replaced PR: %q", pr.Body)
	}

	pending := f.pending(t)
	if pending == nil {
		t.Fatal("no pending PR was recorded")
	}
	if diff := deep.Equal(pending.UpstreamPRIDs, []int{46, 47}); diff != nil {
		t.Errorf("pending upstream PRs mismatch: %v", diff)
	}
	if pending.PRID == nil || *pending.PRID != pr.Number {
		t.Errorf("the pending PR id is %v, want %v", pending.PRID, pr.Number)
	}
}

func TestRunOnceYieldsWhenPRAlreadyClosed(t *testing.T) {
	f := newFixture(t)
	f.setCursor(t, 45)
	f.host.required[branchKey(testForkOrg, testRepo, testForkBranch)] = []string{"dco"}
	f.host.addMergedPR(testUpstreamOrg, testRepo, 46, "main", "sha46", 1, "alice")
	f.host.addMergedPR(testUpstreamOrg, testRepo, 47, "main", "sha47", 1, "bob")
	f.host.addOpenPR(testForkOrg, testRepo, 100, testForkBranch, "head-100", "body")
	f.host.prs[prKey(testForkOrg, testRepo, 100)].State = "closed"
	f.setPending(t, &database.PendingPR{
		UpstreamPRIDs:   []int{46},
		UpstreamAuthors: []string{"alice"},
		Action:          database.ActionCreated,
		PRID:            intPtr(100),
	})

	if err := f.syncer.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The platform closed the PR first: the webhook receiver owns the
	// terminal transition, so the syncer must not touch anything.
	if len(f.host.createdPRs) != 0 {
		t.Errorf("a replacement PR was created despite the close race: %+v", f.host.createdPRs)
	}
	if len(f.host.comments[prKey(testForkOrg, testRepo, 100)]) != 0 {
		t.Error("the already-closed PR was commented on")
	}
	pending := f.pending(t)
	if pending == nil {
		t.Fatal("the pending PR was deleted despite the close race")
	}
	if diff := deep.Equal(pending.UpstreamPRIDs, []int{46}); diff != nil {
		t.Errorf("the pending PR changed: %v", diff)
	}

	// The webhook receiver then reconciles the closed PR.
	if err := f.reactor.HandlePRClosed(context.Background(), testForkOrg, testRepo, 100); err != nil {
		t.Fatal(err)
	}
	if got := f.cursor(t); got != 46 {
		t.Errorf("the cursor is %v, want 46", got)
	}
	if f.pending(t) != nil {
		t.Error("the pending PR survived the PR-closed event")
	}
}

func TestRunOnceLeavesMatchingInFlightPR(t *testing.T) {
	f := newFixture(t)
	f.setCursor(t, 45)
	f.host.required[branchKey(testForkOrg, testRepo, testForkBranch)] = []string{"dco"}
	f.host.addMergedPR(testUpstreamOrg, testRepo, 46, "main", "sha46", 1, "alice")
	f.host.addOpenPR(testForkOrg, testRepo, 100, testForkBranch, "head-100", "body")
	f.setPending(t, &database.PendingPR{
		UpstreamPRIDs:   []int{46},
		UpstreamAuthors: []string{"alice"},
		Action:          database.ActionCreated,
		PRID:            intPtr(100),
	})

	if err := f.syncer.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The in-flight PR covers exactly the candidate set: nothing changes.
	if len(f.host.createdPRs) != 0 {
		t.Errorf("a replacement PR was created: %+v", f.host.createdPRs)
	}
	if got := f.host.prs[prKey(testForkOrg, testRepo, 100)].State; got != "open" {
		t.Errorf("the in-flight PR state is %q, want open", got)
	}
	pending := f.pending(t)
	if pending == nil || pending.PRID == nil || *pending.PRID != 100 {
		t.Errorf("the pending PR changed: %+v", pending)
	}
}
