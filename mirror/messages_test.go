// Copyright (c) Red Hat, Inc.
// Licensed under the Apache License 2.0.

package mirror

import (
	"strings"
	"testing"
)

func TestSyncPRTitle(t *testing.T) {
	got := syncPRTitle("kubernetes", "widget", []int{42, 43})
	want := "🤖 Sync from kubernetes/widget: #42, #43"
	if got != want {
		t.Errorf("syncPRTitle() got %q, want %q", got, want)
	}
}

func TestSyncPRBody(t *testing.T) {
	got := syncPRBody("kubernetes", "widget", []int{42, 43}, nil)
	for _, want := range []string{"* kubernetes/widget#42", "* kubernetes/widget#43"} {
		if !strings.Contains(got, want) {
			t.Errorf("syncPRBody() is missing %q:\n%v", want, got)
		}
	}
	if strings.Contains(got, "This replaces") {
		t.Errorf("syncPRBody() mentions a replacement without one:\n%v", got)
	}

	replaced := 100
	got = syncPRBody("kubernetes", "widget", []int{44}, &replaced)
	if !strings.Contains(got, "This replaces #100") {
		t.Errorf("syncPRBody() is missing the replacement note:\n%v", got)
	}
}

func TestTrackingIssueTitle(t *testing.T) {
	got := trackingIssueTitle([]int{44})
	want := "😿 Failed to sync the upstream PRs: #44"
	if got != want {
		t.Errorf("trackingIssueTitle() got %q, want %q", got, want)
	}
}

func TestTrackingIssueBody(t *testing.T) {
	prID := 100
	got := trackingIssueBody(
		reasonCIFailed, "kubernetes", "widget", []int{44, 45}, "release-2.5", "stolostron",
		&prID, "exit status 1", []string{"git cherry-pick abc~1..abc"},
	)

	for _, want := range []string{
		"🪞 Magic Mirror 🪞 failed to sync the following upstream pull-requests because the PR CI failed:",
		"* kubernetes/widget#44",
		"* kubernetes/widget#45",
		"the branch release-2.5 on stolostron/widget is paused",
		"The pull-request (#100) can be reviewed for more information.",
		"exit status 1",
		"git cherry-pick abc~1..abc",
		sadYodaGIF,
	} {
		if !strings.Contains(got, want) {
			t.Errorf("trackingIssueBody() is missing %q:\n%v", want, got)
		}
	}
}

func TestTrackingIssueBodyOmitsOptionalSections(t *testing.T) {
	got := trackingIssueBody(
		reasonPatchApply, "kubernetes", "widget", []int{44}, "release-2.5", "stolostron",
		nil, "", nil,
	)
	if strings.Contains(got, "can be reviewed") {
		t.Errorf("trackingIssueBody() mentions a PR without one:\n%v", got)
	}
	if strings.Contains(got, "To reproduce") {
		t.Errorf("trackingIssueBody() mentions reproduction steps without any:\n%v", got)
	}
}

func TestSupersededComment(t *testing.T) {
	got := supersededComment([]int{46, 47})
	if !strings.Contains(got, "#46, #47") {
		t.Errorf("supersededComment() doesn't name the replacement PRs:\n%v", got)
	}
	if !strings.Contains(got, mirrorGIF) {
		t.Errorf("supersededComment() is missing the image:\n%v", got)
	}
}
