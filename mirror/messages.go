// Copyright (c) Red Hat, Inc.
// Licensed under the Apache License 2.0.

package mirror

import (
	"fmt"
	"strings"
)

const (
	reasonPatchApply  = "one or more patches couldn't cleanly apply"
	reasonCIFailed    = "the PR CI failed"
	reasonMergeFailed = "the PR couldn't be merged"
)

const (
	sadYodaGIF = "https://media.giphy.com/media/3o7qDSOvfaCO9b3MlO/giphy.gif"
	mirrorGIF  = "https://media.giphy.com/media/l0HlOBZcl7sbV6euI/giphy.gif"
)

// prRefList renders PR numbers as "#1, #2, #3".
func prRefList(ids []int) string {
	refs := make([]string, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, fmt.Sprintf("#%d", id))
	}
	return strings.Join(refs, ", ")
}

// prBulletList renders PR numbers as "* org/repo#1" bullets.
func prBulletList(upstreamOrg, repo string, ids []int) string {
	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "* %v/%v#%d\n", upstreamOrg, repo, id)
	}
	return b.String()
}

func syncPRTitle(upstreamOrg, repo string, ids []int) string {
	return fmt.Sprintf("🤖 Sync from %v/%v: %v", upstreamOrg, repo, prRefList(ids))
}

func syncPRBody(upstreamOrg, repo string, ids []int, replacedPR *int) string {
	body := "Syncing the following pull-requests:\n" + prBulletList(upstreamOrg, repo, ids)
	if replacedPR != nil {
		body += fmt.Sprintf("\nThis replaces #%d\n", *replacedPR)
	}
	return body
}

func trackingIssueTitle(ids []int) string {
	return fmt.Sprintf("😿 Failed to sync the upstream PRs: %v", prRefList(ids))
}

// trackingIssueBody renders the tracking issue that pauses syncing for the
// branch. prID, transcript, and commands are optional.
func trackingIssueBody(
	reason, upstreamOrg, repo string, ids []int, forkBranch, forkOrg string,
	prID *int, transcript string, commands []string,
) string {
	var b strings.Builder
	fmt.Fprintf(
		&b, "🪞 Magic Mirror 🪞 failed to sync the following upstream pull-requests because %v:\n\n", reason,
	)
	b.WriteString(prBulletList(upstreamOrg, repo, ids))
	fmt.Fprintf(
		&b,
		"\nSyncing of the branch %v on %v/%v is paused until this issue is closed. "+
			"Once the underlying problem is addressed, close this issue to resume syncing.\n",
		forkBranch, forkOrg, repo,
	)
	if prID != nil {
		fmt.Fprintf(&b, "\nThe pull-request (#%d) can be reviewed for more information.\n", *prID)
	}
	if transcript != "" {
		fmt.Fprintf(&b, "\nThe following error was encountered:\n```\n%v\n```\n", transcript)
	}
	if len(commands) > 0 {
		fmt.Fprintf(&b, "\nTo reproduce:\n```\n%v\n```\n", strings.Join(commands, "\n"))
	}
	fmt.Fprintf(&b, "\n![A sad Yoda](%v)\n", sadYodaGIF)
	return b.String()
}

func supersededComment(replacementIDs []int) string {
	return fmt.Sprintf(
		"This pull-request is superseded by a newer sync attempt covering %v and will be closed.\n\n![Mirror mirror on the wall](%v)\n",
		prRefList(replacementIDs), mirrorGIF,
	)
}
