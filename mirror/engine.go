// Copyright (c) Red Hat, Inc.
// Licensed under the Apache License 2.0.

// Package mirror is the synchronization engine. The Syncer discovers newly
// merged upstream PRs on a polling cadence and opens cherry-pick PRs on the
// fork; the Reactor advances the same per-branch state machine when webhook
// events report CI results, closed PRs, and closed tracking issues. Both
// coordinate exclusively through the database package.
package mirror

import (
	"context"
	"errors"
	"fmt"

	"github.com/stolostron/magic-mirror/database"
	"github.com/stolostron/magic-mirror/ghclient"
	"github.com/stolostron/magic-mirror/logging"
)

// engine is the state shared by the Syncer and the Reactor.
type engine struct {
	db   *database.DB
	host ghclient.HostClient
	log  *logging.Logger
}

// blockDetails is the optional context attached to a tracking issue.
type blockDetails struct {
	// prID is the fork sync PR to point the reader at, when one exists.
	prID *int
	// transcript and commands describe a failed Git operation.
	transcript string
	commands   []string
}

// blockPending creates a tracking issue on the fork and transitions the
// pending PR to Blocked. Syncing of the branch stays paused until a human
// closes the issue.
func (e *engine) blockPending(
	ctx context.Context, forkOrg, repoName, upstreamOrg string,
	p *database.PendingPR, reason string, details blockDetails,
) error {
	issue, err := e.host.CreateIssue(
		ctx, forkOrg, repoName,
		trackingIssueTitle(p.UpstreamPRIDs),
		trackingIssueBody(
			reason, upstreamOrg, repoName, p.UpstreamPRIDs, p.ForkBranch, forkOrg,
			details.prID, details.transcript, details.commands,
		),
	)
	if err != nil {
		return err
	}

	p.Action = database.ActionBlocked
	p.GitHubIssue = &issue
	if err := e.db.SetPendingPR(p); err != nil {
		return err
	}

	e.log.Infof(
		"paused syncing of %v on %v/%v with tracking issue #%v", p.ForkBranch, forkOrg, repoName, issue,
	)
	return nil
}

// mergeSyncPR attempts the rebase merge of a green sync PR and reports
// whether the merge happened. A head mismatch means someone else got there
// first, so the transition is surrendered without error. Any other rejection
// blocks the branch with a tracking issue.
func (e *engine) mergeSyncPR(
	ctx context.Context, forkOrg, repoName, upstreamOrg string,
	p *database.PendingPR, expectedHeadSHA string,
) (bool, error) {
	err := e.host.MergePR(ctx, forkOrg, repoName, *p.PRID, expectedHeadSHA)
	if err == nil {
		e.log.Infof("merged the sync PR %v/%v#%v", forkOrg, repoName, *p.PRID)
		return true, nil
	}
	if errors.Is(err, ghclient.ErrHeadMismatch) {
		e.log.Debugf("the head of %v/%v#%v moved, yielding: %v", forkOrg, repoName, *p.PRID, err)
		return false, nil
	}
	if errors.Is(err, ghclient.ErrMergeRejected) {
		return false, e.blockPending(ctx, forkOrg, repoName, upstreamOrg, p, reasonMergeFailed, blockDetails{
			prID: p.PRID,
		})
	}
	return false, err
}

// lastUpstreamPR returns the highest upstream PR number the pending PR covers.
func lastUpstreamPR(p *database.PendingPR) int {
	return p.UpstreamPRIDs[len(p.UpstreamPRIDs)-1]
}

// resolveRepos loads (creating on first reference) the fork and upstream repo
// identities and returns the branch tuple key.
func (e *engine) resolveRepos(forkOrg, upstreamOrg, repoName, forkBranch string) (
	*database.Repo, *database.Repo, database.BranchKey, error,
) {
	forkRepo, err := e.db.GetOrCreateRepo(forkOrg, repoName)
	if err != nil {
		return nil, nil, database.BranchKey{}, err
	}
	upstreamRepo, err := e.db.GetOrCreateRepo(upstreamOrg, repoName)
	if err != nil {
		return nil, nil, database.BranchKey{}, err
	}
	key := database.BranchKey{
		ForkRepoID:     forkRepo.ID,
		UpstreamRepoID: upstreamRepo.ID,
		ForkBranch:     forkBranch,
	}
	return forkRepo, upstreamRepo, key, nil
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// githubURL is the plain https remote for a repo.
func githubURL(org, repo string) string {
	return fmt.Sprintf("https://github.com/%v/%v.git", org, repo)
}
