// Copyright (c) Red Hat, Inc.
// Licensed under the Apache License 2.0.

package mirror

import (
	"context"
	"fmt"

	"github.com/stolostron/magic-mirror/database"
	"github.com/stolostron/magic-mirror/ghclient"
	"github.com/stolostron/magic-mirror/logging"
)

// checkSuccessConclusions are the check-run conclusions that count as a pass.
var checkSuccessConclusions = map[string]bool{
	"success": true,
	"neutral": true,
	"skipped": true,
}

// Reactor advances the per-branch state machine on webhook events.
type Reactor struct {
	engine
}

// NewReactor creates a Reactor.
func NewReactor(db *database.DB, host ghclient.HostClient, log *logging.Logger) *Reactor {
	return &Reactor{engine: engine{db: db, host: host, log: log}}
}

// HandleIssueClosed reacts to a closed issue on a fork repo. If it is a
// tracking issue, the human has resolved the failure: the sync PR (if any) is
// closed, the cursor advances past the covered PRs, and syncing resumes.
func (r *Reactor) HandleIssueClosed(ctx context.Context, org, repoName string, issue int) error {
	forkRepo, err := r.db.GetOrCreateRepo(org, repoName)
	if err != nil {
		return err
	}
	pending, err := r.db.GetPendingPRByIssue(forkRepo.ID, issue)
	if err != nil {
		return err
	}
	if pending == nil {
		return nil
	}

	if pending.PRID != nil {
		pr, err := r.host.GetPR(ctx, org, repoName, *pending.PRID)
		if err != nil {
			return err
		}
		if pr.State != "closed" {
			if err := r.host.UpdatePRState(ctx, org, repoName, *pending.PRID, "closed"); err != nil {
				return err
			}
		}
	}

	if err := r.db.SetLastHandledPR(pending.BranchKey, lastUpstreamPR(pending)); err != nil {
		return err
	}
	if err := r.db.DeletePendingPR(pending.BranchKey); err != nil {
		return err
	}
	r.log.Infof(
		"tracking issue #%v on %v/%v is closed, syncing of %v resumes past #%v",
		issue, org, repoName, pending.ForkBranch, lastUpstreamPR(pending),
	)
	return nil
}

// HandlePRClosed reacts to a closed PR on a fork repo. A closed sync PR with
// no tracking issue is terminal: the cursor advances and the pending work is
// cleared. When a tracking issue exists, the issue-closed path owns the
// terminal transition instead.
func (r *Reactor) HandlePRClosed(ctx context.Context, org, repoName string, prID int) error {
	forkRepo, err := r.db.GetOrCreateRepo(org, repoName)
	if err != nil {
		return err
	}
	pending, err := r.db.GetPendingPRByPRID(forkRepo.ID, prID)
	if err != nil {
		return err
	}
	if pending == nil || pending.GitHubIssue != nil {
		return nil
	}

	if err := r.db.SetLastHandledPR(pending.BranchKey, lastUpstreamPR(pending)); err != nil {
		return err
	}
	if err := r.db.DeletePendingPR(pending.BranchKey); err != nil {
		return err
	}
	r.log.Infof(
		"the sync PR #%v on %v/%v is closed, advancing %v past #%v",
		prID, org, repoName, pending.ForkBranch, lastUpstreamPR(pending),
	)
	return nil
}

// HandleCheckRunCompleted reacts to a completed check-run. prIDs are the PRs
// the event reports as including the commit; when the payload lists none,
// they are resolved from the head SHA.
func (r *Reactor) HandleCheckRunCompleted(
	ctx context.Context, org, repoName, checkName, conclusion, headSHA string, prIDs []int,
) error {
	if len(prIDs) == 0 {
		var err error
		if prIDs, err = r.host.ListPRsWithCommit(ctx, org, repoName, headSHA); err != nil {
			return err
		}
	}
	return r.handleCheckSignal(ctx, org, repoName, checkName, checkSuccessConclusions[conclusion], prIDs)
}

// HandleStatusCompleted reacts to a commit status update. Pending statuses
// are ignored; the completed one is matched to PRs by the commit SHA.
func (r *Reactor) HandleStatusCompleted(ctx context.Context, org, repoName, statusContext, state, sha string) error {
	if state == "pending" {
		return nil
	}
	prIDs, err := r.host.ListPRsWithCommit(ctx, org, repoName, sha)
	if err != nil {
		return err
	}
	return r.handleCheckSignal(ctx, org, repoName, statusContext, state == "success", prIDs)
}

// handleCheckSignal is the common CI handler both signal shapes funnel into.
func (r *Reactor) handleCheckSignal(
	ctx context.Context, org, repoName, checkName string, success bool, prIDs []int,
) error {
	forkRepo, err := r.db.GetOrCreateRepo(org, repoName)
	if err != nil {
		return err
	}

	for _, prID := range prIDs {
		pending, err := r.db.GetPendingPRByPRID(forkRepo.ID, prID)
		if err != nil {
			return err
		}
		if pending == nil {
			// Not a sync PR.
			continue
		}
		if pending.Action == database.ActionBlocked {
			// The manual resolution path owns a blocked branch.
			continue
		}

		required, err := r.host.RequiredChecks(ctx, org, repoName, pending.ForkBranch)
		if err != nil {
			return err
		}
		if !contains(required, checkName) {
			r.log.Debugf(
				"the check %q is not required on %v of %v/%v, ignoring", checkName, pending.ForkBranch, org, repoName,
			)
			continue
		}

		upstreamOrg, err := r.upstreamOrgOf(pending)
		if err != nil {
			return err
		}

		if !success {
			if err := r.blockPending(ctx, org, repoName, upstreamOrg, pending, reasonCIFailed, blockDetails{
				prID: pending.PRID,
			}); err != nil {
				return err
			}
			r.linkIssueFromPR(ctx, org, repoName, *pending.PRID, *pending.GitHubIssue)
			continue
		}

		pr, err := r.host.GetPR(ctx, org, repoName, prID)
		if err != nil {
			return err
		}
		green, err := r.allRequiredGreen(ctx, org, repoName, pr.HeadSHA, required)
		if err != nil {
			return err
		}
		if !green {
			// Another check is failing or hasn't reported; its own signal
			// will retrigger this path.
			continue
		}

		if _, err := r.mergeSyncPR(ctx, org, repoName, upstreamOrg, pending, pr.HeadSHA); err != nil {
			return err
		}
		// On success the pending PR stays; the pull-request-closed event
		// owns the terminal cursor advancement.
	}
	return nil
}

// allRequiredGreen reports whether every required check has a passing result
// on the ref. Check-runs are consulted first, then commit statuses; both
// listings are newest first, so the first result per name is the latest. A
// required check with no result yet means not green.
func (r *Reactor) allRequiredGreen(ctx context.Context, org, repoName, ref string, required []string) (bool, error) {
	checkRuns, err := r.host.ListCheckRuns(ctx, org, repoName, ref)
	if err != nil {
		return false, err
	}
	latestRuns := make(map[string]string, len(checkRuns))
	for _, run := range checkRuns {
		if _, ok := latestRuns[run.Name]; !ok {
			latestRuns[run.Name] = run.Conclusion
		}
	}

	statuses, err := r.host.ListCommitStatuses(ctx, org, repoName, ref)
	if err != nil {
		return false, err
	}
	latestStatuses := make(map[string]string, len(statuses))
	for _, status := range statuses {
		if _, ok := latestStatuses[status.Context]; !ok {
			latestStatuses[status.Context] = status.State
		}
	}

	for _, name := range required {
		if conclusion, ok := latestRuns[name]; ok {
			if !checkSuccessConclusions[conclusion] {
				return false, nil
			}
			continue
		}
		if state, ok := latestStatuses[name]; ok {
			if state != "success" {
				return false, nil
			}
			continue
		}
		return false, nil
	}
	return true, nil
}

// linkIssueFromPR appends a "Closes #<issue>" line to the sync PR's body so
// merging the fixed PR also closes the tracking issue. Failing to link is
// logged, not fatal.
func (r *Reactor) linkIssueFromPR(ctx context.Context, org, repoName string, prID, issue int) {
	pr, err := r.host.GetPR(ctx, org, repoName, prID)
	if err != nil {
		r.log.Errorf("unable to load the sync PR %v/%v#%v to link issue #%v: %v", org, repoName, prID, issue, err)
		return
	}
	body := fmt.Sprintf("%v\n\nCloses #%d\n", pr.Body, issue)
	if err := r.host.UpdatePRBody(ctx, org, repoName, prID, body); err != nil {
		r.log.Errorf("unable to link issue #%v from the sync PR %v/%v#%v: %v", issue, org, repoName, prID, err)
	}
}

// upstreamOrgOf resolves the upstream organization name of a pending PR's
// tuple for human-visible messages.
func (r *Reactor) upstreamOrgOf(pending *database.PendingPR) (string, error) {
	upstreamRepo, err := r.db.GetRepoByID(pending.UpstreamRepoID)
	if err != nil {
		return "", err
	}
	if upstreamRepo == nil {
		return "", fmt.Errorf("the upstream repo with id %v is missing", pending.UpstreamRepoID)
	}
	return upstreamRepo.Organization, nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
