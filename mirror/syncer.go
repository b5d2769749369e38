// Copyright (c) Red Hat, Inc.
// Licensed under the Apache License 2.0.

package mirror

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/stolostron/magic-mirror/config"
	"github.com/stolostron/magic-mirror/database"
	"github.com/stolostron/magic-mirror/ghclient"
	"github.com/stolostron/magic-mirror/gitcmd"
	"github.com/stolostron/magic-mirror/logging"
	"github.com/stolostron/magic-mirror/workspace"
)

// Syncer discovers newly merged upstream PRs and drives each configured
// branch's state machine one step per tick.
type Syncer struct {
	engine
	cfg     *config.Config
	applier workspace.Applier
}

// branchTuple is one unit of sync work: a fork branch receiving one upstream
// branch's merged PRs.
type branchTuple struct {
	ForkOrg        string
	UpstreamOrg    string
	Repo           string
	UpstreamBranch string
	ForkBranch     string
	Labels         []string
}

func (t branchTuple) String() string {
	return fmt.Sprintf(
		"%v/%v:%v from %v/%v:%v",
		t.ForkOrg, t.Repo, t.ForkBranch, t.UpstreamOrg, t.Repo, t.UpstreamBranch,
	)
}

// NewSyncer creates a Syncer.
func NewSyncer(
	cfg *config.Config, db *database.DB, host ghclient.HostClient,
	applier workspace.Applier, log *logging.Logger,
) *Syncer {
	return &Syncer{
		engine:  engine{db: db, host: host, log: log},
		cfg:     cfg,
		applier: applier,
	}
}

// Run ticks RunOnce every syncInterval until ctx is canceled. A slow pass eats
// into its own interval rather than delaying the next one further.
func (s *Syncer) Run(ctx context.Context) error {
	interval := time.Duration(s.cfg.SyncInterval) * time.Second
	for {
		start := time.Now()
		if err := s.RunOnce(ctx); err != nil {
			s.log.Errorf("sync pass finished with errors: %v", err)
		}

		sleep := interval - time.Since(start)
		if sleep < 0 {
			sleep = 0
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

// RunOnce enumerates every configured branch tuple and drives each one step.
// One tuple's failure never stops the others; the errors are accumulated and
// returned joined.
func (s *Syncer) RunOnce(ctx context.Context) error {
	installations, err := s.host.ListAppInstallations(ctx)
	if err != nil {
		return err
	}
	installationByOrg := make(map[string]ghclient.Installation, len(installations))
	for _, installation := range installations {
		installationByOrg[installation.Org] = installation
	}

	var errs []error
	for _, forkOrg := range sortedKeys(s.cfg.UpstreamMappings) {
		installation, ok := installationByOrg[forkOrg]
		if !ok {
			s.log.Debugf("the app is not installed on %v, skipping its mappings", forkOrg)
			continue
		}

		forkRepos, err := s.host.ListInstallationRepos(ctx, installation.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		forkRepoSet := make(map[string]bool, len(forkRepos))
		for _, name := range forkRepos {
			forkRepoSet[name] = true
		}

		upstreams := s.cfg.UpstreamMappings[forkOrg]
		for _, upstreamOrg := range sortedKeys(upstreams) {
			mapping := upstreams[upstreamOrg]

			upstreamRepos, err := s.host.ListOrgRepos(ctx, upstreamOrg)
			if err != nil {
				errs = append(errs, err)
				continue
			}

			sort.Strings(upstreamRepos)
			for _, repoName := range upstreamRepos {
				if !forkRepoSet[repoName] {
					continue
				}
				for _, upstreamBranch := range sortedKeys(mapping.BranchMappings) {
					if ctx.Err() != nil {
						errs = append(errs, ctx.Err())
						return errors.Join(errs...)
					}

					tuple := branchTuple{
						ForkOrg:        forkOrg,
						UpstreamOrg:    upstreamOrg,
						Repo:           repoName,
						UpstreamBranch: upstreamBranch,
						ForkBranch:     mapping.BranchMappings[upstreamBranch],
						Labels:         mapping.PRLabels,
					}
					if err := s.handleBranch(ctx, tuple); err != nil {
						s.log.Errorf("unable to sync %v: %v", tuple, err)
						errs = append(errs, fmt.Errorf("unable to sync %v: %w", tuple, err))
					}
				}
			}
		}
	}
	return errors.Join(errs...)
}

// handleBranch drives one branch tuple's state machine a single step.
func (s *Syncer) handleBranch(ctx context.Context, t branchTuple) error {
	_, _, key, err := s.resolveRepos(t.ForkOrg, t.UpstreamOrg, t.Repo, t.ForkBranch)
	if err != nil {
		return err
	}

	pending, err := s.db.GetPendingPR(key)
	if err != nil {
		return err
	}
	if pending != nil && pending.Action == database.ActionBlocked {
		s.log.Debugf("%v is paused by tracking issue #%v, skipping", t, *pending.GitHubIssue)
		return nil
	}

	cursor, err := s.db.GetLastHandledPR(key)
	if err != nil {
		return err
	}
	if cursor == nil {
		// First observation of the tuple. Start from the newest merged
		// upstream PR instead of replaying history.
		latest, err := s.host.LatestMergedPR(ctx, t.UpstreamOrg, t.Repo)
		if err != nil {
			return err
		}
		s.log.Infof("initializing the cursor of %v to #%v", t, latest)
		return s.db.SetLastHandledPR(key, latest)
	}

	merged, err := s.host.ListMergedPRsAfter(ctx, t.UpstreamOrg, t.Repo, *cursor)
	if err != nil {
		return err
	}
	var prIDs []int
	for _, pr := range merged {
		if pr.BaseRef == t.UpstreamBranch {
			prIDs = append(prIDs, pr.Number)
		}
	}
	if len(prIDs) == 0 {
		return nil
	}

	if pending != nil {
		if equalInts(pending.UpstreamPRIDs, prIDs) {
			// The in-flight PR already covers exactly this set.
			return nil
		}
		closed, err := s.closePR(ctx, t.ForkOrg, t.Repo, *pending.PRID, prIDs)
		if err != nil {
			return err
		}
		if !closed {
			// The platform already closed it; the pull-request-closed
			// webhook owns the terminal transition. Not our turn.
			s.log.Debugf("the sync PR #%v of %v is already closed, yielding", *pending.PRID, t)
			return nil
		}
		if err := s.db.DeletePendingPR(key); err != nil {
			return err
		}
	}

	return s.createSyncPR(ctx, t, key, prIDs, pending)
}

// createSyncPR cherry-picks the upstream PRs onto a new working branch, opens
// the sync PR, and records the pending work. replaced is the prior pending PR
// this attempt supersedes, if any.
func (s *Syncer) createSyncPR(
	ctx context.Context, t branchTuple, key database.BranchKey, prIDs []int, replaced *database.PendingPR,
) error {
	patches := make([]workspace.Patch, 0, len(prIDs))
	authors := make([]string, 0, len(prIDs))
	for _, id := range prIDs {
		pr, err := s.host.GetPR(ctx, t.UpstreamOrg, t.Repo, id)
		if err != nil {
			return err
		}
		patches = append(patches, workspace.Patch{
			HeadSHA:    pr.MergeCommitSHA,
			NumCommits: pr.Commits,
		})
		author := pr.Author
		if author == "" {
			author = database.AuthorNotApplicable
		}
		authors = append(authors, author)
	}

	token, err := s.host.InstallationToken(ctx, t.ForkOrg)
	if err != nil {
		return err
	}
	forkRemote := gitcmd.TokenAuther{Token: token}.InsertAuth(githubURL(t.ForkOrg, t.Repo))
	upstreamRemote := githubURL(t.UpstreamOrg, t.Repo)

	workBranch := fmt.Sprintf("%v-%v", t.UpstreamBranch, time.Now().UnixMilli())
	err = s.applier.ApplyPatches(ctx, forkRemote, upstreamRemote, t.ForkBranch, workBranch, patches)
	if err != nil {
		var applyErr *workspace.ApplyError
		if !errors.As(err, &applyErr) {
			return err
		}
		s.log.Infof("unable to cherry-pick %v onto %v: %v", prRefList(prIDs), t, applyErr)
		p := &database.PendingPR{
			BranchKey:       key,
			UpstreamPRIDs:   prIDs,
			UpstreamAuthors: authors,
			Action:          database.ActionBlocked,
		}
		return s.blockPending(ctx, t.ForkOrg, t.Repo, t.UpstreamOrg, p, reasonPatchApply, blockDetails{
			transcript: applyErr.Output,
			commands:   applyErr.Commands,
		})
	}

	var replacedPR *int
	if replaced != nil {
		replacedPR = replaced.PRID
	}
	prID, err := s.host.CreatePR(
		ctx, t.ForkOrg, t.Repo, workBranch, t.ForkBranch,
		syncPRTitle(t.UpstreamOrg, t.Repo, prIDs),
		syncPRBody(t.UpstreamOrg, t.Repo, prIDs, replacedPR),
	)
	if err != nil {
		return err
	}
	if err := s.host.AddLabels(ctx, t.ForkOrg, t.Repo, prID, t.Labels); err != nil {
		// Labels are decoration; the sync must go on.
		s.log.Errorf("unable to label the sync PR #%v of %v: %v", prID, t, err)
	}

	p := &database.PendingPR{
		BranchKey:       key,
		UpstreamPRIDs:   prIDs,
		UpstreamAuthors: authors,
		Action:          database.ActionCreated,
		PRID:            &prID,
	}
	if err := s.db.SetPendingPR(p); err != nil {
		return err
	}
	s.log.Infof("created the sync PR #%v on %v for %v", prID, t, prRefList(prIDs))

	// A branch with no required checks never gets a CI webhook, so the
	// reactor would wait forever. Merge right away.
	required, err := s.host.RequiredChecks(ctx, t.ForkOrg, t.Repo, t.ForkBranch)
	if err != nil {
		return err
	}
	if len(required) == 0 {
		pr, err := s.host.GetPR(ctx, t.ForkOrg, t.Repo, prID)
		if err != nil {
			return err
		}
		merged, err := s.mergeSyncPR(ctx, t.ForkOrg, t.Repo, t.UpstreamOrg, p, pr.HeadSHA)
		if err != nil || !merged {
			return err
		}
		// There is no CI webhook coming for this branch, so the terminal
		// transition happens here instead of in the reactor.
		if err := s.db.SetLastHandledPR(key, lastUpstreamPR(p)); err != nil {
			return err
		}
		return s.db.DeletePendingPR(key)
	}
	return nil
}

// closePR closes the fork sync PR with a superseded comment. Returns false
// without modifying anything when the PR is already closed.
func (s *Syncer) closePR(ctx context.Context, org, repo string, prID int, replacementIDs []int) (bool, error) {
	pr, err := s.host.GetPR(ctx, org, repo, prID)
	if err != nil {
		return false, err
	}
	if pr.State == "closed" {
		return false, nil
	}

	if err := s.host.CreateComment(ctx, org, repo, prID, supersededComment(replacementIDs)); err != nil {
		return false, err
	}
	if err := s.host.UpdatePRState(ctx, org, repo, prID, "closed"); err != nil {
		return false, err
	}
	return true, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
