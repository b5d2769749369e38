// Copyright (c) Red Hat, Inc.
// Licensed under the Apache License 2.0.

package mirror

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stolostron/magic-mirror/config"
	"github.com/stolostron/magic-mirror/database"
	"github.com/stolostron/magic-mirror/ghclient"
	"github.com/stolostron/magic-mirror/logging"
	"github.com/stolostron/magic-mirror/workspace"
)

const (
	testForkOrg     = "stolostron"
	testUpstreamOrg = "kubernetes"
	testRepo        = "widget"
	testForkBranch  = "release-2.5"
)

func repoKey(org, repo string) string { return org + "/" + repo }

func prKey(org, repo string, n int) string { return fmt.Sprintf("%v/%v#%v", org, repo, n) }

func refKey(org, repo, ref string) string { return fmt.Sprintf("%v/%v@%v", org, repo, ref) }

func branchKey(org, repo, branch string) string { return fmt.Sprintf("%v/%v@%v", org, repo, branch) }

type fakeIssue struct {
	Org, Repo, Title, Body string
	Number                 int
}

type fakePR struct {
	Org, Repo, Head, Base, Title, Body string
	Number                             int
}

// fakeHost is an in-memory HostClient for engine tests.
type fakeHost struct {
	installations []ghclient.Installation
	installRepos  map[int64][]string
	orgRepos      map[string][]string
	mergedPRs     map[string][]ghclient.PullRequest
	prs           map[string]*ghclient.PullRequest
	prsWithCommit map[string][]int
	checkRuns     map[string][]ghclient.CheckRun
	statuses      map[string][]ghclient.CommitStatus
	required      map[string][]string

	nextIssue int
	nextPR    int

	createdIssues []fakeIssue
	createdPRs    []fakePR
	comments      map[string][]string
	labels        map[string][]string
	merged        []int
	mergeErr      error
}

var _ ghclient.HostClient = (*fakeHost)(nil)

func newFakeHost() *fakeHost {
	return &fakeHost{
		installations: []ghclient.Installation{{ID: 1, Org: testForkOrg}},
		installRepos:  map[int64][]string{1: {testRepo}},
		orgRepos:      map[string][]string{testUpstreamOrg: {testRepo}},
		mergedPRs:     make(map[string][]ghclient.PullRequest),
		prs:           make(map[string]*ghclient.PullRequest),
		prsWithCommit: make(map[string][]int),
		checkRuns:     make(map[string][]ghclient.CheckRun),
		statuses:      make(map[string][]ghclient.CommitStatus),
		required:      make(map[string][]string),
		nextIssue:     7,
		nextPR:        100,
		comments:      make(map[string][]string),
		labels:        make(map[string][]string),
	}
}

// addMergedPR registers an upstream merged PR.
func (f *fakeHost) addMergedPR(org, repo string, number int, base, mergeSHA string, commits int, author string) {
	pr := ghclient.PullRequest{
		Number:         number,
		State:          "closed",
		Merged:         true,
		BaseRef:        base,
		MergeCommitSHA: mergeSHA,
		Commits:        commits,
		Author:         author,
	}
	key := repoKey(org, repo)
	f.mergedPRs[key] = append(f.mergedPRs[key], pr)
	stored := pr
	f.prs[prKey(org, repo, number)] = &stored
}

// addOpenPR registers a fork-side PR, e.g. a sync PR from a prior tick.
func (f *fakeHost) addOpenPR(org, repo string, number int, base, headSHA, body string) {
	f.prs[prKey(org, repo, number)] = &ghclient.PullRequest{
		Number:  number,
		State:   "open",
		BaseRef: base,
		HeadSHA: headSHA,
		Body:    body,
	}
}

func (f *fakeHost) ListAppInstallations(context.Context) ([]ghclient.Installation, error) {
	return f.installations, nil
}

func (f *fakeHost) ListInstallationRepos(_ context.Context, installationID int64) ([]string, error) {
	return f.installRepos[installationID], nil
}

func (f *fakeHost) ListOrgRepos(_ context.Context, org string) ([]string, error) {
	return f.orgRepos[org], nil
}

func (f *fakeHost) LatestMergedPR(_ context.Context, org, repo string) (int, error) {
	latest := 0
	for _, pr := range f.mergedPRs[repoKey(org, repo)] {
		if pr.Number > latest {
			latest = pr.Number
		}
	}
	return latest, nil
}

func (f *fakeHost) ListMergedPRsAfter(_ context.Context, org, repo string, afterID int) ([]ghclient.PullRequest, error) {
	var result []ghclient.PullRequest
	for _, pr := range f.mergedPRs[repoKey(org, repo)] {
		if pr.Number > afterID {
			result = append(result, pr)
		}
	}
	return result, nil
}

func (f *fakeHost) GetPR(_ context.Context, org, repo string, number int) (*ghclient.PullRequest, error) {
	pr, ok := f.prs[prKey(org, repo, number)]
	if !ok {
		return nil, fmt.Errorf("no such PR %v", prKey(org, repo, number))
	}
	copied := *pr
	return &copied, nil
}

func (f *fakeHost) ListPRsWithCommit(_ context.Context, _, _ string, sha string) ([]int, error) {
	return f.prsWithCommit[sha], nil
}

func (f *fakeHost) ListCheckRuns(_ context.Context, org, repo, ref string) ([]ghclient.CheckRun, error) {
	return f.checkRuns[refKey(org, repo, ref)], nil
}

func (f *fakeHost) ListCommitStatuses(_ context.Context, org, repo, ref string) ([]ghclient.CommitStatus, error) {
	return f.statuses[refKey(org, repo, ref)], nil
}

func (f *fakeHost) RequiredChecks(_ context.Context, org, repo, branch string) ([]string, error) {
	return f.required[branchKey(org, repo, branch)], nil
}

func (f *fakeHost) CreateIssue(_ context.Context, org, repo, title, body string) (int, error) {
	number := f.nextIssue
	f.nextIssue++
	f.createdIssues = append(f.createdIssues, fakeIssue{
		Org: org, Repo: repo, Title: title, Body: body, Number: number,
	})
	return number, nil
}

func (f *fakeHost) CreatePR(_ context.Context, org, repo, head, base, title, body string) (int, error) {
	number := f.nextPR
	f.nextPR++
	f.createdPRs = append(f.createdPRs, fakePR{
		Org: org, Repo: repo, Head: head, Base: base, Title: title, Body: body, Number: number,
	})
	f.prs[prKey(org, repo, number)] = &ghclient.PullRequest{
		Number:  number,
		State:   "open",
		BaseRef: base,
		HeadSHA: fmt.Sprintf("head-%v", number),
		Body:    body,
	}
	return number, nil
}

func (f *fakeHost) UpdatePRState(_ context.Context, org, repo string, number int, state string) error {
	pr, ok := f.prs[prKey(org, repo, number)]
	if !ok {
		return fmt.Errorf("no such PR %v", prKey(org, repo, number))
	}
	pr.State = state
	return nil
}

func (f *fakeHost) UpdatePRBody(_ context.Context, org, repo string, number int, body string) error {
	pr, ok := f.prs[prKey(org, repo, number)]
	if !ok {
		return fmt.Errorf("no such PR %v", prKey(org, repo, number))
	}
	pr.Body = body
	return nil
}

func (f *fakeHost) AddLabels(_ context.Context, org, repo string, number int, labels []string) error {
	key := prKey(org, repo, number)
	f.labels[key] = append(f.labels[key], labels...)
	return nil
}

func (f *fakeHost) CreateComment(_ context.Context, org, repo string, number int, body string) error {
	key := prKey(org, repo, number)
	f.comments[key] = append(f.comments[key], body)
	return nil
}

func (f *fakeHost) MergePR(_ context.Context, org, repo string, number int, _ string) error {
	if f.mergeErr != nil {
		return f.mergeErr
	}
	f.merged = append(f.merged, number)
	if pr, ok := f.prs[prKey(org, repo, number)]; ok {
		pr.State = "closed"
	}
	return nil
}

func (f *fakeHost) InstallationToken(context.Context, string) (string, error) {
	return "test-token", nil
}

type applyCall struct {
	ForkRemote, UpstreamRemote, SourceBranch, TargetBranch string
	Patches                                                []workspace.Patch
}

// fakeApplier records cherry-pick requests instead of shelling out to git.
type fakeApplier struct {
	calls []applyCall
	err   error
}

var _ workspace.Applier = (*fakeApplier)(nil)

func (f *fakeApplier) ApplyPatches(
	_ context.Context, forkRemote, upstreamRemote, sourceBranch, targetBranch string, patches []workspace.Patch,
) error {
	f.calls = append(f.calls, applyCall{
		ForkRemote:     forkRemote,
		UpstreamRemote: upstreamRemote,
		SourceBranch:   sourceBranch,
		TargetBranch:   targetBranch,
		Patches:        patches,
	})
	return f.err
}

// fixture wires a Syncer and a Reactor over the same temp database and fakes.
type fixture struct {
	db      *database.DB
	host    *fakeHost
	applier *fakeApplier
	syncer  *Syncer
	reactor *Reactor
	key     database.BranchKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "magic-mirror.db"))
	if err != nil {
		t.Fatalf("unable to open the test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		AppID:        1,
		SyncInterval: config.DefaultSyncInterval,
		UpstreamMappings: map[string]map[string]config.OrgMapping{
			testForkOrg: {
				testUpstreamOrg: {
					BranchMappings: map[string]string{"main": testForkBranch},
					PRLabels:       []string{"sync"},
				},
			},
		},
	}

	host := newFakeHost()
	applier := &fakeApplier{}
	log := logging.New(logging.Error)

	forkRepo, err := db.GetOrCreateRepo(testForkOrg, testRepo)
	if err != nil {
		t.Fatal(err)
	}
	upstreamRepo, err := db.GetOrCreateRepo(testUpstreamOrg, testRepo)
	if err != nil {
		t.Fatal(err)
	}

	return &fixture{
		db:      db,
		host:    host,
		applier: applier,
		syncer:  NewSyncer(cfg, db, host, applier, log),
		reactor: NewReactor(db, host, log),
		key: database.BranchKey{
			ForkRepoID:     forkRepo.ID,
			UpstreamRepoID: upstreamRepo.ID,
			ForkBranch:     testForkBranch,
		},
	}
}

func (f *fixture) setCursor(t *testing.T, id int) {
	t.Helper()
	if err := f.db.SetLastHandledPR(f.key, id); err != nil {
		t.Fatal(err)
	}
}

func (f *fixture) cursor(t *testing.T) int {
	t.Helper()
	cursor, err := f.db.GetLastHandledPR(f.key)
	if err != nil {
		t.Fatal(err)
	}
	if cursor == nil {
		t.Fatal("the branch cursor is not set")
	}
	return *cursor
}

func (f *fixture) pending(t *testing.T) *database.PendingPR {
	t.Helper()
	pending, err := f.db.GetPendingPR(f.key)
	if err != nil {
		t.Fatal(err)
	}
	return pending
}

func (f *fixture) setPending(t *testing.T, p *database.PendingPR) {
	t.Helper()
	p.BranchKey = f.key
	if err := f.db.SetPendingPR(p); err != nil {
		t.Fatal(err)
	}
}

func intPtr(i int) *int { return &i }
