// Copyright (c) Red Hat, Inc.
// Licensed under the Apache License 2.0.

// Package ghclient is the GitHub surface the sync engine depends on. The
// HostClient interface names exactly the capabilities the engine consumes;
// Client implements it over the GitHub REST API with GitHub App
// authentication, rate-limit-aware retries, and pagination.
package ghclient

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/go-github/v65/github"

	"github.com/stolostron/magic-mirror/logging"
)

// Errors that callers are expected to react to rather than just log.
var (
	// ErrHeadMismatch indicates the PR head is no longer the expected SHA.
	ErrHeadMismatch = errors.New("the PR head moved")
	// ErrMergeRejected indicates GitHub refused the merge, e.g. because the
	// merge method is forbidden or the PR is not mergeable.
	ErrMergeRejected = errors.New("GitHub rejected the merge")
	// ErrNoInstallation indicates the app has no installation that can act
	// on the requested organization.
	ErrNoInstallation = errors.New("no GitHub App installation available")
)

// Installation is one place the GitHub App is installed.
type Installation struct {
	ID  int64
	Org string
}

// PullRequest carries the only pull-request fields the engine reads.
type PullRequest struct {
	Number         int
	State          string
	Merged         bool
	MergedAt       time.Time
	BaseRef        string
	HeadSHA        string
	MergeCommitSHA string
	Commits        int
	Author         string
	Body           string
}

// CheckRun is one check-run result on a commit.
type CheckRun struct {
	Name       string
	Status     string
	Conclusion string
}

// CommitStatus is one commit status on a commit.
type CommitStatus struct {
	Context string
	State   string
}

// HostClient is the hosting-platform capability set the sync engine consumes.
// Methods that list return everything (pagination is the implementation's
// concern). Methods taking an org authenticate with that org's installation
// when one exists, falling back to any installation for public reads.
type HostClient interface {
	ListAppInstallations(ctx context.Context) ([]Installation, error)
	ListInstallationRepos(ctx context.Context, installationID int64) ([]string, error)
	ListOrgRepos(ctx context.Context, org string) ([]string, error)

	// LatestMergedPR returns the most recently merged PR number in the repo
	// on any branch, or 0 when the repo has no merged PR.
	LatestMergedPR(ctx context.Context, org, repo string) (int, error)
	// ListMergedPRsAfter returns the merged PRs with numbers greater than
	// afterID, in ascending number order.
	ListMergedPRsAfter(ctx context.Context, org, repo string, afterID int) ([]PullRequest, error)
	GetPR(ctx context.Context, org, repo string, number int) (*PullRequest, error)
	ListPRsWithCommit(ctx context.Context, org, repo, sha string) ([]int, error)

	ListCheckRuns(ctx context.Context, org, repo, ref string) ([]CheckRun, error)
	ListCommitStatuses(ctx context.Context, org, repo, ref string) ([]CommitStatus, error)
	// RequiredChecks returns the check names the branch's protection rule
	// requires, or an empty list when the branch is unprotected.
	RequiredChecks(ctx context.Context, org, repo, branch string) ([]string, error)

	CreateIssue(ctx context.Context, org, repo, title, body string) (int, error)
	CreatePR(ctx context.Context, org, repo, head, base, title, body string) (int, error)
	UpdatePRState(ctx context.Context, org, repo string, number int, state string) error
	UpdatePRBody(ctx context.Context, org, repo string, number int, body string) error
	AddLabels(ctx context.Context, org, repo string, number int, labels []string) error
	CreateComment(ctx context.Context, org, repo string, number int, body string) error
	// MergePR rebase-merges the PR, aborting if the head is no longer
	// expectedHeadSHA. Rejections are reported as ErrMergeRejected.
	MergePR(ctx context.Context, org, repo string, number int, expectedHeadSHA string) error

	// InstallationToken returns a short-lived token that can act on the
	// org's repos, for embedding in Git remote URLs.
	InstallationToken(ctx context.Context, org string) (string, error)
}

// Client implements HostClient against github.com.
type Client struct {
	appID      int64
	privateKey *rsa.PrivateKey
	log        *logging.Logger

	tokenCache *tokenCache

	mu            sync.Mutex
	installations []Installation
	orgClients    map[string]orgClient
}

type orgClient struct {
	client    *github.Client
	expiresAt time.Time
}

var _ HostClient = (*Client)(nil)

// New creates a Client for the GitHub App identified by appID and its PEM
// signing key.
func New(appID int64, privateKeyPEM []byte, log *logging.Logger) (*Client, error) {
	if appID == 0 {
		return nil, errors.New("no GitHub App ID specified")
	}
	key, err := ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	return &Client{
		appID:      appID,
		privateKey: key,
		log:        log,
		tokenCache: newTokenCache(),
		orgClients: make(map[string]orgClient),
	}, nil
}

const (
	retryAttempts           = 5
	maxRateLimitResetWait   = 15 * time.Minute
	rateLimitResetWaitSlack = 5 * time.Second
	perPage                 = 100
)

// retry runs f up to retryAttempts times. Handles GitHub rate limit exceeded
// errors by waiting, if the reset will happen reasonably soon. Client errors
// other than rate limits are not retried; the server's answer won't change.
func (c *Client) retry(f func() error) error {
	var err error
	for i := 0; i < retryAttempts; i++ {
		if err = f(); err == nil {
			return nil
		}

		var rateErr *github.RateLimitError
		if errors.As(err, &rateErr) {
			resetDuration := time.Until(rateErr.Rate.Reset.Time)
			if resetDuration > maxRateLimitResetWait {
				c.log.Errorf("rate limit reset at %v is too far away to wait, aborting", rateErr.Rate.Reset)
				return err
			}
			wait := resetDuration + rateLimitResetWaitSlack
			c.log.Infof("rate limit exceeded, waiting %v before the next retry", wait)
			time.Sleep(wait)
			continue
		}

		var errResp *github.ErrorResponse
		if errors.As(err, &errResp) && errResp.Response.StatusCode < http.StatusInternalServerError {
			return err
		}

		c.log.Debugf("attempt %v/%v failed: %v", i+1, retryAttempts, err)
	}
	return err
}

// eachPage fetches all pages of a paginated GitHub API call. f must pass the
// options through to the API call and return the GitHub response.
func eachPage(f func(options github.ListOptions) (*github.Response, error)) error {
	options := github.ListOptions{PerPage: perPage}
	for {
		resp, err := f(options)
		if err != nil {
			return err
		}
		if resp == nil || resp.NextPage == 0 {
			return nil
		}
		options.Page = resp.NextPage
	}
}

// ListAppInstallations lists everywhere the app is installed.
func (c *Client) ListAppInstallations(ctx context.Context) ([]Installation, error) {
	var installations []Installation
	err := c.retry(func() error {
		appClient, err := c.appClient(ctx)
		if err != nil {
			return err
		}
		installations = installations[:0]
		return eachPage(func(options github.ListOptions) (*github.Response, error) {
			page, resp, err := appClient.Apps.ListInstallations(ctx, &options)
			if err != nil {
				return resp, err
			}
			for _, installation := range page {
				installations = append(installations, Installation{
					ID:  installation.GetID(),
					Org: installation.GetAccount().GetLogin(),
				})
			}
			return resp, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list the app installations: %w", err)
	}

	c.mu.Lock()
	c.installations = installations
	c.mu.Unlock()
	return installations, nil
}

// clientFor returns a GitHub client that can act on the org. Orgs without an
// installation get another installation's client, which suffices for reading
// public repos.
func (c *Client) clientFor(ctx context.Context, org string) (*github.Client, error) {
	c.mu.Lock()
	if cached, ok := c.orgClients[org]; ok && time.Until(cached.expiresAt) >= tokenExpirySlack {
		c.mu.Unlock()
		return cached.client, nil
	}
	installations := c.installations
	c.mu.Unlock()

	if installations == nil {
		var err error
		if installations, err = c.ListAppInstallations(ctx); err != nil {
			return nil, err
		}
	}
	if len(installations) == 0 {
		return nil, ErrNoInstallation
	}

	installation := installations[0]
	for _, candidate := range installations {
		if candidate.Org == org {
			installation = candidate
			break
		}
	}

	token, err := c.installationToken(ctx, installation.ID)
	if err != nil {
		return nil, err
	}
	client := tokenGitHubClient(ctx, token)

	c.mu.Lock()
	c.orgClients[org] = orgClient{client: client, expiresAt: time.Now().Add(55 * time.Minute)}
	c.mu.Unlock()
	return client, nil
}

// InstallationToken returns a short-lived token for the org's installation.
func (c *Client) InstallationToken(ctx context.Context, org string) (string, error) {
	c.mu.Lock()
	installations := c.installations
	c.mu.Unlock()
	if installations == nil {
		var err error
		if installations, err = c.ListAppInstallations(ctx); err != nil {
			return "", err
		}
	}
	for _, installation := range installations {
		if installation.Org == org {
			return c.installationToken(ctx, installation.ID)
		}
	}
	return "", fmt.Errorf("%w: %v", ErrNoInstallation, org)
}

// ListInstallationRepos lists the repo names accessible to the installation.
func (c *Client) ListInstallationRepos(ctx context.Context, installationID int64) ([]string, error) {
	var names []string
	err := c.retry(func() error {
		token, err := c.installationToken(ctx, installationID)
		if err != nil {
			return err
		}
		client := tokenGitHubClient(ctx, token)
		names = names[:0]
		return eachPage(func(options github.ListOptions) (*github.Response, error) {
			page, resp, err := client.Apps.ListRepos(ctx, &options)
			if err != nil {
				return resp, err
			}
			for _, repo := range page.Repositories {
				names = append(names, repo.GetName())
			}
			return resp, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list the repos of installation %v: %w", installationID, err)
	}
	return names, nil
}

// ListOrgRepos lists the org's public repo names. When GitHub reports the org
// doesn't exist, the user repo listing is tried, so personal accounts work as
// upstreams too.
func (c *Client) ListOrgRepos(ctx context.Context, org string) ([]string, error) {
	client, err := c.clientFor(ctx, org)
	if err != nil {
		return nil, err
	}

	var names []string
	err = c.retry(func() error {
		names = names[:0]
		err := eachPage(func(options github.ListOptions) (*github.Response, error) {
			page, resp, err := client.Repositories.ListByOrg(ctx, org, &github.RepositoryListByOrgOptions{
				Type:        "public",
				ListOptions: options,
			})
			if err != nil {
				return resp, err
			}
			for _, repo := range page {
				names = append(names, repo.GetName())
			}
			return resp, nil
		})
		if isNotFound(err) {
			names = names[:0]
			err = eachPage(func(options github.ListOptions) (*github.Response, error) {
				page, resp, err := client.Repositories.ListByUser(ctx, org, &github.RepositoryListByUserOptions{
					Type:        "owner",
					ListOptions: options,
				})
				if err != nil {
					return resp, err
				}
				for _, repo := range page {
					names = append(names, repo.GetName())
				}
				return resp, nil
			})
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list the repos of %v: %w", org, err)
	}
	return names, nil
}

// LatestMergedPR returns the newest merged PR number in the repo, 0 if none.
func (c *Client) LatestMergedPR(ctx context.Context, org, repo string) (int, error) {
	client, err := c.clientFor(ctx, org)
	if err != nil {
		return 0, err
	}

	latest := 0
	err = c.retry(func() error {
		latest = 0
		opts := &github.PullRequestListOptions{
			State:       "closed",
			Sort:        "created",
			Direction:   "desc",
			ListOptions: github.ListOptions{PerPage: perPage},
		}
		for {
			page, resp, err := client.PullRequests.List(ctx, org, repo, opts)
			if err != nil {
				return err
			}
			for _, pr := range page {
				if pr.MergedAt != nil {
					latest = pr.GetNumber()
					return nil
				}
			}
			if resp.NextPage == 0 {
				return nil
			}
			opts.Page = resp.NextPage
		}
	})
	if err != nil {
		return 0, fmt.Errorf("unable to find the latest merged PR of %v/%v: %w", org, repo, err)
	}
	return latest, nil
}

// ListMergedPRsAfter returns the merged PRs with numbers above afterID in
// ascending order. The API lists newest first, so pages are consumed until a
// PR at or below the cursor appears, then the result is reversed.
func (c *Client) ListMergedPRsAfter(ctx context.Context, org, repo string, afterID int) ([]PullRequest, error) {
	client, err := c.clientFor(ctx, org)
	if err != nil {
		return nil, err
	}

	var descending []PullRequest
	err = c.retry(func() error {
		descending = descending[:0]
		opts := &github.PullRequestListOptions{
			State:       "closed",
			Sort:        "created",
			Direction:   "desc",
			ListOptions: github.ListOptions{PerPage: perPage},
		}
		for {
			page, resp, err := client.PullRequests.List(ctx, org, repo, opts)
			if err != nil {
				return err
			}
			for _, pr := range page {
				if pr.GetNumber() <= afterID {
					return nil
				}
				if pr.MergedAt == nil {
					continue
				}
				descending = append(descending, convertPR(pr))
			}
			if resp.NextPage == 0 {
				return nil
			}
			opts.Page = resp.NextPage
		}
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list the merged PRs of %v/%v after #%v: %w", org, repo, afterID, err)
	}

	ascending := make([]PullRequest, 0, len(descending))
	for i := len(descending) - 1; i >= 0; i-- {
		ascending = append(ascending, descending[i])
	}
	return ascending, nil
}

// GetPR fetches one PR.
func (c *Client) GetPR(ctx context.Context, org, repo string, number int) (*PullRequest, error) {
	client, err := c.clientFor(ctx, org)
	if err != nil {
		return nil, err
	}

	var pr *github.PullRequest
	err = c.retry(func() error {
		var err error
		pr, _, err = client.PullRequests.Get(ctx, org, repo, number)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("unable to get PR %v/%v#%v: %w", org, repo, number, err)
	}
	converted := convertPR(pr)
	return &converted, nil
}

// ListPRsWithCommit returns the numbers of the PRs that include the commit.
func (c *Client) ListPRsWithCommit(ctx context.Context, org, repo, sha string) ([]int, error) {
	client, err := c.clientFor(ctx, org)
	if err != nil {
		return nil, err
	}

	var numbers []int
	err = c.retry(func() error {
		numbers = numbers[:0]
		return eachPage(func(options github.ListOptions) (*github.Response, error) {
			page, resp, err := client.PullRequests.ListPullRequestsWithCommit(ctx, org, repo, sha, &options)
			if err != nil {
				return resp, err
			}
			for _, pr := range page {
				numbers = append(numbers, pr.GetNumber())
			}
			return resp, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list the PRs containing %v in %v/%v: %w", sha, org, repo, err)
	}
	return numbers, nil
}

// ListCheckRuns lists all check-runs on the ref.
func (c *Client) ListCheckRuns(ctx context.Context, org, repo, ref string) ([]CheckRun, error) {
	client, err := c.clientFor(ctx, org)
	if err != nil {
		return nil, err
	}

	var runs []CheckRun
	err = c.retry(func() error {
		runs = runs[:0]
		return eachPage(func(options github.ListOptions) (*github.Response, error) {
			page, resp, err := client.Checks.ListCheckRunsForRef(ctx, org, repo, ref, &github.ListCheckRunsOptions{
				ListOptions: options,
			})
			if err != nil {
				return resp, err
			}
			for _, run := range page.CheckRuns {
				runs = append(runs, CheckRun{
					Name:       run.GetName(),
					Status:     run.GetStatus(),
					Conclusion: run.GetConclusion(),
				})
			}
			return resp, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list the check runs on %v in %v/%v: %w", ref, org, repo, err)
	}
	return runs, nil
}

// ListCommitStatuses lists all commit statuses on the ref, newest first.
func (c *Client) ListCommitStatuses(ctx context.Context, org, repo, ref string) ([]CommitStatus, error) {
	client, err := c.clientFor(ctx, org)
	if err != nil {
		return nil, err
	}

	var statuses []CommitStatus
	err = c.retry(func() error {
		statuses = statuses[:0]
		return eachPage(func(options github.ListOptions) (*github.Response, error) {
			page, resp, err := client.Repositories.ListStatuses(ctx, org, repo, ref, &options)
			if err != nil {
				return resp, err
			}
			for _, status := range page {
				statuses = append(statuses, CommitStatus{
					Context: status.GetContext(),
					State:   status.GetState(),
				})
			}
			return resp, nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("unable to list the commit statuses on %v in %v/%v: %w", ref, org, repo, err)
	}
	return statuses, nil
}

// RequiredChecks returns the branch protection's required check names. An
// unprotected branch has none.
func (c *Client) RequiredChecks(ctx context.Context, org, repo, branch string) ([]string, error) {
	client, err := c.clientFor(ctx, org)
	if err != nil {
		return nil, err
	}

	var contexts []string
	err = c.retry(func() error {
		protection, _, err := client.Repositories.GetBranchProtection(ctx, org, repo, branch)
		if err != nil {
			return err
		}
		contexts = nil
		if required := protection.GetRequiredStatusChecks(); required != nil {
			if required.Contexts != nil {
				contexts = append(contexts, *required.Contexts...)
			}
			if required.Checks != nil {
				for _, check := range *required.Checks {
					contexts = append(contexts, check.Context)
				}
			}
		}
		return nil
	})
	if errors.Is(err, github.ErrBranchNotProtected) || isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to get the branch protection of %v on %v/%v: %w", branch, org, repo, err)
	}
	return contexts, nil
}

// CreateIssue opens an issue and returns its number.
func (c *Client) CreateIssue(ctx context.Context, org, repo, title, body string) (int, error) {
	client, err := c.clientFor(ctx, org)
	if err != nil {
		return 0, err
	}

	var number int
	err = c.retry(func() error {
		issue, _, err := client.Issues.Create(ctx, org, repo, &github.IssueRequest{
			Title: &title,
			Body:  &body,
		})
		if err != nil {
			return err
		}
		number = issue.GetNumber()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("unable to create an issue on %v/%v: %w", org, repo, err)
	}
	return number, nil
}

// CreatePR opens a PR from head into base and returns its number.
func (c *Client) CreatePR(ctx context.Context, org, repo, head, base, title, body string) (int, error) {
	client, err := c.clientFor(ctx, org)
	if err != nil {
		return 0, err
	}

	var number int
	err = c.retry(func() error {
		pr, _, err := client.PullRequests.Create(ctx, org, repo, &github.NewPullRequest{
			Title: &title,
			Head:  &head,
			Base:  &base,
			Body:  &body,
		})
		if err != nil {
			return err
		}
		number = pr.GetNumber()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("unable to create a PR on %v/%v from %v: %w", org, repo, head, err)
	}
	return number, nil
}

// UpdatePRState patches the PR state ("open" or "closed").
func (c *Client) UpdatePRState(ctx context.Context, org, repo string, number int, state string) error {
	return c.editPR(ctx, org, repo, number, &github.PullRequest{State: &state})
}

// UpdatePRBody patches the PR body.
func (c *Client) UpdatePRBody(ctx context.Context, org, repo string, number int, body string) error {
	return c.editPR(ctx, org, repo, number, &github.PullRequest{Body: &body})
}

func (c *Client) editPR(ctx context.Context, org, repo string, number int, patch *github.PullRequest) error {
	client, err := c.clientFor(ctx, org)
	if err != nil {
		return err
	}

	err = c.retry(func() error {
		_, _, err := client.PullRequests.Edit(ctx, org, repo, number, patch)
		return err
	})
	if err != nil {
		return fmt.Errorf("unable to update PR %v/%v#%v: %w", org, repo, number, err)
	}
	return nil
}

// AddLabels adds labels to the PR (or issue).
func (c *Client) AddLabels(ctx context.Context, org, repo string, number int, labels []string) error {
	if len(labels) == 0 {
		return nil
	}
	client, err := c.clientFor(ctx, org)
	if err != nil {
		return err
	}

	err = c.retry(func() error {
		_, _, err := client.Issues.AddLabelsToIssue(ctx, org, repo, number, labels)
		return err
	})
	if err != nil {
		return fmt.Errorf("unable to label %v/%v#%v: %w", org, repo, number, err)
	}
	return nil
}

// CreateComment comments on the PR (or issue).
func (c *Client) CreateComment(ctx context.Context, org, repo string, number int, body string) error {
	client, err := c.clientFor(ctx, org)
	if err != nil {
		return err
	}

	err = c.retry(func() error {
		_, _, err := client.Issues.CreateComment(ctx, org, repo, number, &github.IssueComment{Body: &body})
		return err
	})
	if err != nil {
		return fmt.Errorf("unable to comment on %v/%v#%v: %w", org, repo, number, err)
	}
	return nil
}

// MergePR rebase-merges the PR if its head is still expectedHeadSHA.
func (c *Client) MergePR(ctx context.Context, org, repo string, number int, expectedHeadSHA string) error {
	client, err := c.clientFor(ctx, org)
	if err != nil {
		return err
	}

	_, _, err = client.PullRequests.Merge(ctx, org, repo, number, "", &github.PullRequestOptions{
		MergeMethod: "rebase",
		SHA:         expectedHeadSHA,
	})
	if err != nil {
		var errResp *github.ErrorResponse
		if errors.As(err, &errResp) {
			switch errResp.Response.StatusCode {
			case http.StatusConflict:
				return fmt.Errorf("%w: %v/%v#%v: %v", ErrHeadMismatch, org, repo, number, err)
			case http.StatusMethodNotAllowed, http.StatusUnprocessableEntity:
				return fmt.Errorf("%w: %v/%v#%v: %v", ErrMergeRejected, org, repo, number, err)
			}
		}
		return fmt.Errorf("unable to merge PR %v/%v#%v: %w", org, repo, number, err)
	}
	return nil
}

func convertPR(pr *github.PullRequest) PullRequest {
	converted := PullRequest{
		Number:         pr.GetNumber(),
		State:          pr.GetState(),
		Merged:         pr.MergedAt != nil,
		BaseRef:        pr.GetBase().GetRef(),
		HeadSHA:        pr.GetHead().GetSHA(),
		MergeCommitSHA: pr.GetMergeCommitSHA(),
		Commits:        pr.GetCommits(),
		Author:         pr.GetUser().GetLogin(),
		Body:           pr.GetBody(),
	}
	if pr.MergedAt != nil {
		converted.MergedAt = pr.MergedAt.Time
	}
	return converted
}

func isNotFound(err error) bool {
	var errResp *github.ErrorResponse
	return errors.As(err, &errResp) && errResp.Response.StatusCode == http.StatusNotFound
}
