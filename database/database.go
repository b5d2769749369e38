// Copyright (c) Red Hat, Inc.
// Licensed under the Apache License 2.0.

// Package database is the durable state shared by the syncer and the webhook
// receiver. It stores repo identities, the last handled upstream PR per
// (fork repo, upstream repo, fork branch) tuple, and at most one pending sync
// PR per tuple.
//
// The store is the only mutable resource the two processes share. SQLite
// serializes the writes; cross-process coordination relies on the tuple
// uniqueness indices, so the later writer either observes the earlier row or
// fails its uniqueness check.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/stolostron/magic-mirror/stringutil"
)

// AuthorNotApplicable is the sentinel stored when an upstream PR author is
// unknown. Rows written before the upstream_authors column existed carry it
// for every PR in the row.
const AuthorNotApplicable = "not-applicable"

// Action is the state of a PendingPR.
type Action string

const (
	// ActionCreated means a sync PR is open on the fork and CI is being
	// watched.
	ActionCreated Action = "Created"
	// ActionBlocked means syncing the branch is paused until a human closes
	// the tracking issue.
	ActionBlocked Action = "Blocked"
)

// Repo is a stored repository identity. Created on first reference, never
// deleted.
type Repo struct {
	ID           int64
	Organization string
	Name         string
}

// BranchKey identifies the (fork repo, upstream repo, fork branch) tuple that
// the engine coordinates on.
type BranchKey struct {
	ForkRepoID     int64
	UpstreamRepoID int64
	ForkBranch     string
}

// PendingPR encodes the in-flight sync work for one tuple.
type PendingPR struct {
	BranchKey

	// UpstreamPRIDs is the ascending list of upstream PR numbers whose
	// commits this attempt propagates.
	UpstreamPRIDs []int
	// UpstreamAuthors is aligned with UpstreamPRIDs. AuthorNotApplicable
	// when the author is unknown.
	UpstreamAuthors []string
	Action          Action
	// PRID is the fork-side PR number. Nil when the PR could not be opened.
	PRID *int
	// GitHubIssue is the fork-side tracking issue number. Set only on
	// failure paths.
	GitHubIssue *int
}

// DB wraps the SQLite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Open opens (creating if needed) the database at dbPath, enables referential
// integrity, and applies any pending schema migrations.
func Open(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("unable to open the database at %q: %w", dbPath, err)
	}
	// The syncer and the webhook receiver are each single writers, but they
	// write concurrently with one another. A single connection per process
	// keeps SQLite's locking behavior predictable.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, path: dbPath}
	if err := db.runMigrations(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// GetOrCreateRepo returns the stored identity for (organization, name),
// inserting it first if this is the first reference. The insert and the
// lookup are separate statements because an ignored conflicting insert does
// not report a usable last-insert id.
func (db *DB) GetOrCreateRepo(organization, name string) (*Repo, error) {
	_, err := db.conn.Exec(
		"INSERT OR IGNORE INTO repos (organization, name) VALUES (?, ?)", organization, name,
	)
	if err != nil {
		return nil, fmt.Errorf("unable to store the repo %v/%v: %w", organization, name, err)
	}

	repo := Repo{Organization: organization, Name: name}
	err = db.conn.QueryRow(
		"SELECT id FROM repos WHERE organization = ? AND name = ?", organization, name,
	).Scan(&repo.ID)
	if err != nil {
		return nil, fmt.Errorf("unable to load the repo %v/%v: %w", organization, name, err)
	}
	return &repo, nil
}

// GetRepoByID returns the stored repo with the given surrogate id, or nil if
// it doesn't exist.
func (db *DB) GetRepoByID(id int64) (*Repo, error) {
	repo := Repo{ID: id}
	err := db.conn.QueryRow(
		"SELECT organization, name FROM repos WHERE id = ?", id,
	).Scan(&repo.Organization, &repo.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to load the repo with id %v: %w", id, err)
	}
	return &repo, nil
}

// GetLastHandledPR returns the branch cursor for the tuple, or nil if the
// tuple has never been observed.
func (db *DB) GetLastHandledPR(key BranchKey) (*int, error) {
	var last int
	err := db.conn.QueryRow(
		`SELECT last_handled_pr FROM branch_cursors
		 WHERE fork_repo_id = ? AND upstream_repo_id = ? AND fork_branch = ?`,
		key.ForkRepoID, key.UpstreamRepoID, key.ForkBranch,
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to load the branch cursor for %v: %w", key, err)
	}
	return &last, nil
}

// SetLastHandledPR upserts the branch cursor for the tuple. The cursor is
// monotonic: a lower value never overwrites a higher one.
func (db *DB) SetLastHandledPR(key BranchKey, prID int) error {
	_, err := db.conn.Exec(
		`INSERT INTO branch_cursors (fork_repo_id, upstream_repo_id, fork_branch, last_handled_pr)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (fork_repo_id, upstream_repo_id, fork_branch)
		 DO UPDATE SET last_handled_pr = MAX(last_handled_pr, excluded.last_handled_pr)`,
		key.ForkRepoID, key.UpstreamRepoID, key.ForkBranch, prID,
	)
	if err != nil {
		return fmt.Errorf("unable to set the branch cursor for %v to %v: %w", key, prID, err)
	}
	return nil
}

// GetPendingPR returns the pending PR for the tuple, or nil if the tuple has
// no in-flight work.
func (db *DB) GetPendingPR(key BranchKey) (*PendingPR, error) {
	return db.scanPendingPR(db.conn.QueryRow(
		pendingPRSelect+" WHERE fork_repo_id = ? AND upstream_repo_id = ? AND fork_branch = ?",
		key.ForkRepoID, key.UpstreamRepoID, key.ForkBranch,
	))
}

// GetPendingPRByIssue returns the pending PR on the fork repo whose tracking
// issue is the given issue number, or nil.
func (db *DB) GetPendingPRByIssue(forkRepoID int64, issue int) (*PendingPR, error) {
	return db.scanPendingPR(db.conn.QueryRow(
		pendingPRSelect+" WHERE fork_repo_id = ? AND github_issue = ?", forkRepoID, issue,
	))
}

// GetPendingPRByPRID returns the pending PR on the fork repo whose fork-side
// PR is the given PR number, or nil.
func (db *DB) GetPendingPRByPRID(forkRepoID int64, prID int) (*PendingPR, error) {
	return db.scanPendingPR(db.conn.QueryRow(
		pendingPRSelect+" WHERE fork_repo_id = ? AND pr_id = ?", forkRepoID, prID,
	))
}

// SetPendingPR upserts the pending PR for its tuple.
func (db *DB) SetPendingPR(p *PendingPR) error {
	if err := p.check(); err != nil {
		return err
	}
	_, err := db.conn.Exec(
		`INSERT INTO pending_prs
		   (fork_repo_id, upstream_repo_id, fork_branch, upstream_pr_ids, upstream_authors, action, pr_id, github_issue)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (fork_repo_id, upstream_repo_id, fork_branch)
		 DO UPDATE SET
		   upstream_pr_ids = excluded.upstream_pr_ids,
		   upstream_authors = excluded.upstream_authors,
		   action = excluded.action,
		   pr_id = excluded.pr_id,
		   github_issue = excluded.github_issue`,
		p.ForkRepoID, p.UpstreamRepoID, p.ForkBranch,
		stringutil.JoinInts(p.UpstreamPRIDs), strings.Join(p.authorsOrSentinel(), ","),
		string(p.Action), p.PRID, p.GitHubIssue,
	)
	if err != nil {
		return fmt.Errorf("unable to store the pending PR for %v: %w", p.BranchKey, err)
	}
	return nil
}

// DeletePendingPR removes the pending PR for the tuple, if any.
func (db *DB) DeletePendingPR(key BranchKey) error {
	_, err := db.conn.Exec(
		"DELETE FROM pending_prs WHERE fork_repo_id = ? AND upstream_repo_id = ? AND fork_branch = ?",
		key.ForkRepoID, key.UpstreamRepoID, key.ForkBranch,
	)
	if err != nil {
		return fmt.Errorf("unable to delete the pending PR for %v: %w", key, err)
	}
	return nil
}

const pendingPRSelect = `SELECT fork_repo_id, upstream_repo_id, fork_branch,
    upstream_pr_ids, upstream_authors, action, pr_id, github_issue FROM pending_prs`

func (db *DB) scanPendingPR(row *sql.Row) (*PendingPR, error) {
	var p PendingPR
	var ids, authors, action string
	var prID, issue sql.NullInt64
	err := row.Scan(
		&p.ForkRepoID, &p.UpstreamRepoID, &p.ForkBranch, &ids, &authors, &action, &prID, &issue,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("unable to load the pending PR: %w", err)
	}

	p.UpstreamPRIDs, err = stringutil.SplitInts(ids)
	if err != nil {
		return nil, fmt.Errorf("the pending PR row for %v is corrupt: %w", p.BranchKey, err)
	}
	p.UpstreamAuthors = strings.Split(authors, ",")
	// Rows written before the upstream_authors column existed hold the single
	// backfill sentinel. Expand it to align with the PR list.
	if len(p.UpstreamAuthors) != len(p.UpstreamPRIDs) {
		p.UpstreamAuthors = make([]string, len(p.UpstreamPRIDs))
		for i := range p.UpstreamAuthors {
			p.UpstreamAuthors[i] = AuthorNotApplicable
		}
	}
	p.Action = Action(action)
	if prID.Valid {
		v := int(prID.Int64)
		p.PRID = &v
	}
	if issue.Valid {
		v := int(issue.Int64)
		p.GitHubIssue = &v
	}
	return &p, nil
}

// check enforces the row invariants that SQLite cannot express.
func (p *PendingPR) check() error {
	if len(p.UpstreamPRIDs) == 0 {
		return fmt.Errorf("a pending PR for %v must reference at least one upstream PR", p.BranchKey)
	}
	for i := 1; i < len(p.UpstreamPRIDs); i++ {
		if p.UpstreamPRIDs[i] <= p.UpstreamPRIDs[i-1] {
			return fmt.Errorf(
				"the upstream PRs for %v must be strictly ascending, got %v", p.BranchKey, p.UpstreamPRIDs,
			)
		}
	}
	switch p.Action {
	case ActionCreated:
		if p.PRID == nil {
			return fmt.Errorf("a created pending PR for %v must have a fork PR number", p.BranchKey)
		}
	case ActionBlocked:
		if p.GitHubIssue == nil {
			return fmt.Errorf("a blocked pending PR for %v must have a tracking issue", p.BranchKey)
		}
	default:
		return fmt.Errorf("unknown pending PR action %q for %v", p.Action, p.BranchKey)
	}
	return nil
}

func (p *PendingPR) authorsOrSentinel() []string {
	if len(p.UpstreamAuthors) == len(p.UpstreamPRIDs) {
		return p.UpstreamAuthors
	}
	authors := make([]string, len(p.UpstreamPRIDs))
	for i := range authors {
		authors[i] = AuthorNotApplicable
	}
	return authors
}
