// Copyright (c) Red Hat, Inc.
// Licensed under the Apache License 2.0.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/stolostron/magic-mirror/config"
	"github.com/stolostron/magic-mirror/database"
	"github.com/stolostron/magic-mirror/ghclient"
	"github.com/stolostron/magic-mirror/logging"
	"github.com/stolostron/magic-mirror/mirror"
	"github.com/stolostron/magic-mirror/subcmd"
	"github.com/stolostron/magic-mirror/webhook"
	"github.com/stolostron/magic-mirror/workspace"
)

const description = `
magic-mirror keeps fork repositories aligned with their upstreams. Whenever an
upstream pull-request is merged, its commits are cherry-picked onto the mapped
fork branch through a sync PR that is auto-merged once the required CI passes.
Failures pause the branch behind a tracking issue until a human closes it.

The syncer and webhook subcommands are the two long-running processes of a
deployment; they share the configured database.
`

func main() {
	err := subcmd.Run("magic-mirror", description, []subcmd.Option{
		syncerCmd{},
		webhookCmd{},
		syncOnceCmd{},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// configFlag binds the shared -config flag.
func configFlag() *string {
	return flag.String("config", "", "Path to the config file. Defaults to ./config.json, then /etc/magic-mirror/config.json.")
}

// app is the wiring every subcommand shares.
type app struct {
	cfg  *config.Config
	log  *logging.Logger
	db   *database.DB
	host *ghclient.Client
}

func setup(configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	log := logging.New(level)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	host, err := ghclient.New(cfg.AppID, cfg.PrivateKey, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &app{cfg: cfg, log: log, db: db, host: host}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

type syncerCmd struct{}

func (syncerCmd) Name() string    { return "syncer" }
func (syncerCmd) Summary() string { return "Run the polling sync loop." }
func (syncerCmd) Description() string {
	return `

On every tick, each configured (fork, upstream, branch) mapping is checked for
newly merged upstream PRs and driven one step: open a sync PR, merge it when
the branch has no required checks, or pause behind a tracking issue.
`
}

func (syncerCmd) Handle(p subcmd.ParseFunc) error {
	configPath := configFlag()
	if err := p(); err != nil {
		return err
	}

	a, err := setup(*configPath)
	if err != nil {
		return err
	}
	defer a.db.Close()

	ctx, cancel := signalContext()
	defer cancel()

	syncer := mirror.NewSyncer(a.cfg, a.db, a.host, workspace.New(a.log), a.log)
	if err := syncer.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	a.log.Infof("shutting down")
	return nil
}

type webhookCmd struct{}

func (webhookCmd) Name() string    { return "webhook" }
func (webhookCmd) Summary() string { return "Run the webhook receiver." }
func (webhookCmd) Description() string {
	return `

Receives issue, pull-request, check-run, and commit-status events from the
hosting platform and advances the sync state machine: merging green sync PRs,
pausing branches whose CI failed, and resuming branches whose tracking issue
was closed.
`
}

func (webhookCmd) Handle(p subcmd.ParseFunc) error {
	configPath := configFlag()
	if err := p(); err != nil {
		return err
	}

	a, err := setup(*configPath)
	if err != nil {
		return err
	}
	defer a.db.Close()

	ctx, cancel := signalContext()
	defer cancel()

	reactor := mirror.NewReactor(a.db, a.host, a.log)
	server := webhook.NewServer([]byte(a.cfg.WebhookSecret), reactor, a.log)
	if err := server.Run(ctx, a.cfg.Port); err != nil && ctx.Err() == nil {
		return err
	}
	a.log.Infof("shutting down")
	return nil
}

type syncOnceCmd struct{}

func (syncOnceCmd) Name() string    { return "sync-once" }
func (syncOnceCmd) Summary() string { return "Run a single sync pass and exit." }
func (syncOnceCmd) Description() string {
	return `

Useful for smoke-testing a configuration and for running the syncer from an
external scheduler instead of the built-in loop.
`
}

func (syncOnceCmd) Handle(p subcmd.ParseFunc) error {
	configPath := configFlag()
	if err := p(); err != nil {
		return err
	}

	a, err := setup(*configPath)
	if err != nil {
		return err
	}
	defer a.db.Close()

	ctx, cancel := signalContext()
	defer cancel()

	syncer := mirror.NewSyncer(a.cfg, a.db, a.host, workspace.New(a.log), a.log)
	return syncer.RunOnce(ctx)
}
