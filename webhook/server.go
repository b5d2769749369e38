// Copyright (c) Red Hat, Inc.
// Licensed under the Apache License 2.0.

// Package webhook is the HTTP surface of the reactor: it verifies event
// signatures, decodes the payloads the engine cares about, and hands them to
// the event sink. Each event is processed to completion before the delivery
// is acknowledged.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/go-github/v65/github"
	"golang.org/x/sync/errgroup"

	"github.com/stolostron/magic-mirror/logging"
)

// shutdownTimeout bounds the drain of in-flight deliveries on shutdown.
const shutdownTimeout = 10 * time.Second

// EventSink receives the decoded events. The mirror Reactor is the production
// sink.
type EventSink interface {
	HandleIssueClosed(ctx context.Context, org, repo string, issue int) error
	HandlePRClosed(ctx context.Context, org, repo string, pr int) error
	HandleCheckRunCompleted(ctx context.Context, org, repo, checkName, conclusion, headSHA string, prIDs []int) error
	HandleStatusCompleted(ctx context.Context, org, repo, statusContext, state, sha string) error
}

// Server handles webhook deliveries from the hosting platform.
type Server struct {
	secret []byte
	events EventSink
	log    *logging.Logger
}

// NewServer creates a Server that verifies deliveries with secret.
func NewServer(secret []byte, events EventSink, log *logging.Logger) *Server {
	return &Server{secret: secret, events: events, log: log}
}

// Router returns the HTTP routes: the webhook receiver and the liveness
// endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "OK")
	})
	r.Post("/webhook", s.handleWebhook)
	return r
}

// Run serves the router on the port until ctx is canceled, then drains.
func (s *Server) Run(ctx context.Context, port int) error {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Router(),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Infof("listening for webhook deliveries on %v", server.Addr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	deliveryID := r.Header.Get("X-GitHub-Delivery")

	payload, err := github.ValidatePayload(r, s.secret)
	if err != nil {
		s.log.Errorf("rejected the delivery %v: %v", deliveryID, err)
		http.Error(w, "invalid signature", http.StatusForbidden)
		return
	}

	event, err := github.ParseWebHook(github.WebHookType(r), payload)
	if err != nil {
		s.log.Errorf("unable to parse the delivery %v: %v", deliveryID, err)
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	if err := s.dispatch(r.Context(), event); err != nil {
		s.log.Errorf("unable to handle the delivery %v: %v", deliveryID, err)
		http.Error(w, "event handling failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// dispatch routes one decoded event to the sink. Event kinds and actions the
// engine doesn't react to are acknowledged and dropped.
func (s *Server) dispatch(ctx context.Context, event any) error {
	switch e := event.(type) {
	case *github.IssuesEvent:
		if e.GetAction() != "closed" {
			return nil
		}
		repo := e.GetRepo()
		return s.events.HandleIssueClosed(
			ctx, repo.GetOwner().GetLogin(), repo.GetName(), e.GetIssue().GetNumber(),
		)

	case *github.PullRequestEvent:
		if e.GetAction() != "closed" {
			return nil
		}
		repo := e.GetRepo()
		return s.events.HandlePRClosed(
			ctx, repo.GetOwner().GetLogin(), repo.GetName(), e.GetPullRequest().GetNumber(),
		)

	case *github.CheckRunEvent:
		if e.GetAction() != "completed" {
			return nil
		}
		repo := e.GetRepo()
		checkRun := e.GetCheckRun()
		prIDs := make([]int, 0, len(checkRun.PullRequests))
		for _, pr := range checkRun.PullRequests {
			prIDs = append(prIDs, pr.GetNumber())
		}
		return s.events.HandleCheckRunCompleted(
			ctx, repo.GetOwner().GetLogin(), repo.GetName(),
			checkRun.GetName(), checkRun.GetConclusion(), checkRun.GetHeadSHA(), prIDs,
		)

	case *github.StatusEvent:
		repo := e.GetRepo()
		return s.events.HandleStatusCompleted(
			ctx, repo.GetOwner().GetLogin(), repo.GetName(),
			e.GetContext(), e.GetState(), e.GetSHA(),
		)

	default:
		// Includes check_suite: the check_run deliveries carry everything
		// the engine needs.
		s.log.Debugf("ignoring an event of type %T", event)
		return nil
	}
}
