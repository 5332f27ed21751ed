package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/carewatch/internal/alertapi"
	"github.com/linnemanlabs/carewatch/internal/authmw"
	vc "github.com/linnemanlabs/carewatch/internal/cfg"
	"github.com/linnemanlabs/carewatch/internal/dedupe"
	"github.com/linnemanlabs/carewatch/internal/engagement"
	"github.com/linnemanlabs/carewatch/internal/fanout"
	"github.com/linnemanlabs/carewatch/internal/notify/slack"
	"github.com/linnemanlabs/carewatch/internal/postgres"
	"github.com/linnemanlabs/carewatch/internal/rulefile"
	"github.com/linnemanlabs/carewatch/internal/scheduler"
	"github.com/linnemanlabs/carewatch/internal/sweep"
	"github.com/linnemanlabs/carewatch/internal/triage"
	"github.com/linnemanlabs/carewatch/internal/triage/memstore"
	"github.com/linnemanlabs/carewatch/internal/triage/pgstore"
)

// app is the assembled engine: stores, triage service, live streams, sweeps
// and the HTTP API.
type app struct {
	logger     log.Logger
	rulesPath  string
	rules      *rulefile.Directory
	directory  *memstore.Directory
	svc        *triage.Service
	hub        *fanout.Hub
	engagement *engagement.Registry
	scheduler  *scheduler.Scheduler
	api        *alertapi.API

	// closers release external resources in reverse order on close.
	closers []func()
}

// buildApp wires every component from configuration. Without a database or
// Redis URL the in-process store and ledger are used.
func buildApp(ctx context.Context, c vc.Config, L log.Logger, reg prometheus.Registerer) (_ *app, err error) {
	a := &app{logger: L, rulesPath: c.RulesPath}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	// Rules are optional at startup; a missing file means nothing fires
	// until one is written.
	a.rules = rulefile.NewDirectory(nil)
	if c.RulesPath != "" {
		rs, err := rulefile.Load(c.RulesPath)
		if err != nil {
			return nil, fmt.Errorf("load rules: %w", err)
		}
		a.rules.Replace(rs)
		L.Info(ctx, "rules loaded", "path", c.RulesPath, "count", len(rs))
	}

	// Organizations, clinicians, patients and their clinical data.
	if c.DirectoryPath != "" {
		a.directory, err = memstore.LoadDirectory(c.DirectoryPath)
		if err != nil {
			return nil, fmt.Errorf("load directory: %w", err)
		}
		L.Info(ctx, "directory loaded", "path", c.DirectoryPath)
	} else {
		a.directory = memstore.NewDirectory(memstore.Seed{})
		L.Warn(ctx, "no directory-file configured, starting with an empty directory")
	}

	// Initialize the alert store
	var store triage.Store
	if c.DatabaseURL != "" {
		postgres.SetQueryLogging(time.Duration(c.SlowQueryMS)*time.Millisecond, c.LogQueryArgs)
		pool, err := postgres.NewPool(ctx, c.DatabaseURL, postgres.PoolOptions{MaxConns: int32(c.DBMaxConns)})
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		pgStore, err := pgstore.New(ctx, pool)
		if err != nil {
			return nil, fmt.Errorf("pgstore init: %w", err)
		}
		store = pgStore
		L.Info(ctx, "using postgres store")
	} else {
		store = memstore.New()
		L.Info(ctx, "using in-memory store (no database-url configured)")
	}

	// Reminder and claim-warning dedupe, shared across instances when
	// Redis is configured.
	var ledger dedupe.Ledger
	if c.RedisURL != "" {
		rl, err := dedupe.NewRedis(ctx, c.RedisURL, c.RedisKeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("redis ledger: %w", err)
		}
		a.closers = append(a.closers, func() { _ = rl.Close() })
		ledger = rl
		L.Info(ctx, "using redis dedupe ledger")
	} else {
		ledger = dedupe.NewMemory(time.Now)
	}

	a.hub = fanout.New(fanout.Options{
		Logger:    L.With("component", "fanout"),
		Hooks:     fanout.NewMetrics(reg).Hooks(),
		Heartbeat: time.Duration(c.StreamHeartbeatSeconds) * time.Second,
	})
	a.closers = append(a.closers, a.hub.Close)

	notifier := slack.New(c.SlackWebhookURL, L.With("component", "slack"))
	if c.SlackWebhookURL != "" {
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	a.svc = triage.NewService(store, triage.Options{
		Rules:        a.rules,
		Observations: a.directory,
		Patients:     a.directory,
		Clinicians:   a.directory,
		Medications:  a.directory,
		Notifier:     notifier,
		Billing:      a.directory,
		Effects:      a.directory,
		Broadcaster:  a.hub,
		Hooks:        triage.NewMetrics(reg).Hooks(),
		Logger:       L.With("component", "triage"),
	})
	a.closers = append(a.closers, a.svc.Wait)

	a.engagement = engagement.NewRegistry()

	a.scheduler = scheduler.New(scheduler.Options{
		Logger: L.With("component", "scheduler"),
		Hooks:  scheduler.NewMetrics(reg).Hooks(),
	})
	if !c.DisableSweeps {
		sw := sweep.New(sweep.Deps{
			Lifecycle:    a.svc,
			Orgs:         a.directory,
			Enrollments:  a.directory,
			Medications:  a.directory,
			Observations: a.directory,
			Metrics:      a.directory,
			Supervisors:  a.directory,
			Engagement:   a.engagement,
			Ledger:       ledger,
			Logger:       L.With("component", "sweep"),
		})
		for _, j := range sw.Jobs() {
			if err := a.scheduler.Add(j); err != nil {
				return nil, fmt.Errorf("register job %s: %w", j.Name, err)
			}
		}
	}

	a.api = alertapi.New(a.svc, alertapi.Options{
		Logger:       L.With("component", "alertapi"),
		Observations: a.directory,
		Engagement:   a.engagement,
		TimeLog:      a.directory,
		Billing:      a.directory,
		Stream:       a.hub,
	})
	return a, nil
}

// mount registers the API behind bearer-token and caller-identity
// middleware. tokens is the comma-separated API_TOKEN value.
func (a *app) mount(r chi.Router, tokens string) {
	r.Group(func(r chi.Router) {
		r.Use(authmw.BearerToken(strings.Split(tokens, ",")...))
		r.Use(authmw.Identity())
		a.api.RegisterRoutes(r)
	})
}

// start launches the sweeps and the rule file watcher. The returned
// function stops the sweeps and waits for in-flight runs.
func (a *app) start(ctx context.Context) (stop func(context.Context) error) {
	if a.rulesPath != "" {
		go func() {
			err := a.rules.Watch(ctx, a.rulesPath, a.logger.With("component", "rulefile"), nil)
			if err != nil && ctx.Err() == nil {
				a.logger.Error(ctx, err, "rule watcher stopped", "path", a.rulesPath)
			}
		}()
	}
	stopJobs := a.scheduler.Start(ctx)
	a.logger.Info(ctx, "sweeps started", "jobs", len(a.scheduler.Jobs()))

	return func(ctx context.Context) error {
		done := make(chan struct{})
		go func() {
			stopJobs()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("sweeps did not stop: %w", ctx.Err())
		}
	}
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
