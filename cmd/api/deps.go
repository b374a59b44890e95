package main

import (
	"database/sql"
	"fmt"
	"log/slog"

	"callrouting-platform/internal/audit"
	"callrouting-platform/internal/auth"
	"callrouting-platform/internal/calls"
	"callrouting-platform/internal/callstate"
	"callrouting-platform/internal/config"
	"callrouting-platform/internal/eventbus"
	"callrouting-platform/internal/flow"
	"callrouting-platform/internal/flowstore"
	"callrouting-platform/internal/reporting"
	"callrouting-platform/internal/routing"
	"callrouting-platform/internal/telephony"

	"github.com/redis/go-redis/v9"
)

// deps is everything the routes need, built once in main.
type deps struct {
	auth    *auth.Manager
	bus     eventbus.Bus
	states  *callstate.Store
	flows   *flowstore.Service
	audit   *audit.Service
	live    *routing.LiveStatusProvider
	driver  *telephony.Driver
	numbers telephony.NumberResolver
	reports *reporting.Service
}

func wire(cfg config.Config, db *sql.DB, rdb *redis.Client, am *auth.Manager, log *slog.Logger) (deps, error) {
	mode, ok := routing.ParseMode(cfg.Routing.DefaultMode)
	if !ok {
		return deps{}, fmt.Errorf("unknown routing mode %q", cfg.Routing.DefaultMode)
	}

	bus := eventbus.NewRedisBus(rdb, eventbus.RedisOptions{
		Stream:    cfg.EventBus.Stream,
		MaxLen:    cfg.EventBus.MaxLen,
		BatchSize: cfg.EventBus.BatchSize,
		Block:     cfg.EventBus.Block,
		ClaimIdle: cfg.EventBus.ClaimIdle,
	}, log)

	states := callstate.NewStore(callstate.NewRedisBackend(rdb), callstate.Options{TTL: cfg.CallState.TTL, Logger: log})
	flows := flowstore.NewService(flowstore.NewPostgresRepo(db), flowstore.NewRegistry(), flowstore.Options{Bus: bus, Logger: log})
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))

	// The worker projects call.* events into the calls table; live
	// concurrency is counted from there.
	dir := routing.NewPostgresDirectory(db)
	callRepo := calls.NewPostgresRepo(db)
	live := routing.NewLiveStatusProvider(callRepo, dir)
	overrides := routing.NewOverrideEngine(routing.NewPostgresOverrideStore(db), routing.AuditAdapter{Audit: auditSvc})
	selector := routing.NewSelector(live, dir, dir, routing.SelectorOptions{
		MinCallsForScore: cfg.Routing.MinCallsForScore,
		DefaultMode:      mode,
		Overrides:        overrides,
		Logger:           log,
	})

	driver := telephony.NewDriver(states, bus, flows, flow.NewExecutor(selector), telephony.DriverOptions{Logger: log})

	return deps{
		auth:    am,
		bus:     bus,
		states:  states,
		flows:   flows,
		audit:   auditSvc,
		live:    live,
		driver:  driver,
		numbers: telephony.NewPostgresNumbers(db),
		reports: reporting.NewService(callRepo),
	}, nil
}
