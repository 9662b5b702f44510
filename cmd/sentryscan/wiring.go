package main

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/sentryscan/sentryscan/internal/config"
	"github.com/sentryscan/sentryscan/pkg/checkpoint"
	"github.com/sentryscan/sentryscan/pkg/scheduler"
	"github.com/sentryscan/sentryscan/pkg/workflow"
)

// schedulerConfig translates the retry/concurrency option groups into
// scheduler.Config, parsing the string durations config.go keeps in
// human-readable form.
func schedulerConfig(cfg config.Config) (scheduler.Config, error) {
	baseBackoff, err := time.ParseDuration(cfg.Retry.BaseBackoff)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("retry.base_backoff: %w", err)
	}
	maxBackoff, err := time.ParseDuration(cfg.Retry.MaxBackoff)
	if err != nil {
		return scheduler.Config{}, fmt.Errorf("retry.max_backoff: %w", err)
	}
	return scheduler.Config{
		MaxParallel:   cfg.Concurrency.MaxParallelTools,
		MaxRetries:    cfg.Retry.MaxRetries,
		BaseBackoff:   baseBackoff,
		BackoffFactor: cfg.Retry.Factor,
		MaxBackoff:    maxBackoff,
		RetryableExit: cfg.Retry.RetryableExit,
	}, nil
}

// engineConfig translates the timeout option group into
// workflow.EngineConfig.
func engineConfig(cfg config.Config) (workflow.EngineConfig, error) {
	sched, err := schedulerConfig(cfg)
	if err != nil {
		return workflow.EngineConfig{}, err
	}
	workflowTotal, err := time.ParseDuration(cfg.Timeout.WorkflowTotal)
	if err != nil {
		return workflow.EngineConfig{}, fmt.Errorf("timeout.workflow_total: %w", err)
	}
	perNode, err := time.ParseDuration(cfg.Timeout.PerNodeDefault)
	if err != nil {
		return workflow.EngineConfig{}, fmt.Errorf("timeout.per_node_default: %w", err)
	}
	cancelGrace, err := time.ParseDuration(cfg.Timeout.CancellationGrace)
	if err != nil {
		return workflow.EngineConfig{}, fmt.Errorf("timeout.cancellation_grace: %w", err)
	}
	return workflow.EngineConfig{
		Scheduler:      sched,
		WorkflowTotal:  workflowTotal,
		PerNodeDefault: perNode,
		CancelGrace:    cancelGrace,
	}, nil
}

// checkpointStore builds the configured checkpoint backend. The SQL
// drivers above are imported for side effect only; the concrete driver
// is picked at runtime from a single config string.
func checkpointStore(cfg config.CheckpointConfig) (workflow.CheckpointStore, func() error, error) {
	switch cfg.Driver {
	case "", "memory":
		return checkpoint.NewMemoryStore(), func() error { return nil }, nil
	case "sqlite", "postgres", "mysql":
		driverName := map[string]string{"sqlite": "sqlite3", "postgres": "postgres", "mysql": "mysql"}[cfg.Driver]
		db, err := sql.Open(driverName, cfg.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("checkpoint: open %s: %w", cfg.Driver, err)
		}
		return checkpoint.NewSQLStore(db), db.Close, nil
	default:
		return nil, nil, fmt.Errorf("checkpoint: unknown driver %q", cfg.Driver)
	}
}
