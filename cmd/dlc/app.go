package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/franz/dedup-janitor/internal/execute"
	"github.com/franz/dedup-janitor/internal/journal"
	"github.com/franz/dedup-janitor/internal/metrics"
	"github.com/franz/dedup-janitor/internal/report"
	"github.com/franz/dedup-janitor/internal/staging"
	"github.com/franz/dedup-janitor/internal/store"
	"github.com/franz/dedup-janitor/internal/undo"
	"github.com/franz/dedup-janitor/internal/util"
)

// app holds what every journaled command needs
type app struct {
	dbPath  string
	store   *store.Store
	logger  *report.EventLogger
	stager  *staging.Stager
	exec    *execute.Executor
	journal *journal.Journal
	undo    *undo.Manager
	metrics *metrics.Metrics

	recovered *journal.RecoveryReport
}

// newEventLogger creates the JSONL audit log with a level matching the console
func newEventLogger() *report.EventLogger {
	logLevel := report.LevelInfo // Default
	if viper.GetBool("quiet") {
		logLevel = report.LevelWarning // Only warnings and errors
	} else if viper.GetBool("verbose") {
		logLevel = report.LevelDebug // Everything
	}

	logger, err := report.NewEventLogger(GetConfigString("reports_dir", "artifacts"), logLevel)
	if err != nil {
		util.WarnLog("Failed to create event logger: %v", err)
		return report.NullLogger()
	}
	if logger.Path() != "" {
		util.DebugLog("Event log: %s", logger.Path())
	}
	return logger
}

// openApp opens the database and journal, then resolves any transaction a
// previous run left open before the caller touches anything
func openApp(ctx context.Context) (*app, error) {
	dbPath := GetConfigString("db", "dlc-state.db")
	util.DebugLog("Opening database: %s", dbPath)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	a := &app{dbPath: dbPath, store: db, logger: newEventLogger(), metrics: metrics.New()}

	a.stager, err = staging.New(&staging.Config{
		Root:        GetConfigString("staging_dir", ".dlc-staging"),
		Store:       db,
		Logger:      a.logger,
		LockTimeout: viper.GetDuration("staging_lock_timeout"),
	})
	if err != nil {
		a.close()
		return nil, err
	}

	if util.IsRemotePath(a.stager.Root()) {
		util.WarnLog("Staging area %s is on a network filesystem; the journal lock may not hold", a.stager.Root())
	}

	a.exec = execute.New(&execute.Config{
		RetryConfig: util.DefaultRetryConfig(),
		Logger:      a.logger,
	})
	a.journal = journal.New(&journal.Config{
		Store:            db,
		Lock:             journal.NewTransactionContext(filepath.Join(a.stager.Root(), "journal.lock")),
		Stager:           a.stager,
		Executor:         a.exec,
		Logger:           a.logger,
		StageConcurrency: GetConfigInt("concurrency", 8),
	})
	a.undo = undo.New(&undo.Config{Journal: a.journal, Backups: a.stager, Logger: a.logger})

	if a.recovered, err = a.recover(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) recover(ctx context.Context) (*journal.RecoveryReport, error) {
	rep, err := a.journal.Recover(ctx)
	if rep != nil {
		for range rep.RolledForward {
			a.metrics.ObserveTransaction(store.TxCommitted)
		}
		for range rep.RolledBack {
			a.metrics.ObserveTransaction(store.TxRolledBack)
		}
		for _, id := range rep.RolledForward {
			util.WarnLog("Recovered interrupted transaction %s: completed", id)
		}
		for _, id := range rep.RolledBack {
			util.WarnLog("Recovered interrupted transaction %s: rolled back", id)
		}
		for id, uerr := range rep.Unresolved {
			util.ErrorLog("Transaction %s could not be resolved: %v", id, uerr)
		}
	}
	if err != nil {
		return rep, fmt.Errorf("recovery failed, resolve before continuing: %w", err)
	}
	return rep, nil
}

// close writes metrics when requested and releases everything
func (a *app) close() {
	if a.store != nil {
		if counts, err := a.store.CountOperationsByStatus(); err == nil {
			a.metrics.ObserveOperations(counts)
		}
	}
	writeMetrics(a.metrics)
	a.logger.Close()
	if a.store != nil {
		a.store.Close()
	}
}

func writeMetrics(m *metrics.Metrics) {
	path := viper.GetString("metrics_file")
	if path == "" {
		return
	}
	if err := m.WriteFile(path); err != nil {
		util.WarnLog("Failed to write metrics: %v", err)
	}
}
