package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/amanthanvi/ticketdesk/internal/audit"
	"github.com/amanthanvi/ticketdesk/internal/config"
	logpkg "github.com/amanthanvi/ticketdesk/internal/log"
	"github.com/amanthanvi/ticketdesk/internal/storage"
)

const defaultCommandTimeout = 10 * time.Second

var loadConfigFn = config.Load

// ledgerRuntime is everything a command needs to operate on the ledger.
type ledgerRuntime struct {
	cfg      config.Config
	logger   *slog.Logger
	store    *storage.Store
	ledger   *audit.Ledger
	registry *prometheus.Registry
	logClose io.Closer
}

func openRuntime(ctx context.Context, deps commandDeps) (*ledgerRuntime, error) {
	loadOpts := config.LoadOptions{Env: deps.env}
	if deps.globals != nil {
		if configPath := strings.TrimSpace(deps.globals.ConfigPath); configPath != "" {
			loadOpts.ConfigPath = configPath
		}
		if dbPath := strings.TrimSpace(deps.globals.DBPath); dbPath != "" {
			loadOpts.Flags.DBPath = &dbPath
		}
	}

	cfg, report, err := loadConfigFn(loadOpts)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger, logClose, err := logpkg.NewLogger(cfg.Logging, deps.errOut)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if len(report.PolicyOverrides) > 0 {
		logger.Info("retention policy overrides applied", "fields", report.PolicyOverrides)
	}

	store, err := storage.Open(cfg.Storage.Path)
	if err != nil {
		_ = logClose.Close()
		return nil, fmt.Errorf("open audit store: %w", err)
	}

	registry := prometheus.NewRegistry()
	ledger, err := audit.New(ctx, store.Audit, audit.Options{
		MaxEvents:         cfg.Ledger.MaxLocalEvents,
		DefaultQueryLimit: cfg.Ledger.DefaultQueryLimit,
		MaxQueryLimit:     cfg.Ledger.MaxQueryLimit,
		StorageTimeout:    cfg.Ledger.StorageTimeout,
		Origin: audit.Origin{
			SchemaVersion: cfg.Ledger.SchemaVersion,
			Channel:       cfg.Ledger.Channel,
			Environment:   cfg.Ledger.Environment,
		},
		PersonalDataKeys: cfg.Ledger.PersonalDataKeys,
		Logger:           logger,
		Metrics:          audit.NewMetrics(registry),
	})
	if err != nil {
		_ = store.Close()
		_ = logClose.Close()
		return nil, err
	}

	return &ledgerRuntime{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		ledger:   ledger,
		registry: registry,
		logClose: logClose,
	}, nil
}

// Close retries a pending window rewrite before releasing the store.
func (rt *ledgerRuntime) Close(ctx context.Context) error {
	var flushErr error
	if rt.ledger.Status().Dirty {
		flushErr = rt.ledger.Flush(ctx)
	}
	if err := rt.store.Close(); err != nil && flushErr == nil {
		flushErr = fmt.Errorf("close audit store: %w", err)
	}
	_ = rt.logClose.Close()
	return flushErr
}

func withLedger(cmdCtx context.Context, deps commandDeps, fn func(context.Context, *ledgerRuntime) error) error {
	timeout := defaultCommandTimeout
	if deps.globals != nil && deps.globals.Timeout > 0 {
		timeout = deps.globals.Timeout
	}
	if cmdCtx == nil {
		cmdCtx = context.Background()
	}
	ctx, cancel := context.WithTimeout(cmdCtx, timeout)
	defer cancel()

	rt, err := openRuntime(ctx, deps)
	if err != nil {
		return mapCommandError(err)
	}
	runErr := fn(ctx, rt)
	closeErr := rt.Close(ctx)
	if runErr != nil {
		return mapCommandError(runErr)
	}
	return mapCommandError(closeErr)
}

func printJSON(w io.Writer, value any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}
