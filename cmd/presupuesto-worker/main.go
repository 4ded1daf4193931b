package main

import (
	"context"
	"os"
	"strings"
	"time"

	"presupuesto/internal/backend"
	"presupuesto/internal/cli"
	"presupuesto/internal/log"
	"presupuesto/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg.LogLevel, cfg.LogFormat).WithComponent(log.ComponentWorker)

	logger.Info("Starting presupuesto-worker", log.FieldOperation, log.OpStartup, "backend", cfg.DataBackend)

	if cfg.DataBackend == "memory" {
		// nothing to audit: the memory store is private to the API process
		logger.Error("The audit worker needs a shared backend (sqlite or postgres)")
		os.Exit(1)
	}

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", log.FieldError, err)
		os.Exit(1)
	}
	result, err := backend.NewFactory(logger).CreateBackend(context.Background(), backendCfg)
	if err != nil {
		logger.Error("Failed to initialize storage backend", log.FieldError, err)
		os.Exit(1)
	}

	client := cli.ConnectAMQP(logger, cfg)
	if client == nil {
		logger.Error("The audit worker requires a reachable AMQP broker")
		_ = result.Cleanup()
		os.Exit(1)
	}

	auditor := worker.NewAuditWorker(result.Store, logger)

	ctx, done := cli.GracefulShutdown(logger, 15*time.Second, func(ctx context.Context) {
		if err := client.Close(); err != nil {
			logger.Error("Failed to close AMQP client", log.FieldError, err)
		}
		if err := result.Cleanup(); err != nil {
			logger.Error("Failed to close storage", log.FieldError, err)
		}
	})

	// Catch up on anything that drifted while the worker was down.
	for _, project := range cfg.ReconcileProjects {
		issues, err := auditor.Reconcile(ctx, project)
		switch {
		case err != nil:
			logger.Error("Startup reconciliation failed", log.FieldProject, project, log.FieldError, err)
		case len(issues) > 0:
			logger.Error("Ledger invariants violated", log.FieldProject, project, "issues", strings.Join(issues, "; "))
		default:
			logger.Info("Project reconciled", log.FieldProject, project)
		}
	}

	if err := auditor.Run(ctx, client); err != nil {
		logger.Error("Audit worker failed", log.FieldError, err)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker stopped gracefully", log.FieldOperation, log.OpShutdown)
}
