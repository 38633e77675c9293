package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tresoria/backoffice/internal/app"
	"github.com/tresoria/backoffice/internal/audit"
	"github.com/tresoria/backoffice/internal/budget"
	"github.com/tresoria/backoffice/internal/disbursement"
	"github.com/tresoria/backoffice/internal/platform/cache"
	"github.com/tresoria/backoffice/internal/platform/db"
	"github.com/tresoria/backoffice/internal/receipt"
	"github.com/tresoria/backoffice/internal/reporting"
	"github.com/tresoria/backoffice/internal/requisition"
	"github.com/tresoria/backoffice/internal/sequence"
	"github.com/tresoria/backoffice/internal/settings"
	"github.com/tresoria/backoffice/internal/shared"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		// Reports degrade to uncached reads without Redis.
		logger.Warn("redis unavailable", slog.Any("error", err))
	} else {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
	}

	auditRecorder := shared.NewAuditRecorder(pool)
	approvalRecorder := shared.NewApprovalRecorder(pool, logger)
	idemStore := shared.NewIdempotencyStore(pool)

	sequenceService := sequence.NewService(sequence.NewRepository(pool), cfg.OrgTag)
	settingsService := settings.NewService(settings.NewRepository(pool), auditRecorder, logger)
	budgetService := budget.NewService(budget.NewRepository(pool), auditRecorder, settingsService, logger)

	requisitionRepo := requisition.NewRepository(pool)
	requisitionService := requisition.NewService(requisitionRepo, sequenceService, budgetService,
		settingsService, auditRecorder, approvalRecorder, logger)

	disbursementService := disbursement.NewService(disbursement.NewRepository(pool), sequenceService,
		budgetService, budgetService, requisitionService, settingsService, auditRecorder, idemStore,
		cfg.CancelWindow, logger)

	receiptService := receipt.NewService(receipt.NewRepository(pool), sequenceService, budgetService,
		settingsService, auditRecorder, cfg.CancelWindow, logger)

	auditService := audit.NewService(audit.NewRepository(pool), logger)

	reportingCache := reporting.NewCache(redisClient, cfg.ReportCacheTTL)
	reportingService := reporting.NewService(reporting.NewRepository(pool), requisitionRepo,
		reportingCache, logger)

	router := app.NewRouter(app.RouterParams{
		Logger: logger,
		Config: cfg,

		BudgetHandler:       budget.NewHandler(logger, budgetService),
		RequisitionHandler:  requisition.NewHandler(logger, requisitionService),
		DisbursementHandler: disbursement.NewHandler(logger, disbursementService),
		ReceiptHandler:      receipt.NewHandler(logger, receiptService),
		SettingsHandler:     settings.NewHandler(logger, settingsService),
		SequenceHandler:     sequence.NewHandler(logger, sequenceService),
		AuditHandler:        audit.NewHandler(logger, auditService),
		ReportingHandler:    reporting.NewHandler(logger, reportingService),
		ReportingService:    reportingService,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
