// Command loanbridged runs the loan origination control plane: the chain
// action pipeline, the provider webhook ingress, the scheduled accrual and
// reconciliation jobs, and the operator admin surface.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"loanbridge/accrual"
	"loanbridge/admin"
	"loanbridge/breaker"
	"loanbridge/chain"
	"loanbridge/config"
	"loanbridge/fiat"
	"loanbridge/loan"
	"loanbridge/models"
	"loanbridge/observability"
	"loanbridge/observability/logging"
	"loanbridge/pipeline"
	"loanbridge/recon"
	"loanbridge/sched"
	"loanbridge/schedule"
	"loanbridge/webhook"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration")
	env := flag.String("env", "", "deployment environment label for logs")
	flag.Parse()

	logger := logging.Setup("loanbridged", *env)
	if err := run(*configPath, logger); err != nil {
		logger.Error("daemon exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := gorm.Open(postgres.Open(cfg.Database.DSN), &gorm.Config{TranslateError: true})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	client, err := ethclient.DialContext(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return fmt.Errorf("dial rpc: %w", err)
	}
	defer client.Close()

	signerKey, err := crypto.HexToECDSA(cfg.SignerKeyHex)
	if err != nil {
		return fmt.Errorf("parse signer key: %w", err)
	}
	sender, err := chain.NewEVMSender(client, signerKey, chain.NewGormNonceStore(db), chain.EVMSenderConfig{
		Registry:              common.HexToAddress(cfg.Chain.RegistryAddress),
		ChainID:               cfg.Chain.ChainID,
		ConfirmationsRequired: cfg.Chain.ConfirmationsRequired,
	}, nil)
	if err != nil {
		return fmt.Errorf("build sender: %w", err)
	}

	// A drifted signer must be inspected before anything is sent.
	if _, err := sender.Nonces().Reconcile(ctx, chain.DefaultMaxNonceDrift); err != nil {
		return fmt.Errorf("reconcile signer nonce: %w", err)
	}
	logger.Info("signer ready", "address", sender.From().Hex())

	pipe := pipeline.New(db, sender, sender.Nonces(), observability.Pipeline(), nil, pipeline.Config{
		ConfirmationsRequired: cfg.Chain.ConfirmationsRequired,
	})

	brk := breaker.NewService(db, nil, nil, breaker.Config{
		DelinquencySpikeBps: cfg.Breaker.DelinquencySpikeBps,
		DefaultSpikeBps:     cfg.Breaker.DefaultSpikeBps,
	})
	var payouts fiat.PayoutClient
	if cfg.Mpesa.Enabled() {
		payouts, err = fiat.NewMpesaClient(fiat.MpesaConfig{
			BaseURL:        cfg.Mpesa.BaseURL,
			ConsumerKey:    cfg.Mpesa.ConsumerKey,
			ConsumerSecret: cfg.Mpesa.ConsumerSecret,
			ShortCode:      cfg.Mpesa.ShortCode,
		})
		if err != nil {
			return fmt.Errorf("build payout client: %w", err)
		}
	}
	fiatSvc := fiat.NewService(db, pipe, payouts, nil, nil)
	schedules := schedule.NewStore(db, pipe, nil, nil)
	loanSvc := loan.NewService(db, brk, pipe, fiatSvc, schedules, nil, nil)
	pipe.OnMined(loanSvc.HandleMined)
	// Recover runs after the handler registration so mined notifications
	// dropped by a crash replay into the loan service.
	if err := pipe.Recover(ctx); err != nil {
		return fmt.Errorf("recover pipeline: %w", err)
	}

	accrualJob := accrual.NewJob(db, observability.Accrual(), nil, nil)
	reconciler := recon.NewReconciler(db, brk, observability.Recon(), nil, nil)
	reports := recon.NewReportBuilder(db, nil, nil)

	hooks, err := webhook.NewServer(db, fiatSvc, observability.Webhook(), nil, webhook.Config{
		Secret:          cfg.Webhook.Secret,
		FreshnessWindow: cfg.Webhook.FreshnessWindow,
		RatePerMinute:   cfg.Webhook.RatePerMinute,
	})
	if err != nil {
		return fmt.Errorf("build webhook server: %w", err)
	}
	adminSrv := admin.NewServer(db, brk, pipe, reconciler, sender, nil, cfg.AdminKey)

	scheduler := sched.New(nil, nil)
	scheduler.Hourly("accrual", 5, func(ctx context.Context) error {
		_, err := accrualJob.Run(ctx)
		return err
	})
	scheduler.Daily("daily-evaluation", 1, 0, accrualJob.RunDailyEvaluation)
	scheduler.Daily("breaker-feed", 1, 30, func(ctx context.Context) error {
		_, err := brk.RunFeed(ctx)
		return err
	})
	scheduler.Daily("reconciliation", 2, 0, func(ctx context.Context) error {
		if _, err := reconciler.RunBalance(ctx); err != nil {
			return err
		}
		_, err := reconciler.RunIntegrity(ctx)
		return err
	})
	scheduler.Daily("daily-report", 2, 30, func(ctx context.Context) error {
		_, err := reports.RunDaily(ctx)
		return err
	})
	scheduler.Daily("settlement", 3, 0, func(ctx context.Context) error {
		_, err := reconciler.RunSettlement(ctx)
		return err
	})
	scheduler.Daily("nonce-purge", 4, 0, func(ctx context.Context) error {
		_, err := hooks.PurgeNonces(ctx)
		return err
	})

	publicSrv := &http.Server{
		Addr:              cfg.PublicListen,
		Handler:           otelhttp.NewHandler(hooks.Router(), "webhook"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	adminMux := http.NewServeMux()
	adminMux.Handle("/metrics", promhttp.Handler())
	adminMux.Handle("/", adminSrv.Router())
	internalSrv := &http.Server{
		Addr:              cfg.AdminListen,
		Handler:           otelhttp.NewHandler(adminMux, "admin"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("public listener up", "addr", cfg.PublicListen)
		if err := publicSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("public server: %w", err)
		}
	}()
	go func() {
		logger.Info("admin listener up", "addr", cfg.AdminListen)
		if err := internalSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()
	go pipe.Run(ctx)
	go scheduler.Run(ctx)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		stop()
		logger.Error("listener failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := publicSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("public shutdown", "error", err)
	}
	if err := internalSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("admin shutdown", "error", err)
	}
	logger.Info("daemon stopped")
	return nil
}
