package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	gosync "sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/credential"
	"github.com/Martian-dev/mailsync/internal/httpapi"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/outbox"
	"github.com/Martian-dev/mailsync/internal/providers"
	"github.com/Martian-dev/mailsync/internal/store/sqlite"
	mailsync "github.com/Martian-dev/mailsync/internal/sync"
)

func main() {
	configPath := flag.String("config", config.DefaultPath(), "path to the YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(*configPath, logger); err != nil {
		logger.Error("mailsync exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(configPath)
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	store, err := sqlite.OpenDriver(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	svc := mailsync.NewService(store, cfg.Sync, mailsync.WithLogger(logger))

	// everything that writes to the store joins workers before it closes
	var workers gosync.WaitGroup
	defer func() {
		stop()
		workers.Wait()
	}()

	// Sync events go to the outbox regardless of NATS availability
	relay := outbox.NewRelay(store, logger)
	sub := svc.Subscribe()
	workers.Add(1)
	go func() {
		defer workers.Done()
		relay.Run(ctx, sub)
	}()

	pub, err := natsjs.NewPublisher(cfg.NATS, logger)
	if err != nil {
		logger.Warn("nats unavailable, events stay queued in the outbox", "url", cfg.NATS.URL, "error", err)
	} else {
		defer pub.Close()
		if err := pub.EnsureStream(ctx); err != nil {
			return err
		}
		dispatcher := outbox.NewDispatcher(store, pub, svc.Settings, logger)
		workers.Add(1)
		go func() {
			defer workers.Done()
			dispatcher.Run(ctx)
		}()
	}

	var secrets providers.SecretStore
	if creds, err := credential.Open(cfg.CredentialsDir); err != nil {
		logger.Warn("credential store unavailable, IMAP accounts disabled", "error", err)
	} else {
		secrets = creds
	}

	factory := providers.NewFactory(
		auth.NewBetterAuthClient(cfg.AuthServerURL),
		secrets,
		func() int { return svc.Settings().MaxItemsPerSync },
	)
	reconcileAccounts(svc, factory, cfg.Accounts, logger)

	var verifier auth.Verifier
	if cfg.HTTP.JWKSURL != "" {
		v, err := auth.NewJWTVerifier(ctx, cfg.HTTP.JWKSURL, logger)
		if err != nil {
			return err
		}
		verifier = v
	}

	loader.Watch(func(next *config.Config) {
		logger.Info("config reloaded")
		svc.UpdateSettings(next.Sync)
		reconcileAccounts(svc, factory, next.Accounts, logger)
		if next.Sync.BackgroundSyncEnabled {
			svc.StartBackgroundSync(ctx)
		}
	}, func(err error) {
		logger.Warn("config reload rejected", "error", err)
	})

	launchSync(ctx, svc, cfg.Sync, &workers)

	gin.SetMode(gin.ReleaseMode)
	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpapi.New(ctx, svc, store, verifier, logger).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		stop()
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}

	// the launch sync may still start the loop, so wait for it first
	workers.Wait()
	svc.StopBackgroundSync()
	svc.WaitBackgroundSync()
	return serveErr
}

// launchSync runs the optional launch sync and then starts the background
// loop. The goroutine is tracked in wg; a launch sync is never cancelled.
func launchSync(ctx context.Context, svc *mailsync.Service, settings mailsync.Settings, wg *gosync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		if settings.SyncOnLaunch {
			svc.SyncAll(context.WithoutCancel(ctx))
		}
		if settings.BackgroundSyncEnabled {
			svc.StartBackgroundSync(ctx)
		}
	}()
}

// reconcileAccounts registers configured accounts that are not yet known
// and drops the ones removed from the config
func reconcileAccounts(svc *mailsync.Service, factory *providers.Factory, accounts []config.AccountConfig, logger *slog.Logger) {
	wanted := make(map[string]bool, len(accounts))
	known := make(map[string]bool)
	for _, id := range svc.AccountIDs() {
		known[id] = true
	}

	for _, acct := range accounts {
		wanted[acct.ID] = true
		if known[acct.ID] {
			continue
		}
		p, err := factory.Build(acct)
		if err != nil {
			logger.Error("account not registered", "account", acct.ID, "error", err)
			continue
		}
		svc.RegisterProvider(acct.ID, p)
		logger.Info("account registered", "account", acct.ID, "provider", acct.Provider)
	}

	for id := range known {
		if !wanted[id] {
			svc.UnregisterProvider(id)
			logger.Info("account removed", "account", id)
		}
	}
}
