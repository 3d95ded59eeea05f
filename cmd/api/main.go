package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vincentgggg12/docufen-admin-sub002/internal/blob"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/config"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/locks"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/notify"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/secrets"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/server"
	"github.com/vincentgggg12/docufen-admin-sub002/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	dataStore := store.NewPostgresStore(db)
	service := server.New(dataStore, cfg.JWTSecret, cfg.SessionTTL, cfg.LockLease)

	if strings.TrimSpace(cfg.RedisURL) != "" {
		bc, err := secrets.NewBroadcaster(cfg.RedisURL, cfg.SecretChannel)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer bc.Close()
		service = service.WithBroadcaster(bc)

		lockStore, err := locks.NewRedisStore(cfg.RedisURL, cfg.LockLease)
		if err != nil {
			log.Fatalf("redis lock store failed: %v", err)
		}
		defer lockStore.Close()
		service = service.WithLockStore(lockStore)
	}

	if strings.TrimSpace(cfg.BlobEndpoint) != "" {
		if blobs := blob.NewStore(ctx, blob.Config{
			Endpoint:  cfg.BlobEndpoint,
			AccessKey: cfg.BlobAccessKey,
			SecretKey: cfg.BlobSecretKey,
			Bucket:    cfg.BlobBucket,
			UseSSL:    cfg.BlobUseSSL,
		}); blobs != nil {
			service = service.WithBlobStore(blobs)
		}
	}

	notifier := notify.NewService(notify.Config{
		Host:      cfg.SMTPHost,
		Port:      cfg.SMTPPort,
		Username:  cfg.SMTPUsername,
		Password:  cfg.SMTPPassword,
		From:      cfg.SMTPFrom,
		FromName:  cfg.SMTPFromName,
		PortalURL: cfg.PortalURL,
	})
	if notifier.IsConfigured() {
		service = service.WithNotifier(notifier)
	}

	if cfg.SeedUserID != "" && cfg.SeedUserPassword != "" {
		seed := store.User{ID: cfg.SeedUserID, LegalName: cfg.SeedUserID, Locale: "en-US"}
		if err := service.EnsureUser(ctx, seed, cfg.SeedUserPassword); err != nil {
			log.Printf("WARNING: seed user failed (will retry on next restart): %v", err)
		}
	}

	httpServer := server.NewHTTPServer(service, cfg.CORSOrigin)
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Docufen API listening on %s", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
