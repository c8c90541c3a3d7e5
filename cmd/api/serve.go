package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"postwork/api/internal/app"
	"postwork/api/internal/blob"
	"postwork/api/internal/collab"
	"postwork/api/internal/export"
	"postwork/api/internal/gitrepo"
	"postwork/api/internal/metrics"
	"postwork/api/internal/review"
	"postwork/api/internal/search"
	"postwork/api/internal/session"
	"postwork/api/internal/store"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP and WebSocket server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides API_ADDR)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := bootstrap()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}
	if len(applied) > 0 {
		log.Info().Strs("applied", applied).Msg("migrations applied")
	}
	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return fmt.Errorf("create repos dir: %w", err)
	}

	m := metrics.New()
	dataStore := store.NewPostgresStore(db)
	checks := map[string]func(context.Context) error{}

	opts := collab.Options{
		IdleTimeout:   cfg.RoomIdleTimeout,
		SweepInterval: cfg.RoomSweepInterval,
		LockTTL:       cfg.CommitLockTTL,
		Comments:      dataStore,
		Logger:        log,
		Metrics:       m,
	}
	var presence *session.RedisStore
	if strings.TrimSpace(cfg.RedisURL) != "" {
		presence, err = session.NewRedisStore(cfg.RedisURL, cfg.PresenceTTL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer presence.Close()
		opts.Locker = presence
		opts.Presence = presence
		checks["redis"] = presence.Ping
		log.Info().Msg("using redis for commit locks and room presence")
	} else {
		log.Info().Msg("redis not configured; commit locks and presence are node-local")
	}

	ledger := review.NewLedger(dataStore, log, m)
	rooms := collab.NewRegistry(dataStore, opts)
	ledger.SetAnchorer(rooms)
	go rooms.Run(ctx)

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
	}
	searchService := search.NewService(meili, search.NewPgFTS(db), log)
	defer searchService.Close()
	go searchService.ReindexAllFromPG(ctx)

	var uploader export.Uploader
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		blobStore, err := blob.New(ctx, blob.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		}, log)
		if err != nil {
			// Reports are still served inline without object storage.
			log.Warn().Err(err).Msg("object storage unavailable; reports will not be uploaded")
		} else {
			uploader = blobStore
		}
	}

	components := app.Components{
		Store:    dataStore,
		Ledger:   ledger,
		Rooms:    rooms,
		Git:      gitrepo.New(cfg.ReposDir),
		Search:   searchService,
		Exporter: export.NewService(uploader, log),
		Checks:   checks,
		Logger:   log,
		Metrics:  m,
	}
	if presence != nil {
		components.Presence = presence
	}
	service := app.New(cfg, components)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.NewHTTPServer(service, cfg.CORSOrigin).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("postwork api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
		return err
	}
	return nil
}
