package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/hearth/internal/bus"
	"github.com/nextlevelbuilder/hearth/internal/config"
	"github.com/nextlevelbuilder/hearth/internal/connector/ring"
	"github.com/nextlevelbuilder/hearth/internal/connector/roborock"
	"github.com/nextlevelbuilder/hearth/internal/relay"
	"github.com/nextlevelbuilder/hearth/internal/store"
	"github.com/nextlevelbuilder/hearth/internal/store/pg"
	"github.com/nextlevelbuilder/hearth/internal/store/sqlite"
	"github.com/nextlevelbuilder/hearth/internal/ticker"
	"github.com/nextlevelbuilder/hearth/internal/vault"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the device daemon",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runServe(resolveConfigPath()); err != nil {
				fatalf("%s", err)
			}
		},
	}
}

func runServe(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	passphrase, err := cfg.VaultPassphrase()
	if err != nil {
		return err
	}
	v, err := vault.New(passphrase)
	if err != nil {
		return err
	}

	stores, db, err := openStores(cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	b := bus.New()
	runner := ticker.New()
	vacuum := roborock.New(v, stores, b, runner)
	doorbell := ring.New(v, stores, b, runner)

	verifier := relay.NewStaticTokenVerifier(cfg.Relay.Token)
	limiter := relay.NewRateLimiter(cfg.Relay.RateLimitRPM, cfg.Relay.RateLimitBurst)
	rel := relay.New(b, verifier, limiter)
	rel.DoorbellConnected = doorbell.IsConnected

	mux := http.NewServeMux()
	mux.Handle("/ws", rel)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: cfg.Listen, Handler: mux}

	// Token rotation without a restart; everything else needs one.
	watcher, err := config.NewWatcher(cfgPath)
	if err == nil {
		watcher.OnReload(func(next *config.Config) {
			verifier.SetToken(next.Relay.Token)
		})
		if err := watcher.Start(); err != nil {
			slog.Warn("config watcher unavailable", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("hearthd listening", "addr", cfg.Listen)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)

		rel.Shutdown()
		vacuum.Shutdown()
		doorbell.Shutdown()
		runner.StopAll()
		return nil
	})
	return g.Wait()
}

func openStores(dbc config.DatabaseConfig) (store.Stores, *sqlx.DB, error) {
	switch dbc.Driver {
	case "postgres":
		db, err := pg.Open(dbc.DSN)
		if err != nil {
			return store.Stores{}, nil, err
		}
		return store.Stores{
			Credentials: pg.NewCredentialStore(db),
			Devices:     pg.NewDeviceStore(db),
			Events:      pg.NewEventStore(db),
		}, db, nil
	default:
		return sqlite.Open(dbc.DSN)
	}
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}
