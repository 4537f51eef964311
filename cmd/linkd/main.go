package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-linking"
	"github.com/goliatone/go-linking/activitymap"
	"github.com/goliatone/go-linking/codestore"
	"github.com/goliatone/go-linking/config"
	"github.com/goliatone/go-linking/mirror"
	"github.com/goliatone/go-linking/repository"
	"github.com/goliatone/go-linking/session"
	"github.com/goliatone/go-logger/glog"
	"github.com/goliatone/go-print"
	"github.com/goliatone/go-router"
)

func main() {
	configPath := flag.String("config", os.Getenv("LINKD_CONFIG"), "path to a config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	lgr := newLogger(cfg.Log)
	logger := lgr.GetLogger("linkd")

	if flag.Arg(0) == "migrate" {
		if err := migrateCommand(context.Background(), cfg, flag.Args()[1:]); err != nil {
			logger.Error("migrate failed", "error", err)
			os.Exit(1)
		}
		return
	}

	fmt.Println("============")
	fmt.Println(print.MaybeHighlightJSON(cfg))
	fmt.Println("============")

	if err := run(context.Background(), cfg, lgr); err != nil {
		logger.Error("linkd stopped", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.Log) *glog.BaseLogger {
	level := glog.Info
	switch cfg.Level {
	case "debug":
		level = glog.Debug
	case "warn":
		level = glog.Warn
	case "error":
		level = glog.Error
	}

	if cfg.Format == "pretty" {
		return glog.NewLogger(
			glog.WithLoggerTypePretty(),
			glog.WithLevel(level),
			glog.WithName("linkd"),
			glog.WithAddSource(false),
			glog.WithRichErrorHandler(errors.ToSlogAttributes),
		)
	}
	return glog.NewLogger(
		glog.WithLevel(level),
		glog.WithName("linkd"),
		glog.WithAddSource(false),
		glog.WithRichErrorHandler(errors.ToSlogAttributes),
	)
}

func run(ctx context.Context, cfg *config.Config, lgr *glog.BaseLogger) error {
	logger := lgr.GetLogger("linkd")

	shutdownTracing, err := setupTracing(ctx, cfg.Telemetry)
	if err != nil {
		return err
	}

	client, err := repository.Connect(cfg.Database.ClientConfig(cfg.Telemetry.ServiceName))
	if err != nil {
		return err
	}
	client.SetLogger(lgr.GetLogger("persistence"))
	db := client.DB()
	defer db.Close()

	if cfg.Database.Migrate {
		if err := repository.Prepare(ctx, client, cfg.Database.Fixtures != ""); err != nil {
			return err
		}
		if report := client.Report(); report != nil && !report.IsZero() {
			logger.Info("migrations applied", "report", report.String())
		}
	}

	manager := repository.NewManager(db)
	manager.MustValidate()

	activity := lgr.GetLogger("activity")
	events := activitymap.Tee(manager.Events(), activitymap.Mapper{}, func(_ context.Context, e activitymap.Entry) {
		activity.Debug("linking activity", "verb", e.Verb, "actor", e.Actor, "subject", e.Subject, "role", e.Role)
	})

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	store := codeStore(sweepCtx, cfg, manager, lgr.GetLogger("codes"))

	queue := linking.NewWorkerQueue(cfg.Tasks.Workers, cfg.Tasks.QueueSize, lgr.GetLogger("tasks"))

	resolverOpts := []linking.ResolverOption{
		linking.WithResolverEventLog(events),
		linking.WithResolverLogger(lgr.GetLogger("resolver")),
		linking.WithIDGenerator(linking.HashedIDs),
	}
	if cfg.Media.Dir != "" {
		disk, err := mirror.NewDisk(cfg.Media.Dir,
			mirror.WithMaxBytes(cfg.Media.MaxBytes),
			mirror.WithTimeout(cfg.Media.Timeout),
			mirror.WithLogger(lgr.GetLogger("mirror")),
		)
		if err != nil {
			return err
		}
		resolverOpts = append(resolverOpts, linking.WithImageMirror(disk, queue))
	}
	resolver := linking.NewResolver(manager.Identities(), resolverOpts...)

	features := cfg.FeatureGate()
	pairing := linking.NewPairingCoordinator(store, resolver, cfg.Linking,
		linking.WithPairingFeatureGate(features),
		linking.WithPairingLogger(lgr.GetLogger("pairing")),
	)
	deviceLogin := linking.NewDeviceLoginCoordinator(store, cfg.Linking,
		linking.WithDeviceLoginFeatureGate(features),
		linking.WithDeviceLoginLogger(lgr.GetLogger("device_login")),
	)

	sessions, err := session.NewService(cfg.Session, session.WithLogger(lgr.GetLogger("session")))
	if err != nil {
		return err
	}
	verifier := session.NewAssertionVerifier(cfg.Providers.Keys, cfg.Providers.Audience)

	controller := linking.NewHTTPController(resolver, pairing, deviceLogin, verifier, linking.HTTPConfig{},
		linking.WithSessionIssuer(sessions),
		linking.WithSessionVerifier(sessions),
		linking.WithControllerLogger(lgr.GetLogger("http")),
	)

	var app *fiber.App
	srv := router.NewFiberAdapter(func(a *fiber.App) *fiber.App {
		app = router.DefaultFiberOptions(fiber.New(fiber.Config{
			UnescapePath:          true,
			StrictRouting:         false,
			BodyLimit:             cfg.Server.BodyLimit,
			DisableStartupMessage: true,
		}))
		return app
	})
	srv.Router().WithLogger(lgr.GetLogger("router"))
	controller.RegisterRoutes(srv.Router().Group("/api/v1"))

	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := srv.Serve(cfg.Server.Addr); err != nil {
			logger.Error("server failed", "error", err)
		}
	}()

	sig := WaitExitSignal()
	logger.Info("shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if app != nil {
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logger.Warn("server shutdown", "error", err)
		}
	}
	if err := queue.Close(shutdownCtx); err != nil {
		logger.Warn("task queue shutdown", "error", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Warn("tracing shutdown", "error", err)
	}
	return nil
}

// migrateCommand moves the schema with golang-migrate, "linkd migrate
// -direction down" drops every table.
func migrateCommand(ctx context.Context, cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	direction := fs.String("direction", repository.DirectionUp, "migration direction: up or down")
	if err := fs.Parse(args); err != nil {
		return err
	}

	db, err := repository.Open(cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	return repository.Run(ctx, db, *direction)
}

// codeStore picks the backend for pairing codes and login tickets. The SQL
// store is swept on the configured interval until ctx ends.
func codeStore(ctx context.Context, cfg *config.Config, manager *repository.Manager, logger linking.Logger) linking.CodeStore {
	if cfg.CodeStore.Backend != config.CodeStoreSQL {
		store := codestore.NewMemoryStore(codestore.WithSweepInterval(cfg.CodeStore.SweepInterval))
		go func() {
			<-ctx.Done()
			_ = store.Close()
		}()
		return store
	}

	store := manager.Codes()
	if cfg.CodeStore.SweepInterval > 0 {
		go sweep(ctx, store, cfg.CodeStore.SweepInterval, logger)
	}
	return store
}

func sweep(ctx context.Context, store *repository.CodeStore, every time.Duration, logger linking.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Sweep(ctx)
			if err != nil {
				logger.Warn("code sweep failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("code sweep", "removed", n)
			}
		}
	}
}

func WaitExitSignal() os.Signal {
	ch := make(chan os.Signal, 3)
	signal.Notify(ch,
		syscall.SIGINT,
		syscall.SIGQUIT,
		syscall.SIGTERM,
	)
	return <-ch
}
