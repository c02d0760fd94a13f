package peerchat

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/peerchat/peerchat/archive"
	"github.com/peerchat/peerchat/gateway"
	"github.com/peerchat/peerchat/server"
)

const shutdownTimeout = 10 * time.Second

// App assembles the broker, the rendezvous point, the optional message
// archive, and the optional HTTP gateway from a Config.
type App struct {
	config  *Config
	logger  *slog.Logger
	db      *archive.SQLiteDB
	broker  *server.Server
	gateway *gateway.Gateway

	cleanupFuncs []func(context.Context) error
}

func New(ctx context.Context, config *Config) (*App, error) {
	if config == nil {
		var err error
		config, err = LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config:\n%s", FormatValidationErrors(err))
	}

	app := &App{config: config}

	app.logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.SourceKey {
				source, _ := a.Value.Any().(*slog.Source)
				if source != nil {
					source.File = filepath.Base(source.File)
				}
			}
			return a
		},
	}))

	brokerOpts := []server.Option{
		server.WithLogger(app.logger),
		server.WithBaseContext(ctx),
	}

	if config.Archive.File != "" {
		db, err := archive.NewSQLiteDB(config.Archive.File, &archive.SQLiteDBOption{
			Mode:        "rwc",
			Cache:       "shared",
			JournalMode: "WAL",
		})
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		if err := db.Migrate(); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate archive: %w", err)
		}
		app.db = db
		app.AddCleanupFunc(func(context.Context) error {
			return db.Close()
		})
		brokerOpts = append(brokerOpts, server.WithArchiver(archive.NewStore(db)))
	}

	app.broker = server.New(server.Config{
		Addr:                config.Server.Addr,
		RendezvousAddr:      config.Server.RendezvousAddr,
		AdvertiseHost:       config.Server.AdvertiseHost,
		IdleTimeout:         config.Server.IdleTimeout,
		UnregisteredTimeout: config.Server.UnregisteredTimeout,
	}, brokerOpts...)

	if config.Gateway.Enabled {
		app.gateway = gateway.New(gateway.Config{
			Addr:           config.Gateway.Addr,
			TokenSecret:    []byte(config.Gateway.Secret),
			AllowedOrigins: config.Gateway.AllowedOrigins,
		}, app.broker, gateway.WithLogger(app.logger))
	}

	return app, nil
}

// Run starts everything and blocks until ctx is cancelled or a component
// fails, then shuts the components down in reverse order.
func (app *App) Run(ctx context.Context) error {
	if err := app.broker.Start(); err != nil {
		return fmt.Errorf("start broker: %w", err)
	}
	app.logger.Info("broker listening",
		slog.String("addr", app.broker.Addr().String()),
		slog.String("rendezvous", app.broker.RendezvousAddr().String()))

	g, ctx := errgroup.WithContext(ctx)

	if app.gateway != nil {
		g.Go(app.gateway.Start)
	}

	g.Go(func() error {
		<-ctx.Done()
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.shutdown(closeCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	app.logger.Info("app shutdown gracefully")
	return nil
}

func (app *App) shutdown(ctx context.Context) error {
	var err error
	if app.gateway != nil {
		err = multierr.Append(err, app.gateway.Shutdown(ctx))
	}
	app.broker.Close()
	for i := len(app.cleanupFuncs) - 1; i >= 0; i-- {
		err = multierr.Append(err, app.cleanupFuncs[i](ctx))
	}
	return err
}

func (app *App) AddCleanupFunc(f func(context.Context) error) {
	app.cleanupFuncs = append(app.cleanupFuncs, f)
}
