/*
main.go - Application entry point

PURPOSE:
  Starts the order and rider-cash ledger server: HTTP API plus the outbox
  relay that publishes domain events.

STARTUP SEQUENCE:
  1. Parse command-line flags
  2. Load configuration (YAML, .env, ORDERLEDGER_* environment)
  3. Initialize logging and the SQLite store
  4. Build the engine, the event publisher and the relay
  5. Run HTTP server and relay together until a signal arrives

COMMAND-LINE FLAGS:
  --config   YAML configuration file (optional)
  --port     HTTP server port, overrides server.port
  --db       SQLite database path, overrides database.path
             Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Stop the relay after its current batch
  4. Close broker and database connections

EXAMPLES:
  ./server --config=./config.yaml
  ./server --db=":memory:" --port=3000
  ORDERLEDGER_EVENTS_PUBLISHER=amqp ORDERLEDGER_AMQP_URL=amqp://localhost ./server

SEE ALSO:
  - config/config.go: Configuration sources and defaults
  - api/server.go: Router configuration
  - events/relay.go: Outbox relay
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/warp/order-ledger/api"
	"github.com/warp/order-ledger/config"
	"github.com/warp/order-ledger/engine"
	"github.com/warp/order-ledger/events"
	"github.com/warp/order-ledger/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	flagSet := pflag.NewFlagSet("server", pflag.ContinueOnError)
	configPath := flagSet.String("config", "", "YAML configuration file")
	port := flagSet.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flagSet.String("db", "", "SQLite database path (overrides config)")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if flagSet.Changed("port") {
		cfg.Server.Port = *port
	}
	if flagSet.Changed("db") {
		cfg.Database.Path = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := cfg.Log.NewLogger()
	if err != nil {
		return err
	}
	policy, err := cfg.EnginePolicy()
	if err != nil {
		return err
	}

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	eng := engine.New(store, policy, log)

	publisher, closePublisher, err := newPublisher(cfg.Events, log)
	if err != nil {
		return err
	}
	defer closePublisher()

	relay := events.NewRelay(store, publisher, log)
	relay.Interval = cfg.Events.RelayInterval
	relay.BatchSize = cfg.Events.BatchSize

	handler := api.NewHandler(eng, cfg.Restaurant.ID, log)
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Log:            log,
	})
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.WithFields(logrus.Fields{
			"port":       cfg.Server.Port,
			"db":         cfg.Database.Path,
			"restaurant": cfg.Restaurant.ID,
			"publisher":  cfg.Events.Publisher,
		}).Info("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return relay.Run(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}

// newPublisher returns the configured publisher and a close function.
func newPublisher(cfg config.EventsConfig, log logrus.FieldLogger) (events.Publisher, func(), error) {
	switch cfg.Publisher {
	case "amqp":
		p, err := events.DialAMQP(cfg.AMQPURL, cfg.Exchange, log)
		if err != nil {
			return nil, nil, err
		}
		return p, func() {
			if err := p.Close(); err != nil {
				log.WithError(err).Warn("closing broker connection")
			}
		}, nil
	default:
		return &events.LogPublisher{Log: log}, func() {}, nil
	}
}
