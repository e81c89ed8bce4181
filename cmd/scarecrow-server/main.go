package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/scarecrow-farm/scarecrow-server/internal/aggregate"
	"github.com/scarecrow-farm/scarecrow-server/internal/alert"
	"github.com/scarecrow-farm/scarecrow-server/internal/api"
	"github.com/scarecrow-farm/scarecrow-server/internal/bridge"
	"github.com/scarecrow-farm/scarecrow-server/internal/config"
	"github.com/scarecrow-farm/scarecrow-server/internal/ingest"
	"github.com/scarecrow-farm/scarecrow-server/internal/live"
	"github.com/scarecrow-farm/scarecrow-server/internal/models"
	"github.com/scarecrow-farm/scarecrow-server/internal/storage"
	"github.com/scarecrow-farm/scarecrow-server/internal/tracker"
)

func main() {
	// Command line flags
	var configFile string
	flag.StringVar(&configFile, "config", "config/scarecrow-server.yml", "Configuration file path")
	flag.Parse()

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	// Load configuration
	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Set log level
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Connect to storage. Without a DSN the server runs standalone on
	// the in-memory store.
	var store storage.Store
	if cfg.Database.DSN != "" {
		pg, err := storage.NewPostgresStore(cfg.Database.DSN)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate database")
		}
		store = pg
		log.Info().Msg("Connected to database")
	} else {
		store = storage.NewMemoryStore()
		log.Info().Msg("No database configured, running on in-memory store")
	}
	defer store.Close()

	// Liveness tracker
	trk := tracker.New(store, cfg.Monitor.OfflineThreshold, cfg.Monitor.CheckInterval)
	if err := trk.Hydrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to hydrate tracker")
	}

	// Aggregation engine
	engine := aggregate.NewEngine(store)

	// Ingestion gateway
	gateway := ingest.NewGateway(store, trk, cfg.Monitor)
	gateway.SetInvalidator(engine)

	// Optional NATS event bus for live updates and alert delivery
	var liveHandler http.Handler
	var alertPub alert.Publisher
	if cfg.NATS.URL != "" {
		log.Info().Str("url", cfg.NATS.URL).Msg("Connecting to NATS...")

		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name(cfg.Server.Name),
			nats.UserInfo(cfg.NATS.Username, cfg.NATS.Password),
			nats.ReconnectWait(cfg.NATS.ReconnectInterval),
			nats.MaxReconnects(cfg.NATS.MaxReconnects),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				log.Warn().Err(err).Msg("Disconnected from NATS")
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info().Msg("Reconnected to NATS")
			}),
		)

		if err != nil {
			log.Warn().Err(err).Msg("Failed to connect to NATS, continuing without live updates")
		} else {
			defer nc.Close()
			log.Info().Msg("Connected to NATS")

			bus := live.NewBus(nc)
			gateway.SetPublisher(bus)
			alertPub = bus
			liveHandler = live.NewHub(nc)
		}
	} else {
		log.Info().Msg("NATS not configured, live updates disabled")
	}

	// Alert dispatcher
	dispatcher := alert.NewDispatcher(store, cfg.Alerts, alertPub)
	gateway.SetEvaluator(dispatcher)
	trk.OnTransition(func(deviceID string, from, to models.ConnState, at time.Time) {
		engine.Invalidate(deviceID, at)
		dispatcher.HandleTransition(ctx, deviceID, from, to, at)
	})

	var wg sync.WaitGroup

	// Liveness checker
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := trk.Run(ctx); err != nil && err != context.Canceled {
			log.Error().Err(err).Msg("Liveness checker stopped")
		}
	}()

	// Optional MQTT ingest bridge
	if cfg.MQTT.Broker != "" {
		mqttBridge := bridge.NewBridge(cfg.MQTT, gateway)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mqttBridge.Start(ctx); err != nil && err != context.Canceled {
				log.Error().Err(err).Msg("MQTT bridge stopped")
			}
		}()
	} else {
		log.Info().Msg("MQTT not configured, webhook ingestion only")
	}

	// REST API server
	apiServer := api.NewRESTServer(cfg, store, trk, engine, gateway, liveHandler)

	wg.Add(1)
	go func() {
		defer wg.Done()
		addr := fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port)
		if err := apiServer.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("REST API server failed")
		}
	}()

	// Wait for signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down")

	cancel()

	if err := apiServer.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown API server gracefully")
	}

	dispatcher.Drain()
	wg.Wait()

	log.Info().Msg("Scarecrow server stopped")
}
