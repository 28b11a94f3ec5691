package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	stdb "github.com/clockworklabs/spacetimedb-go-sdk"
	"github.com/clockworklabs/spacetimedb-go-sdk/internal/bsatn"
	"github.com/clockworklabs/spacetimedb-go-sdk/internal/monitoring"
	"github.com/clockworklabs/spacetimedb-go-sdk/internal/wire"
)

func main() {
	var debug = flag.Bool("debug", false, "enable debug logging (overrides LOG_LEVEL)")
	flag.Parse()

	bootLogger := log.New(os.Stdout, "[stdb] ", log.LstdFlags)

	// automaxprocs sets GOMAXPROCS from the container CPU quota; it rounds
	// down, so a 1.5 CPU limit yields GOMAXPROCS=1.
	bootLogger.Printf("GOMAXPROCS: %d (via automaxprocs)", runtime.GOMAXPROCS(0))

	cfg, err := LoadConfig(nil)
	if err != nil {
		bootLogger.Fatalf("failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}
	cfg.Print()

	logger := monitoring.NewLogger(monitoring.LoggerConfig{
		Level:  monitoring.LogLevel(cfg.LogLevel),
		Format: monitoring.LogFormat(cfg.LogFormat),
	})
	cfg.LogConfig(logger)

	metrics := stdb.NewMetrics()
	go serveMetrics(cfg.MetricsAddr, metrics, logger)

	schema := buildSchema()

	compression := stdb.CompressionNone
	if cfg.Compression == "gzip" {
		compression = stdb.CompressionGzip
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	conn, err := stdb.NewBuilder(schema).
		WithURI(cfg.ServerURI).
		WithNameOrAddress(cfg.Database).
		WithToken(cfg.Token).
		WithCompression(compression).
		WithLightMode(cfg.LightMode).
		WithLogger(logger).
		WithMetrics(metrics).
		OnConnect(func(c *stdb.DbConnection) {
			identity, _ := c.Identity()
			logger.Info().Str("identity", identity.String()).Msg("connected")
		}).
		OnDisconnect(func(err error) {
			logger.Warn().Err(err).Msg("disconnected")
		}).
		OnConnectError(func(err error) {
			logger.Error().Err(err).Msg("connect failed")
		}).
		Build(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open connection")
	}

	conn.OnReducer("send_message", func(update wire.TransactionUpdate, args []any, callErr error) {
		if callErr != nil {
			logger.Error().Err(callErr).Msg("send_message failed")
			return
		}
		logger.Info().Interface("args", args).Msg("send_message committed")
	})

	messages := conn.Cache("message")
	messages.OnInsert(func(row any) {
		if m, ok := row.(Message); ok {
			logger.Info().Str("sender", m.Sender.String()).Str("text", m.Text).Msg("message")
		}
	})

	sub, err := conn.SubscriptionBuilder().
		OnApplied(func() { logger.Info().Msg("subscription applied") }).
		OnError(func(err error) { logger.Error().Err(err).Msg("subscription error") }).
		SubscribeToAllTables()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to subscribe")
	}

	if err := conn.CallReducer("send_message", encodeSendMessage("hello from the example client"), stdb.FullUpdate); err != nil {
		logger.Error().Err(err).Msg("failed to call send_message")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	_ = sub.Unsubscribe()
	if err := conn.Disconnect(); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}

// serveMetrics exposes the Prometheus handler on a best-effort basis; a
// failure to bind does not bring down the client.
func serveMetrics(addr string, metrics *stdb.Metrics, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn().Err(err).Msg("metrics server stopped")
	}
}

// encodeSendMessage encodes the arguments for the send_message reducer.
func encodeSendMessage(text string) []byte {
	w := bsatn.NewWriter()
	w.WriteString(text)
	return w.Bytes()
}
