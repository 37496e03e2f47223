package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	nodecfg "peerlend/config"
	"peerlend/core/events"
	"peerlend/crypto"
	"peerlend/observability"
	"peerlend/observability/logging"
	telemetry "peerlend/observability/otel"
	"peerlend/services/lending/indexer"
	"peerlend/services/lending/node"
	lendingserver "peerlend/services/lending/server"
	"peerlend/services/lendingd/config"
	"peerlend/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/lendingd/config.yaml", "path to lendingd config")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfgPath); err != nil {
		log.Fatalf("lendingd: %v", err)
	}
}

func run(ctx context.Context, cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env, err := nodecfg.Environ(cfg.EnvFiles...)
	if err != nil {
		return err
	}
	nodeCfg, err := nodecfg.Load(cfg.NodeConfig)
	if err != nil {
		return fmt.Errorf("load node config: %w", err)
	}
	if err := nodeCfg.ApplyEnv(env); err != nil {
		return err
	}

	logOpts := []logging.Option{logging.WithLevel(nodeCfg.Log.Level)}
	if nodeCfg.Log.File != "" {
		logOpts = append(logOpts, logging.WithFile(nodeCfg.Log.File, nodeCfg.Log.MaxSizeMB, nodeCfg.Log.MaxBackups))
	}
	logger, logCloser := logging.Setup("lendingd", nodeCfg.Environment, logOpts...)
	defer logCloser.Close()
	logger.Info("lendingd configured",
		slog.String("node_config", cfg.NodeConfig),
		slog.String("indexer_dsn", logging.MaskDSN(nodeCfg.IndexerDSN)),
		slog.String("issuer", cfg.Auth.Issuer),
		logging.MaskField("hmac_secret", cfg.Auth.HMACSecret),
		slog.Float64("requests_per_minute", cfg.RateLimit.RequestsPerMinute))

	shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: "lendingd",
		Environment: nodeCfg.Environment,
		Endpoint:    nodeCfg.Telemetry.Endpoint,
		Insecure:    nodeCfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(nodeCfg.Telemetry.Headers),
		Metrics:     nodeCfg.Telemetry.Metrics,
		Traces:      nodeCfg.Telemetry.Traces,
		SampleRatio: nodeCfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()

	adminKey, err := crypto.LoadFromKeystore(nodeCfg.AdminKeystorePath, env[nodecfg.EnvAdminSecret])
	if err != nil {
		return fmt.Errorf("load admin keystore: %w", err)
	}

	if err := os.MkdirAll(nodeCfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := storage.NewLevelDB(filepath.Join(nodeCfg.DataDir, "state"))
	if err != nil {
		return fmt.Errorf("open state db: %w", err)
	}
	defer db.Close()

	historyDB, err := indexer.Open(nodeCfg.IndexerDSN)
	if err != nil {
		return err
	}
	if sqlDB, err := historyDB.DB(); err == nil {
		defer sqlDB.Close()
	}
	history, err := indexer.New(historyDB, logger.With("component", "indexer"))
	if err != nil {
		return err
	}

	n, err := node.New(ctx, node.Options{
		DB:        db,
		ChainID:   nodeCfg.ChainID,
		Contracts: nodeCfg.Contracts,
		Admin:     adminKey.Address(),
		Lending:   nodeCfg.Lending,
		Pauses:    nodeCfg.Pauses,
		Logger:    logger.With("component", "lending"),
		Metrics:   observability.LendingMetrics(),
		Emitter:   events.Fanout{history, observability.Events()},
	})
	if err != nil {
		return err
	}
	if nodeCfg.BootstrapManifest != "" {
		manifest, err := nodecfg.LoadBootstrap(nodeCfg.BootstrapManifest)
		if err != nil {
			return err
		}
		if _, err := n.Bootstrap(ctx, manifest); err != nil {
			return err
		}
	}

	apiCfg := lendingserver.Config{
		ServiceName:    "lendingd",
		Auth:           cfg.Auth,
		RateLimit:      cfg.RateLimit,
		Logger:         logger.With("component", "api"),
		IdempotencyTTL: cfg.Idempotency.TTL,
	}
	if cfg.Idempotency.RedisAddr != "" {
		rdb, err := openRedis(ctx, cfg.Idempotency.RedisAddr, cfg.Idempotency.RedisDB)
		if err != nil {
			return fmt.Errorf("open idempotency store: %w", err)
		}
		defer rdb.Close()
		apiCfg.Idempotency = rdb
	}
	api, err := lendingserver.New(n, history, apiCfg)
	if err != nil {
		return err
	}
	tlsCfg, err := lendingserver.TLSConfig(cfg.TLS, cfg.Auth.MTLS.AllowedCommonNames)
	if err != nil {
		return fmt.Errorf("configure tls: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.ListenAddress, err)
	}
	if tlsCfg == nil {
		tcpAddr, _ := listener.Addr().(*net.TCPAddr)
		loopback := tcpAddr != nil && tcpAddr.IP != nil && tcpAddr.IP.IsLoopback()
		if !strings.EqualFold(nodeCfg.Environment, "dev") && !loopback {
			listener.Close()
			return errors.New("plaintext lendingd mode is restricted to loopback listeners or dev environment")
		}
	}

	httpServer := &http.Server{
		Handler:           otelhttp.NewHandler(api.Handler(), "lendingd"),
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("lendingd listening",
			slog.String("address", listener.Addr().String()),
			slog.Uint64("chain_id", nodeCfg.ChainID),
			slog.Bool("tls", tlsCfg != nil))
		var err error
		if tlsCfg != nil {
			err = httpServer.ServeTLS(listener, "", "")
		} else {
			err = httpServer.Serve(listener)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openRedis(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, err
	}
	return rdb, nil
}
