// Package main is the entry point for the provider daemon.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/agreenet/providerd/internal/chain"
	"github.com/agreenet/providerd/internal/config"
	"github.com/agreenet/providerd/internal/daemon"
	"github.com/agreenet/providerd/internal/database"
	"github.com/agreenet/providerd/internal/details"
	"github.com/agreenet/providerd/internal/indexer"
	"github.com/agreenet/providerd/internal/pipe"
	"github.com/agreenet/providerd/internal/provider"
	"github.com/agreenet/providerd/internal/provider/echo"
	"github.com/agreenet/providerd/internal/reconciler"
	"github.com/agreenet/providerd/internal/store"
)

const dataDir = "data"

// operatorGroup collects the runtimes sharing one operator identity and the
// pipe transports serving them.
type operatorGroup struct {
	operator *provider.Operator
	router   *pipe.Router
	port     int
}

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	logger.Info("Starting provider daemon",
		slog.String("chain", cfg.Chain.Name),
		slog.String("environment", cfg.NodeEnv),
		slog.Int("providers", len(cfg.Providers)),
	)

	ctx := context.Background()

	// Connect to PostgreSQL
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Connected to PostgreSQL")

	if err := db.RunMigrations(); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	logger.Info("Database migrations completed")

	// Connect to Redis
	rdb, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer rdb.Close()
	logger.Info("Connected to Redis")

	st := store.NewPostgres(db.Pool(), logger)

	registry := details.NewRegistry(st, filepath.Join(dataDir, "details"), logger)
	if err := registry.Sync(ctx); err != nil {
		log.Fatalf("Failed to sync detail files: %v", err)
	}

	idx := indexer.NewClient(cfg.Chain.IndexerEndpoint)
	health := indexer.NewHealthTracker(idx, logger)

	if cfg.Chain.RegistryAddress == "" {
		log.Fatalf("REGISTRY_ADDRESS is required")
	}
	registryAddr := common.HexToAddress(cfg.Chain.RegistryAddress)

	// One runtime per configured provider, grouped by operator identity so
	// sibling providers share a route table and transports.
	groups := make(map[common.Address]*operatorGroup)
	var runtimes []*provider.Runtime
	for _, pc := range cfg.Providers {
		operatorKey, err := crypto.HexToECDSA(strings.TrimPrefix(pc.OperatorPrivateKey, "0x"))
		if err != nil {
			log.Fatalf("Provider %s: invalid operator key: %v", pc.Tag, err)
		}
		operatorAddr := crypto.PubkeyToAddress(operatorKey.PublicKey)

		group, ok := groups[operatorAddr]
		if !ok {
			router := pipe.NewRouter(logger)
			group = &operatorGroup{
				operator: provider.NewOperator(operatorAddr, router, st, registry, dataDir, logger),
				router:   router,
				port:     pc.OperatorPipePort,
			}
			group.operator.RegisterRoutes()
			groups[operatorAddr] = group
		} else if group.port != pc.OperatorPipePort {
			logger.Warn("operator pipe port mismatch, keeping first",
				slog.String("operator", operatorAddr.Hex()),
				slog.String("tag", pc.Tag),
				slog.Int("port", group.port),
			)
		}

		billingKey, err := crypto.HexToECDSA(strings.TrimPrefix(pc.BillingPrivateKey, "0x"))
		if err != nil {
			log.Fatalf("Provider %s: invalid billing key: %v", pc.Tag, err)
		}
		chainClient, err := chain.NewRPCClient(ctx, cfg.Chain.RPCHost, registryAddr, billingKey, logger)
		if err != nil {
			log.Fatalf("Provider %s: chain client: %v", pc.Tag, err)
		}
		defer chainClient.Close()

		rt := provider.NewRuntime(provider.RuntimeOptions{
			Config:   pc,
			Store:    st,
			Chain:    chainClient,
			Registry: registry,
			Router:   group.router,
			Backend:  echo.New(logger), // embedding binaries swap in their own backend
			DataDir:  dataDir,
			Logger:   logger,
		})
		if err := group.operator.Add(rt); err != nil {
			log.Fatalf("Provider %s: %v", pc.Tag, err)
		}
		runtimes = append(runtimes, rt)
	}

	// Validation completes before any transport accepts requests.
	for _, rt := range runtimes {
		if err := rt.Setup(ctx); err != nil {
			log.Fatalf("Provider setup failed: %v", err)
		}
	}

	rec := reconciler.New(reconciler.Options{
		Store:    st,
		Indexer:  idx,
		Health:   health,
		Runtimes: runtimes,
		Window:   cfg.Intervals.BlockProcessRange,
		Interval: cfg.Intervals.AgreementCheck,
		Logger:   logger,
	})
	if err := rec.Init(ctx); err != nil {
		log.Fatalf("Reconciler init failed: %v", err)
	}

	sweeper := reconciler.NewSweeper(reconciler.SweeperOptions{
		Indexer:  idx,
		Health:   health,
		Runtimes: runtimes,
		Interval: cfg.Intervals.AgreementBalanceCheck,
		Logger:   logger,
	})

	sup := daemon.NewSupervisor(logger)
	sup.Add("reconciler", rec.Run)
	sup.Add("sweeper", sweeper.Run)
	sup.Add("health", daemon.NewHealthServer(cfg.Server.Port, db, rdb, logger).Run)
	for addr, group := range groups {
		httpListener := pipe.NewHTTPListener(group.router, pipe.HTTPListenerOptions{
			Port:            group.port,
			RateLimit:       cfg.Server.RateLimit,
			RateLimitWindow: cfg.Server.RateLimitWindow,
			Redis:           rdb,
		}, logger)
		busListener := pipe.NewBusListener(group.router, rdb, addr, logger)
		sup.Add("pipe-http "+addr.Hex(), httpListener.Run)
		sup.Add("pipe-bus "+addr.Hex(), busListener.Run)
	}

	sup.OnShutdown(func() {
		for _, rt := range runtimes {
			rt.Watchers().Wait()
		}
	})

	return sup.Run(ctx)
}

func logLevel(name string) slog.Level {
	switch name {
	case "error":
		return slog.LevelError
	case "warning":
		return slog.LevelWarn
	case "info":
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
