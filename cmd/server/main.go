package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/swaprelay/params"
	"github.com/uhyunpark/swaprelay/pkg/api"
	"github.com/uhyunpark/swaprelay/pkg/bus"
	"github.com/uhyunpark/swaprelay/pkg/intake"
	"github.com/uhyunpark/swaprelay/pkg/order"
	"github.com/uhyunpark/swaprelay/pkg/queue"
	"github.com/uhyunpark/swaprelay/pkg/relay"
	"github.com/uhyunpark/swaprelay/pkg/router"
	"github.com/uhyunpark/swaprelay/pkg/storage"
	"github.com/uhyunpark/swaprelay/pkg/util"
	"github.com/uhyunpark/swaprelay/pkg/venue"
	"github.com/uhyunpark/swaprelay/pkg/worker"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("") // "" means load from .env in current directory

	logger, err := util.NewLogger(cfg.Server.LogLevel, cfg.Server.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Server.LogFile, "level", cfg.Server.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Fatalw("server_failed", "err", err)
	}
	sugar.Infow("server_stopped")
}

func run(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger) error {
	var rdb *redis.Client
	redisClient := func() (*redis.Client, error) {
		if rdb != nil {
			return rdb, nil
		}
		opts, err := redis.ParseURL(cfg.Bus.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opts)
		return rdb, nil
	}
	defer func() {
		if rdb != nil {
			rdb.Close()
		}
	}()

	// ---- Status bus ----
	b, err := openBus(ctx, cfg.Bus, redisClient, sugar)
	if err != nil {
		return err
	}
	defer b.Close()

	// ---- Order store + audit ----
	store, err := openStore(cfg.Store, redisClient)
	if err != nil {
		return err
	}
	defer store.Close()

	var audit storage.AuditLog = storage.NopAudit{}
	if cfg.Store.AuditPath != "" {
		fa, err := storage.NewFileAudit(cfg.Store.AuditPath)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer fa.Close()
		audit = fa
		sugar.Infow("audit_log_enabled", "path", cfg.Store.AuditPath)
	}

	// ---- Job queue ----
	q := openQueue(cfg.Queue, sugar)
	defer q.Close()

	// ---- Venues + router ----
	venues := venue.NewRegistry(
		venue.NewSim(venue.RaydiumConfig(cfg.Venues.Latency)),
		venue.NewSim(venue.MeteoraConfig(cfg.Venues.Latency)),
	)
	policy, err := router.ParsePolicy(cfg.Router.Policy)
	if err != nil {
		return err
	}
	rt := router.New(venues.List(venue.Raydium, venue.Meteora),
		router.WithPolicy(policy),
		router.WithTimeout(cfg.Router.VenueTimeout),
		router.WithPriority(cfg.Router.Priority...),
		router.WithLogger(sugar.Named("router")))

	// ---- Workers ----
	wcfg := worker.DefaultConfig()
	wcfg.MaxSlippage = cfg.Worker.MaxSlippage
	w := worker.New(wcfg, worker.Deps{
		Router: rt,
		Venues: venues,
		Store:  store,
		Bus:    b,
		Audit:  audit,
		Logger: sugar.Named("worker"),
	})
	pool := worker.NewPool(q, w, cfg.Worker.Concurrency, sugar.Named("pool"))

	// ---- API ----
	in := intake.New(store, q, b, util.RealClock{}, sugar.Named("intake"))
	acfg := api.DefaultConfig()
	acfg.PublicHost = cfg.Server.PublicHost
	acfg.RelayBuffer = cfg.Relay.Buffer
	acfg.RelayOverflow = relay.ParseOverflow(cfg.Relay.Overflow)
	srv := api.NewServer(acfg, in, store, b, sugar.Named("api"))

	sugar.Infow("server_starting",
		"addr", cfg.Server.Addr,
		"bus", cfg.Bus.Backend,
		"queue", cfg.Queue.Backend,
		"store", cfg.Store.Backend,
		"policy", policy,
		"venues", len(venues),
		"workers", cfg.Worker.Concurrency)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx, cfg.Server.Addr) })
	return g.Wait()
}

func openBus(ctx context.Context, cfg params.Bus, redisClient func() (*redis.Client, error), sugar *zap.SugaredLogger) (bus.Bus, error) {
	switch cfg.Backend {
	case "memory":
		return bus.NewMemory(), nil
	case "redis":
		rdb, err := redisClient()
		if err != nil {
			return nil, err
		}
		return bus.NewRedis(ctx, rdb, order.TopicPattern, sugar.Named("bus"))
	case "gossip":
		g, err := bus.NewGossip(ctx, bus.GossipConfig{
			ListenAddr: cfg.GossipListen,
			Bootstrap:  cfg.GossipBootstrap,
			Logger:     sugar.Named("bus"),
		})
		if err != nil {
			return nil, err
		}
		sugar.Infow("gossip_bus_ready", "peer_id", g.Host().ID().String(), "addrs", g.Host().Addrs())
		return g, nil
	}
	return nil, fmt.Errorf("unknown BUS_BACKEND %q", cfg.Backend)
}

func openStore(cfg params.Store, redisClient func() (*redis.Client, error)) (storage.OrderStore, error) {
	switch cfg.Backend {
	case "memory":
		return storage.NewMemoryStore(), nil
	case "pebble":
		return storage.NewPebbleStore(cfg.PebblePath)
	case "redis":
		rdb, err := redisClient()
		if err != nil {
			return nil, err
		}
		return storage.NewRedisStore(rdb, cfg.RedisTTL), nil
	}
	return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.Backend)
}

func openQueue(cfg params.Queue, sugar *zap.SugaredLogger) queue.Queue {
	if cfg.Backend == "kafka" {
		return queue.NewKafka(queue.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
			GroupID: cfg.KafkaGroup,
		}, sugar.Named("queue"))
	}
	return queue.NewMemory(cfg.Capacity)
}
