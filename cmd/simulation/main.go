package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"hubspoke.com/pkg/config"
	"hubspoke.com/pkg/engine"
	"hubspoke.com/pkg/event"
	"hubspoke.com/pkg/hub"
	"hubspoke.com/pkg/idgen"
	"hubspoke.com/pkg/kafka"
	"hubspoke.com/pkg/liquidation"
	"hubspoke.com/pkg/logger"
	"hubspoke.com/pkg/metrics"
	"hubspoke.com/pkg/nats"
	"hubspoke.com/pkg/spoke"
	"hubspoke.com/pkg/store"
)

func main() {
	path := flag.String("config", "configs/simulation.yaml", "path to the simulation config")
	flag.Parse()

	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Configure(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "configure logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logger.GetLogger().WithComponent("Simulation").WithError(err).Error("[Simulation] failed")
		os.Exit(1)
	}
}

// run 按配置装配各组件并跑完一次模拟
func run(ctx context.Context, cfg config.Config) error {
	log := logger.GetLogger().WithComponent("Simulation")
	log.Info("🚀 [Simulation] starting")

	if err := idgen.Init(cfg.NodeID); err != nil {
		return fmt.Errorf("init idgen: %w", err)
	}

	// 1. 事件出口
	// -------------------------------------------------------------------------
	events := newTally()
	sinks := event.Multi{event.NewLogSink()}

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := kafka.NewProducer(kafka.DefaultProducerConfig(cfg.Kafka.Brokers))
		if err != nil {
			return fmt.Errorf("kafka producer: %w", err)
		}
		defer producer.Close()
		sinks = append(sinks, event.NewKafkaSink(producer))

		if cfg.Kafka.GroupID != "" {
			consumer, err := kafka.NewConsumer(
				kafka.DefaultConsumerConfig(cfg.Kafka.Brokers, cfg.Kafka.GroupID, []string{event.TopicEvents}),
				events.kafkaHandler)
			if err != nil {
				return fmt.Errorf("kafka consumer: %w", err)
			}
			consumer.Start()
			defer consumer.Stop()
		}
		log.Info("✅ [Simulation] kafka events enabled")
	}

	if cfg.Nats.URL != "" {
		natsCfg := nats.DefaultConfig(cfg.Nats.URL)
		pub, err := nats.NewPublisher(natsCfg)
		if err != nil {
			return fmt.Errorf("nats publisher: %w", err)
		}
		defer pub.Close()
		sinks = append(sinks, event.NewNatsSink(pub))

		sub, err := nats.NewSubscriber(natsCfg, events.natsHandler)
		if err != nil {
			return fmt.Errorf("nats subscriber: %w", err)
		}
		defer sub.Close()
		if err := sub.Subscribe(event.SubjectPrefix + ">"); err != nil {
			return err
		}
		log.Info("✅ [Simulation] nats events enabled")
	}

	// 2. 价格源 + Hub / Spoke
	// -------------------------------------------------------------------------
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	w, err := buildWorld(ctx, cfg, sinks, rdb)
	if err != nil {
		return err
	}

	// 3. 指标 + 存储 + 引擎
	// -------------------------------------------------------------------------
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	opts := []engine.Option{engine.WithMetrics(m)}

	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Warn("[Simulation] metrics server stopped")
			}
		}()
		defer srv.Close()
		log.Infof("✅ [Simulation] metrics on %s/metrics", cfg.Metrics.Listen)
	}

	var repo *store.Repository
	if cfg.Store.DSN != "" {
		db, err := store.OpenMySQL(cfg.Store.DSN)
		if err != nil {
			return err
		}
		repo = store.NewRepository(db)
		if err := repo.AutoMigrate(); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
		opts = append(opts, engine.WithCheckpointer(repo))
	}

	e := engine.New(w.hub, engine.Config{
		CommandQueueLen:    cfg.Engine.QueueLen,
		DefaultTimeout:     cfg.Engine.Timeout,
		CheckpointInterval: cfg.Engine.CheckpointInterval,
	}, opts...)
	for _, sp := range w.spokes {
		if err := e.AddSpoke(sp); err != nil {
			return err
		}
	}
	if repo != nil {
		if err := e.Recover(ctx, repo); err != nil {
			return err
		}
	}
	e.Start()
	defer e.Stop()

	// 4. 清算监控 + Keeper
	// -------------------------------------------------------------------------
	var monitor *liquidation.Monitor
	if cfg.Liquidation.Enabled {
		keeperUser := spoke.UserID(cfg.Liquidation.KeeperUser)
		if err := fundKeeper(w, keeperUser, cfg.Liquidation.KeeperFunds); err != nil {
			return fmt.Errorf("fund keeper: %w", err)
		}
		monitor = liquidation.NewMonitor(e, liquidation.NewKeeper(e, keeperUser), liquidation.Config{
			ScanInterval: cfg.Liquidation.ScanInterval,
			NumShards:    cfg.Liquidation.NumShards,
			Workers:      cfg.Liquidation.Workers,
			QueueSize:    cfg.Liquidation.QueueSize,
		})
		monitor.SetMetrics(m)
		monitor.Start()
		defer monitor.Stop()
		log.Info("✅ [Simulation] liquidation monitor started")
	}

	// 5. 模拟
	// -------------------------------------------------------------------------
	shock, err := config.ParseRatio(cfg.Simulation.PriceShock)
	if err != nil {
		return err
	}
	sim := newSimulator(cfg.Simulation, w, e, monitor)
	if err := sim.seed(ctx); err != nil {
		return err
	}
	if err := sim.run(ctx, shock); err != nil {
		return err
	}

	// 等清算追上价格冲击
	if monitor != nil {
		settle := 3 * cfg.Liquidation.ScanInterval
		log.Infof("[Simulation] waiting %s for liquidations to settle", settle)
		select {
		case <-time.After(settle):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := checkInvariants(ctx, e); err != nil {
		return fmt.Errorf("invariants: %w", err)
	}
	if repo != nil {
		if err := e.Checkpoint(ctx); err != nil {
			return fmt.Errorf("final checkpoint: %w", err)
		}
	}
	report(e, monitor, sim, events)
	return nil
}

// report 打印汇总
func report(e *engine.Engine, monitor *liquidation.Monitor, sim *simulator, events *tally) {
	st := e.GetStats()
	fmt.Println("========== simulation summary ==========")
	fmt.Printf("commands:      %d (rejected %d, duplicate %d)\n", st.TotalCommands, st.RejectCount, st.DuplicateCount)
	fmt.Printf("borrowers:     %d (open/trade rejected %d)\n", len(sim.borrowers), sim.rejected)
	fmt.Printf("liquidations:  %d\n", st.LiquidationCount)
	fmt.Printf("checkpoints:   %d\n", st.CheckpointCount)
	fmt.Printf("underwater:    %d\n", underwater(e))
	if monitor != nil {
		ms := monitor.GetStats()
		fmt.Printf("monitor:       dispatched %d, succeeded %d, failed %d, dropped %d\n",
			ms.Dispatched, ms.Succeeded, ms.Failed, ms.Dropped)
	}

	names, counts := events.snapshot()
	if len(names) > 0 {
		fmt.Println("events read back:")
		for _, n := range names {
			fmt.Printf("  %-28s %d\n", n, counts[n])
		}
	}

	h := e.Hub()
	for i := 0; i < h.AssetCount(); i++ {
		a, err := h.GetAsset(hub.AssetID(i))
		if err != nil {
			continue
		}
		supplied, _ := h.TotalSuppliedAssets(a.ID)
		drawn, _ := h.TotalDrawnAssets(a.ID)
		fmt.Printf("asset %-6s supplied %.2f drawn %.2f rate %.4f\n",
			a.Underlying,
			metrics.Scale(supplied, int32(a.Decimals)),
			metrics.Scale(drawn, int32(a.Decimals)),
			metrics.Scale(&a.DrawnRate, 27))
	}
	fmt.Println("✅ done")
}
