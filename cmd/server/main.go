package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/t77yq/alert-converge/internal/collation"
	"github.com/t77yq/alert-converge/internal/converge"
	"github.com/t77yq/alert-converge/internal/dimension"
	"github.com/t77yq/alert-converge/internal/lock"
	"github.com/t77yq/alert-converge/internal/metrics"
	"github.com/t77yq/alert-converge/internal/monitor"
	"github.com/t77yq/alert-converge/internal/processor"
	"github.com/t77yq/alert-converge/internal/queue"
	"github.com/t77yq/alert-converge/internal/shield"
	"github.com/t77yq/alert-converge/internal/storage"
	"github.com/t77yq/alert-converge/internal/strategy"
	"github.com/t77yq/alert-converge/internal/sweeper"
	"github.com/t77yq/alert-converge/internal/worker"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Load configuration
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	if err := viper.ReadInConfig(); err != nil {
		logger.Fatal("Failed to read config file", zap.Error(err))
	}

	workerID := viper.GetString("app.worker_id")
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%s", hostname, uuid.New().String()[:8])
	}

	// Connect to NATS with more options
	opts := []nats.Option{
		nats.Name(viper.GetString("app.name")),
		nats.MaxReconnects(viper.GetInt("nats.max_reconnects")),
		nats.ReconnectWait(viper.GetDuration("nats.reconnect_wait")),
		nats.Timeout(viper.GetDuration("nats.connect_timeout")),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			logger.Error("NATS connection error",
				zap.String("subject", sub.Subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	// Connect with retry
	var nc *nats.Conn
	maxRetries := 5
	for i := 0; i < maxRetries; i++ {
		nc, err = nats.Connect(viper.GetString("nats.urls.0"), opts...)
		if err == nil {
			break
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	if err != nil {
		logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
	}
	defer nc.Close()

	logger.Info("Connected to NATS successfully",
		zap.String("url", nc.ConnectedUrl()))

	js, err := nc.JetStream()
	if err != nil {
		logger.Fatal("Failed to create JetStream context", zap.Error(err))
	}

	// Connect to Redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     viper.GetString("redis.addr"),
		Password: viper.GetString("redis.password"),
		DB:       viper.GetInt("redis.db"),
	})
	defer redisClient.Close()

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	pingCancel()
	logger.Info("Connected to Redis successfully",
		zap.String("addr", viper.GetString("redis.addr")))

	// Open local storage
	db, err := storage.Open(viper.GetString("storage.path"))
	if err != nil {
		logger.Fatal("Failed to open storage", zap.Error(err))
	}
	defer db.Close()

	actions, err := storage.NewActionStore(db, logger)
	if err != nil {
		logger.Fatal("Failed to create action store", zap.Error(err))
	}
	converges, err := storage.NewConvergeStore(db, logger)
	if err != nil {
		logger.Fatal("Failed to create converge store", zap.Error(err))
	}
	audit, err := storage.NewAuditStore(db, logger)
	if err != nil {
		logger.Fatal("Failed to create audit store", zap.Error(err))
	}

	// Assemble the core
	provider := strategy.NewRedisProvider(redisClient, logger)
	sem := lock.NewSemaphore(redisClient, viper.GetDuration("lock.ttl"), logger)
	hasher := dimension.NewHasher(viper.GetInt("converge.key_max_length"))

	manager := converge.NewManager(converges, sem, hasher, redisClient, converge.Config{
		BizWindow:    viper.GetDuration("converge.biz_window"),
		BizThreshold: viper.GetInt("converge.biz_threshold"),
	}, logger)

	index := collation.NewIndex(redisClient, viper.GetDuration("collation.ttl"), logger)

	collector := metrics.NewCollector(workerID, redisClient,
		viper.GetDuration("metrics.report_interval"), logger)

	adapter, err := queue.NewAdapter(js, logger)
	if err != nil {
		logger.Fatal("Failed to create queue adapter", zap.Error(err))
	}

	proc := processor.New(actions, audit, manager,
		shield.NewEvaluator(provider, logger), provider, adapter, index, collector,
		processor.Config{
			RetryDelay:     viper.GetDuration("processor.retry_delay"),
			LockRetryDelay: viper.GetDuration("processor.lock_retry_delay"),
		}, logger)

	// Setup signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	// Start everything
	w := worker.New(js, proc, worker.Config{
		AckWait: viper.GetDuration("worker.ack_wait"),
	}, logger)
	if err := w.Start(ctx); err != nil {
		logger.Fatal("Failed to start worker", zap.Error(err))
	}

	sw := sweeper.New(actions, converges, audit, collector, sweeper.Config{
		MaxAbsorbWindow: viper.GetDuration("sweeper.max_absorb_window"),
		AuditRetention:  viper.GetDuration("sweeper.audit_retention"),
	}, logger)
	if err := sw.Start(ctx); err != nil {
		logger.Fatal("Failed to start sweeper", zap.Error(err))
	}

	reporter, err := monitor.NewReporter(workerID, js,
		viper.GetDuration("monitor.interval"), logger)
	if err != nil {
		logger.Fatal("Failed to create health reporter", zap.Error(err))
	}
	reporter.Start(ctx)

	collector.Start(ctx)

	logger.Info("Convergence core started", zap.String("worker_id", workerID))

	// Wait for shutdown signal
	<-ctx.Done()

	// Graceful shutdown: stop taking work first, then the periodic jobs.
	if err := w.Stop(); err != nil {
		logger.Warn("Failed to drain worker", zap.Error(err))
	}
	sw.Stop()
	reporter.Stop()
	collector.Stop()

	logger.Info("Shutdown complete")
}
