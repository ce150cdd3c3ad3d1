package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lvdashuaibi/battlevote/config"
	"github.com/lvdashuaibi/battlevote/internal/api/graph"
	intkafka "github.com/lvdashuaibi/battlevote/internal/kafka"
	"github.com/lvdashuaibi/battlevote/internal/lock"
	"github.com/lvdashuaibi/battlevote/internal/logger"
	"github.com/lvdashuaibi/battlevote/internal/repository"
	"github.com/lvdashuaibi/battlevote/internal/service"
	"github.com/lvdashuaibi/battlevote/internal/sweeper"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

var configPath = flag.String("config", "config/config.yaml", "path to the config file")

func main() {
	flag.Parse()

	if _, err := os.Stat(".env"); err == nil {
		_ = godotenv.Load(".env")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("battlevote exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx := context.Background()

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	var cache service.StateCache
	if cfg.Redis.DataAddress != "" {
		redisRepo, err := repository.NewRedisRepository(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("init redis cache: %w", err)
		}
		defer redisRepo.Close()
		cache = redisRepo
		log.Info("vote state cache enabled", zap.String("addr", cfg.Redis.DataAddress))
	}

	var analytics service.Analytics = service.NopAnalytics{}
	if cfg.Kafka.Enabled() {
		producer := intkafka.NewProducer(cfg.Kafka, log)
		defer producer.Close()
		analytics = producer
	}

	voteService := service.NewVoteService(store, cache, analytics, service.SystemClock{}, log)

	if cfg.Voting.BackfillOnStart {
		if _, err := voteService.BackfillVoteStates(ctx); err != nil {
			return fmt.Errorf("backfill vote states: %w", err)
		}
	}

	if cfg.Kafka.Enabled() {
		consumer := intkafka.NewConsumer(cfg.Kafka, voteService, log)
		consumer.Start()
		defer func() {
			if err := consumer.Stop(); err != nil {
				log.Warn("stop lifecycle consumer", zap.Error(err))
			}
		}()
	}

	if cfg.Sweeper.Enabled {
		distLock, err := lock.New(ctx, cfg, log)
		if err != nil {
			return fmt.Errorf("init sweeper lock: %w", err)
		}
		if distLock != nil {
			defer distLock.Close()
		}
		sw := sweeper.New(store, cache, analytics, service.SystemClock{}, distLock, cfg.Sweeper, log)
		sw.Start()
		defer sw.Stop()
	}

	server := graph.NewGraphQLServer(voteService, cfg, log)
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("graphql server shutdown", zap.Error(err))
	}
	return nil
}

// openStore picks MySQL when a master DSN is configured, otherwise the
// in-memory store for single-process runs.
func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (repository.VoteStateStore, func(), error) {
	if cfg.MySQL.Master == "" {
		log.Warn("mysql.master not set, using in-memory vote store")
		return repository.NewMemoryStore(), func() {}, nil
	}

	mysqlRepo, err := repository.NewMySQLRepository(cfg.MySQL, log)
	if err != nil {
		return nil, nil, fmt.Errorf("init mysql repository: %w", err)
	}
	if cfg.MySQL.AutoMigrate {
		if err := mysqlRepo.Migrate(ctx); err != nil {
			mysqlRepo.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
	}
	return mysqlRepo, mysqlRepo.Close, nil
}
