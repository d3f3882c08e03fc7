package main

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/rl1809/stock-reservation/internal/adapter/handler"
	"github.com/rl1809/stock-reservation/internal/adapter/handler/rpc"
	"github.com/rl1809/stock-reservation/internal/adapter/messaging"
	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/config"
	"github.com/rl1809/stock-reservation/internal/core/service"
	"github.com/rl1809/stock-reservation/internal/logger"
	"github.com/rl1809/stock-reservation/internal/tracing"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to load config")
	}

	log, logCloser, err := logger.New(cfg.Log, cfg.Tracing.ServiceName)
	if err != nil {
		zlog.Fatal().Err(err).Msg("failed to init logger")
	}
	defer logCloser.Close()

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("server stopped with error")
	}
	log.Info().Msg("server stopped")
}

func run(cfg config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing.ServiceName, cfg.Tracing.OTLPEndpoint)
	if err != nil {
		return errors.Wrap(err, "init tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("tracer provider shutdown failed")
		}
	}()

	// MySQL
	db, err := openMySQL(ctx, cfg.MySQL)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info().Msg("connected to mysql")

	mysqlAdapter := storage.NewMySQLAdapter(db)
	if cfg.MySQL.Migrate {
		if err := mysqlAdapter.Migrate(ctx); err != nil {
			return err
		}
		log.Info().Msg("schema migrated")
	}

	opts := []service.Option{service.WithLogger(log)}
	httpOpts := []handler.HTTPOption{
		handler.WithRequestTimeout(cfg.Server.RequestTimeout),
		handler.WithHealthCheck("mysql", mysqlAdapter),
	}
	if cfg.Server.EnableSeed {
		httpOpts = append(httpOpts, handler.WithSeeder(mysqlAdapter))
	}

	// Redis
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			PoolSize: cfg.Redis.PoolSize,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return errors.Wrap(err, "connect redis")
		}
		log.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")

		redisAdapter := storage.NewRedisAdapter(rdb, cfg.Redis.IdempotencyTTL, cfg.Redis.StatusCacheTTL)
		opts = append(opts, service.WithCache(redisAdapter))
		httpOpts = append(httpOpts, handler.WithHealthCheck("redis", redisAdapter))
	}

	// Kafka
	if len(cfg.Kafka.Brokers) > 0 {
		writer := messaging.NewWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic, log)
		defer func() {
			if err := writer.Close(); err != nil {
				log.Warn().Err(err).Msg("kafka writer close failed")
			}
		}()
		opts = append(opts, service.WithEventPublisher(messaging.NewKafkaPublisher(writer)))
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("kafka publisher enabled")
	}

	reservationService := service.NewReservationService(mysqlAdapter, opts...)

	httpServer := &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      handler.NewHTTPHandler(reservationService, log, httpOpts...).Routes(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.Server.RequestTimeout + 5*time.Second,
	}

	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.UnaryLoggingInterceptor(log)))
	rpc.RegisterReservationServiceServer(grpcServer, handler.NewGRPCHandler(reservationService))

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.HTTPAddr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})

	if cfg.Server.GRPCAddr != "" {
		lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
		if err != nil {
			return errors.Wrapf(err, "listen %s", cfg.Server.GRPCAddr)
		}
		g.Go(func() error {
			log.Info().Str("addr", cfg.Server.GRPCAddr).Msg("gRPC server listening")
			if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return errors.Wrap(err, "grpc server")
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP server shutdown failed")
		}
		log.Info().Msg("HTTP server stopped")

		grpcServer.GracefulStop()
		log.Info().Msg("gRPC server stopped")
		return nil
	})

	return g.Wait()
}

func openMySQL(ctx context.Context, cfg config.MySQLConfig) (*sql.DB, error) {
	dsn, err := mysql.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "parse mysql dsn")
	}
	connector, err := mysql.NewConnector(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "mysql connector")
	}

	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "ping mysql")
	}
	return db, nil
}
