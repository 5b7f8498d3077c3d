package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"peersupport/backend/internal/api/handler"
	"peersupport/backend/internal/auth"
	"peersupport/backend/internal/chathub"
	"peersupport/backend/internal/config"
	"peersupport/backend/internal/logging"
	"peersupport/backend/internal/storage"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func setupDependencies(cfg *config.Config, log *zap.Logger) (*gorm.DB, *redis.Client, error) {
	db, err := storage.Open(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := storage.Migrate(db); err != nil {
			return nil, nil, fmt.Errorf("run migrations: %w", err)
		}
	}
	log.Info("database ready", zap.String("driver", cfg.Database.Driver))

	if !cfg.Redis.Enabled {
		return db, nil, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	log.Info("redis ready", zap.String("addr", cfg.Redis.Addr))

	return db, rdb, nil
}

func main() {
	cfg := config.Load()

	log, err := logging.NewLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	db, rdb, err := setupDependencies(cfg, log)
	if err != nil {
		log.Fatal("failed to initialise dependencies", zap.Error(err))
	}
	store := storage.NewStorageService(db)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := chathub.NewMetrics(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	presence := chathub.NewPresence()
	var (
		bus      chathub.Bus
		redisBus *chathub.RedisBus
		routerOp []chathub.RouterOption
	)
	if rdb != nil {
		redisBus = chathub.NewRedisBus(ctx, rdb, cfg.Redis.ChannelPrefix, presence, metrics, log)
		go redisBus.Run(ctx)
		bus = redisBus
		routerOp = append(routerOp, chathub.WithSequencer(
			chathub.NewRedisSequencer(rdb, store, cfg.Redis.ChannelPrefix, 24*time.Hour),
		))
	} else {
		bus = chathub.NewLocalBus(presence, metrics, log)
	}
	routerOp = append(routerOp, chathub.WithHistoryLimit(cfg.Chat.HistoryLimit))

	verifier := auth.NewJWTVerifier(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.Auth.AllowedRoles, store)
	gateway := chathub.NewGateway(verifier, presence, bus, metrics, log)
	broker := chathub.NewBroker(store, presence, bus, chathub.BrokerOptions{
		RejectDuplicates: cfg.Chat.DuplicatePolicy == config.DuplicatePolicyReject,
	}, metrics, log)
	router := chathub.NewRouter(store, presence, bus, metrics, log, routerOp...)
	hub := chathub.NewManagerService(gateway, broker, router, presence, log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	h := handler.NewHandler(hub, db, chathub.ClientOptions{
		SendBuffer:      cfg.Chat.SendBuffer,
		MaxFrameSize:    cfg.Chat.MaxFrameSize,
		EventsPerSecond: cfg.Chat.EventsPerSecond,
		EventBurst:      cfg.Chat.EventBurst,
	}, cfg.Server.AllowedOrigins, log)

	server := &http.Server{
		Addr:           ":" + cfg.Server.Port,
		Handler:        h.NewRouter(reg),
		ReadTimeout:    cfg.Server.ReadTimeout,
		WriteTimeout:   cfg.Server.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	go func() {
		log.Info("starting server", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.Server.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"http-server": func(ctx context.Context) error {
				log.Info("graceful shutdown initiated")
				return server.Shutdown(ctx)
			},
			"chat-hub": func(ctx context.Context) error {
				cancel()
				return hub.Shutdown(ctx)
			},
		},
	)

	exitCode := <-wait
	if redisBus != nil {
		_ = redisBus.Close()
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	if err := storage.Close(db); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
	log.Info("application exited", zap.Int("code", exitCode))
	os.Exit(exitCode)
}
