package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chat-relay/internal/calls"
	"chat-relay/internal/chat"
	"chat-relay/internal/config"
	"chat-relay/internal/db"
	"chat-relay/internal/ephemeral"
	"chat-relay/internal/gateway"
	"chat-relay/internal/health"
	"chat-relay/internal/logger"
	"chat-relay/internal/metrics"
	myMiddleware "chat-relay/internal/middleware"
	"chat-relay/internal/presence"
	"chat-relay/internal/relay"
	"chat-relay/internal/session"
	"chat-relay/internal/user"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	dev := flag.Bool("dev", false, "relax security headers for local development")
	flag.Parse()

	var cfg config.Config
	if err := config.Load(&cfg, *configPath, true); err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(logger.Config{
		Level:   logger.ParseLevel(cfg.Common.LogLevel),
		Format:  cfg.Common.LogFormat,
		Service: cfg.Common.Service,
	})

	if err := run(cfg, *dev, log); err != nil {
		log.Error("Server exited with error", logger.ErrorField(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, dev bool, log logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := metrics.NewMetrics()
	instanceID := uuid.NewString()

	database, err := db.NewDatabase(ctx, cfg.Database.DSN, log)
	if err != nil {
		return err
	}
	defer database.Close()
	log.Info("Connected to PostgreSQL")

	if err := database.Migrate(); err != nil {
		return err
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	needsRedis := strings.EqualFold(cfg.Store.Backend, "redis") || strings.EqualFold(cfg.Relay.Bridge, "redis")
	if needsRedis {
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		log.Info("Connected to Redis", logger.StringField("addr", cfg.Redis.Addr))
	}

	g, gctx := errgroup.WithContext(ctx)

	var store ephemeral.Store
	if strings.EqualFold(cfg.Store.Backend, "redis") {
		store = ephemeral.NewRedisStore(redisClient)
	} else {
		mem := ephemeral.NewMemoryStore(ephemeral.WithEvictionHook(func(n int) {
			m.EvictedKeys.Add(float64(n))
		}))
		g.Go(func() error {
			mem.Run(gctx, cfg.Store.SweepInterval)
			return nil
		})
		store = mem
	}

	// Identity and durable presence
	userRepo := user.NewRepository(database.Conn)
	userService := user.NewService(cfg.Auth.JWTSecret, cfg.Auth.Issuer)

	// Live state
	registry := session.NewRegistry(store, cfg.Presence.SessionTTL, log)
	tracker := presence.NewTracker(store, userRepo, presence.Config{
		TypingTTL:      cfg.Presence.TypingTTL,
		StatusCacheTTL: cfg.Presence.StatusCacheTTL,
		LastSeenTTL:    cfg.Presence.LastSeenTTL,
	}, log)
	hub := chat.NewHub(log)

	dispatcher := relay.NewDispatcher(hub, registry, relay.Config{
		SendTimeout:    cfg.Relay.SendTimeout,
		MaxConcurrency: cfg.Relay.MaxConcurrency,
	}, m, log)

	bridge, err := newBridge(cfg.Relay, redisClient, log)
	if err != nil {
		return err
	}
	if bridge != nil {
		defer bridge.Close()
		dispatcher.WithBridge(bridge, instanceID)
		g.Go(func() error {
			if err := dispatcher.Listen(gctx); err != nil && gctx.Err() == nil {
				return fmt.Errorf("relay bridge: %w", err)
			}
			return nil
		})
		log.Info("Relay bridge enabled",
			logger.StringField("bridge", cfg.Relay.Bridge),
			logger.StringField("instance", instanceID),
		)
	}

	router := calls.NewRouter(dispatcher, calls.Config{
		TerminalRetention: cfg.Calls.TerminalRetention,
		IdleTimeout:       cfg.Calls.IdleTimeout,
		SweepInterval:     cfg.Calls.SweepInterval,
	}, m, log)
	g.Go(func() error {
		router.Run(gctx)
		return nil
	})

	// Chat feature
	chatRepo := chat.NewRepository(database.Conn)
	chatService := chat.NewService(chatRepo, chat.NewNotifier(dispatcher, chatRepo, log))

	gw := gateway.New(gateway.Deps{
		Auth:          userService,
		Sessions:      registry,
		Presence:      tracker,
		Relay:         dispatcher,
		Calls:         router,
		Members:       chatService,
		Messages:      chatService,
		Subscriptions: hub,
	}, m, log)

	wsHandler := chat.NewHandler(hub, gw, cfg.HTTP.AllowOrigins, log)
	chatAPI := chat.NewAPI(chatService, tracker, log)
	userHandler := user.NewHandler(tracker, log)
	authMiddleware := myMiddleware.NewAuthMiddleware(userService)

	checker := health.NewChecker(3*time.Second, log)
	checker.Add(health.PingCheck("postgres", database))
	if needsRedis {
		checker.Add(health.RedisCheck(redisClient))
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(myMiddleware.Security(dev))
	r.Use(myMiddleware.CORS(myMiddleware.DefaultCORSConfig(cfg.HTTP.AllowOrigins)))
	if cfg.Metrics.Enabled {
		r.Use(m.HTTPMiddleware())
		r.Handle(cfg.Metrics.Path, m.Handler())
	}

	// Public routes
	r.Get("/healthz", health.LivenessHandler())
	r.Get("/readyz", checker.ReadinessHandler())
	r.Get("/ws", wsHandler.ServeWs)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Handle)
		chatAPI.Routes(r)
		userHandler.Routes(r)
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           r,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	g.Go(func() error {
		log.Info("Server starting", logger.StringField("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		hub.Shutdown()
		return err
	})

	return g.Wait()
}

func newBridge(cfg config.RelayConfig, client redis.UniversalClient, log logger.Logger) (relay.Bridge, error) {
	switch strings.ToLower(cfg.Bridge) {
	case "redis":
		return relay.NewRedisBridge(client, cfg.BridgeChannel, log), nil
	case "nats":
		b, err := relay.DialNATS(cfg.NATSURL, "chat-relay", log)
		if err != nil {
			return nil, err
		}
		return b.WithSubject(cfg.BridgeChannel), nil
	default:
		return nil, nil
	}
}
