package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/npezzotti/go-chatrooms/internal/api"
	"github.com/npezzotti/go-chatrooms/internal/assistant"
	"github.com/npezzotti/go-chatrooms/internal/auth"
	"github.com/npezzotti/go-chatrooms/internal/broker"
	"github.com/npezzotti/go-chatrooms/internal/config"
	"github.com/npezzotti/go-chatrooms/internal/database"
	"github.com/npezzotti/go-chatrooms/internal/quota"
	"github.com/npezzotti/go-chatrooms/internal/ratelimit"
	"github.com/npezzotti/go-chatrooms/internal/server"
	"github.com/npezzotti/go-chatrooms/internal/stats"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr           string
	dsn            string
	signingKey     string
	brokerKind     string
	allowedOrigins stringSliceFlag
)

func main() {
	logger := log.New(os.Stderr, "[go-chat] ", log.LstdFlags)

	cfg, err := config.FromEnv()
	if err != nil {
		logger.Fatal("config: ", err)
	}

	flag.StringVar(&addr, "addr", cfg.ServerAddr, "server address")
	flag.StringVar(&dsn, "dsn", cfg.DatabaseDSN, "database connection string")
	flag.StringVar(&signingKey, "signing-key", cfg.SigningSecret, "base64 encoded signing key")
	flag.StringVar(&brokerKind, "broker", cfg.Broker, "room event broker: local, redis or nats")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.Parse()

	cfg.ServerAddr = addr
	cfg.DatabaseDSN = dsn
	cfg.SigningSecret = signingKey
	cfg.Broker = brokerKind
	if len(allowedOrigins) > 0 {
		cfg.AllowedOrigins = allowedOrigins
	}

	if err := cfg.Validate(); err != nil {
		logger.Fatal("config: ", err)
	}

	if err := run(logger, cfg); err != nil {
		logger.Fatal(err)
	}

	logger.Println("shutdown complete")
}

func run(logger *log.Logger, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}

	if cfg.Migrate {
		if err := database.Migrate(db); err != nil {
			return fmt.Errorf("db migrate: %w", err)
		}
	}

	repo := database.NewPgGoChatRepository(db)
	defer func() {
		if err := repo.Close(); err != nil {
			logger.Println("db close:", err)
		}
	}()

	var redisClient *redis.Client
	if cfg.Broker == "redis" || cfg.RateLimitStore == "redis" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer redisClient.Close()

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	b, closeBroker, err := newBroker(logger, cfg, redisClient)
	if err != nil {
		return err
	}
	defer closeBroker()

	var store ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.RateLimitStore == "redis" {
		store = ratelimit.NewRedisStore(redisClient)
	}
	limiter := ratelimit.NewLimiter(store, "gochat:ratelimit:", logger)

	mux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(mux)
	statsUpdater.Run()
	defer statsUpdater.Stop()

	authenticator := auth.NewAuthenticator(cfg.SigningKey, repo)

	chatServer, err := server.NewChatServer(logger, repo, statsUpdater, server.Config{
		Authenticator:    authenticator,
		Broker:           b,
		Limiter:          limiter,
		Rule:             cfg.GeneralRule(),
		MaxMessageLength: cfg.MaxMessageLength,
	})
	if err != nil {
		return fmt.Errorf("new chat server: %w", err)
	}

	ledger := quota.NewPgLedger(db, cfg.DefaultPlan, cfg.DefaultAllowance)

	orchestrator := assistant.NewOrchestrator(
		logger,
		repo,
		ledger,
		assistant.NewOpenAIProvider(cfg.AIBaseURL, cfg.AIAPIKey),
		chatServer,
		limiter,
		statsUpdater,
		assistant.Config{
			Persona:          cfg.AIPersona,
			DefaultModel:     cfg.AIModel,
			Timeout:          cfg.AITimeout,
			MaxTokens:        cfg.AIMaxTokens,
			MaxMessageLength: cfg.MaxMessageLength,
			Rule:             cfg.AssistantRule(),
		},
	)
	chatServer.SetAssistant(orchestrator)

	srv := api.NewGoChatApp(mux, logger, chatServer, repo, api.Services{
		Auth:      authenticator,
		Assistant: orchestrator,
		Ledger:    ledger,
		Limiter:   limiter,
		Stats:     statsUpdater,
	}, cfg)

	if err := chatServer.Start(ctx); err != nil {
		return err
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		logger.Println("shutting down...")

		shutDownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutDownCtx); err != nil {
			return fmt.Errorf("HTTP server shutdown: %w", err)
		}

		logger.Println("shutting down chat server...")
		if err := chatServer.Shutdown(shutDownCtx); err != nil {
			return fmt.Errorf("chat server shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

// newBroker returns the configured broker and a func that releases it
// along with any connection it owns.
func newBroker(logger *log.Logger, cfg *config.Config, redisClient *redis.Client) (broker.Broker, func(), error) {
	switch cfg.Broker {
	case "redis":
		b := broker.NewRedisBroker(redisClient, logger)
		return b, func() { b.Close() }, nil
	case "nats":
		nc, err := nats.Connect(cfg.NatsURL, nats.Name("go-chat"))
		if err != nil {
			return nil, nil, fmt.Errorf("nats connect: %w", err)
		}
		b := broker.NewNatsBroker(nc, logger)
		return b, func() {
			b.Close()
			nc.Close()
		}, nil
	default:
		b := broker.NewLocalBroker()
		return b, func() { b.Close() }, nil
	}
}
