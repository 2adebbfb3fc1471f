package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/mossy-p/moodlink-signaling/config"
	"github.com/mossy-p/moodlink-signaling/internal/calls"
	"github.com/mossy-p/moodlink-signaling/internal/chat"
	"github.com/mossy-p/moodlink-signaling/internal/cluster"
	"github.com/mossy-p/moodlink-signaling/internal/handlers"
	"github.com/mossy-p/moodlink-signaling/internal/logging"
	"github.com/mossy-p/moodlink-signaling/internal/presence"
	"github.com/mossy-p/moodlink-signaling/internal/redis"
	"github.com/mossy-p/moodlink-signaling/internal/signaling"
	"github.com/mossy-p/moodlink-signaling/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Load configuration
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.IsProduction())
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	if cfg.Signaling.CallTokenSecret == config.DefaultCallTokenSecret {
		logger.Warn().Msg("using the development CALL_TOKEN_SECRET")
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
	logger.Info().Msg("server stopped")
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	dir := presence.NewDirectory()
	opts := signaling.Options{
		Signer:              calls.NewSigner(cfg.Signaling.CallTokenSecret, cfg.Signaling.CallTokenTTL),
		Tracker:             calls.NewTracker(),
		NotifyUndeliverable: cfg.Signaling.NotifyUndeliverable,
		Logger:              logging.Component(logger, "signaling"),
	}

	g, gctx := errgroup.WithContext(ctx)

	var node *cluster.Cluster
	var owners handlers.OwnerLookup
	switch cfg.Presence.Backend {
	case config.PresenceMemory:
	case config.PresenceRedis:
		rdb, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()
		logger.Info().Str("addr", cfg.Redis.Host+":"+cfg.Redis.Port).Msg("Redis connection established")

		node = cluster.New(rdb, cfg.Presence.TTL, logging.Component(logger, "cluster"))
		if err := node.Listen(ctx); err != nil {
			return err
		}
		opts.Remote = node
		owners = node
	default:
		return errors.New("unknown PRESENCE_BACKEND " + cfg.Presence.Backend)
	}

	sb := signaling.New(dir, opts)
	if node != nil {
		g.Go(func() error {
			return node.Serve(gctx, sb, dir.Identities)
		})
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := st.Close(closeCtx); err != nil {
			logger.Warn().Err(err).Msg("failed to close store")
		}
	}()
	hub := chat.NewHub(st, logging.Component(logger, "chat"))

	httpLogger := logging.Component(logger, "http")
	signalSrv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: handlers.NewSignalingRouter(
			handlers.NewSignaling(gctx, sb, owners, logging.Component(logger, "transport")),
			cfg.AllowedOrigins, httpLogger),
	}
	chatSrv := &http.Server{
		Addr: ":" + cfg.ChatPort,
		Handler: handlers.NewChatRouter(
			handlers.NewChat(gctx, hub, logging.Component(logger, "chat")),
			cfg.AllowedOrigins, httpLogger),
	}

	for _, srv := range []*http.Server{signalSrv, chatSrv} {
		g.Go(func() error {
			logger.Info().Str("addr", srv.Addr).Msg("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if node != nil {
			node.Shutdown(shutdownCtx, dir.Identities())
		}
		dir.Clear()

		return errors.Join(signalSrv.Shutdown(shutdownCtx), chatSrv.Shutdown(shutdownCtx))
	})

	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Store, error) {
	if cfg.Mongo.URI == "" {
		logger.Warn().Msg("MONGO_URI not set, chat history is kept in memory")
		return store.NewMemoryStore(), nil
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	st, err := store.ConnectMongo(connectCtx, cfg.Mongo)
	if err != nil {
		return nil, err
	}
	logger.Info().Str("database", cfg.Mongo.Database).Msg("MongoDB connection established")
	return st, nil
}
