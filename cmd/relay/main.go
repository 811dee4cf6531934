package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/slippi-broadcast/internal/server/config"
	"github.com/weiawesome/slippi-broadcast/internal/server/directory"
	"github.com/weiawesome/slippi-broadcast/internal/server/handler"
	"github.com/weiawesome/slippi-broadcast/internal/server/hub"
	"github.com/weiawesome/slippi-broadcast/internal/server/kafka"
	"github.com/weiawesome/slippi-broadcast/internal/server/metrics"
	"github.com/weiawesome/slippi-broadcast/internal/server/service"
	"github.com/weiawesome/slippi-broadcast/pkg/jwt"
	pkglog "github.com/weiawesome/slippi-broadcast/pkg/log"
	"github.com/weiawesome/slippi-broadcast/pkg/pubsub"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		l := pkglog.L()
		l.Fatal().Err(err).Msg("failed to load configuration")
	}

	pkglog.Init(cfg.Log)
	logger := pkglog.L()

	logger.Info().Str("host", cfg.Server.Host).Int("port", cfg.Server.Port).Msg("starting relay")

	ps, err := pubsub.NewPubSub(cfg.PubSub)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize pubsub")
	}
	defer ps.Close()
	logger.Info().Str("driver", cfg.PubSub.Driver).Msg("pubsub ready")

	dir, err := directory.New(cfg.Directory)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize broadcast directory")
	}
	defer dir.Close()
	logger.Info().Str("driver", cfg.Directory.Driver).Msg("broadcast directory ready")

	var producer kafka.BroadcastEventProducer = kafka.NopProducer{}
	if cfg.Kafka.Enabled {
		cp, err := kafka.NewConfluentProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.Partitions)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to create kafka producer, broadcast events disabled")
		} else {
			producer = cp
			defer cp.Close()
			logger.Info().Str("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("connected to kafka")
		}
	}

	tokens, err := jwt.NewManager(cfg.Auth.ResumeTTL, cfg.Auth.Issuer)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create resume token manager")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wsHub := hub.NewHub(cfg.WebSocket)
	m := metrics.New()
	svc := service.NewRelayService(wsHub, dir, ps, producer, tokens, m, service.Options{
		Passwords:   cfg.Auth.Passwords,
		ResumeGrace: cfg.Relay.ResumeGrace,
	})
	if err := svc.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to start relay service")
	}
	defer svc.Stop()

	router := handler.NewRouter(logger, handler.NewWSHandler(wsHub, svc), handler.NewHTTPHandler(svc), wsHub, m)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		wsHub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", addr).Msg("relay listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down relay")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		wsHub.CloseAll()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("relay stopped with error")
	}
	logger.Info().Msg("relay stopped")
}
