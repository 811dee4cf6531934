// Package daemon serves the app command surface over a local HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/weiawesome/slippi-broadcast/internal/app"
	pkglog "github.com/weiawesome/slippi-broadcast/pkg/log"
	"github.com/weiawesome/slippi-broadcast/pkg/middleware"
)

// Config holds the daemon listener settings.
type Config struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	// Token, when set, is required as a bearer token on every API call.
	Token string `mapstructure:"token"`
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Server exposes an App over HTTP.
type Server struct {
	app    *app.App
	cfg    Config
	engine *gin.Engine
	logger zerolog.Logger
}

// New creates a Server and registers its routes.
func New(a *app.App, cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		app:    a,
		cfg:    cfg,
		engine: gin.New(),
		logger: pkglog.Component("daemon"),
	}
	s.engine.Use(gin.Recovery())
	s.engine.Use(pkglog.GinMiddleware(s.logger))

	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.RegisterRoutes(s.engine)
	return s
}

// RegisterRoutes registers the command and event routes.
func (s *Server) RegisterRoutes(r *gin.Engine) {
	auth := middleware.RequireToken(s.cfg.Token)

	api := r.Group("/api/v1", auth)
	{
		b := api.Group("/broadcast")
		{
			b.GET("", s.GetBroadcast)
			b.POST("/start", s.StartBroadcast)
			b.POST("/stop", s.StopBroadcast)
		}

		sp := api.Group("/spectate")
		{
			sp.POST("/init", s.InitSpectate)
			sp.POST("/refresh", s.RefreshBroadcasts)
			sp.GET("/broadcasts", s.ListBroadcasts)
			sp.POST("/watch/:id", s.WatchBroadcast)
			sp.DELETE("/watch/:id", s.UnwatchBroadcast)
		}
	}

	r.GET("/ws/events", auth, s.StreamEvents)
	r.GET("/ws/watch/:id", auth, s.StreamFrames)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Addr(),
		Handler: s.engine,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info().Str("addr", srv.Addr).Msg("daemon listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("daemon server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
