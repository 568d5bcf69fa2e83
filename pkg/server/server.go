package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/forkline/pkg/events"
	"github.com/go-go-golems/forkline/pkg/inference"
	"github.com/go-go-golems/forkline/pkg/inference/session"
	"github.com/go-go-golems/forkline/pkg/store"
)

// Server exposes the store and the generation controller over HTTP.
type Server struct {
	store      *store.Store
	controller *session.Controller
	models     inference.ModelLister
	hub        *Hub

	allowedOrigins []string
	// generations outlive the request that started them
	genCtx context.Context

	engine *gin.Engine
}

type Option func(*Server)

func WithModelLister(models inference.ModelLister) Option {
	return func(s *Server) {
		s.models = models
	}
}

// WithEventRouter forwards every store and generation event of router to
// the websocket clients of /api/events. It must be applied before the
// router runs.
func WithEventRouter(router *events.EventRouter) Option {
	return func(s *Server) {
		for _, topic := range []string{events.TopicStore, events.TopicGeneration} {
			router.AddEventHandler("ws-"+topic, topic, func(_ context.Context, ev events.Event) error {
				s.hub.Broadcast(ev)
				return nil
			})
		}
	}
}

func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

func WithGenerationContext(ctx context.Context) Option {
	return func(s *Server) {
		s.genCtx = ctx
	}
}

func NewServer(st *store.Store, controller *session.Controller, options ...Option) *Server {
	ret := &Server{
		store:      st,
		controller: controller,
		hub:        NewHub(),
		genCtx:     context.Background(),
	}
	for _, o := range options {
		o(ret)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())
	r.Use(cors.New(ret.corsConfig()))
	ret.registerRoutes(r)
	ret.engine = r

	return ret
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(s.allowedOrigins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = s.allowedOrigins
	}
	return cfg
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Hub() *Hub {
	return s.hub
}

// Run serves on address until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, address string) error {
	srv := &http.Server{
		Addr:              address,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", address).Msg("Starting HTTP server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down HTTP server")
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "failed to shut down HTTP server")
	}
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	}
}
