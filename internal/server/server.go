package server

import (
	"context"
	"net/http"
	"time"

	"github.com/finchbill/entitled/internal/command"
	"github.com/finchbill/entitled/internal/config"
	entitlementservice "github.com/finchbill/entitled/internal/entitlement/service"
	"github.com/finchbill/entitled/internal/event/normalizer"
	"github.com/finchbill/entitled/internal/observability"
	obsmiddleware "github.com/finchbill/entitled/internal/observability/logger"
	obsmetrics "github.com/finchbill/entitled/internal/observability/metrics"
	obstracing "github.com/finchbill/entitled/internal/observability/tracing"
	"github.com/finchbill/entitled/internal/pipeline"
	"github.com/finchbill/entitled/internal/ratelimit"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(registerRoutes),
	fx.Invoke(RunHTTP),
)

func NewEngine(obsCfg observability.Config) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config) *gin.Engine {
	return NewEngine(obsCfg)
}

type Server struct {
	engine       *gin.Engine
	cfg          config.Config
	log          *zap.Logger
	normalizers  *normalizer.Registry
	pipeline     *pipeline.Service
	entitlements *entitlementservice.Service
	commands     *command.Service
	limiter      *ratelimit.Limiter
	obsMetrics   *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin          *gin.Engine
	Cfg          config.Config
	Log          *zap.Logger
	Normalizers  *normalizer.Registry
	Pipeline     *pipeline.Service
	Entitlements *entitlementservice.Service
	Commands     *command.Service
	Limiter      *ratelimit.Limiter  `optional:"true"`
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		log:          p.Log.Named("server"),
		normalizers:  p.Normalizers,
		pipeline:     p.Pipeline,
		entitlements: p.Entitlements,
		commands:     p.Commands,
		limiter:      p.Limiter,
		obsMetrics:   p.ObsMetrics,
	}
}

func registerRoutes(s *Server) {
	s.RegisterRoutes()
}

// RegisterRoutes mounts the webhook ingest endpoint and the read and
// command APIs.
func (s *Server) RegisterRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandleWebhook)

	v1 := s.engine.Group("/v1")
	v1.GET("/users/:user_id/entitlement", s.HandleGetEntitlement)

	commands := v1.Group("/commands")
	commands.POST("/purchase-intent", s.HandlePurchaseIntent)
	commands.POST("/restore", s.HandleRestoreRequest)
	commands.POST("/cancel-intent", s.HandleCancelIntent)
}

func RunHTTP(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
