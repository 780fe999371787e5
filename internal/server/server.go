package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/stagecraft/internal/authorization"
	billingdomain "github.com/smallbiznis/stagecraft/internal/billing/domain"
	"github.com/smallbiznis/stagecraft/internal/config"
	creditdomain "github.com/smallbiznis/stagecraft/internal/credit/domain"
	"github.com/smallbiznis/stagecraft/internal/observability"
	obsmiddleware "github.com/smallbiznis/stagecraft/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/stagecraft/internal/observability/metrics"
	obstracing "github.com/smallbiznis/stagecraft/internal/observability/tracing"
	"github.com/smallbiznis/stagecraft/internal/ratelimit"
	stagingdomain "github.com/smallbiznis/stagecraft/internal/staging/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Provide(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware(obsCfg.ServiceName)...)
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(cors.New(cors.Config{
		AllowAllOrigins:  true,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Request-Id", "X-Correlation-Id"},
		ExposeHeaders:    []string{"X-Request-Id", "Retry-After"},
		MaxAge:           12 * time.Hour,
		AllowCredentials: false,
	}))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, _ *Server, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine         *gin.Engine
	cfg            config.Config
	log            *zap.Logger
	stagingSvc     stagingdomain.Service
	creditSvc      creditdomain.Service
	webhookSvc     billingdomain.WebhookService
	authzSvc       authorization.Service
	stagingLimiter *ratelimit.StagingLimiter
	obsMetrics     *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin            *gin.Engine
	Cfg            config.Config
	Log            *zap.Logger
	StagingSvc     stagingdomain.Service
	CreditSvc      creditdomain.Service
	WebhookSvc     billingdomain.WebhookService
	AuthzSvc       authorization.Service
	StagingLimiter *ratelimit.StagingLimiter `optional:"true"`
	ObsMetrics     *obsmetrics.Metrics       `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:         p.Gin,
		cfg:            p.Cfg,
		log:            p.Log.Named("http.server"),
		stagingSvc:     p.StagingSvc,
		creditSvc:      p.CreditSvc,
		webhookSvc:     p.WebhookSvc,
		authzSvc:       p.AuthzSvc,
		stagingLimiter: p.StagingLimiter,
		obsMetrics:     p.ObsMetrics,
	}

	svc.registerAPIRoutes()
	svc.registerWebhookRoutes()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/api")
	api.Use(s.AuthRequired())

	{
		api.POST("/staging", s.StagingCreateRateLimit(), s.CreateStaging)
		api.GET("/staging", s.ListStaging)
		api.GET("/staging/:id", s.GetStaging)
		api.POST("/staging/:id/remix", s.RemixStaging)
		api.POST("/staging/:id/primary", s.SetPrimaryStaging)
		api.GET("/staging/:id/versions", s.ListStagingVersions)
	}

	{
		api.GET("/credits", s.GetCredits)
		api.GET("/credits/transactions", s.ListCreditTransactions)
	}

	{
		api.POST("/organizations/members", s.AddOrganizationMember)
		api.POST("/organizations/allocations", s.AllocateCredits)
	}
}

func (s *Server) registerWebhookRoutes() {
	s.engine.POST("/webhooks/:provider", s.HandleBillingWebhook)
}
