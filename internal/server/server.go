package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/smallbiznis/finsight/internal/analytics"
	"github.com/smallbiznis/finsight/internal/clock"
	"github.com/smallbiznis/finsight/internal/config"
	"github.com/smallbiznis/finsight/internal/dispatch/journal"
	"github.com/smallbiznis/finsight/internal/observability"
	obsmiddleware "github.com/smallbiznis/finsight/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/finsight/internal/observability/metrics"
	obstracing "github.com/smallbiznis/finsight/internal/observability/tracing"
	reportsettingdomain "github.com/smallbiznis/finsight/internal/reportsetting/domain"
	"github.com/smallbiznis/finsight/internal/scheduler"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, obsMetrics *obsmetrics.Metrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware(obstracing.MiddlewareConfig{
		SkipPaths: []string{"/health", "/metrics"},
	}))
	r.Use(requestMetrics(obsMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

type engineParams struct {
	fx.In

	ObsCfg     observability.Config
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

func registerGin(p engineParams) *gin.Engine {
	return NewEngine(p.ObsCfg, p.ObsMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", zap.String("addr", cfg.HTTPAddr), zap.Error(err))
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

// Server exposes the internal ops API. The web tier reaches it over a trusted
// network; it carries no end-user auth.
type Server struct {
	engine     *gin.Engine
	cfg        config.Config
	clock      clock.Clock
	settings   reportsettingdomain.Store
	aggregator analytics.Computer
	journal    *journal.Journal
	obsMetrics *obsmetrics.Metrics

	scheduler *scheduler.Scheduler
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Clock      clock.Clock
	Settings   reportsettingdomain.Store
	Aggregator analytics.Computer
	Journal    *journal.Journal    `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`

	Scheduler *scheduler.Scheduler `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:     p.Gin,
		cfg:        p.Cfg,
		clock:      p.Clock,
		settings:   p.Settings,
		aggregator: p.Aggregator,
		journal:    p.Journal,
		obsMetrics: p.ObsMetrics,
		scheduler:  p.Scheduler,
	}

	svc.registerInternalRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal")

	// -------- Scheduler --------
	internal.POST("/scheduler/tick", s.TriggerSchedulerTick)
	internal.GET("/scheduler/status", s.GetSchedulerStatus)

	// -------- Report settings --------
	users := internal.Group("/users/:id")
	{
		users.POST("/report-setting", s.EnsureReportSetting)
		users.GET("/report-setting", s.GetReportSetting)
		users.PUT("/report-setting", s.UpdateReportSetting)
		users.GET("/analytics", s.GetAnalytics)
	}

	// -------- Dispatch journal --------
	internal.GET("/report-dispatches", s.ListReportDispatches)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}

func requestMetrics(m *obsmetrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		m.RecordHTTPRequest(c.Request.Context(), route, c.Writer.Status())
	}
}
