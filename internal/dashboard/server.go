// Package dashboard serves stored telemetry and analytics over HTTP.
package dashboard

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bpicori/watchkeep/internal/analytics"
	"github.com/bpicori/watchkeep/internal/telemetry"
)

// DefaultRecentRuns is how many runs /api/stats returns.
const DefaultRecentRuns = 50

// Source is the read side of the telemetry store.
type Source interface {
	LoadAll() ([]*telemetry.Record, error)
	Load(id string) (*telemetry.Record, error)
}

type Options struct {
	RecentRuns int
	Logger     *zap.Logger
}

type Server struct {
	source   Source
	recent   int
	log      *zap.Logger
	registry *prometheus.Registry
	requests *prometheus.CounterVec
	engine   *gin.Engine
}

func New(source Source, opts Options) *Server {
	if opts.RecentRuns <= 0 {
		opts.RecentRuns = DefaultRecentRuns
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Server{
		source:   source,
		recent:   opts.RecentRuns,
		log:      opts.Logger,
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "watchkeep_http_requests_total",
			Help: "Dashboard HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}
	s.registry.MustRegister(
		s.requests,
		newStoreCollector(source, opts.Logger),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.engine = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.observe())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))

	api := r.Group("/api")
	api.GET("/stats", s.handleStats)
	api.GET("/runs", s.handleRuns)
	api.GET("/runs/:id", s.handleRun)
	return r
}

// observe logs each request and counts it by route template.
func (s *Server) observe() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		s.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		s.log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (s *Server) load() []*telemetry.Record {
	records, err := s.source.LoadAll()
	if err != nil {
		s.log.Warn("some telemetry records could not be read", zap.Error(err))
	}
	return records
}

func (s *Server) handleStats(c *gin.Context) {
	records := s.load()
	summary := analytics.Summarize(records)

	recent := records
	if len(recent) > s.recent {
		recent = recent[:s.recent]
	}
	if recent == nil {
		recent = []*telemetry.Record{}
	}
	c.JSON(http.StatusOK, gin.H{
		"total_runs":  summary.TotalRuns,
		"avg_cpu":     summary.AvgCPUPercent,
		"avg_mem":     summary.AvgMemoryKB,
		"violations":  summary.ByExitReason,
		"summary":     summary,
		"top_blocked": analytics.TopSyscalls(summary.BlockedSyscalls),
		"runs":        recent,
	})
}

// runHeader is the list view of a record, without samples.
type runHeader struct {
	RunID      string    `json:"run_id"`
	Program    string    `json:"program"`
	Profile    string    `json:"profile"`
	Isolation  string    `json:"isolation"`
	StartedAt  time.Time `json:"started_at"`
	RuntimeMS  int64     `json:"runtime_ms"`
	CPU        float64   `json:"cpu_usage_percent"`
	MemoryKB   uint64    `json:"memory_peak_kb"`
	ExitReason string    `json:"exit_reason"`
	Verdict    string    `json:"verdict"`
}

func (s *Server) handleRuns(c *gin.Context) {
	limit := s.recent
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	profile := c.Query("profile")

	headers := []runHeader{}
	for _, r := range s.load() {
		if profile != "" && r.Profile != profile {
			continue
		}
		if len(headers) == limit {
			break
		}
		headers = append(headers, runHeader{
			RunID:      r.RunID,
			Program:    r.Program,
			Profile:    r.Profile,
			Isolation:  r.Isolation,
			StartedAt:  r.StartedAt,
			RuntimeMS:  r.RuntimeMS,
			CPU:        r.CPUUsagePercent,
			MemoryKB:   r.MemoryPeakKB,
			ExitReason: r.ExitReason,
			Verdict:    analytics.Assess(r).Verdict,
		})
	}
	c.JSON(http.StatusOK, gin.H{"runs": headers})
}

func (s *Server) handleRun(c *gin.Context) {
	r, err := s.source.Load(c.Param("id"))
	switch {
	case errors.Is(err, telemetry.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	case errors.Is(err, telemetry.ErrAmbiguous):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"record":             r,
		"assessment":         analytics.Assess(r),
		"memory_growth_rate": analytics.MemoryGrowthRate(r.Samples),
	})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("dashboard listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
