package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"candlepipe/internal/analysis"
	"candlepipe/internal/analysis/visual"
	"candlepipe/internal/logger"
	"candlepipe/internal/pipeline"
	"candlepipe/internal/runlog"
)

// Server 提供 Gin 接口：触发拉取、查询进度、读取 K 线/小时聚合、预览图表。
type Server struct {
	addr        string
	svc         *pipeline.Service
	store       *pipeline.Store
	runs        *runlog.Store
	products    []string
	chartWidth  int
	chartHeight int
	router      *gin.Engine
}

type Config struct {
	Addr        string
	Svc         *pipeline.Service
	Store       *pipeline.Store
	Runs        *runlog.Store // 可为 nil
	Products    []string
	ChartWidth  int
	ChartHeight int
}

func New(cfg Config) (*Server, error) {
	if cfg.Svc == nil || cfg.Store == nil {
		return nil, errors.New("service/store 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9992"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		addr:        cfg.Addr,
		svc:         cfg.Svc,
		store:       cfg.Store,
		runs:        cfg.Runs,
		products:    cfg.Products,
		chartWidth:  cfg.ChartWidth,
		chartHeight: cfg.ChartHeight,
		router:      router,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	api := s.router.Group("/api")
	api.POST("/fetch", s.handleFetch)
	api.GET("/fetch/:id", s.handleFetchStatus)
	api.GET("/jobs", s.handleJobs)
	api.GET("/candles", s.handleCandles)
	api.GET("/hourly", s.handleHourly)
	api.GET("/manifest", s.handleManifest)
	api.GET("/runs", s.handleRuns)
	s.router.GET("/chart", s.handleChart)
	s.router.GET("/chart.png", s.handleChartPNG)
}

func (s *Server) handleFetch(c *gin.Context) {
	var req struct {
		Product string `json:"product" binding:"required"`
		StartTS int64  `json:"start_ts" binding:"required"`
		EndTS   int64  `json:"end_ts" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.svc.SubmitFetch(pipeline.FetchParams{
		Product: req.Product,
		Start:   req.StartTS,
		End:     req.EndTS,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func (s *Server) handleFetchStatus(c *gin.Context) {
	job, ok := s.svc.JobSnapshot(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *Server) handleJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": s.svc.Jobs()})
}

func (s *Server) handleCandles(c *gin.Context) {
	product := c.Query("product")
	if product == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "product 参数必填"})
		return
	}
	start := parseInt64(c.Query("start"))
	end := parseInt64(c.Query("end"))
	if start <= 0 || end <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "start/end 参数必填（Unix 秒）"})
		return
	}
	candles, err := s.store.RangeCandles(c.Request.Context(), product, start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"product": product, "count": len(candles), "candles": candles})
}

func (s *Server) handleHourly(c *gin.Context) {
	var products []string
	if p := c.Query("product"); p != "" {
		products = []string{p}
	}
	start := parseInt64(c.Query("start"))
	end := parseInt64(c.Query("end"))
	series, err := analysis.HourlySeries(c.Request.Context(), s.store, products, start, end)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	resp := make([]gin.H, 0, len(series))
	for _, ps := range series {
		resp = append(resp, gin.H{
			"product":      ps.Product,
			"total_volume": ps.TotalVolume.String(),
			"points":       ps.Points,
		})
	}
	c.JSON(http.StatusOK, gin.H{"series": resp})
}

func (s *Server) handleManifest(c *gin.Context) {
	manifests, err := s.store.Manifests(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"manifests": manifests})
}

func (s *Server) handleRuns(c *gin.Context) {
	if s.runs == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "runlog 未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	records, err := s.runs.Recent(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": records})
}

func (s *Server) chartSeries(c *gin.Context) ([]analysis.ProductSeries, bool) {
	series, err := analysis.HourlySeries(c.Request.Context(), s.store, s.products, 0, 0)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return nil, false
	}
	return series, true
}

func (s *Server) handleChart(c *gin.Context) {
	series, ok := s.chartSeries(c)
	if !ok {
		return
	}
	html, err := visual.RenderHTML(series, s.chartWidth, s.chartHeight)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", html)
}

func (s *Server) handleChartPNG(c *gin.Context) {
	series, ok := s.chartSeries(c)
	if !ok {
		return
	}
	html, err := visual.RenderHTML(series, s.chartWidth, s.chartHeight)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	png, err := visual.RenderPNG(c.Request.Context(), html, s.chartWidth, s.chartHeight*len(series))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "image/png", png)
}

// Start 启动 HTTP 服务并在 ctx 取消时优雅退出。
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		logger.Infof("[server] HTTP 监听 %s", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return <-errCh
	case err := <-errCh:
		return err
	}
}

// Router 暴露给测试用。
func (s *Server) Router() http.Handler { return s.router }

func parseInt64(v string) int64 {
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
