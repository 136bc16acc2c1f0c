// Package fetchhttp 提供抓取状态查询与手动触发的 HTTP API。
package fetchhttp

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"histfetch/internal/fetch"
	"histfetch/internal/logger"
	"histfetch/internal/progress"
	"histfetch/internal/sink"

	"github.com/gin-gonic/gin"
)

// FetchService 由 fetch.Service 实现。
type FetchService interface {
	StartAsync(ctx context.Context) (string, error)
	Running() (fetch.Stats, bool)
	Statistics() progress.Statistics
	PendingEntities() []progress.Progress
	Progress() map[string]progress.Progress
	Runs(ctx context.Context, limit int) ([]fetch.Stats, error)
	Run(ctx context.Context, id string) (fetch.Stats, bool, error)
	SinkManifests(ctx context.Context) ([]sink.Manifest, bool, error)
}

type Server struct {
	addr    string
	svc     FetchService
	router  *gin.Engine
	metrics http.Handler

	mu      sync.Mutex
	baseCtx context.Context
}

type Config struct {
	Addr    string
	Svc     FetchService
	Metrics http.Handler
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Svc == nil {
		return nil, errors.New("service 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9992"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s := &Server{
		addr:    cfg.Addr,
		svc:     cfg.Svc,
		router:  router,
		metrics: cfg.Metrics,
		baseCtx: context.Background(),
	}
	s.registerRoutes()
	return s, nil
}

// Handler 测试用。
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		s.router.GET("/metrics", gin.WrapH(s.metrics))
	}
	api := s.router.Group("/api")
	api.GET("/stats", s.handleStats)
	api.GET("/pending", s.handlePending)
	api.GET("/progress", s.handleProgress)
	api.POST("/fetch", s.handleFetch)
	api.GET("/runs", s.handleRunList)
	api.GET("/runs/:id", s.handleRunDetail)
}

func (s *Server) handleHealth(c *gin.Context) {
	_, running := s.svc.Running()
	c.JSON(http.StatusOK, gin.H{"status": "ok", "running": running})
}

func (s *Server) handleStats(c *gin.Context) {
	resp := gin.H{"stats": s.svc.Statistics()}
	if cur, running := s.svc.Running(); running {
		resp["current"] = cur
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handlePending(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"pending": s.svc.PendingEntities()})
}

func (s *Server) handleProgress(c *gin.Context) {
	snap := s.svc.Progress()
	list := make([]progress.Progress, 0, len(snap))
	for _, p := range snap {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].ValidUntil.Equal(list[j].ValidUntil) {
			return list[i].ValidUntil.Before(list[j].ValidUntil)
		}
		return list[i].EntityID < list[j].EntityID
	})
	resp := gin.H{"entities": list}
	manifests, ok, err := s.svc.SinkManifests(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if ok {
		resp["sink"] = manifests
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleFetch(c *gin.Context) {
	id, err := s.svc.StartAsync(s.context())
	if errors.Is(err, fetch.ErrRunInProgress) {
		cur, _ := s.svc.Running()
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "current": cur})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[http] 手动触发运行 %s", id)
	c.JSON(http.StatusAccepted, gin.H{"runId": id})
}

func (s *Server) handleRunList(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit 非法"})
		return
	}
	runs, err := s.svc.Runs(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *Server) handleRunDetail(c *gin.Context) {
	run, ok, err := s.svc.Run(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func (s *Server) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// Start 启动 HTTP 服务，阻塞直到 ctx 取消或出现错误。经由 API 触发的运行继承 ctx。
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Infof("[http] 监听 %s", s.addr)

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
