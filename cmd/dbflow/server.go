package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/dbflow"
	"github.com/BaSui01/dbflow/config"
	"github.com/BaSui01/dbflow/internal/metrics"
	"github.com/BaSui01/dbflow/internal/server"
	"github.com/BaSui01/dbflow/registry"
	"github.com/BaSui01/dbflow/types"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 组装连接注册中心与运维端点。
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	reg       *registry.Registry
	collector *metrics.Collector
	opsServer *server.Manager

	rateLimiterCancel context.CancelFunc
}

// NewServer 创建新的服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动注册中心、注册配置声明的应用并拉起运维端点。
func (s *Server) Start() error {
	// 1. 指标收集器
	s.collector = metrics.NewCollector("dbflow", s.logger)

	// 2. 连接注册中心
	reg, err := dbflow.New(
		dbflow.WithConfig(s.cfg),
		dbflow.WithLogger(s.logger),
		dbflow.WithCollector(s.collector),
	)
	if err != nil {
		return fmt.Errorf("failed to init registry: %w", err)
	}
	s.reg = reg

	// 3. 注册配置中声明的应用
	if err := s.registerApps(); err != nil {
		s.reg.Shutdown(context.Background(), s.cfg.Registry.ShutdownTimeout)
		return err
	}

	// 4. 运维端点
	if s.cfg.Ops.Addr != "" {
		if err := s.startOpsServer(); err != nil {
			s.reg.Shutdown(context.Background(), s.cfg.Registry.ShutdownTimeout)
			return fmt.Errorf("failed to start ops server: %w", err)
		}
	}

	s.logger.Info("All servers started",
		zap.Int("apps", len(s.cfg.Apps)),
		zap.String("ops_addr", s.cfg.Ops.Addr),
	)
	return nil
}

// registerApps 按名称序注册配置声明的全部应用，任何失败都中止启动。
func (s *Server) registerApps() error {
	for _, name := range registeredAppNames(s.cfg) {
		appCfg, _ := s.cfg.App(name)
		if _, err := s.reg.RegisterApp(context.Background(), name, appCfg); err != nil {
			return fmt.Errorf("failed to register app %q: %w", name, err)
		}
	}
	return nil
}

func (s *Server) startOpsServer() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/apps", s.handleApps)
	mux.HandleFunc("/apps/health", s.handleAppHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{}))

	ctx, cancel := context.WithCancel(context.Background())
	s.rateLimiterCancel = cancel

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		RequestLogger(s.logger),
		RateLimiter(ctx, 50, 100, s.logger),
	)

	s.opsServer = server.NewManager(handler, s.cfg.Ops, s.logger)
	return s.opsServer.Start()
}

// =============================================================================
// 🏥 运维端点 Handlers
// =============================================================================

// handleHealth 汇总注册中心整体健康：任一租户不健康则报 503。
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.reg.State() != types.StateInitialized {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unavailable",
			"state":  string(s.reg.State()),
		})
		return
	}

	apps := map[string]any{}
	degraded := false
	for _, name := range s.reg.ListApps() {
		sample, ok := s.reg.Health(name)
		if !ok {
			apps[name] = map[string]any{"status": "pending"}
			continue
		}
		if sample.Status != types.HealthHealthy {
			degraded = true
		}
		apps[name] = map[string]any{
			"status":  string(sample.Status),
			"score":   sample.Score,
			"latency": sample.Latency.String(),
		}
	}

	status := http.StatusOK
	overall := "ok"
	if degraded {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status": overall,
		"apps":   apps,
	})
}

// handleApps 列出已注册应用及其监督器状态。
func (s *Server) handleApps(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{}
	for _, name := range s.reg.ListApps() {
		if sup := s.reg.GetApp(name); sup != nil {
			out[name] = sup.Status()
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// handleAppHealth 返回单个应用的健康样本、历史与趋势。
func (s *Server) handleAppHealth(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("app")
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "missing app parameter"})
		return
	}
	if s.reg.GetApp(name) == nil {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "app not registered: " + name})
		return
	}

	sample, ok := s.reg.Health(name)
	resp := map[string]any{
		"app":   name,
		"trend": string(s.reg.Trend(name)),
	}
	if ok {
		resp["latest"] = sample
		resp["history"] = s.reg.HealthHistory(name)
	} else {
		resp["latest"] = nil
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// =============================================================================
// 🧹 关闭流程
// =============================================================================

// WaitForShutdown 阻塞等待关闭信号，然后按依赖反序停机。
func (s *Server) WaitForShutdown() {
	if s.opsServer != nil {
		s.opsServer.WaitForShutdown()
	} else {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-quit
		signal.Stop(quit)
		s.logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	}
	s.Stop()
}

// Stop 停止运维端点与注册中心。
func (s *Server) Stop() {
	if s.rateLimiterCancel != nil {
		s.rateLimiterCancel()
	}
	if s.opsServer != nil {
		if err := s.opsServer.Shutdown(context.Background()); err != nil {
			s.logger.Error("ops server shutdown failed", zap.Error(err))
		}
	}
	if s.reg != nil {
		if _, err := s.reg.Shutdown(context.Background(), s.cfg.Registry.ShutdownTimeout); err != nil {
			s.logger.Error("registry shutdown failed", zap.Error(err))
		}
	}
}
