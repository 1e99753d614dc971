package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/csrf"
	"github.com/rs/zerolog"

	"github.com/hitushen/mcseeker/internal/auth"
	"github.com/hitushen/mcseeker/internal/config"
	"github.com/hitushen/mcseeker/internal/mcauth"
	"github.com/hitushen/mcseeker/internal/mcproto"
	"github.com/hitushen/mcseeker/internal/models"
	"github.com/hitushen/mcseeker/internal/realtime"
	"github.com/hitushen/mcseeker/internal/rescanner"
	"github.com/hitushen/mcseeker/internal/scanner"
	"github.com/hitushen/mcseeker/internal/store"
)

// Server 聚合操作员 API 的全部后台组件。
type Server struct {
	cfg     *config.Config
	store   *store.Store
	logger  zerolog.Logger
	auth    *auth.Manager
	scanner *scanner.Manager
	broker  *realtime.Broker
	mcauth  *mcauth.Client

	mu          sync.Mutex
	authSession *models.AuthSession
	verifier    string
	rescanning  bool
}

// New 创建并初始化带路由的 Server。
func New(cfg *config.Config, st *store.Store, logger zerolog.Logger) (*Server, error) {
	broker := realtime.NewBroker()

	// 发现阶段只做状态指纹，不带账户。
	statusValidator := mcproto.NewValidator(logger, mcproto.Account{}, nil, cfg.ProbeTimeout)
	scanManager := scanner.NewManager(st, broker, logger, statusValidator,
		cfg.TargetPPS, cfg.CorrectionFactor, cfg.ProbeTimeout, cfg.ScanConcurrency)

	srv := &Server{
		cfg:     cfg,
		store:   st,
		logger:  logger.With().Str("component", "server").Logger(),
		auth:    auth.NewManager(st, cfg.SessionKey),
		scanner: scanManager,
		broker:  broker,
		mcauth:  mcauth.New(cfg.AzureClientID, cfg.AzureRedirectURI),
	}

	// 周期性重扫白名单未判定的记录，持有凭据时才会真正执行。
	scanManager.StartTicker(cfg.JoinWindow, func(ctx context.Context) {
		srv.runRescan(ctx)
	})
	return srv, nil
}

// Close 关闭后台组件。
func (s *Server) Close() {
	s.scanner.Close()
}

// Scanner 暴露扫描管理器，供入口在启动时排入初始网段。
func (s *Server) Scanner() *scanner.Manager {
	return s.scanner
}

// Handler 返回根 HTTP 处理器。
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/healthz"))

	csrfMiddleware := csrf.Protect(
		s.cfg.CSRFKey,
		csrf.Secure(false),
		csrf.Path("/"),
		csrf.FieldName("csrf_token"),
	)

	r.Group(func(pub chi.Router) {
		pub.Post("/login", s.handleLogin)
	})

	authRoutes := r.With(s.auth.Middleware)
	authRoutes.Post("/logout", s.handleLogout)

	authRoutes.Route("/api", func(api chi.Router) {
		api.Get("/events", s.streamEvents)

		api.Get("/servers", s.apiListServers)
		api.Get("/servers/{ip}/{port}", s.apiGetServer)

		api.Post("/scan", s.apiStartScan)
		api.Get("/scan/{jobID}", s.apiScanStatus)
		api.Post("/rescan", s.apiStartRescan)

		api.Get("/auth/url", s.apiAuthURL)
		api.Post("/auth/code", s.apiAuthCode)
		api.Get("/auth/profile", s.apiAuthProfile)
	})

	return csrfMiddleware(r)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.auth.Authenticate(w, r, req.Username, req.Password); err != nil {
		writeMessage(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	writeJSON(w, map[string]string{
		"username":   req.Username,
		"csrf_token": csrf.Token(r),
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	_ = s.auth.Logout(w, r)
	writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) apiListServers(w http.ResponseWriter, r *http.Request) {
	q := &store.ServerQuery{
		Whitelist: strings.TrimSpace(r.URL.Query().Get("whitelist")),
		Cracked:   strings.TrimSpace(r.URL.Query().Get("cracked")),
		Search:    strings.TrimSpace(r.URL.Query().Get("search")),
		Page:      intParam(r.URL.Query().Get("page"), 1),
		PageSize:  intParam(r.URL.Query().Get("pageSize"), 50),
	}
	servers, total, err := s.store.List(r.Context(), q)
	if err != nil {
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]interface{}{
		"servers": servers,
		"total":   total,
		"page":    q.Page,
	})
}

func (s *Server) apiGetServer(w http.ResponseWriter, r *http.Request) {
	port, err := strconv.Atoi(chi.URLParam(r, "port"))
	if err != nil {
		writeMessage(w, "invalid port", http.StatusBadRequest)
		return
	}
	rec, err := s.store.Get(r.Context(), chi.URLParam(r, "ip"), port)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeMessage(w, "server not found", http.StatusNotFound)
			return
		}
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	writeJSON(w, rec)
}

func (s *Server) apiStartScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CIDR      string `json:"cidr"`
		PortStart int    `json:"portStart"`
		PortEnd   int    `json:"portEnd"`
		Mode      string `json:"mode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.PortStart == 0 {
		req.PortStart = s.cfg.PortStart
	}
	if req.PortEnd == 0 {
		req.PortEnd = s.cfg.PortEnd
	}
	if req.PortStart < 1 || req.PortEnd > 65535 || req.PortEnd < req.PortStart {
		writeMessage(w, "invalid port range", http.StatusBadRequest)
		return
	}

	if req.Mode == "discovery" {
		// naabu 粗筛在后台整段执行，不产生分片任务。
		go func() {
			if _, err := s.scanner.Discover(context.Background(), req.CIDR, req.PortStart, req.PortEnd); err != nil {
				s.logger.Error().Str("cidr", req.CIDR).Err(err).Msg("discovery failed")
			}
		}()
		writeJSON(w, map[string]string{"status": "discovery started"})
		return
	}

	ids, err := s.scanner.Enqueue(req.CIDR, req.PortStart, req.PortEnd)
	if err != nil {
		writeErr(w, err, http.StatusBadRequest)
		return
	}
	writeJSON(w, map[string]interface{}{"jobs": ids})
}

func (s *Server) apiScanStatus(w http.ResponseWriter, r *http.Request) {
	status, ok := s.scanner.JobStatus(chi.URLParam(r, "jobID"))
	if !ok {
		writeMessage(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, map[string]string{"status": status})
}

func (s *Server) apiStartRescan(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sess := s.authSession
	s.mu.Unlock()
	if sess == nil {
		writeMessage(w, "no minecraft auth session, complete /api/auth first", http.StatusConflict)
		return
	}
	go s.runRescan(context.Background())
	writeJSON(w, map[string]string{"status": "rescan started"})
}

// runRescan 用当前认证会话执行一轮白名单分类。没有会话或已有
// 一轮在跑时直接返回。
func (s *Server) runRescan(ctx context.Context) {
	s.mu.Lock()
	sess := s.authSession
	if sess == nil || s.rescanning {
		s.mu.Unlock()
		return
	}
	s.rescanning = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.rescanning = false
		s.mu.Unlock()
	}()

	acct := mcproto.Account{
		Username: sess.Name,
		UUID:     sess.UUID,
		Token:    sess.MinecraftToken,
	}
	validator := mcproto.NewValidator(s.logger, acct, mcproto.NewMojangSession(), s.cfg.ProbeTimeout)
	r := rescanner.New(s.store, validator, s.broker, s.logger,
		s.cfg.JoinBudget, s.cfg.JoinWindow, s.cfg.ProbeTimeout)
	if err := r.Run(ctx, s.cfg.JoinBudget); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Msg("rescan pass failed")
	}
}

func (s *Server) apiAuthURL(w http.ResponseWriter, r *http.Request) {
	if s.cfg.AzureClientID == "" {
		writeMessage(w, "azure client id not configured", http.StatusConflict)
		return
	}
	authURL, verifier, err := s.mcauth.ActivationCodeURL(csrf.Token(r))
	if err != nil {
		writeErr(w, err, http.StatusInternalServerError)
		return
	}
	s.mu.Lock()
	s.verifier = verifier
	s.mu.Unlock()
	writeJSON(w, map[string]string{"url": authURL})
}

func (s *Server) apiAuthCode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeMessage(w, "authorization code required", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	verifier := s.verifier
	s.mu.Unlock()
	if verifier == "" {
		writeMessage(w, "request /api/auth/url first", http.StatusConflict)
		return
	}

	// 显式阻塞完成整条认证链，失败时报告具体哪一跳。
	sess, err := s.mcauth.Exchange(r.Context(), req.Code, verifier)
	if err != nil {
		writeErr(w, err, http.StatusBadGateway)
		return
	}
	owns, err := s.mcauth.OwnsGame(r.Context(), sess.MinecraftToken)
	if err != nil {
		s.logger.Error().Err(err).Msg("entitlements check failed")
		writeErr(w, err, http.StatusBadGateway)
		return
	}
	if !owns {
		writeMessage(w, "account does not own minecraft", http.StatusConflict)
		return
	}

	s.mu.Lock()
	s.authSession = sess
	s.verifier = ""
	s.mu.Unlock()

	s.logger.Info().Str("profile", sess.Name).Msg("minecraft auth session established")
	writeJSON(w, map[string]string{"uuid": sess.UUID, "name": sess.Name})
}

func (s *Server) apiAuthProfile(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	sess := s.authSession
	s.mu.Unlock()
	if sess == nil {
		writeMessage(w, "no auth session", http.StatusNotFound)
		return
	}
	// 令牌只存在内存里，接口永远不回传。
	writeJSON(w, map[string]string{"uuid": sess.UUID, "name": sess.Name})
}

func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch, cleanup := s.broker.Subscribe()
	defer cleanup()

	notify := r.Context().Done()
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	for {
		select {
		case msg := <-ch:
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(msg)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-notify:
			return
		}
	}
}

func intParam(raw string, fallback int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return fallback
}

func writeJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func writeErr(w http.ResponseWriter, err error, status int) {
	writeMessage(w, err.Error(), status)
}

func writeMessage(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
