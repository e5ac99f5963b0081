package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nao1215/authgate/pkg/authrpc"
	"github.com/nao1215/authgate/pkg/httpclient"
	"github.com/nao1215/authgate/pkg/httpserver"
	"github.com/nao1215/authgate/pkg/middleware"
)

// roleAdmin は他のユーザーの認証情報を参照できるロール。
const roleAdmin = "admin"

// UserLookup はユーザーIDから認証情報を取得する。
// *authrpc.RemoteValidatorが実装する。
type UserLookup interface {
	LookupUser(ctx context.Context, userID string) (authrpc.Principal, error)
}

// route はガードの内側に登録するルート。
type route struct {
	method  string
	path    string
	handler gin.HandlerFunc
}

// Server はAPI GatewayサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// guard は/api/v1以下に適用する認証ミドルウェア。
	guard gin.HandlerFunc
	// users は認証サービスへのユーザー照会。
	users UserLookup
	// upstream はプロキシ先のクライアント。未設定の場合はnil。
	upstream *httpclient.Client
	logger   *slog.Logger
}

// NewServer は新しいGatewayサーバーを生成する。
func NewServer(cfg Config, guard gin.HandlerFunc, users UserLookup, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORS([]string{cfg.FrontendURL}))

	s := &Server{
		router: router,
		port:   cfg.Port,
		guard:  guard,
		users:  users,
		logger: logger,
	}
	if cfg.UpstreamURL != "" {
		s.upstream = httpclient.New(cfg.UpstreamURL, cfg.UpstreamTimeout)
	}
	s.setupRoutes()
	return s
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はctxが終了するまでHTTPサーバーを起動する。
func (s *Server) Run(ctx context.Context) error {
	return httpserver.Run(ctx, httpserver.New(s.port, s.router), s.logger)
}

// protectedRoutes はガードの内側に置くルートの一覧を返す。
func (s *Server) protectedRoutes() []route {
	routes := []route{
		{http.MethodGet, "/me", s.handleGetCurrentUser()},
		{http.MethodGet, "/users/:id/auth", s.handleGetUserAuth()},
	}
	for _, method := range []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete} {
		routes = append(routes, route{method, "/upstream/*path", s.handleProxy()})
	}
	return routes
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api/v1")
	api.Use(s.guard)
	for _, r := range s.protectedRoutes() {
		api.Handle(r.method, r.path, r.handler)
	}
}

// handleGetCurrentUser は認証済みユーザーの情報を返すハンドラを返す。
func (s *Server) handleGetCurrentUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := middleware.GetPrincipal(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}
		c.JSON(http.StatusOK, p)
	}
}

// handleGetUserAuth は指定ユーザーの認証情報を認証サービスに問い合わせるハンドラを返す。
// 自分自身以外の照会にはadminロールが必要。
func (s *Server) handleGetUserAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, ok := middleware.GetPrincipal(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		userID := c.Param("id")
		if userID != caller.ID && !caller.HasRole(roleAdmin) {
			c.JSON(http.StatusForbidden, gin.H{"error": "このユーザーの情報を参照する権限がありません"})
			return
		}

		p, err := s.users.LookupUser(c.Request.Context(), userID)
		switch {
		case err == nil:
			c.JSON(http.StatusOK, p)
		case errors.Is(err, authrpc.ErrUserNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
		default:
			s.logger.Error("ユーザー情報の照会に失敗しました", "user_id", userID, "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "認証サービスに接続できません"})
		}
	}
}

// handleProxy は/api/v1/upstream以下のリクエストを上流サービスに中継するハンドラを返す。
func (s *Server) handleProxy() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.upstream == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "上流サービスが設定されていません"})
			return
		}
		s.doProxy(c, c.Param("path"))
	}
}

// doProxy はリクエストを上流サービスにプロキシする共通処理。
// PrincipalとリクエストIDはcontext経由でヘッダーに変換される。
func (s *Server) doProxy(c *gin.Context, path string) {
	ctx := httpclient.WithRequestID(c.Request.Context(), c.GetString(middleware.ContextKeyRequestID))
	resp, err := s.upstream.Forward(ctx, c.Request.Method, path, c.Request.URL.RawQuery, c.Request.Body, c.Request.Header)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "上流サービスとの通信に失敗しました"})
		s.logger.Error("プロキシエラー", "path", path, "error", err)
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "レスポンスの読み取りに失敗しました"})
		s.logger.Error("上流レスポンスの読み取りに失敗しました", "path", path, "error", err)
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, body)
}
