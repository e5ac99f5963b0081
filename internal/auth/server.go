package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nao1215/authgate/pkg/httpserver"
	"github.com/nao1215/authgate/pkg/middleware"
)

// Server は認証サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// svc は認証のユースケース。
	svc *Service
	// guard はプロフィールなど認証必須のルートに適用するミドルウェア。
	guard gin.HandlerFunc
	// loginRateLimit はクライアントIPごとの1分あたりの試行回数の上限。
	loginRateLimit int
	logger         *slog.Logger
}

// NewServer は新しい認証サーバーを生成する。
// guardには認証サービス自身へのRPCで検証するmiddleware.RmqAuthを渡す。
func NewServer(cfg Config, svc *Service, guard gin.HandlerFunc, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	router := gin.New()
	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.RequestLogger(logger))
	router.Use(middleware.CORS([]string{cfg.FrontendURL}))

	s := &Server{
		router:         router,
		port:           cfg.Port,
		svc:            svc,
		guard:          guard,
		loginRateLimit: cfg.LoginRateLimit,
		logger:         logger,
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

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "auth"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limit := middleware.RateLimit(s.loginRateLimit)
	auth := s.router.Group("/auth")
	{
		auth.POST("/register", limit, s.handleRegister())
		auth.POST("/login", limit, s.handleLogin())
	}

	protected := s.router.Group("/auth")
	protected.Use(s.guard)
	{
		protected.GET("/profile", s.handleProfile())
	}
}

// handleRegister はユーザー登録のハンドラを返す。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var in RegisterInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストの形式が不正です"})
			return
		}

		u, err := s.svc.Register(c.Request.Context(), in)
		if errors.Is(err, ErrEmailTaken) {
			c.JSON(http.StatusConflict, gin.H{"error": "このメールアドレスは既に登録されています"})
			return
		}
		if err != nil {
			s.logger.Error("ユーザー登録に失敗しました", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ユーザー登録に失敗しました"})
			return
		}

		c.JSON(http.StatusCreated, u)
	}
}

// handleLogin はログインのハンドラを返す。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var in LoginInput
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストの形式が不正です"})
			return
		}

		res, err := s.svc.Login(c.Request.Context(), in)
		if errors.Is(err, ErrInvalidCredentials) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
			return
		}
		if err != nil {
			s.logger.Error("ログインに失敗しました", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "ログインに失敗しました"})
			return
		}

		c.JSON(http.StatusOK, res)
	}
}

// handleProfile は認証済みユーザーのプロフィールを返すハンドラを返す。
func (s *Server) handleProfile() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		u, err := s.svc.Profile(c.Request.Context(), userID)
		if errors.Is(err, ErrUserNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "ユーザーが見つかりません"})
			return
		}
		if err != nil {
			s.logger.Error("プロフィールの取得に失敗しました", "user_id", userID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "プロフィールの取得に失敗しました"})
			return
		}

		c.JSON(http.StatusOK, u)
	}
}
