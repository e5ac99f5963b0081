package notification

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nao1215/authgate/pkg/httpserver"
	"github.com/nao1215/authgate/pkg/middleware"
)

// roleAdmin は任意のユーザーに通知を送信できるロール。
const roleAdmin = "admin"

// route はガードの内側に登録するルート。
type route struct {
	method  string
	path    string
	handler gin.HandlerFunc
}

// Server は通知サービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// store は通知の保存先。
	store *Store
	// guard は/api/v1以下に適用する認証ミドルウェア。
	guard  gin.HandlerFunc
	logger *slog.Logger
}

// NewServer は新しい通知サーバーを生成する。
func NewServer(cfg Config, store *Store, guard gin.HandlerFunc, logger *slog.Logger) *Server {
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
		store:  store,
		guard:  guard,
		logger: logger,
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
	return []route{
		// 通知一覧取得
		{http.MethodGet, "/notifications", s.handleList()},
		// 未読通知一覧取得
		{http.MethodGet, "/notifications/unread", s.handleListUnread()},
		// 通知を既読にする
		{http.MethodPut, "/notifications/:id/read", s.handleMarkAsRead()},
		// 全通知を既読にする
		{http.MethodPut, "/notifications/read-all", s.handleMarkAllAsRead()},
		// 通知送信（adminのみ）
		{http.MethodPost, "/notifications", s.handleSend()},
	}
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "notification"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api/v1")
	api.Use(s.guard)
	for _, r := range s.protectedRoutes() {
		api.Handle(r.method, r.path, r.handler)
	}
}

// handleList は認証済みユーザーの通知一覧を返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return s.list(false)
}

// handleListUnread は認証済みユーザーの未読通知一覧を返すハンドラ。
func (s *Server) handleListUnread() gin.HandlerFunc {
	return s.list(true)
}

func (s *Server) list(unreadOnly bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		notifications, err := s.store.ListByUser(c.Request.Context(), userID, unreadOnly)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知一覧の取得に失敗しました"})
			s.logger.Error("通知一覧取得エラー", "user_id", userID, "unread_only", unreadOnly, "error", err)
			return
		}

		c.JSON(http.StatusOK, notifications)
	}
}

// handleMarkAsRead は指定された通知を既読にするハンドラ。
func (s *Server) handleMarkAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		notificationID := c.Param("id")

		// 通知の存在確認と所有者チェック
		n, err := s.store.FindByID(c.Request.Context(), notificationID)
		if errors.Is(err, ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "通知が見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の取得に失敗しました"})
			s.logger.Error("通知取得エラー", "notification_id", notificationID, "error", err)
			return
		}

		if n.UserID != userID {
			c.JSON(http.StatusForbidden, gin.H{"error": "この通知を操作する権限がありません"})
			return
		}

		if err := s.store.MarkAsRead(c.Request.Context(), notificationID); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の既読処理に失敗しました"})
			s.logger.Error("通知既読処理エラー", "notification_id", notificationID, "error", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "通知を既読にしました"})
	}
}

// handleMarkAllAsRead は認証済みユーザーの全通知を既読にするハンドラ。
func (s *Server) handleMarkAllAsRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := middleware.GetUserID(c)
		if userID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "ユーザーIDが取得できません"})
			return
		}

		updated, err := s.store.MarkAllAsRead(c.Request.Context(), userID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "全通知の既読処理に失敗しました"})
			s.logger.Error("全通知既読処理エラー", "user_id", userID, "error", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "全通知を既読にしました", "updated": updated})
	}
}

// sendRequest は通知送信リクエストのJSON構造。
type sendRequest struct {
	// UserID は通知先のユーザーID。
	UserID string `json:"user_id" binding:"required"`
	// Title は通知のタイトル。
	Title string `json:"title" binding:"required,max=200"`
	// Message は通知メッセージ。
	Message string `json:"message" binding:"required,max=2000"`
}

// handleSend は任意のユーザーへ通知を作成するハンドラ。adminロールが必要。
func (s *Server) handleSend() gin.HandlerFunc {
	return func(c *gin.Context) {
		p, ok := middleware.GetPrincipal(c)
		if !ok || !p.HasRole(roleAdmin) {
			c.JSON(http.StatusForbidden, gin.H{"error": "通知を送信する権限がありません"})
			return
		}

		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "リクエストの形式が不正です"})
			return
		}

		n := &Notification{
			ID:        uuid.New().String(),
			UserID:    req.UserID,
			Title:     req.Title,
			Message:   req.Message,
			CreatedAt: time.Now(),
		}
		if _, err := s.store.Create(c.Request.Context(), n); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "通知の作成に失敗しました"})
			s.logger.Error("通知作成エラー", "user_id", req.UserID, "error", err)
			return
		}

		c.JSON(http.StatusCreated, gin.H{
			"id":      n.ID,
			"message": "通知を送信しました",
		})
	}
}
