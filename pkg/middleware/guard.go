package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/authgate/pkg/authrpc"
)

// Ginコンテキストに認証情報を保存するキー。
const (
	// ContextKeyPrincipal は認証済みのPrincipalのキー。
	ContextKeyPrincipal = "principal"
	// ContextKeyUserID はユーザーIDのキー。
	ContextKeyUserID = "user_id"
	// ContextKeyEmail はメールアドレスのキー。
	ContextKeyEmail = "email"
)

// 401応答のメッセージ。拒否の理由はクライアントに区別させない。
const (
	errMissingCredential = "認証情報がありません"
	errInvalidCredential = "認証情報が無効です"
)

// TokenValidator はトークンを検証してPrincipalを返す。
// *authrpc.RemoteValidatorが実装する。
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (authrpc.Principal, error)
}

// RmqAuth は認証サービスへのRPCでBearerトークンを検証するGinミドルウェアを返す。
//
// Authorizationヘッダーがない、または形式が不正な場合はRPCを行わずに401を返す。
// 検証が拒否された場合も、タイムアウトや通信エラーの場合も同じ401を返す。
// 成功した場合はPrincipalをGinコンテキストとリクエストのcontextに設定する。
func RmqAuth(validator TokenValidator, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}

	return func(c *gin.Context) {
		token, ok := bearerToken(c.GetHeader("Authorization"))
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errMissingCredential})
			return
		}

		principal, err := validator.ValidateToken(c.Request.Context(), token)
		if err != nil {
			logger.Warn("トークンの検証に失敗しました",
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"cause", denialCause(err),
				"error", err,
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidCredential})
			return
		}

		c.Set(ContextKeyPrincipal, principal)
		c.Set(ContextKeyUserID, principal.ID)
		c.Set(ContextKeyEmail, principal.Email)
		c.Request = c.Request.WithContext(authrpc.WithPrincipal(c.Request.Context(), principal))
		c.Next()
	}
}

// bearerToken はAuthorizationヘッダーからトークンを取り出す。
// スキームは大文字小文字を区別しない。空のトークンや空白を含むトークンは不正とする。
func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", false
	}
	return token, true
}

// denialCause はログ用に拒否の理由を分類する。
func denialCause(err error) string {
	switch {
	case errors.Is(err, authrpc.ErrInvalidToken):
		return "rejected"
	case errors.Is(err, authrpc.ErrTransport):
		return "transport"
	default:
		return "unknown"
	}
}

// GetPrincipal はGinコンテキストから認証済みのPrincipalを取得する。
// RmqAuthミドルウェアが事前に適用されている必要がある。
func GetPrincipal(c *gin.Context) (authrpc.Principal, bool) {
	v, ok := c.Get(ContextKeyPrincipal)
	if !ok {
		return authrpc.Principal{}, false
	}
	p, ok := v.(authrpc.Principal)
	return p, ok
}

// GetUserID はGinコンテキストからユーザーIDを取得する。
// RmqAuthミドルウェアが事前に適用されている必要がある。
func GetUserID(c *gin.Context) string {
	return c.GetString(ContextKeyUserID)
}
