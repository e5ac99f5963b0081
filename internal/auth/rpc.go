package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"

	"github.com/nao1215/authgate/pkg/authrpc"
	"github.com/nao1215/authgate/pkg/transport"
)

// RegisterHandlers は認証サービスのRPCハンドラをサーバーに登録する。
func RegisterHandlers(srv *transport.Server, svc *Service, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	srv.MessagePattern(authrpc.CmdValidateToken, handleValidateToken(svc, logger))
	srv.MessagePattern(authrpc.CmdGetUserAuth, handleGetUserAuth(svc))
}

// handleValidateToken はvalidate_tokenのハンドラを返す。
// 拒否の理由はログにのみ残し、応答は常に汎用のメッセージにする。
func handleValidateToken(svc *Service, logger *slog.Logger) transport.HandlerFunc {
	return func(ctx context.Context, data json.RawMessage) (any, error) {
		var req authrpc.ValidateTokenRequest
		if err := json.Unmarshal(data, &req); err != nil || strings.TrimSpace(req.Token) == "" {
			return nil, transport.NewError(authrpc.MessageInvalidToken)
		}

		p, err := svc.ValidateToken(ctx, req.Token)
		if err != nil {
			if errors.Is(err, ErrInvalidToken) {
				logger.Debug("トークンを拒否しました", "error", err)
				return nil, transport.NewError(authrpc.MessageInvalidToken)
			}
			return nil, err
		}
		return p, nil
	}
}

// handleGetUserAuth はget_user_authのハンドラを返す。
// ペイロードはユーザーIDの文字列、または {"userId": "..."} を受け付ける。
func handleGetUserAuth(svc *Service) transport.HandlerFunc {
	return func(ctx context.Context, data json.RawMessage) (any, error) {
		userID := decodeUserID(data)
		if userID == "" {
			return nil, transport.NewError(authrpc.MessageUserNotFound)
		}

		p, err := svc.GetUser(ctx, userID)
		if errors.Is(err, ErrUserNotFound) {
			return nil, transport.NewError(authrpc.MessageUserNotFound)
		}
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

func decodeUserID(data json.RawMessage) string {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var obj struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		return strings.TrimSpace(obj.UserID)
	}
	return ""
}
