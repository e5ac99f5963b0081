package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nao1215/authgate/pkg/authrpc"
	"github.com/nao1215/authgate/pkg/event"
	"github.com/nao1215/authgate/pkg/transport"
)

// welcomeTitle はユーザー登録時に送る通知のタイトル。
const welcomeTitle = "ようこそ"

// RegisterHandlers は通知サービスのイベントハンドラをサーバーに登録する。
func RegisterHandlers(srv *transport.Server, store *Store, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	srv.EventPattern(authrpc.EventUserRegistered, handleUserRegistered(store, logger))
}

// handleUserRegistered はuser_registeredイベントからウェルカム通知を作成する。
// 通知IDにイベントIDを使うため、同じイベントが再配送されても通知は1件になる。
func handleUserRegistered(store *Store, logger *slog.Logger) transport.EventHandlerFunc {
	return func(ctx context.Context, data json.RawMessage) error {
		ev, err := event.Decode(data, event.TypeUserRegistered)
		if err != nil {
			return err
		}
		payload, err := event.DecodeData[event.UserRegisteredData](ev)
		if err != nil {
			return err
		}
		if payload.UserID == "" {
			return fmt.Errorf("user_idが空です: event_id=%s", ev.ID)
		}

		created, err := store.Create(ctx, &Notification{
			ID:        ev.ID,
			UserID:    payload.UserID,
			Title:     welcomeTitle,
			Message:   welcomeMessage(payload),
			CreatedAt: time.Now(),
		})
		if err != nil {
			return err
		}
		if !created {
			logger.Debug("重複したイベントを無視しました", "event_id", ev.ID)
			return nil
		}
		logger.Info("ウェルカム通知を作成しました", "user_id", payload.UserID, "event_id", ev.ID)
		return nil
	}
}

func welcomeMessage(d *event.UserRegisteredData) string {
	name := strings.TrimSpace(d.Name)
	if name == "" {
		name = d.Email
	}
	return fmt.Sprintf("%sさん、ご登録ありがとうございます。", name)
}
