package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/authgate/pkg/authrpc"
	"github.com/nao1215/authgate/pkg/logging"
	"github.com/nao1215/authgate/pkg/middleware"
	"github.com/nao1215/authgate/pkg/transport"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeValidator は "token-<userID>" 形式のトークンを受け付けるテスト用のバリデータ。
// "token-admin" はadminロールを持つ。
type fakeValidator struct{}

func (fakeValidator) ValidateToken(_ context.Context, token string) (authrpc.Principal, error) {
	switch token {
	case "token-admin":
		return authrpc.Principal{ID: "admin", Email: "admin@example.com", Roles: []string{"user", "admin"}}, nil
	case "token-user-1", "token-user-2":
		id := token[len("token-"):]
		return authrpc.Principal{ID: id, Email: id + "@example.com", Roles: []string{"user"}}, nil
	default:
		return authrpc.Principal{}, fmt.Errorf("%w: %w", authrpc.ErrInvalidToken, &transport.RemoteError{Message: authrpc.MessageInvalidToken})
	}
}

// setupTestServer はテスト用の通知サーバーをインメモリSQLiteで構築する。
func setupTestServer(t *testing.T) (*Server, *Store) {
	t.Helper()

	store := setupStore(t)
	cfg := Config{Port: "0", FrontendURL: "http://localhost:3000"}
	s := NewServer(cfg, store, middleware.RmqAuth(fakeValidator{}, logging.Discard()), logging.Discard())
	return s, store
}

// createTestNotification はテスト用に通知をDBに直接挿入するヘルパー関数。
func createTestNotification(t *testing.T, store *Store, id, userID, title, message string) {
	t.Helper()

	if _, err := store.Create(t.Context(), &Notification{
		ID:        id,
		UserID:    userID,
		Title:     title,
		Message:   message,
		CreatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("テスト用通知の作成に失敗: %v", err)
	}
}

// doRequest はテスト用のHTTPリクエストを実行し、レスポンスを返すヘルパー関数。
func doRequest(s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var reqBody *bytes.Reader
	if body != nil {
		jsonBytes, _ := json.Marshal(body)
		reqBody = bytes.NewReader(jsonBytes)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reqBody)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// decodeNotifications はレスポンスボディを通知のスライスにデコードする。
func decodeNotifications(t *testing.T, w *httptest.ResponseRecorder) []Notification {
	t.Helper()

	var got []Notification
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("レスポンスのパースに失敗: %v", err)
	}
	return got
}

// TestHandleList は通知一覧取得のテスト。
func TestHandleList(t *testing.T) {
	t.Parallel()

	t.Run("自分の通知だけが返されること", func(t *testing.T) {
		t.Parallel()

		s, store := setupTestServer(t)
		createTestNotification(t, store, "n-1", "user-1", "通知1", "メッセージ1")
		createTestNotification(t, store, "n-2", "user-1", "通知2", "メッセージ2")
		createTestNotification(t, store, "n-3", "user-2", "他人の通知", "メッセージ3")

		w := doRequest(s, http.MethodGet, "/api/v1/notifications", "token-user-1", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		got := decodeNotifications(t, w)
		if len(got) != 2 {
			t.Fatalf("通知件数: got %d, want 2", len(got))
		}
		for _, n := range got {
			if n.UserID != "user-1" {
				t.Errorf("他人の通知が含まれている: %+v", n)
			}
		}
	})

	t.Run("通知がない場合は空配列を返すこと", func(t *testing.T) {
		t.Parallel()

		s, _ := setupTestServer(t)
		w := doRequest(s, http.MethodGet, "/api/v1/notifications", "token-user-1", nil)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}
		if w.Body.String() != "[]" {
			t.Errorf("ボディ: got %q, want %q", w.Body.String(), "[]")
		}
	})

	t.Run("トークンがない場合は401を返すこと", func(t *testing.T) {
		t.Parallel()

		s, _ := setupTestServer(t)
		w := doRequest(s, http.MethodGet, "/api/v1/notifications", "", nil)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})

	t.Run("無効なトークンでは401を返すこと", func(t *testing.T) {
		t.Parallel()

		s, _ := setupTestServer(t)
		w := doRequest(s, http.MethodGet, "/api/v1/notifications", "token-unknown", nil)

		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusUnauthorized)
		}
	})
}

// TestHandleListUnread は未読通知一覧取得のテスト。
func TestHandleListUnread(t *testing.T) {
	t.Parallel()

	s, store := setupTestServer(t)
	createTestNotification(t, store, "n-1", "user-1", "通知1", "メッセージ1")
	createTestNotification(t, store, "n-2", "user-1", "通知2", "メッセージ2")
	if err := store.MarkAsRead(t.Context(), "n-1"); err != nil {
		t.Fatalf("既読処理に失敗: %v", err)
	}

	w := doRequest(s, http.MethodGet, "/api/v1/notifications/unread", "token-user-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}

	got := decodeNotifications(t, w)
	if len(got) != 1 || got[0].ID != "n-2" {
		t.Errorf("未読通知: got %+v, want [n-2]", got)
	}
}

// TestHandleMarkAsRead は通知既読処理のテスト。
func TestHandleMarkAsRead(t *testing.T) {
	t.Parallel()

	t.Run("自分の通知を既読にできること", func(t *testing.T) {
		t.Parallel()

		s, store := setupTestServer(t)
		createTestNotification(t, store, "n-1", "user-1", "通知1", "メッセージ1")

		w := doRequest(s, http.MethodPut, "/api/v1/notifications/n-1/read", "token-user-1", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
		}

		n, err := store.FindByID(t.Context(), "n-1")
		if err != nil {
			t.Fatalf("通知の取得に失敗: %v", err)
		}
		if !n.IsRead {
			t.Error("通知が既読になっていない")
		}
	})

	t.Run("他人の通知は403を返すこと", func(t *testing.T) {
		t.Parallel()

		s, store := setupTestServer(t)
		createTestNotification(t, store, "n-1", "user-2", "通知1", "メッセージ1")

		w := doRequest(s, http.MethodPut, "/api/v1/notifications/n-1/read", "token-user-1", nil)
		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusForbidden)
		}

		n, err := store.FindByID(t.Context(), "n-1")
		if err != nil {
			t.Fatalf("通知の取得に失敗: %v", err)
		}
		if n.IsRead {
			t.Error("他人の通知が既読になっている")
		}
	})

	t.Run("存在しない通知は404を返すこと", func(t *testing.T) {
		t.Parallel()

		s, _ := setupTestServer(t)
		w := doRequest(s, http.MethodPut, "/api/v1/notifications/missing/read", "token-user-1", nil)

		if w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}

// TestHandleMarkAllAsRead は全通知既読処理のテスト。
func TestHandleMarkAllAsRead(t *testing.T) {
	t.Parallel()

	s, store := setupTestServer(t)
	createTestNotification(t, store, "n-1", "user-1", "通知1", "メッセージ1")
	createTestNotification(t, store, "n-2", "user-1", "通知2", "メッセージ2")
	createTestNotification(t, store, "n-3", "user-2", "他人の通知", "メッセージ3")

	w := doRequest(s, http.MethodPut, "/api/v1/notifications/read-all", "token-user-1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}

	var body struct {
		Updated int64 `json:"updated"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスのパースに失敗: %v", err)
	}
	if body.Updated != 2 {
		t.Errorf("更新件数: got %d, want 2", body.Updated)
	}

	unread, err := store.ListByUser(t.Context(), "user-2", true)
	if err != nil {
		t.Fatalf("通知一覧の取得に失敗: %v", err)
	}
	if len(unread) != 1 {
		t.Errorf("他人の未読件数: got %d, want 1", len(unread))
	}
}

// TestHandleSend は通知送信のテスト。
func TestHandleSend(t *testing.T) {
	t.Parallel()

	t.Run("adminは通知を送信できること", func(t *testing.T) {
		t.Parallel()

		s, store := setupTestServer(t)
		body := map[string]string{"user_id": "user-1", "title": "お知らせ", "message": "メンテナンスのお知らせ"}

		w := doRequest(s, http.MethodPost, "/api/v1/notifications", "token-admin", body)
		if w.Code != http.StatusCreated {
			t.Fatalf("ステータスコード: got %d, want %d, body=%s", w.Code, http.StatusCreated, w.Body.String())
		}

		got, err := store.ListByUser(t.Context(), "user-1", false)
		if err != nil {
			t.Fatalf("通知一覧の取得に失敗: %v", err)
		}
		if len(got) != 1 || got[0].Title != "お知らせ" {
			t.Errorf("通知: got %+v", got)
		}
	})

	t.Run("admin以外は403を返すこと", func(t *testing.T) {
		t.Parallel()

		s, _ := setupTestServer(t)
		body := map[string]string{"user_id": "user-2", "title": "t", "message": "m"}

		w := doRequest(s, http.MethodPost, "/api/v1/notifications", "token-user-1", body)
		if w.Code != http.StatusForbidden {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusForbidden)
		}
	})

	t.Run("必須項目がない場合は400を返すこと", func(t *testing.T) {
		t.Parallel()

		s, _ := setupTestServer(t)
		body := map[string]string{"user_id": "user-1"}

		w := doRequest(s, http.MethodPost, "/api/v1/notifications", "token-admin", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}

// TestHealthCheck はヘルスチェックのテスト。
func TestHealthCheck(t *testing.T) {
	t.Parallel()

	s, _ := setupTestServer(t)
	w := doRequest(s, http.MethodGet, "/health", "", nil)

	if w.Code != http.StatusOK {
		t.Errorf("ステータスコード: got %d, want %d", w.Code, http.StatusOK)
	}
}
