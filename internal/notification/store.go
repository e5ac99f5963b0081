package notification

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nao1215/authgate/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound は通知が存在しないことを表す。
var ErrNotFound = errors.New("通知が見つかりません")

// Notification はユーザーへの通知。
type Notification struct {
	// ID は通知の一意識別子。
	ID string `json:"id"`
	// UserID は通知先のユーザーID。
	UserID string `json:"user_id"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// IsRead は通知の既読状態。
	IsRead bool `json:"is_read"`
	// CreatedAt は通知の作成日時。
	CreatedAt time.Time `json:"created_at"`
}

// Store は通知をSQLiteに保存する。
type Store struct {
	db *sql.DB
}

// NewStore はマイグレーションを適用してStoreを生成する。
func NewStore(ctx context.Context, db *sql.DB, logger *slog.Logger) (*Store, error) {
	if err := migration.Run(ctx, db, migrationsFS, "migrations", logger); err != nil {
		return nil, fmt.Errorf("notificationsテーブルのマイグレーションに失敗: %w", err)
	}
	return &Store{db: db}, nil
}

// Create は通知を保存する。同じIDの通知が既にある場合は何もせずfalseを返す。
func (s *Store) Create(ctx context.Context, n *Notification) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, user_id, title, message, is_read, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)
		 ON CONFLICT(id) DO NOTHING`,
		n.ID, n.UserID, n.Title, n.Message, n.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("通知の保存に失敗: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("保存件数の取得に失敗: %w", err)
	}
	return affected == 1, nil
}

// FindByID はIDで通知を検索する。
func (s *Store) FindByID(ctx context.Context, id string) (*Notification, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, message, is_read, created_at
		 FROM notifications WHERE id = ?`, id)

	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	return n, nil
}

// ListByUser はユーザーの通知を新しい順に返す。unreadOnlyがtrueの場合は未読のみ。
func (s *Store) ListByUser(ctx context.Context, userID string, unreadOnly bool) ([]Notification, error) {
	query := `SELECT id, user_id, title, message, is_read, created_at
		FROM notifications WHERE user_id = ?`
	if unreadOnly {
		query += ` AND is_read = 0`
	}
	query += ` ORDER BY created_at DESC, id`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	defer rows.Close()

	notifications := make([]Notification, 0)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("通知の読み取りに失敗: %w", err)
		}
		notifications = append(notifications, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	return notifications, nil
}

// MarkAsRead は通知を既読にする。
func (s *Store) MarkAsRead(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE notifications SET is_read = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("通知の既読処理に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAllAsRead はユーザーの未読通知をすべて既読にし、更新件数を返す。
func (s *Store) MarkAllAsRead(ctx context.Context, userID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = 1 WHERE user_id = ? AND is_read = 0", userID)
	if err != nil {
		return 0, fmt.Errorf("全通知の既読処理に失敗: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return n, nil
}

// scanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type scanner interface {
	Scan(dest ...any) error
}

func scanNotification(sc scanner) (*Notification, error) {
	var (
		n      Notification
		isRead int64
	)
	if err := sc.Scan(&n.ID, &n.UserID, &n.Title, &n.Message, &isRead, &n.CreatedAt); err != nil {
		return nil, err
	}
	n.IsRead = isRead != 0
	return &n, nil
}
