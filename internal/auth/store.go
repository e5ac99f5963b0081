package auth

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/nao1215/authgate/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

var (
	// ErrUserNotFound はユーザーが存在しないことを表す。
	ErrUserNotFound = errors.New("ユーザーが見つかりません")
	// ErrEmailTaken はメールアドレスが既に登録されていることを表す。
	ErrEmailTaken = errors.New("メールアドレスは既に登録されています")
)

// defaultRole は新規ユーザーに付与するロール。
const defaultRole = "user"

// User は登録済みのユーザー。
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	Surname      string    `json:"surname"`
	PasswordHash string    `json:"-"`
	Roles        []string  `json:"roles"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store はユーザーをSQLiteに保存する。
type Store struct {
	db *sql.DB
}

// NewStore はマイグレーションを適用してStoreを生成する。
func NewStore(ctx context.Context, db *sql.DB, logger *slog.Logger) (*Store, error) {
	if err := migration.Run(ctx, db, migrationsFS, "migrations", logger); err != nil {
		return nil, fmt.Errorf("usersテーブルのマイグレーションに失敗: %w", err)
	}
	return &Store{db: db}, nil
}

// Create はユーザーを保存する。メールアドレスが重複する場合はErrEmailTakenを返す。
func (s *Store) Create(ctx context.Context, u *User) error {
	if len(u.Roles) == 0 {
		u.Roles = []string{defaultRole}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, surname, password_hash, roles, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.Email, u.Name, u.Surname, u.PasswordHash, strings.Join(u.Roles, ","),
		u.CreatedAt.UTC(), u.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrEmailTaken
		}
		return fmt.Errorf("ユーザーの保存に失敗: %w", err)
	}
	return nil
}

// FindByID はIDでユーザーを検索する。
func (s *Store) FindByID(ctx context.Context, id string) (*User, error) {
	return s.findOne(ctx, "id", id)
}

// FindByEmail はメールアドレスでユーザーを検索する。
func (s *Store) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.findOne(ctx, "email", email)
}

// findOne は指定カラムの値でユーザーを1件取得する。columnは呼び出し側で固定する。
func (s *Store) findOne(ctx context.Context, column, value string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, surname, password_hash, roles, created_at, updated_at
		 FROM users WHERE `+column+` = ?`, value)

	var (
		u     User
		roles string
	)
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.Surname, &u.PasswordHash, &roles, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}
	u.Roles = splitRoles(roles)
	return &u, nil
}

func splitRoles(s string) []string {
	var roles []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roles = append(roles, r)
		}
	}
	return roles
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
