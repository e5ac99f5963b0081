package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nao1215/authgate/pkg/authrpc"
	"github.com/nao1215/authgate/pkg/event"
)

// ErrInvalidCredentials はメールアドレスまたはパスワードが一致しないことを表す。
// どちらが一致しなかったかは区別しない。
var ErrInvalidCredentials = errors.New("メールアドレスまたはパスワードが正しくありません")

// Emitter はイベントを送信する。*transport.Clientが実装する。
type Emitter interface {
	Emit(ctx context.Context, pattern string, payload any) error
}

// RegisterInput はユーザー登録の入力。
type RegisterInput struct {
	Email    string `json:"email" binding:"required,email,max=255"`
	Password string `json:"password" binding:"required,min=6,max=255"`
	Name     string `json:"name" binding:"max=100"`
	Surname  string `json:"surname" binding:"max=100"`
}

// LoginInput はログインの入力。
type LoginInput struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// LoginResult はログインに成功した場合の応答。
type LoginResult struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresAt   time.Time   `json:"expires_at"`
	User        UserSummary `json:"user"`
}

// UserSummary はログイン応答に含めるユーザー情報。
type UserSummary struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Service は認証サービスのユースケースを実装する。
type Service struct {
	store  *Store
	tokens *TokenService
	// events はユーザー登録イベントの送信先。nilの場合は送信しない。
	events Emitter
	logger *slog.Logger
}

// NewService は新しいServiceを生成する。
func NewService(store *Store, tokens *TokenService, events Emitter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, tokens: tokens, events: events, logger: logger}
}

// Register はユーザーを登録し、通知サービスへuser_registeredイベントを送信する。
// イベントの送信に失敗しても登録は成功として扱う。
func (s *Service) Register(ctx context.Context, in RegisterInput) (*User, error) {
	hash, err := hashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	u := &User{
		ID:           uuid.NewString(),
		Email:        normalizeEmail(in.Email),
		Name:         strings.TrimSpace(in.Name),
		Surname:      strings.TrimSpace(in.Surname),
		PasswordHash: hash,
		Roles:        []string{defaultRole},
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Create(ctx, u); err != nil {
		return nil, err
	}
	s.logger.Info("ユーザーを登録しました", "user_id", u.ID)

	s.emitRegistered(ctx, u)
	return u, nil
}

func (s *Service) emitRegistered(ctx context.Context, u *User) {
	if s.events == nil {
		return
	}
	ev, err := event.NewUserRegistered(event.UserRegisteredData{
		UserID: u.ID,
		Email:  u.Email,
		Name:   u.Name,
	})
	if err != nil {
		s.logger.Error("登録イベントの生成に失敗しました", "user_id", u.ID, "error", err)
		return
	}
	if err := s.events.Emit(ctx, authrpc.EventUserRegistered, ev); err != nil {
		s.logger.Warn("登録イベントの送信に失敗しました", "user_id", u.ID, "error", err)
	}
}

// Login はパスワードを確認してアクセストークンを発行する。
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	u, err := s.store.FindByEmail(ctx, normalizeEmail(in.Email))
	if errors.Is(err, ErrUserNotFound) {
		burnPasswordCheck(in.Password)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !checkPassword(u.PasswordHash, in.Password) {
		return nil, ErrInvalidCredentials
	}

	token, expiresAt, err := s.tokens.Issue(u)
	if err != nil {
		return nil, err
	}
	return &LoginResult{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt,
		User:        UserSummary{ID: u.ID, Email: u.Email},
	}, nil
}

// ValidateToken はトークンを検証し、subに対応するユーザーのPrincipalを返す。
// トークンが不正な場合とユーザーが存在しない場合はErrInvalidTokenを返す。
func (s *Service) ValidateToken(ctx context.Context, token string) (authrpc.Principal, error) {
	claims, err := s.tokens.Parse(token)
	if err != nil {
		return authrpc.Principal{}, err
	}

	u, err := s.store.FindByID(ctx, claims.Subject)
	if errors.Is(err, ErrUserNotFound) {
		return authrpc.Principal{}, fmt.Errorf("%w: ユーザーが存在しません", ErrInvalidToken)
	}
	if err != nil {
		return authrpc.Principal{}, err
	}
	return principalOf(u), nil
}

// GetUser はユーザーIDに対応するPrincipalを返す。
func (s *Service) GetUser(ctx context.Context, id string) (authrpc.Principal, error) {
	u, err := s.store.FindByID(ctx, id)
	if err != nil {
		return authrpc.Principal{}, err
	}
	return principalOf(u), nil
}

func principalOf(u *User) authrpc.Principal {
	return authrpc.Principal{ID: u.ID, Email: u.Email, Roles: u.Roles}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Profile はユーザーのプロフィールを返す。
func (s *Service) Profile(ctx context.Context, id string) (*User, error) {
	return s.store.FindByID(ctx, id)
}
