// Package authrpc は認証サービスとのRPC契約を定義する。
//
// コマンド名とペイロードの型、認証サービスへ問い合わせるRemoteValidator、
// リクエストのcontext.Contextに認証済みユーザーを載せるヘルパーを含む。
package authrpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/nao1215/authgate/pkg/transport"
)

// 認証サービスが処理するコマンドとイベント。
const (
	// CmdValidateToken はトークンを検証し、Principalを返すコマンド。
	CmdValidateToken = "validate_token"
	// CmdGetUserAuth はユーザーIDからPrincipalを返すコマンド。
	CmdGetUserAuth = "get_user_auth"
	// EventUserRegistered はユーザー登録時に通知サービスへ送るイベント。
	EventUserRegistered = "user_registered"
)

// 認証サービスが返す公開用のエラーメッセージ。
const (
	// MessageInvalidToken はトークン検証に失敗した場合の応答メッセージ。
	MessageInvalidToken = "Invalid token"
	// MessageUserNotFound はユーザーが存在しない場合の応答メッセージ。
	MessageUserNotFound = "User not found"
)

var (
	// ErrInvalidToken は認証サービスがトークンを拒否したことを表す。
	ErrInvalidToken = errors.New("トークンが拒否されました")
	// ErrUserNotFound は認証サービスがユーザーを見つけられなかったことを表す。
	ErrUserNotFound = errors.New("ユーザーが見つかりません")
	// ErrTransport は認証サービスから有効な応答を得られなかったことを表す。
	// タイムアウト、接続断、不正な応答、サーキットブレーカーの遮断を含む。
	ErrTransport = errors.New("認証サービスとの通信に失敗しました")
)

// Principal は認証済みのユーザー。1リクエストの間だけ保持する。
type Principal struct {
	// ID はユーザーの一意識別子。トークンのsubと一致する。
	ID string `json:"id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// Roles はユーザーのロール。
	Roles []string `json:"roles,omitempty"`
}

// HasRole はPrincipalが指定されたロールを持つかどうかを返す。
func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// ValidateTokenRequest はvalidate_tokenのペイロード。
type ValidateTokenRequest struct {
	Token string `json:"token"`
}

// Caller はRPCを送信するクライアント。*transport.Clientが実装する。
type Caller interface {
	Send(ctx context.Context, cmd string, payload, out any) error
}

// RemoteValidator は認証サービスへRPCで問い合わせる。
type RemoteValidator struct {
	caller Caller
}

// NewRemoteValidator は新しいRemoteValidatorを生成する。
func NewRemoteValidator(caller Caller) *RemoteValidator {
	return &RemoteValidator{caller: caller}
}

// ValidateToken はトークンの検証を認証サービスに依頼する。
// 拒否された場合はErrInvalidToken、応答を得られなかった場合はErrTransportを返す。
func (v *RemoteValidator) ValidateToken(ctx context.Context, token string) (Principal, error) {
	var p Principal
	if err := v.caller.Send(ctx, CmdValidateToken, ValidateTokenRequest{Token: token}, &p); err != nil {
		return Principal{}, classify(err, ErrInvalidToken)
	}
	if p.ID == "" {
		return Principal{}, fmt.Errorf("%w: %w: ユーザーIDが空です", ErrTransport, transport.ErrMalformedReply)
	}
	return p, nil
}

// LookupUser はユーザーIDに対応するPrincipalを認証サービスから取得する。
// 存在しない場合はErrUserNotFoundを返す。
func (v *RemoteValidator) LookupUser(ctx context.Context, userID string) (Principal, error) {
	var p Principal
	if err := v.caller.Send(ctx, CmdGetUserAuth, userID, &p); err != nil {
		return Principal{}, classify(err, ErrUserNotFound)
	}
	if p.ID == "" {
		return Principal{}, fmt.Errorf("%w: %w: ユーザーIDが空です", ErrTransport, transport.ErrMalformedReply)
	}
	return p, nil
}

// classify はRPCのエラーを拒否と通信失敗に分類する。
func classify(err error, rejected error) error {
	var remote *transport.RemoteError
	if errors.As(err, &remote) {
		return fmt.Errorf("%w: %w", rejected, err)
	}
	return fmt.Errorf("%w: %w", ErrTransport, err)
}

type principalKey struct{}

// WithPrincipal はPrincipalを載せたcontextを返す。
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext はcontextからPrincipalを取り出す。
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
