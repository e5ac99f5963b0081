package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidToken はトークンの署名、アルゴリズム、発行者、有効期限のいずれかが不正であることを表す。
var ErrInvalidToken = errors.New("トークンが無効です")

// Claims はアクセストークンのクレーム。subにユーザーIDを持つ。
type Claims struct {
	jwt.RegisteredClaims
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// Roles はユーザーのロール。
	Roles []string `json:"roles,omitempty"`
}

// TokenService はHS256のアクセストークンを発行・検証する。
type TokenService struct {
	secret []byte
	issuer string
	ttl    time.Duration
	// now はテストで時刻を固定するために差し替える。
	now func() time.Time
}

// NewTokenService は新しいTokenServiceを生成する。
func NewTokenService(secret, issuer string, ttl time.Duration) *TokenService {
	return &TokenService{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue はユーザーのアクセストークンを発行し、トークンと有効期限を返す。
func (s *TokenService) Issue(u *User) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.ttl)

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
		Email: u.Email,
		Roles: u.Roles,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, expiresAt, nil
}

// Parse はトークンを検証してクレームを返す。
// HMAC以外のアルゴリズム、発行者の不一致、期限切れ、exp・subの欠落はErrInvalidTokenになる。
func (s *TokenService) Parse(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims,
		func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("想定外の署名アルゴリズムです: %v", t.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: subがありません", ErrInvalidToken)
	}
	return claims, nil
}
