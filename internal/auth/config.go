package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/nao1215/authgate/pkg/config"
)

// minSecretLength はJWT署名鍵の最小長（バイト）。HS256の鍵長に合わせる。
const minSecretLength = 32

// Config は認証サービスの設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// DBPath はSQLiteデータベースのパス。
	DBPath string
	// JWTSecret はトークンの署名鍵。
	JWTSecret string
	// JWTIssuer はトークンの発行者（iss）。
	JWTIssuer string
	// JWTTTL はトークンの有効期間。
	JWTTTL time.Duration
	// FrontendURL はCORSで許可するオリジン。
	FrontendURL string
	// LoginRateLimit はクライアントIPごとの1分あたりのログイン・登録試行回数の上限。
	LoginRateLimit int
}

// Load は環境変数から設定を読み込む。JWT_SECRETは必須。
func Load() (Config, error) {
	cfg := Config{
		Port:        config.GetEnvOr("PORT", "8081"),
		DBPath:      config.GetEnvOr("DB_PATH", "/data/auth.db"),
		JWTSecret:   config.GetEnvOr("JWT_SECRET", ""),
		JWTIssuer:   config.GetEnvOr("JWT_ISSUER", "authgate"),
		FrontendURL: config.GetEnvOr("FRONTEND_URL", "http://localhost:3000"),
	}

	var err error
	if cfg.JWTTTL, err = config.GetDuration("JWT_TTL", time.Hour); err != nil {
		return Config{}, err
	}
	if cfg.LoginRateLimit, err = config.GetInt("LOGIN_RATE_LIMIT", 10); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate は設定値を検証する。
func (c Config) Validate() error {
	var errs []error
	if len(c.JWTSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("JWT_SECRETは%dバイト以上が必要です", minSecretLength))
	}
	if c.JWTIssuer == "" {
		errs = append(errs, errors.New("JWT_ISSUERが必要です"))
	}
	if c.JWTTTL <= 0 {
		errs = append(errs, errors.New("JWT_TTLは正の値である必要があります"))
	}
	if c.LoginRateLimit <= 0 {
		errs = append(errs, errors.New("LOGIN_RATE_LIMITは正の値である必要があります"))
	}
	return errors.Join(errs...)
}
