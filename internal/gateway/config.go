package gateway

import (
	"fmt"
	"net/url"
	"time"

	"github.com/nao1215/authgate/pkg/config"
)

// Config はGatewayサービスの設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// UpstreamURL はプロキシ先のベースURL。空の場合プロキシは503を返す。
	UpstreamURL string
	// UpstreamTimeout は上流へのリクエストのタイムアウト。
	UpstreamTimeout time.Duration
	// FrontendURL はCORSで許可するオリジン。
	FrontendURL string
}

// Load は環境変数から設定を読み込む。
func Load() (Config, error) {
	cfg := Config{
		Port:        config.GetEnvOr("PORT", "8080"),
		UpstreamURL: config.GetEnvOr("UPSTREAM_URL", ""),
		FrontendURL: config.GetEnvOr("FRONTEND_URL", "http://localhost:3000"),
	}

	var err error
	if cfg.UpstreamTimeout, err = config.GetDuration("UPSTREAM_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate は設定値を検証する。
func (c Config) Validate() error {
	if c.UpstreamURL == "" {
		return nil
	}
	u, err := url.Parse(c.UpstreamURL)
	if err != nil {
		return fmt.Errorf("UPSTREAM_URLの形式が不正です: %w", err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("UPSTREAM_URLはhttpまたはhttpsの絶対URLである必要があります: %s", c.UpstreamURL)
	}
	return nil
}
