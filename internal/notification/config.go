package notification

import "github.com/nao1215/authgate/pkg/config"

// Config は通知サービスの設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string
	// DBPath はSQLiteデータベースのパス。
	DBPath string
	// FrontendURL はCORSで許可するオリジン。
	FrontendURL string
}

// Load は環境変数から設定を読み込む。
func Load() Config {
	return Config{
		Port:        config.GetEnvOr("PORT", "8082"),
		DBPath:      config.GetEnvOr("DB_PATH", "/data/notification.db"),
		FrontendURL: config.GetEnvOr("FRONTEND_URL", "http://localhost:3000"),
	}
}
