// Package broker は環境変数の設定に応じてtransport.Driverを開く。
//
// 各サービスのmainはこのパッケージでドライバーを1つだけ開き、
// ClientとServerで共有して、終了時に閉じる。
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nao1215/authgate/pkg/config"
	"github.com/nao1215/authgate/pkg/transport"
	"github.com/nao1215/authgate/pkg/transport/rabbitmq"
	"github.com/nao1215/authgate/pkg/transport/redisqueue"
)

// 対応するトランスポートの種類。
const (
	// KindRabbitMQ はRabbitMQ（AMQP 0-9-1）。
	KindRabbitMQ = "rabbitmq"
	// KindRedis はRedisのリスト。
	KindRedis = "redis"
)

// Config はドライバーの選択と接続先の設定。
type Config struct {
	// Kind はトランスポートの種類。
	Kind string
	// AMQP はRabbitMQの接続設定。
	AMQP transport.Options
	// RedisURL はRedisの接続URL。
	RedisURL string
}

// FromEnv は環境変数から設定を読み込む。queueはこのプロセスの主なキュー名。
// TRANSPORTが未設定の場合、REDIS_URLがあればredis、なければrabbitmqを選ぶ。
func FromEnv(queue string) (Config, error) {
	redisURL := config.GetEnvOr("REDIS_URL", "")
	defaultKind := KindRabbitMQ
	if redisURL != "" {
		defaultKind = KindRedis
	}

	cfg := Config{
		Kind:     strings.ToLower(config.GetEnvOr("TRANSPORT", defaultKind)),
		RedisURL: redisURL,
	}

	opts, err := transport.OptionsFromEnv(queue)
	if err != nil {
		return Config{}, fmt.Errorf("ブローカー設定の読み込みに失敗: %w", err)
	}
	cfg.AMQP = opts

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate は設定値を検証する。
func (c Config) Validate() error {
	switch c.Kind {
	case KindRabbitMQ:
		return c.AMQP.Validate()
	case KindRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("TRANSPORT=%s にはREDIS_URLが必要です", KindRedis)
		}
		return nil
	default:
		return fmt.Errorf("未対応のトランスポートです: %q", c.Kind)
	}
}

// Open は設定に応じたドライバーを開く。
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (transport.Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Kind == KindRedis {
		d, err := redisqueue.Open(ctx, cfg.RedisURL, logger)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	d, err := rabbitmq.Dial(ctx, cfg.AMQP, logger)
	if err != nil {
		return nil, err
	}
	return d, nil
}
