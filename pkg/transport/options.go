package transport

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/nao1215/authgate/pkg/config"
)

// サービスごとのキュー名。
const (
	// QueueAuth は認証サービスが購読するキュー。
	QueueAuth = "auth_queue"
	// QueueNotifications は通知サービスが購読するキュー。
	QueueNotifications = "notifications_queue"
)

const (
	// DefaultTimeout はRPC応答待ちのデフォルトのタイムアウト。
	DefaultTimeout = 5 * time.Second
	// DefaultPrefetch はServerが同時に処理するメッセージ数のデフォルト値。
	DefaultPrefetch = 10
)

// Options はブローカーへの接続とキューの設定。
type Options struct {
	// Protocol は接続プロトコル（amqp または amqps）。
	Protocol string
	// Host はブローカーのホスト名。
	Host string
	// Port はブローカーのポート番号。
	Port int
	// Username は認証ユーザー名。
	Username string
	// Password は認証パスワード。
	Password string
	// VHost は仮想ホスト。空の場合は "/"。
	VHost string
	// Queue は宛先（Serverでは購読元）のキュー名。
	Queue string
	// Durable はキューをブローカー再起動後も保持するかどうか。
	Durable bool
	// Timeout はRPC応答待ちの上限時間。
	Timeout time.Duration
	// Prefetch はServerが同時に処理するメッセージ数の上限。
	Prefetch int
}

// DefaultOptions はローカル開発用のデフォルト設定を返す。
func DefaultOptions(queue string) Options {
	return Options{
		Protocol: "amqp",
		Host:     "localhost",
		Port:     5672,
		Username: "guest",
		Password: "guest",
		VHost:    "/",
		Queue:    queue,
		Durable:  true,
		Timeout:  DefaultTimeout,
		Prefetch: DefaultPrefetch,
	}
}

// OptionsFromEnv は環境変数からブローカーの設定を読み込む。
// キュー名は呼び出し側が宛先サービスに応じて指定する。
func OptionsFromEnv(queue string) (Options, error) {
	opts := DefaultOptions(queue)
	opts.Protocol = config.GetEnvOr("RMQ_PROTOCOL", opts.Protocol)
	opts.Host = config.GetEnvOr("RMQ_HOST", opts.Host)
	opts.Username = config.GetEnvOr("RMQ_USERNAME", opts.Username)
	opts.Password = config.GetEnvOr("RMQ_PASSWORD", opts.Password)
	opts.VHost = config.GetEnvOr("RMQ_VHOST", opts.VHost)

	var err error
	if opts.Port, err = config.GetInt("RMQ_PORT", opts.Port); err != nil {
		return Options{}, err
	}
	if opts.Durable, err = config.GetBool("RMQ_DURABLE", opts.Durable); err != nil {
		return Options{}, err
	}
	if opts.Timeout, err = config.GetDuration("RPC_TIMEOUT", opts.Timeout); err != nil {
		return Options{}, err
	}
	if opts.Prefetch, err = config.GetInt("RMQ_PREFETCH", opts.Prefetch); err != nil {
		return Options{}, err
	}

	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

// WithQueue はキュー名だけを差し替えた設定を返す。
func (o Options) WithQueue(queue string) Options {
	o.Queue = queue
	return o
}

// Validate は設定値を検証する。
func (o Options) Validate() error {
	var errs []error
	if o.Protocol != "amqp" && o.Protocol != "amqps" {
		errs = append(errs, fmt.Errorf("未対応のプロトコルです: %q", o.Protocol))
	}
	if o.Host == "" {
		errs = append(errs, errors.New("ホスト名が必要です"))
	}
	if o.Port <= 0 || o.Port > 65535 {
		errs = append(errs, fmt.Errorf("ポート番号が範囲外です: %d", o.Port))
	}
	if o.Queue == "" {
		errs = append(errs, errors.New("キュー名が必要です"))
	}
	if o.Timeout <= 0 {
		errs = append(errs, errors.New("タイムアウトは正の値である必要があります"))
	}
	if o.Prefetch <= 0 {
		errs = append(errs, errors.New("プリフェッチ数は正の値である必要があります"))
	}
	return errors.Join(errs...)
}

// URL はAMQP接続URIを返す。
func (o Options) URL() string {
	u := url.URL{
		Scheme: o.Protocol,
		Host:   net.JoinHostPort(o.Host, strconv.Itoa(o.Port)),
		Path:   "/",
	}
	if o.Username != "" {
		u.User = url.UserPassword(o.Username, o.Password)
	}
	if o.VHost != "" && o.VHost != "/" {
		u.Path = "/" + o.VHost
	}
	return u.String()
}

// Redacted はパスワードを伏せた接続URIを返す。ログ出力用。
func (o Options) Redacted() string {
	u, err := url.Parse(o.URL())
	if err != nil {
		return ""
	}
	return u.Redacted()
}
