// Package rabbitmq はRabbitMQ（AMQP 0-9-1）上のtransport.Driver実装を提供する。
//
// リクエストとイベントはデフォルトエクスチェンジ経由で名前付きキューへ送信する。
// 応答はクライアントごとに作成する排他的な自動削除キューで受け取る。
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/nao1215/authgate/pkg/transport"
)

const (
	// contentType はすべてのメッセージに付与するContent-Type。
	contentType = "application/json"
	// heartbeat はブローカーとのハートビート間隔。
	heartbeat = 10 * time.Second
	// dialAttempts は起動時の接続試行回数。
	dialAttempts = 5
)

// Driver はRabbitMQ接続を保持するtransport.Driver。
// 接続が切断された場合は、次の操作で接続し直す。
type Driver struct {
	url      string
	cfg      amqp.Config
	prefetch int
	logger   *slog.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	// pub は送信とキュー宣言に使うチャネル。エラーで閉じられた場合は再作成する。
	pub    *amqp.Channel
	closed bool
}

var _ transport.Driver = (*Driver)(nil)

// Dial はブローカーへ接続する。接続できない場合はctxが終了するまで数回再試行する。
func Dial(ctx context.Context, opts transport.Options, logger *slog.Logger) (*Driver, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("ブローカー設定が不正です: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("broker", opts.Redacted())

	cfg := amqp.Config{
		Heartbeat:  heartbeat,
		Locale:     "en_US",
		Properties: amqp.Table{"connection_name": "authgate:" + opts.Queue},
	}

	var (
		conn *amqp.Connection
		err  error
	)
	backoff := 500 * time.Millisecond
	for attempt := 1; attempt <= dialAttempts; attempt++ {
		conn, err = amqp.DialConfig(opts.URL(), cfg)
		if err == nil {
			break
		}
		logger.Warn("ブローカーへの接続に失敗しました", "attempt", attempt, "error", err)
		if attempt == dialAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	if err != nil {
		return nil, fmt.Errorf("ブローカーへの接続に失敗: %w", err)
	}

	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("チャネルの作成に失敗: %w", err)
	}

	d := &Driver{
		url:      opts.URL(),
		cfg:      cfg,
		conn:     conn,
		prefetch: opts.Prefetch,
		logger:   logger,
		pub:      pub,
	}
	go d.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))

	logger.Info("ブローカーに接続しました")
	return d, nil
}

// watch は接続断をログに記録する。購読中のチャネルは閉じられ、
// Serveはエラーで戻り、Clientは次の呼び出しで購読し直す。
func (d *Driver) watch(closed <-chan *amqp.Error) {
	if err, ok := <-closed; ok && err != nil {
		d.logger.Error("ブローカーとの接続が切断されました", "code", err.Code, "reason", err.Reason)
	}
}

// connection は接続を返す。切断されていれば1回だけ接続し直す。
// 呼び出し元はd.muを保持していること。
func (d *Driver) connection() (*amqp.Connection, error) {
	if d.closed {
		return nil, transport.ErrClosed
	}
	if !d.conn.IsClosed() {
		return d.conn, nil
	}

	conn, err := amqp.DialConfig(d.url, d.cfg)
	if err != nil {
		return nil, fmt.Errorf("ブローカーへの再接続に失敗: %w", err)
	}
	d.conn = conn
	d.pub = nil
	go d.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))
	d.logger.Info("ブローカーに再接続しました")
	return conn, nil
}

// channel は送信用チャネルを返す。閉じられていれば作り直す。
// 呼び出し元はd.muを保持していること。
func (d *Driver) channel() (*amqp.Channel, error) {
	conn, err := d.connection()
	if err != nil {
		return nil, err
	}
	if d.pub != nil && !d.pub.IsClosed() {
		return d.pub, nil
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("チャネルの再作成に失敗: %w", err)
	}
	d.pub = ch
	return ch, nil
}

// DeclareQueue はキューを宣言する。
func (d *Driver) DeclareQueue(_ context.Context, queue string, durable bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch, err := d.channel()
	if err != nil {
		return err
	}
	if _, err := ch.QueueDeclare(queue, durable, false, false, false, nil); err != nil {
		return fmt.Errorf("キュー %s の宣言に失敗: %w", queue, err)
	}
	return nil
}

// Publish はデフォルトエクスチェンジ経由でキューへメッセージを送信する。
func (d *Driver) Publish(ctx context.Context, queue string, msg transport.Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	ch, err := d.channel()
	if err != nil {
		return err
	}
	if err := ch.PublishWithContext(ctx, "", queue, false, false, toPublishing(msg)); err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("%w: %v", transport.ErrClosed, err)
		}
		return err
	}
	return nil
}

// Consume はキューを宣言し、専用チャネルで購読する。
// メッセージは受け渡した時点でackし、ctxの終了時に未配送のものはブローカーへ戻る。
func (d *Driver) Consume(ctx context.Context, queue string, durable bool) (<-chan transport.Message, error) {
	ch, err := d.openChannel()
	if err != nil {
		return nil, err
	}
	if d.prefetch > 0 {
		if err := ch.Qos(d.prefetch, 0, false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("プリフェッチ数の設定に失敗: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(queue, durable, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("キュー %s の宣言に失敗: %w", queue, err)
	}
	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("キュー %s の購読に失敗: %w", queue, err)
	}

	out := make(chan transport.Message)
	go d.forward(ctx, ch, deliveries, out, false)
	return out, nil
}

// ReplyQueue はサーバー命名の排他的な自動削除キューを作成して購読する。
func (d *Driver) ReplyQueue(ctx context.Context) (string, <-chan transport.Message, error) {
	ch, err := d.openChannel()
	if err != nil {
		return "", nil, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return "", nil, fmt.Errorf("応答キューの宣言に失敗: %w", err)
	}
	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return "", nil, fmt.Errorf("応答キューの購読に失敗: %w", err)
	}

	out := make(chan transport.Message)
	go d.forward(ctx, ch, deliveries, out, true)
	return q.Name, out, nil
}

// openChannel は購読用の新しいチャネルを開く。
func (d *Driver) openChannel() (*amqp.Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	conn, err := d.connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("チャネルの作成に失敗: %w", err)
	}
	return ch, nil
}

// forward はctxが終了するかチャネルが閉じられるまで配送を転送する。
func (d *Driver) forward(ctx context.Context, ch *amqp.Channel, deliveries <-chan amqp.Delivery, out chan<- transport.Message, autoAck bool) {
	defer close(out)
	defer func() {
		if !ch.IsClosed() {
			_ = ch.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case dlv, ok := <-deliveries:
			if !ok {
				return
			}
			select {
			case out <- fromDelivery(dlv):
				if !autoAck {
					if err := dlv.Ack(false); err != nil {
						d.logger.Warn("ackに失敗しました", "error", err)
					}
				}
			case <-ctx.Done():
				if !autoAck {
					_ = dlv.Nack(false, true)
				}
				return
			}
		}
	}
}

// Close はチャネルと接続を閉じる。2回目以降の呼び出しは何もしない。
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.pub != nil && !d.pub.IsClosed() {
		_ = d.pub.Close()
	}
	if d.conn.IsClosed() {
		return nil
	}
	return d.conn.Close()
}

// toPublishing はメッセージをAMQPのPublishingに変換する。
func toPublishing(msg transport.Message) amqp.Publishing {
	return amqp.Publishing{
		ContentType:   contentType,
		DeliveryMode:  amqp.Persistent,
		CorrelationId: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Timestamp:     time.Now(),
		Body:          msg.Body,
	}
}

// fromDelivery はAMQPの配送をメッセージに変換する。
func fromDelivery(d amqp.Delivery) transport.Message {
	return transport.Message{
		Body:          d.Body,
		CorrelationID: d.CorrelationId,
		ReplyTo:       d.ReplyTo,
	}
}
