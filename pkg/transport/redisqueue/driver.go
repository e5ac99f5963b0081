// Package redisqueue はRedisのリストをキューとして使うtransport.Driver実装を提供する。
//
// 送信はLPUSH、受信はBRPOPで行う。メッセージは相関IDと応答先を含む
// JSONフレームとして保存する。応答キューはTTL付きのキーで、
// 購読の終了時に削除される。
package redisqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nao1215/authgate/pkg/transport"
)

const (
	// queuePrefix は名前付きキューのキー接頭辞。
	queuePrefix = "authgate:queue:"
	// replyPrefix は応答キューのキー接頭辞。
	replyPrefix = "authgate:reply:"
	// pollTimeout はBRPOPの待ち時間。Redisが受け付ける最小単位は1秒。
	pollTimeout = time.Second
	// replyTTL は応答キューの有効期限。購読者が消えた場合の掃除に使う。
	replyTTL = time.Minute
	// retryDelay は受信エラー後の再試行までの待ち時間。
	retryDelay = time.Second
)

// frame はリストに保存するメッセージの形式。
type frame struct {
	CorrelationID string `json:"correlation_id,omitempty"`
	ReplyTo       string `json:"reply_to,omitempty"`
	Body          []byte `json:"body"`
}

// Driver はRedisクライアントを保持するtransport.Driver。
type Driver struct {
	client *redis.Client
	logger *slog.Logger
	// owned はCloseでクライアントを閉じるかどうか。
	owned bool

	mu     sync.Mutex
	closed bool
}

var _ transport.Driver = (*Driver)(nil)

// New は既存のクライアントからドライバーを生成する。クライアントは呼び出し元が閉じる。
func New(client *redis.Client, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{client: client, logger: logger}
}

// Open はURLからクライアントを作成し、疎通を確認してドライバーを返す。
func Open(ctx context.Context, rawURL string, logger *slog.Logger) (*Driver, error) {
	opt, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("REDIS_URLの解析に失敗: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
	}
	d := New(client, logger)
	d.owned = true
	d.logger.Info("Redisに接続しました", "addr", opt.Addr, "db", opt.DB)
	return d, nil
}

// key はキュー名をRedisのキーに変換する。応答キューは名前がそのままキーになる。
func key(queue string) string {
	if strings.HasPrefix(queue, replyPrefix) {
		return queue
	}
	return queuePrefix + queue
}

func (d *Driver) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// DeclareQueue はRedisへの疎通を確認する。リストは最初の送信時に作成される。
func (d *Driver) DeclareQueue(ctx context.Context, _ string, _ bool) error {
	if d.isClosed() {
		return transport.ErrClosed
	}
	return d.client.Ping(ctx).Err()
}

// Publish はメッセージをフレームに包んでリストの先頭に追加する。
func (d *Driver) Publish(ctx context.Context, queue string, msg transport.Message) error {
	if d.isClosed() {
		return transport.ErrClosed
	}
	payload, err := encodeFrame(msg)
	if err != nil {
		return err
	}

	k := key(queue)
	_, err = d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, k, payload)
		if strings.HasPrefix(k, replyPrefix) {
			pipe.Expire(ctx, k, replyTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("キュー %s への送信に失敗: %w", queue, err)
	}
	return nil
}

// Consume はキューを購読する。
func (d *Driver) Consume(ctx context.Context, queue string, _ bool) (<-chan transport.Message, error) {
	if d.isClosed() {
		return nil, transport.ErrClosed
	}
	out := make(chan transport.Message)
	go d.poll(ctx, key(queue), out)
	return out, nil
}

// ReplyQueue は一意な応答キューを作成して購読する。購読の終了時にキーを削除する。
func (d *Driver) ReplyQueue(ctx context.Context) (string, <-chan transport.Message, error) {
	if d.isClosed() {
		return "", nil, transport.ErrClosed
	}
	name := replyPrefix + uuid.NewString()
	out := make(chan transport.Message)
	go func() {
		d.poll(ctx, name, out)
		cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := d.client.Del(cleanup, name).Err(); err != nil && !errors.Is(err, redis.ErrClosed) {
			d.logger.Debug("応答キューの削除に失敗しました", "key", name, "error", err)
		}
	}()
	return name, out, nil
}

// poll はctxが終了するかドライバーが閉じられるまでBRPOPで受信を続ける。
func (d *Driver) poll(ctx context.Context, k string, out chan<- transport.Message) {
	defer close(out)

	for {
		if ctx.Err() != nil || d.isClosed() {
			return
		}

		res, err := d.client.BRPop(ctx, pollTimeout, k).Result()
		if err != nil {
			switch {
			case errors.Is(err, redis.Nil):
				continue
			case ctx.Err() != nil, errors.Is(err, redis.ErrClosed):
				return
			}
			d.logger.Warn("キューからの受信に失敗しました", "key", k, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			continue
		}
		// BRPOPは[キー, 値]を返す
		if len(res) != 2 {
			continue
		}

		msg, err := decodeFrame([]byte(res[1]))
		if err != nil {
			d.logger.Warn("フレームのデコードに失敗しました", "key", k, "error", err)
			continue
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			// 受け渡せなかったメッセージはリストに戻す
			requeue, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			_ = d.client.RPush(requeue, k, res[1]).Err()
			cancel()
			return
		}
	}
}

// Close はドライバーを閉じる。Openで作成したクライアントも閉じる。
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.owned {
		return d.client.Close()
	}
	return nil
}

func encodeFrame(msg transport.Message) ([]byte, error) {
	payload, err := json.Marshal(frame{
		CorrelationID: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		Body:          msg.Body,
	})
	if err != nil {
		return nil, fmt.Errorf("フレームのエンコードに失敗: %w", err)
	}
	return payload, nil
}

func decodeFrame(data []byte) (transport.Message, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return transport.Message{}, err
	}
	return transport.Message{
		Body:          f.Body,
		CorrelationID: f.CorrelationID,
		ReplyTo:       f.ReplyTo,
	}, nil
}
