package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
)

// Client は1つの名前付きキューに紐づくRPCクライアント。
// 呼び出しごとに一意の相関IDを割り当て、応答を呼び出し元に1件だけ届ける。
// 複数のgoroutineから同時に使用できる。
type Client struct {
	// driver はブローカーとの送受信を担う。Clientは所有しない。
	driver Driver
	// opts は宛先キューとタイムアウトの設定。
	opts Options
	// breaker はブローカー障害時に即座に失敗させるためのサーキットブレーカー。
	breaker *gobreaker.CircuitBreaker
	// logger は構造化ロガー。
	logger *slog.Logger

	mu sync.Mutex
	// pending は応答待ちの呼び出し。キーは相関ID。
	pending   map[string]chan Message
	replyTo   string
	connected bool
	closed    bool
	cancel    context.CancelFunc
	// lost は現在の応答キューの購読が終了したときに閉じられる。
	lost chan struct{}

	wg sync.WaitGroup
}

// NewClient は新しいRPCクライアントを生成する。
// 接続は最初の送信時またはConnectの呼び出し時に確立される。
func NewClient(driver Driver, opts Options, logger *slog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("queue", opts.Queue)

	c := &Client{
		driver:  driver,
		opts:    opts,
		logger:  logger,
		pending: make(map[string]chan Message),
	}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     "rpc:" + opts.Queue,
		Interval: 30 * time.Second,
		Timeout:  10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// 呼び出し元のキャンセルはブローカーの障害ではない
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("サーキットブレーカーの状態が変化しました",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
			recordBreakerState(opts.Queue, to)
		},
	})
	return c
}

// Connect は宛先キューを宣言し、応答キューの購読を開始する。
// 既に接続済みの場合は何もしない。
// 購読が途中で終了した場合は、次のSendまたはEmitで購読し直す。
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.closed {
		return ErrClosed
	}
	if c.connected {
		return nil
	}

	if err := c.driver.DeclareQueue(ctx, c.opts.Queue, c.opts.Durable); err != nil {
		return fmt.Errorf("キュー %s の宣言に失敗: %w", c.opts.Queue, err)
	}

	// 応答キューの購読はClientの寿命に合わせるため、呼び出し元のctxとは切り離す
	loopCtx, cancel := context.WithCancel(context.Background())
	replyTo, replies, err := c.driver.ReplyQueue(loopCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("応答キューの準備に失敗: %w", err)
	}

	lost := make(chan struct{})
	c.replyTo = replyTo
	c.cancel = cancel
	c.lost = lost
	c.connected = true

	c.wg.Add(1)
	go c.dispatch(replies, lost)

	c.logger.Debug("RPCクライアントを接続しました", "reply_to", replyTo)
	return nil
}

// dispatch は応答を相関IDに対応する呼び出しへ振り分ける。
// repliesが閉じられると接続済みの状態を解除し、応答待ちの呼び出しをlostで失敗させる。
func (c *Client) dispatch(replies <-chan Message, lost chan struct{}) {
	defer c.wg.Done()

	for msg := range replies {
		c.mu.Lock()
		ch, ok := c.pending[msg.CorrelationID]
		if ok {
			delete(c.pending, msg.CorrelationID)
		}
		c.mu.Unlock()

		if !ok {
			// タイムアウト済みの呼び出しへの遅延応答
			c.logger.Debug("対応する呼び出しのない応答を破棄しました", "correlation_id", msg.CorrelationID)
			continue
		}
		ch <- msg
	}

	c.mu.Lock()
	if !c.closed && c.lost == lost {
		c.logger.Error("応答キューの購読が終了しました。次の呼び出しで再接続します")
		c.connected = false
		if c.cancel != nil {
			c.cancel()
			c.cancel = nil
		}
	}
	close(lost)
	c.mu.Unlock()
}

// Send はコマンドを送信し、応答のペイロードをoutにデコードする。
// 応答がタイムアウト内に届かない場合はErrTimeoutを返す。
// リモートのハンドラがエラーを返した場合は*RemoteErrorを返す。
// outがnilの場合は応答のペイロードを読み捨てる。
func (c *Client) Send(ctx context.Context, cmd string, payload, out any) error {
	start := time.Now()
	err := c.send(ctx, cmd, payload, out)
	recordRequest(cmd, err, time.Since(start))
	return err
}

func (c *Client) send(ctx context.Context, cmd string, payload, out any) error {
	id := uuid.NewString()
	body, err := newRequest(cmd, id, payload)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	replyCh, replyTo, lost, err := c.register(ctx, id)
	if err != nil {
		return err
	}
	defer c.unregister(id)

	result, err := c.breaker.Execute(func() (any, error) {
		msg := Message{Body: body, CorrelationID: id, ReplyTo: replyTo}
		if err := c.driver.Publish(ctx, c.opts.Queue, msg); err != nil {
			return nil, fmt.Errorf("リクエストの送信に失敗: %w", err)
		}

		select {
		case reply := <-replyCh:
			return reply, nil
		case <-lost:
			return nil, fmt.Errorf("%w: 応答キューの購読が終了しました", ErrClosed)
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: cmd=%s", ErrTimeout, cmd)
			}
			return nil, ctx.Err()
		}
	})
	if err != nil {
		return err
	}

	reply, ok := result.(Message)
	if !ok {
		return ErrMalformedReply
	}
	return decodeReply(reply.Body, id, out)
}

// register は相関IDに対応する応答チャネルを登録する。
// 返されるlostは、この呼び出しが使う購読が終了したときに閉じられる。
func (c *Client) register(ctx context.Context, id string) (chan Message, string, <-chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.connectLocked(ctx); err != nil {
		return nil, "", nil, err
	}
	if _, exists := c.pending[id]; exists {
		return nil, "", nil, fmt.Errorf("相関IDが重複しています: %s", id)
	}

	ch := make(chan Message, 1)
	c.pending[id] = ch
	return ch, c.replyTo, c.lost, nil
}

// unregister は応答待ちの登録を解除する。
func (c *Client) unregister(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// decodeReply は応答を検証し、ペイロードをoutにデコードする。
func decodeReply(body []byte, id string, out any) error {
	var reply Reply
	if err := json.Unmarshal(body, &reply); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	if reply.ID != "" && reply.ID != id {
		return fmt.Errorf("%w: 相関IDが一致しません", ErrMalformedReply)
	}
	if reply.Err != nil {
		return &RemoteError{Message: reply.Err.Message}
	}
	if out == nil {
		return nil
	}
	if len(reply.Response) == 0 || string(reply.Response) == "null" {
		return fmt.Errorf("%w: 応答のペイロードが空です", ErrMalformedReply)
	}
	if err := json.Unmarshal(reply.Response, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	return nil
}

// Emit はイベントを送信する。応答は待たない。
func (c *Client) Emit(ctx context.Context, pattern string, payload any) error {
	err := c.emit(ctx, pattern, payload)
	recordEvent(pattern, err)
	return err
}

func (c *Client) emit(ctx context.Context, pattern string, payload any) error {
	body, err := newRequest(pattern, "", payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	err = c.connectLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	if err := c.driver.Publish(ctx, c.opts.Queue, Message{Body: body}); err != nil {
		return fmt.Errorf("イベントの送信に失敗: %w", err)
	}
	return nil
}

// Close は応答キューの購読を停止する。ドライバーは閉じない。
// 応答待ちの呼び出しはErrClosedで失敗する。
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed && c.cancel == nil {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	return nil
}
