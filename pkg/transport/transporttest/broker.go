// Package transporttest はテスト用のインメモリブローカーを提供する。
//
// 同一プロセス内でtransport.ClientとServerを接続し、ブローカーなしで
// RPCの往復を検証するために使用する。
package transporttest

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/nao1215/authgate/pkg/transport"
)

// queueCapacity は各キューのバッファサイズ。
const queueCapacity = 256

// Broker はtransport.Driverのインメモリ実装。
type Broker struct {
	mu        sync.Mutex
	queues    map[string]chan transport.Message
	published map[string]int
	// publishErr が設定されている場合、Publishは常にこのエラーを返す。
	publishErr error
	closed     bool
	// replies は購読中の応答キューを終了させる関数。
	replies     []context.CancelFunc
	replyQueues int
}

var _ transport.Driver = (*Broker)(nil)

// NewBroker は新しいインメモリブローカーを生成する。
func NewBroker() *Broker {
	return &Broker{
		queues:    make(map[string]chan transport.Message),
		published: make(map[string]int),
	}
}

// queue はキューを取得する。存在しなければ作成する。
func (b *Broker) queue(name string) chan transport.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = make(chan transport.Message, queueCapacity)
		b.queues[name] = q
	}
	return q
}

// DeclareQueue はキューを作成する。
func (b *Broker) DeclareQueue(_ context.Context, queue string, _ bool) error {
	b.queue(queue)
	return nil
}

// Publish はキューへメッセージを送信する。
func (b *Broker) Publish(ctx context.Context, queue string, msg transport.Message) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return transport.ErrClosed
	}
	b.published[queue]++
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		return err
	}
	b.mu.Unlock()

	select {
	case b.queue(queue) <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume はキューを購読する。
func (b *Broker) Consume(ctx context.Context, queue string, _ bool) (<-chan transport.Message, error) {
	return b.forward(ctx, b.queue(queue)), nil
}

// ReplyQueue は一意な名前の応答キューを作成して購読する。
func (b *Broker) ReplyQueue(ctx context.Context) (string, <-chan transport.Message, error) {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.replies = append(b.replies, cancel)
	b.replyQueues++
	b.mu.Unlock()

	name := "reply-" + uuid.NewString()
	return name, b.forward(ctx, b.queue(name)), nil
}

// DropReplies は購読中の応答キューをすべて終了させる。接続断を再現するために使う。
func (b *Broker) DropReplies() {
	b.mu.Lock()
	replies := b.replies
	b.replies = nil
	b.mu.Unlock()

	for _, cancel := range replies {
		cancel()
	}
}

// ReplyQueues はReplyQueueが呼ばれた回数を返す。
func (b *Broker) ReplyQueues() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.replyQueues
}

// forward はctxが終了するまでキューのメッセージを転送する。
func (b *Broker) forward(ctx context.Context, src chan transport.Message) <-chan transport.Message {
	out := make(chan transport.Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-src:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Close はブローカーを閉じる。以降のPublishはErrClosedを返す。
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// SetPublishError はPublishが返すエラーを設定する。nilで解除する。
func (b *Broker) SetPublishError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// Published はキューへの送信が試みられた回数を返す。失敗した送信も含む。
func (b *Broker) Published(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[queue]
}

// Next はキューから次のメッセージを取り出す。届かない場合はctxの終了で失敗する。
func (b *Broker) Next(ctx context.Context, queue string) (transport.Message, error) {
	select {
	case msg := <-b.queue(queue):
		return msg, nil
	case <-ctx.Done():
		return transport.Message{}, ctx.Err()
	}
}
