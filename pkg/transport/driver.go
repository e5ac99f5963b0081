package transport

import "context"

// Driver はブローカー固有の送受信を抽象化する。
// 1プロセスにつき1つ生成し、ClientとServerで共有する。Closeは所有者が呼ぶ。
type Driver interface {
	// DeclareQueue はキューが存在することを保証する。
	DeclareQueue(ctx context.Context, queue string, durable bool) error
	// Publish はキューへメッセージを送信する。
	Publish(ctx context.Context, queue string, msg Message) error
	// Consume はキューを宣言して購読する。
	// 返されるチャネルはctxの終了または接続断で閉じられる。
	Consume(ctx context.Context, queue string, durable bool) (<-chan Message, error)
	// ReplyQueue はこのプロセス専用の応答キューを用意し、その名前と受信チャネルを返す。
	// 返されるチャネルはctxの終了または接続断で閉じられる。
	ReplyQueue(ctx context.Context) (string, <-chan Message, error)
	// Close はブローカーとの接続を閉じる。
	Close() error
}
