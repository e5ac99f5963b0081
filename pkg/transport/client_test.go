package transport_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/authgate/pkg/logging"
	"github.com/nao1215/authgate/pkg/transport"
	"github.com/nao1215/authgate/pkg/transport/transporttest"
)

// testOptions はテスト用の短いタイムアウトを持つ設定を返す。
func testOptions(queue string) transport.Options {
	opts := transport.DefaultOptions(queue)
	opts.Timeout = 500 * time.Millisecond
	return opts
}

// startServer はインメモリブローカー上でサーバーを起動し、テスト終了時に停止する。
func startServer(t *testing.T, broker *transporttest.Broker, opts transport.Options, register func(*transport.Server)) {
	t.Helper()

	srv := transport.NewServer(broker, opts, logging.Discard())
	register(srv)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// newClient はテスト用のクライアントを生成し、テスト終了時に閉じる。
func newClient(t *testing.T, broker *transporttest.Broker, opts transport.Options) *transport.Client {
	t.Helper()
	c := transport.NewClient(broker, opts, logging.Discard())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type echoPayload struct {
	Value string `json:"value"`
}

func TestClientSend(t *testing.T) {
	t.Parallel()

	t.Run("応答のペイロードをデコードできること", func(t *testing.T) {
		t.Parallel()

		broker := transporttest.NewBroker()
		opts := testOptions("echo_queue")
		startServer(t, broker, opts, func(s *transport.Server) {
			s.MessagePattern("echo", func(_ context.Context, data json.RawMessage) (any, error) {
				var in echoPayload
				if err := json.Unmarshal(data, &in); err != nil {
					return nil, err
				}
				return echoPayload{Value: "echo:" + in.Value}, nil
			})
		})
		client := newClient(t, broker, opts)

		var out echoPayload
		err := client.Send(t.Context(), "echo", echoPayload{Value: "hello"}, &out)
		require.NoError(t, err)
		assert.Equal(t, "echo:hello", out.Value)
		assert.Equal(t, 1, broker.Published("echo_queue"))
	})

	t.Run("リモートのエラーはRemoteErrorとして返ること", func(t *testing.T) {
		t.Parallel()

		broker := transporttest.NewBroker()
		opts := testOptions("reject_queue")
		startServer(t, broker, opts, func(s *transport.Server) {
			s.MessagePattern("reject", func(context.Context, json.RawMessage) (any, error) {
				return nil, transport.NewError("Invalid token")
			})
		})
		client := newClient(t, broker, opts)

		err := client.Send(t.Context(), "reject", nil, &echoPayload{})
		var remote *transport.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, "Invalid token", remote.Message)
	})

	t.Run("公開用でないエラーは汎用メッセージに置き換えられること", func(t *testing.T) {
		t.Parallel()

		broker := transporttest.NewBroker()
		opts := testOptions("internal_queue")
		startServer(t, broker, opts, func(s *transport.Server) {
			s.MessagePattern("fail", func(context.Context, json.RawMessage) (any, error) {
				return nil, errors.New("database is locked: users")
			})
		})
		client := newClient(t, broker, opts)

		err := client.Send(t.Context(), "fail", nil, nil)
		var remote *transport.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Equal(t, "Internal server error", remote.Message)
		assert.NotContains(t, remote.Message, "database")
	})

	t.Run("ハンドラのパニックはエラー応答になること", func(t *testing.T) {
		t.Parallel()

		broker := transporttest.NewBroker()
		opts := testOptions("panic_queue")
		startServer(t, broker, opts, func(s *transport.Server) {
			s.MessagePattern("panic", func(context.Context, json.RawMessage) (any, error) {
				panic("boom")
			})
		})
		client := newClient(t, broker, opts)

		err := client.Send(t.Context(), "panic", nil, nil)
		var remote *transport.RemoteError
		require.ErrorAs(t, err, &remote)
	})

	t.Run("未登録のコマンドはエラー応答になること", func(t *testing.T) {
		t.Parallel()

		broker := transporttest.NewBroker()
		opts := testOptions("unknown_queue")
		startServer(t, broker, opts, func(*transport.Server) {})
		client := newClient(t, broker, opts)

		err := client.Send(t.Context(), "missing", nil, nil)
		var remote *transport.RemoteError
		require.ErrorAs(t, err, &remote)
		assert.Contains(t, remote.Message, "no matching message handler")
	})

	t.Run("応答がない場合はタイムアウトで失敗すること", func(t *testing.T) {
		t.Parallel()

		broker := transporttest.NewBroker()
		opts := testOptions("silent_queue")
		opts.Timeout = 50 * time.Millisecond
		client := newClient(t, broker, opts)

		start := time.Now()
		err := client.Send(t.Context(), "validate_token", map[string]string{"token": "x"}, &echoPayload{})
		require.ErrorIs(t, err, transport.ErrTimeout)
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.Equal(t, 1, broker.Published("silent_queue"))
	})

	t.Run("呼び出し元のctxの期限もタイムアウトとして扱われること", func(t *testing.T) {
		t.Parallel()

		broker := transporttest.NewBroker()
		client := newClient(t, broker, testOptions("deadline_queue"))

		ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
		defer cancel()
		err := client.Send(ctx, "validate_token", nil, nil)
		require.ErrorIs(t, err, transport.ErrTimeout)
	})

	t.Run("送信に失敗した場合はドライバーのエラーが返ること", func(t *testing.T) {
		t.Parallel()

		broker := transporttest.NewBroker()
		broker.SetPublishError(errors.New("connection refused"))
		client := newClient(t, broker, testOptions("down_queue"))

		err := client.Send(t.Context(), "validate_token", nil, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "connection refused")
	})

	t.Run("閉じたクライアントはErrClosedを返すこと", func(t *testing.T) {
		t.Parallel()

		broker := transporttest.NewBroker()
		client := transport.NewClient(broker, testOptions("closed_queue"), logging.Discard())
		require.NoError(t, client.Connect(t.Context()))
		require.NoError(t, client.Close())
		require.NoError(t, client.Close())

		err := client.Send(t.Context(), "validate_token", nil, nil)
		require.ErrorIs(t, err, transport.ErrClosed)
	})
}

func TestClientConcurrentSend(t *testing.T) {
	t.Parallel()

	broker := transporttest.NewBroker()
	opts := testOptions("concurrent_queue")
	opts.Timeout = 2 * time.Second
	startServer(t, broker, opts, func(s *transport.Server) {
		s.MessagePattern("echo", func(_ context.Context, data json.RawMessage) (any, error) {
			var in echoPayload
			if err := json.Unmarshal(data, &in); err != nil {
				return nil, err
			}
			// 応答順序を入れ替えるために遅延を変える
			if len(in.Value)%2 == 0 {
				time.Sleep(5 * time.Millisecond)
			}
			return in, nil
		})
	})
	client := newClient(t, broker, opts)

	const calls = 50
	var wg sync.WaitGroup
	errs := make(chan error, calls)
	for i := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			want := fmt.Sprintf("call-%d", i)
			var out echoPayload
			if err := client.Send(context.Background(), "echo", echoPayload{Value: want}, &out); err != nil {
				errs <- err
				return
			}
			if out.Value != want {
				errs <- fmt.Errorf("混線しました: got %q, want %q", out.Value, want)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestClientBreaker(t *testing.T) {
	t.Parallel()

	broker := transporttest.NewBroker()
	broker.SetPublishError(errors.New("connection refused"))
	client := newClient(t, broker, testOptions("breaker_queue"))

	for range 5 {
		require.Error(t, client.Send(t.Context(), "validate_token", nil, nil))
	}
	published := broker.Published("breaker_queue")

	// ブレーカーが開いた後はブローカーに送信せずに失敗する
	err := client.Send(t.Context(), "validate_token", nil, nil)
	require.Error(t, err)
	assert.Equal(t, published, broker.Published("breaker_queue"))
}

func TestClientEmit(t *testing.T) {
	t.Parallel()

	broker := transporttest.NewBroker()
	opts := testOptions("events_queue")

	received := make(chan echoPayload, 1)
	startServer(t, broker, opts, func(s *transport.Server) {
		s.EventPattern("user_registered", func(_ context.Context, data json.RawMessage) error {
			var in echoPayload
			if err := json.Unmarshal(data, &in); err != nil {
				return err
			}
			received <- in
			return nil
		})
	})
	client := newClient(t, broker, opts)

	require.NoError(t, client.Emit(t.Context(), "user_registered", echoPayload{Value: "user-1"}))

	select {
	case got := <-received:
		assert.Equal(t, "user-1", got.Value)
	case <-time.After(2 * time.Second):
		t.Fatal("イベントが配送されなかった")
	}
}

func TestClientReconnect(t *testing.T) {
	t.Parallel()

	t.Run("応答キューの購読が終了しても次の呼び出しで購読し直すこと", func(t *testing.T) {
		t.Parallel()

		broker := transporttest.NewBroker()
		opts := testOptions("reconnect_queue")
		startServer(t, broker, opts, func(s *transport.Server) {
			s.MessagePattern("echo", func(_ context.Context, data json.RawMessage) (any, error) {
				var in echoPayload
				if err := json.Unmarshal(data, &in); err != nil {
					return nil, err
				}
				return in, nil
			})
		})
		client := newClient(t, broker, opts)

		var out echoPayload
		require.NoError(t, client.Send(t.Context(), "echo", echoPayload{Value: "before"}, &out))
		require.Equal(t, 1, broker.ReplyQueues())

		broker.DropReplies()

		require.Eventually(t, func() bool {
			var out echoPayload
			return client.Send(t.Context(), "echo", echoPayload{Value: "after"}, &out) == nil && out.Value == "after"
		}, 2*time.Second, 10*time.Millisecond)
		assert.Equal(t, 2, broker.ReplyQueues())
	})

	t.Run("購読の終了時に応答待ちの呼び出しはErrClosedで失敗すること", func(t *testing.T) {
		t.Parallel()

		broker := transporttest.NewBroker()
		opts := testOptions("dropped_queue")
		opts.Timeout = 5 * time.Second
		client := newClient(t, broker, opts)
		require.NoError(t, client.Connect(t.Context()))

		errCh := make(chan error, 1)
		go func() { errCh <- client.Send(t.Context(), "validate_token", nil, nil) }()

		// 送信が届いてから購読を終了させる
		_, err := broker.Next(t.Context(), "dropped_queue")
		require.NoError(t, err)
		broker.DropReplies()

		select {
		case err := <-errCh:
			require.ErrorIs(t, err, transport.ErrClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("応答待ちの呼び出しが終了しなかった")
		}
	})
}
