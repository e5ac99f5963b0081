package httpserver

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/authgate/pkg/logging"
)

func TestRun(t *testing.T) {
	t.Parallel()

	t.Run("ctxの終了でサーバーが停止すること", func(t *testing.T) {
		t.Parallel()

		srv := New("0", http.NotFoundHandler())
		ctx, cancel := context.WithCancel(t.Context())
		done := make(chan error, 1)
		go func() { done <- Run(ctx, srv, logging.Discard()) }()

		time.Sleep(50 * time.Millisecond)
		cancel()

		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("サーバーが停止しなかった")
		}
	})

	t.Run("使用中のポートではエラーを返すこと", func(t *testing.T) {
		t.Parallel()

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { _ = ln.Close() })

		srv := New("0", http.NotFoundHandler())
		srv.Addr = ln.Addr().String()

		err = Run(t.Context(), srv, logging.Discard())
		assert.Error(t, err)
	})
}

func TestNew(t *testing.T) {
	t.Parallel()

	srv := New("8080", http.NotFoundHandler())
	assert.Equal(t, ":8080", srv.Addr)
	assert.NotZero(t, srv.ReadHeaderTimeout)
}
