package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nao1215/authgate/pkg/authrpc"
)

// 上流に伝播するヘッダー。
const (
	HeaderUserID    = "X-User-ID"
	HeaderUserEmail = "X-User-Email"
	HeaderRequestID = "X-Request-ID"
)

// forwardedHeaders は呼び出し元から上流へそのまま引き継ぐヘッダー。
// X-User-* はcontextのPrincipalからのみ設定するため含めない。
var forwardedHeaders = []string{"Content-Type", "Accept", "Accept-Language", "Authorization"}

// Client は上流サービスへリクエストを転送するHTTPクライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は上流サービスのベースURL。
	baseURL string
}

// New は新しい転送用HTTPクライアントを生成する。
// baseURLには上流サービスのベースURL（例: "http://upstream:9000"）を指定する。
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Forward はpathとクエリ文字列を付けて上流にリクエストを送信する。
// 呼び出し側はレスポンスボディを閉じる必要がある。
func (c *Client) Forward(ctx context.Context, method, path, rawQuery string, body io.Reader, header http.Header) (*http.Response, error) {
	target, err := c.resolve(path, rawQuery)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	for _, key := range forwardedHeaders {
		if v := header.Get(key); v != "" {
			req.Header.Set(key, v)
		}
	}

	// contextから認証情報とリクエストIDを伝播する
	if p, ok := authrpc.FromContext(ctx); ok {
		req.Header.Set(HeaderUserID, p.ID)
		req.Header.Set(HeaderUserEmail, p.Email)
	}
	if id, ok := ctx.Value(contextKeyRequestID).(string); ok && id != "" {
		req.Header.Set(HeaderRequestID, id)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	return resp, nil
}

// resolve は上流のURLを組み立てる。パスの正規化で上位階層へ抜けることは許さない。
func (c *Client) resolve(path, rawQuery string) (string, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if escapesParent(path) {
		return "", fmt.Errorf("不正なパスです: %s", path)
	}

	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("URLの解析に失敗: %w", err)
	}
	u.RawQuery = rawQuery
	return u.String(), nil
}

// maxUnescape はパスのデコードを繰り返す上限回数。
const maxUnescape = 4

// escapesParent はパスに ".." のセグメントが含まれるかを返す。
// 多重にエンコードされたセグメントもデコードして確認する。
func escapesParent(path string) bool {
	cur := path
	for range maxUnescape {
		for _, seg := range strings.Split(cur, "/") {
			if seg == ".." {
				return true
			}
		}
		next, err := url.PathUnescape(cur)
		if err != nil || next == cur {
			return false
		}
		cur = next
	}
	// 上限までデコードしても安定しないパスは受け付けない
	return true
}

// contextKey はコンテキストキーの型。
type contextKey string

// contextKeyRequestID はコンテキストにリクエストIDを格納するためのキー。
const contextKeyRequestID contextKey = "request_id"

// WithRequestID はコンテキストにリクエストIDを設定する。
// 上流へのリクエストにX-Request-IDとして伝播される。
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, requestID)
}
