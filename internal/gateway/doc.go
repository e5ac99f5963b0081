// Package gateway は認証サービスに守られたAPI Gatewayの内部実装を提供する。
//
// /api/v1 以下のルートはすべてRPCガード（middleware.RmqAuth）を通過した
// リクエストだけを受け付ける。認証済みのユーザー情報を返すエンドポイントと、
// Principalをヘッダーに付与して上流サービスへ中継するプロキシを持つ。
package gateway
