// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// 認証サービスへのRPCによるBearerトークンの検証、リクエストIDとアクセスログ、
// パニックリカバリ、CORS設定、クライアントIPごとのレート制限を含む。
package middleware
