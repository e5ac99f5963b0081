// Package httpclient は上流サービスへHTTPリクエストを転送するクライアントを提供する。
//
// ゲートウェイが認証済みのリクエストを上流に中継する際に使用する。
// contextに設定されたPrincipalとリクエストIDをヘッダーとして伝播する。
package httpclient
