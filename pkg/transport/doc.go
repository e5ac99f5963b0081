// Package transport はメッセージブローカー上のRPC（RPC-over-queue）を提供する。
//
// Clientは名前付きキューに1件のコマンドを送信し、相関IDで対応付けた応答を
// 1件だけ待つ。応答がタイムアウト内に届かない場合は失敗として扱う。
// Serverはキューを購読し、パターンごとに登録されたハンドラへメッセージを振り分ける。
//
// ワイヤ形式はNestJSのマイクロサービス（RMQトランスポート）と互換である:
//
//	request: {"pattern":{"cmd":"validate_token"},"data":{...},"id":"<uuid>"}
//	reply:   {"id":"<uuid>","response":{...},"err":null,"isDisposed":true}
//
// ブローカー固有の処理はDriverインターフェースの実装（rabbitmq, redisqueue）が担う。
package transport
