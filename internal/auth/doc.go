// Package auth は認証サービスを実装する。
//
// ユーザーの登録とログイン、JWTアクセストークンの発行を行い、
// 他のサービスからのRPC（validate_token, get_user_auth）に応答する。
// トークンの検証結果は認証済みユーザー（Principal）か汎用のエラーのみを返し、
// 検証失敗の詳細はブローカーを越えて送らない。
package auth
