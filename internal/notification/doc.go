// Package notification は通知サービスの内部実装を提供する。
//
// notifications_queue からユーザー登録イベントを受け取り、ウェルカム通知を
// 生成・保存する。通知の一覧取得や既読管理のAPIは認証サービスへのRPCガードで
// 保護され、操作対象は認証済みユーザー自身の通知に限られる。
package notification
