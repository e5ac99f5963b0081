package transport

import "errors"

var (
	// ErrTimeout は応答がタイムアウト内に届かなかったことを表す。
	ErrTimeout = errors.New("応答待ちがタイムアウトしました")
	// ErrClosed はクライアントまたは購読が既に閉じられていることを表す。
	ErrClosed = errors.New("トランスポートは閉じられています")
	// ErrMalformedReply は応答を解釈できなかったことを表す。
	ErrMalformedReply = errors.New("応答の形式が不正です")
)

// RemoteError はリモートのハンドラが返したエラー応答を表す。
// メッセージはリモート側が公開してよいと判断したものだけを含む。
type RemoteError struct {
	// Message はエラー応答のメッセージ。
	Message string
}

// Error はエラーメッセージを返す。
func (e *RemoteError) Error() string {
	return "リモートハンドラがエラーを返しました: " + e.Message
}

// Error はハンドラが呼び出し元にそのまま返すエラー。
// これ以外のエラーは汎用メッセージに置き換えて返される。
type Error struct {
	// Message は呼び出し元に公開するメッセージ。
	Message string
}

// NewError は呼び出し元に公開するエラーを生成する。
func NewError(message string) *Error {
	return &Error{Message: message}
}

// Error はエラーメッセージを返す。
func (e *Error) Error() string {
	return e.Message
}
