package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Message はブローカー上を流れる1件のメッセージ。
// CorrelationIDとReplyToはブローカーのメッセージプロパティとして運ばれる。
type Message struct {
	// Body はJSONエンコードされたRequestまたはReply。
	Body []byte
	// CorrelationID はリクエストと応答を対応付けるID。イベントでは空。
	CorrelationID string
	// ReplyTo は応答の送信先キュー名。イベントでは空。
	ReplyTo string
}

// Pattern はメッセージの宛先となるハンドラを識別する。
type Pattern struct {
	// Cmd はコマンド名（例: "validate_token"）。
	Cmd string `json:"cmd"`
}

// UnmarshalJSON は {"cmd":"..."} 形式に加えて文字列のパターンも受け付ける。
// NestJSのemitは文字列パターンを送信するため。
func (p *Pattern) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &p.Cmd)
	}
	type plain Pattern
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("パターンの形式が不正です: %w", err)
	}
	*p = Pattern(v)
	return nil
}

// Request はRPCリクエストまたはイベントのエンベロープ。
// IDが空のものはイベントとして扱われ、応答は返されない。
type Request struct {
	// Pattern は宛先のハンドラ。
	Pattern Pattern `json:"pattern"`
	// Data はハンドラに渡すペイロード。
	Data json.RawMessage `json:"data"`
	// ID はリクエストの相関ID。イベントでは省略される。
	ID string `json:"id,omitempty"`
}

// IsEvent は応答を必要としないイベントかどうかを返す。
func (r Request) IsEvent() bool {
	return r.ID == ""
}

// Reply はRPC応答のエンベロープ。
type Reply struct {
	// ID は対応するリクエストの相関ID。
	ID string `json:"id"`
	// Response は成功時のペイロード。失敗時はnull。
	Response json.RawMessage `json:"response"`
	// Err は失敗時のエラー。成功時はnull。
	Err *ReplyError `json:"err"`
	// IsDisposed はこの応答でストリームが完了したことを示す。常にtrue。
	IsDisposed bool `json:"isDisposed"`
}

// ReplyError は応答に含まれるエラー。内部の詳細は含めない。
type ReplyError struct {
	// Status は常に "error"。
	Status string `json:"status"`
	// Message は呼び出し元に公開してよいメッセージ。
	Message string `json:"message"`
}

// UnmarshalJSON はオブジェクト形式に加えて文字列のエラーも受け付ける。
func (e *ReplyError) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		e.Status = "error"
		return json.Unmarshal(b, &e.Message)
	}
	type plain ReplyError
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("応答エラーの形式が不正です: %w", err)
	}
	*e = ReplyError(v)
	return nil
}

// newRequest はペイロードをエンコードしてリクエストを組み立てる。
func newRequest(cmd, id string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ペイロードのシリアライズに失敗: %w", err)
	}
	body, err := json.Marshal(Request{Pattern: Pattern{Cmd: cmd}, Data: data, ID: id})
	if err != nil {
		return nil, fmt.Errorf("リクエストのシリアライズに失敗: %w", err)
	}
	return body, nil
}

// successReply は成功応答をエンコードする。
func successReply(id string, response any) ([]byte, error) {
	data, err := json.Marshal(response)
	if err != nil {
		return nil, fmt.Errorf("応答ペイロードのシリアライズに失敗: %w", err)
	}
	return json.Marshal(Reply{ID: id, Response: data, IsDisposed: true})
}

// errorReply はエラー応答をエンコードする。
func errorReply(id, message string) ([]byte, error) {
	return json.Marshal(Reply{
		ID:         id,
		Response:   json.RawMessage("null"),
		Err:        &ReplyError{Status: "error", Message: message},
		IsDisposed: true,
	})
}
