package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
)

// noHandlerMessage は未登録のコマンドに対して返すエラーメッセージ。
const noHandlerMessage = "There is no matching message handler defined in the remote service."

// internalErrorMessage は公開用でないエラーの代わりに返すメッセージ。
const internalErrorMessage = "Internal server error"

// HandlerFunc はRPCリクエストを処理し、応答のペイロードを返す。
// *Error以外のエラーは汎用メッセージに置き換えて呼び出し元に返される。
type HandlerFunc func(ctx context.Context, data json.RawMessage) (any, error)

// EventHandlerFunc はイベントを処理する。応答は返されない。
type EventHandlerFunc func(ctx context.Context, data json.RawMessage) error

// Server はキューを購読し、パターンに対応するハンドラへメッセージを振り分ける。
type Server struct {
	// driver はブローカーとの送受信を担う。Serverは所有しない。
	driver Driver
	// opts は購読するキューと同時処理数の設定。
	opts Options
	// logger は構造化ロガー。
	logger *slog.Logger

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	events   map[string]EventHandlerFunc
}

// NewServer は新しいRPCサーバーを生成する。
func NewServer(driver Driver, opts Options, logger *slog.Logger) *Server {
	if opts.Prefetch <= 0 {
		opts.Prefetch = DefaultPrefetch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		driver:   driver,
		opts:     opts,
		logger:   logger.With("queue", opts.Queue),
		handlers: make(map[string]HandlerFunc),
		events:   make(map[string]EventHandlerFunc),
	}
}

// MessagePattern はコマンドに対するRPCハンドラを登録する。
func (s *Server) MessagePattern(cmd string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[cmd] = h
}

// EventPattern はイベントパターンに対するハンドラを登録する。
func (s *Server) EventPattern(pattern string, h EventHandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[pattern] = h
}

// Serve はキューを購読し、ctxが終了するまでメッセージを処理する。
// ctxの終了で正常終了した場合はnilを返す。
// 処理中のメッセージがすべて完了するまで戻らない。
func (s *Server) Serve(ctx context.Context) error {
	msgs, err := s.driver.Consume(ctx, s.opts.Queue, s.opts.Durable)
	if err != nil {
		return fmt.Errorf("キュー %s の購読に失敗: %w", s.opts.Queue, err)
	}
	s.logger.Info("メッセージの購読を開始しました", "prefetch", s.opts.Prefetch)

	sem := semaphore.NewWeighted(int64(s.opts.Prefetch))
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("%w: キュー %s の購読が終了しました", ErrClosed, s.opts.Queue)
			}
			if err := sem.Acquire(ctx, 1); err != nil {
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer sem.Release(1)
				s.handle(ctx, msg)
			}()
		}
	}
}

// handle は1件のメッセージを処理する。
func (s *Server) handle(ctx context.Context, msg Message) {
	var req Request
	if err := json.Unmarshal(msg.Body, &req); err != nil {
		s.logger.Warn("メッセージのデコードに失敗しました", "error", err)
		recordHandled("", "unknown", "malformed")
		if msg.ReplyTo != "" {
			s.reply(ctx, msg.ReplyTo, msg.CorrelationID, errorReplyBody(msg.CorrelationID, internalErrorMessage))
		}
		return
	}

	if req.IsEvent() {
		s.handleEvent(ctx, req)
		return
	}
	s.handleRequest(ctx, msg, req)
}

// handleEvent はイベントをハンドラに渡す。失敗はログに記録するだけで再送はしない。
func (s *Server) handleEvent(ctx context.Context, req Request) {
	cmd := req.Pattern.Cmd

	s.mu.RLock()
	h, ok := s.events[cmd]
	s.mu.RUnlock()
	if !ok {
		s.logger.Debug("未登録のイベントを破棄しました", "pattern", cmd)
		recordHandled(cmd, "event", "no_handler")
		return
	}

	if err := s.callEvent(ctx, h, req.Data); err != nil {
		s.logger.Error("イベントの処理に失敗しました", "pattern", cmd, "error", err)
		recordHandled(cmd, "event", "error")
		return
	}
	recordHandled(cmd, "event", "ok")
}

// handleRequest はRPCリクエストを処理し、応答を送信する。
func (s *Server) handleRequest(ctx context.Context, msg Message, req Request) {
	cmd := req.Pattern.Cmd
	correlationID := msg.CorrelationID
	if correlationID == "" {
		correlationID = req.ID
	}
	if msg.ReplyTo == "" {
		s.logger.Warn("応答先のないリクエストを破棄しました", "pattern", cmd, "id", req.ID)
		recordHandled(cmd, "request", "no_reply_to")
		return
	}

	s.mu.RLock()
	h, ok := s.handlers[cmd]
	s.mu.RUnlock()
	if !ok {
		s.logger.Warn("未登録のコマンドを受信しました", "pattern", cmd)
		recordHandled(cmd, "request", "no_handler")
		s.reply(ctx, msg.ReplyTo, correlationID, errorReplyBody(req.ID, noHandlerMessage))
		return
	}

	resp, err := s.callHandler(ctx, h, req.Data)
	if err != nil {
		var public *Error
		message := internalErrorMessage
		if errors.As(err, &public) {
			message = public.Message
			recordHandled(cmd, "request", "rejected")
		} else {
			s.logger.Error("ハンドラの処理に失敗しました", "pattern", cmd, "error", err)
			recordHandled(cmd, "request", "error")
		}
		s.reply(ctx, msg.ReplyTo, correlationID, errorReplyBody(req.ID, message))
		return
	}

	body, err := successReply(req.ID, resp)
	if err != nil {
		s.logger.Error("応答のエンコードに失敗しました", "pattern", cmd, "error", err)
		recordHandled(cmd, "request", "error")
		s.reply(ctx, msg.ReplyTo, correlationID, errorReplyBody(req.ID, internalErrorMessage))
		return
	}
	recordHandled(cmd, "request", "ok")
	s.reply(ctx, msg.ReplyTo, correlationID, body)
}

// callHandler はパニックをエラーに変換してハンドラを呼び出す。
func (s *Server) callHandler(ctx context.Context, h HandlerFunc, data json.RawMessage) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("ハンドラでパニックが発生: %v", r)
		}
	}()
	return h(ctx, data)
}

// callEvent はパニックをエラーに変換してイベントハンドラを呼び出す。
func (s *Server) callEvent(ctx context.Context, h EventHandlerFunc, data json.RawMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("イベントハンドラでパニックが発生: %v", r)
		}
	}()
	return h(ctx, data)
}

// reply は応答を送信する。送信に失敗した場合は呼び出し元がタイムアウトする。
func (s *Server) reply(ctx context.Context, replyTo, correlationID string, body []byte) {
	if body == nil {
		return
	}
	// Serve終了時でも処理済みの応答は返す
	timeout := s.opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := s.driver.Publish(ctx, replyTo, Message{Body: body, CorrelationID: correlationID}); err != nil {
		s.logger.Error("応答の送信に失敗しました", "reply_to", replyTo, "error", err)
	}
}

// errorReplyBody はエラー応答をエンコードする。失敗した場合はnilを返す。
func errorReplyBody(id, message string) []byte {
	body, err := errorReply(id, message)
	if err != nil {
		return nil
	}
	return body
}
