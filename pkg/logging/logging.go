// Package logging はslogベースの構造化ロガーを初期化する。
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nao1215/authgate/pkg/config"
)

// Config はロガーの設定。
type Config struct {
	// Level はログレベル（debug, info, warn, error）。
	Level string
	// Format は出力形式（json または text）。
	Format string
	// Service はすべてのログに付与するサービス名。
	Service string
}

// FromEnv はLOG_LEVELとLOG_FORMATから設定を読み込む。
func FromEnv(service string) Config {
	return Config{
		Level:   config.GetEnvOr("LOG_LEVEL", "info"),
		Format:  config.GetEnvOr("LOG_FORMAT", "json"),
		Service: service,
	}
}

// New は設定に従ってロガーを生成し、slogのデフォルトロガーとして登録する。
func New(cfg Config) *slog.Logger {
	logger := newLogger(os.Stdout, cfg)
	slog.SetDefault(logger)
	return logger
}

// newLogger は出力先を指定してロガーを生成する。
func newLogger(w io.Writer, cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	if cfg.Service != "" {
		logger = logger.With("service", cfg.Service)
	}
	return logger
}

// ParseLevel は文字列をslog.Levelに変換する。不明な値はInfoとして扱う。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard は何も出力しないロガーを返す。テストで使用する。
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
