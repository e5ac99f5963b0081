// 認証サービスのエントリポイント。
// auth_queue でトークン検証とユーザー照会のRPCを受け付け、
// ユーザー登録・ログイン・プロフィールのHTTP APIを提供する。
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/nao1215/authgate/internal/auth"
	"github.com/nao1215/authgate/pkg/authrpc"
	"github.com/nao1215/authgate/pkg/broker"
	"github.com/nao1215/authgate/pkg/logging"
	"github.com/nao1215/authgate/pkg/middleware"
	"github.com/nao1215/authgate/pkg/migration"
	"github.com/nao1215/authgate/pkg/transport"
)

func main() {
	if err := run(); err != nil {
		slog.Error("認証サービスが異常終了しました", "error", err)
		os.Exit(1)
	}
}

func run() error {
	envErr := godotenv.Load()
	logger := logging.New(logging.FromEnv("auth"))
	if envErr != nil {
		logger.Debug(".envを読み込みませんでした", "error", envErr)
	}

	cfg, err := auth.Load()
	if err != nil {
		return fmt.Errorf("設定の読み込みに失敗: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	brokerCfg, err := broker.FromEnv(transport.QueueAuth)
	if err != nil {
		return err
	}
	driver, err := broker.Open(ctx, brokerCfg, logger)
	if err != nil {
		return fmt.Errorf("ブローカーへの接続に失敗: %w", err)
	}
	defer driver.Close()

	db, err := migration.OpenSQLite(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := auth.NewStore(ctx, db, logger)
	if err != nil {
		return err
	}

	// 登録イベントは通知サービスのキューへ送る
	notifications := transport.NewClient(driver, brokerCfg.AMQP.WithQueue(transport.QueueNotifications), logger)
	defer notifications.Close()

	tokens := auth.NewTokenService(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
	svc := auth.NewService(store, tokens, notifications, logger)

	rpc := transport.NewServer(driver, brokerCfg.AMQP, logger)
	auth.RegisterHandlers(rpc, svc, logger)

	// プロフィールのガードも他のサービスと同じくauth_queue経由で検証する
	self := transport.NewClient(driver, brokerCfg.AMQP, logger)
	defer self.Close()
	guard := middleware.RmqAuth(authrpc.NewRemoteValidator(self), logger)
	server := auth.NewServer(cfg, svc, guard, logger)

	logger.Info("認証サービスを起動します",
		"port", cfg.Port,
		"transport", brokerCfg.Kind,
		"queue", brokerCfg.AMQP.Queue,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return rpc.Serve(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("認証サービスを停止しました")
	return nil
}
