// 通知サービスのエントリポイント。
// notifications_queue でユーザー登録イベントを受け取り、ウェルカム通知を保存する。
// 通知APIは認証サービスへのRPCで保護する。
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

	"github.com/nao1215/authgate/internal/notification"
	"github.com/nao1215/authgate/pkg/authrpc"
	"github.com/nao1215/authgate/pkg/broker"
	"github.com/nao1215/authgate/pkg/logging"
	"github.com/nao1215/authgate/pkg/middleware"
	"github.com/nao1215/authgate/pkg/migration"
	"github.com/nao1215/authgate/pkg/transport"
)

func main() {
	if err := run(); err != nil {
		slog.Error("通知サービスが異常終了しました", "error", err)
		os.Exit(1)
	}
}

func run() error {
	envErr := godotenv.Load()
	logger := logging.New(logging.FromEnv("notification"))
	if envErr != nil {
		logger.Debug(".envを読み込みませんでした", "error", envErr)
	}

	cfg := notification.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	brokerCfg, err := broker.FromEnv(transport.QueueNotifications)
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

	store, err := notification.NewStore(ctx, db, logger)
	if err != nil {
		return err
	}

	consumer := transport.NewServer(driver, brokerCfg.AMQP, logger)
	notification.RegisterHandlers(consumer, store, logger)

	authClient := transport.NewClient(driver, brokerCfg.AMQP.WithQueue(transport.QueueAuth), logger)
	defer authClient.Close()
	guard := middleware.RmqAuth(authrpc.NewRemoteValidator(authClient), logger)
	server := notification.NewServer(cfg, store, guard, logger)

	logger.Info("通知サービスを起動します",
		"port", cfg.Port,
		"transport", brokerCfg.Kind,
		"queue", brokerCfg.AMQP.Queue,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Serve(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	if err := g.Wait(); err != nil {
		return err
	}

	logger.Info("通知サービスを停止しました")
	return nil
}
