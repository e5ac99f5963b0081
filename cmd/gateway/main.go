// API Gatewayサービスのエントリポイント。
// /api/v1 以下のリクエストを認証サービスへのRPCで検証し、
// 認証済みのリクエストだけを上流サービスへ中継する。
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/nao1215/authgate/internal/gateway"
	"github.com/nao1215/authgate/pkg/authrpc"
	"github.com/nao1215/authgate/pkg/broker"
	"github.com/nao1215/authgate/pkg/logging"
	"github.com/nao1215/authgate/pkg/middleware"
	"github.com/nao1215/authgate/pkg/transport"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Gatewayサービスが異常終了しました", "error", err)
		os.Exit(1)
	}
}

func run() error {
	envErr := godotenv.Load()
	logger := logging.New(logging.FromEnv("gateway"))
	if envErr != nil {
		logger.Debug(".envを読み込みませんでした", "error", envErr)
	}

	cfg, err := gateway.Load()
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

	client := transport.NewClient(driver, brokerCfg.AMQP, logger)
	defer client.Close()
	validator := authrpc.NewRemoteValidator(client)

	server := gateway.NewServer(cfg, middleware.RmqAuth(validator, logger), validator, logger)

	logger.Info("Gatewayサービスを起動します",
		"port", cfg.Port,
		"transport", brokerCfg.Kind,
		"upstream", cfg.UpstreamURL,
	)
	if err := server.Run(ctx); err != nil {
		return err
	}

	logger.Info("Gatewayサービスを停止しました")
	return nil
}
