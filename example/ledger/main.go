package main

import (
	"context"
	"os"

	wrpc "github.com/wukong-cloud/wrpc-async"
	"github.com/wukong-cloud/wrpc-async/example/ledger/handler"
	"github.com/wukong-cloud/wrpc-async/example/ledger/ledgerpb"
	"github.com/wukong-cloud/wrpc-async/util/logx"
)

func main() {
	logger := logx.Default()
	server, err := ledgerpb.NewLedgerServer(handler.NewLedgerImpl(logger),
		wrpc.WithServerOptionTransport(wrpc.NewTcpTransport(wrpc.WithTcpAddr(":9092"))),
	)
	if err != nil {
		logger.Err().Err(err).Log("build server failed")
		os.Exit(1)
	}
	app := wrpc.NewApp(wrpc.WithServer(server))
	logger.Info().Log("start service")
	if err := app.Run(context.Background()); err != nil {
		logger.Err().Err(err).Log("service stopped with error")
		os.Exit(1)
	}
}
