package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	wrpc "github.com/wukong-cloud/wrpc-async"
	"github.com/wukong-cloud/wrpc-async/example/ledger/handler"
	"github.com/wukong-cloud/wrpc-async/example/ledger/ledgerpb"
	"github.com/wukong-cloud/wrpc-async/internal/register"
	"github.com/wukong-cloud/wrpc-async/util/logx"
)

type flags struct {
	config   string
	envFile  string
	logLevel string
}

func main() {
	f := &flags{}
	rootCmd := &cobra.Command{
		Use:           "wrpcd",
		Short:         "Serve the Ledger service over tcp and grpc",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), f)
		},
	}
	rootCmd.Flags().StringVar(&f.config, "config", "config.yaml", "path of the yaml config file")
	rootCmd.Flags().StringVar(&f.envFile, "env-file", "", "dotenv file loaded before the config is read")
	rootCmd.Flags().StringVar(&f.logLevel, "log-level", "", "overrides the configured log level")

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "wrpcd: %s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, f *flags) error {
	if f.envFile != "" {
		if err := godotenv.Load(f.envFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	}
	cfg, err := wrpc.LoadConfig(f.config)
	if err != nil {
		return err
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	logger := cfg.Logger()
	logx.SetDefault(logger)

	sc := cfg.Server(ledgerpb.ServiceName)
	if sc == nil {
		return fmt.Errorf("no server-config named %s", ledgerpb.ServiceName)
	}
	reg, err := register.NewRegister(cfg.Register)
	if err != nil {
		return err
	}

	transports := []wrpc.Transport{
		wrpc.NewTcpTransport(append(sc.TcpOptions(), wrpc.WithTcpLogger(logger))...),
	}
	if addr := sc.GrpcAddr(); addr != "" {
		transports = append(transports, wrpc.NewGrpcTransport(ledgerpb.ServiceName,
			wrpc.WithGrpcAddr(addr),
			wrpc.WithGrpcLogger(logger),
		))
	}
	server, err := ledgerpb.NewLedgerServer(handler.NewLedgerImpl(logger),
		wrpc.WithServerConfig(sc),
		wrpc.WithServerOptionLogger(logger),
		wrpc.WithServerOptionRegister(reg),
		wrpc.WithServerOptionTransport(transports...),
	)
	if err != nil {
		return err
	}

	logger.Info().Str("config", f.config).Str("addr", sc.TcpAddr()).Log("wrpcd starting")
	return wrpc.NewApp(wrpc.WithServer(server), wrpc.WithAppLogger(logger)).Run(ctx)
}
