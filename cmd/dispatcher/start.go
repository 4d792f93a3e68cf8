package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"yqhp/dispatcher/api/rest"
	"yqhp/dispatcher/internal/dispatcher"
	"yqhp/dispatcher/internal/events"
	"yqhp/dispatcher/internal/producer"
	"yqhp/dispatcher/pkg/logger"
)

var (
	functionsFile string
	address       string
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "启动调度服务",
	Long:  `启动调度服务，包括事件总线、过期任务检查、队列收缩、内部函数执行器和 REST API。`,
	Example: `  # 使用默认配置 (内存存储) 启动
  dispatcher start --functions functions.yaml

  # 使用配置文件
  dispatcher start --config config.yaml --functions functions.yaml`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().StringVar(&functionsFile, "functions", "", "函数目录文件 (YAML)")
	startCmd.Flags().StringVar(&address, "address", "", "HTTP 服务地址，覆盖配置")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if address != "" {
		cfg.Server.Address = address
	}

	logger.Init(&cfg.Logging)
	defer logger.Sync()
	log := logger.L()

	fns, err := loadFunctions(functionsFile)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer b.Close(log)

	d := dispatcher.New(cfg.Dispatcher, dispatcher.Options{
		Store:    b.store,
		Cache:    b.cache,
		Catalog:  fns.catalog(),
		Logger:   log,
		Internal: producer.NewInternalFunctions(fns.Internal...),
	})

	if cfg.Events.NATSURL != "" {
		fwd, err := events.DialNATS(cfg.Events.NATSURL, cfg.Events.SubjectPrefix, log.Named("nats"))
		if err != nil {
			return err
		}
		defer fwd.Close()
		d.Bus().Tap(fwd.Handle)
		log.Info("forwarding events to NATS", zap.String("url", cfg.Events.NATSURL))
	}

	server := rest.NewServer(d, cfg.Server, cfg.Metrics, log.Named("rest"))

	log.Info("dispatcher starting",
		zap.String("id", d.ID()),
		zap.String("version", Version),
		zap.String("address", cfg.Server.Address),
		zap.Int("functions", len(fns.Functions)))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gctx) })
	g.Go(func() error { return server.Start(gctx) })

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("调度服务异常退出: %w", err)
	}
	log.Info("dispatcher stopped")
	return nil
}
