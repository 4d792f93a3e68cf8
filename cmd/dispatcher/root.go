package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"yqhp/dispatcher/internal/config"
)

const (
	// Version 是当前版本号
	Version = "0.1.0"
)

var (
	// 全局配置
	cfgFile    string
	dotenvFile string
	debug      bool
)

// rootCmd 是根命令
var rootCmd = &cobra.Command{
	Use:   "dispatcher",
	Short: "分布式任务调度器",
	Long: `dispatcher 把执行上下文中的任务按优先级分组排队，
并根据工作节点的能力、配额和环境将任务分配给节点执行。`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "配置文件路径")
	rootCmd.PersistentFlags().StringVar(&dotenvFile, "env-file", ".env", ".env 文件路径")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "启用调试日志")

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// loadConfig 按 默认值 < 配置文件 < 环境变量 < 命令行 的顺序加载配置
func loadConfig() (*config.Config, error) {
	loader := config.NewLoader().WithDotenv(dotenvFile)
	if cfgFile != "" {
		loader = loader.WithConfigPath(cfgFile)
	}
	if debug {
		loader = loader.WithCmdArgs(map[string]string{"logging.level": "debug"})
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if err := config.NewValidator().Validate(cfg); err != nil {
		return nil, fmt.Errorf("配置校验失败: %w", err)
	}
	return cfg, nil
}
