package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "配置相关命令",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "校验配置",
	Example: `  dispatcher config validate --config config.yaml
  DSP_CACHE_BACKEND=redis dispatcher config validate`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if _, err := loadFunctions(functionsFile); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "配置有效 (database=%s, cache=%s)\n", cfg.Database.Driver, cfg.Cache.Backend)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "打印合并后的配置",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		data, err := cfg.Serialize()
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
	configValidateCmd.Flags().StringVar(&functionsFile, "functions", "", "函数目录文件 (YAML)")
}
