// Package cli 实现 maia 命令行：chat、bench、templates。
package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"maia/internal/app/bootstrap"
	"maia/internal/platform/config"
	applog "maia/internal/platform/log"
)

// AppFactory 按配置组装研究栈，测试中可替换
type AppFactory func(ctx context.Context, cfg *config.AppConfig, opts bootstrap.Options) (*bootstrap.App, error)

type globalOptions struct {
	ConfigFile string
	LogLevel   string
	Verbose    bool
}

type configKey struct{}

// NewRootCmd 创建根命令
func NewRootCmd() *cobra.Command {
	return NewRootCmdWith(bootstrap.Build)
}

// NewRootCmdWith 使用指定的组装函数
func NewRootCmdWith(factory AppFactory) *cobra.Command {
	options := globalOptions{}
	cmd := &cobra.Command{
		Use:           "maia",
		Short:         "MAIA: memory-augmented dialogue research harness",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if options.ConfigFile != "" {
				if err := os.Setenv("APP_CONFIG_FILE", options.ConfigFile); err != nil {
					return err
				}
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if options.LogLevel != "" {
				cfg.LogLevel = options.LogLevel
			}
			if options.Verbose {
				cfg.LogLevel = "debug"
			}
			applog.Init(applog.Config{
				Level:  cfg.LogLevel,
				Format: cfg.LogFormat,
				Output: cmd.ErrOrStderr(),
			})
			cmd.SetContext(context.WithValue(cmd.Context(), configKey{}, cfg))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			applog.Sync()
		},
	}

	cmd.PersistentFlags().StringVar(&options.ConfigFile, "config", "", "JSON config file (overrides APP_CONFIG_FILE)")
	cmd.PersistentFlags().StringVar(&options.LogLevel, "log-level", "", "log level: debug|info|warn|error")
	cmd.PersistentFlags().BoolVarP(&options.Verbose, "verbose", "v", false, "shorthand for --log-level debug")

	cmd.AddCommand(NewChatCmd(factory))
	cmd.AddCommand(NewBenchCmd(factory))
	cmd.AddCommand(NewTemplatesCmd())
	return cmd
}

func getConfig(ctx context.Context) *config.AppConfig {
	if cfg, ok := ctx.Value(configKey{}).(*config.AppConfig); ok {
		return cfg
	}
	return config.Default()
}
