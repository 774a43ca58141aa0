package main

import (
	"fmt"
	"os"

	"github.com/th317erd/hero/internal/config"
	"github.com/th317erd/hero/internal/logger"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "hero",
	Short: "Hero multi-agent session runtime",
	Long:  `Hero runs shared sessions between users and agents: an append-only frame log, permission rules, approvals and delegation.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cmd)
		if err != nil {
			return err
		}

		logger.Setup(cfg.Server.LogLevel)
		return nil
	},
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.hero/config.yaml)")
	rootCmd.PersistentFlags().String("server.log_level", config.DefaultServerLogLevel, "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("store.backend", config.DefaultStoreBackend, "storage backend (jsonl, sqlite)")
	rootCmd.PersistentFlags().StringP("workspace", "w", "", "Target workspace ID")
}
