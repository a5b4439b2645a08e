package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"streambot/internal/config"
	logx "streambot/pkg/logx"
)

var version = "dev"

type rootFlags struct {
	config   string
	envFile  string
	logLevel string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "streambot",
		Short:         "Live stream notifications for chats and channels",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadEnv(f.envFile)
		},
	}
	root.PersistentFlags().StringVarP(&f.config, "config", "c", "./config.yaml", "path to config file (yaml or json)")
	root.PersistentFlags().StringVar(&f.envFile, "env-file", ".env", "dotenv file loaded before the config; missing file is ignored")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "info", "log level for one-shot commands")

	root.AddCommand(
		runCmd(f),
		sendCmd(f),
		subscribeCmd(f),
		unsubscribeCmd(f),
		channelCmd(f),
		subscribersCmd(f),
		historyCmd(f),
		checkCmd(f),
		versionCmd(),
	)
	return root
}

// loadEnv loads path without overriding variables already set.
func loadEnv(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("env file %s: %w", path, err)
	}
	return nil
}

func loadConfig(f *rootFlags) (*config.Config, error) {
	cfg, err := config.NewManager(f.config).Load()
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", f.config, err)
	}
	return cfg, nil
}

func cliLogger(f *rootFlags) logx.Logger {
	return logx.NewConsole(f.logLevel)
}

func checkCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config ok: %s\n", f.config)
			if strings.TrimSpace(cfg.Telegram.Token) == "" {
				fmt.Fprintf(out, "warning: telegram.token is empty and %s is not set\n", config.EnvToken)
			}
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "streambot", version)
		},
	}
}
