package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/speed-chat/server/internal/config"
	logx "github.com/speed-chat/server/pkg/logger"
)

var envFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "speed",
	Short: "Speed chat backend",
	Long: `Speed is a chat backend that runs a tool-calling agent over Gmail,
Google Drive and web search, and streams its answers to the web app.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(chatCmd)
}

// loadConfig reads the configuration and initialises logging for it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}
	logx.Init(logx.LoggerOpts{Environment: cfg.Environment})
	return cfg, nil
}

func main() {
	logx.Init()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
