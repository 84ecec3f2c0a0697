package main

import (
	"fmt"
	"os"

	"github.com/jmerrifield20/chainchat/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

var cfgFile string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "chainchat",
	Short: "Chat server backed by a proof-of-work hash chain",
	Long: `chainchat seals every chat message into an append-only hash chain,
broadcasts new records to connected peers and exposes the chain for
verification over HTTP, websocket and gRPC health.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default configs/chainchat.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(tokenCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig reads configuration, warning through logger when no file exists.
func loadConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, found, err := config.Load(config.New(cfgFile))
	if err != nil {
		return nil, err
	}
	if !found {
		logger.Warn("no config file found, using defaults and env vars")
	}
	return cfg, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the chainchat version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "chainchat %s\n", version)
	},
}
