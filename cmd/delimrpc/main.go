// Command delimrpc runs a delimrpc server backed by an in-memory event store
// and provides clients for it.
package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Zereker/delimrpc/internal/config"
)

var (
	configFile string
	envFiles   []string

	cfg    *config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "delimrpc",
	Short:         "Delimiter-framed RPC server and clients",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadEnvFile(envFiles...); err != nil {
			return err
		}

		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return err
		}

		logger, err = cfg.Log.NewLogger(os.Stderr)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "path to the YAML config file")
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load (default .env)")

	rootCmd.AddCommand(serveCmd, queryCmd, loadCmd, hashPasswordCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}
