package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/lazypower/attune/internal/client"
	"github.com/lazypower/attune/internal/config"
)

var (
	configPath string
	serverURL  string
)

var rootCmd = &cobra.Command{
	Use:   "attune",
	Short: "Continual embedding enhancement",
	Long:  "Attune refines embeddings with a small trainable transform that keeps learning from quality feedback without forgetting what it already knows.",
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a TOML config file (default $ATTUNE_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "url", "", "Server URL for client commands (default $ATTUNE_URL or "+client.DefaultServerURL+")")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(trainCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(enhanceCmd)
	rootCmd.AddCommand(completeTaskCmd)
}

// loadConfig reads the config named by --config or ATTUNE_CONFIG.
func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("ATTUNE_CONFIG")
	}
	return config.Load(path)
}

func newClient() *client.Client {
	return client.New(serverURL)
}
