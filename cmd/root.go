package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "pixelsync",
	Short: "pixelsync - image ingestion pipeline with content-addressed dedup",
	Long: `pixelsync scans a directory tree for images, de-duplicates by content
hash, delegates embedding and captioning to an external ML service, and
batches the results into a vector store.

Features:
  - Content-addressed dedup cache, skips re-embedding already-seen bytes
  - Adaptive batch sizing negotiated with the ML service's capability probe
  - Qdrant and Pinecone vector store backends behind one interface
  - Job-based control surface over HTTP, MCP, or the CLI

Environment Variables:
  PIXELSYNC_VECTOR_STORE_API_KEY   For the Pinecone backend
  PIXELSYNC_ML_SERVICE_BASE_URL    Override the embedding/captioning service URL`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Disable the default cobra completion command to avoid duplicate name conflict.
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is pixelsync.yaml in $HOME or the current directory)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable verbose output")

	// Bind to viper
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

// initConfig reads in config file and ENV variables if set.
// Config loading priority: CLI flags > environment variables > config file > defaults.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("pixelsync")
	}

	// Read environment variables with PIXELSYNC_ prefix
	viper.SetEnvPrefix("PIXELSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}
