// Package cmd implements the command-line interface for gotexfetch.
package cmd

import (
	"context"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jonesrussell/gotexfetch/cmd/fetchcmd"
	"github.com/jonesrussell/gotexfetch/cmd/servecmd"
)

// version is stamped by the build.
var version = "dev"

var (
	// cfgFile holds the path to the configuration file.
	cfgFile string

	// Debug enables debug logging for all commands.
	Debug bool

	rootCmd = &cobra.Command{
		Use:   "gotexfetch",
		Short: "A progressive image asset fetch pipeline",
		Long: `gotexfetch fetches large compressed image assets from a blob cache,
an HTTP range-GET service, or a legacy UDP transport, decoding them
progressively at the requested discard level.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
)

// Execute runs the root command.
func Execute() error {
	// Load .env early so environment variables are available to viper.
	_ = godotenv.Load()

	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile,
		"config",
		"",
		"config file (default is ./config.yaml, ~/.texfetch/config.yaml, or /etc/texfetch/config.yaml)",
	)
	rootCmd.PersistentFlags().BoolVar(&Debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gotexfetch version %s\n", version)
		},
	})

	rootCmd.AddCommand(fetchcmd.Command(&cfgFile, &Debug))
	rootCmd.AddCommand(servecmd.Command(&cfgFile, &Debug))
}
