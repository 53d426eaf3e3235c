package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/shizukutanaka/Banken/internal/config"
	"github.com/shizukutanaka/Banken/internal/logging"
)

const Version = "1.2.0"

var (
	cfgFile string
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "banken",
	Short: "Security event scoring, audit-integrity and alerting pipeline",
	Long: `Banken ingests security-relevant events from a corporate site, scores
them for threat likelihood and policy compliance, records every event in a
tamper-evident audit trail, and dispatches rate-limited multi-channel
alerts. Designed to run alongside the site it watches.`,
	Version: Version,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./banken.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}

// loadConfig reads the configured file, or defaults when none is given.
func loadConfig() (*config.Config, error) {
	if cfgFile == "" {
		if _, err := os.Stat("banken.yaml"); err == nil {
			cfgFile = "banken.yaml"
		}
	}

	var (
		cfg *config.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = config.Default()
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

func buildLogger(cfg *config.Config) (*logging.Factory, error) {
	return logging.NewFactory(cfg.Logging)
}
