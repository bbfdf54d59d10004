// Package cmd provides the CLI commands for Courier.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/inercia/courier/internal/config"
	"github.com/inercia/courier/internal/logging"
)

var (
	// Global flags
	configPath    string
	debug         bool
	logLevel      string
	logFile       string
	logJSON       bool
	logComponents string

	// Loaded configuration
	cfg *config.Config
	// cfgSource is the file the config came from, empty when running on
	// built-in defaults. Hot reload is only available with a file.
	cfgSource string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "courier",
	Short: "Courier - real-time event broadcasting for agent conversations",
	Long: `Courier is a broadcast server that streams agent worker events to
subscribers over WebSocket and SSE, with replay for late joiners,
deduplication of repeated fragments, and reconnection-friendly
client sessions.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		if err := loadConfig(); err != nil {
			return err
		}

		// Priority: --log-level flag > --debug flag > config > default
		effectiveLevel := cfg.Log.Level
		if effectiveLevel == "" {
			effectiveLevel = "info"
		}
		if debug {
			effectiveLevel = "debug"
		}
		if logLevel != "" {
			effectiveLevel = logLevel
		}

		effectiveFile := cfg.Log.File
		if logFile != "" {
			effectiveFile = logFile
		}
		var fileLog *logging.FileLogConfig
		if effectiveFile != "" {
			flc := logging.DefaultFileLogConfig()
			flc.Path = effectiveFile
			fileLog = &flc
		}

		components := cfg.Log.Components
		if logComponents != "" {
			components = nil
			for _, c := range strings.Split(logComponents, ",") {
				c = strings.TrimSpace(c)
				if c != "" {
					components = append(components, c)
				}
			}
		}

		if err := logging.Initialize(logging.Config{
			Level:      effectiveLevel,
			FileLevel:  cfg.Log.FileLevel,
			FileLog:    fileLog,
			JSON:       logJSON || cfg.Log.JSON,
			Components: components,
		}); err != nil {
			return fmt.Errorf("failed to initialize logging: %w", err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return logging.Close()
	},
}

// loadConfig resolves the configuration using the hierarchy:
// 1. --config flag (explicit path, must exist)
// 2. RC file (~/.courierrc or $COURIERRC) if it exists
// 3. Built-in defaults
func loadConfig() error {
	if configPath != "" {
		c, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration from %s: %w", configPath, err)
		}
		cfg = c
		cfgSource = configPath
		return nil
	}

	rcPath := config.DefaultConfigPath()
	if _, err := os.Stat(rcPath); err == nil {
		c, err := config.Load(rcPath)
		if err != nil {
			return fmt.Errorf("failed to load configuration from %s: %w", rcPath, err)
		}
		cfg = c
		cfgSource = rcPath
		return nil
	}

	cfg = config.Default()
	cfgSource = ""
	return nil
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Configuration file path (overrides ~/.courierrc)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging (shorthand for --log-level=debug)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	rootCmd.PersistentFlags().StringVarP(&logFile, "logfile", "l", "", "Log file path (logs are also written to console)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs in JSON format")
	rootCmd.PersistentFlags().StringVar(&logComponents, "log-components", "", "Comma-separated list of components to log (e.g., 'web,broadcast,task'). Empty means all components.")
}
