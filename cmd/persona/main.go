// Command persona runs the scheduled knowledge-grounded posting bot and
// talks to a running instance over its local control API.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pinchen147/twitter-persona-agents/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

var (
	cfgFile string
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "persona",
	Short: "Scheduled, knowledge-grounded social posting",
	Long: `persona picks a fragment from an ingested knowledge partition, pulls in
related fragments, writes a short post in an account's voice and publishes
it on a fixed interval.

Run "persona start" in the foreground; the other commands talk to it over
the local control API or operate on the data directory directly.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if os.Getenv("NO_COLOR") != "" {
			noColor = true
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./persona.yaml or $XDG_CONFIG_HOME/persona/persona.yaml)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.Version = version

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(pauseCmd, resumeCmd, emergencyStopCmd)
	rootCmd.AddCommand(postNowCmd, previewCmd, postsCmd)
	rootCmd.AddCommand(ingestCmd, searchCmd, accountsCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}

// loadConfig reads the config named by --config, or searches the default
// locations.
var loadConfig = func() (config.Config, error) {
	return config.Load(cfgFile)
}

// setupLogging installs the process-wide slog handler.
func setupLogging(cfg config.LogConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultPath()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return fmt.Sprintf("%s...", string(r[:n]))
}
