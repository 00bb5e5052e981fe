package main

import (
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/chatagent/pkg/config"
)

type rootFlags struct {
	configFile string
	dotenv     string
	logLevel   string
}

var root rootFlags

func main() {
	rootCmd := &cobra.Command{
		Use:           "chat-agent",
		Short:         "Chat agents that share one conversation across websocket connections",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initLogger(root.logLevel)
		},
	}
	rootCmd.PersistentFlags().StringVar(&root.configFile, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&root.dotenv, "env-file", ".env", "dotenv file read before CHAT_AGENT_* variables are applied")
	rootCmd.PersistentFlags().StringVar(&root.logLevel, "log-level", "", "Log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(newServeCommand(), newChatCommand(), newHistoryCommand(), newClearCommand())

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("chat-agent failed")
		os.Exit(1)
	}
}

// loadConfig resolves the effective configuration; an explicit --log-level
// wins over the configured one.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(root.configFile, root.dotenv)
	if err != nil {
		return config.Config{}, err
	}
	if root.logLevel == "" && cfg.Logging.Level != "" {
		if err := initLogger(cfg.Logging.Level); err != nil {
			return config.Config{}, err
		}
	}
	return cfg, nil
}

func initLogger(level string) error {
	lvl, err := parseZerologLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	} else {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	return nil
}

func parseZerologLevel(level string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "":
		return zerolog.InfoLevel, nil
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "fatal":
		return zerolog.FatalLevel, nil
	case "panic":
		return zerolog.PanicLevel, nil
	case "disabled", "off":
		return zerolog.Disabled, nil
	default:
		return zerolog.NoLevel, errors.Errorf("invalid log level %q", level)
	}
}
