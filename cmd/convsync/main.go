package main

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/convsync/pkg/config"
)

type rootFlags struct {
	configFile string
	logLevel   string
	logFormat  string
	logFile    string
	withCaller bool
}

var flags rootFlags

var rootCmd = &cobra.Command{
	Use:          "convsync",
	Short:        "convsync keeps realtime conversations, signals and attachments in sync with a chat backend",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initLogger(flags)
	},
}

func main() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configFile, "config", "", "config file (default $HOME/.convsync/config.yaml)")
	pf.StringVar(&flags.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.StringVar(&flags.logFormat, "log-format", "text", "log format (text, json)")
	pf.StringVar(&flags.logFile, "log-file", "", "write logs to this file instead of stderr")
	pf.BoolVar(&flags.withCaller, "with-caller", false, "add caller information to log lines")

	rootCmd.AddCommand(
		newChatCommand(),
		newServeMockCommand(),
		newQueueCommand(),
		newAttachmentsCommand(),
	)
	cobra.CheckErr(rootCmd.Execute())
}

func initLogger(f rootFlags) error {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(f.logLevel)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var out io.Writer = os.Stderr
	if f.logFile != "" {
		file, err := os.OpenFile(f.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return errors.Wrap(err, "open log file")
		}
		out = file
	}
	switch strings.ToLower(f.logFormat) {
	case "json":
	case "text", "":
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.Kitchen,
			NoColor:    f.logFile != "" || !isatty.IsTerminal(os.Stderr.Fd()),
		}
	default:
		return errors.Errorf("unknown log format %q", f.logFormat)
	}

	ctx := zerolog.New(out).With().Timestamp()
	if f.withCaller {
		ctx = ctx.Caller()
	}
	log.Logger = ctx.Logger()
	return nil
}

// loadSettings reads the config file and environment, then applies command
// flags bound to config keys.
func loadSettings(cmd *cobra.Command, bindings map[string]string) (config.Settings, error) {
	v, err := config.NewViper(flags.configFile)
	if err != nil {
		return config.Settings{}, err
	}
	if err := bindFlags(v, cmd, bindings); err != nil {
		return config.Settings{}, err
	}
	return config.Load(v)
}

func bindFlags(v *viper.Viper, cmd *cobra.Command, bindings map[string]string) error {
	for key, flag := range bindings {
		f := cmd.Flags().Lookup(flag)
		if f == nil {
			return errors.Errorf("unknown flag %q", flag)
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "bind flag %s", flag)
		}
	}
	return nil
}
