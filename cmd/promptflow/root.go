package main

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/songzhibin97/promptflow/config"
	"github.com/songzhibin97/promptflow/telemetry"
)

// app carries what every command needs once flags are parsed.
type app struct {
	cfgFile string
	v       *viper.Viper
	cfg     config.Config
	logger  *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "promptflow",
		Short: "Run multi-step LLM workflow templates",
		Long: `promptflow executes workflow templates: ordered prompt steps whose inputs come
from the run's initial inputs, the query prompt and the outputs of earlier steps.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
	}

	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (YAML)")
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().String("log-format", "", "log format (json, text)")

	root.AddCommand(newRunCmd(a), newServeCmd(a), newValidateCmd(a))
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	a.v = config.New(a.cfgFile)
	flags := cmd.Root().PersistentFlags()
	if f := flags.Lookup("log-level"); f.Changed {
		_ = a.v.BindPFlag("log.level", f)
	}
	if f := flags.Lookup("log-format"); f.Changed {
		_ = a.v.BindPFlag("log.format", f)
	}

	cfg, err := config.Decode(a.v)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = telemetry.SetupLogger(cfg.Log.Level, cfg.Log.Format)
	if used := a.v.ConfigFileUsed(); used != "" {
		a.logger.Debug("using config file", "file", used)
	}
	return nil
}
