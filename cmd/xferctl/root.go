package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/xfer/config"
)

type rootOptions struct {
	configPath string
	logLevel   string
	listen     string
	server     string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "xferctl",
		Short: "Reliable chunked file transfer over UDP",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cmd.SilenceUsage = true
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "TOML config file")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (overrides the config file)")
	flags.StringVar(&opts.listen, "listen", "", "local UDP address (overrides the config file)")
	flags.StringVar(&opts.server, "server", "", "remote UDP address (overrides the config file)")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newReadCmd(opts),
		newWriteCmd(opts),
	)
	return rootCmd
}

// load reads the config file, applies flag overrides and sets up logging.
func (o *rootOptions) load() (config.Config, error) {
	cfg := config.Default()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return config.Config{}, err
		}
	}

	if o.logLevel != "" {
		level, err := logrus.ParseLevel(o.logLevel)
		if err != nil {
			return config.Config{}, fmt.Errorf("--log-level: %w", err)
		}
		cfg.LogLevel = level
	}
	if o.listen != "" {
		cfg.Listen = o.listen
	}
	if o.server != "" {
		cfg.Server = o.server
	}

	logrus.SetOutput(os.Stderr)
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetLevel(cfg.LogLevel)
	return cfg, nil
}
