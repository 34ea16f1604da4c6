package main

import (
	"errors"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/quic-interop/endpoint-go/interop"
)

var rootCmd = &cobra.Command{
	Use:   "quic-interop-endpoint",
	Short: "QUIC interop test endpoint",
	Long: `Container entrypoint for the QUIC interoperability test harness.
It takes no arguments: the role, test case, and network parameters all
arrive through environment variables set by the harness.`,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run:           run,
}

func run(cmd *cobra.Command, args []string) {
	cfg, err := interop.ResolveConfig(os.Getenv)
	if err != nil {
		logConfigError(err)
		os.Exit(interop.ExitConfig)
	}

	log.WithFields(log.Fields{
		"role":     cfg.Role,
		"testcase": cfg.TestCase,
	}).Info("starting endpoint")

	d := interop.NewDispatcher(&interop.QUICEngine{})
	d.Timeout = cfg.Timeout
	os.Exit(d.Run(cfg).ExitCode)
}

func logConfigError(err error) {
	var cfgErr *interop.ConfigError
	var envErr *interop.EnvironmentError
	switch {
	case errors.As(err, &cfgErr):
		log.WithField("error", err).Error("invalid configuration")
	case errors.As(err, &envErr):
		log.WithField("error", err).Error("failed to prepare output paths")
	default:
		log.WithField("error", err).Error("configuration failed")
	}
}

func main() {
	log.SetOutput(os.Stderr)
	if err := rootCmd.Execute(); err != nil {
		log.WithField("error", err).Error("invalid invocation")
		os.Exit(interop.ExitConfig)
	}
}
