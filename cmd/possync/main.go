package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentworkforce/possync/internal/config"
)

var version = "dev"

type app struct {
	configPath string
	debug      bool
	output     string
	local      bool

	out    io.Writer
	errOut io.Writer
	cfg    config.Config
	logger *zap.Logger
}

func main() {
	root := newRootCmd(os.Stdout, os.Stderr)
	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut, logger: zap.NewNop()}
	root := &cobra.Command{
		Use:           "possync",
		Short:         "Offline-first sync engine for point-of-sale terminals",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.init(cmd.Name() == "run")
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			_ = a.logger.Sync()
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default: ./possync.yaml)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "development logging")
	root.PersistentFlags().StringVarP(&a.output, "output", "o", "table", "output format: table, json or yaml")
	root.PersistentFlags().BoolVar(&a.local, "local", false, "open the queue log directly instead of a running engine's API")

	root.AddCommand(
		a.newRunCmd(),
		a.newStatusCmd(),
		a.newEnqueueCmd(),
		a.newDeadLettersCmd(),
		newVersionCmd(out),
	)
	return root
}

func (a *app) init(daemon bool) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	switch {
	case a.debug:
		a.logger, err = zap.NewDevelopment()
	case daemon:
		a.logger, err = zap.NewProduction()
	default:
		a.logger = zap.NewNop()
	}
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	return nil
}

func newVersionCmd(out io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(*cobra.Command, []string) {
			fmt.Fprintf(out, "possync %s\n", version)
		},
	}
}
