//go:build linux || darwin

// Command ioreactor drives the reactor from the command line: a TCP echo
// server, a TCP client that pipes stdin, and one-shot filesystem operations,
// all completing on a single event loop.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var version = `dev`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

// cli holds the state shared across subcommands: the persistent flags, and
// the config they resolve to.
type cli struct {
	configPath string
	logLevel   string
	cfg        Config
	workers    int
	queueSize  int
}

func newRootCommand() *cobra.Command {
	var x cli
	root := cobra.Command{
		Use:          `ioreactor`,
		Short:        `Event-driven TCP and filesystem operations on a single loop`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return x.resolveConfig(cmd)
		},
	}
	f := root.PersistentFlags()
	f.StringVar(&x.configPath, `config`, ``, `path to a TOML config file`)
	f.StringVar(&x.logLevel, `log-level`, ``, `log level: err, warning, info, debug, ...`)
	f.IntVar(&x.workers, `workers`, 0, `worker pool size, 0 for one per CPU`)
	f.IntVar(&x.queueSize, `queue-size`, 0, `worker pool queue size, 0 for the default`)

	root.AddCommand(
		x.newServeCommand(),
		x.newConnectCommand(),
		x.newStatCommand(),
		x.newLsCommand(),
		x.newCatCommand(),
		x.newPutCommand(),
		x.newRmCommand(),
		x.newMvCommand(),
		x.newMkdirCommand(),
		x.newRmdirCommand(),
	)

	return &root
}

// resolveConfig loads --config, then applies any persistent flags that
// were set explicitly.
func (x *cli) resolveConfig(cmd *cobra.Command) error {
	cfg, err := loadConfig(x.configPath)
	if err != nil {
		return err
	}
	f := cmd.Flags()
	if f.Changed(`log-level`) {
		cfg.LogLevel = x.logLevel
	}
	if f.Changed(`workers`) {
		cfg.Workers = x.workers
	}
	if f.Changed(`queue-size`) {
		cfg.QueueSize = x.queueSize
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	x.cfg = cfg
	return nil
}

// withReactor adapts start into a RunE. A fresh reactor is built per
// invocation, start runs as the first task on its loop, and the command
// returns once the loop has nothing left to do.
func (x *cli) withReactor(start func(cmd *cobra.Command, r *reactor, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		r, err := newReactor(&x.cfg, cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		return r.run(cmd.Context(), func() error {
			return start(cmd, r, args)
		})
	}
}
