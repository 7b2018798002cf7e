// cloudtree browses remote analytics namespaces through a lazily loaded
// cache that is reconciled against the local sync folder.
//
//	cloudtree connections               List configured connections
//	cloudtree ls <namespace> [path]     List children with presence and kind
//	cloudtree refresh <namespace> [path]
//	cloudtree watch                     Run schedulers and print change events
//	cloudtree mount <dir>               Mount the read-only filesystem
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cloudtree/cloudtree/internal/app"
	"github.com/cloudtree/cloudtree/internal/config"
	"github.com/cloudtree/cloudtree/internal/logging"
)

type globalFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	connection string
}

var (
	flags globalFlags
	cfg   *config.Config
	core  *app.App
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		os.Exit(1)
	}
}

// run executes one command and always releases the app and the logger,
// including when the command fails.
func run(args []string, out io.Writer) error {
	core = nil
	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)
	defer shutdown()
	return root.Execute()
}

func shutdown() {
	if core != nil {
		core.Close()
	}
	logging.Sync()
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "cloudtree",
		Short:        "Browse remote workspace namespaces against a local sync folder",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setup()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default $HOME/.config/cloudtree/config.yaml)")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&flags.logFormat, "log-format", "", "log format: console or json")
	pf.StringVarP(&flags.connection, "connection", "c", "", "connection to use instead of the active one")

	root.AddCommand(
		newConnectionsCmd(),
		newLsCmd(),
		newRefreshCmd(),
		newWatchCmd(),
		newMountCmd(),
	)
	return root
}

func setup() error {
	loaded, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	cfg = loaded

	format := cfg.LogFormat
	if flags.logFormat != "" {
		format = flags.logFormat
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: format, OutputPath: "stderr"}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	if flags.logLevel != "" {
		logging.SetLevel(flags.logLevel)
	}

	core = app.New(cfg)
	return nil
}

// activate switches to the --connection flag or the configured default.
func activate() error {
	if flags.connection != "" {
		return core.Activate(flags.connection)
	}
	return core.ActivateDefault()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
