package main

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/emmeowzing/threatstack-rule-manager/internal/app"
	"github.com/emmeowzing/threatstack-rule-manager/internal/config"
	"github.com/emmeowzing/threatstack-rule-manager/internal/remote"
)

var version = "dev"

type cli struct {
	cfgFile string
	quiet   bool
	debug   bool
	output  string

	v      *viper.Viper
	logger *logrus.Logger

	// client and disableGit are set by tests.
	client     remote.Client
	disableGit bool
}

func newCLI() *cli {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &cli{v: config.New(), logger: logger}
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "tsctl",
		Short: "Manage detection rules as a local tree and push changes to the platform",
		Long: `tsctl mirrors organizations' rulesets and rules into a local directory tree.
Edits are recorded in a state file, compiled into a plan and pushed to the
platform. Every successful push is committed to git.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			c.logger.SetOutput(cmd.ErrOrStderr())
			switch c.output {
			case "text", "json", "yaml":
			default:
				return fmt.Errorf("unsupported output format %q", c.output)
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default is $HOME/.tsctl.yaml)")
	flags.BoolVarP(&c.quiet, "quiet", "q", false, "Quiet output. Only errors are logged. Takes precedence over --debug.")
	flags.BoolVarP(&c.debug, "debug", "d", false, "Debug mode. Enable trace logging.")
	flags.StringVarP(&c.output, "output", "o", "text", "output format: text, json or yaml")
	flags.String("state-dir", "", "state root (default is ~/.threatstack)")
	flags.Int("workers", 0, "concurrent remote workers per push or refresh")
	_ = c.v.BindPFlag("state.dir", flags.Lookup("state-dir"))
	_ = c.v.BindPFlag("workers", flags.Lookup("workers"))

	root.AddCommand(
		newInitCmd(c),
		newWorkspaceCmd(c),
		newRefreshCmd(c),
		newPlanCmd(c),
		newPushCmd(c),
		newCopyCmd(c),
		newListCmd(c),
		newRuleCmd(c),
		newRulesetCmd(c),
		newDiffCmd(c),
		newHistoryCmd(c),
		newWatchCmd(c),
		newVersionCmd(),
	)
	return root
}

// open loads the configuration and wires the engine for one command.
func (c *cli) open(ctx context.Context) (*app.App, error) {
	cfg, err := config.Load(c.v, c.cfgFile)
	if err != nil {
		return nil, err
	}
	if err := c.initLogging(cfg); err != nil {
		return nil, err
	}
	c.logger.WithField("state_dir", cfg.State.Dir).Debug("opening state root")
	return app.Open(ctx, cfg, app.Options{
		Logger:     c.logger,
		Client:     c.client,
		DisableGit: c.disableGit,
	})
}

func (c *cli) initLogging(cfg config.Config) error {
	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	switch {
	case c.quiet:
		level = logrus.ErrorLevel
	case c.debug:
		level = logrus.TraceLevel
	}
	c.logger.SetLevel(level)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the tsctl version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "tsctl", version)
			return err
		},
	}
}

func closeApp(a *app.App, logger logrus.FieldLogger) {
	if err := a.Close(); err != nil {
		logger.WithError(err).Warn("closing state backend")
	}
}

func writeLine(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format+"\n", args...)
}
