package main

import (
	"errors"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/emmeowzing/threatstack-rule-manager/internal/vcs"
)

var errNoGit = errors.New("the state root is not a git working copy (is git installed?)")

func newDiffCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "diff [ORGANIZATION...]",
		Short: "Summarize uncommitted changes to the state root",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a, c.logger)
			if a.Git == nil {
				return errNoGit
			}
			changes, err := a.Git.Diff(cmd.Context(), args...)
			if err != nil {
				return err
			}
			status, err := a.Git.Status(cmd.Context())
			if err != nil {
				return err
			}
			var untracked []string
			for _, entry := range status {
				if entry.Code == "??" {
					untracked = append(untracked, entry.Path)
				}
			}
			view := struct {
				Changes   []vcs.FileChange `json:"changes"`
				Untracked []string         `json:"untracked"`
			}{changes, untracked}
			return c.render(cmd.OutOrStdout(), view, func(w io.Writer) error {
				if len(changes) == 0 && len(untracked) == 0 {
					writeLine(w, "no uncommitted changes")
					return nil
				}
				for _, change := range changes {
					writeLine(w, "%s +%d -%d", change.Path, change.Added, change.Deleted)
				}
				for _, path := range untracked {
					writeLine(w, "%s (new)", path)
				}
				return nil
			})
		},
	}
}

func newHistoryCmd(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [ORGANIZATION]",
		Short: "List the commits that touched an organization, newest first",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a, c.logger)
			if a.Git == nil {
				return errNoGit
			}
			org := ""
			if len(args) == 1 {
				org = args[0]
			}
			org, err = a.Engine.ResolveOrganization(org)
			if err != nil {
				return err
			}
			commits, err := a.Git.History(cmd.Context(), org, limit)
			if err != nil {
				return err
			}
			if commits == nil {
				commits = []vcs.Commit{}
			}
			return c.render(cmd.OutOrStdout(), commits, func(w io.Writer) error {
				if len(commits) == 0 {
					writeLine(w, "no commits for %s", org)
				}
				for _, commit := range commits {
					writeLine(w, "%.12s %s %s", commit.Hash, commit.Time.Local().Format(time.RFC3339), commit.Subject)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of commits to show (0 for all)")
	return cmd
}

func newWatchCmd(c *cli) *cobra.Command {
	var echoWindow time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Record hand edits to the tree in the state file until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a, c.logger)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			c.logger.WithField("state_dir", a.Config.State.Dir).Info("watching for edits")
			return a.Engine.Watch(ctx, echoWindow)
		},
	}
	cmd.Flags().DurationVar(&echoWindow, "echo-window", 2*time.Second, "ignore filesystem events for files tsctl itself wrote within this window")
	return cmd
}
