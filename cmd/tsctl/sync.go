package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/emmeowzing/threatstack-rule-manager/internal/reconcile"
)

func newInitCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the state root and its git working copy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a, c.logger)
			out := cmd.OutOrStdout()
			writeLine(out, "initialized state root at %s", a.Config.State.Dir)
			if a.Git == nil {
				writeLine(out, "git is not available, pushes will not be committed")
			}
			return nil
		},
	}
}

type workspaceOutput struct {
	Workspace string   `json:"workspace"`
	Pending   []string `json:"pending"`
}

func newWorkspaceCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "workspace [ORGANIZATION]",
		Short: "Show or set the organization that commands act on by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a, c.logger)
			if len(args) == 1 {
				if err := a.Engine.SetWorkspace(args[0]); err != nil {
					return err
				}
				c.logger.WithField("organization", args[0]).Info("workspace set")
			}
			ws, err := a.Engine.Workspace()
			if err != nil {
				return err
			}
			pending, err := a.Engine.PendingOrganizations()
			if err != nil {
				return err
			}
			if pending == nil {
				pending = []string{}
			}
			view := workspaceOutput{Workspace: ws, Pending: pending}
			return c.render(cmd.OutOrStdout(), view, func(w io.Writer) error {
				if ws == "" {
					writeLine(w, "no workspace set")
				} else {
					writeLine(w, "workspace: %s", ws)
				}
				if len(pending) > 0 {
					writeLine(w, "pending changes: %s", strings.Join(pending, ", "))
				}
				return nil
			})
		},
	}
}

func newRefreshCmd(c *cli) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "refresh [ORGANIZATION...]",
		Short: "Pull organizations from the platform, keeping local changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a, c.logger)
			ctx, cancel := withOptionalTimeout(cmd.Context(), timeout)
			defer cancel()
			report, refreshErr := a.Engine.Refresh(ctx, args)
			if report == nil {
				return refreshErr
			}
			if err := c.render(cmd.OutOrStdout(), report, func(w io.Writer) error {
				return renderRefresh(w, report)
			}); err != nil {
				return err
			}
			if refreshErr != nil {
				return refreshErr
			}
			if failed := report.Failed(); len(failed) > 0 {
				return fmt.Errorf("%d of %d organizations failed to refresh", len(failed), len(report.Organizations))
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up after this long (0 means no limit)")
	return cmd
}

func renderRefresh(w io.Writer, report *reconcile.RefreshReport) error {
	for _, org := range report.Organizations {
		switch {
		case org.Err != nil:
			writeLine(w, "%s: failed: %s", org.Organization, org.Error)
		case org.Skipped:
			writeLine(w, "%s: up to date (epoch %s)", org.Organization, org.Epoch)
		default:
			writeLine(w, "%s: %d created, %d updated, %d deleted, %d local changes kept, %d settled",
				org.Organization, org.Created, org.Updated, org.Deleted, org.Preserved, org.Settled)
		}
	}
	return nil
}

func newPlanCmd(c *cli) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "plan [ORGANIZATION...]",
		Short: "Show the remote calls the next push would make",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a, c.logger)
			orgs, err := selectOrganizations(a.Engine, args, all)
			if err != nil {
				return err
			}
			plan, err := a.Engine.Plan(orgs)
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), plan, plan.Render)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "every organization with pending changes, the default without arguments")
	return cmd
}

func newPushCmd(c *cli) *cobra.Command {
	var (
		all     bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "push [ORGANIZATION...]",
		Short: "Apply pending local changes to the platform",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a, c.logger)
			orgs, err := selectOrganizations(a.Engine, args, all)
			if err != nil {
				return err
			}
			if all && len(orgs) == 0 {
				writeLine(cmd.OutOrStdout(), "nothing to push")
				return nil
			}
			ctx, cancel := withOptionalTimeout(cmd.Context(), timeout)
			defer cancel()
			report, pushErr := a.Engine.Push(ctx, orgs)
			if report != nil {
				if err := c.render(cmd.OutOrStdout(), report, func(w io.Writer) error {
					return renderPush(w, report)
				}); err != nil {
					return err
				}
			}
			if pushErr != nil {
				return pushErr
			}
			if n := report.Failed(); n > 0 {
				return fmt.Errorf("%d of %d items failed, they remain pending", n, n+report.Succeeded())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "every organization with pending changes, the default without arguments")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "stop dispatching after this long (0 means no limit)")
	return cmd
}

func renderPush(w io.Writer, report *reconcile.PushReport) error {
	if len(report.Organizations) == 0 && len(report.Problems) == 0 {
		writeLine(w, "nothing to push")
		return nil
	}
	for _, org := range report.Organizations {
		writeLine(w, "organization %s: %d succeeded, %d failed", org.Organization, org.Succeeded, org.Failed)
		for _, res := range org.Results {
			if res.Succeeded() {
				line := "  ok     " + res.Item.String()
				if res.RemoteID != "" && res.RemoteID != res.Item.EntityID {
					line += " -> " + res.RemoteID
				}
				writeLine(w, "%s", line)
				continue
			}
			writeLine(w, "  FAILED %s: %s", res.Item.String(), res.Error)
		}
		switch {
		case org.CommitError != "":
			writeLine(w, "  commit failed: %s", org.CommitError)
		case org.Committed:
			writeLine(w, "  committed")
		}
	}
	for _, problem := range report.Problems {
		writeLine(w, "  ! %s %s: %s", problem.Organization, problem.Entity, problem.Message)
	}
	return nil
}

// selectOrganizations returns args, or every organization with pending
// changes when all is set.
func selectOrganizations(engine *reconcile.Engine, args []string, all bool) ([]string, error) {
	if !all {
		return args, nil
	}
	if len(args) > 0 {
		return nil, fmt.Errorf("--all cannot be combined with organization arguments")
	}
	return engine.PendingOrganizations()
}

func withOptionalTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
