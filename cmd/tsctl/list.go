package main

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/emmeowzing/threatstack-rule-manager/internal/reconcile"
)

type listStyles struct {
	ruleset  lipgloss.Style
	rule     lipgloss.Style
	id       lipgloss.Style
	modified lipgloss.Style
	deleted  lipgloss.Style
}

func plainStyles() listStyles {
	return listStyles{
		ruleset:  lipgloss.NewStyle(),
		rule:     lipgloss.NewStyle(),
		id:       lipgloss.NewStyle(),
		modified: lipgloss.NewStyle(),
		deleted:  lipgloss.NewStyle(),
	}
}

func colorStyles(w io.Writer) listStyles {
	r := lipgloss.NewRenderer(w)
	return listStyles{
		ruleset:  r.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		rule:     r.NewStyle(),
		id:       r.NewStyle().Faint(true),
		modified: r.NewStyle().Foreground(lipgloss.Color("11")),
		deleted:  r.NewStyle().Foreground(lipgloss.Color("9")),
	}
}

func newListCmd(c *cli) *cobra.Command {
	var (
		org    string
		filter reconcile.ListFilter
		color  bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List rulesets and rules in the local tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a, c.logger)
			views, err := a.Engine.List(org, filter)
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), views, func(w io.Writer) error {
				styles := plainStyles()
				if color {
					styles = colorStyles(w)
				}
				return renderList(w, views, styles)
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&org, "org", "", "organization (default is the workspace)")
	flags.StringVar(&filter.Name, "name", "", "only rules whose name matches this glob")
	flags.StringVar(&filter.RulesetName, "ruleset-name", "", "only rulesets whose name matches this glob")
	flags.StringVar(&filter.Type, "type", "", "only rules of this type")
	flags.IntVar(&filter.Severity, "severity", 0, "only rules of this severity (1-3)")
	flags.StringSliceVar(&filter.RuleIDs, "rule-id", nil, "only these rules")
	flags.BoolVar(&filter.WithTags, "tags", false, "include tags")
	flags.BoolVar(&color, "color", false, "colorize text output")
	return cmd
}

func renderList(w io.Writer, views []reconcile.RulesetView, s listStyles) error {
	if len(views) == 0 {
		writeLine(w, "no rulesets")
		return nil
	}
	for _, view := range views {
		line := s.ruleset.Render(view.Ruleset.Name) + " " + s.id.Render(view.ID)
		if view.Modified != "" {
			line += " " + marker(s, view.Modified)
		}
		writeLine(w, "%s", line)
		for _, rv := range view.Rules {
			status := "enabled"
			if !rv.Rule.Enabled {
				status = "disabled"
			}
			line := fmt.Sprintf("  %s %s [%s, severity %d, %s]", s.rule.Render(rv.Rule.Name), s.id.Render(rv.ID), rv.Rule.Type, rv.Rule.Severity, status)
			if rv.Change != "" {
				line += " " + marker(s, rv.Change)
			}
			writeLine(w, "%s", line)
			if rv.Tags != nil {
				for _, tag := range rv.Tags.Inclusion {
					writeLine(w, "    + %s %s=%s", tag.Source, tag.Key, tag.Value)
				}
				for _, tag := range rv.Tags.Exclusion {
					writeLine(w, "    - %s %s=%s", tag.Source, tag.Key, tag.Value)
				}
			}
		}
	}
	return nil
}

func marker(s listStyles, change string) string {
	if change == "del" {
		return s.deleted.Render("(" + change + ")")
	}
	return s.modified.Render("(" + change + ")")
}
