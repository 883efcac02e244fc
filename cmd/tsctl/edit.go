package main

import (
	"io"

	"github.com/spf13/cobra"

	"github.com/emmeowzing/threatstack-rule-manager/internal/reconcile"
	"github.com/emmeowzing/threatstack-rule-manager/internal/rulestate"
)

func newRuleCmd(c *cli) *cobra.Command {
	var org string
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Create, change or delete rules in the local tree",
	}
	cmd.PersistentFlags().StringVar(&org, "org", "", "organization (default is the workspace)")

	var (
		ruleset  string
		bodyFile string
		tagsFile string
	)
	create := &cobra.Command{
		Use:   "create --ruleset RULESET_ID --file RULE.json",
		Short: "Add a rule to a ruleset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var rule rulestate.Rule
			if err := readJSONFile(cmd.InOrStdin(), bodyFile, &rule); err != nil {
				return err
			}
			var tags *rulestate.Tags
			if tagsFile != "" {
				tags = &rulestate.Tags{}
				if err := readJSONFile(cmd.InOrStdin(), tagsFile, tags); err != nil {
					return err
				}
			}
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a, c.logger)
			id, err := a.Engine.CreateRule(org, ruleset, rule, tags)
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), map[string]string{"id": id}, func(w io.Writer) error {
				writeLine(w, "created rule %s", id)
				return nil
			})
		},
	}
	create.Flags().StringVar(&ruleset, "ruleset", "", "parent ruleset")
	create.Flags().StringVarP(&bodyFile, "file", "f", "", "rule body as JSON (- for stdin)")
	create.Flags().StringVar(&tagsFile, "tags-file", "", "tags as JSON")
	_ = create.MarkFlagRequired("ruleset")
	_ = create.MarkFlagRequired("file")

	var updateFile string
	update := &cobra.Command{
		Use:   "update RULE_ID --file RULE.json",
		Short: "Replace a rule's body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rule rulestate.Rule
			if err := readJSONFile(cmd.InOrStdin(), updateFile, &rule); err != nil {
				return err
			}
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a, c.logger)
			if err := a.Engine.UpdateRule(org, args[0], rule); err != nil {
				return err
			}
			writeLine(cmd.OutOrStdout(), "updated rule %s", args[0])
			return nil
		},
	}
	update.Flags().StringVarP(&updateFile, "file", "f", "", "rule body as JSON (- for stdin)")
	_ = update.MarkFlagRequired("file")

	var tagsUpdateFile string
	tagsCmd := &cobra.Command{
		Use:   "tags RULE_ID [--file TAGS.json]",
		Short: "Show a rule's tags, or replace them with --file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var tags rulestate.Tags
			if tagsUpdateFile != "" {
				if err := readJSONFile(cmd.InOrStdin(), tagsUpdateFile, &tags); err != nil {
					return err
				}
			}
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a, c.logger)
			if tagsUpdateFile != "" {
				if err := a.Engine.UpdateTags(org, args[0], tags); err != nil {
					return err
				}
			}
			current, err := a.Engine.GetTags(org, args[0])
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), current, func(w io.Writer) error {
				return writeYAML(w, current)
			})
		},
	}
	tagsCmd.Flags().StringVarP(&tagsUpdateFile, "file", "f", "", "replacement tags as JSON (- for stdin)")

	show := &cobra.Command{
		Use:   "show RULE_ID",
		Short: "Print a rule with its tags",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a, c.logger)
			view, err := a.Engine.GetRule(org, args[0])
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), view, func(w io.Writer) error {
				return writeYAML(w, view)
			})
		},
	}

	del := &cobra.Command{
		Use:   "delete RULE_ID...",
		Short: "Mark rules for deletion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a, c.logger)
			for _, id := range args {
				if err := a.Engine.DeleteRule(org, id); err != nil {
					return err
				}
				writeLine(cmd.OutOrStdout(), "deleted rule %s", id)
			}
			return nil
		},
	}

	cmd.AddCommand(create, update, tagsCmd, show, del)
	return cmd
}

func newRulesetCmd(c *cli) *cobra.Command {
	var org string
	cmd := &cobra.Command{
		Use:   "ruleset",
		Short: "Create, change or delete rulesets in the local tree",
	}
	cmd.PersistentFlags().StringVar(&org, "org", "", "organization (default is the workspace)")

	var name, description string
	create := &cobra.Command{
		Use:   "create --name NAME",
		Short: "Create an empty ruleset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a, c.logger)
			id, err := a.Engine.CreateRuleset(org, rulestate.Ruleset{Name: name, Description: description})
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), map[string]string{"id": id}, func(w io.Writer) error {
				writeLine(w, "created ruleset %s", id)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "ruleset name")
	create.Flags().StringVar(&description, "description", "", "ruleset description")
	_ = create.MarkFlagRequired("name")

	var newName, newDescription string
	update := &cobra.Command{
		Use:   "update RULESET_ID [--name NAME] [--description TEXT]",
		Short: "Rename a ruleset or change its description",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a, c.logger)
			current, err := findRuleset(a.Engine, org, args[0])
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("name") {
				current.Name = newName
			}
			if cmd.Flags().Changed("description") {
				current.Description = newDescription
			}
			if err := a.Engine.UpdateRuleset(org, args[0], current); err != nil {
				return err
			}
			writeLine(cmd.OutOrStdout(), "updated ruleset %s", args[0])
			return nil
		},
	}
	update.Flags().StringVar(&newName, "name", "", "new name")
	update.Flags().StringVar(&newDescription, "description", "", "new description")

	del := &cobra.Command{
		Use:   "delete RULESET_ID...",
		Short: "Mark rulesets and their rules for deletion",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a, c.logger)
			for _, id := range args {
				if err := a.Engine.DeleteRuleset(org, id); err != nil {
					return err
				}
				writeLine(cmd.OutOrStdout(), "deleted ruleset %s", id)
			}
			return nil
		},
	}

	cmd.AddCommand(create, update, del)
	return cmd
}

func findRuleset(engine *reconcile.Engine, org, id string) (rulestate.Ruleset, error) {
	resolved, err := engine.ResolveOrganization(org)
	if err != nil {
		return rulestate.Ruleset{}, err
	}
	return engine.Tree().ReadRuleset(resolved, id)
}
