package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/emmeowzing/threatstack-rule-manager/internal/reconcile"
)

type copyFlags struct {
	file          string
	from          string
	to            string
	rules         []string
	rulesets      []string
	tagsToRule    []string
	tagsToRuleset []string
	suffix        string
}

func newCopyCmd(c *cli) *cobra.Command {
	var f copyFlags
	cmd := &cobra.Command{
		Use:   "copy",
		Short: "Copy rules, rulesets or tags within or between organizations",
		Long: `Copy creates local artifacts under placeholder IDs and marks them for
creation on the next push. Sources are never modified.

  tsctl copy --to ORG --ruleset RULESET_ID
  tsctl copy --rule RULE_ID=DEST_RULESET_ID --suffix " (staging)"
  tsctl copy --tags-to-ruleset SRC_RULE_ID=DEST_RULESET_ID
  tsctl copy --file request.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := f.request(cmd.InOrStdin())
			if err != nil {
				return err
			}
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeApp(a, c.logger)
			report, err := a.Engine.Copy(req)
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), report, func(w io.Writer) error {
				return renderCopy(w, report)
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&f.file, "file", "f", "", "JSON copy request (- for stdin); other copy flags are ignored")
	flags.StringVar(&f.from, "from", "", "source organization (default is the workspace)")
	flags.StringVar(&f.to, "to", "", "destination organization (default is the source)")
	flags.StringSliceVar(&f.rules, "rule", nil, "rule to copy, as RULE_ID or RULE_ID=DEST_RULESET_ID")
	flags.StringSliceVar(&f.rulesets, "ruleset", nil, "ruleset to copy with all of its rules")
	flags.StringSliceVar(&f.tagsToRule, "tags-to-rule", nil, "copy tags as SRC_RULE_ID=DEST_RULE_ID")
	flags.StringSliceVar(&f.tagsToRuleset, "tags-to-ruleset", nil, "copy tags onto every rule of a ruleset, as SRC_RULE_ID=DEST_RULESET_ID")
	flags.StringVar(&f.suffix, "suffix", "", `name suffix for copies (default is "`+reconcile.DefaultCopySuffix+`" and only added on collision)`)
	return cmd
}

func (f copyFlags) request(stdin io.Reader) (reconcile.CopyRequest, error) {
	var req reconcile.CopyRequest
	if f.file != "" {
		err := readJSONFile(stdin, f.file, &req)
		return req, err
	}
	req.SourceOrganization = f.from
	req.DestinationOrganization = f.to
	for _, raw := range f.rules {
		id, ruleset, _ := strings.Cut(raw, "=")
		req.Rules = append(req.Rules, reconcile.RuleCopy{RuleID: id, RulesetID: ruleset, NameSuffix: f.suffix})
	}
	for _, id := range f.rulesets {
		req.Rulesets = append(req.Rulesets, reconcile.RulesetCopy{RulesetID: id, NameSuffix: f.suffix})
	}
	for _, raw := range f.tagsToRule {
		src, dst, ok := strings.Cut(raw, "=")
		if !ok {
			return req, fmt.Errorf("--tags-to-rule %q: expected SRC_RULE_ID=DEST_RULE_ID", raw)
		}
		req.Tags = append(req.Tags, reconcile.TagCopy{SourceRuleID: src, DestinationRuleID: dst})
	}
	for _, raw := range f.tagsToRuleset {
		src, dst, ok := strings.Cut(raw, "=")
		if !ok {
			return req, fmt.Errorf("--tags-to-ruleset %q: expected SRC_RULE_ID=DEST_RULESET_ID", raw)
		}
		req.Tags = append(req.Tags, reconcile.TagCopy{SourceRuleID: src, DestinationRulesetID: dst})
	}
	if len(req.Rules)+len(req.Rulesets)+len(req.Tags) == 0 {
		return req, fmt.Errorf("nothing to copy: use --rule, --ruleset, --tags-to-rule, --tags-to-ruleset or --file")
	}
	return req, nil
}

func renderCopy(w io.Writer, report *reconcile.CopyReport) error {
	writeLine(w, "copied from %s to %s", report.SourceOrganization, report.DestinationOrganization)
	for _, rs := range report.Rulesets {
		writeLine(w, "  ruleset %s -> %s %q (%d rules)", rs.Source, rs.ID, rs.Name, len(rs.Rules))
	}
	for _, rule := range report.Rules {
		writeLine(w, "  rule %s -> %s %q in ruleset %s", rule.Source, rule.ID, rule.Name, rule.RulesetID)
	}
	for _, tags := range report.Tags {
		writeLine(w, "  tags of %s -> %s", tags.Source, strings.Join(tags.Rules, ", "))
	}
	writeLine(w, "run `tsctl push` to create the copies")
	return nil
}
