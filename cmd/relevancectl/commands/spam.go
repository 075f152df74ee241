package commands

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/iammorganparry/clive/apps/relevance/internal/models"
)

func newClassifyCmd(g *globals) *cobra.Command {
	var sender string

	cmd := &cobra.Command{
		Use:   "classify <message>",
		Short: "Check a message against spam patterns",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client().Classify(cmd.Context(), &models.ClassifyRequest{
				OwnerID: g.owner,
				Content: strings.Join(args, " "),
				Sender:  sender,
			})
			if err != nil {
				return err
			}
			if g.json {
				return printJSON(cmd.OutOrStdout(), c)
			}
			out := cmd.OutOrStdout()
			verdict := "not spam"
			if c.IsSpam {
				verdict = "spam"
			}
			fmt.Fprintf(out, "%s (confidence %.2f)", verdict, c.Confidence)
			if c.MatchedPatternID != "" {
				fmt.Fprintf(out, " pattern %s [%s]", c.MatchedPatternID, c.PatternType)
			}
			if c.Degraded {
				fmt.Fprint(out, " degraded")
			}
			fmt.Fprintln(out)
			return nil
		},
	}

	cmd.Flags().StringVar(&sender, "sender", "", "Originating phone number")
	return cmd
}

func newPatternsCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Manage spam patterns",
	}
	cmd.AddCommand(
		newPatternsListCmd(g),
		newPatternsSyncCmd(g),
		newPatternsReportCmd(g),
		newPatternsActiveCmd(g, "deactivate", false),
		newPatternsActiveCmd(g, "activate", true),
	)
	return cmd
}

func newPatternsListCmd(g *globals) *cobra.Command {
	var activeOnly bool

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List patterns visible to the owner, or all patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			patterns, err := g.client().ListPatterns(cmd.Context(), g.owner, activeOnly)
			if err != nil {
				return err
			}
			if g.json {
				return printJSON(cmd.OutOrStdout(), patterns)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTYPE\tOWNER\tACTIVE\tACCURACY\tDETECTIONS\tFALSE+\tPAYLOAD")
			for _, p := range patterns {
				owner := p.OwnerID
				if owner == "" {
					owner = "(global)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%.2f\t%d\t%d\t%s\n",
					p.ID, p.PatternType, owner, p.IsActive, p.AccuracyRate,
					p.DetectionCount, p.FalsePositiveCount, truncate(p.Payload, 40))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only active patterns")
	return cmd
}

func newPatternsSyncCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "sync [dir...]",
		Short: "Re-read the YAML pattern catalog",
		Long: `Re-read the YAML pattern catalog on the server.

With no arguments the server's configured catalog directories are used.
Directories given here are paths on the server host.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := g.client().SyncCatalog(cmd.Context(), args)
			if err != nil {
				return err
			}
			if g.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "files %d, synced %d, skipped %d\n", resp.Files, resp.Synced, resp.Skipped)
			for _, e := range resp.Errors {
				fmt.Fprintf(out, "  %s\n", e)
			}
			return nil
		},
	}
}

func newPatternsReportCmd(g *globals) *cobra.Command {
	var wrong bool

	cmd := &cobra.Command{
		Use:   "report <pattern-id>",
		Short: "Record whether a pattern's spam verdict was correct",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.client().ReportOutcome(cmd.Context(), args[0], !wrong)
			if err != nil {
				return err
			}
			if g.json {
				return printJSON(cmd.OutOrStdout(), p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s accuracy %.2f (%d detections, %d false positives)\n",
				p.ID, p.AccuracyRate, p.DetectionCount, p.FalsePositiveCount)
			return nil
		},
	}

	cmd.Flags().BoolVar(&wrong, "false-positive", false, "The verdict was wrong")
	return cmd
}

func newPatternsActiveCmd(g *globals, use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <pattern-id>",
		Short: strings.ToUpper(use[:1]) + use[1:] + " a pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := g.client().SetPatternActive(cmd.Context(), args[0], active)
			if err != nil {
				return err
			}
			if g.json {
				return printJSON(cmd.OutOrStdout(), p)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s active=%t\n", p.ID, p.IsActive)
			return nil
		},
	}
}
