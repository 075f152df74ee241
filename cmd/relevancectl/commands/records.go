package commands

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/iammorganparry/clive/apps/relevance/internal/models"
)

func newIngestCmd(g *globals) *cobra.Command {
	var (
		kind string
		ref  string
		file string
		meta map[string]string
	)

	cmd := &cobra.Command{
		Use:   "ingest [content]",
		Short: "Store or replace a knowledge record",
		Long: `Store or replace a knowledge record.

Content comes from the arguments or from --file. Re-ingesting the same
--ref keeps the record's usage history and learned relevance.

Examples:
  relevancectl ingest --owner acme --kind policy --ref refunds-v2 --file refunds.md
  relevancectl ingest --owner acme --kind document --ref faq-1 --meta category=billing "Invoices are sent monthly"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.requireOwner(); err != nil {
				return err
			}
			content := strings.Join(args, " ")
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read %s: %w", file, err)
				}
				content = string(data)
				if ref == "" {
					ref = file
				}
			}
			if content == "" {
				return fmt.Errorf("no content given")
			}

			req := &models.IngestRequest{
				OwnerID:    g.owner,
				SourceKind: models.SourceKind(kind),
				SourceRef:  ref,
				Content:    content,
			}
			if len(meta) > 0 {
				req.Metadata = models.Metadata(meta)
			}

			resp, err := g.client().Ingest(cmd.Context(), req)
			if err != nil {
				return err
			}
			if g.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			verb := "updated"
			if resp.Created {
				verb = "created"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (re-embedded: %t)\n", verb, resp.ID, resp.Reembedded)
			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "kind", string(models.SourceDocument), "Source kind: document, policy or conversation_history")
	cmd.Flags().StringVar(&ref, "ref", "", "Stable source reference (defaults to --file)")
	cmd.Flags().StringVar(&file, "file", "", "Read content from a file")
	cmd.Flags().StringToStringVar(&meta, "meta", nil, "Metadata key=value pairs")
	return cmd
}

func newRetrieveCmd(g *globals) *cobra.Command {
	var (
		k      int
		kinds  []string
		filter string
	)

	cmd := &cobra.Command{
		Use:   "retrieve <query>",
		Short: "Rank records for a query",
		Long: `Rank the owner's records for a query and print the top results.

Returned records count as used, which feeds their relevance.

Examples:
  relevancectl retrieve --owner acme "how do refunds work"
  relevancectl retrieve --owner acme -k 3 --kind policy --filter 'metadata.category == "billing"' invoices`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := g.requireOwner(); err != nil {
				return err
			}
			req := &models.RetrieveRequest{
				OwnerID: g.owner,
				Query:   strings.Join(args, " "),
				K:       k,
				Filter:  filter,
			}
			for _, kind := range kinds {
				req.Kinds = append(req.Kinds, models.SourceKind(kind))
			}

			resp, err := g.client().Retrieve(cmd.Context(), req)
			if err != nil {
				return err
			}
			if g.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}

			out := cmd.OutOrStdout()
			if resp.Degraded {
				fmt.Fprintf(out, "degraded: %s\n", resp.Reason)
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "SCORE\tKIND\tREF\tUSES\tCONTENT")
			for _, r := range resp.Results {
				fmt.Fprintf(tw, "%.3f\t%s\t%s\t%d\t%s\n", r.Score, r.SourceKind, r.SourceRef, r.UsageCount, truncate(r.Content, 60))
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&k, "limit", "k", 5, "Number of results")
	cmd.Flags().StringSliceVar(&kinds, "kind", nil, "Restrict to source kinds")
	cmd.Flags().StringVar(&filter, "filter", "", "CEL filter expression")
	return cmd
}

func newCompactCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Run one relevance decay sweep now",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := g.client().Compact(cmd.Context())
			if err != nil {
				return err
			}
			if g.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned %d, decayed %d, failed %d, cache entries pruned %d\n",
				resp.Scanned, resp.Decayed, resp.Failed, resp.CachePruned)
			return nil
		},
	}
}
