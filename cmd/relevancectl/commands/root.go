// Package commands implements the relevancectl CLI, an operator client for
// the relevance server's HTTP API.
package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/iammorganparry/clive/apps/relevance/internal/client"
)

// globals are the persistent flags shared by every subcommand.
type globals struct {
	server string
	apiKey string
	owner  string
	json   bool
}

func (g *globals) client() *client.Client {
	return client.New(g.server, g.apiKey)
}

func (g *globals) requireOwner() error {
	if g.owner == "" {
		return fmt.Errorf("--owner is required")
	}
	return nil
}

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	g := &globals{}

	root := &cobra.Command{
		Use:           "relevancectl",
		Short:         "Operate a relevance server",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&g.server, "server", envOr("RELEVANCE_SERVER_URL", "http://localhost:8742"), "Relevance server URL")
	root.PersistentFlags().StringVar(&g.apiKey, "api-key", os.Getenv("API_KEY"), "Bearer token for the server")
	root.PersistentFlags().StringVar(&g.owner, "owner", os.Getenv("RELEVANCE_OWNER"), "Owner (tenant) id")
	root.PersistentFlags().BoolVar(&g.json, "json", false, "Print raw JSON")

	root.AddCommand(
		newIngestCmd(g),
		newRetrieveCmd(g),
		newCompactCmd(g),
		newClassifyCmd(g),
		newPatternsCmd(g),
	)
	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// truncate shortens s to maxLen runes, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-3]) + "..."
}
