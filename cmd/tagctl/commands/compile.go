package commands

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/benvon/idea-tagger/internal/search"
	"github.com/spf13/cobra"
)

// NewCompileCmd creates the compile command
func NewCompileCmd() *cobra.Command {
	var language string
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "compile <keyword>...",
		Short: "Show how a keyword string is compiled",
		Long: `Compile a keyword string without touching the database.

Words are ANDed, "quoted phrases" must appear in order, a|b matches either,
#tag restricts to responses carrying the tag, #null to responses with no tags,
and textsearch: passes the rest through as a raw tsquery.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := search.Compile(strings.Join(args, " "), language)
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(q)
			}
			fmt.Fprintf(out, "Dictionary: %s\n", q.Language)
			fmt.Fprintf(out, "Compiled:   %s\n", q)
			if q.Unconstrained() {
				fmt.Fprintln(out, "Warning: no usable terms; a filter with this search matches nothing")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&language, "language", "en", "Language code or text search configuration")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the compiled query as JSON")
	return cmd
}
