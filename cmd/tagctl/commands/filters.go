package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/benvon/idea-tagger/internal/models"
	"github.com/benvon/idea-tagger/internal/validation"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// NewFiltersCmd creates the filters command
func NewFiltersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "filters",
		Short: "Manage tag filters",
		Long:  "List tag filters and seed them from a YAML file",
	}

	cmd.AddCommand(newFiltersListCmd())
	cmd.AddCommand(newFiltersImportCmd())

	return cmd
}

func newFiltersListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tag filters",
		RunE: func(cmd *cobra.Command, args []string) error {
			var want *models.FilterStatus
			if status != "" {
				status = strings.ToUpper(status)
				if err := validation.ValidateFilterStatus(status); err != nil {
					return err
				}
				st := models.FilterStatus(status)
				want = &st
			}

			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			filters, err := e.filters.List(cmd.Context(), want)
			if err != nil {
				return fmt.Errorf("list filters: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(filters) == 0 {
				fmt.Fprintln(out, "No tag filters found.")
				return nil
			}
			fmt.Fprintf(out, "%-6s %-11s %-24s %-20s %s\n", "ID", "STATUS", "TAG", "LAST RUN", "SEARCH")
			for _, f := range filters {
				lastRun := "never"
				if f.LastRunAt != nil {
					lastRun = f.LastRunAt.Format("2006-01-02 15:04")
				}
				fmt.Fprintf(out, "%-6d %-11s %-24s %-20s %s\n", f.ID, f.Status, f.TagText, lastRun, f.SearchText)
				if f.Status == models.FilterStatusError && f.LastError != nil {
					fmt.Fprintf(out, "       error: %s\n", *f.LastError)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Only list filters in this status")
	return cmd
}

// filterFile is the seed file layout read by filters import
type filterFile struct {
	Filters []validation.FilterInput `yaml:"filters"`
}

// loadFilterFile decodes and validates every filter in a seed file. The whole
// file is rejected if any entry is invalid.
func loadFilterFile(r io.Reader) ([]validation.FilterInput, error) {
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)

	var file filterFile
	if err := decoder.Decode(&file); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("filter file is empty")
		}
		return nil, fmt.Errorf("parse filter file: %w", err)
	}
	if len(file.Filters) == 0 {
		return nil, errors.New("filter file has no filters")
	}

	for i := range file.Filters {
		if err := validation.ValidateFilter(&file.Filters[i]); err != nil {
			return nil, fmt.Errorf("filter %d (%q): %w", i+1, file.Filters[i].TagText, err)
		}
	}
	return file.Filters, nil
}

func newFiltersImportCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "import <file.yaml>",
		Short: "Create tag filters from a YAML file",
		Long: `Create tag filters from a YAML file of the form:

  filters:
    - tag_text: water
      search_text: water|aqua "clean water"
      start_date: 2024-01-01
      settlement_ids: [12, 14]

Every entry is validated before any filter is created. New filters start in EDITING.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open filter file: %w", err)
			}
			defer func() { _ = f.Close() }()

			inputs, err := loadFilterFile(f)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if dryRun {
				fmt.Fprintf(out, "%d filters are valid; nothing created (dry run).\n", len(inputs))
				return nil
			}

			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			return createFilters(cmd.Context(), e, inputs, out)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate the file without creating filters")
	return cmd
}

func createFilters(ctx context.Context, e *engine, inputs []validation.FilterInput, out io.Writer) error {
	for i := range inputs {
		filter := inputs[i].ToModel()
		if err := e.filters.Create(ctx, filter); err != nil {
			return fmt.Errorf("create filter %q: %w", inputs[i].TagText, err)
		}
		fmt.Fprintf(out, "Created filter %d: %s\n", filter.ID, filter.TagText)
	}
	fmt.Fprintf(out, "%d filters created.\n", len(inputs))
	return nil
}
