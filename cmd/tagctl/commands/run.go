package commands

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func parseFilterID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid tag filter ID %q", raw)
	}
	return id, nil
}

// NewRunCmd creates the run command
func NewRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <filter-id>",
		Short: "Run a tag filter now, in process",
		Long:  "Queue the filter and apply its tag to every matching response without going through the worker.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseFilterID(args[0])
			if err != nil {
				return err
			}

			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := e.tagger.Run(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("run filter %d: %w", id, err)
			}

			out := cmd.OutOrStdout()
			mode := "incremental"
			if res.FullRun {
				mode = "full"
			}
			fmt.Fprintf(out, "Filter %d ran (%s)\n", res.FilterID, mode)
			fmt.Fprintf(out, "  Action:     %s\n", res.ActionUUID)
			fmt.Fprintf(out, "  Candidates: %d\n", res.Candidates)
			fmt.Fprintf(out, "  Applied:    %d\n", res.AppliedCount)
			fmt.Fprintf(out, "  New tags:   %d\n", res.TagsCreated)
			if res.QueryRejected {
				fmt.Fprintln(out, "  Warning: the search was rejected and matched nothing")
			}
			return nil
		},
	}
}

// NewUndoCmd creates the undo command
func NewUndoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "undo <filter-id>",
		Short: "Remove every tag a filter has applied",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseFilterID(args[0])
			if err != nil {
				return err
			}

			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := e.tagger.Undo(cmd.Context(), id)
			if err != nil {
				return fmt.Errorf("undo filter %d: %w", id, err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Filter %d undone and returned to EDITING\n", id)
			fmt.Fprintf(out, "  Provenance removed: %d\n", res.ProvenanceDeleted)
			fmt.Fprintf(out, "  Tags removed:       %d\n", res.TagsDeleted)
			return nil
		},
	}
}

// NewSweepCmd creates the sweep command
func NewSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run every resting filter now, in process",
		Long:  "Promote every ACTIVE, EDITING and ERROR filter to QUEUED and run them. Refused while another sweep holds the lock or a filter is still queued.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine()
			if err != nil {
				return err
			}
			defer e.Close()

			res, err := e.sweeper.Run(cmd.Context())
			if err != nil {
				return fmt.Errorf("sweep: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Sweep complete\n")
			fmt.Fprintf(out, "  Promoted:  %d\n", res.Promoted)
			fmt.Fprintf(out, "  Succeeded: %d\n", res.Succeeded)
			fmt.Fprintf(out, "  Failed:    %d\n", res.Failed)
			fmt.Fprintf(out, "  Applied:   %d\n", res.Applied)
			if len(res.FailedIDs) > 0 {
				fmt.Fprintf(out, "  Failed filters: %v\n", res.FailedIDs)
			}
			return nil
		},
	}
}
