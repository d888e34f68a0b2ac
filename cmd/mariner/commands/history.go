package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect recorded convergence runs",
	}
	cmd.PersistentFlags().StringVar(&dbPath, "db", "", "run history database path")

	list := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			store, err := openStore(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			records, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}

			if len(records) == 0 {
				fmt.Println("No runs recorded.")
				return nil
			}
			fmt.Printf("%-36s  %-20s  %-9s  %s\n", "RUN", "STARTED", "STATUS", "SUMMARY")
			for _, rec := range records {
				status := "ok"
				if !rec.Success {
					status = "failed"
				}
				fmt.Printf("%-36s  %-20s  %-9s  applied=%d unchanged=%d skipped=%d failed=%d notified=%d\n",
					rec.ID,
					rec.StartedAt.Local().Format("2006-01-02 15:04:05"),
					status,
					rec.Applied, rec.Unchanged, rec.Skipped, rec.Failed, rec.NotificationsFired)
			}
			return nil
		},
	}
	list.Flags().Int("limit", 20, "maximum number of runs to list")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one run with its failures",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			record, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(record)
			}

			fmt.Printf("Run:       %s\n", record.ID)
			fmt.Printf("Started:   %s\n", record.StartedAt.Local().Format(time.RFC3339))
			fmt.Printf("Duration:  %s\n", record.Duration)
			fmt.Printf("Applied:   %d\n", record.Applied)
			fmt.Printf("Unchanged: %d\n", record.Unchanged)
			fmt.Printf("Skipped:   %d\n", record.Skipped)
			fmt.Printf("Failed:    %d\n", record.Failed)
			fmt.Printf("Notified:  %d\n", record.NotificationsFired)
			if len(record.Failures) > 0 {
				fmt.Println("Failures:")
				for _, failure := range record.Failures {
					fmt.Printf("  %s: %s\n", failure.Resource, failure.Reason)
				}
			}
			return nil
		},
	}

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete runs older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")

			store, err := openStore(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			pruned, err := store.PruneRuns(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Printf("Pruned %d runs.\n", pruned)
			return nil
		},
	}
	prune.Flags().Duration("older-than", 30*24*time.Hour, "delete runs older than this")

	cmd.AddCommand(list, show, prune)
	return cmd
}
