package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/austindbirch/stagehand/internal/delivery"
)

// dlqCmd represents the dlq command
var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered jobs",
	Long:  `List dead-lettered jobs and send them back to the queue they failed on.`,
}

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered jobs",
	Long: `List dead-lettered jobs, newest first.

Example:
  studioctl dlq list --queue notifications-dead-letter --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if name, _ := cmd.Flags().GetString("queue"); name != "" {
			q.Set("queue", name)
		}
		if all, _ := cmd.Flags().GetBool("include-replayed"); all {
			q.Set("includeReplayed", "true")
		}
		if limit, _ := cmd.Flags().GetInt("limit"); limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		path := "/dead-letters"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var records []delivery.Record
		data, err := apiJSON(cmd.Context(), http.MethodGet, path, nil, &records)
		if err != nil {
			return fmt.Errorf("failed to list dead letters: %w", err)
		}

		w := cmd.OutOrStdout()
		if outputJSON {
			printJSON(w, data)
			return nil
		}
		fmt.Fprintln(w, "Dead letter entries:")
		if len(records) == 0 {
			fmt.Fprintln(w, "  No entries found")
			return nil
		}
		for i, r := range records {
			fmt.Fprintf(w, "\n  Entry %d:\n", i+1)
			fmt.Fprintf(w, "    ID: %s\n", r.ID)
			fmt.Fprintf(w, "    Source Queue: %s\n", r.SourceQueue)
			fmt.Fprintf(w, "    Job ID: %s\n", r.JobID)
			fmt.Fprintf(w, "    Attempts: %d\n", r.AttemptsMade)
			fmt.Fprintf(w, "    Reason: %s\n", r.Reason)
			fmt.Fprintf(w, "    Failed: %s\n", r.FailedAt.Format("2006-01-02 15:04:05"))
			if r.ReplayedAt != nil {
				fmt.Fprintf(w, "    Replayed: %s\n", r.ReplayedAt.Format("2006-01-02 15:04:05"))
			}
		}
		return nil
	},
}

var dlqReplayCmd = &cobra.Command{
	Use:   "replay [dead-letter-id]",
	Short: "Replay a dead-lettered job",
	Long: `Republish a dead-lettered job to its source queue with its original id.

Example:
  studioctl dlq replay dead-letter:notification:payment-received:evt_1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var rec delivery.Record
		data, err := apiJSON(cmd.Context(), http.MethodPost, "/dead-letters/"+url.PathEscape(args[0])+"/replay", nil, &rec)
		if err != nil {
			return fmt.Errorf("failed to replay: %w", err)
		}

		w := cmd.OutOrStdout()
		if outputJSON {
			printJSON(w, data)
			return nil
		}
		fmt.Fprintf(w, "Replayed %s\n", rec.ID)
		fmt.Fprintf(w, "  Job ID: %s\n", rec.JobID)
		fmt.Fprintf(w, "  Queue: %s\n", rec.SourceQueue)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(dlqCmd)
	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqReplayCmd)

	dlqListCmd.Flags().String("queue", "", "filter by dead-letter queue")
	dlqListCmd.Flags().Bool("include-replayed", false, "include entries that were already replayed")
	dlqListCmd.Flags().Int("limit", 0, "maximum number of results")
}
