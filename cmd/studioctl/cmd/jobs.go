package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/austindbirch/stagehand/internal/queue"
)

type enqueued struct {
	JobID string     `json:"jobId"`
	Queue queue.Name `json:"queue"`
}

func printEnqueued(cmd *cobra.Command, data []byte, res enqueued) {
	w := cmd.OutOrStdout()
	if outputJSON {
		printJSON(w, data)
		return
	}
	fmt.Fprintf(w, "Enqueued %s on %s\n", res.JobID, res.Queue)
}

// reminderCmd represents the reminder command
var reminderCmd = &cobra.Command{
	Use:   "reminder",
	Short: "Enqueue invoice reminders",
}

var reminderEnqueueCmd = &cobra.Command{
	Use:   "enqueue [invoice-id]",
	Short: "Enqueue an invoice reminder",
	Long: `Enqueue a reminder for an invoice. Enqueuing the same invoice and type
again while the first is still pending returns the same job id.

Example:
  studioctl reminder enqueue inv_1 --type overdue --org org_1`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		org, err := requireOrg()
		if err != nil {
			return err
		}
		reminderType, _ := cmd.Flags().GetString("type")

		var res enqueued
		data, err := apiJSON(cmd.Context(), http.MethodPost, "/reminders", map[string]any{
			"invoiceId":      args[0],
			"organizationId": org,
			"reminderType":   reminderType,
		}, &res)
		if err != nil {
			return fmt.Errorf("failed to enqueue reminder: %w", err)
		}
		printEnqueued(cmd, data, res)
		return nil
	},
}

// mediaCmd represents the media command
var mediaCmd = &cobra.Command{
	Use:   "media",
	Short: "Enqueue media processing jobs",
}

var mediaEnqueueCmd = &cobra.Command{
	Use:   "enqueue [asset-id]",
	Short: "Enqueue a media job",
	Long: `Enqueue a media processing job for an asset.

Example:
  studioctl media enqueue asset_1 --source-url s3://bucket/raw.mov --operation thumbnail`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, _ := cmd.Flags().GetString("source-url")
		op, _ := cmd.Flags().GetString("operation")

		var res enqueued
		data, err := apiJSON(cmd.Context(), http.MethodPost, "/media-jobs", map[string]any{
			"assetId":   args[0],
			"sourceUrl": source,
			"operation": op,
		}, &res)
		if err != nil {
			return fmt.Errorf("failed to enqueue media job: %w", err)
		}
		printEnqueued(cmd, data, res)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reminderCmd)
	reminderCmd.AddCommand(reminderEnqueueCmd)
	reminderEnqueueCmd.Flags().String("type", string(queue.ReminderUpcomingDue), "reminder type (upcoming_due or overdue)")

	rootCmd.AddCommand(mediaCmd)
	mediaCmd.AddCommand(mediaEnqueueCmd)
	mediaEnqueueCmd.Flags().String("source-url", "", "location of the source asset")
	mediaEnqueueCmd.Flags().String("operation", string(queue.MediaMetadata), "operation (metadata, thumbnail or proxy)")
}
