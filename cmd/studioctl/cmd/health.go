package cmd

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the Stagehand API",
	Long:  `Check the API's /healthz endpoint, which pings its database, Redis and nsqd.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		data, err := apiRequest(cmd.Context(), http.MethodGet, "/healthz", nil, nil)
		var apiErr *apiError
		switch {
		case errors.As(err, &apiErr):
			data = apiErr.Body
		case err != nil:
			return fmt.Errorf("health check failed: %w", err)
		}

		if outputJSON {
			printJSON(w, data)
		} else if apiErr != nil {
			fmt.Fprintf(w, "✗ Service is unhealthy (HTTP %d)\n", apiErr.Status)
		} else {
			fmt.Fprintln(w, "✓ Service is healthy")
		}
		if apiErr != nil {
			return fmt.Errorf("service unhealthy")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
