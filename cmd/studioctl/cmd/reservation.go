package cmd

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/austindbirch/stagehand/internal/reservation"
)

const listTimeFormat = "2006-01-02 15:04"

func orgQuery(path string) (string, error) {
	org, err := requireOrg()
	if err != nil {
		return "", err
	}
	if org == "" {
		return path, nil
	}
	return path + "?" + url.Values{"organizationId": {org}}.Encode(), nil
}

// bookingCmd represents the booking command
var bookingCmd = &cobra.Command{
	Use:   "booking",
	Short: "Inspect studio bookings",
}

var bookingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List bookings for an organization",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := orgQuery("/bookings")
		if err != nil {
			return err
		}
		var bookings []reservation.Booking
		data, err := apiJSON(cmd.Context(), http.MethodGet, path, nil, &bookings)
		if err != nil {
			return fmt.Errorf("failed to list bookings: %w", err)
		}

		w := cmd.OutOrStdout()
		if outputJSON {
			printJSON(w, data)
			return nil
		}
		if len(bookings) == 0 {
			fmt.Fprintln(w, "No bookings found")
			return nil
		}
		for _, b := range bookings {
			fmt.Fprintf(w, "%s  %-10s %s -> %s  %s\n", b.ID, b.Status,
				b.StartsAt.Format(listTimeFormat), b.EndsAt.Format(listTimeFormat), b.Title)
		}
		return nil
	},
}

// rentalCmd represents the rental command
var rentalCmd = &cobra.Command{
	Use:   "rental",
	Short: "Inspect rental orders",
}

var rentalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List rental orders for an organization",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := orgQuery("/rentals")
		if err != nil {
			return err
		}
		var orders []reservation.RentalOrder
		data, err := apiJSON(cmd.Context(), http.MethodGet, path, nil, &orders)
		if err != nil {
			return fmt.Errorf("failed to list rentals: %w", err)
		}

		w := cmd.OutOrStdout()
		if outputJSON {
			printJSON(w, data)
			return nil
		}
		if len(orders) == 0 {
			fmt.Fprintln(w, "No rental orders found")
			return nil
		}
		for _, o := range orders {
			fmt.Fprintf(w, "%s  %-10s %s -> %s  item %s\n", o.ID, o.Status,
				o.StartsAt.Format(listTimeFormat), o.EndsAt.Format(listTimeFormat), o.InventoryItemID)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(bookingCmd)
	bookingCmd.AddCommand(bookingListCmd)
	rootCmd.AddCommand(rentalCmd)
	rentalCmd.AddCommand(rentalListCmd)
}
