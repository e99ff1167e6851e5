package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/stagehand/internal/api"
	"github.com/austindbirch/stagehand/internal/billing"
)

// webhookEvent is the normalized event shape the HMAC providers accept.
type webhookEvent struct {
	EventID        string            `json:"eventId"`
	Type           billing.EventType `json:"type"`
	OrganizationID string            `json:"organizationId"`
	InvoiceID      string            `json:"invoiceId"`
	ProviderRef    string            `json:"providerRef"`
	AmountCents    int64             `json:"amountCents"`
	Currency       string            `json:"currency"`
	OccurredAt     string            `json:"occurredAt"`
}

// webhookCmd represents the webhook command
var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Send signed payment webhooks",
	Long:  `Build, sign and send payment provider webhooks for testing.`,
}

var webhookSendCmd = &cobra.Command{
	Use:   "send [provider]",
	Short: "Send a signed payment webhook",
	Long: `Sign a payment event with the provider's shared secret and post it to
/billing/payments/webhook/{provider}. Sending the same --event-id twice is
answered with status "duplicate".

Examples:
  studioctl webhook send demo --org org_1 --invoice inv_1 --amount 5000
  studioctl webhook send demo --file event.json --secret s3cret`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		provider := args[0]
		flags := cmd.Flags()

		secret, _ := flags.GetString("secret")
		if secret == "" {
			secret = viper.GetString("secrets." + provider)
		}
		if secret == "" {
			return fmt.Errorf("no secret for provider %s (use --secret or config set secrets.%s)", provider, provider)
		}

		var payload []byte
		if file, _ := flags.GetString("file"); file != "" {
			b, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("failed to read payload: %w", err)
			}
			payload = b
		} else {
			ev, err := eventFromFlags(cmd)
			if err != nil {
				return err
			}
			if payload, err = json.Marshal(ev); err != nil {
				return fmt.Errorf("failed to marshal event: %w", err)
			}
		}

		header, _ := flags.GetString("signature-header")
		data, err := apiRequest(cmd.Context(), http.MethodPost,
			"/billing/payments/webhook/"+url.PathEscape(provider), payload,
			map[string]string{header: billing.Sign(secret, payload)})
		if err != nil {
			return fmt.Errorf("failed to send webhook: %w", err)
		}

		w := cmd.OutOrStdout()
		if outputJSON {
			printJSON(w, data)
			return nil
		}
		var res billing.Result
		if err := json.Unmarshal(data, &res); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		fmt.Fprintf(w, "Webhook %s: %s\n", res.EventID, res.Status)
		fmt.Fprintf(w, "  Payment ID: %s\n", res.PaymentID)
		return nil
	},
}

func eventFromFlags(cmd *cobra.Command) (webhookEvent, error) {
	flags := cmd.Flags()
	ev := webhookEvent{OrganizationID: organization}

	eventType, _ := flags.GetString("type")
	ev.Type = billing.EventType(eventType)
	if _, ok := ev.Type.PaymentStatus(); !ok {
		return ev, fmt.Errorf("invalid event type %q", eventType)
	}

	ev.EventID, _ = flags.GetString("event-id")
	if ev.EventID == "" {
		ev.EventID = "evt_" + uuid.NewString()
	}
	ev.InvoiceID, _ = flags.GetString("invoice")
	ev.ProviderRef, _ = flags.GetString("ref")
	if ev.ProviderRef == "" {
		ev.ProviderRef = "ref_" + uuid.NewString()
	}
	ev.AmountCents, _ = flags.GetInt64("amount")
	ev.Currency, _ = flags.GetString("currency")

	occurred, _ := flags.GetString("occurred-at")
	if occurred == "" {
		ev.OccurredAt = time.Now().UTC().Format(time.RFC3339)
	} else {
		if _, err := time.Parse(time.RFC3339, occurred); err != nil {
			return ev, fmt.Errorf("invalid occurred-at (expected RFC3339 format): %w", err)
		}
		ev.OccurredAt = occurred
	}

	if ev.OrganizationID == "" || ev.InvoiceID == "" {
		return ev, fmt.Errorf("--org and --invoice are required")
	}
	if ev.AmountCents < 0 {
		return ev, fmt.Errorf("--amount must be non-negative")
	}
	return ev, nil
}

func init() {
	rootCmd.AddCommand(webhookCmd)
	webhookCmd.AddCommand(webhookSendCmd)

	f := webhookSendCmd.Flags()
	f.String("secret", "", "provider shared secret (default from secrets.<provider> in config)")
	f.String("file", "", "send this payload file verbatim instead of building one")
	f.String("signature-header", api.DefaultSignatureHeader, "header carrying the signature")
	f.String("type", string(billing.EventPaymentSucceeded), "event type")
	f.String("event-id", "", "provider event id (default random)")
	f.String("invoice", "", "invoice id")
	f.String("ref", "", "provider payment reference (default random)")
	f.Int64("amount", 0, "amount in cents")
	f.String("currency", "USD", "currency code")
	f.String("occurred-at", "", "event time (RFC3339, default now)")
}
