package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/stagehand/internal/apperr"
	"github.com/austindbirch/stagehand/internal/logging"
	"github.com/austindbirch/stagehand/internal/queue"
	"github.com/austindbirch/stagehand/internal/tracing"
)

// Dispatcher delivers notification jobs and classifies their failures as
// transient or permanent.
type Dispatcher struct {
	renderer *Renderer
	channel  Channel
	seen     SeenStore
	logger   *logging.Logger
}

func NewDispatcher(renderer *Renderer, channel Channel, seen SeenStore, logger *logging.Logger) *Dispatcher {
	if seen == nil {
		seen = NewMemorySeenStore()
	}
	return &Dispatcher{renderer: renderer, channel: channel, seen: seen, logger: logger}
}

// Dispatch decodes and delivers a notification job.
func (d *Dispatcher) Dispatch(ctx context.Context, job *queue.Job) error {
	var p queue.NotificationPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return apperr.Permanent(fmt.Errorf("decode notification payload: %w", err))
	}
	return d.Deliver(ctx, p)
}

// Deliver runs a decoded payload through forced failures, rendering and
// the channel. Payloads whose dedupe key was already delivered are skipped.
func (d *Dispatcher) Deliver(ctx context.Context, p queue.NotificationPayload) error {
	ctx, span := tracing.StartSpan(ctx, "notify.dispatch",
		attribute.String("template", p.Template),
		attribute.String("channel", string(p.Channel)),
	)
	defer span.End()

	key := p.Meta.DedupeKey
	if key != "" {
		seen, err := d.seen.Seen(ctx, key)
		if err != nil {
			return apperr.Transient(err)
		}
		if seen {
			tracing.AddSpanEvent(ctx, "notify.already_delivered")
			d.logger.WithContext(ctx).WithField("dedupe_key", key).Debug("notification already delivered, skipping")
			return nil
		}
	}

	switch p.SimulateFailure {
	case queue.FailTransient:
		return apperr.Transientf("simulated transient notification failure")
	case queue.FailPermanent:
		return apperr.Permanentf("simulated permanent notification failure")
	}

	msg, err := d.renderer.Render(p.Template, p.Variables)
	if err != nil {
		return apperr.Permanent(err)
	}

	switch p.Channel {
	case queue.ChannelEmail:
		err = d.channel.SendEmail(ctx, p.RecipientUserID, msg)
	case queue.ChannelPush:
		err = d.channel.SendPush(ctx, p.RecipientUserID, msg)
	default:
		return apperr.Permanentf("unsupported notification channel %q", p.Channel)
	}
	if err != nil {
		tracing.SetSpanError(ctx, err)
		return apperr.Transient(fmt.Errorf("send %s: %w", p.Channel, err))
	}

	if key != "" {
		if err := d.seen.Mark(ctx, key); err != nil {
			// Delivered already; a lost mark only risks one duplicate.
			d.logger.WithContext(ctx).WithField("dedupe_key", key).WithError(err).Warn("failed to record delivered notification")
		}
	}
	return nil
}
