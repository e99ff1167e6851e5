package notify

import (
	"context"

	"github.com/austindbirch/stagehand/internal/logging"
)

// Channel delivers a rendered message to a user.
type Channel interface {
	SendEmail(ctx context.Context, recipientUserID string, msg Message) error
	SendPush(ctx context.Context, recipientUserID string, msg Message) error
}

// LogChannel records deliveries in the structured log instead of calling a
// mail or push provider.
type LogChannel struct {
	logger *logging.Logger
}

func NewLogChannel(logger *logging.Logger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (c *LogChannel) SendEmail(ctx context.Context, recipientUserID string, msg Message) error {
	c.logger.WithContext(ctx).WithFields(map[string]any{
		"channel":   "email",
		"recipient": recipientUserID,
		"subject":   msg.Subject,
	}).Info("email notification sent")
	return nil
}

func (c *LogChannel) SendPush(ctx context.Context, recipientUserID string, msg Message) error {
	c.logger.WithContext(ctx).WithFields(map[string]any{
		"channel":   "push",
		"recipient": recipientUserID,
		"subject":   msg.Subject,
	}).Info("push notification stub")
	return nil
}
