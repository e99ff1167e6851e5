package queue

import (
	"fmt"
	"strings"
)

// Name identifies a queue. It doubles as the NSQ topic name.
type Name string

const (
	Notifications    Name = "notifications"
	InvoiceReminders Name = "invoice-reminders"
	MediaJobs        Name = "media-jobs"
)

const deadLetterSuffix = "-dead-letter"

var primary = []Name{Notifications, InvoiceReminders, MediaJobs}

// Primary lists the queues that carry work, without dead-letter counterparts.
func Primary() []Name {
	out := make([]Name, len(primary))
	copy(out, primary)
	return out
}

// All lists every queue including dead-letter counterparts.
func All() []Name {
	out := make([]Name, 0, 2*len(primary))
	for _, n := range primary {
		out = append(out, n, n.DeadLetter())
	}
	return out
}

// DeadLetter returns the queue's dead-letter counterpart. A dead-letter
// queue is its own counterpart.
func (n Name) DeadLetter() Name {
	if n.IsDeadLetter() {
		return n
	}
	return n + deadLetterSuffix
}

func (n Name) IsDeadLetter() bool {
	return strings.HasSuffix(string(n), deadLetterSuffix)
}

// Source returns the primary queue a dead-letter queue belongs to.
func (n Name) Source() Name {
	return Name(strings.TrimSuffix(string(n), deadLetterSuffix))
}

// Kind is the job id prefix used for deterministic ids on this queue.
func (n Name) Kind() string {
	if n.IsDeadLetter() {
		return "dead-letter"
	}
	switch n {
	case Notifications:
		return "notification"
	case InvoiceReminders:
		return "invoice-reminder"
	case MediaJobs:
		return "media"
	default:
		return string(n)
	}
}

func (n Name) String() string { return string(n) }

// ParseName validates s against the known queues.
func ParseName(s string) (Name, error) {
	for _, n := range All() {
		if string(n) == s {
			return n, nil
		}
	}
	return "", fmt.Errorf("unknown queue %q", s)
}
