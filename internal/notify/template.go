package notify

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"text/template"
)

// ErrUnknownTemplate is returned by Render for an unregistered template name.
var ErrUnknownTemplate = errors.New("unknown notification template")

// Message is a rendered notification.
type Message struct {
	Subject string
	Body    string
}

type messageTemplate struct {
	subject *template.Template
	body    *template.Template
}

// Renderer turns a template name and variables into a Message. Missing
// variables render as empty strings.
type Renderer struct {
	templates map[string]messageTemplate
}

var defaultTemplates = map[string][2]string{
	"invoice-issued": {
		"Invoice {{.invoiceNumber}} issued",
		"Your invoice {{.invoiceNumber}} is now issued.",
	},
	"invoice-paid": {
		"Invoice {{.invoiceNumber}} paid",
		"Payment received for invoice {{.invoiceNumber}}.",
	},
	"rental-reserved": {
		"Rental reserved",
		"Your rental reservation has been confirmed.",
	},
	"invoice-reminder-upcoming": {
		"Invoice {{.invoiceNumber}} due soon",
		"Invoice {{.invoiceNumber}} is due on {{.dueAt}}.",
	},
	"invoice-reminder-overdue": {
		"Invoice {{.invoiceNumber}} overdue",
		"Invoice {{.invoiceNumber}} was due on {{.dueAt}} and is now overdue.",
	},
	"booking-confirmed": {
		"Booking confirmed",
		"Your booking {{.bookingTitle}} from {{.startsAt}} to {{.endsAt}} is confirmed.",
	},
}

// NewRenderer parses the built-in templates.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{templates: make(map[string]messageTemplate, len(defaultTemplates))}
	for name, parts := range defaultTemplates {
		if err := r.Register(name, parts[0], parts[1]); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds or replaces a template.
func (r *Renderer) Register(name, subject, body string) error {
	s, err := template.New(name + ".subject").Option("missingkey=zero").Parse(subject)
	if err != nil {
		return fmt.Errorf("parse %s subject: %w", name, err)
	}
	b, err := template.New(name + ".body").Option("missingkey=zero").Parse(body)
	if err != nil {
		return fmt.Errorf("parse %s body: %w", name, err)
	}
	r.templates[name] = messageTemplate{subject: s, body: b}
	return nil
}

func (r *Renderer) Render(name string, vars map[string]string) (Message, error) {
	t, ok := r.templates[name]
	if !ok {
		return Message{}, fmt.Errorf("%w: %s", ErrUnknownTemplate, name)
	}
	if vars == nil {
		vars = map[string]string{}
	}
	var subject, body bytes.Buffer
	if err := t.subject.Execute(&subject, vars); err != nil {
		return Message{}, fmt.Errorf("render %s subject: %w", name, err)
	}
	if err := t.body.Execute(&body, vars); err != nil {
		return Message{}, fmt.Errorf("render %s body: %w", name, err)
	}
	return Message{
		Subject: strings.Join(strings.Fields(subject.String()), " "),
		Body:    body.String(),
	}, nil
}
