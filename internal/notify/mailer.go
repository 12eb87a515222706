package notify

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/wolfman30/carebook/pkg/logging"
)

// Template names understood by the Mailer.
const (
	TemplateBookingConfirmation = "booking_confirmation"
	TemplateBookingCancelled    = "booking_cancelled"
	TemplateBookingReminder     = "booking_reminder"
	TemplateThankYou            = "thank_you"
	TemplateFollowUp            = "follow_up"
	TemplatePaymentReceipt      = "payment_receipt"
	TemplatePaymentFailed       = "payment_failed"
	TemplateInvoiceSent         = "invoice_sent"
	TemplateRefundProcessed     = "refund_processed"
)

// Notification is a request to email a client using a named template.
type Notification struct {
	To       string
	ToName   string
	Template string
	Data     map[string]any
}

// Port is the outbound notification boundary.
type Port interface {
	Send(ctx context.Context, n Notification) error
}

type emailTemplate struct {
	subject *template.Template
	text    *template.Template
}

var templateSources = map[string][2]string{
	TemplateBookingConfirmation: {
		"Your {{.Service}} appointment is confirmed",
		`Hi {{.ClientName}},

Your {{.Service}} appointment is booked for {{.ScheduledAt}}.
You will receive a reminder a few hours before it starts.
`,
	},
	TemplateBookingCancelled: {
		"Your {{.Service}} appointment was cancelled",
		`Hi {{.ClientName}},

Your {{.Service}} appointment scheduled for {{.ScheduledAt}} has been cancelled.
{{if .Reason}}Reason: {{.Reason}}
{{end}}`,
	},
	TemplateBookingReminder: {
		"Reminder: {{.Service}} at {{.ScheduledAt}}",
		`Hi {{.ClientName}},

This is a reminder that your {{.Service}} appointment starts at {{.ScheduledAt}}.
`,
	},
	TemplateThankYou: {
		"Thank you for your {{.Service}} session",
		`Hi {{.ClientName}},

Thank you for attending your {{.Service}} session. We hope it was helpful.
`,
	},
	TemplateFollowUp: {
		"How are you feeling after your {{.Service}} session?",
		`Hi {{.ClientName}},

It has been a couple of days since your {{.Service}} session.
Reply to this email if you would like to book a follow-up.
`,
	},
	TemplatePaymentReceipt: {
		"Payment received: {{.Amount}} {{.Currency}}",
		`Hi {{.ClientName}},

We received your payment of {{.Amount}} {{.Currency}}.
Reference: {{.Reference}}
`,
	},
	TemplatePaymentFailed: {
		"Your payment could not be completed",
		`Hi {{.ClientName}},

Your payment of {{.Amount}} {{.Currency}} (reference {{.Reference}}) did not go through.
{{if .Reason}}The provider reported: {{.Reason}}
{{end}}You can retry from your booking page.
`,
	},
	TemplateInvoiceSent: {
		"Invoice {{.InvoiceNumber}}",
		`Hi {{.ClientName}},

Invoice {{.InvoiceNumber}} for {{.Total}} {{.Currency}} is ready. It is due on {{.DueAt}}.
{{if .Link}}View it at {{.Link}}
{{end}}`,
	},
	TemplateRefundProcessed: {
		"Refund processed: {{.Amount}} {{.Currency}}",
		`Hi {{.ClientName}},

A refund of {{.Amount}} {{.Currency}} for payment {{.Reference}} has been processed.
`,
	},
}

// Mailer renders named templates and delivers them through an EmailSender.
type Mailer struct {
	sender    EmailSender
	templates map[string]emailTemplate
	logger    *logging.Logger
}

func NewMailer(sender EmailSender, logger *logging.Logger) (*Mailer, error) {
	if sender == nil {
		return nil, fmt.Errorf("notify: email sender required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	templates := make(map[string]emailTemplate, len(templateSources))
	for name, src := range templateSources {
		subject, err := template.New(name + ".subject").Option("missingkey=error").Parse(src[0])
		if err != nil {
			return nil, fmt.Errorf("notify: parse %s subject: %w", name, err)
		}
		text, err := template.New(name + ".text").Option("missingkey=error").Parse(src[1])
		if err != nil {
			return nil, fmt.Errorf("notify: parse %s body: %w", name, err)
		}
		templates[name] = emailTemplate{subject: subject, text: text}
	}
	return &Mailer{sender: sender, templates: templates, logger: logger}, nil
}

// Send renders n and hands it to the EmailSender.
func (m *Mailer) Send(ctx context.Context, n Notification) error {
	if strings.TrimSpace(n.To) == "" {
		return fmt.Errorf("notify: recipient required")
	}
	msg, err := m.Render(n)
	if err != nil {
		return err
	}
	if err := m.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("notify: send %s: %w", n.Template, err)
	}
	return nil
}

// Render produces the email for n without sending it.
func (m *Mailer) Render(n Notification) (EmailMessage, error) {
	tmpl, ok := m.templates[n.Template]
	if !ok {
		return EmailMessage{}, fmt.Errorf("notify: unknown template %q", n.Template)
	}
	var subject, text bytes.Buffer
	if err := tmpl.subject.Execute(&subject, n.Data); err != nil {
		return EmailMessage{}, fmt.Errorf("notify: render %s subject: %w", n.Template, err)
	}
	if err := tmpl.text.Execute(&text, n.Data); err != nil {
		return EmailMessage{}, fmt.Errorf("notify: render %s body: %w", n.Template, err)
	}
	return EmailMessage{
		To:      n.To,
		ToName:  n.ToName,
		Subject: strings.TrimSpace(subject.String()),
		Text:    text.String(),
		Tag:     n.Template,
	}, nil
}

// Dispatch sends n and logs failures. Notifications are fire-and-forget: the
// caller's state change has already committed and is never rolled back.
func Dispatch(ctx context.Context, port Port, logger *logging.Logger, n Notification) bool {
	if port == nil {
		return false
	}
	if logger == nil {
		logger = logging.Default()
	}
	if err := port.Send(ctx, n); err != nil {
		logger.FromContext(ctx).Warn("notification failed", "template", n.Template, "error", err)
		return false
	}
	return true
}

// FormatTime renders t in the client's IANA timezone, falling back to UTC.
func FormatTime(t time.Time, tz string) string {
	loc := time.UTC
	if tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	return t.In(loc).Format("Mon 2 Jan 2006, 15:04 MST")
}

var _ Port = (*Mailer)(nil)
