package ingest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shineum/mailsandbox/internal/email"
	"github.com/shineum/mailsandbox/internal/metrics"
	"github.com/shineum/mailsandbox/internal/parser"
	"github.com/shineum/mailsandbox/internal/smtp"
	"github.com/shineum/mailsandbox/internal/store"
)

// Substitutes for missing header fields. A message is never refused for
// lacking them.
const (
	PlaceholderFrom    = "unknown@mailsandbox.local"
	PlaceholderSubject = "(no subject)"
)

// SMTP ingests messages delivered to the SMTP listener. It implements
// smtp.Receiver.
type SMTP struct {
	store   store.Store
	metrics *metrics.Metrics
}

// NewSMTP creates an SMTP ingester.
func NewSMTP(s store.Store, m *metrics.Metrics) *SMTP {
	return &SMTP{store: s, metrics: m}
}

// Receive parses one DATA payload, normalizes it and stores the result.
// It returns the id of the stored record. Parse failures wrap
// parser.ErrMalformed.
func (s *SMTP) Receive(ctx context.Context, env smtp.Envelope, data []byte) (string, error) {
	source := string(email.SourceSMTP)

	msg, err := parser.Parse(bytes.NewReader(data))
	if err != nil {
		s.metrics.Rejected(source, metrics.ReasonMalformed)
		return "", err
	}

	rec, err := s.store.Create(ctx, Normalize(msg, env))
	if err != nil {
		s.metrics.Rejected(source, metrics.ReasonInternal)
		return "", fmt.Errorf("storing email: %w", err)
	}

	s.metrics.Ingested(source)
	slog.Info("captured email",
		"source", source,
		"id", rec.ID,
		"from", rec.From,
		"to", rec.To,
		"envelope_from", env.From,
	)
	return rec.ID, nil
}

// Normalize converts a parsed message into a record ready for the store.
// The To header falls back to the envelope recipients when it yields no
// address.
func Normalize(msg *parser.Message, env smtp.Envelope) email.Email {
	rec := email.Email{
		Source:  email.SourceSMTP,
		From:    PlaceholderFrom,
		To:      bareAddresses(msg.To),
		Cc:      bareAddresses(msg.Cc),
		Bcc:     bareAddresses(msg.Bcc),
		ReplyTo: bareAddresses(msg.ReplyTo),
		Subject: msg.Subject,
		Raw: &email.Raw{
			Headers: parser.FlattenAll(msg.Headers),
		},
	}

	if from := bareAddresses(msg.From); len(from) > 0 {
		rec.From = from[0]
	}
	if len(rec.To) == 0 {
		rec.To = append([]string{}, env.To...)
	}
	if strings.TrimSpace(rec.Subject) == "" {
		rec.Subject = PlaceholderSubject
	}
	if msg.Text != "" {
		rec.Text = email.StringPtr(msg.Text)
		rec.Raw.MIME = parser.TextToHTML(msg.Text)
	}
	if msg.HTML != "" {
		rec.HTML = email.StringPtr(msg.HTML)
	}
	return rec
}

// bareAddresses keeps the address of every entry in order. It returns nil
// when nothing usable remains, so an empty header reads as absent.
func bareAddresses(list []parser.Address) []string {
	var out []string
	for _, a := range list {
		if addr := strings.TrimSpace(a.Address); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
