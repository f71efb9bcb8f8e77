// Package ingest converts mail received over HTTP or SMTP into stored
// email.Email records.
package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/shineum/mailsandbox/internal/email"
	"github.com/shineum/mailsandbox/internal/metrics"
	"github.com/shineum/mailsandbox/internal/render"
	"github.com/shineum/mailsandbox/internal/store"
)

// Client-facing validation messages.
const (
	MsgMissingFields = "Missing required fields: from, to, subject"
	MsgInvalidJSON   = "Invalid JSON body"
	MsgInvalidTypes  = "Invalid field types: from, subject, text and html must be strings; to, cc, bcc and replyTo must be a string or an array of strings"
)

// ValidationError reports a request the caller must fix. It is never logged
// as a fault.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Addresses is an address field given either as one string or as an array.
type Addresses []string

// UnmarshalJSON implements json.Unmarshaler.
func (a *Addresses) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*a = nil
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*a = Addresses{s}
		return nil
	default:
		var list []string
		if err := json.Unmarshal(b, &list); err != nil {
			return errors.New("expected a string or an array of strings")
		}
		*a = list
		return nil
	}
}

// SendRequest is the body of POST /emails.
type SendRequest struct {
	From    string          `json:"from"`
	To      Addresses       `json:"to"`
	Subject string          `json:"subject"`
	Text    *string         `json:"text"`
	HTML    *string         `json:"html"`
	Cc      Addresses       `json:"cc"`
	Bcc     Addresses       `json:"bcc"`
	ReplyTo Addresses       `json:"replyTo"`
	React   json.RawMessage `json:"react"`
}

// MailAPI ingests mail-send requests.
type MailAPI struct {
	store    store.Store
	renderer render.Renderer
	metrics  *metrics.Metrics
}

// NewMailAPI creates a MailAPI. A nil renderer leaves structured content
// unrendered.
func NewMailAPI(s store.Store, r render.Renderer, m *metrics.Metrics) *MailAPI {
	return &MailAPI{store: s, renderer: r, metrics: m}
}

// Ingest validates and normalizes one request body and stores the result.
// Client mistakes are returned as *ValidationError.
func (a *MailAPI) Ingest(ctx context.Context, body []byte, headers http.Header) (email.Email, error) {
	source := string(email.SourceAPI)

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil || payload == nil {
		a.metrics.Rejected(source, metrics.ReasonInvalid)
		return email.Email{}, &ValidationError{Message: MsgInvalidJSON}
	}

	var req SendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		a.metrics.Rejected(source, metrics.ReasonInvalid)
		return email.Email{}, &ValidationError{Message: MsgInvalidTypes}
	}

	to := cleanAddresses(req.To)
	if strings.TrimSpace(req.From) == "" || len(to) == 0 || strings.TrimSpace(req.Subject) == "" {
		a.metrics.Rejected(source, metrics.ReasonInvalid)
		return email.Email{}, &ValidationError{Message: MsgMissingFields}
	}

	html := req.HTML
	if html == nil && hasContent(req.React) {
		html = a.render(ctx, req.React)
	}

	delete(payload, "react")

	rec, err := a.store.Create(ctx, email.Email{
		Source:  email.SourceAPI,
		From:    req.From,
		To:      to,
		Cc:      cleanAddresses(req.Cc),
		Bcc:     cleanAddresses(req.Bcc),
		ReplyTo: cleanAddresses(req.ReplyTo),
		Subject: req.Subject,
		Text:    req.Text,
		HTML:    html,
		Raw: &email.Raw{
			Request: &email.RawRequest{
				Payload: payload,
				Headers: flattenHTTPHeaders(headers),
			},
		},
	})
	if err != nil {
		a.metrics.Rejected(source, metrics.ReasonInternal)
		return email.Email{}, fmt.Errorf("storing email: %w", err)
	}

	a.metrics.Ingested(source)
	slog.Info("captured email",
		"source", source,
		"id", rec.ID,
		"from", rec.From,
		"to", rec.To,
	)
	return rec, nil
}

// render returns nil when rendering is unavailable or fails.
func (a *MailAPI) render(ctx context.Context, content json.RawMessage) *string {
	if a.renderer == nil {
		return nil
	}
	out, err := a.renderer.Render(ctx, content)
	if err != nil {
		slog.Warn("failed to render react content, storing email without html", "error", err)
		return nil
	}
	return &out
}

func hasContent(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && !bytes.Equal(raw, []byte("null"))
}

// cleanAddresses trims every entry and drops blank ones. It returns nil when
// nothing is left so the field reads as absent.
func cleanAddresses(list Addresses) []string {
	var out []string
	for _, a := range list {
		if a = strings.TrimSpace(a); a != "" {
			out = append(out, a)
		}
	}
	return out
}

func flattenHTTPHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return out
}
