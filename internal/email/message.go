// Package email defines the canonical captured-mail record shared by every
// ingestion path, the store, and the query API.
package email

import "maps"

// Source identifies which ingestion path produced a record.
type Source string

const (
	// SourceAPI tags mail received on the Resend-compatible HTTP endpoint.
	SourceAPI Source = "resend"
	// SourceSMTP tags mail received by the SMTP listener.
	SourceSMTP Source = "smtp"
)

// Email is a normalized captured message.
//
// ID and CreatedAt are assigned by the store. Optional address lists are nil
// when the sender omitted them; Text and HTML are nil when absent.
type Email struct {
	ID        string   `json:"id"`
	Source    Source   `json:"source"`
	From      string   `json:"from"`
	To        []string `json:"to"`
	Cc        []string `json:"cc,omitempty"`
	Bcc       []string `json:"bcc,omitempty"`
	ReplyTo   []string `json:"replyTo,omitempty"`
	Subject   string   `json:"subject"`
	Text      *string  `json:"text,omitempty"`
	HTML      *string  `json:"html,omitempty"`
	CreatedAt int64    `json:"createdAt"`
	Raw       *Raw     `json:"raw,omitempty"`
}

// Raw carries diagnostic data about how a record was received.
type Raw struct {
	// Headers is the flattened MIME header map (SMTP only).
	Headers map[string]string `json:"headers,omitempty"`
	// MIME is the text-as-HTML rendition of the text body (SMTP only).
	MIME string `json:"mime,omitempty"`
	// Request is the original HTTP request (API only).
	Request *RawRequest `json:"request,omitempty"`
}

// RawRequest is the captured mail-send request.
type RawRequest struct {
	Payload map[string]any    `json:"payload,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Clone returns a deep copy of e so callers can never alias stored data.
func (e Email) Clone() Email {
	c := e
	c.To = cloneStrings(e.To)
	c.Cc = cloneStrings(e.Cc)
	c.Bcc = cloneStrings(e.Bcc)
	c.ReplyTo = cloneStrings(e.ReplyTo)
	if e.Text != nil {
		t := *e.Text
		c.Text = &t
	}
	if e.HTML != nil {
		h := *e.HTML
		c.HTML = &h
	}
	if e.Raw != nil {
		r := *e.Raw
		r.Headers = maps.Clone(e.Raw.Headers)
		if e.Raw.Request != nil {
			req := *e.Raw.Request
			req.Payload = clonePayload(e.Raw.Request.Payload)
			req.Headers = maps.Clone(e.Raw.Request.Headers)
			r.Request = &req
		}
		c.Raw = &r
	}
	return c
}

// StringPtr returns a pointer to s, for building optional body fields.
func StringPtr(s string) *string {
	return &s
}

// clonePayload copies a decoded JSON object, including every nested object
// and array.
func clonePayload(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneJSONValue(v)
	}
	return out
}

func cloneJSONValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		return clonePayload(v)
	case []any:
		if v == nil {
			return v
		}
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneJSONValue(item)
		}
		return out
	default:
		return v
	}
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}
