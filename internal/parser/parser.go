// Package parser turns raw RFC 5322 messages into structured fields: address
// lists, decoded subject, text and HTML bodies, and a typed header map.
package parser

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// ErrMalformed marks messages that could not be parsed at all.
var ErrMalformed = errors.New("malformed message")

// addressHeaders are parsed into address lists rather than kept as text.
var addressHeaders = map[string]bool{
	"from":          true,
	"to":            true,
	"cc":            true,
	"bcc":           true,
	"reply-to":      true,
	"sender":        true,
	"delivered-to":  true,
	"resent-from":   true,
	"resent-to":     true,
	"resent-cc":     true,
	"resent-bcc":    true,
	"resent-sender": true,
}

// paramHeaders are parsed into a value plus MIME parameters.
var paramHeaders = map[string]bool{
	"content-type":        true,
	"content-disposition": true,
}

// Message is a parsed email message.
type Message struct {
	// Address lists are nil when the header is absent.
	From    []Address
	To      []Address
	Cc      []Address
	Bcc     []Address
	ReplyTo []Address

	Subject string

	// Text and HTML hold the first inline part of each type.
	Text string
	HTML string

	Attachments []Attachment

	// Headers is keyed by lower-cased field name. Repeated fields are
	// collected into a List.
	Headers map[string]HeaderValue
}

// Attachment describes an attachment part. The content itself is not kept.
type Attachment struct {
	Filename    string
	ContentType string
	Size        int
}

// Parse reads a full message from r. Errors that prevent reading the header
// block or walking the MIME tree wrap ErrMalformed.
func Parse(r io.Reader) (*Message, error) {
	mr, err := mail.CreateReader(r)
	if mr == nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err != nil {
		slog.Warn("message uses an unknown charset or encoding", "error", err)
	}
	defer mr.Close()

	msg := &Message{
		From:    addressList(mr.Header, "From"),
		To:      addressList(mr.Header, "To"),
		Cc:      addressList(mr.Header, "Cc"),
		Bcc:     addressList(mr.Header, "Bcc"),
		ReplyTo: addressList(mr.Header, "Reply-To"),
		Headers: parseHeaders(mr.Header),
	}

	subject, err := mr.Header.Subject()
	if err != nil {
		subject = mr.Header.Get("Subject")
	}
	msg.Subject = subject

	if err := readParts(mr, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// readParts walks every leaf part, keeping the first text/plain and text/html
// inline bodies and recording attachment metadata.
func readParts(mr *mail.Reader, msg *Message) error {
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return nil
		}
		if p == nil {
			return fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		if err != nil {
			slog.Warn("message part uses an unknown charset or encoding", "error", err)
		}

		body, err := io.ReadAll(p.Body)
		if err != nil {
			slog.Warn("failed to read message part, skipping", "error", err)
			continue
		}

		switch h := p.Header.(type) {
		case *mail.InlineHeader:
			mediaType, _, err := h.ContentType()
			if err != nil || mediaType == "" {
				mediaType = "text/plain"
			}
			switch mediaType {
			case "text/plain":
				if msg.Text == "" {
					msg.Text = string(body)
				}
			case "text/html":
				if msg.HTML == "" {
					msg.HTML = string(body)
				}
			default:
				slog.Debug("skipping inline part", "content_type", mediaType)
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			mediaType, _, _ := h.ContentType()
			msg.Attachments = append(msg.Attachments, Attachment{
				Filename:    filename,
				ContentType: mediaType,
				Size:        len(body),
			})
		}
	}
}

// addressList parses an address header. Nil means the header is absent.
// Entries that carry no usable address are dropped.
func addressList(h mail.Header, key string) []Address {
	if !h.Has(key) {
		return nil
	}

	list, err := h.AddressList(key)
	if err != nil {
		return fallbackAddressList(h.Get(key))
	}

	out := make([]Address, 0, len(list))
	for _, a := range list {
		if a == nil || strings.TrimSpace(a.Address) == "" {
			continue
		}
		out = append(out, Address{Name: a.Name, Address: a.Address})
	}
	return out
}

// fallbackAddressList salvages what it can from a list that is not valid
// RFC 5322, parsing each comma-separated entry on its own.
func fallbackAddressList(raw string) []Address {
	out := make([]Address, 0)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if a, err := mail.ParseAddress(part); err == nil && a.Address != "" {
			out = append(out, Address{Name: a.Name, Address: a.Address})
			continue
		}
		if bare := strings.Trim(part, "<> \t\""); strings.Contains(bare, "@") {
			out = append(out, Address{Address: bare})
		}
	}
	return out
}

// parseHeaders builds the typed header map.
func parseHeaders(h mail.Header) map[string]HeaderValue {
	collected := make(map[string][]HeaderValue)
	var order []string

	fields := h.Fields()
	for fields.Next() {
		key := strings.ToLower(fields.Key())
		if _, seen := collected[key]; !seen {
			order = append(order, key)
		}
		collected[key] = append(collected[key], headerValue(key, fields))
	}

	out := make(map[string]HeaderValue, len(order))
	for _, key := range order {
		values := collected[key]
		if len(values) == 1 {
			out[key] = values[0]
		} else {
			out[key] = List(values)
		}
	}
	return out
}

func headerValue(key string, field message.HeaderFields) HeaderValue {
	text, err := field.Text()
	if err != nil {
		text = field.Value()
	}

	switch {
	case addressHeaders[key]:
		list, err := mail.ParseAddressList(field.Value())
		if err != nil {
			return Text(text)
		}
		out := make(List, 0, len(list))
		for _, a := range list {
			out = append(out, Address{Name: a.Name, Address: a.Address})
		}
		return out
	case paramHeaders[key]:
		value, params, err := mime.ParseMediaType(field.Value())
		if err != nil {
			return Text(text)
		}
		return Params{Value: value, Params: params}
	default:
		return Text(text)
	}
}
