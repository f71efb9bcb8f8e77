// Package echo prints captured mail to a terminal as it arrives.
package echo

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/shineum/mailsandbox/internal/email"
	"github.com/shineum/mailsandbox/internal/store"
)

// Store decorates a store.Store and prints every created record.
type Store struct {
	store.Store

	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// Wrap returns a Store that prints to os.Stdout.
func Wrap(s store.Store) *Store {
	return &Store{Store: s, writer: os.Stdout}
}

// WrapWithWriter returns a Store that prints to w.
func WrapWithWriter(s store.Store, w io.Writer) *Store {
	return &Store{Store: s, writer: w}
}

// Create stores e and prints the finalized record. Print failures are ignored.
func (s *Store) Create(ctx context.Context, e email.Email) (email.Email, error) {
	rec, err := s.Store.Create(ctx, e)
	if err != nil {
		return rec, err
	}
	_, _ = fmt.Fprint(s.writer, Format(rec))
	return rec, nil
}

// Format renders rec in a readable block.
func Format(rec email.Email) string {
	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "ID: %s (%s)\n", rec.ID, rec.Source)
	fmt.Fprintf(&b, "Date: %s\n", time.UnixMilli(rec.CreatedAt).UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "From: %s\n", rec.From)
	fmt.Fprintf(&b, "To: %s\n", strings.Join(rec.To, ", "))

	if len(rec.Cc) > 0 {
		fmt.Fprintf(&b, "Cc: %s\n", strings.Join(rec.Cc, ", "))
	}
	if len(rec.Bcc) > 0 {
		fmt.Fprintf(&b, "Bcc: %s\n", strings.Join(rec.Bcc, ", "))
	}
	if len(rec.ReplyTo) > 0 {
		fmt.Fprintf(&b, "Reply-To: %s\n", strings.Join(rec.ReplyTo, ", "))
	}

	fmt.Fprintf(&b, "Subject: %s\n", rec.Subject)

	switch {
	case rec.Text != nil:
		b.WriteString("Body:\n" + *rec.Text + "\n")
	case rec.HTML != nil:
		fmt.Fprintf(&b, "Body: HTML only (%s)\n", formatSize(len(*rec.HTML)))
	default:
		b.WriteString("Body: (empty)\n")
	}

	b.WriteString("========================================\n")
	return b.String()
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
