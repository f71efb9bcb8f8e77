package ingest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/mailsandbox/internal/email"
	"github.com/shineum/mailsandbox/internal/parser"
	"github.com/shineum/mailsandbox/internal/smtp"
	"github.com/shineum/mailsandbox/internal/store"
)

func TestReceive_StoresParsedMessage(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	recv := NewSMTP(s, nil)

	data := "From: \"Alice\" <a@x.com>\r\n" +
		"To: b@y.com, \"Carol\" <c@y.com>\r\n" +
		"Cc: d@y.com\r\n" +
		"Subject: Hi\r\n" +
		"\r\n" +
		"Hello https://example.com\r\n"

	id, err := recv.Receive(context.Background(), smtp.Envelope{From: "bounce@x.com", To: []string{"b@y.com"}}, []byte(data))
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}

	rec, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Source != email.SourceSMTP {
		t.Errorf("source: got %q", rec.Source)
	}
	if rec.From != "a@x.com" {
		t.Errorf("from: got %q, want a@x.com", rec.From)
	}
	if got := strings.Join(rec.To, ","); got != "b@y.com,c@y.com" {
		t.Errorf("to: got %q", got)
	}
	if len(rec.Cc) != 1 || rec.Cc[0] != "d@y.com" {
		t.Errorf("cc: got %v", rec.Cc)
	}
	if rec.Text == nil || strings.TrimSpace(*rec.Text) != "Hello https://example.com" {
		t.Errorf("text: got %v", rec.Text)
	}
	if rec.HTML != nil {
		t.Errorf("html: got %q, want absent", *rec.HTML)
	}
	if !strings.Contains(rec.Raw.MIME, `<a href="https://example.com">`) {
		t.Errorf("raw mime: got %q, want linkified text", rec.Raw.MIME)
	}
	if rec.Raw.Headers["subject"] != "Hi" {
		t.Errorf("raw subject header: got %q", rec.Raw.Headers["subject"])
	}
	if !strings.Contains(rec.Raw.Headers["from"], "a@x.com") {
		t.Errorf("raw from header: got %q", rec.Raw.Headers["from"])
	}
}

func TestReceive_MalformedMessage(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	recv := NewSMTP(s, nil)

	_, err := recv.Receive(context.Background(), smtp.Envelope{To: []string{"b@y.com"}},
		[]byte("this is not a header line\r\n\r\nbody\r\n"))
	if !errors.Is(err, parser.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if n, _ := s.Len(context.Background()); n != 0 {
		t.Errorf("store size: got %d, want 0", n)
	}
}

func TestReceive_StoreFailure(t *testing.T) {
	t.Parallel()

	s := store.New(store.Options{})
	s.Close()

	_, err := NewSMTP(s, nil).Receive(context.Background(), smtp.Envelope{},
		[]byte("Subject: Hi\r\n\r\nHello\r\n"))
	if !errors.Is(err, store.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if errors.Is(err, parser.ErrMalformed) {
		t.Error("store failure must not read as a malformed message")
	}
}

func TestNormalize(t *testing.T) {
	t.Parallel()

	env := smtp.Envelope{From: "bounce@x.com", To: []string{"rcpt1@y.com", "rcpt2@y.com"}}

	tests := []struct {
		name        string
		msg         *parser.Message
		wantFrom    string
		wantTo      string
		wantSubject string
	}{
		{
			name:        "all headers present",
			msg:         &parser.Message{From: []parser.Address{{Address: "a@x.com"}}, To: []parser.Address{{Name: "B", Address: "b@y.com"}}, Subject: "Hi"},
			wantFrom:    "a@x.com",
			wantTo:      "b@y.com",
			wantSubject: "Hi",
		},
		{
			name:        "missing from uses placeholder",
			msg:         &parser.Message{To: []parser.Address{{Address: "b@y.com"}}, Subject: "Hi"},
			wantFrom:    PlaceholderFrom,
			wantTo:      "b@y.com",
			wantSubject: "Hi",
		},
		{
			name:        "missing to falls back to envelope",
			msg:         &parser.Message{From: []parser.Address{{Address: "a@x.com"}}, Subject: "Hi"},
			wantFrom:    "a@x.com",
			wantTo:      "rcpt1@y.com,rcpt2@y.com",
			wantSubject: "Hi",
		},
		{
			name:        "blank addresses fall back",
			msg:         &parser.Message{From: []parser.Address{{Name: "Nobody"}}, To: []parser.Address{{Address: " "}}, Subject: "Hi"},
			wantFrom:    PlaceholderFrom,
			wantTo:      "rcpt1@y.com,rcpt2@y.com",
			wantSubject: "Hi",
		},
		{
			name:        "missing subject uses placeholder",
			msg:         &parser.Message{From: []parser.Address{{Address: "a@x.com"}}, To: []parser.Address{{Address: "b@y.com"}}},
			wantFrom:    "a@x.com",
			wantTo:      "b@y.com",
			wantSubject: PlaceholderSubject,
		},
		{
			name:        "whitespace subject uses placeholder",
			msg:         &parser.Message{To: []parser.Address{{Address: "b@y.com"}}, Subject: "   "},
			wantFrom:    PlaceholderFrom,
			wantTo:      "b@y.com",
			wantSubject: PlaceholderSubject,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			rec := Normalize(tt.msg, env)
			if rec.From != tt.wantFrom {
				t.Errorf("from: got %q, want %q", rec.From, tt.wantFrom)
			}
			if got := strings.Join(rec.To, ","); got != tt.wantTo {
				t.Errorf("to: got %q, want %q", got, tt.wantTo)
			}
			if rec.Subject != tt.wantSubject {
				t.Errorf("subject: got %q, want %q", rec.Subject, tt.wantSubject)
			}
			if rec.Source != email.SourceSMTP {
				t.Errorf("source: got %q", rec.Source)
			}
		})
	}
}

func TestNormalize_EnvelopeNotAliased(t *testing.T) {
	t.Parallel()

	env := smtp.Envelope{To: []string{"rcpt@y.com"}}
	rec := Normalize(&parser.Message{}, env)
	env.To[0] = "changed@y.com"

	if rec.To[0] != "rcpt@y.com" {
		t.Errorf("to: got %q, record must not share the envelope slice", rec.To[0])
	}
}

func TestNormalize_Bodies(t *testing.T) {
	t.Parallel()

	rec := Normalize(&parser.Message{Text: "line one\nline two", HTML: "<p>hi</p>"}, smtp.Envelope{})
	if rec.Text == nil || *rec.Text != "line one\nline two" {
		t.Errorf("text: got %v", rec.Text)
	}
	if rec.HTML == nil || *rec.HTML != "<p>hi</p>" {
		t.Errorf("html: got %v", rec.HTML)
	}
	if rec.Raw.MIME != parser.TextToHTML("line one\nline two") {
		t.Errorf("raw mime: got %q", rec.Raw.MIME)
	}

	empty := Normalize(&parser.Message{}, smtp.Envelope{})
	if empty.Text != nil || empty.HTML != nil {
		t.Errorf("bodies: got text=%v html=%v, want both absent", empty.Text, empty.HTML)
	}
	if empty.Raw.MIME != "" {
		t.Errorf("raw mime: got %q, want empty", empty.Raw.MIME)
	}
}

// TestSMTPDelivery sends a message with a real SMTP client through the
// listener and reads it back from the store.
func TestSMTPDelivery(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	srv := smtp.New(smtp.ServerConfig{
		ListenAddr: "127.0.0.1:0",
		Hostname:   "mailsandbox.test",
		Receiver:   NewSMTP(s, nil),
	})
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-errCh:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})

	c, err := gosmtp.Dial(srv.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Mail("a@x.com", nil); err != nil {
		t.Fatalf("Mail: %v", err)
	}
	if err := c.Rcpt("b@y.com", nil); err != nil {
		t.Fatalf("Rcpt: %v", err)
	}
	w, err := c.Data()
	if err != nil {
		t.Fatalf("Data: %v", err)
	}
	if _, err := w.Write([]byte("From: a@x.com\r\nTo: b@y.com\r\nSubject: Hi\r\n\r\nHello\r\n")); err != nil {
		t.Fatalf("write body: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close body: %v", err)
	}
	if err := c.Quit(); err != nil {
		t.Fatalf("Quit: %v", err)
	}

	list, err := s.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("store size: got %d, want 1", len(list))
	}

	rec := list[0]
	if rec.Source != email.SourceSMTP || rec.From != "a@x.com" || rec.Subject != "Hi" {
		t.Errorf("record: got source=%q from=%q subject=%q", rec.Source, rec.From, rec.Subject)
	}
	if len(rec.To) != 1 || rec.To[0] != "b@y.com" {
		t.Errorf("to: got %v", rec.To)
	}
	if rec.Text == nil || strings.TrimRight(*rec.Text, "\r\n") != "Hello" {
		t.Errorf("text: got %v", rec.Text)
	}
}
