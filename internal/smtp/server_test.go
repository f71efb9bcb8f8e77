package smtp

import (
	"context"
	"strings"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/shineum/mailsandbox/internal/metrics"
)

// startServer binds a server on a random port and serves it until the test ends.
func startServer(t *testing.T, cfg ServerConfig) (*Server, <-chan error) {
	t.Helper()

	cfg.ListenAddr = "127.0.0.1:0"
	srv := New(cfg)
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
	return srv, errCh
}

func TestServer_ClientDelivery(t *testing.T) {
	t.Parallel()

	recv := &mockReceiver{}
	m := metrics.New(nil)
	srv, _ := startServer(t, ServerConfig{Receiver: recv, Metrics: m, MaxMessageSize: 1 << 20})

	c, err := gosmtp.Dial(srv.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	if err := c.Hello("client.test"); err != nil {
		t.Fatalf("Hello: %v", err)
	}
	if ok, _ := c.Extension("AUTH"); ok {
		t.Error("server advertised AUTH")
	}
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
	msg := "From: a@x.com\r\nTo: b@y.com\r\nSubject: Hi\r\n\r\nHello\r\n.leading dot\r\n"
	if _, err := w.Write([]byte(msg)); err != nil {
		t.Fatalf("write body: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close body: %v", err)
	}
	if err := c.Quit(); err != nil {
		t.Fatalf("Quit: %v", err)
	}

	envs, data := recv.received()
	if len(envs) != 1 {
		t.Fatalf("receiver got %d messages, want 1", len(envs))
	}
	if envs[0].From != "a@x.com" || strings.Join(envs[0].To, ",") != "b@y.com" {
		t.Errorf("envelope: got %+v", envs[0])
	}
	if data[0] != msg {
		t.Errorf("data: got %q, want %q", data[0], msg)
	}
	expected := `
# HELP mailsandbox_smtp_connections_total Number of accepted SMTP client connections
# TYPE mailsandbox_smtp_connections_total counter
mailsandbox_smtp_connections_total 1
`
	if err := testutil.GatherAndCompare(m.Registry, strings.NewReader(expected), "mailsandbox_smtp_connections_total"); err != nil {
		t.Error(err)
	}
}

func TestServer_ListenFailsWhenPortTaken(t *testing.T) {
	t.Parallel()

	first, _ := startServer(t, ServerConfig{Receiver: &mockReceiver{}})

	second := New(ServerConfig{ListenAddr: first.Addr(), Receiver: &mockReceiver{}})
	if err := second.Listen(); err == nil {
		t.Fatal("expected bind error for an address already in use")
	}
}

func TestServer_ShutdownReturnsNil(t *testing.T) {
	t.Parallel()

	srv := New(ServerConfig{ListenAddr: "127.0.0.1:0", Receiver: &mockReceiver{}})
	if err := srv.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	// An idle client must not hold up shutdown.
	c, err := gosmtp.Dial(srv.Addr())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Serve: got %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestServer_AddrBeforeListen(t *testing.T) {
	t.Parallel()

	if got := New(ServerConfig{}).Addr(); got != "" {
		t.Errorf("Addr before Listen: got %q, want empty", got)
	}
}
