package smtp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/shineum/mailsandbox/internal/parser"
)

// Session states for the SMTP state machine.
const (
	stateConnected = iota
	stateGreeted
	stateMailFrom
	stateRcptTo
)

// maxCommandLine is the longest command line accepted, CRLF included.
const maxCommandLine = 512

// Session represents a single SMTP client connection and manages the
// SMTP protocol state machine.
type Session struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	state  int
	config ServerConfig

	// Current transaction
	mailFrom string
	rcptTo   []string
}

// NewSession creates a new SMTP session for the given connection.
func NewSession(conn net.Conn, cfg ServerConfig) *Session {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost"
	}
	return &Session{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		state:  stateConnected,
		config: cfg,
	}
}

// Handle runs the SMTP session, processing commands until the client
// disconnects, an I/O error occurs, or ctx is cancelled.
func (s *Session) Handle(ctx context.Context) {
	defer s.conn.Close()

	// Unblock a pending read on shutdown.
	stop := context.AfterFunc(ctx, func() {
		s.conn.Close()
	})
	defer stop()

	s.writeLine("220 %s ESMTP mailsandbox", s.config.Hostname)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := s.extendDeadline(); err != nil {
			slog.Error("failed to set connection deadline", "error", err)
			return
		}

		line, tooLong, err := s.readCommand()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				slog.Debug("connection read error",
					"remote", s.conn.RemoteAddr().String(),
					"error", err,
				)
			}
			return
		}
		if tooLong {
			s.writeLine("500 Line too long")
			continue
		}

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}

		cmd, arg := parseCommand(line)
		if done := s.handleCommand(ctx, cmd, arg); done {
			return
		}
	}
}

// readCommand reads one command line. A line longer than maxCommandLine is
// consumed through its end and reported as too long instead of buffered.
func (s *Session) readCommand() (string, bool, error) {
	var (
		line    []byte
		tooLong bool
	)
	for {
		frag, err := s.reader.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(frag) > maxCommandLine {
				tooLong = true
				line = nil
			} else {
				line = append(line, frag...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return "", false, err
		}
		return string(line), tooLong, nil
	}
}

func (s *Session) extendDeadline() error {
	if s.config.IdleTimeout <= 0 {
		return nil
	}
	return s.conn.SetDeadline(time.Now().Add(s.config.IdleTimeout))
}

// handleCommand processes a single SMTP command and returns true if the session should end.
func (s *Session) handleCommand(ctx context.Context, cmd, arg string) bool {
	switch cmd {
	case "EHLO", "HELO":
		s.handleEHLO(cmd, arg)
	case "STARTTLS":
		s.writeLine("454 TLS not available")
	case "AUTH":
		s.writeLine("502 Authentication not supported")
	case "MAIL":
		s.handleMAIL(arg)
	case "RCPT":
		s.handleRCPT(arg)
	case "DATA":
		s.handleDATA(ctx)
	case "RSET":
		s.resetTransaction()
		s.writeLine("250 OK")
	case "NOOP":
		s.writeLine("250 OK")
	case "VRFY":
		s.writeLine("252 Cannot verify user, but will accept message")
	case "HELP":
		s.writeLine("214 Commands: HELO EHLO MAIL RCPT DATA RSET NOOP VRFY QUIT")
	case "QUIT":
		s.writeLine("221 Bye")
		return true
	default:
		s.writeLine("500 Unrecognized command")
	}
	return false
}

// handleEHLO processes EHLO/HELO commands. Neither AUTH nor STARTTLS is
// ever advertised.
func (s *Session) handleEHLO(cmd, arg string) {
	if arg == "" {
		s.writeLine("501 Syntax: %s hostname", cmd)
		return
	}

	s.resetTransaction()
	s.state = stateGreeted

	if cmd == "HELO" {
		s.writeLine("250 %s Hello %s", s.config.Hostname, arg)
		return
	}

	s.writeLine("250-%s Hello %s", s.config.Hostname, arg)
	s.writeLine("250-8BITMIME")
	s.writeLine("250-PIPELINING")
	if s.config.MaxMessageSize > 0 {
		s.writeLine("250-SIZE %d", s.config.MaxMessageSize)
	}
	s.writeLine("250 OK")
}

// handleMAIL processes the MAIL FROM command. Every sender is accepted,
// including the null sender, and a greeting is not required first.
func (s *Session) handleMAIL(arg string) {
	if s.state >= stateMailFrom {
		s.writeLine("503 Nested MAIL command")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "FROM:") {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	addr, ok := extractAddress(arg[5:])
	if !ok {
		s.writeLine("501 Syntax: MAIL FROM:<address>")
		return
	}

	s.mailFrom = addr
	s.rcptTo = nil
	s.state = stateMailFrom
	s.writeLine("250 OK")
}

// handleRCPT processes the RCPT TO command. Every recipient is accepted.
func (s *Session) handleRCPT(arg string) {
	if s.state < stateMailFrom {
		s.writeLine("503 Send MAIL FROM first")
		return
	}

	upper := strings.ToUpper(arg)
	if !strings.HasPrefix(upper, "TO:") {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	addr, ok := extractAddress(arg[3:])
	if !ok || addr == "" {
		s.writeLine("501 Syntax: RCPT TO:<address>")
		return
	}

	s.rcptTo = append(s.rcptTo, addr)
	s.state = stateRcptTo
	s.writeLine("250 OK")
}

// handleDATA reads the message and hands it to the receiver. A rejection
// applies to this message only; the session stays usable.
func (s *Session) handleDATA(ctx context.Context) {
	if s.state < stateRcptTo {
		s.writeLine("503 Send RCPT TO first")
		return
	}

	s.writeLine("354 Start mail input; end with <CRLF>.<CRLF>")

	data, tooLarge, err := s.readData()
	if err != nil {
		slog.Debug("error reading DATA", "error", err)
		s.resetTransaction()
		return
	}
	defer s.resetTransaction()

	if tooLarge {
		s.writeLine("552 Message size exceeds fixed maximum message size")
		return
	}

	env := Envelope{From: s.mailFrom, To: append([]string(nil), s.rcptTo...)}
	id, err := s.config.Receiver.Receive(ctx, env, data)
	if err != nil {
		if errors.Is(err, parser.ErrMalformed) {
			slog.Warn("rejected malformed message",
				"envelope_from", env.From,
				"error", err,
			)
			s.writeLine("554 Transaction failed: message could not be parsed")
			return
		}
		slog.Error("failed to accept message",
			"envelope_from", env.From,
			"error", err,
		)
		s.writeLine("451 Temporary failure, please try again later")
		return
	}

	s.writeLine("250 OK: queued as %s", id)
}

// readData reads dot-stuffed lines up to the lone "." terminator. Input is
// consumed in reader-sized fragments so a single long line is never held in
// full. Once the size limit is crossed the rest is drained and discarded.
func (s *Session) readData() ([]byte, bool, error) {
	var (
		buf       bytes.Buffer
		tooLarge  bool
		lineStart = true
		limit     = s.config.MaxMessageSize
	)

	for {
		if err := s.extendDeadline(); err != nil {
			return nil, false, err
		}

		frag, err := s.reader.ReadSlice('\n')
		complete := err == nil
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			return nil, false, err
		}

		if lineStart {
			if complete && isDataTerminator(frag) {
				break
			}
			// Dot-stuffing: a leading dot was doubled by the client
			if frag[0] == '.' {
				frag = frag[1:]
			}
		}
		lineStart = complete

		if tooLarge {
			continue
		}
		if limit > 0 && int64(buf.Len()+len(frag)) > limit {
			tooLarge = true
			buf = bytes.Buffer{}
			continue
		}
		buf.Write(frag)
	}

	return buf.Bytes(), tooLarge, nil
}

func isDataTerminator(line []byte) bool {
	return string(bytes.TrimRight(line, "\r\n")) == "."
}

// resetTransaction clears the current mail transaction state without
// affecting the greeting.
func (s *Session) resetTransaction() {
	s.mailFrom = ""
	s.rcptTo = nil
	if s.state > stateGreeted {
		s.state = stateGreeted
	}
}

// writeLine writes a formatted line to the client, followed by \r\n.
func (s *Session) writeLine(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	_, err := s.writer.WriteString(line + "\r\n")
	if err != nil {
		slog.Debug("failed to write to client", "error", err)
		return
	}
	if err := s.writer.Flush(); err != nil {
		slog.Debug("failed to flush to client", "error", err)
	}
}

// parseCommand splits an SMTP command line into the command verb and its argument.
func parseCommand(line string) (string, string) {
	parts := strings.SplitN(line, " ", 2)
	cmd := strings.ToUpper(parts[0])
	arg := ""
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}
	return cmd, arg
}

// extractAddress extracts an email address from an SMTP parameter,
// handling both angle-bracket and bare formats and ignoring ESMTP
// parameters such as SIZE= or BODY=. "<>" yields the empty address.
func extractAddress(s string) (string, bool) {
	s = strings.TrimSpace(s)

	// Handle angle-bracket format: <user@example.com>
	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", false
		}
		return strings.TrimSpace(s[1:end]), true
	}

	// Bare address format
	if fields := strings.Fields(s); len(fields) > 0 {
		return fields[0], true
	}
	return "", false
}
