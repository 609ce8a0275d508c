package email

import (
	"context"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SMTPSender delivers through an SMTP relay with optional PLAIN auth.
type SMTPSender struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string

	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewSMTPSender creates an SMTP sender.
func NewSMTPSender(host string, port int, from, username, password string) *SMTPSender {
	return &SMTPSender{Host: host, Port: port, From: from, Username: username, Password: password, send: smtp.SendMail}
}

func (s *SMTPSender) Send(ctx context.Context, msg Message) Result {
	if err := ctx.Err(); err != nil {
		return failed("email send: %v", err)
	}
	id := uuid.NewString()
	body := buildMIME(s.From, id, msg)

	var auth smtp.Auth
	if s.Username != "" {
		auth = smtp.PlainAuth("", s.Username, s.Password, s.Host)
	}
	addr := net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
	if err := s.send(addr, auth, envelopeAddress(s.From), []string{msg.To}, body); err != nil {
		return failed("smtp send: %v", err)
	}
	return Result{Success: true, ID: id}
}

// buildMIME renders msg as multipart/alternative when both bodies are set.
func buildMIME(from, id string, msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	fmt.Fprintf(&b, "Message-ID: <%s@ecoscan>\r\n", id)
	b.WriteString("MIME-Version: 1.0\r\n")

	switch {
	case msg.HTML != "" && msg.Text != "":
		boundary := "ecoscan-" + id
		fmt.Fprintf(&b, "Content-Type: multipart/alternative; boundary=%q\r\n\r\n", boundary)
		fmt.Fprintf(&b, "--%s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n", boundary, msg.Text)
		fmt.Fprintf(&b, "--%s\r\nContent-Type: text/html; charset=utf-8\r\n\r\n%s\r\n", boundary, msg.HTML)
		fmt.Fprintf(&b, "--%s--\r\n", boundary)
	case msg.HTML != "":
		fmt.Fprintf(&b, "Content-Type: text/html; charset=utf-8\r\n\r\n%s\r\n", msg.HTML)
	default:
		fmt.Fprintf(&b, "Content-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n", msg.Text)
	}
	return []byte(b.String())
}

// envelopeAddress extracts the bare address from "Name <addr>".
func envelopeAddress(from string) string {
	if i := strings.LastIndex(from, "<"); i >= 0 {
		if j := strings.LastIndex(from, ">"); j > i {
			return from[i+1 : j]
		}
	}
	return from
}
