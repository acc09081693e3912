package smtp

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/imap-ai-reply/model"
)

type Options struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Timeout  time.Duration
}

// Sender transmits one reply per call: dial, authenticate, submit, quit.
// Any transport or authentication failure is returned to the caller and
// scoped to that single reply; there is no retry and no connection reuse.
type Sender struct {
	opts Options
}

func NewSender(opts Options) (*Sender, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("smtp host is empty")
	}
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("smtp port must be between 1 and 65535")
	}
	if opts.From == "" {
		return nil, fmt.Errorf("smtp from address is empty")
	}
	return &Sender{opts: opts}, nil
}

// Send composes and submits a single reply.
func (s *Sender) Send(reply model.Reply) error {
	to, err := recipientAddr(reply.To)
	if err != nil {
		return fmt.Errorf("recipient %q: %w", reply.To, err)
	}

	body, err := BuildMessage(s.opts.From, reply)
	if err != nil {
		return fmt.Errorf("build message: %w", err)
	}

	client, err := s.dial()
	if err != nil {
		return err
	}
	defer client.Close()

	auth := smtp.PlainAuth("", s.opts.Username, s.opts.Password, s.opts.Host)
	if err := client.Auth(auth); err != nil {
		return fmt.Errorf("smtp auth: %w", err)
	}
	if err := client.Mail(s.opts.From); err != nil {
		return fmt.Errorf("smtp mail: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("smtp rcpt: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}

	return client.Quit()
}

// dial opens the submission connection. Port 465 is implicit TLS;
// everything else starts in plaintext and upgrades via STARTTLS.
func (s *Sender) dial() (*smtp.Client, error) {
	addr := net.JoinHostPort(s.opts.Host, strconv.Itoa(s.opts.Port))
	tlsConfig := &tls.Config{ServerName: s.opts.Host}

	if s.opts.Port == 465 {
		conn, err := tls.DialWithDialer(&net.Dialer{Timeout: s.opts.Timeout}, "tcp", addr, tlsConfig)
		if err != nil {
			return nil, fmt.Errorf("smtp tls dial: %w", err)
		}
		client, err := smtp.NewClient(conn, s.opts.Host)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("smtp new client: %w", err)
		}
		return client, nil
	}

	conn, err := net.DialTimeout("tcp", addr, s.opts.Timeout)
	if err != nil {
		return nil, fmt.Errorf("smtp dial: %w", err)
	}
	client, err := smtp.NewClient(conn, s.opts.Host)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("smtp new client: %w", err)
	}
	if err := client.StartTLS(tlsConfig); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("smtp starttls: %w", err)
	}
	return client, nil
}

// BuildMessage renders the RFC 5322 bytes for a reply. go-message takes
// care of header folding, encoded words and the address list format.
func BuildMessage(from string, reply model.Reply) ([]byte, error) {
	var h mail.Header
	if fromAddrs, err := mail.ParseAddressList(from); err == nil && len(fromAddrs) > 0 {
		h.SetAddressList("From", fromAddrs)
	} else {
		h.Set("From", from)
	}
	if toAddrs, err := mail.ParseAddressList(reply.To); err == nil && len(toAddrs) > 0 {
		h.SetAddressList("To", toAddrs)
	} else {
		h.Set("To", reply.To)
	}
	h.SetSubject(reply.Subject)
	h.SetDate(time.Now())
	h.Set("Content-Type", "text/plain; charset=utf-8")

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write([]byte(reply.Body)); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

func recipientAddr(to string) (string, error) {
	addrs, err := mail.ParseAddressList(to)
	if err != nil || len(addrs) == 0 {
		// Accept a bare addr-spec that the parser rejects as a list.
		candidate := strings.TrimSpace(to)
		if candidate != "" && strings.Contains(candidate, "@") && !strings.ContainsAny(candidate, " <>") {
			return candidate, nil
		}
		return "", fmt.Errorf("no valid address")
	}
	return addrs[0].Address, nil
}
