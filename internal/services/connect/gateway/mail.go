package gateway

import (
	"context"
	"encoding/base64"
	"mime"
	"net/mail"
	"strings"

	"google.golang.org/api/gmail/v1"

	apperrors "github.com/louisbranch/nyra/internal/platform/errors"
)

// Message is an outgoing email.
type Message struct {
	To      []string
	Cc      []string
	Subject string
	Body    string
	// HTML sends Body as text/html instead of text/plain.
	HTML bool
}

// SentMessage identifies a delivered email.
type SentMessage struct {
	ID       string
	ThreadID string
}

// Mail sends email through Gmail as the connected user.
type Mail struct {
	tokens TokenSource
	opts   options
}

// NewMail builds a Gmail sender.
func NewMail(tokens TokenSource, opts ...Option) *Mail {
	return &Mail{tokens: tokens, opts: buildOptions(opts)}
}

// Send delivers msg from userID's mailbox.
func (m *Mail) Send(ctx context.Context, userID string, msg Message) (SentMessage, error) {
	userID, err := requireUser(userID)
	if err != nil {
		return SentMessage{}, err
	}
	raw, err := buildRaw(msg)
	if err != nil {
		return SentMessage{}, err
	}

	svc, err := gmail.NewService(ctx, m.opts.clientOptions(m.tokens, userID)...)
	if err != nil {
		return SentMessage{}, apperrors.Wrap(apperrors.CodeDownstreamFailed, "create gmail client", err)
	}
	sent, err := svc.Users.Messages.Send("me", &gmail.Message{Raw: raw}).Context(ctx).Do()
	if err != nil {
		return SentMessage{}, mapError("send mail", err)
	}
	return SentMessage{ID: sent.Id, ThreadID: sent.ThreadId}, nil
}

// buildRaw renders msg as a base64url RFC 5322 message.
func buildRaw(msg Message) (string, error) {
	to, err := addressList("to", msg.To)
	if err != nil {
		return "", err
	}
	if to == "" {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "at least one recipient is required")
	}
	cc, err := addressList("cc", msg.Cc)
	if err != nil {
		return "", err
	}
	subject := strings.TrimSpace(msg.Subject)
	if strings.ContainsAny(subject, "\r\n") {
		return "", apperrors.New(apperrors.CodeInvalidArgument, "subject must be a single line")
	}

	contentType := "text/plain"
	if msg.HTML {
		contentType = "text/html"
	}
	var b strings.Builder
	b.WriteString("To: " + to + "\r\n")
	if cc != "" {
		b.WriteString("Cc: " + cc + "\r\n")
	}
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: " + contentType + "; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	return base64.URLEncoding.EncodeToString([]byte(b.String())), nil
}

func addressList(field string, raw []string) (string, error) {
	addrs, err := parseAddresses(field, raw)
	if err != nil {
		return "", err
	}
	out := make([]string, 0, len(addrs))
	for _, addr := range addrs {
		out = append(out, addr.String())
	}
	return strings.Join(out, ", "), nil
}

func parseAddresses(field string, raw []string) ([]*mail.Address, error) {
	out := make([]*mail.Address, 0, len(raw))
	for _, value := range raw {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		addr, err := mail.ParseAddress(value)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid "+field+" address", err)
		}
		out = append(out, addr)
	}
	return out, nil
}
