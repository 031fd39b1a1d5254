// Package notify delivers fire-and-forget email notices about board sharing.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strings"
	"text/template"
	"unicode"

	"go.uber.org/zap"
)

// BoardShared describes a new collaborator invitation.
type BoardShared struct {
	BoardID        string
	BoardTitle     string
	OwnerName      string
	RecipientName  string
	RecipientEmail string
}

// Notifier sends board notices. Implementations must not block the caller.
type Notifier interface {
	BoardShared(ctx context.Context, notice BoardShared)
}

// NopNotifier drops every notice; used when SMTP is not configured.
type NopNotifier struct{}

// BoardShared implements Notifier.
func (NopNotifier) BoardShared(context.Context, BoardShared) {}

// SMTPConfig holds the relay settings.
type SMTPConfig struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	// BaseURL is prefixed to board links in message bodies.
	BaseURL string
}

type sendFunc func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier sends plain-text mail through an SMTP relay on a background goroutine.
type SMTPNotifier struct {
	config SMTPConfig
	auth   smtp.Auth
	send   sendFunc
	logger *zap.Logger
}

var boardSharedTemplate = template.Must(template.New("board_shared").Parse(
	`Hi {{.RecipientName}},

{{.OwnerName}} shared the board "{{.BoardTitle}}" with you.

Open it here: {{.Link}}
`))

// NewSMTPNotifier constructs a notifier for the relay.
func NewSMTPNotifier(config SMTPConfig, logger *zap.Logger) (*SMTPNotifier, error) {
	if strings.TrimSpace(config.Host) == "" || strings.TrimSpace(config.From) == "" {
		return nil, fmt.Errorf("notify: smtp host and from address are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var auth smtp.Auth
	if config.Username != "" {
		auth = smtp.PlainAuth("", config.Username, config.Password, config.Host)
	}
	return &SMTPNotifier{
		config: config,
		auth:   auth,
		send:   smtp.SendMail,
		logger: logger,
	}, nil
}

// BoardShared queues the invitation email and returns immediately. Delivery
// failures are logged and never retried.
func (n *SMTPNotifier) BoardShared(_ context.Context, notice BoardShared) {
	if strings.TrimSpace(notice.RecipientEmail) == "" {
		return
	}
	message, err := n.renderBoardShared(notice)
	if err != nil {
		n.logger.Warn("board share email render failed", zap.String("board_id", notice.BoardID), zap.Error(err))
		return
	}
	go func() {
		address := net.JoinHostPort(n.config.Host, n.config.Port)
		if err := n.send(address, n.auth, n.config.From, []string{notice.RecipientEmail}, message); err != nil {
			n.logger.Warn("board share email failed",
				zap.String("board_id", notice.BoardID),
				zap.String("recipient", notice.RecipientEmail),
				zap.Error(err))
			return
		}
		n.logger.Debug("board share email sent", zap.String("board_id", notice.BoardID))
	}()
}

func (n *SMTPNotifier) renderBoardShared(notice BoardShared) ([]byte, error) {
	var body bytes.Buffer
	err := boardSharedTemplate.Execute(&body, struct {
		BoardShared
		Link string
	}{
		BoardShared: notice,
		Link:        fmt.Sprintf("%s/boards/%s", strings.TrimRight(n.config.BaseURL, "/"), notice.BoardID),
	})
	if err != nil {
		return nil, err
	}

	var message bytes.Buffer
	subject := fmt.Sprintf("%s shared \"%s\" with you", headerValue(notice.OwnerName), headerValue(notice.BoardTitle))
	fmt.Fprintf(&message, "To: %s\r\n", headerValue(notice.RecipientEmail))
	fmt.Fprintf(&message, "From: %s\r\n", headerValue(n.config.From))
	fmt.Fprintf(&message, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	message.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	message.Write(body.Bytes())
	return message.Bytes(), nil
}

// headerValue drops control characters so a value cannot start a new header line.
func headerValue(value string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, value)
}
