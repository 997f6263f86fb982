// Package email sends transactional email through Postmark. A development
// sender that writes messages to disk is available for local work so the
// portal never silently drops notifications when Postmark is not configured.
package email

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/mrz1836/postmark"
)

var (
	ErrFailedToSendEmail = errors.New("failed to send email")
	ErrInvalidConfig     = errors.New("invalid email config")
	ErrInvalidRecipient  = errors.New("invalid recipient email address")
)

var emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Config holds email service configuration. The Postmark tokens are optional
// so development environments can fall back to the dev sender.
type Config struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"SENDER_EMAIL" envDefault:"billing@example.com"`
	SupportEmail         string `env:"SUPPORT_EMAIL" envDefault:"support@example.com"`
	DevOutputDir         string `env:"EMAIL_DEV_DIR" envDefault:"./tmp/emails"`
}

// SendParams represents the parameters for sending a single message.
type SendParams struct {
	SendTo   string
	Subject  string
	BodyHTML string
	Tag      string
}

func (p SendParams) validate() error {
	if !emailRegex.MatchString(p.SendTo) {
		return ErrInvalidRecipient
	}
	if p.Subject == "" || p.BodyHTML == "" {
		return fmt.Errorf("%w: subject and body are required", ErrInvalidConfig)
	}
	return nil
}

// Sender is the outbound email boundary.
type Sender interface {
	Send(ctx context.Context, params SendParams) error
}

type postmarkSender struct {
	client *postmark.Client
	cfg    Config
}

// NewPostmarkSender creates a Postmark-backed sender. All identity fields are
// required so a misconfigured service fails at startup, not at first send.
func NewPostmarkSender(cfg Config) (Sender, error) {
	if cfg.PostmarkServerToken == "" || cfg.PostmarkAccountToken == "" {
		return nil, fmt.Errorf("%w: postmark tokens are required", ErrInvalidConfig)
	}
	if !emailRegex.MatchString(cfg.SenderEmail) {
		return nil, fmt.Errorf("%w: SenderEmail must be a valid email address", ErrInvalidConfig)
	}
	if !emailRegex.MatchString(cfg.SupportEmail) {
		return nil, fmt.Errorf("%w: SupportEmail must be a valid email address", ErrInvalidConfig)
	}

	return &postmarkSender{
		client: postmark.NewClient(cfg.PostmarkServerToken, cfg.PostmarkAccountToken),
		cfg:    cfg,
	}, nil
}

// Send delivers the message through Postmark's transactional API. Reply-To
// points at the support address so customer replies reach a monitored inbox.
func (s *postmarkSender) Send(ctx context.Context, params SendParams) error {
	if err := params.validate(); err != nil {
		return err
	}

	resp, err := s.client.SendEmail(ctx, postmark.Email{
		From:       s.cfg.SenderEmail,
		ReplyTo:    s.cfg.SupportEmail,
		To:         params.SendTo,
		Subject:    params.Subject,
		Tag:        params.Tag,
		HTMLBody:   params.BodyHTML,
		TrackOpens: true,
		TrackLinks: "HtmlOnly",
	})
	if err != nil {
		return errors.Join(ErrFailedToSendEmail, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(ErrFailedToSendEmail,
			fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}
	return nil
}
