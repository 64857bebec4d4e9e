package external

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/wneessen/go-mail"

	"courier/internal/types"
)

const smtpDialTimeout = 15 * time.Second

// smtpClient is the subset of *mail.Client used by SMTPAdapter.
type smtpClient interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
	DialWithContext(ctx context.Context) error
	Close() error
}

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// SMTPAdapter relays through an operator-configured SMTP server. Webhooks
// for SMTP integrations come from the relay's own event forwarder and use
// the generic signed payload.
type SMTPAdapter struct {
	cfg       *types.IntegrationConfig
	newClient func() (smtpClient, error)
}

// NewSMTPAdapter builds an adapter for cfg. dial, when non-nil, replaces the
// default dialer; production passes the SSRF-safe dialer so operator-supplied
// hosts cannot reach internal ranges.
func NewSMTPAdapter(cfg *types.IntegrationConfig, dial DialFunc) (*SMTPAdapter, error) {
	if cfg.SMTPHost == "" {
		return nil, types.NewAppError(types.ErrCodeInternalConfiguration, "smtp integration has no host", nil)
	}

	opts := []mail.Option{mail.WithTimeout(smtpDialTimeout)}
	if cfg.SMTPPort > 0 {
		opts = append(opts, mail.WithPort(cfg.SMTPPort))
	}
	if cfg.SMTPSecure {
		opts = append(opts, mail.WithSSLPort(false))
	} else {
		opts = append(opts, mail.WithTLSPortPolicy(mail.TLSOpportunistic))
	}
	if cfg.SMTPUser != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.SMTPUser),
			mail.WithPassword(cfg.SMTPPassword.Unmask()),
		)
	}
	if dial != nil {
		opts = append(opts, mail.WithDialContextFunc(mail.DialContextFunc(dial)))
	}

	// Validate options once so a bad port surfaces at load time.
	if _, err := mail.NewClient(cfg.SMTPHost, opts...); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalConfiguration, "invalid smtp settings", err)
	}

	return &SMTPAdapter{
		cfg: cfg,
		newClient: func() (smtpClient, error) {
			return mail.NewClient(cfg.SMTPHost, opts...)
		},
	}, nil
}

func (a *SMTPAdapter) Kind() types.ProviderKind { return types.ProviderSMTP }

func (a *SMTPAdapter) IntegrationID() string { return a.cfg.ID }

// Send builds a multipart message and delivers it over a fresh connection.
// The generated Message-ID, without angle brackets, is the provider message
// id.
func (a *SMTPAdapter) Send(ctx context.Context, msg *types.OutboundMessage) (string, error) {
	m, err := a.buildMessage(msg)
	if err != nil {
		return "", err
	}

	client, err := a.newClient()
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalConfiguration, "invalid smtp settings", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return "", mapSMTPError(err)
	}
	return strings.Trim(m.GetMessageID(), "<>"), nil
}

func (a *SMTPAdapter) buildMessage(msg *types.OutboundMessage) (*mail.Msg, error) {
	from := senderAddress(a.cfg, msg)
	if from == "" {
		return nil, errMissingSender(types.ProviderSMTP)
	}

	m := mail.NewMsg()
	if err := m.FromFormat(senderName(a.cfg, msg), from); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidEmail, "invalid sender address", err)
	}
	if err := m.To(msg.To...); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidEmail, "invalid recipient address", err)
	}
	if len(msg.Cc) > 0 {
		if err := m.Cc(msg.Cc...); err != nil {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidEmail, "invalid cc address", err)
		}
	}
	if len(msg.Bcc) > 0 {
		if err := m.Bcc(msg.Bcc...); err != nil {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidEmail, "invalid bcc address", err)
		}
	}
	if msg.ReplyTo != "" {
		if err := m.ReplyTo(msg.ReplyTo); err != nil {
			return nil, types.NewAppError(types.ErrCodeValidationInvalidEmail, "invalid reply-to address", err)
		}
	}
	m.Subject(msg.Subject)

	switch {
	case msg.HTML != "" && msg.Text != "":
		m.SetBodyString(mail.TypeTextPlain, msg.Text)
		m.AddAlternativeString(mail.TypeTextHTML, msg.HTML)
	case msg.HTML != "":
		m.SetBodyString(mail.TypeTextHTML, msg.HTML)
	default:
		m.SetBodyString(mail.TypeTextPlain, msg.Text)
	}

	names := make([]string, 0, len(msg.Headers))
	for name := range msg.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		m.SetGenHeader(mail.Header(name), msg.Headers[name])
	}

	m.SetMessageID()
	return m, nil
}

// mapSMTPError classifies delivery failures.
//
//   - 5xx on MAIL FROM / RCPT TO → upstream_email_blocked
//   - 421, 450, 451, 452 → upstream_email_rate_limited
//   - Connection and TLS failures → upstream_unavailable
//   - Other → upstream_email_provider
func mapSMTPError(err error) error {
	var sendErr *mail.SendError
	if !errors.As(err, &sendErr) {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("smtp connection failed: %v", err), err)
	}

	code := sendErr.ErrorCode()
	switch {
	case code >= 500 && (sendErr.Reason == mail.ErrSMTPMailFrom || sendErr.Reason == mail.ErrSMTPRcptTo):
		return types.NewAppError(types.ErrCodeUpstreamEmailBlocked, fmt.Sprintf("smtp server rejected message: %v", err), err)
	case code == 421 || code == 450 || code == 451 || code == 452:
		return types.NewAppError(types.ErrCodeUpstreamRateLimited, fmt.Sprintf("smtp server deferred message: %v", err), err)
	case sendErr.Reason == mail.ErrConnCheck:
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("smtp connection failed: %v", err), err)
	}
	return types.NewAppError(types.ErrCodeUpstreamEmailProvider, fmt.Sprintf("smtp error: %v", err), err)
}

// VerifyCredentials opens a connection, which performs STARTTLS and AUTH,
// then closes it.
func (a *SMTPAdapter) VerifyCredentials(ctx context.Context) error {
	client, err := a.newClient()
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalConfiguration, "invalid smtp settings", err)
	}
	if err := client.DialWithContext(ctx); err != nil {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("smtp connect to %s failed: %v", a.cfg.SMTPHost, err), err)
	}
	_ = client.Close()
	return nil
}

func (a *SMTPAdapter) ValidateWebhookSignature(rawBody []byte, headers http.Header, secret string) bool {
	return VerifyHMAC(rawBody, headers.Get(HeaderWebhookSignature), secret)
}

func (a *SMTPAdapter) ParseWebhookEvent(rawBody []byte) (*types.CanonicalEvent, error) {
	return parseGenericEvent(types.ProviderSMTP, rawBody)
}

var _ Adapter = (*SMTPAdapter)(nil)
