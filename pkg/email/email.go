// Package email sends transactional mail for the relay.
//
// Services depend on the EmailSender interface. NewResendSender talks to the
// Resend API; NewNoopSender is wired when no API key is configured.
package email

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/resend/resend-go/v3"
)

// MissedCall describes a call that ended before the callee answered.
type MissedCall struct {
	ToEmail    string
	ToName     string
	CallerName string
	SessionID  string
	At         time.Time
}

// EmailSender is implemented by every mail backend.
type EmailSender interface {
	// SendMissedCall tells the callee that someone tried to reach them.
	SendMissedCall(ctx context.Context, m MissedCall) error
}

type resendSender struct {
	client    *resend.Client
	fromEmail string
	appURL    string
}

// NewResendSender returns a sender backed by the Resend API.
// fromEmail must belong to a domain verified in Resend; appURL is linked from the mail body.
func NewResendSender(apiKey, fromEmail, appURL string) EmailSender {
	return &resendSender{
		client:    resend.NewClient(apiKey),
		fromEmail: fromEmail,
		appURL:    appURL,
	}
}

func (s *resendSender) SendMissedCall(ctx context.Context, m MissedCall) error {
	params := &resend.SendEmailRequest{
		From:    fmt.Sprintf("carecall <%s>", s.fromEmail),
		To:      []string{m.ToEmail},
		Subject: MissedCallSubject(m),
		Html:    RenderMissedCall(m, s.appURL),
	}

	if _, err := s.client.Emails.SendWithContext(ctx, params); err != nil {
		return fmt.Errorf("failed to send missed call email: %w", err)
	}
	return nil
}

// MissedCallSubject is the subject line for m.
func MissedCallSubject(m MissedCall) string {
	return fmt.Sprintf("Missed call from %s", m.CallerName)
}

// RenderMissedCall renders the HTML body for m. Names are escaped.
func RenderMissedCall(m MissedCall, appURL string) string {
	link := fmt.Sprintf("%s/appointments/%s", appURL, m.SessionID)
	greeting := "Hello"
	if m.ToName != "" {
		greeting = "Hello " + html.EscapeString(m.ToName)
	}

	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
  <meta charset="utf-8">
  <meta name="viewport" content="width=device-width, initial-scale=1.0">
</head>
<body style="margin:0;padding:0;background-color:#f4f6f8;font-family:Arial,Helvetica,sans-serif;">
  <table width="100%%" cellpadding="0" cellspacing="0" style="background-color:#f4f6f8;padding:40px 0;">
    <tr>
      <td align="center">
        <table width="480" cellpadding="0" cellspacing="0" style="background-color:#ffffff;border-radius:8px;padding:40px;">
          <tr>
            <td>
              <h1 style="color:#1e293b;font-size:22px;margin:0 0 8px 0;">carecall</h1>
              <h2 style="color:#1e293b;font-size:17px;margin:0 0 24px 0;">You missed a video call</h2>
              <p style="color:#475569;font-size:15px;line-height:1.6;margin:0 0 24px 0;">
                %s, %s tried to start your session at %s (UTC).
              </p>
              <table cellpadding="0" cellspacing="0" style="margin:0 0 24px 0;">
                <tr>
                  <td style="background-color:#0f766e;border-radius:6px;padding:12px 32px;">
                    <a href="%s" style="color:#ffffff;text-decoration:none;font-size:15px;font-weight:600;">
                      Open appointment
                    </a>
                  </td>
                </tr>
              </table>
              <p style="color:#64748b;font-size:13px;line-height:1.6;margin:0;">
                If you did not expect this call you can ignore this email.
              </p>
            </td>
          </tr>
        </table>
      </td>
    </tr>
  </table>
</body>
</html>`, greeting, html.EscapeString(m.CallerName), m.At.UTC().Format("2006-01-02 15:04"), link)
}

type noopSender struct{}

// NewNoopSender returns a sender that drops every mail.
func NewNoopSender() EmailSender { return noopSender{} }

func (noopSender) SendMissedCall(context.Context, MissedCall) error { return nil }
