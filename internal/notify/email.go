// Package notify delivers shipment update notifications: email over
// SMTP and webhook callbacks, driven by a queue worker.
package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"html/template"
	"mime/multipart"
	"net"
	"net/smtp"
	"net/textproto"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"signment/internal/config"
)

const (
	emailAttempts = 3
	smtpTimeout   = 5 * time.Second
)

// EmailSender delivers one rendered message. The SMTP implementation
// is swapped out in tests.
type EmailSender interface {
	Send(ctx context.Context, to, subject, textBody, htmlBody string) error
}

var htmlTemplate = template.Must(template.New("email").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>Shipment Update</title>
</head>
<body style="font-family: Arial, sans-serif; margin: 0; padding: 0; background-color: #f4f4f4;">
    <table width="100%" cellpadding="0" cellspacing="0" style="max-width: 600px; margin: 20px auto; background-color: #ffffff; border: 1px solid #e0e0e0; border-radius: 8px;">
        <tr>
            <td style="background-color: #007bff; padding: 20px; text-align: center; border-radius: 8px 8px 0 0;">
                <h1 style="color: #ffffff; margin: 0; font-size: 24px;">Shipment Update</h1>
            </td>
        </tr>
        <tr>
            <td style="padding: 20px;">
                <h2 style="color: #333333; font-size: 20px; margin-top: 0;">Tracking Number: {{.TrackingNumber}}</h2>
                <p style="color: #555555; font-size: 16px; line-height: 1.5;">
                    Dear Customer,<br>
                    Your shipment has been updated. Below are the latest details:
                </p>
                <table width="100%" cellpadding="10" cellspacing="0" style="border-collapse: collapse; margin: 20px 0;">
                    <tr>
                        <td style="font-weight: bold; color: #333333; border-bottom: 1px solid #e0e0e0;">Status</td>
                        <td style="color: #007bff; border-bottom: 1px solid #e0e0e0;">{{.Status}}</td>
                    </tr>
                    <tr>
                        <td style="font-weight: bold; color: #333333; border-bottom: 1px solid #e0e0e0;">Delivery Location</td>
                        <td style="color: #555555; border-bottom: 1px solid #e0e0e0;">{{.DeliveryLocation}}</td>
                    </tr>
                </table>
                <h3 style="color: #333333; font-size: 18px; margin-top: 20px;">Checkpoints</h3>
                {{if .Checkpoints}}<ul style="padding-left: 20px;">{{range .Checkpoints}}<li style="color: #555555; font-size: 14px; line-height: 1.5;">{{.}}</li>{{end}}</ul>{{else}}<p>No checkpoints available.</p>{{end}}
                <p style="color: #555555; font-size: 16px; line-height: 1.5;">
                    Track your shipment in real-time at: <a href="{{.TrackingURL}}" style="color: #007bff; text-decoration: none;">Track Now</a>
                </p>
            </td>
        </tr>
        <tr>
            <td style="background-color: #f8f9fa; padding: 15px; text-align: center; border-radius: 0 0 8px 8px; font-size: 14px; color: #555555;">
                <p style="margin: 0;">For support, contact us at <a href="mailto:support@example.com" style="color: #007bff; text-decoration: none;">support@example.com</a></p>
                <p style="margin: 5px 0;">Signment | 123 Logistics Lane, Lagos, NG</p>
                <p style="margin: 0;"><a href="{{.UnsubscribeURL}}" style="color: #007bff; text-decoration: none;">Unsubscribe</a></p>
            </td>
        </tr>
    </table>
</body>
</html>
`))

var textTemplate = texttemplate.Must(texttemplate.New("email").Parse(`Shipment Update for {{.TrackingNumber}}

Dear Customer,

Your shipment has been updated. Below are the latest details:

Tracking Number: {{.TrackingNumber}}
Status: {{.Status}}
Delivery Location: {{.DeliveryLocation}}
Checkpoints:
{{if .Checkpoints}}{{range .Checkpoints}}- {{.}}
{{end}}{{else}}No checkpoints available.
{{end}}
Track your shipment: {{.TrackingURL}}

For support, contact us at support@example.com
Signment | 123 Logistics Lane, Lagos, NG
Unsubscribe: {{.UnsubscribeURL}}
`))

type emailData struct {
	TrackingNumber   string
	Status           string
	DeliveryLocation string
	Checkpoints      []string
	TrackingURL      string
	UnsubscribeURL   string
}

// RenderEmail produces the plain and HTML bodies for an update email.
func RenderEmail(cfg *config.Config, trackingNumber, status, deliveryLocation string, checkpoints []string, recipient string) (textBody, htmlBody string, err error) {
	data := emailData{
		TrackingNumber:   trackingNumber,
		Status:           status,
		DeliveryLocation: deliveryLocation,
		Checkpoints:      checkpoints,
		TrackingURL:      cfg.TrackingURL(trackingNumber),
		UnsubscribeURL:   cfg.UnsubscribeURL(recipient),
	}

	var text, html bytes.Buffer
	if err := textTemplate.Execute(&text, data); err != nil {
		return "", "", fmt.Errorf("render text body: %w", err)
	}
	if err := htmlTemplate.Execute(&html, data); err != nil {
		return "", "", fmt.Errorf("render html body: %w", err)
	}
	return text.String(), html.String(), nil
}

// SMTPSender sends mail through a STARTTLS SMTP relay.
type SMTPSender struct {
	cfg config.SMTPConfig
	log *zap.Logger
}

// NewSMTPSender builds the production sender.
func NewSMTPSender(cfg config.SMTPConfig, log *zap.Logger) *SMTPSender {
	return &SMTPSender{cfg: cfg, log: log}
}

// Send composes a multipart/alternative message and submits it,
// retrying transient failures with exponential backoff.
func (s *SMTPSender) Send(ctx context.Context, to, subject, textBody, htmlBody string) error {
	msg, err := buildMessage(s.cfg.From, to, subject, textBody, htmlBody)
	if err != nil {
		return err
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), emailAttempts-1), ctx)
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		if err := s.submit(to, msg); err != nil {
			s.log.Warn("email delivery failed",
				zap.String("to", to),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		return nil
	}, policy)
}

func (s *SMTPSender) submit(to string, msg []byte) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	conn, err := net.DialTimeout("tcp", addr, smtpTimeout)
	if err != nil {
		return fmt.Errorf("dial smtp %s: %w", addr, err)
	}
	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if s.cfg.User != "" {
		auth := smtp.PlainAuth("", s.cfg.User, s.cfg.Pass, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := client.Mail(s.cfg.From); err != nil {
		return fmt.Errorf("mail from: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("rcpt to: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close message: %w", err)
	}
	return client.Quit()
}

// HealthCheck dials the relay and negotiates STARTTLS and auth without
// sending mail. Used by the health endpoint.
func (s *SMTPSender) HealthCheck(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	d := net.Dialer{Timeout: smtpTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial smtp %s: %w", addr, err)
	}
	client, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if s.cfg.User != "" {
		auth := smtp.PlainAuth("", s.cfg.User, s.cfg.Pass, s.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	return client.Quit()
}

// buildMessage assembles a multipart/alternative MIME message with the
// plain part first so clients prefer the HTML one.
func buildMessage(from, to, subject, textBody, htmlBody string) ([]byte, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	textPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/plain; charset=utf-8"},
	})
	if err != nil {
		return nil, err
	}
	if _, err := textPart.Write([]byte(textBody)); err != nil {
		return nil, err
	}

	htmlPart, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {"text/html; charset=utf-8"},
	})
	if err != nil {
		return nil, err
	}
	if _, err := htmlPart.Write([]byte(htmlBody)); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	var msg bytes.Buffer
	headers := []string{
		"From: " + from,
		"To: " + to,
		"Subject: " + subject,
		"MIME-Version: 1.0",
		`Content-Type: multipart/alternative; boundary="` + mw.Boundary() + `"`,
	}
	msg.WriteString(strings.Join(headers, "\r\n"))
	msg.WriteString("\r\n\r\n")
	msg.Write(body.Bytes())
	return msg.Bytes(), nil
}
