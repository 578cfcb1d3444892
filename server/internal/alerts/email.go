package alerts

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"text/template"

	"github.com/buildpulse/buildpulse/server/internal/config"
)

const maxEmailLog = 2000 // characters of build log included in an email

type emailData struct {
	From    string
	To      string
	Subject string
	Alert   *Alert
	Time    string
	Logs    string
	Rule    string
}

var emailTemplate = template.Must(template.New("email").Parse(`From: {{.From}}
To: {{.To}}
Reply-To: {{.From}}
Subject: {{.Subject}}
MIME-Version: 1.0
Content-Type: text/plain; charset=UTF-8

CI/CD Pipeline Failure Alert

Pipeline: {{.Alert.Pipeline}}
Repository: {{.Alert.Repo}}
Time: {{.Time}}
Build URL: {{if .Alert.URL}}{{.Alert.URL}}{{else}}N/A{{end}}
Status: FAILED
{{if .Logs}}
Build Logs:
{{.Rule}}
{{.Logs}}
{{.Rule}}
{{end}}
This is an automated alert from BuildPulse.
`))

func emailSubject(a *Alert) string {
	return fmt.Sprintf("CI/CD Failure: %s in %s", a.Pipeline, a.Repo)
}

// renderEmail builds the RFC 5322 message for a.
func renderEmail(wh config.WebhookConfig, a *Alert) ([]byte, error) {
	var doc bytes.Buffer
	err := emailTemplate.Execute(&doc, &emailData{
		From:    wh.From,
		To:      strings.Join(wh.To, ", "),
		Subject: emailSubject(a),
		Alert:   a,
		Time:    a.FiredAt.UTC().Format("2006-01-02 15:04:05 UTC"),
		Logs:    a.logExcerpt,
		Rule:    strings.Repeat("-", 50),
	})
	if err != nil {
		return nil, fmt.Errorf("render email: %w", err)
	}
	return doc.Bytes(), nil
}

// sendEmail delivers a over SMTP. STARTTLS is used when the relay offers it,
// and PLAIN auth when a password is configured.
func (e *Engine) sendEmail(ctx context.Context, wh config.WebhookConfig, a *Alert) error {
	msg, err := renderEmail(wh, a)
	if err != nil {
		return err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", wh.SMTPAddr())
	if err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, wh.SMTPHost)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: wh.SMTPHost}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if pass := wh.Password(); pass != "" {
		if err := c.Auth(smtp.PlainAuth("", wh.Username, pass, wh.SMTPHost)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := c.Mail(wh.From); err != nil {
		return fmt.Errorf("smtp mail: %w", err)
	}
	for _, rcpt := range wh.To {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	return c.Quit()
}
