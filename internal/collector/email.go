package collector

import (
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/vburojevic/apptrack/internal/domain"
)

// SMTPConfig carries the crash-alert mail settings.
type SMTPConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	FromEmail  string
	AdminEmail string
}

// Notifier sends the out-of-band crash alert email. Fire-and-forget: it is
// invoked in a goroutine after a crash insert and can never affect the
// HTTP response.
type Notifier struct {
	cfg  SMTPConfig
	send func(addr string, auth smtp.Auth, from string, to []string, msg []byte) error
	log  *zap.SugaredLogger
}

// NewNotifier creates a Notifier. Incomplete SMTP settings are allowed;
// alerts are then skipped with a log line.
func NewNotifier(cfg SMTPConfig, log *zap.SugaredLogger) *Notifier {
	if cfg.FromEmail == "" {
		cfg.FromEmail = cfg.User
	}
	return &Notifier{cfg: cfg, send: smtp.SendMail, log: log}
}

// NotifyCrash emails the admin about a freshly ingested crash.
func (n *Notifier) NotifyCrash(rec CrashRecord) {
	if n.cfg.User == "" || n.cfg.Password == "" || n.cfg.AdminEmail == "" {
		n.log.Debugw("smtp not configured, skipping crash alert")
		return
	}

	subject := fmt.Sprintf("[apptrack] Crash — %s", rec.UserID)
	body := crashAlertBody(rec)

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", n.cfg.FromEmail)
	fmt.Fprintf(&msg, "To: %s\r\n", n.cfg.AdminEmail)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	msg.WriteString(body)

	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	auth := smtp.PlainAuth("", n.cfg.User, n.cfg.Password, n.cfg.Host)
	if err := n.send(addr, auth, n.cfg.FromEmail, []string{n.cfg.AdminEmail}, []byte(msg.String())); err != nil {
		n.log.Warnw("crash alert email failed", "error", err)
		return
	}
	n.log.Infow("crash alert sent", "to", n.cfg.AdminEmail, "user_id", rec.UserID)
}

func crashAlertBody(rec CrashRecord) string {
	line := func(label, value string) string { return label + ": " + value + "\n" }
	var b strings.Builder
	b.WriteString("Crash Alert\n\n")
	b.WriteString(line("User", rec.UserID))
	b.WriteString(line("Crash time", stamp(rec.CrashTime)))
	b.WriteString(line("Session start", stamp(rec.SessionStart)))
	b.WriteString(line("Session end", stamp(rec.SessionEnd)))
	b.WriteString(line("Provider", rec.Provider))
	b.WriteString(line("Event ID", fmt.Sprintf("%d", rec.EventID)))
	b.WriteString(line("Exception", rec.ExceptionCode))
	b.WriteString(line("Faulting module", rec.FaultingModule))
	if rec.Location != nil {
		b.WriteString(line("Location", fmt.Sprintf("%s, %s, %s", rec.Location.City, rec.Location.Region, rec.Location.Country)))
	}
	b.WriteString("\nMessage:\n")
	msg := rec.Message
	if len(msg) > 4000 {
		msg = msg[:4000]
	}
	b.WriteString(msg)
	b.WriteString("\n")
	return b.String()
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return domain.FormatTimestamp(t)
}
