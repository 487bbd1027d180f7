package notify

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgiagkoudi/task-manager-auth/internal/config"

	"gopkg.in/gomail.v2"
)

// Mailer 邮件发送接口，便于在测试中替换。
type Mailer interface {
	SendResetEmail(toEmail string, token string) error
}

// EmailNotifier 通过 SMTP 发送邮件。
type EmailNotifier struct {
	cfg         *config.EmailConfig
	frontendURL string
	logger      *slog.Logger
}

// NewEmailNotifier 创建一个新的邮件通知器。
func NewEmailNotifier(cfg *config.EmailConfig, frontendURL string, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:         cfg,
		frontendURL: frontendURL,
		logger:      logger,
	}
}

// SendResetEmail 发送重置密码邮件，正文包含带 token 的重置链接。
func (n *EmailNotifier) SendResetEmail(toEmail string, token string) error {
	if n.cfg.SMTPHost == "" || n.cfg.SMTPUser == "" || n.cfg.FromEmail == "" {
		return fmt.Errorf("email config missing")
	}
	if strings.TrimSpace(toEmail) == "" {
		return fmt.Errorf("empty recipient")
	}

	resetURL := fmt.Sprintf("%s?token=%s", strings.TrimRight(n.frontendURL, "/"), token)

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", toEmail)
	m.SetHeader("Subject", "[Task Manager] 重置密码")

	body := fmt.Sprintf(`<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
  <div style="max-width: 520px; margin: 0 auto; padding: 16px;">
    <h2>Task Manager 密码重置</h2>
    <p>你请求了重置密码，点击下面的链接继续：</p>
    <p><a href="%s" target="_blank">%s</a></p>
    <p>链接有效期 15 分钟，过期后需要重新申请。</p>
  </div>
</body>
</html>`, resetURL, resetURL)
	m.SetBody("text/html", body)

	d := gomail.NewDialer(n.cfg.SMTPHost, n.cfg.SMTPPort, n.cfg.SMTPUser, n.cfg.SMTPPass)
	if err := d.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("reset email sent", slog.String("to", toEmail))
	return nil
}
