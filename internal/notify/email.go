package notify

import (
	"context"
	"fmt"
	"net/smtp"

	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
	"github.com/pkg/errors"
)

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier sends notices over SMTP. Users without an email address are skipped.
type EmailNotifier struct {
	host     string
	port     int
	username string
	password string
	from     string
	send     sendMailFunc
}

func NewEmailNotifier(host string, port int, username, password, from string) *EmailNotifier {
	return &EmailNotifier{
		host:     host,
		port:     port,
		username: username,
		password: password,
		from:     from,
		send:     smtp.SendMail,
	}
}

func (e *EmailNotifier) Notify(ctx context.Context, user models.User, notice models.Notice) error {
	if user.Email == "" {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msg := fmt.Sprintf("From: %s\r\n", e.from)
	msg += fmt.Sprintf("To: %s\r\n", user.Email)
	msg += fmt.Sprintf("Subject: %s\r\n", Subject(notice))
	msg += "MIME-Version: 1.0\r\n"
	msg += "Content-Type: text/plain; charset=UTF-8\r\n"
	msg += "\r\n"
	msg += Body(user, notice)

	var auth smtp.Auth
	if e.username != "" {
		auth = smtp.PlainAuth("", e.username, e.password, e.host)
	}
	addr := fmt.Sprintf("%s:%d", e.host, e.port)
	if err := e.send(addr, auth, e.from, []string{user.Email}, []byte(msg)); err != nil {
		return errors.Wrapf(err, "send %s email to %s", notice.Kind, user.Email)
	}
	return nil
}
