package social

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/jordan-wright/email"
	"github.com/mazen160/go-random"
)

type EmailConfig struct {
	Server   string   `json:"server"`
	Port     int      `json:"port"`
	Address  string   `json:"address"`
	Password string   `json:"password"`
	To       []string `json:"to"`
}

// Email mirrors the social adapters for people who'd rather get the
// bulletin in their inbox: one mail per post, same lifecycle and
// dry-run behavior as the real platforms.
type Email struct {
	config EmailConfig
	send   func(e *email.Email, addr string, auth smtp.Auth) error
}

func NewEmail(config EmailConfig) *Email {
	return &Email{
		config: config,
		send: func(e *email.Email, addr string, auth smtp.Auth) error {
			return e.Send(addr, auth)
		},
	}
}

func (m *Email) Name() string { return "email" }

func (m *Email) Publish(ctx context.Context, text string) (string, error) {
	c := m.config
	if c.Server == "" || c.Address == "" || len(c.To) == 0 {
		return dryRunPublish(m.Name(), text)
	}

	mail := email.NewEmail()
	mail.From = fmt.Sprintf("BID Watch <%s>", c.Address)
	mail.To = c.To
	mail.Subject = "Novidade no BID"
	mail.Text = []byte(text)

	addr := fmt.Sprintf("%s:%d", c.Server, c.Port)
	err := m.send(mail, addr, smtp.PlainAuth("", c.Address, c.Password, c.Server))
	if err != nil && strings.Contains(err.Error(), "server doesn't support AUTH") {
		err = m.send(mail, addr, nil)
	}
	if err != nil {
		return "", err
	}

	// smtp hands back no message id, fabricate a stable-enough one
	// so the store can record the post as done
	suffix, err := random.String(8)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("mail_%s", suffix), nil
}
