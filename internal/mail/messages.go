package mail

import (
	"fmt"
	"strings"
)

type Composer struct {
	baseURL     string
	confirmFrom string
	resetFrom   string
}

func NewComposer(baseURL, confirmFrom, resetFrom string) *Composer {
	return &Composer{
		baseURL:     strings.TrimRight(baseURL, "/"),
		confirmFrom: confirmFrom,
		resetFrom:   resetFrom,
	}
}

// link builds an absolute URL on the configured base URL. The request Host
// header is client controlled and never used.
func (c *Composer) link(path string) string {
	return c.baseURL + path
}

func (c *Composer) EmailConfirmation(to, token string) Message {
	return Message{
		From:    c.confirmFrom,
		To:      to,
		Subject: "✔ Confirm your email address on Voyager",
		Text: fmt.Sprintf(
			"Confirm your email address to complete your Voyager account associated with the email %s. "+
				"It's easy, just open the link below.\n\n%s",
			to, c.link("/auth/confirm/"+token)),
	}
}

func (c *Composer) PasswordReset(to, token string) Message {
	return Message{
		From:    c.resetFrom,
		To:      to,
		Subject: "✔ Reset your password on Voyager",
		Text: "You are receiving this email because you (or someone else) have requested the reset of the password for your account.\n\n" +
			"Please click on the following link, or paste this into your browser to complete the process:\n\n" +
			c.link("/auth/reset/"+token) + "\n\n" +
			"If you did not request this, please ignore this email and your password will remain unchanged.\n",
	}
}
