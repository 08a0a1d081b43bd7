package mail

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mailgun/mailgun-go/v4"
)

// Mailgun delivers messages through the Mailgun HTTP API.
type Mailgun struct {
	client *mailgun.MailgunImpl
}

// NewMailgun builds a client for domain. apiBase is the API root without the
// version segment, for example https://api.eu.mailgun.net; empty uses the
// US endpoint.
func NewMailgun(apiKey, domain, apiBase string) (*Mailgun, error) {
	apiKey = strings.TrimSpace(apiKey)
	domain = strings.TrimSpace(domain)
	if apiKey == "" || domain == "" {
		return nil, fmt.Errorf("invalid mailgun credentials")
	}

	client := mailgun.NewMailgun(domain, apiKey)
	client.SetClient(&http.Client{Timeout: 20 * time.Second})

	apiBase = strings.TrimRight(strings.TrimSpace(apiBase), "/")
	if apiBase != "" {
		if _, err := url.Parse(apiBase); err != nil {
			return nil, fmt.Errorf("parse mailgun api base: %w", err)
		}
		client.SetAPIBase(apiBase + "/v3")
	}

	return &Mailgun{client: client}, nil
}

func (m *Mailgun) Send(ctx context.Context, msg Message) error {
	message := m.client.NewMessage(msg.From, msg.Subject, msg.Text, msg.To)

	_, id, err := m.client.Send(ctx, message)
	if err != nil {
		return fmt.Errorf("mailgun send failed: %w", err)
	}
	if id == "" {
		return fmt.Errorf("mailgun response missing id")
	}

	return nil
}
