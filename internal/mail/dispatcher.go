package mail

import (
	"context"
	"sync"
	"time"

	"voyager-accounts/internal/observability"
)

const defaultSendTimeout = 30 * time.Second

type Dispatcher struct {
	sender  Sender
	logger  *observability.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewDispatcher(sender Sender, logger *observability.Logger) *Dispatcher {
	return &Dispatcher{
		sender:  sender,
		logger:  logger,
		timeout: defaultSendTimeout,
	}
}

// Dispatch sends msg in the background. The request that triggered it is not
// held up and a failed send is only logged.
func (d *Dispatcher) Dispatch(msg Message) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.sender.Send(ctx, msg); err != nil {
			d.logger.Error("mail_send_failed", map[string]any{
				"to":      msg.To,
				"subject": msg.Subject,
				"error":   err.Error(),
			})
		}
	}()
}

// Wait blocks until every dispatched message has been attempted.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
