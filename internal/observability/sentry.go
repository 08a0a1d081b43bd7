package observability

import (
	"time"

	"github.com/getsentry/sentry-go"
)

func InitSentry(dsn, environment, release string) error {
	if dsn == "" {
		return nil
	}

	return sentry.Init(sentry.ClientOptions{
		Dsn:              dsn,
		Environment:      environment,
		Release:          release,
		AttachStacktrace: true,
	})
}

func FlushSentry() {
	sentry.Flush(2 * time.Second)
}

// Report logs err under message and forwards it to Sentry. Sentry capture is
// a no-op when no DSN was configured.
func (l *Logger) Report(message string, err error, fields map[string]any) {
	merged := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		merged[k] = v
	}
	merged["error"] = err.Error()
	l.Error(message, merged)

	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("event", message)
		sentry.CaptureException(err)
	})
}
