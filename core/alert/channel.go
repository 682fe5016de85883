package alert

import "context"

// Channel is the capability interface for one notification transport
// (push, SMS, email, ...). Implementations live under infra/notify and are
// injected into the engine; a send failure affects only that attempt.
type Channel interface {
	Name() string
	Send(ctx context.Context, recipient, message string) error
}
