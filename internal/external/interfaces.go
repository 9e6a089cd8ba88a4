package external

import (
	"context"

	"inactivity/internal/types"
)

// EmailProvider delivers one pre-rendered message. Implementations map
// vendor failures to AppErrors with upstream or email_blocked codes.
type EmailProvider interface {
	// Send returns the provider's message id, which may be empty for
	// transports that do not assign one.
	Send(ctx context.Context, input types.SendInput) (providerMsgID string, err error)

	// Name identifies the transport in logs and metrics.
	Name() string
}
