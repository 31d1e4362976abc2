// Package notification carries subscription notifications to their delivery
// channels: REST hooks and pooled chat webhooks. The transports report a
// status and error to the evaluator, which owns the per-subscription error
// accounting.
package notification

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Channel describes one delivery target.
type Channel struct {
	// Type is the channel code: rest-hook | chat-webhook | websocket |
	// email. The deprecated "zulip" name is accepted as an alias of
	// chat-webhook.
	Type        string
	Endpoint    string
	Headers     map[string][]string
	ContentType string
}

// Dispatcher sends one serialized notification to a channel and reports the
// transport status.
type Dispatcher interface {
	Send(ctx context.Context, ch Channel, body []byte) (status int, err error)
}

// Router dispatches by channel type. Reserved channel types (websocket,
// email) report an error so the evaluator records the notification as
// unsent.
type Router struct {
	Rest *RestHook
	Chat *ChatPool
	Log  zerolog.Logger
}

// NewRouter wires the standard transports.
func NewRouter(log zerolog.Logger, chat *ChatPool) *Router {
	return &Router{
		Rest: NewRestHook(log),
		Chat: chat,
		Log:  log,
	}
}

// Send implements Dispatcher.
func (r *Router) Send(ctx context.Context, ch Channel, body []byte) (int, error) {
	switch ch.Type {
	case "rest-hook":
		return r.Rest.Send(ctx, ch, body)
	case "chat-webhook", "zulip":
		if r.Chat == nil {
			return 0, fmt.Errorf("chat webhook pool is not configured")
		}
		return r.Chat.Send(ctx, ch, body)
	case "websocket", "email":
		return 0, fmt.Errorf("channel type %q is not implemented", ch.Type)
	default:
		return 0, fmt.Errorf("unknown channel type %q", ch.Type)
	}
}
