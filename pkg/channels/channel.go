package channels

import (
	"context"
	"strings"
)

// InboundMessage is the normalized ingress payload from any channel.
type InboundMessage struct {
	Channel  string
	SenderID string
	ChatID   string
	Content  string
	// Media holds local paths of attachments the adapter already fetched.
	Media    []string
	Metadata map[string]interface{}
}

// SessionKey derives the conversation key this message belongs to.
func (m InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// OutboundMessage is a reply or announcement pushed through a channel.
type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	Media    []string
	Metadata map[string]interface{}
}

// SplitSessionKey splits a "<channel>:<chat id>" session key back into its
// parts. Chat ids may contain colons; only the first one separates.
func SplitSessionKey(key string) (channel, chatID string, ok bool) {
	channel, chatID, ok = strings.Cut(key, ":")
	if channel == "" || chatID == "" {
		return "", "", false
	}
	return channel, chatID, ok
}

// DispatchFunc routes an inbound message into the canonical runtime flow and
// returns the reply text for the adapter to deliver.
type DispatchFunc func(ctx context.Context, msg InboundMessage) (string, error)

// Channel is a transport adapter (direct, telegram, gateway, ...). Start may
// block-poll in its own goroutines but must return once the adapter is up;
// Send delivers runtime-initiated messages such as task announcements.
type Channel interface {
	Name() string
	Start(ctx context.Context, dispatch DispatchFunc) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg OutboundMessage) error
}
