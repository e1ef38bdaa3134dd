package channels

import (
	"context"
	"fmt"
	"strings"
)

// DirectChannel serves ingress paths that already hold the caller's
// connection, like the CLI. Dispatch replies travel back on that connection;
// outbound pushes go to the sink.
type DirectChannel struct {
	name string
	sink func(msg OutboundMessage)
}

// NewDirectChannel creates a direct channel. A nil sink drops outbound
// messages.
func NewDirectChannel(name string, sink func(msg OutboundMessage)) *DirectChannel {
	return &DirectChannel{name: strings.TrimSpace(name), sink: sink}
}

// Name returns the channel name.
func (c *DirectChannel) Name() string {
	return c.name
}

// Start validates the wiring; direct channels have nothing to poll.
func (c *DirectChannel) Start(_ context.Context, dispatch DispatchFunc) error {
	if c.name == "" {
		return fmt.Errorf("channel name is required")
	}
	if dispatch == nil {
		return fmt.Errorf("dispatch function is required")
	}
	return nil
}

// Stop is a no-op for direct channels.
func (c *DirectChannel) Stop(_ context.Context) error {
	return nil
}

// Send hands the message to the sink, if one is wired.
func (c *DirectChannel) Send(_ context.Context, msg OutboundMessage) error {
	if c.sink != nil {
		c.sink(msg)
	}
	return nil
}
