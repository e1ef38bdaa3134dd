package channels

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testChannel struct {
	name       string
	startCalls int
	stopCalls  int
	sent       []OutboundMessage
}

func (c *testChannel) Name() string {
	return c.name
}

func (c *testChannel) Start(_ context.Context, dispatch DispatchFunc) error {
	if dispatch == nil {
		return assert.AnError
	}
	c.startCalls++
	return nil
}

func (c *testChannel) Stop(_ context.Context) error {
	c.stopCalls++
	return nil
}

func (c *testChannel) Send(_ context.Context, msg OutboundMessage) error {
	c.sent = append(c.sent, msg)
	return nil
}

func TestRegistry_RegisterStartDispatchStop(t *testing.T) {
	dispatched := 0
	reg := NewRegistry(func(_ context.Context, msg InboundMessage) (string, error) {
		dispatched++
		return msg.Channel + ":" + msg.Content, nil
	})

	ch := &testChannel{name: "gateway"}
	require.NoError(t, reg.Register(ch))
	assert.True(t, reg.IsRegistered("gateway"))
	assert.Equal(t, []string{"gateway"}, reg.Names())

	require.NoError(t, reg.StartAll(context.Background()))
	assert.Equal(t, 1, ch.startCalls)

	reply, err := reg.Dispatch(context.Background(), InboundMessage{
		Channel: "gateway",
		ChatID:  "client-1",
		Content: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, "gateway:hello", reply)
	assert.Equal(t, 1, dispatched)

	require.NoError(t, reg.StopAll(context.Background()))
	assert.Equal(t, 1, ch.stopCalls)
}

func TestRegistry_DispatchUnknownChannel(t *testing.T) {
	reg := NewRegistry(func(_ context.Context, msg InboundMessage) (string, error) {
		return msg.Content, nil
	})

	_, err := reg.Dispatch(context.Background(), InboundMessage{
		Channel: "telegram",
		Content: "ping",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestRegistry_RejectsDuplicateChannel(t *testing.T) {
	reg := NewRegistry(func(_ context.Context, msg InboundMessage) (string, error) {
		return msg.Content, nil
	})

	require.NoError(t, reg.Register(&testChannel{name: "gateway"}))
	err := reg.Register(&testChannel{name: "gateway"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistry_SendRoutesByChannel(t *testing.T) {
	reg := NewRegistry(func(_ context.Context, msg InboundMessage) (string, error) {
		return msg.Content, nil
	})
	tg := &testChannel{name: "telegram"}
	gw := &testChannel{name: "gateway"}
	require.NoError(t, reg.Register(tg))
	require.NoError(t, reg.Register(gw))

	err := reg.Send(context.Background(), OutboundMessage{
		Channel: "telegram",
		ChatID:  "99",
		Content: "task finished",
	})
	require.NoError(t, err)
	require.Len(t, tg.sent, 1)
	assert.Equal(t, "99", tg.sent[0].ChatID)
	assert.Empty(t, gw.sent)

	err = reg.Send(context.Background(), OutboundMessage{Channel: "slack", ChatID: "1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestSessionKeyRoundTrip(t *testing.T) {
	msg := InboundMessage{Channel: "telegram", ChatID: "99"}
	assert.Equal(t, "telegram:99", msg.SessionKey())

	channel, chatID, ok := SplitSessionKey("telegram:99")
	require.True(t, ok)
	assert.Equal(t, "telegram", channel)
	assert.Equal(t, "99", chatID)

	// Chat ids keep their own colons intact.
	channel, chatID, ok = SplitSessionKey("gateway:client:7")
	require.True(t, ok)
	assert.Equal(t, "gateway", channel)
	assert.Equal(t, "client:7", chatID)

	_, _, ok = SplitSessionKey("no-separator")
	assert.False(t, ok)
	_, _, ok = SplitSessionKey(":orphan")
	assert.False(t, ok)
}

func TestDirectChannel(t *testing.T) {
	var captured []OutboundMessage
	ch := NewDirectChannel("cli", func(msg OutboundMessage) {
		captured = append(captured, msg)
	})

	assert.Equal(t, "cli", ch.Name())
	require.NoError(t, ch.Start(context.Background(), func(_ context.Context, msg InboundMessage) (string, error) {
		return msg.Content, nil
	}))

	require.NoError(t, ch.Send(context.Background(), OutboundMessage{Channel: "cli", Content: "ping"}))
	require.Len(t, captured, 1)
	assert.Equal(t, "ping", captured[0].Content)

	require.NoError(t, ch.Stop(context.Background()))

	t.Run("rejects a nil dispatcher", func(t *testing.T) {
		err := ch.Start(context.Background(), nil)
		require.Error(t, err)
	})

	t.Run("nil sink drops sends", func(t *testing.T) {
		quiet := NewDirectChannel("cli", nil)
		require.NoError(t, quiet.Send(context.Background(), OutboundMessage{Content: "dropped"}))
	})
}
