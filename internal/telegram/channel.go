// Package telegram adapts the Telegram Bot API to the channel contract:
// long-polled updates become inbound messages and replies flow back to the
// originating chat, with DM allowlisting, group mention gating, and
// attachment handling.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/halim/nia/internal/tracing"
	"github.com/halim/nia/pkg/channels"
	"github.com/halim/nia/pkg/fault"
)

// maxMessageLen is Telegram's per-message character limit.
const maxMessageLen = 4096

// botAPI is the slice of the bot client the adapter needs. *tgbotapi.BotAPI
// satisfies it; tests script it.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFile(config tgbotapi.FileConfig) (tgbotapi.File, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// MenuCommand is one entry of the command menu Telegram clients show.
type MenuCommand struct {
	Command     string
	Description string
}

// Config wires the Telegram adapter.
type Config struct {
	Token string
	// DMPolicy is allowlist, open, or disabled. Unset means allowlist.
	DMPolicy  string
	Allowlist []int64
	// MediaDir is where inbound attachments are written.
	MediaDir string
	// PollTimeout is the long-poll timeout in seconds. Defaults to 60.
	PollTimeout int
	Menu        []MenuCommand
}

// Channel adapts Telegram long polling to the channel contract. Each
// accepted message is dispatched on its own goroutine; per-session ordering
// is the run queue's concern, not the adapter's.
type Channel struct {
	api    botAPI
	self   tgbotapi.User
	cfg    Config
	logger zerolog.Logger

	// fileURL resolves a Bot API file to its download URL.
	fileURL func(file tgbotapi.File) string

	mu      sync.Mutex
	running bool
}

// New authenticates against the Bot API and builds the adapter.
func New(cfg Config, logger zerolog.Logger) (*Channel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}

	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	c := newChannel(api, api.Self, cfg, logger)
	c.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")
	return c, nil
}

func newChannel(api botAPI, self tgbotapi.User, cfg Config, logger zerolog.Logger) *Channel {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 60
	}
	c := &Channel{
		api:    api,
		self:   self,
		cfg:    cfg,
		logger: logger.With().Str("module", "telegram").Logger(),
	}
	c.fileURL = func(file tgbotapi.File) string {
		return file.Link(cfg.Token)
	}
	return c
}

// Name implements channels.Channel.
func (c *Channel) Name() string { return "telegram" }

// Start begins long polling. The dispatcher is invoked once per accepted
// message and its reply is delivered back to the originating chat.
func (c *Channel) Start(ctx context.Context, dispatch channels.DispatchFunc) error {
	if dispatch == nil {
		return fmt.Errorf("dispatch function is required")
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("telegram channel is already running")
	}
	c.running = true
	c.mu.Unlock()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = c.cfg.PollTimeout
	updates := c.api.GetUpdatesChan(u)

	c.setMenu()

	go c.poll(ctx, updates, dispatch)

	c.logger.Info().Msg("Telegram channel started")
	return nil
}

// Stop halts long polling. Safe to call when not running.
func (c *Channel) Stop(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false
	c.api.StopReceivingUpdates()
	c.logger.Info().Msg("Telegram channel stopped")
	return nil
}

func (c *Channel) poll(ctx context.Context, updates tgbotapi.UpdatesChannel, dispatch channels.DispatchFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			msg := update.Message
			if msg == nil || !c.accepts(msg) {
				continue
			}
			go c.handle(tracing.NewRequestContext(ctx), dispatch, msg)
		}
	}
}

// accepts applies the DM policy to private chats and mention gating to
// groups. Rejected messages are skipped silently.
func (c *Channel) accepts(msg *tgbotapi.Message) bool {
	if msg.From == nil || msg.From.IsBot || msg.Chat == nil {
		return false
	}

	if msg.Chat.IsPrivate() {
		switch c.cfg.DMPolicy {
		case "open":
			return true
		case "disabled":
			return false
		default:
			for _, id := range c.cfg.Allowlist {
				if id == msg.From.ID {
					return true
				}
			}
			return false
		}
	}

	// Groups answer only when addressed.
	if c.isMentioned(msg) {
		return true
	}
	return msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil &&
		msg.ReplyToMessage.From.ID == c.self.ID
}

// isMentioned reports whether the message text carries an @mention of the
// bot's username.
func (c *Channel) isMentioned(msg *tgbotapi.Message) bool {
	if c.self.UserName == "" {
		return false
	}
	handle := "@" + c.self.UserName
	for _, entity := range msg.Entities {
		if entity.Type != "mention" {
			continue
		}
		end := entity.Offset + entity.Length
		if end > len(msg.Text) {
			continue
		}
		if strings.EqualFold(msg.Text[entity.Offset:end], handle) {
			return true
		}
	}
	return false
}

func (c *Channel) handle(ctx context.Context, dispatch channels.DispatchFunc, msg *tgbotapi.Message) {
	logger := tracing.LoggerFromContext(ctx, c.logger)

	stopTyping := c.keepTyping(ctx, msg.Chat.ID)
	defer stopTyping()

	inbound := c.normalize(msg)
	logger.Debug().
		Str("chat_id", inbound.ChatID).
		Str("sender_id", inbound.SenderID).
		Int("media", len(inbound.Media)).
		Msg("Message received")

	reply, err := dispatch(ctx, inbound)
	if err != nil {
		logger.Error().Err(err).Str("chat_id", inbound.ChatID).Msg("Dispatch failed")
		reply = fault.UserMessage(err)
	}
	if strings.TrimSpace(reply) == "" {
		return
	}

	if err := c.deliver(msg.Chat.ID, msg.MessageID, reply); err != nil {
		logger.Error().Err(err).Str("chat_id", inbound.ChatID).Msg("Failed to deliver reply")
	}
}

// normalize flattens a Telegram message into the transport contract.
// Attachments are fetched up front so tools can reach them by local path.
func (c *Channel) normalize(msg *tgbotapi.Message) channels.InboundMessage {
	content := msg.Text
	if msg.Caption != "" {
		content = msg.Caption
	}
	if !msg.Chat.IsPrivate() && c.self.UserName != "" {
		content = strings.TrimSpace(strings.ReplaceAll(content, "@"+c.self.UserName, ""))
	}

	paths, notes := c.fetchAttachments(msg)
	if len(notes) > 0 {
		content = strings.TrimSpace(content + "\n" + strings.Join(notes, "\n"))
	}
	if content == "" {
		content = "[empty message]"
	}

	meta := map[string]interface{}{
		"message_id": msg.MessageID,
		"username":   msg.From.UserName,
	}
	if !msg.Chat.IsPrivate() {
		meta["chat_title"] = msg.Chat.Title
	}

	return channels.InboundMessage{
		Channel:  "telegram",
		SenderID: strconv.FormatInt(msg.From.ID, 10),
		ChatID:   strconv.FormatInt(msg.Chat.ID, 10),
		Content:  content,
		Media:    paths,
		Metadata: meta,
	}
}

// deliver sends text split to Telegram's message limit. Only the first part
// replies to the prompting message.
func (c *Channel) deliver(chatID int64, replyTo int, text string) error {
	for i, part := range splitMessage(text, maxMessageLen) {
		out := tgbotapi.NewMessage(chatID, part)
		if i == 0 && replyTo != 0 {
			out.ReplyToMessageID = replyTo
		}
		if _, err := c.api.Send(out); err != nil {
			return fmt.Errorf("failed to send message: %w", err)
		}
	}
	return nil
}

// Send pushes a runtime-initiated message, such as a background task
// announcement or a reminder firing.
func (c *Channel) Send(_ context.Context, msg channels.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q", msg.ChatID)
	}

	if strings.TrimSpace(msg.Content) != "" {
		if err := c.deliver(chatID, 0, msg.Content); err != nil {
			return err
		}
	}
	for _, path := range msg.Media {
		if err := c.upload(chatID, path); err != nil {
			return err
		}
	}
	return nil
}

// setMenu publishes the command menu. The menu is cosmetic, so a failure
// must not stop the channel.
func (c *Channel) setMenu() {
	if len(c.cfg.Menu) == 0 {
		return
	}
	commands := make([]tgbotapi.BotCommand, 0, len(c.cfg.Menu))
	for _, entry := range c.cfg.Menu {
		commands = append(commands, tgbotapi.BotCommand{
			Command:     strings.TrimPrefix(entry.Command, "/"),
			Description: entry.Description,
		})
	}
	if _, err := c.api.Request(tgbotapi.NewSetMyCommands(commands...)); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to set command menu")
	}
}

// splitMessage cuts text into parts of at most limit runes, preferring to
// break at the last newline of each window.
func splitMessage(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var parts []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i
				break
			}
		}
		parts = append(parts, strings.TrimRight(string(runes[:cut]), "\n"))
		runes = runes[cut:]
		for len(runes) > 0 && runes[0] == '\n' {
			runes = runes[1:]
		}
	}
	if len(runes) > 0 {
		parts = append(parts, string(runes))
	}
	return parts
}
