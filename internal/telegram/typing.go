package telegram

import (
	"context"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// typingRefresh is how often the indicator is re-sent. Telegram drops it
// after roughly five seconds.
const typingRefresh = 4 * time.Second

// keepTyping shows the typing indicator for chatID until the returned stop
// function runs. Stop is safe to call more than once.
func (c *Channel) keepTyping(ctx context.Context, chatID int64) func() {
	done := make(chan struct{})
	go func() {
		c.sendTyping(chatID)
		ticker := time.NewTicker(typingRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sendTyping(chatID)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}

func (c *Channel) sendTyping(chatID int64) {
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := c.api.Request(action); err != nil {
		c.logger.Debug().Err(err).Int64("chat_id", chatID).Msg("Failed to send typing action")
	}
}
