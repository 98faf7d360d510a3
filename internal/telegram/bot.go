package telegram

import (
	"context"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Bot implements BotClient over the Telegram Bot API. It is the main bot
// account: command I/O and operator notifications go through it. Voice-call
// work never does (bot accounts cannot join calls).
type Bot struct {
	api *tgbotapi.BotAPI
}

// NewBot authorizes the main bot account with the given token.
func NewBot(token string) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: create bot: %w", err)
	}
	return &Bot{api: api}, nil
}

// Username returns the bot account's username.
func (b *Bot) Username() string {
	return b.api.Self.UserName
}

// SendMessage sends plain text to a chat.
func (b *Bot) SendMessage(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	return b.send(ctx, msg)
}

// SendReply renders a structured reply: text plus optional inline keyboard.
func (b *Bot) SendReply(ctx context.Context, chatID int64, reply Reply) error {
	msg := tgbotapi.NewMessage(chatID, reply.Text)
	if len(reply.Keyboard) > 0 {
		var rows [][]tgbotapi.InlineKeyboardButton
		for _, row := range reply.Keyboard {
			var btns []tgbotapi.InlineKeyboardButton
			for _, btn := range row {
				btns = append(btns, tgbotapi.NewInlineKeyboardButtonData(btn.Label, btn.Action))
			}
			rows = append(rows, btns)
		}
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	return b.send(ctx, msg)
}

// AnswerCallback acknowledges an inline-button press.
func (b *Bot) AnswerCallback(callbackID, text string) error {
	callback := tgbotapi.NewCallback(callbackID, text)
	if _, err := b.api.Request(callback); err != nil {
		return fmt.Errorf("telegram: answer callback: %w", err)
	}
	return nil
}

// Updates returns the bot's long-poll update channel.
func (b *Bot) Updates() tgbotapi.UpdatesChannel {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	return b.api.GetUpdatesChan(u)
}

// StopUpdates stops the long-poll loop.
func (b *Bot) StopUpdates() {
	b.api.StopReceivingUpdates()
}

// send delivers a message, honouring the flood-wait policy once.
func (b *Bot) send(ctx context.Context, msg tgbotapi.MessageConfig) error {
	return WithFloodWait(ctx, func(ctx context.Context) error {
		_, err := b.api.Send(msg)
		if err == nil {
			return nil
		}
		if apiErr, ok := err.(*tgbotapi.Error); ok && apiErr.ResponseParameters.RetryAfter > 0 {
			return &FloodWaitError{Wait: time.Duration(apiErr.ResponseParameters.RetryAfter) * time.Second}
		}
		return fmt.Errorf("telegram: send to %d: %w", msg.ChatID, err)
	})
}
