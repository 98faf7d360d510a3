package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/chorusbot/chorus/internal/gate"
	"github.com/chorusbot/chorus/internal/panel"
	"github.com/chorusbot/chorus/internal/pool"
	"github.com/chorusbot/chorus/internal/telegram"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// defaultPollRestartDelay paces re-establishing the long-poll after the
// update channel closes underneath the daemon.
const defaultPollRestartDelay = 5 * time.Second

// updateSource is the slice of the bot the dispatch loop needs. The bot
// API client retries individual poll requests internally; this seam exists
// so a closed update channel can be recovered and tested.
type updateSource interface {
	Updates() tgbotapi.UpdatesChannel
	StopUpdates()
}

// dispatch drains the bot's update stream until the context ends. Updates
// are handled inline; Telegram's per-chat ordering is preserved because one
// goroutine owns the channel. A closed channel is treated as a downed bot
// transport: the long-poll is re-established after a pause, so command
// handling comes back while the pool keeps running.
func (app *application) dispatch(ctx context.Context) {
	defer app.updates.StopUpdates()
	for {
		if done := app.drain(ctx, app.updates.Updates()); done {
			return
		}
		log.Printf("chorus: update stream closed, restarting long-poll in %s", app.restartDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(app.restartDelay):
		}
	}
}

// drain consumes one update channel. It reports true when the context
// ended (shut down) and false when the channel closed (re-poll).
func (app *application) drain(ctx context.Context, updates tgbotapi.UpdatesChannel) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case upd, ok := <-updates:
			if !ok {
				return false
			}
			app.handleUpdate(ctx, upd)
		}
	}
}

func (app *application) handleUpdate(ctx context.Context, upd tgbotapi.Update) {
	timeout := time.Duration(app.cfg.RequestTimeoutSeconds) * time.Second
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch {
	case upd.CallbackQuery != nil:
		app.handleCallback(ctx, upd.CallbackQuery)
	case upd.Message != nil:
		app.handleMessage(ctx, upd.Message)
	}
}

func (app *application) handleCallback(ctx context.Context, cb *tgbotapi.CallbackQuery) {
	if err := app.bot.AnswerCallback(cb.ID, ""); err != nil {
		log.Printf("chorus: answer callback: %v", err)
	}

	reply, err := app.panel.HandleAction(ctx, cb.From.ID, cb.Data)
	if errors.Is(err, panel.ErrUnauthorized) {
		return
	}
	if err != nil {
		log.Printf("chorus: action %q: %v", cb.Data, err)
		return
	}
	if cb.Message == nil {
		return
	}
	if err := app.bot.SendReply(ctx, cb.Message.Chat.ID, reply); err != nil {
		log.Printf("chorus: reply to callback: %v", err)
	}
}

func (app *application) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}

	// Operator traffic in the private chat drives the control surface.
	if msg.Chat.IsPrivate() {
		reply, err := app.panel.HandleText(ctx, msg.From.ID, msg.Text)
		if errors.Is(err, panel.ErrUnauthorized) {
			return
		}
		if err != nil {
			log.Printf("chorus: operator text: %v", err)
			return
		}
		if err := app.bot.SendReply(ctx, msg.Chat.ID, reply); err != nil {
			log.Printf("chorus: reply to operator: %v", err)
		}
		return
	}

	// Group traffic: only the play entry point touches the pool.
	if cmd := command(msg); cmd == "play" {
		app.handlePlay(ctx, msg)
	}
}

// handlePlay asks the allocator for an assistant and puts it in the chat's
// voice call. Pool emptiness goes through the gate, never straight to the
// user.
func (app *application) handlePlay(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	client, err := app.alloc.Pick(ctx, chatID)
	if errors.Is(err, pool.ErrNoAssistant) {
		req := gate.Request{ChatID: chatID, UserID: msg.From.ID, DisplayName: displayName(msg.From)}
		if err := app.gate.Refuse(ctx, req); err != nil {
			log.Printf("chorus: gate: %v", err)
		}
		return
	}
	if err != nil {
		log.Printf("chorus: pick for chat %d: %v", chatID, err)
		return
	}

	err = telegram.WithFloodWait(ctx, func(ctx context.Context) error {
		return client.JoinCall(ctx, chatID)
	})
	switch {
	case err == nil:
		app.pool.TouchSession(chatID)
		app.reply(ctx, chatID, fmt.Sprintf("Assistant %d joined the voice chat.", client.AssistantID()))
	case errors.Is(err, telegram.ErrAlreadyJoined):
		app.pool.TouchSession(chatID)
	case errors.Is(err, telegram.ErrNoActiveCall):
		app.reply(ctx, chatID, "Start a voice chat first, then try again.")
	default:
		log.Printf("chorus: join call %d: %v", chatID, err)
		app.reply(ctx, chatID, "Could not join the voice chat. Try again in a moment.")
	}
}

func (app *application) reply(ctx context.Context, chatID int64, text string) {
	if err := app.bot.SendMessage(ctx, chatID, text); err != nil {
		log.Printf("chorus: reply to chat %d: %v", chatID, err)
	}
}

// command extracts the bare bot command from a message ("/play@SomeBot x"
// -> "play").
func command(msg *tgbotapi.Message) string {
	if !msg.IsCommand() {
		return ""
	}
	return strings.ToLower(msg.Command())
}

func displayName(u *tgbotapi.User) string {
	if u == nil {
		return "unknown"
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if u.UserName != "" {
		name = fmt.Sprintf("%s (@%s)", name, u.UserName)
	}
	return name
}
