// Package gate turns an empty assistant pool into a calm refusal. User
// traffic never sees the pool directly; when allocation fails, the gate
// answers the user and pings the operator, coalescing the pings so a burst
// of requests produces one notification.
package gate

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/chorusbot/chorus/internal/telegram"
)

// DefaultCoalesceWindow bounds operator notifications to one per window.
const DefaultCoalesceWindow = 60 * time.Second

// Request describes the user request that found the pool empty.
type Request struct {
	ChatID      int64
	UserID      int64
	DisplayName string
}

// Gate answers play requests that cannot be served.
type Gate struct {
	bot            telegram.BotClient
	operatorID     int64
	supportContact string
	window         time.Duration

	mu         sync.Mutex
	lastNotify time.Time
	suppressed int
}

// Opts holds parameters for creating a Gate.
type Opts struct {
	Bot            telegram.BotClient
	OperatorID     int64
	SupportContact string
	Window         time.Duration // defaults to DefaultCoalesceWindow
}

// New creates a Gate.
func New(opts Opts) (*Gate, error) {
	if opts.Bot == nil {
		return nil, fmt.Errorf("gate: bot client is required")
	}
	if opts.OperatorID == 0 {
		return nil, fmt.Errorf("gate: operator id is required")
	}
	window := opts.Window
	if window <= 0 {
		window = DefaultCoalesceWindow
	}
	return &Gate{
		bot:            opts.Bot,
		operatorID:     opts.OperatorID,
		supportContact: opts.SupportContact,
		window:         window,
	}, nil
}

// RefusalText is the fixed user-facing message.
func (g *Gate) RefusalText() string {
	contact := g.supportContact
	if contact == "" {
		contact = fmt.Sprintf("operator %d", g.operatorID)
	}
	return fmt.Sprintf(
		"No assistant account is available to join the voice chat right now. "+
			"Please try again in a few minutes, or contact %s.", contact)
}

// Refuse replies to the requesting chat and, at most once per coalescing
// window, notifies the operator. The user reply is never suppressed.
func (g *Gate) Refuse(ctx context.Context, req Request) error {
	if err := g.bot.SendMessage(ctx, req.ChatID, g.RefusalText()); err != nil {
		return fmt.Errorf("gate: refuse chat %d: %w", req.ChatID, err)
	}
	g.notify(ctx, req)
	return nil
}

func (g *Gate) notify(ctx context.Context, req Request) {
	g.mu.Lock()
	now := time.Now()
	if now.Sub(g.lastNotify) < g.window {
		g.suppressed++
		g.mu.Unlock()
		return
	}
	g.lastNotify = now
	suppressed := g.suppressed
	g.suppressed = 0
	g.mu.Unlock()

	text := fmt.Sprintf(
		"No assistant was available for a play request.\n"+
			"User: %s (%d)\nChat: %d\nTime: %s\n"+
			"Use /assistants to add or restart accounts.",
		req.DisplayName, req.UserID, req.ChatID, now.Format(time.RFC3339))
	if suppressed > 0 {
		text += fmt.Sprintf("\n(%d more requests refused since the last notice.)", suppressed)
	}
	if err := g.bot.SendMessage(ctx, g.operatorID, text); err != nil {
		log.Printf("gate: notify operator: %v", err)
	}
}
