package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/chorusbot/chorus/internal/models"
	"github.com/chorusbot/chorus/internal/registry"
	"github.com/chorusbot/chorus/internal/telegram"
)

// ErrNoAssistant means no connected assistant has capacity for another call.
var ErrNoAssistant = errors.New("pool: no assistant available")

// Allocator picks the assistant that serves a chat. Picks are serialized so
// two concurrent requests for the same chat resolve to the same assistant.
type Allocator struct {
	pool *Manager
	reg  *registry.Registry
	cap  int

	mu sync.Mutex
}

// NewAllocator creates an Allocator. cap is the per-client concurrent call
// ceiling.
func NewAllocator(pool *Manager, reg *registry.Registry, cap int) (*Allocator, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool: allocator: manager is required")
	}
	if reg == nil {
		return nil, fmt.Errorf("pool: allocator: registry is required")
	}
	if cap < 1 {
		return nil, fmt.Errorf("pool: allocator: call cap must be at least 1")
	}
	return &Allocator{pool: pool, reg: reg, cap: cap}, nil
}

// Pick returns the assistant for a chat. A sticky binding wins while its
// assistant is still usable; otherwise the least-loaded usable assistant is
// chosen and bound. Every pick counts as usage for the chosen assistant.
func (a *Allocator) Pick(ctx context.Context, chatID int64) (telegram.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if id, ok, err := a.reg.Binding(chatID); err != nil {
		return nil, err
	} else if ok {
		if client, usable := a.usable(id); usable {
			return a.finish(chatID, client)
		}
		// Stale binding; fall through and rebind.
		if err := a.reg.ClearBinding(chatID); err != nil {
			log.Printf("pool: clear stale binding %d: %v", chatID, err)
		}
	}

	client, err := a.leastLoaded()
	if err != nil {
		return nil, err
	}
	return a.finish(chatID, client)
}

// usable reports whether an assistant can take another call right now.
func (a *Allocator) usable(id int) (telegram.Client, bool) {
	rec, err := a.reg.Get(id)
	if err != nil || !rec.Active {
		return nil, false
	}
	client, ok := a.pool.Get(id)
	if !ok || !client.Connected() {
		return nil, false
	}
	if client.ActiveCallsCount() >= a.cap {
		return nil, false
	}
	return client, true
}

// leastLoaded scans the usable assistants and returns the one with the
// fewest active calls, breaking ties by older last use and then smaller id.
func (a *Allocator) leastLoaded() (telegram.Client, error) {
	recs, err := a.reg.GetAllActive()
	if err != nil {
		return nil, err
	}

	var (
		best    telegram.Client
		bestRec models.Assistant
	)
	for _, rec := range recs {
		client, ok := a.usable(rec.ID)
		if !ok {
			continue
		}
		if best == nil || better(client, rec, best, bestRec) {
			best, bestRec = client, rec
		}
	}
	if best == nil {
		return nil, ErrNoAssistant
	}
	return best, nil
}

// better reports whether candidate c should beat the current best.
func better(c telegram.Client, cr models.Assistant, b telegram.Client, br models.Assistant) bool {
	cl, bl := c.ActiveCallsCount(), b.ActiveCallsCount()
	if cl != bl {
		return cl < bl
	}
	if !cr.LastUsedAt.Equal(br.LastUsedAt) {
		return cr.LastUsedAt.Before(br.LastUsedAt)
	}
	return cr.ID < br.ID
}

// finish records the pick: sticky binding, usage bump, session activity.
func (a *Allocator) finish(chatID int64, client telegram.Client) (telegram.Client, error) {
	id := client.AssistantID()
	if err := a.reg.BindChat(chatID, id); err != nil {
		return nil, err
	}
	if err := a.reg.BumpUsage(id); err != nil {
		log.Printf("pool: bump usage %d: %v", id, err)
	}
	a.pool.TouchSession(chatID)
	return client, nil
}
