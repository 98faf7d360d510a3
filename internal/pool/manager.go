// Package pool owns the set of live assistant clients and picks one per
// playback request. The Manager is the single source of truth for client
// identity; everything else holds a client only for the duration of one
// operation.
package pool

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/chorusbot/chorus/internal/models"
	"github.com/chorusbot/chorus/internal/registry"
	"github.com/chorusbot/chorus/internal/telegram"
	"golang.org/x/sync/errgroup"
)

// Stats is the pool health summary exposed to the operator surface and the
// dashboard.
type Stats struct {
	Total     int `json:"total"`
	Connected int `json:"connected"`
	InCalls   int `json:"in_calls"`
}

// Manager maps assistant ids to live clients.
type Manager struct {
	reg     *registry.Registry
	factory telegram.Factory
	out     io.Writer

	mu       sync.Mutex
	clients  map[int]telegram.Client
	sessions map[int64]time.Time // chatID -> last playback activity
}

// ManagerOpts holds parameters for creating a Manager.
type ManagerOpts struct {
	Registry *registry.Registry
	Factory  telegram.Factory
	Out      io.Writer // defaults to io.Discard
}

// NewManager creates a Manager.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("pool: registry is required")
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("pool: factory is required")
	}
	out := opts.Out
	if out == nil {
		out = io.Discard
	}
	return &Manager{
		reg:      opts.Registry,
		factory:  opts.Factory,
		out:      out,
		clients:  make(map[int]telegram.Client),
		sessions: make(map[int64]time.Time),
	}, nil
}

// Bootstrap loads all active records and starts their clients concurrently.
// Individual start failures are recorded, not fatal: the client stays in the
// pool disconnected so the operator can see it and the health probe can
// retry it.
func (m *Manager) Bootstrap(ctx context.Context) error {
	recs, err := m.reg.GetAllActive()
	if err != nil {
		return fmt.Errorf("pool: bootstrap: %w", err)
	}

	var g errgroup.Group
	for _, rec := range recs {
		rec := rec
		g.Go(func() error {
			if err := m.Add(ctx, rec); err != nil {
				log.Printf("pool: bootstrap assistant %d: %v", rec.ID, err)
			}
			return nil
		})
	}
	g.Wait()

	fmt.Fprintf(m.out, "Pool bootstrapped: %d/%d assistants connected\n",
		m.CountConnected(), len(recs))
	return nil
}

// Add creates and starts a client for the record and inserts it. A start
// failure still inserts the client (disconnected) and is returned so the
// caller can surface it. Any previous client for the id is stopped first,
// keeping at most one client per assistant.
func (m *Manager) Add(ctx context.Context, rec models.Assistant) error {
	client, err := m.factory.NewClient(rec.ID, rec.Credential)
	if err != nil {
		return fmt.Errorf("pool: create client %d: %w", rec.ID, err)
	}

	// Swap the map entry in one critical section; stop the displaced
	// client outside the lock.
	m.mu.Lock()
	old, replaced := m.clients[rec.ID]
	m.clients[rec.ID] = client
	m.mu.Unlock()
	if replaced {
		old.Stop(ctx)
	}

	startErr := client.Start(ctx)

	// A concurrent Add for the same id may have displaced this client
	// while it was starting; the newest client owns the id.
	m.mu.Lock()
	current := m.clients[rec.ID] == client
	m.mu.Unlock()
	if !current {
		client.Stop(ctx)
		return nil
	}
	if startErr != nil {
		return fmt.Errorf("pool: start client %d: %w", rec.ID, startErr)
	}

	// Refresh the profile snapshot; best-effort.
	if info, err := client.UserInfo(ctx); err == nil {
		if err := m.reg.SetUserInfo(rec.ID, info); err != nil {
			log.Printf("pool: store user info %d: %v", rec.ID, err)
		}
	}
	return nil
}

// Remove leaves any active calls, stops the client, and deletes it from the
// pool. Unknown ids are a no-op.
func (m *Manager) Remove(ctx context.Context, id int) error {
	m.mu.Lock()
	client, ok := m.clients[id]
	delete(m.clients, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	for _, chatID := range client.ActiveCalls() {
		if err := client.LeaveCall(ctx, chatID); err != nil {
			log.Printf("pool: leave call %d on remove of %d: %v", chatID, id, err)
		}
	}
	if err := client.Stop(ctx); err != nil {
		return fmt.Errorf("pool: stop client %d: %w", id, err)
	}
	return nil
}

// Restart stops and starts one client in place (fresh session health).
func (m *Manager) Restart(ctx context.Context, id int) error {
	client, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("pool: restart: no client for assistant %d", id)
	}
	if err := client.Stop(ctx); err != nil {
		return fmt.Errorf("pool: restart stop %d: %w", id, err)
	}
	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("pool: restart start %d: %w", id, err)
	}
	return nil
}

// RestartAll stops every client and re-bootstraps from the registry.
func (m *Manager) RestartAll(ctx context.Context) error {
	m.mu.Lock()
	clients := make([]telegram.Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[int]telegram.Client)
	m.mu.Unlock()

	for _, c := range clients {
		if err := c.Stop(ctx); err != nil {
			log.Printf("pool: restart-all stop %d: %v", c.AssistantID(), err)
		}
	}
	return m.Bootstrap(ctx)
}

// StopAll stops every client without reloading; used at shutdown. Active
// calls get a best-effort leave.
func (m *Manager) StopAll(ctx context.Context) {
	m.mu.Lock()
	clients := make([]telegram.Client, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[int]telegram.Client)
	m.mu.Unlock()

	for _, c := range clients {
		for _, chatID := range c.ActiveCalls() {
			c.LeaveCall(ctx, chatID)
		}
		if err := c.Stop(ctx); err != nil {
			log.Printf("pool: shutdown stop %d: %v", c.AssistantID(), err)
		}
	}
}

// Get returns the live client for an assistant id.
func (m *Manager) Get(id int) (telegram.Client, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.clients[id]
	return c, ok
}

// List returns a snapshot of all clients ordered by assistant id.
func (m *Manager) List() []telegram.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]telegram.Client, 0, len(m.clients))
	for _, c := range m.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].AssistantID() < out[j].AssistantID()
	})
	return out
}

// CountTotal returns the number of clients in the pool.
func (m *Manager) CountTotal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// CountConnected returns the number of connected clients.
func (m *Manager) CountConnected() int {
	n := 0
	for _, c := range m.List() {
		if c.Connected() {
			n++
		}
	}
	return n
}

// IsConnected reports whether the client for id exists and is connected.
func (m *Manager) IsConnected(id int) bool {
	c, ok := m.Get(id)
	return ok && c.Connected()
}

// ActiveCalls returns the call chat ids for one assistant.
func (m *Manager) ActiveCalls(id int) []int64 {
	c, ok := m.Get(id)
	if !ok {
		return nil
	}
	return c.ActiveCalls()
}

// InCall reports whether the assistant has any active call.
func (m *Manager) InCall(id int) bool {
	c, ok := m.Get(id)
	return ok && c.ActiveCallsCount() > 0
}

// PoolStats returns the health summary.
func (m *Manager) PoolStats() Stats {
	stats := Stats{}
	for _, c := range m.List() {
		stats.Total++
		if c.Connected() {
			stats.Connected++
		}
		stats.InCalls += c.ActiveCallsCount()
	}
	return stats
}

// TouchSession records playback activity for a chat. The allocator calls it
// on every pick; the streaming layer calls it while audio flows.
func (m *Manager) TouchSession(chatID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[chatID] = time.Now()
}

// SweepStaleSessions leaves calls in chats with no playback activity for
// longer than threshold and forgets their sessions. Returns the chats swept.
func (m *Manager) SweepStaleSessions(ctx context.Context, threshold time.Duration) []int64 {
	cutoff := time.Now().Add(-threshold)

	m.mu.Lock()
	var stale []int64
	for chatID, last := range m.sessions {
		if last.Before(cutoff) {
			stale = append(stale, chatID)
			delete(m.sessions, chatID)
		}
	}
	m.mu.Unlock()

	for _, chatID := range stale {
		for _, c := range m.List() {
			if c.InCall(chatID) {
				if err := c.LeaveCall(ctx, chatID); err != nil {
					log.Printf("pool: sweep leave call %d: %v", chatID, err)
				}
			}
		}
	}
	return stale
}
