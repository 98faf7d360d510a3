// Package lifecycle runs the periodic maintenance the pool needs to stay
// healthy over days of uptime: reconnecting dead clients, cycling idle
// sessions, leaving abandoned chats, and sweeping expired state. Every loop
// logs and continues on error; one bad iteration never kills a loop.
package lifecycle

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/chorusbot/chorus/internal/enroll"
	"github.com/chorusbot/chorus/internal/pool"
	"github.com/chorusbot/chorus/internal/registry"
	"github.com/chorusbot/chorus/internal/telegram"
	"github.com/robfig/cron/v3"
	"github.com/sethvargo/go-retry"
)

const (
	// reconnect backoff for the health probe, capped by attempt count.
	reconnectBase     = 2 * time.Second
	reconnectAttempts = 3

	// idle cleanup handles one client at a time with a pause between
	// restarts so the pool never reconnects in a storm.
	restartCooldown = 5 * time.Second

	// auto-leave batch ceiling and pacing, per sweep per client.
	autoLeaveBatch = 20
	autoLeaveEvery = time.Second
)

// Opts holds parameters for creating a Runner.
type Opts struct {
	Pool     *pool.Manager
	Registry *registry.Registry
	Enroll   *enroll.Manager

	// IdleThreshold is how long a call-free client may sit inactive before
	// the idle cleanup cycles it.
	IdleThreshold time.Duration

	// SessionIdle is how long a per-chat playback session may go untouched
	// before the GC forgets it.
	SessionIdle time.Duration

	HealthEvery  time.Duration // health probe cadence
	CleanupEvery time.Duration // idle cleanup cadence
	GCEvery      time.Duration // session GC cadence

	// Sleep is swapped out by tests; defaults to time.Sleep.
	Sleep func(time.Duration)

	// Backoff builds the reconnect backoff; defaults to a capped
	// exponential. Swapped out by tests.
	Backoff func() retry.Backoff
}

// Runner owns the cron schedule for the maintenance loops.
type Runner struct {
	pool   *pool.Manager
	reg    *registry.Registry
	enroll *enroll.Manager

	idleThreshold time.Duration
	sessionIdle   time.Duration
	healthEvery   time.Duration
	cleanupEvery  time.Duration
	gcEvery       time.Duration
	sleep         func(time.Duration)
	backoff       func() retry.Backoff

	cron *cron.Cron
}

// NewRunner creates a Runner.
func NewRunner(opts Opts) (*Runner, error) {
	if opts.Pool == nil {
		return nil, fmt.Errorf("lifecycle: pool is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("lifecycle: registry is required")
	}
	if opts.Enroll == nil {
		return nil, fmt.Errorf("lifecycle: enrollment manager is required")
	}
	r := &Runner{
		pool:          opts.Pool,
		reg:           opts.Registry,
		enroll:        opts.Enroll,
		idleThreshold: opts.IdleThreshold,
		sessionIdle:   opts.SessionIdle,
		healthEvery:   opts.HealthEvery,
		cleanupEvery:  opts.CleanupEvery,
		gcEvery:       opts.GCEvery,
		sleep:         opts.Sleep,
		backoff:       opts.Backoff,
	}
	if r.idleThreshold <= 0 {
		r.idleThreshold = 30 * time.Minute
	}
	if r.sessionIdle <= 0 {
		r.sessionIdle = 30 * time.Minute
	}
	if r.healthEvery <= 0 {
		r.healthEvery = 5 * time.Minute
	}
	if r.cleanupEvery <= 0 {
		r.cleanupEvery = 30 * time.Minute
	}
	if r.gcEvery <= 0 {
		r.gcEvery = time.Minute
	}
	if r.sleep == nil {
		r.sleep = time.Sleep
	}
	if r.backoff == nil {
		r.backoff = func() retry.Backoff {
			return retry.WithMaxRetries(reconnectAttempts, retry.NewExponential(reconnectBase))
		}
	}
	return r, nil
}

// Start schedules the loops. The auto-leave sweep shares the health probe's
// cadence; its own enable flag and timeout live in the registry so the
// operator can flip them at runtime.
func (r *Runner) Start(ctx context.Context) error {
	c := cron.New()
	schedule := []struct {
		every time.Duration
		name  string
		run   func(context.Context)
	}{
		{r.healthEvery, "health probe", r.HealthProbe},
		{r.cleanupEvery, "idle cleanup", r.IdleCleanup},
		{r.healthEvery, "auto-leave", r.AutoLeaveSweep},
		{r.gcEvery, "session gc", r.SessionGC},
	}
	for _, job := range schedule {
		job := job
		spec := fmt.Sprintf("@every %s", job.every)
		if _, err := c.AddFunc(spec, func() { job.run(ctx) }); err != nil {
			return fmt.Errorf("lifecycle: schedule %s: %w", job.name, err)
		}
	}
	c.Start()
	r.cron = c
	return nil
}

// Stop halts the schedule and waits for running jobs to finish.
func (r *Runner) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// HealthProbe retries Start on every disconnected client with exponential
// backoff. Clients that stay down are left for the next probe.
func (r *Runner) HealthProbe(ctx context.Context) {
	for _, client := range r.pool.List() {
		if client.Connected() {
			continue
		}
		err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
			if err := client.Start(ctx); err != nil {
				return retry.RetryableError(err)
			}
			return nil
		})
		if err != nil {
			log.Printf("lifecycle: reconnect assistant %d: %v", client.AssistantID(), err)
			continue
		}
		log.Printf("lifecycle: reconnected assistant %d", client.AssistantID())
	}
}

// IdleCleanup restarts clients that have been inactive past the threshold
// and are not in any call. One client at a time, cooldown between restarts.
func (r *Runner) IdleCleanup(ctx context.Context) {
	restarted := false
	for _, client := range r.pool.List() {
		if !client.Connected() || client.ActiveCallsCount() > 0 {
			continue
		}
		if !client.IsIdle(r.idleThreshold) {
			continue
		}
		if restarted {
			r.sleep(restartCooldown)
		}
		id := client.AssistantID()
		if err := r.pool.Restart(ctx, id); err != nil {
			log.Printf("lifecycle: idle restart assistant %d: %v", id, err)
			continue
		}
		restarted = true
		log.Printf("lifecycle: cycled idle assistant %d", id)
	}
}

// AutoLeaveSweep makes idle clients leave chats they no longer serve. A
// client never leaves a chat in which it has an active call; the sweep is
// bounded per client and paced to stay inside flood thresholds.
func (r *Runner) AutoLeaveSweep(ctx context.Context) {
	settings, err := r.reg.AutoLeave()
	if err != nil {
		log.Printf("lifecycle: auto-leave settings: %v", err)
		return
	}
	if !settings.Enabled {
		return
	}
	timeout := time.Duration(settings.TimeoutMinutes) * time.Minute

	for _, client := range r.pool.List() {
		if !client.Connected() || !client.IsIdle(timeout) {
			continue
		}
		chats, err := client.Chats(ctx)
		if err != nil {
			log.Printf("lifecycle: list chats for assistant %d: %v", client.AssistantID(), err)
			continue
		}

		left := 0
		for _, chatID := range chats {
			if left >= autoLeaveBatch {
				break
			}
			if client.InCall(chatID) {
				continue
			}
			if left > 0 {
				r.sleep(autoLeaveEvery)
			}
			err := telegram.WithFloodWait(ctx, func(ctx context.Context) error {
				return client.LeaveChat(ctx, chatID)
			})
			if err != nil {
				log.Printf("lifecycle: assistant %d leave chat %d: %v",
					client.AssistantID(), chatID, err)
				continue
			}
			left++
		}
		if left > 0 {
			log.Printf("lifecycle: assistant %d left %d idle chats", client.AssistantID(), left)
		}
	}
}

// SessionGC expires stale enrollment sessions and forgotten playback
// sessions.
func (r *Runner) SessionGC(ctx context.Context) {
	if n := r.enroll.GC(ctx); n > 0 {
		log.Printf("lifecycle: expired %d enrollment sessions", n)
	}
	if swept := r.pool.SweepStaleSessions(ctx, r.sessionIdle); len(swept) > 0 {
		log.Printf("lifecycle: swept %d stale playback sessions", len(swept))
	}
}
