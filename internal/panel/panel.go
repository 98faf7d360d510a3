// Package panel is the operator-only control surface. It is deliberately
// thin: each button or text event maps onto an operation the registry,
// pool, or enrollment manager already defines.
package panel

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/chorusbot/chorus/internal/enroll"
	"github.com/chorusbot/chorus/internal/pool"
	"github.com/chorusbot/chorus/internal/registry"
	"github.com/chorusbot/chorus/internal/telegram"
)

// ErrUnauthorized means the caller is not the configured operator.
var ErrUnauthorized = errors.New("panel: operator only")

// Panel routes operator events.
type Panel struct {
	reg        *registry.Registry
	pool       *pool.Manager
	enroll     *enroll.Manager
	operatorID int64
}

// Opts holds parameters for creating a Panel.
type Opts struct {
	Registry   *registry.Registry
	Pool       *pool.Manager
	Enroll     *enroll.Manager
	OperatorID int64
}

// New creates a Panel.
func New(opts Opts) (*Panel, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("panel: registry is required")
	}
	if opts.Pool == nil {
		return nil, fmt.Errorf("panel: pool is required")
	}
	if opts.Enroll == nil {
		return nil, fmt.Errorf("panel: enrollment manager is required")
	}
	if opts.OperatorID == 0 {
		return nil, fmt.Errorf("panel: operator id is required")
	}
	return &Panel{
		reg:        opts.Registry,
		pool:       opts.Pool,
		enroll:     opts.Enroll,
		operatorID: opts.OperatorID,
	}, nil
}

// HandleText routes an operator text message. While an enrollment is in
// flight all text feeds the enrollment; otherwise the panel commands apply.
func (p *Panel) HandleText(ctx context.Context, userID int64, text string) (telegram.Reply, error) {
	if userID != p.operatorID {
		return telegram.Reply{}, ErrUnauthorized
	}

	if p.enroll.Active(userID) {
		switch strings.TrimSpace(text) {
		case "/cancel":
			return p.enroll.Cancel(ctx, userID)
		default:
			return p.enroll.HandleText(ctx, userID, text)
		}
	}

	switch strings.TrimSpace(text) {
	case "/assistants", "/start":
		return p.Overview()
	case "/cancel":
		return telegram.Reply{Text: "Nothing to cancel."}, nil
	}
	return telegram.Reply{Text: "Unknown command. Use /assistants."}, nil
}

// HandleAction routes an inline-keyboard callback payload ("verb:arg").
func (p *Panel) HandleAction(ctx context.Context, userID int64, action string) (telegram.Reply, error) {
	if userID != p.operatorID {
		return telegram.Reply{}, ErrUnauthorized
	}

	verb, arg := splitAction(action)
	switch verb {
	case "panel:list":
		return p.Overview()
	case "panel:add":
		reply, err := p.enroll.Begin(ctx, userID)
		if errors.Is(err, enroll.ErrSessionActive) {
			return telegram.Reply{Text: "An enrollment is already running. Send /cancel first."}, nil
		}
		return reply, err
	case "enroll:cancel":
		return p.enroll.Cancel(ctx, userID)
	case "enroll:use_default":
		return p.dispatchEnroll(p.enroll.UseDefault(ctx, userID))
	case "enroll:skip":
		return p.dispatchEnroll(p.enroll.Skip(ctx, userID))
	case "panel:remove":
		return p.confirmRemove(arg)
	case "panel:remove_confirm":
		return p.remove(ctx, arg)
	case "panel:restart_all":
		return p.restartAll(ctx)
	case "panel:autoleave":
		return p.toggleAutoLeave()
	case "panel:autoleave_timeout":
		return p.setAutoLeaveTimeout(arg)
	}
	return telegram.Reply{Text: "Unknown action."}, nil
}

func (p *Panel) dispatchEnroll(reply telegram.Reply, err error) (telegram.Reply, error) {
	if errors.Is(err, enroll.ErrNoSession) {
		return telegram.Reply{Text: "No enrollment in progress."}, nil
	}
	return reply, err
}

// Overview renders the assistant list with live status and the action
// keyboard.
func (p *Panel) Overview() (telegram.Reply, error) {
	recs, err := p.reg.GetAll()
	if err != nil {
		return telegram.Reply{}, err
	}
	settings, err := p.reg.AutoLeave()
	if err != nil {
		return telegram.Reply{}, err
	}

	var b strings.Builder
	stats := p.pool.PoolStats()
	fmt.Fprintf(&b, "Assistants: %d total, %d connected, %d active calls\n\n",
		stats.Total, stats.Connected, stats.InCalls)
	if len(recs) == 0 {
		b.WriteString("No assistants enrolled yet.\n")
	}
	for _, rec := range recs {
		status := "inactive"
		if rec.Active {
			status = "disconnected"
		}
		detail := ""
		if client, ok := p.pool.Get(rec.ID); ok && client.Connected() {
			status = "connected"
			detail = fmt.Sprintf(", %d calls, seen %s ago",
				client.ActiveCallsCount(), age(client.LastActivity()))
		}
		fmt.Fprintf(&b, "#%d %s — %s%s\n", rec.ID, rec.Name, status, detail)
	}
	fmt.Fprintf(&b, "\nAuto-leave: %s (%d min)", onOff(settings.Enabled), settings.TimeoutMinutes)

	keyboard := [][]telegram.Button{
		{
			{Label: "Add assistant", Action: "panel:add"},
			{Label: "Restart all", Action: "panel:restart_all"},
		},
	}
	for _, rec := range recs {
		keyboard = append(keyboard, []telegram.Button{
			{Label: fmt.Sprintf("Remove #%d", rec.ID), Action: fmt.Sprintf("panel:remove:%d", rec.ID)},
		})
	}
	keyboard = append(keyboard, []telegram.Button{
		{Label: fmt.Sprintf("Auto-leave: %s", onOff(settings.Enabled)), Action: "panel:autoleave"},
	})
	return telegram.Reply{Text: b.String(), Keyboard: keyboard}, nil
}

func (p *Panel) confirmRemove(arg string) (telegram.Reply, error) {
	id, err := strconv.Atoi(arg)
	if err != nil {
		return telegram.Reply{Text: "Unknown action."}, nil
	}
	rec, err := p.reg.Get(id)
	if errors.Is(err, registry.ErrNotFound) {
		return telegram.Reply{Text: fmt.Sprintf("Assistant %d does not exist.", id)}, nil
	}
	if err != nil {
		return telegram.Reply{}, err
	}
	return telegram.Reply{
		Text: fmt.Sprintf("Remove assistant #%d (%s)? Its session credential will be deleted.", rec.ID, rec.Name),
		Keyboard: [][]telegram.Button{
			{
				{Label: "Yes, remove", Action: fmt.Sprintf("panel:remove_confirm:%d", id)},
				{Label: "Keep it", Action: "panel:list"},
			},
		},
	}, nil
}

// remove deletes an assistant end to end. Refused while the assistant is in
// a call.
func (p *Panel) remove(ctx context.Context, arg string) (telegram.Reply, error) {
	id, err := strconv.Atoi(arg)
	if err != nil {
		return telegram.Reply{Text: "Unknown action."}, nil
	}
	if p.pool.InCall(id) {
		return telegram.Reply{
			Text: fmt.Sprintf("Assistant %d is in an active call. Wait for it to finish, then remove.", id),
		}, nil
	}

	// A call joined after the check above is not stranded: Remove leaves
	// every active call before stopping the client.
	if err := p.pool.Remove(ctx, id); err != nil {
		return telegram.Reply{}, err
	}
	if err := p.reg.Remove(id); err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return telegram.Reply{Text: fmt.Sprintf("Assistant %d does not exist.", id)}, nil
		}
		return telegram.Reply{}, err
	}
	if err := p.reg.ClearBindingsFor(id); err != nil {
		return telegram.Reply{}, err
	}
	return telegram.Reply{Text: fmt.Sprintf("Assistant %d removed.", id)}, nil
}

func (p *Panel) restartAll(ctx context.Context) (telegram.Reply, error) {
	if err := p.pool.RestartAll(ctx); err != nil {
		return telegram.Reply{}, err
	}
	stats := p.pool.PoolStats()
	return telegram.Reply{
		Text: fmt.Sprintf("Restarted. %d/%d assistants connected.", stats.Connected, stats.Total),
	}, nil
}

func (p *Panel) toggleAutoLeave() (telegram.Reply, error) {
	settings, err := p.reg.AutoLeave()
	if err != nil {
		return telegram.Reply{}, err
	}
	if err := p.reg.SetAutoLeave(!settings.Enabled, settings.TimeoutMinutes); err != nil {
		return telegram.Reply{}, err
	}
	reply := telegram.Reply{
		Text: fmt.Sprintf("Auto-leave is now %s (timeout %d min).",
			onOff(!settings.Enabled), settings.TimeoutMinutes),
	}
	if !settings.Enabled {
		var row []telegram.Button
		for _, min := range []int{5, 10, 30} {
			row = append(row, telegram.Button{
				Label:  fmt.Sprintf("%d min", min),
				Action: fmt.Sprintf("panel:autoleave_timeout:%d", min),
			})
		}
		reply.Keyboard = [][]telegram.Button{row}
	}
	return reply, nil
}

func (p *Panel) setAutoLeaveTimeout(arg string) (telegram.Reply, error) {
	minutes, err := strconv.Atoi(arg)
	if err != nil || minutes < 1 {
		return telegram.Reply{Text: "Unknown action."}, nil
	}
	settings, err := p.reg.AutoLeave()
	if err != nil {
		return telegram.Reply{}, err
	}
	if err := p.reg.SetAutoLeave(settings.Enabled, minutes); err != nil {
		return telegram.Reply{}, err
	}
	return telegram.Reply{Text: fmt.Sprintf("Auto-leave timeout set to %d min.", minutes)}, nil
}

// splitAction separates "verb:arg" where the verb itself contains one
// colon ("panel:remove:3" -> "panel:remove", "3").
func splitAction(action string) (string, string) {
	parts := strings.Split(action, ":")
	if len(parts) <= 2 {
		return action, ""
	}
	return strings.Join(parts[:2], ":"), strings.Join(parts[2:], ":")
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

func age(t time.Time) string {
	d := time.Since(t).Round(time.Second)
	if d < time.Minute {
		return d.String()
	}
	return d.Round(time.Minute).String()
}
