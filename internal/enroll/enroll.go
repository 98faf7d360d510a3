// Package enroll drives the interactive login of a new assistant account.
// Each operator gets at most one in-flight session; every exit path tears
// down the in-progress authorizer so half-logged-in sessions never leak.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chorusbot/chorus/internal/pool"
	"github.com/chorusbot/chorus/internal/registry"
	"github.com/chorusbot/chorus/internal/telegram"
)

// Step is the state of one enrollment session.
type Step int

const (
	StepPhone Step = iota
	StepAPI
	StepCode
	StepPassword
	StepConfirm
	StepDone
	StepCancelled
)

func (s Step) String() string {
	switch s {
	case StepPhone:
		return "await_phone"
	case StepAPI:
		return "await_api"
	case StepCode:
		return "await_code"
	case StepPassword:
		return "await_2fa"
	case StepConfirm:
		return "confirm"
	case StepDone:
		return "done"
	case StepCancelled:
		return "cancelled"
	}
	return "unknown"
}

const (
	// DefaultTTL bounds how long an abandoned session may hold an
	// in-progress login before the sweeper cancels it.
	DefaultTTL = 15 * time.Minute

	maxCodeTries     = 3
	maxPasswordTries = 3
)

var (
	// ErrSessionActive means the operator already has an enrollment running.
	ErrSessionActive = errors.New("enroll: session already active")

	// ErrNoSession means there is nothing in flight for the operator.
	ErrNoSession = errors.New("enroll: no active session")
)

var phoneRe = regexp.MustCompile(`^\+[1-9]\d{7,14}$`)

// Session is one operator's enrollment in progress.
type Session struct {
	OperatorID int64
	Step       Step
	CreatedAt  time.Time

	phone   string
	apiID   int
	apiHash string
	auth    telegram.Authorizer

	codeTries     int
	passwordTries int
}

// ManagerOpts holds parameters for creating a Manager.
type ManagerOpts struct {
	Registry *registry.Registry
	Pool     *pool.Manager
	Factory  telegram.Factory
	APIID    int    // built-in api credentials for "use default"
	APIHash  string //
	TTL      time.Duration
}

// Manager runs enrollment sessions.
type Manager struct {
	reg     *registry.Registry
	pool    *pool.Manager
	factory telegram.Factory
	apiID   int
	apiHash string
	ttl     time.Duration

	mu       sync.Mutex
	sessions map[int64]*Session
}

// NewManager creates a Manager.
func NewManager(opts ManagerOpts) (*Manager, error) {
	if opts.Registry == nil {
		return nil, fmt.Errorf("enroll: registry is required")
	}
	if opts.Pool == nil {
		return nil, fmt.Errorf("enroll: pool is required")
	}
	if opts.Factory == nil {
		return nil, fmt.Errorf("enroll: factory is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{
		reg:      opts.Registry,
		pool:     opts.Pool,
		factory:  opts.Factory,
		apiID:    opts.APIID,
		apiHash:  opts.APIHash,
		ttl:      ttl,
		sessions: make(map[int64]*Session),
	}, nil
}

// Begin opens a session for the operator. A second Begin while one is
// running fails with ErrSessionActive; the operator must cancel first.
func (m *Manager) Begin(ctx context.Context, operatorID int64) (telegram.Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[operatorID]; ok {
		return telegram.Reply{}, ErrSessionActive
	}
	m.sessions[operatorID] = &Session{
		OperatorID: operatorID,
		Step:       StepPhone,
		CreatedAt:  time.Now(),
	}
	return telegram.Reply{
		Text: "Send the phone number of the new assistant account in international format (e.g. +15551234567).",
		Keyboard: [][]telegram.Button{
			{{Label: "Cancel", Action: "enroll:cancel"}},
		},
	}, nil
}

// Step returns the current state for the operator's session.
func (m *Manager) StepFor(operatorID int64) (Step, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[operatorID]
	if !ok {
		return StepCancelled, false
	}
	return s.Step, true
}

// Active reports whether the operator has a session in flight.
func (m *Manager) Active(operatorID int64) bool {
	_, ok := m.StepFor(operatorID)
	return ok
}

// HandleText feeds an operator text message into the session.
func (m *Manager) HandleText(ctx context.Context, operatorID int64, text string) (telegram.Reply, error) {
	m.mu.Lock()
	s, ok := m.sessions[operatorID]
	m.mu.Unlock()
	if !ok {
		return telegram.Reply{}, ErrNoSession
	}

	text = strings.TrimSpace(text)
	switch s.Step {
	case StepPhone:
		return m.handlePhone(s, text)
	case StepAPI:
		return m.handleAPI(ctx, s, text)
	case StepCode:
		return m.handleCode(ctx, operatorID, s, text)
	case StepPassword:
		return m.handlePassword(ctx, operatorID, s, text)
	case StepConfirm:
		return m.handleName(ctx, operatorID, s, text)
	}
	return telegram.Reply{}, ErrNoSession
}

// UseDefault selects the built-in api credentials at the api step.
func (m *Manager) UseDefault(ctx context.Context, operatorID int64) (telegram.Reply, error) {
	m.mu.Lock()
	s, ok := m.sessions[operatorID]
	m.mu.Unlock()
	if !ok {
		return telegram.Reply{}, ErrNoSession
	}
	if s.Step != StepAPI {
		return telegram.Reply{Text: "Not expecting that right now."}, nil
	}
	return m.beginLogin(ctx, s, m.apiID, m.apiHash)
}

// Skip handles the 2FA skip button. Telegram decides whether the password
// is actually optional; when it is required the step does not advance.
func (m *Manager) Skip(ctx context.Context, operatorID int64) (telegram.Reply, error) {
	m.mu.Lock()
	s, ok := m.sessions[operatorID]
	m.mu.Unlock()
	if !ok {
		return telegram.Reply{}, ErrNoSession
	}
	if s.Step != StepPassword {
		return telegram.Reply{Text: "Not expecting that right now."}, nil
	}
	return telegram.Reply{
		Text: "This account has a cloud password; it cannot be skipped. Send the password, or cancel.",
	}, nil
}

// Cancel ends the operator's session and tears down any in-progress login.
// Cancelling with no session is a no-op.
func (m *Manager) Cancel(ctx context.Context, operatorID int64) (telegram.Reply, error) {
	m.mu.Lock()
	s, ok := m.sessions[operatorID]
	delete(m.sessions, operatorID)
	m.mu.Unlock()
	if !ok {
		return telegram.Reply{Text: "Nothing to cancel."}, nil
	}

	m.teardown(ctx, s)
	return telegram.Reply{Text: "Enrollment cancelled."}, nil
}

// GC cancels sessions older than the TTL and returns how many were swept.
func (m *Manager) GC(ctx context.Context) int {
	cutoff := time.Now().Add(-m.ttl)

	m.mu.Lock()
	var expired []*Session
	for id, s := range m.sessions {
		if s.CreatedAt.Before(cutoff) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		log.Printf("enroll: session for operator %d expired at step %s", s.OperatorID, s.Step)
		m.teardown(ctx, s)
	}
	return len(expired)
}

func (m *Manager) handlePhone(s *Session, text string) (telegram.Reply, error) {
	if !phoneRe.MatchString(text) {
		return telegram.Reply{
			Text: "That does not look like an international phone number. Try again, e.g. +15551234567.",
		}, nil
	}
	s.phone = text
	s.Step = StepAPI
	return telegram.Reply{
		Text: "Send the api_id:api_hash pair for this account, or use the built-in credentials.",
		Keyboard: [][]telegram.Button{
			{{Label: "Use default", Action: "enroll:use_default"}},
			{{Label: "Cancel", Action: "enroll:cancel"}},
		},
	}, nil
}

func (m *Manager) handleAPI(ctx context.Context, s *Session, text string) (telegram.Reply, error) {
	id, hash, ok := parseAPIPair(text)
	if !ok {
		return telegram.Reply{
			Text: "Expected api_id:api_hash (e.g. 123456:0123456789abcdef). Try again.",
		}, nil
	}
	return m.beginLogin(ctx, s, id, hash)
}

// beginLogin creates the in-progress login and requests the auth code.
func (m *Manager) beginLogin(ctx context.Context, s *Session, apiID int, apiHash string) (telegram.Reply, error) {
	s.apiID, s.apiHash = apiID, apiHash

	auth, err := m.factory.NewAuthorizer(apiID, apiHash)
	if err != nil {
		m.abort(ctx, s)
		return telegram.Reply{Text: "Could not start the login session. Enrollment cancelled; check the api credentials and retry."}, nil
	}
	s.auth = auth

	if err := auth.SendCode(ctx, s.phone); err != nil {
		log.Printf("enroll: send code to %s: %v", s.phone, err)
		m.abort(ctx, s)
		return telegram.Reply{Text: "Telegram refused to send a verification code. Enrollment cancelled; check the phone number and retry."}, nil
	}

	s.Step = StepCode
	return telegram.Reply{
		Text: "A verification code was sent to the account. Send it here.",
		Keyboard: [][]telegram.Button{
			{{Label: "Cancel", Action: "enroll:cancel"}},
		},
	}, nil
}

func (m *Manager) handleCode(ctx context.Context, operatorID int64, s *Session, text string) (telegram.Reply, error) {
	needs2FA, err := s.auth.SubmitCode(ctx, text)
	if err != nil {
		if errors.Is(err, telegram.ErrCodeInvalid) {
			s.codeTries++
			if s.codeTries >= maxCodeTries {
				m.abort(ctx, s)
				return telegram.Reply{Text: "Too many wrong codes. Enrollment cancelled."}, nil
			}
			return telegram.Reply{Text: "Wrong code, try again."}, nil
		}
		log.Printf("enroll: submit code for operator %d: %v", operatorID, err)
		m.abort(ctx, s)
		return telegram.Reply{Text: "Login failed while verifying the code. Enrollment cancelled."}, nil
	}

	if needs2FA {
		s.Step = StepPassword
		return telegram.Reply{
			Text: "The account has a cloud password (2FA). Send it here.",
			Keyboard: [][]telegram.Button{
				{{Label: "Skip", Action: "enroll:skip"}},
				{{Label: "Cancel", Action: "enroll:cancel"}},
			},
		}, nil
	}
	s.Step = StepConfirm
	return telegram.Reply{Text: "Logged in. Send a name for this assistant (3-50 characters)."}, nil
}

func (m *Manager) handlePassword(ctx context.Context, operatorID int64, s *Session, text string) (telegram.Reply, error) {
	if err := s.auth.SubmitPassword(ctx, text); err != nil {
		if errors.Is(err, telegram.ErrPasswordInvalid) {
			s.passwordTries++
			if s.passwordTries >= maxPasswordTries {
				m.abort(ctx, s)
				return telegram.Reply{Text: "Too many wrong passwords. Enrollment cancelled."}, nil
			}
			return telegram.Reply{Text: "Wrong password, try again."}, nil
		}
		log.Printf("enroll: submit password for operator %d: %v", operatorID, err)
		m.abort(ctx, s)
		return telegram.Reply{Text: "Login failed while checking the password. Enrollment cancelled."}, nil
	}
	s.Step = StepConfirm
	return telegram.Reply{Text: "Logged in. Send a name for this assistant (3-50 characters)."}, nil
}

// handleName finishes enrollment: export the credential, store the record,
// and hand the new assistant to the pool.
func (m *Manager) handleName(ctx context.Context, operatorID int64, s *Session, name string) (telegram.Reply, error) {
	if len(name) < registry.MinNameLen || len(name) > registry.MaxNameLen {
		return telegram.Reply{Text: "Names must be 3-50 characters. Try again."}, nil
	}

	cred, info, err := s.auth.Export(ctx)
	if err != nil {
		log.Printf("enroll: export for operator %d: %v", operatorID, err)
		m.abort(ctx, s)
		return telegram.Reply{Text: "Could not export the session. Enrollment cancelled."}, nil
	}

	id, err := m.reg.Add(cred, name)
	if err != nil {
		m.abort(ctx, s)
		if errors.Is(err, registry.ErrCredentialExists) {
			return telegram.Reply{Text: "That account is already enrolled. Enrollment cancelled."}, nil
		}
		log.Printf("enroll: store record for operator %d: %v", operatorID, err)
		return telegram.Reply{Text: "Could not store the assistant. Enrollment cancelled."}, nil
	}
	if err := m.reg.SetUserInfo(id, info); err != nil {
		log.Printf("enroll: store user info %d: %v", id, err)
	}

	// The login session served its purpose; the pool resumes from the
	// exported credential.
	s.auth.Close(ctx)
	s.Step = StepDone
	m.drop(operatorID)

	rec, err := m.reg.Get(id)
	if err != nil {
		return telegram.Reply{}, fmt.Errorf("enroll: reload record %d: %w", id, err)
	}
	if err := m.pool.Add(ctx, *rec); err != nil {
		log.Printf("enroll: start new assistant %d: %v", id, err)
		return telegram.Reply{
			Text: fmt.Sprintf("Assistant %d (%s) enrolled, but its client failed to start. The health probe will retry.", id, name),
		}, nil
	}
	return telegram.Reply{
		Text: fmt.Sprintf("Assistant %d (%s) enrolled and connected.", id, name),
	}, nil
}

// drop removes the session from the table without touching the authorizer.
func (m *Manager) drop(operatorID int64) {
	m.mu.Lock()
	delete(m.sessions, operatorID)
	m.mu.Unlock()
}

// abort removes the session and tears down the login.
func (m *Manager) abort(ctx context.Context, s *Session) {
	m.drop(s.OperatorID)
	s.Step = StepCancelled
	m.teardown(ctx, s)
}

func (m *Manager) teardown(ctx context.Context, s *Session) {
	if s.auth != nil {
		if err := s.auth.Close(ctx); err != nil {
			log.Printf("enroll: close login for operator %d: %v", s.OperatorID, err)
		}
		s.auth = nil
	}
	if s.Step != StepDone {
		s.Step = StepCancelled
	}
}

// parseAPIPair splits "id:hash" into its parts.
func parseAPIPair(text string) (int, string, bool) {
	parts := strings.SplitN(text, ":", 2)
	if len(parts) != 2 {
		return 0, "", false
	}
	id, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || id <= 0 {
		return 0, "", false
	}
	hash := strings.TrimSpace(parts[1])
	if hash == "" {
		return 0, "", false
	}
	return id, hash, true
}
