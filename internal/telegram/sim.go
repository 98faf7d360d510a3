package telegram

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/chorusbot/chorus/internal/models"
)

// SimFactory implements Factory with in-memory clients. It stands in for
// the MTProto transport in tests and local dry runs: verification codes,
// 2FA, group-call presence, and failures are all scriptable.
type SimFactory struct {
	mu          sync.Mutex
	validCode   string
	validPass   string
	needs2FA    bool
	noCallChats map[int64]bool
	startErr    map[int]error
	nextUserID  int64
	clients     map[int]*SimClient
	history     map[int][]*SimClient
}

// NewSimFactory creates a SimFactory that accepts code "12345" and, when
// 2FA is enabled, password "hunter2".
func NewSimFactory() *SimFactory {
	return &SimFactory{
		validCode:   "12345",
		validPass:   "hunter2",
		noCallChats: make(map[int64]bool),
		startErr:    make(map[int]error),
		nextUserID:  5000000000,
		clients:     make(map[int]*SimClient),
		history:     make(map[int][]*SimClient),
	}
}

// SetNeeds2FA makes subsequent logins require the cloud password.
func (f *SimFactory) SetNeeds2FA(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.needs2FA = v
}

// SetNoCall marks a chat as having no active group call.
func (f *SimFactory) SetNoCall(chatID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.noCallChats[chatID] = true
}

// FailStart makes NewClient-produced clients for the given assistant fail
// their next Start with err. Pass nil to clear.
func (f *SimFactory) FailStart(assistantID int, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.startErr, assistantID)
		return
	}
	f.startErr[assistantID] = err
}

// Client returns the most recent client created for an assistant id.
func (f *SimFactory) Client(assistantID int) *SimClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[assistantID]
}

// ClientHistory returns every client ever created for an assistant id, in
// creation order.
func (f *SimFactory) ClientHistory(assistantID int) []*SimClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*SimClient, len(f.history[assistantID]))
	copy(out, f.history[assistantID])
	return out
}

// NewClient implements Factory.
func (f *SimFactory) NewClient(assistantID int, credential []byte) (Client, error) {
	if len(credential) == 0 {
		return nil, fmt.Errorf("sim: empty credential: %w", ErrAuth)
	}
	c := &SimClient{
		factory:     f,
		assistantID: assistantID,
		credential:  append([]byte(nil), credential...),
		activeCalls: make(map[int64]bool),
		chats:       []int64{},
	}
	f.mu.Lock()
	f.clients[assistantID] = c
	f.history[assistantID] = append(f.history[assistantID], c)
	f.mu.Unlock()
	return c, nil
}

// NewAuthorizer implements Factory.
func (f *SimFactory) NewAuthorizer(apiID int, apiHash string) (Authorizer, error) {
	if apiID <= 0 || apiHash == "" {
		return nil, fmt.Errorf("sim: api credentials required: %w", ErrAuth)
	}
	return &SimAuthorizer{factory: f}, nil
}

// SimClient implements Client in memory.
type SimClient struct {
	factory     *SimFactory
	assistantID int
	credential  []byte

	mu            sync.Mutex
	connected     bool
	lastActivity  time.Time
	activeCalls   map[int64]bool
	chats         []int64
	sent          []SimMessage
	leftChats     []int64
	warmupDone    bool
	warmupActions int
	startCount    int
	stopCount     int
}

// SimMessage records one SendMessage call.
type SimMessage struct {
	ChatID int64
	Text   string
}

func (c *SimClient) AssistantID() int { return c.assistantID }

func (c *SimClient) Start(ctx context.Context) error {
	c.factory.mu.Lock()
	injected := c.factory.startErr[c.assistantID]
	c.factory.mu.Unlock()
	if injected != nil {
		return injected
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.startCount++
	if c.connected {
		return nil
	}
	c.connected = true
	c.lastActivity = time.Now()

	// Freshly-resumed accounts that only ever act on voice calls trip
	// Telegram's abuse heuristics, so the first start browses a little.
	if !c.warmupDone {
		c.warmupDone = true
		c.warmupActions = 2 + rand.Intn(3)
	}
	return nil
}

func (c *SimClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopCount++
	if !c.connected {
		return nil
	}
	c.connected = false
	c.activeCalls = make(map[int64]bool)
	return nil
}

func (c *SimClient) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *SimClient) SendMessage(ctx context.Context, chatID int64, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return fmt.Errorf("sim: send to %d: %w", chatID, ErrTransport)
	}
	c.sent = append(c.sent, SimMessage{ChatID: chatID, Text: text})
	c.lastActivity = time.Now()
	return nil
}

func (c *SimClient) JoinCall(ctx context.Context, chatID int64) error {
	c.factory.mu.Lock()
	noCall := c.factory.noCallChats[chatID]
	c.factory.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return fmt.Errorf("sim: join call %d: %w", chatID, ErrTransport)
	}
	if noCall {
		return fmt.Errorf("sim: join call %d: %w", chatID, ErrNoActiveCall)
	}
	if c.activeCalls[chatID] {
		return fmt.Errorf("sim: join call %d: %w", chatID, ErrAlreadyJoined)
	}
	c.activeCalls[chatID] = true
	if !c.inChatLocked(chatID) {
		c.chats = append(c.chats, chatID)
	}
	c.lastActivity = time.Now()
	return nil
}

func (c *SimClient) LeaveCall(ctx context.Context, chatID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.activeCalls[chatID] {
		return fmt.Errorf("sim: leave call %d: %w", chatID, ErrNotJoined)
	}
	delete(c.activeCalls, chatID)
	c.lastActivity = time.Now()
	return nil
}

func (c *SimClient) ActiveCalls() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, 0, len(c.activeCalls))
	for id := range c.activeCalls {
		out = append(out, id)
	}
	return out
}

func (c *SimClient) ActiveCallsCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.activeCalls)
}

func (c *SimClient) InCall(chatID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeCalls[chatID]
}

func (c *SimClient) Chats(ctx context.Context) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, fmt.Errorf("sim: list chats: %w", ErrTransport)
	}
	out := make([]int64, len(c.chats))
	copy(out, c.chats)
	return out, nil
}

func (c *SimClient) LeaveChat(ctx context.Context, chatID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return fmt.Errorf("sim: leave chat %d: %w", chatID, ErrTransport)
	}
	if !c.inChatLocked(chatID) {
		return fmt.Errorf("sim: leave chat %d: %w", chatID, ErrChatUnknown)
	}
	if c.activeCalls[chatID] {
		return fmt.Errorf("sim: leave chat %d with active call: %w", chatID, ErrAlreadyJoined)
	}
	for i, id := range c.chats {
		if id == chatID {
			c.chats = append(c.chats[:i], c.chats[i+1:]...)
			break
		}
	}
	c.leftChats = append(c.leftChats, chatID)
	return nil
}

func (c *SimClient) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *SimClient) IsIdle(threshold time.Duration) bool {
	return time.Since(c.LastActivity()) > threshold
}

func (c *SimClient) UserInfo(ctx context.Context) (models.UserInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return models.UserInfo{}, fmt.Errorf("sim: user info: %w", ErrTransport)
	}
	return models.UserInfo{
		UserID:    int64(6000000000 + c.assistantID),
		FirstName: fmt.Sprintf("Sim %d", c.assistantID),
		Username:  fmt.Sprintf("sim_assistant_%d", c.assistantID),
	}, nil
}

func (c *SimClient) inChatLocked(chatID int64) bool {
	for _, id := range c.chats {
		if id == chatID {
			return true
		}
	}
	return false
}

// --- Test helpers ---

// SetLastActivity overrides the activity clock.
func (c *SimClient) SetLastActivity(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = t
}

// SetChats replaces the membership list.
func (c *SimClient) SetChats(chats []int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chats = append([]int64(nil), chats...)
}

// StartCount returns how many times Start was called.
func (c *SimClient) StartCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startCount
}

// StopCount returns how many times Stop was called.
func (c *SimClient) StopCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopCount
}

// WarmupActions returns how many warmup requests the first Start issued.
func (c *SimClient) WarmupActions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.warmupActions
}

// LeftChats returns the chats this client has left, in order.
func (c *SimClient) LeftChats() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]int64, len(c.leftChats))
	copy(out, c.leftChats)
	return out
}

// Sent returns a copy of all messages sent through this client.
func (c *SimClient) Sent() []SimMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]SimMessage, len(c.sent))
	copy(out, c.sent)
	return out
}

// SimAuthorizer implements Authorizer against the SimFactory's scripted
// code and password.
type SimAuthorizer struct {
	factory *SimFactory

	mu         sync.Mutex
	phone      string
	codeSent   bool
	authorized bool
	closed     bool
}

func (a *SimAuthorizer) SendCode(ctx context.Context, phone string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("sim: authorizer closed: %w", ErrTransport)
	}
	if phone == "" {
		return fmt.Errorf("sim: send code: %w", ErrTransport)
	}
	a.phone = phone
	a.codeSent = true
	return nil
}

func (a *SimAuthorizer) SubmitCode(ctx context.Context, code string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.codeSent {
		return false, fmt.Errorf("sim: code not requested: %w", ErrTransport)
	}
	a.factory.mu.Lock()
	valid := a.factory.validCode
	needs2FA := a.factory.needs2FA
	a.factory.mu.Unlock()

	if code != valid {
		return false, fmt.Errorf("sim: submit code: %w", ErrCodeInvalid)
	}
	if needs2FA {
		return true, nil
	}
	a.authorized = true
	return false, nil
}

func (a *SimAuthorizer) SubmitPassword(ctx context.Context, password string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.factory.mu.Lock()
	valid := a.factory.validPass
	a.factory.mu.Unlock()

	if password != valid {
		return fmt.Errorf("sim: submit password: %w", ErrPasswordInvalid)
	}
	a.authorized = true
	return nil
}

func (a *SimAuthorizer) Export(ctx context.Context) ([]byte, models.UserInfo, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.authorized {
		return nil, models.UserInfo{}, fmt.Errorf("sim: export before authorization: %w", ErrAuth)
	}

	a.factory.mu.Lock()
	a.factory.nextUserID++
	uid := a.factory.nextUserID
	a.factory.mu.Unlock()

	cred := []byte(fmt.Sprintf("sim-session:%s:%d", a.phone, uid))
	info := models.UserInfo{
		UserID:    uid,
		FirstName: "Sim Account",
		Phone:     a.phone,
	}
	return cred, info, nil
}

func (a *SimAuthorizer) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	return nil
}

// Closed reports whether Close was called (test helper).
func (a *SimAuthorizer) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// SimBotClient implements BotClient in memory, recording everything sent.
type SimBotClient struct {
	mu      sync.Mutex
	sent    []SimMessage
	replies []Reply
}

// NewSimBotClient creates an empty SimBotClient.
func NewSimBotClient() *SimBotClient {
	return &SimBotClient{}
}

func (b *SimBotClient) SendMessage(ctx context.Context, chatID int64, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, SimMessage{ChatID: chatID, Text: text})
	return nil
}

func (b *SimBotClient) SendReply(ctx context.Context, chatID int64, reply Reply) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, SimMessage{ChatID: chatID, Text: reply.Text})
	b.replies = append(b.replies, reply)
	return nil
}

// Sent returns a copy of all sent messages.
func (b *SimBotClient) Sent() []SimMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SimMessage, len(b.sent))
	copy(out, b.sent)
	return out
}

// LastReply returns the most recent structured reply, if any.
func (b *SimBotClient) LastReply() (Reply, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.replies) == 0 {
		return Reply{}, false
	}
	return b.replies[len(b.replies)-1], true
}
