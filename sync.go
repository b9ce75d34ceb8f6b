package chatsync

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ============================================================================
// Collaborators
// ============================================================================

// ConversationSource is the REST side of conversation sync.
type ConversationSource interface {
	ListConversations(ctx context.Context) ([]Conversation, error)
	ConversationMessages(ctx context.Context, conversationID int64) ([]Message, error)
	SendDirect(ctx context.Context, receiverEmail, content string) (*SendMessageResult, error)
	MarkRead(ctx context.Context, conversationID int64) error

	ListGroups(ctx context.Context) ([]Group, error)
	GroupMessages(ctx context.Context, groupID int64) ([]Message, error)
	SendGroup(ctx context.Context, groupID int64, content string, attachment *Attachment) (*Message, error)
}

// MessageChannel is the realtime side of conversation sync. RealtimeChannel
// implements it.
type MessageChannel interface {
	AddMessageHandler(h MessageHandler) HandlerID
	RemoveMessageHandler(id HandlerID)
	SendMessage(message, sender, receiver string) bool
	Connected() bool
}

// NewClientSource adapts a Client to ConversationSource.
func NewClientSource(c *Client) ConversationSource {
	return clientSource{c}
}

type clientSource struct{ c *Client }

func (s clientSource) ListConversations(ctx context.Context) ([]Conversation, error) {
	return s.c.Conversations.List(ctx)
}

func (s clientSource) ConversationMessages(ctx context.Context, id int64) ([]Message, error) {
	return s.c.Conversations.Messages(ctx, id)
}

func (s clientSource) SendDirect(ctx context.Context, email, content string) (*SendMessageResult, error) {
	return s.c.Conversations.Send(ctx, email, content)
}

func (s clientSource) MarkRead(ctx context.Context, id int64) error {
	return s.c.Conversations.MarkRead(ctx, id)
}

func (s clientSource) ListGroups(ctx context.Context) ([]Group, error) {
	return s.c.Groups.List(ctx)
}

func (s clientSource) GroupMessages(ctx context.Context, id int64) ([]Message, error) {
	return s.c.Groups.Messages(ctx, id)
}

func (s clientSource) SendGroup(ctx context.Context, id int64, content string, att *Attachment) (*Message, error) {
	return s.c.Groups.Send(ctx, id, content, att)
}

// ============================================================================
// Configuration
// ============================================================================

// FailurePolicy decides what happens to an optimistic message whose send
// was rejected.
type FailurePolicy int

const (
	// KeepFailedMessages leaves the message visible with status "failed".
	KeepFailedMessages FailurePolicy = iota
	// RollbackFailedMessages removes the message.
	RollbackFailedMessages
)

// Local message status values.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Sync events.
const (
	EventConversationsReloaded = "conversations.reloaded"
	EventGroupsReloaded        = "groups.reloaded"
	EventConversationUpdated   = "conversation.updated"
	EventGroupUpdated          = "group.updated"
	EventMessageNew            = "message.new"
	EventMessageConfirmed      = "message.confirmed"
	EventMessageFailed         = "message.failed"
	EventSyncError             = "sync.error"
)

// SyncState is the load state of the conversation cache.
type SyncState string

const (
	SyncIdle    SyncState = "idle"
	SyncLoading SyncState = "loading"
	SyncReady   SyncState = "ready"
	SyncError   SyncState = "error"
)

// SyncConfig configures a ConversationSync.
type SyncConfig struct {
	Source  ConversationSource
	Channel MessageChannel

	// CurrentUser is the signed-in username.
	CurrentUser   string
	FailurePolicy FailurePolicy
	// EchoWindow is how long an ID-less echo of our own message is treated
	// as a repeat of an identical message already in the thread. Defaults
	// to 2 minutes, the realtime confirm timeout.
	EchoWindow time.Duration

	Clock  func() time.Time
	Logger *zap.Logger
}

// FailedMessage is the payload of EventMessageFailed.
type FailedMessage struct {
	Message Message
	Err     error
}

// SearchResult is the outcome of a conversation search.
type SearchResult struct {
	Conversations []Conversation
	// FindUser is set when the query is an email address: the caller should
	// offer to start a conversation with Email.
	FindUser bool
	Email    string
}

// ============================================================================
// Event emitter
// ============================================================================

// SyncEventHandler is called for sync events.
type SyncEventHandler func(event string, payload any)

type syncEmitter struct {
	mu        sync.RWMutex
	listeners map[string][]SyncEventHandler
}

// On registers a handler for event.
func (e *syncEmitter) On(event string, handler SyncEventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[string][]SyncEventHandler)
	}
	e.listeners[event] = append(e.listeners[event], handler)
}

func (e *syncEmitter) emit(event string, payload any) {
	e.mu.RLock()
	handlers := e.listeners[event]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // swallow panics in user callbacks
			h(event, payload)
		}()
	}
}

func (e *syncEmitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[string][]SyncEventHandler)
}

// ============================================================================
// ConversationSync
// ============================================================================

type threadKind int

const (
	threadNone threadKind = iota
	threadConversation
	threadGroup
)

// thread is the conversation or group whose messages are loaded.
type thread struct {
	kind          threadKind
	id            int64
	otherUsername string
	otherEmail    string
}

type attachment struct {
	ch MessageChannel
	id HandlerID
}

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ConversationSync keeps the conversation and group lists and the open
// thread's messages consistent with realtime frames and REST reloads.
type ConversationSync struct {
	syncEmitter
	config SyncConfig
	logger *zap.Logger
	clock  func() time.Time

	mu            sync.RWMutex
	state         SyncState
	lastErr       error
	conversations []Conversation
	groups        []Group
	active        thread
	messages      []Message
	attached      []attachment
	started       bool

	convIndex  *PrefixIndex[int64]
	groupIndex *PrefixIndex[int64]

	reloadMu      sync.Mutex
	reloading     bool
	reloadPending bool
	stopped       bool

	bgCtx    context.Context
	bgCancel context.CancelFunc
	wg       sync.WaitGroup
}

// NewConversationSync creates a sync engine. Call Start to load data and
// begin consuming frames.
func NewConversationSync(config SyncConfig) (*ConversationSync, error) {
	if config.Source == nil {
		return nil, fmt.Errorf("conversation source is required")
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Logger == nil {
		config.Logger = noOpLogger
	}
	if config.EchoWindow == 0 {
		config.EchoWindow = 2 * time.Minute
	}
	bgCtx, cancel := context.WithCancel(context.Background())
	return &ConversationSync{
		syncEmitter: syncEmitter{listeners: make(map[string][]SyncEventHandler)},
		config:      config,
		logger:      config.Logger.With(zap.String("user", config.CurrentUser)),
		clock:       config.Clock,
		state:       SyncIdle,
		convIndex:   NewPrefixIndex[int64](),
		groupIndex:  NewPrefixIndex[int64](),
		bgCtx:       bgCtx,
		bgCancel:    cancel,
	}, nil
}

// Start subscribes to the configured channel and loads the conversation
// list. A load failure leaves the sync in SyncError; frames are still
// consumed.
func (s *ConversationSync) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	if s.config.Channel != nil {
		s.Attach(s.config.Channel)
	}
	return s.Reload(ctx)
}

// Attach consumes frames from an additional channel, such as a group
// socket. The returned func detaches it.
func (s *ConversationSync) Attach(ch MessageChannel) func() {
	id := ch.AddMessageHandler(s.HandleFrame)
	s.mu.Lock()
	s.attached = append(s.attached, attachment{ch: ch, id: id})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			ch.RemoveMessageHandler(id)
			s.mu.Lock()
			for i, a := range s.attached {
				if a.ch == ch && a.id == id {
					s.attached = append(s.attached[:i], s.attached[i+1:]...)
					break
				}
			}
			s.mu.Unlock()
		})
	}
}

// Stop detaches from every channel, waits for background reloads and drops
// event listeners.
func (s *ConversationSync) Stop() {
	s.mu.Lock()
	attached := s.attached
	s.attached = nil
	s.mu.Unlock()

	for _, a := range attached {
		a.ch.RemoveMessageHandler(a.id)
	}
	// A handler already running may still try to start background work.
	s.reloadMu.Lock()
	s.stopped = true
	s.reloadMu.Unlock()
	s.bgCancel()
	s.wg.Wait()
	s.removeAll()
}

// ── Accessors ────────────────────────────────────────────

func (s *ConversationSync) State() SyncState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the error of the last failed reload, if the cache is in
// SyncError.
func (s *ConversationSync) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

func (s *ConversationSync) Conversations() []Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Conversation(nil), s.conversations...)
}

func (s *ConversationSync) Groups() []Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Group(nil), s.groups...)
}

// Messages returns the open thread's messages in display order.
func (s *ConversationSync) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.messages...)
}

// ActiveConversation returns the open conversation id, or 0.
func (s *ConversationSync) ActiveConversation() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active.kind != threadConversation {
		return 0
	}
	return s.active.id
}

// ActiveGroup returns the open group id, or 0.
func (s *ConversationSync) ActiveGroup() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active.kind != threadGroup {
		return 0
	}
	return s.active.id
}

// ── Loading ──────────────────────────────────────────────

// Reload replaces the conversation list from the backend and rebuilds its
// search index.
func (s *ConversationSync) Reload(ctx context.Context) error {
	s.mu.Lock()
	s.state = SyncLoading
	s.mu.Unlock()

	convs, err := s.config.Source.ListConversations(ctx)
	if err != nil {
		s.fail(err)
		return fmt.Errorf("reload conversations: %w", err)
	}
	BuildFromCollection(s.convIndex, convs, conversationID, ConversationTerms)

	s.mu.Lock()
	s.conversations = convs
	s.state = SyncReady
	s.lastErr = nil
	s.mu.Unlock()

	s.logger.Debug("conversations reloaded", zap.Int("count", len(convs)))
	s.emit(EventConversationsReloaded, len(convs))
	return nil
}

// ReloadGroups replaces the group list and rebuilds its search index.
func (s *ConversationSync) ReloadGroups(ctx context.Context) error {
	groups, err := s.config.Source.ListGroups(ctx)
	if err != nil {
		s.fail(err)
		return fmt.Errorf("reload groups: %w", err)
	}
	BuildFromCollection(s.groupIndex, groups, groupID, GroupTerms)

	s.mu.Lock()
	s.groups = groups
	s.mu.Unlock()

	s.logger.Debug("groups reloaded", zap.Int("count", len(groups)))
	s.emit(EventGroupsReloaded, len(groups))
	return nil
}

func (s *ConversationSync) fail(err error) {
	s.mu.Lock()
	s.state = SyncError
	s.lastErr = err
	s.mu.Unlock()
	s.logger.Warn("sync failed", zap.Error(err))
	s.emit(EventSyncError, err)
}

// requestReload reloads in the background. Requests that arrive during a
// reload are folded into one follow-up reload.
func (s *ConversationSync) requestReload() {
	s.reloadMu.Lock()
	if s.stopped {
		s.reloadMu.Unlock()
		return
	}
	if s.reloading {
		s.reloadPending = true
		s.reloadMu.Unlock()
		return
	}
	s.reloading = true
	s.wg.Add(1)
	s.reloadMu.Unlock()

	go func() {
		defer s.wg.Done()
		for {
			if s.bgCtx.Err() != nil {
				break
			}
			_ = s.Reload(s.bgCtx)

			s.reloadMu.Lock()
			if !s.reloadPending {
				s.reloading = false
				s.reloadMu.Unlock()
				return
			}
			s.reloadPending = false
			s.reloadMu.Unlock()
		}
		s.reloadMu.Lock()
		s.reloading = false
		s.reloadMu.Unlock()
	}()
}

// ── Opening threads ──────────────────────────────────────

// OpenConversation loads a conversation's messages, makes it the active
// thread and marks it read.
func (s *ConversationSync) OpenConversation(ctx context.Context, id int64) error {
	msgs, err := s.config.Source.ConversationMessages(ctx, id)
	if err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	s.mu.Lock()
	t := thread{kind: threadConversation, id: id}
	if i := s.findConversationLocked(id, ""); i >= 0 {
		c := &s.conversations[i]
		c.UnreadCount = 0
		if c.OtherParticipant != nil {
			t.otherUsername = c.OtherParticipant.Username
			t.otherEmail = c.OtherParticipant.Email
		}
	}
	s.active = t
	s.messages = msgs
	s.mu.Unlock()

	if err := s.config.Source.MarkRead(ctx, id); err != nil {
		s.logger.Warn("mark read failed", zap.Int64("conversation_id", id), zap.Error(err))
	}
	return nil
}

// OpenGroup loads a group's messages and makes it the active thread.
func (s *ConversationSync) OpenGroup(ctx context.Context, id int64) error {
	msgs, err := s.config.Source.GroupMessages(ctx, id)
	if err != nil {
		return fmt.Errorf("load group messages: %w", err)
	}

	s.mu.Lock()
	s.active = thread{kind: threadGroup, id: id}
	s.messages = msgs
	if i := s.findGroupLocked(id); i >= 0 {
		s.groups[i].UnreadCount = 0
	}
	s.mu.Unlock()
	return nil
}

// Close clears the active thread.
func (s *ConversationSync) Close() {
	s.mu.Lock()
	s.active = thread{}
	s.messages = nil
	s.mu.Unlock()
}

// ── Sending ──────────────────────────────────────────────

// Send posts content to the active thread. The message is shown at once
// with a temp_ id. On an open socket it is reconciled by the message_sent
// echo; otherwise it goes over REST and is reconciled with the response.
func (s *ConversationSync) Send(ctx context.Context, content string) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, &ValidationError{Field: "content", Reason: "is required"}
	}

	s.mu.RLock()
	t := s.active
	s.mu.RUnlock()

	switch t.kind {
	case threadGroup:
		return s.sendGroup(ctx, t, content, nil)
	case threadConversation:
	default:
		return nil, ErrNoConversation
	}

	temp := s.addOptimistic(t, content)

	if ch := s.config.Channel; ch != nil && ch.Connected() && t.otherUsername != "" {
		// Queued by the channel if the write fails; REST would duplicate it.
		ch.SendMessage(content, s.config.CurrentUser, t.otherUsername)
		return &temp, nil
	}

	if t.otherEmail == "" {
		err := &ValidationError{Field: "receiver_email", Reason: "unknown for this conversation"}
		s.failOptimistic(temp, err)
		return nil, err
	}
	res, err := s.config.Source.SendDirect(ctx, t.otherEmail, content)
	if err != nil {
		s.failOptimistic(temp, err)
		return nil, err
	}

	confirmed := temp
	if res.MessageData != nil {
		confirmed = *res.MessageData
		if confirmed.SenderUsername == "" {
			confirmed.SenderUsername = s.config.CurrentUser
		}
		if confirmed.Content == "" {
			confirmed.Content = content
		}
	}
	if confirmed.ConversationID == 0 {
		confirmed.ConversationID = res.ConversationID
	}
	confirmed.Status = StatusSent
	s.replaceOptimistic(temp.ID, confirmed)
	if res.IsNewConversation {
		s.requestReload()
	}
	return &confirmed, nil
}

// SendGroup posts to the active group with an optional attachment.
func (s *ConversationSync) SendGroup(ctx context.Context, content string, att *Attachment) (*Message, error) {
	s.mu.RLock()
	t := s.active
	s.mu.RUnlock()
	if t.kind != threadGroup {
		return nil, ErrNoConversation
	}
	return s.sendGroup(ctx, t, content, att)
}

func (s *ConversationSync) sendGroup(ctx context.Context, t thread, content string, att *Attachment) (*Message, error) {
	if att != nil {
		if err := att.Validate(); err != nil {
			return nil, err
		}
	}
	temp := s.addOptimistic(t, content)
	msg, err := s.config.Source.SendGroup(ctx, t.id, content, att)
	if err != nil {
		s.failOptimistic(temp, err)
		return nil, err
	}
	confirmed := *msg
	if confirmed.GroupID == 0 {
		confirmed.GroupID = t.id
	}
	confirmed.Status = StatusSent
	s.replaceOptimistic(temp.ID, confirmed)
	return &confirmed, nil
}

// StartConversation sends the first message to a user by email and reloads
// the list so the new conversation appears.
func (s *ConversationSync) StartConversation(ctx context.Context, email, content string) (*SendMessageResult, error) {
	res, err := s.config.Source.SendDirect(ctx, email, content)
	if err != nil {
		return nil, err
	}
	if err := s.Reload(ctx); err != nil {
		s.logger.Warn("reload after new conversation failed", zap.Error(err))
	}
	return res, nil
}

func (s *ConversationSync) addOptimistic(t thread, content string) Message {
	temp := Message{
		ID:             FlexID(tempIDPrefix + uuid.NewString()),
		SenderUsername: s.config.CurrentUser,
		Receiver:       t.otherUsername,
		Content:        content,
		Timestamp:      Timestamp{s.clock()},
		Status:         StatusPending,
	}
	if t.kind == threadGroup {
		temp.GroupID = t.id
	} else {
		temp.ConversationID = t.id
	}
	s.mu.Lock()
	s.messages = append(s.messages, temp)
	s.mu.Unlock()
	s.emit(EventMessageNew, temp)
	return temp
}

func (s *ConversationSync) failOptimistic(temp Message, err error) {
	s.mu.Lock()
	if i := indexOfMessage(s.messages, temp.ID); i >= 0 {
		if s.config.FailurePolicy == RollbackFailedMessages {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
		} else {
			s.messages[i].Status = StatusFailed
			temp = s.messages[i]
		}
	}
	s.mu.Unlock()
	s.logger.Warn("send failed", zap.String("temp_id", string(temp.ID)), zap.Error(err))
	s.emit(EventMessageFailed, FailedMessage{Message: temp, Err: err})
}

// replaceOptimistic swaps a temp entry for its server record. If the server
// record already arrived over the socket the temp entry is dropped instead.
func (s *ConversationSync) replaceOptimistic(tempID FlexID, confirmed Message) {
	s.mu.Lock()
	i := indexOfMessage(s.messages, tempID)
	j := -1
	if confirmed.ID != "" {
		j = indexOfMessage(s.messages, confirmed.ID)
	}
	switch {
	case i >= 0 && j >= 0:
		s.messages = append(s.messages[:i], s.messages[i+1:]...)
	case i >= 0:
		s.messages[i] = confirmed
	}
	s.touchListLocked(confirmed, false)
	s.mu.Unlock()
	s.emit(EventMessageConfirmed, confirmed)
}

// ── Inbound frames ───────────────────────────────────────

// HandleFrame applies one realtime frame to the cache. It is registered as
// the channel message handler by Start and Attach.
func (s *ConversationSync) HandleFrame(f Frame) {
	switch f.Type {
	case FrameConversationRefresh:
		s.logger.Debug("conversation refresh requested")
		s.requestReload()
	case FrameMessageSent:
		s.handleEcho(f)
	case FrameGroupMessage:
		s.handleGroupMessage(f)
	case FrameConnectionEstablished:
		s.logger.Debug("realtime connection established")
	case FrameChatMessage:
		s.handleChatMessage(f)
	case FramePing, FramePong:
	default:
		s.logger.Debug("ignoring frame", zap.String("type", f.Type))
	}
}

// frameMessage builds the message a chat or message_sent frame describes.
func (s *ConversationSync) frameMessage(f Frame) Message {
	var m Message
	if f.MessageData != nil {
		m = *f.MessageData
	}
	if m.ID == "" && f.Type != FrameMessageSent {
		m.ID = f.MessageID
	}
	if m.ConversationID == 0 {
		m.ConversationID = f.ConversationID
	}
	if m.SenderUsername == "" {
		m.SenderUsername = f.Sender
	}
	if m.Receiver == "" {
		m.Receiver = f.Receiver
	}
	if m.Content == "" {
		m.Content = f.Text()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = f.Timestamp
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = Timestamp{s.clock()}
	}
	return m
}

func (s *ConversationSync) handleChatMessage(f Frame) {
	msg := s.frameMessage(f)
	me := s.config.CurrentUser

	// The chat room broadcasts every message to every member; our own
	// messages come back this way.
	if msg.SenderUsername == me && msg.Receiver != me {
		s.reconcile(msg)
		return
	}
	if msg.Receiver != me {
		return
	}

	s.mu.Lock()
	if s.isActiveConversationLocked(msg.ConversationID, msg.SenderUsername) {
		if msg.ID != "" && indexOfMessage(s.messages, msg.ID) >= 0 {
			s.mu.Unlock()
			return
		}
		if msg.ConversationID == 0 {
			msg.ConversationID = s.active.id
		}
		msg.IsRead = true
		s.messages = append(s.messages, msg)
		s.touchListLocked(msg, false)
		convID := s.active.id
		s.mu.Unlock()

		s.emit(EventMessageNew, msg)
		s.markReadAsync(convID)
		return
	}

	conv, ok := s.touchListLocked(msg, true)
	s.mu.Unlock()
	if !ok {
		s.requestReload()
		return
	}
	s.emit(EventConversationUpdated, conv)
}

func (s *ConversationSync) handleEcho(f Frame) {
	msg := s.frameMessage(f)
	if msg.SenderUsername != "" && msg.SenderUsername != s.config.CurrentUser {
		return
	}
	if msg.SenderUsername == "" {
		msg.SenderUsername = s.config.CurrentUser
	}
	s.reconcile(msg)
}

// reconcile confirms exactly one optimistic message matching content and
// sender, oldest first. Without a match the message is appended to the
// open thread unless it is already there.
func (s *ConversationSync) reconcile(msg Message) {
	s.mu.Lock()
	if msg.ID != "" && indexOfMessage(s.messages, msg.ID) >= 0 {
		s.mu.Unlock()
		return
	}

	var confirmed Message
	matched := false
	for i := range s.messages {
		m := &s.messages[i]
		if !m.IsTemp() || m.Content != msg.Content || m.SenderUsername != msg.SenderUsername {
			continue
		}
		if msg.ID != "" {
			m.ID = msg.ID
		} else {
			m.ID = FlexID(strings.TrimPrefix(string(m.ID), tempIDPrefix))
		}
		if !msg.Timestamp.IsZero() {
			m.Timestamp = msg.Timestamp
		}
		if msg.ConversationID != 0 {
			m.ConversationID = msg.ConversationID
		}
		m.Status = StatusSent
		confirmed = *m
		matched = true
		break
	}

	if !matched {
		inGroup := msg.GroupID != 0 && s.active.kind == threadGroup && s.active.id == msg.GroupID
		if !inGroup && !s.isActiveConversationLocked(msg.ConversationID, msg.Receiver) {
			s.touchListLocked(msg, false)
			s.mu.Unlock()
			return
		}
		if msg.ID == "" && s.hasRecentCopyLocked(msg) {
			s.mu.Unlock()
			s.logger.Debug("repeated echo ignored", zap.String("receiver", msg.Receiver))
			return
		}
		if msg.ConversationID == 0 && s.active.kind == threadConversation {
			msg.ConversationID = s.active.id
		}
		msg.Status = StatusSent
		s.messages = append(s.messages, msg)
		confirmed = msg
	}
	s.touchListLocked(confirmed, false)
	s.mu.Unlock()

	if matched {
		s.emit(EventMessageConfirmed, confirmed)
	} else {
		s.emit(EventMessageNew, confirmed)
	}
}

func (s *ConversationSync) handleGroupMessage(f Frame) {
	msg, err := f.GroupMessage()
	if err != nil {
		s.logger.Debug("unreadable group frame", zap.Error(err))
		return
	}

	s.mu.Lock()
	active := s.active.kind == threadGroup && (msg.GroupID == 0 || msg.GroupID == s.active.id)
	if !active {
		i := s.findGroupLocked(msg.GroupID)
		if i < 0 {
			s.mu.Unlock()
			return
		}
		g := &s.groups[i]
		last := *msg
		g.LastMessage = &last
		g.UnreadCount++
		g.UpdatedAt = msg.Timestamp
		updated := *g
		s.mu.Unlock()
		s.emit(EventGroupUpdated, updated)
		return
	}
	if msg.GroupID == 0 {
		msg.GroupID = s.active.id
	}
	if msg.ID != "" && indexOfMessage(s.messages, msg.ID) >= 0 {
		s.mu.Unlock()
		return
	}
	if msg.SenderUsername == s.config.CurrentUser {
		s.mu.Unlock()
		s.reconcile(*msg)
		return
	}
	s.messages = append(s.messages, *msg)
	s.mu.Unlock()
	s.emit(EventMessageNew, *msg)
}

func (s *ConversationSync) markReadAsync(id int64) {
	s.reloadMu.Lock()
	if s.stopped {
		s.reloadMu.Unlock()
		return
	}
	s.wg.Add(1)
	s.reloadMu.Unlock()

	go func() {
		defer s.wg.Done()
		if err := s.config.Source.MarkRead(s.bgCtx, id); err != nil {
			s.logger.Debug("mark read failed", zap.Int64("conversation_id", id), zap.Error(err))
		}
	}()
}

// ── Search ───────────────────────────────────────────────

// Search filters the conversation list by prefix. An empty query returns the
// full list; an email address returns the full list with FindUser set.
func (s *ConversationSync) Search(query string) SearchResult {
	q := strings.TrimSpace(query)
	all := s.Conversations()
	if q == "" {
		return SearchResult{Conversations: all}
	}
	if emailPattern.MatchString(q) {
		return SearchResult{Conversations: all, FindUser: true, Email: q}
	}
	ids := s.convIndex.Search(q)
	return SearchResult{Conversations: filterByID(all, ids, conversationID)}
}

// SearchGroups filters the group list by prefix.
func (s *ConversationSync) SearchGroups(query string) []Group {
	q := strings.TrimSpace(query)
	all := s.Groups()
	if q == "" {
		return all
	}
	return filterByID(all, s.groupIndex.Search(q), groupID)
}

// filterByID keeps the items whose id is in ids, in list order.
func filterByID[T any](items []T, ids []int64, id func(T) int64) []T {
	want := make(map[int64]struct{}, len(ids))
	for _, v := range ids {
		want[v] = struct{}{}
	}
	out := make([]T, 0, len(ids))
	for _, item := range items {
		if _, ok := want[id(item)]; ok {
			out = append(out, item)
		}
	}
	return out
}

// ── Helpers (callers hold s.mu) ──────────────────────────

func (s *ConversationSync) isActiveConversationLocked(convID int64, peer string) bool {
	if s.active.kind != threadConversation {
		return false
	}
	if convID != 0 {
		return convID == s.active.id
	}
	return peer != "" && peer == s.active.otherUsername
}

func (s *ConversationSync) findConversationLocked(id int64, peer string) int {
	for i, c := range s.conversations {
		if id != 0 && c.ID == id {
			return i
		}
	}
	if peer == "" {
		return -1
	}
	for i, c := range s.conversations {
		if c.OtherParticipant != nil && c.OtherParticipant.Username == peer {
			return i
		}
	}
	return -1
}

func (s *ConversationSync) findGroupLocked(id int64) int {
	for i, g := range s.groups {
		if g.ID == id {
			return i
		}
	}
	return -1
}

// touchListLocked records msg as the last message of its conversation and
// optionally bumps the unread count.
func (s *ConversationSync) touchListLocked(msg Message, unread bool) (Conversation, bool) {
	peer := msg.SenderUsername
	if peer == s.config.CurrentUser {
		peer = msg.Receiver
	}
	i := s.findConversationLocked(msg.ConversationID, peer)
	if i < 0 {
		return Conversation{}, false
	}
	c := &s.conversations[i]
	last := msg
	c.LastMessage = &last
	c.UpdatedAt = msg.Timestamp
	if unread {
		c.UnreadCount++
	}
	return *c, true
}

// hasRecentCopyLocked reports whether the open thread already holds a
// delivered message with msg's sender and content within the echo window.
func (s *ConversationSync) hasRecentCopyLocked(msg Message) bool {
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.IsTemp() || m.Status == StatusFailed {
			continue
		}
		if m.SenderUsername != msg.SenderUsername || m.Content != msg.Content {
			continue
		}
		d := msg.Timestamp.Sub(m.Timestamp.Time)
		if d < 0 {
			d = -d
		}
		if d <= s.config.EchoWindow {
			return true
		}
	}
	return false
}

func indexOfMessage(msgs []Message, id FlexID) int {
	for i, m := range msgs {
		if m.ID == id {
			return i
		}
	}
	return -1
}
