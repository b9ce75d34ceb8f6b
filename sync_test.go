package chatsync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeSource struct {
	mu            sync.Mutex
	conversations []Conversation
	groups        []Group
	messages      map[int64][]Message
	listErr       error
	sendErr       error
	sendResult    *SendMessageResult
	groupReply    *Message
	listCalls     int
	markedRead    []int64
	sent          []string
}

func (f *fakeSource) ListConversations(ctx context.Context) ([]Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]Conversation(nil), f.conversations...), nil
}

func (f *fakeSource) ConversationMessages(ctx context.Context, id int64) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.messages[id]...), nil
}

func (f *fakeSource) SendDirect(ctx context.Context, email, content string) (*SendMessageResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, email+":"+content)
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return f.sendResult, nil
}

func (f *fakeSource) MarkRead(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedRead = append(f.markedRead, id)
	return nil
}

func (f *fakeSource) ListGroups(ctx context.Context) ([]Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Group(nil), f.groups...), nil
}

func (f *fakeSource) GroupMessages(ctx context.Context, id int64) ([]Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.messages[-id]...), nil
}

func (f *fakeSource) SendGroup(ctx context.Context, id int64, content string, att *Attachment) (*Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return f.groupReply, nil
}

func (f *fakeSource) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls
}

func (f *fakeSource) readMarks() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.markedRead...)
}

type fakeChannel struct {
	mu        sync.Mutex
	handlers  handlerSet
	connected bool
	sent      []PendingMessage
}

func (c *fakeChannel) AddMessageHandler(h MessageHandler) HandlerID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handlers.add(h)
}

func (c *fakeChannel) RemoveMessageHandler(id HandlerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers.remove(id)
}

func (c *fakeChannel) SendMessage(message, sender, receiver string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, PendingMessage{Message: message, Sender: sender, Receiver: receiver})
	return c.connected
}

func (c *fakeChannel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeChannel) deliver(f Frame) {
	c.mu.Lock()
	hs := c.handlers.snapshot()
	c.mu.Unlock()
	for _, h := range hs {
		h(f)
	}
}

func (c *fakeChannel) handlerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers.snapshot())
}

func conversationWith(id int64, username, email, first, last string) Conversation {
	return Conversation{
		ID: id,
		OtherParticipant: &User{
			Username:  username,
			Email:     email,
			FirstName: first,
			LastName:  last,
		},
	}
}

func newTestSync(t *testing.T, src *fakeSource, ch *fakeChannel, policy FailurePolicy) *ConversationSync {
	t.Helper()
	cfg := SyncConfig{
		Source:        src,
		CurrentUser:   "asha",
		FailurePolicy: policy,
	}
	if ch != nil {
		cfg.Channel = ch
	}
	s, err := NewConversationSync(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Stop)
	return s
}

func chatFrame(sender, receiver, body string) Frame {
	return Frame{Sender: sender, Receiver: receiver, Message: textMessage(body)}
}

// ============================================================================
// Loading
// ============================================================================

func TestSyncStartLoadsConversations(t *testing.T) {
	src := &fakeSource{conversations: []Conversation{
		conversationWith(1, "ravi", "ravi@uni.edu", "Ravi", "Kumar"),
	}}
	s := newTestSync(t, src, nil, KeepFailedMessages)

	if s.State() != SyncReady {
		t.Fatalf("State() = %q, want ready", s.State())
	}
	if got := len(s.Conversations()); got != 1 {
		t.Fatalf("Conversations() has %d entries, want 1", got)
	}
}

func TestSyncReloadErrorState(t *testing.T) {
	src := &fakeSource{listErr: errors.New("boom")}
	core, logs := observer.New(zapcore.WarnLevel)
	s, err := NewConversationSync(SyncConfig{Source: src, CurrentUser: "asha", Logger: zap.New(core)})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	var events []any
	s.On(EventSyncError, func(_ string, payload any) { events = append(events, payload) })

	if err := s.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail")
	}
	if s.State() != SyncError {
		t.Fatalf("State() = %q, want error", s.State())
	}
	if s.Err() == nil || len(events) != 1 {
		t.Fatalf("Err() = %v, events = %d", s.Err(), len(events))
	}
	if n := logs.FilterMessage("sync failed").Len(); n != 1 {
		t.Fatalf("logged %d sync failures, want 1", n)
	}

	src.mu.Lock()
	src.listErr = nil
	src.mu.Unlock()
	if err := s.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if s.State() != SyncReady || s.Err() != nil {
		t.Fatalf("after recovery State() = %q, Err() = %v", s.State(), s.Err())
	}
}

func TestNewConversationSyncRequiresSource(t *testing.T) {
	if _, err := NewConversationSync(SyncConfig{}); err == nil {
		t.Fatal("expected error without a source")
	}
}

func TestSyncConversationRefreshReloads(t *testing.T) {
	src := &fakeSource{}
	ch := &fakeChannel{}
	s := newTestSync(t, src, ch, KeepFailedMessages)

	src.mu.Lock()
	src.conversations = []Conversation{conversationWith(9, "meera", "meera@uni.edu", "Meera", "Iyer")}
	src.mu.Unlock()

	ch.deliver(Frame{Type: FrameConversationRefresh})

	eventually(t, "reload after conversation_refresh", func() bool {
		return len(s.Conversations()) == 1
	})
	if src.calls() < 2 {
		t.Fatalf("ListConversations called %d times, want >= 2", src.calls())
	}
}

func TestSyncStopDetachesChannel(t *testing.T) {
	ch := &fakeChannel{}
	s, err := NewConversationSync(SyncConfig{Source: &fakeSource{}, Channel: ch, CurrentUser: "asha"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if ch.handlerCount() != 1 {
		t.Fatalf("handlers = %d, want 1", ch.handlerCount())
	}
	s.Stop()
	if ch.handlerCount() != 0 {
		t.Fatalf("handlers after Stop = %d, want 0", ch.handlerCount())
	}
}

func TestSyncFramesAfterStopStartNoBackgroundWork(t *testing.T) {
	src := &fakeSource{
		conversations: []Conversation{conversationWith(1, "ravi", "ravi@uni.edu", "Ravi", "Kumar")},
		messages:      map[int64][]Message{},
	}
	s := newTestSync(t, src, nil, KeepFailedMessages)
	if err := s.OpenConversation(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	marks := len(src.readMarks())

	// Frames already being dispatched can still reach the handler after Stop.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.HandleFrame(Frame{Type: FrameConversationRefresh})
		}()
	}
	s.Stop()
	wg.Wait()

	s.HandleFrame(chatFrame("ravi", "asha", "late"))
	s.HandleFrame(Frame{Type: FrameConversationRefresh})
	s.wg.Wait()

	if got := len(src.readMarks()); got != marks {
		t.Fatalf("mark_read calls after Stop = %d, want %d", got, marks)
	}
	s.reloadMu.Lock()
	reloading := s.reloading
	s.reloadMu.Unlock()
	if reloading {
		t.Fatal("reload started after Stop")
	}
}

func TestSyncAttachReturnsDetach(t *testing.T) {
	s := newTestSync(t, &fakeSource{}, nil, KeepFailedMessages)
	group := &fakeChannel{}

	detach := s.Attach(group)
	if group.handlerCount() != 1 {
		t.Fatalf("handlers = %d, want 1", group.handlerCount())
	}
	detach()
	detach()
	if group.handlerCount() != 0 {
		t.Fatalf("handlers after detach = %d, want 0", group.handlerCount())
	}
}

// ============================================================================
// Inbound messages
// ============================================================================

func TestSyncUnreadBumpForInactiveConversation(t *testing.T) {
	src := &fakeSource{conversations: []Conversation{
		conversationWith(1, "ravi", "ravi@uni.edu", "Ravi", "Kumar"),
		conversationWith(2, "meera", "meera@uni.edu", "Meera", "Iyer"),
	}}
	ch := &fakeChannel{}
	s := newTestSync(t, src, ch, KeepFailedMessages)

	var updated []Conversation
	s.On(EventConversationUpdated, func(_ string, p any) { updated = append(updated, p.(Conversation)) })

	ch.deliver(chatFrame("meera", "asha", "notes for tomorrow?"))
	ch.deliver(chatFrame("meera", "asha", "and the slides"))

	convs := s.Conversations()
	if convs[1].UnreadCount != 2 {
		t.Fatalf("UnreadCount = %d, want 2", convs[1].UnreadCount)
	}
	if convs[1].LastMessage == nil || convs[1].LastMessage.Content != "and the slides" {
		t.Fatalf("LastMessage = %+v", convs[1].LastMessage)
	}
	if convs[0].UnreadCount != 0 {
		t.Fatalf("untouched conversation UnreadCount = %d", convs[0].UnreadCount)
	}
	if len(updated) != 2 {
		t.Fatalf("conversation.updated fired %d times, want 2", len(updated))
	}
	if len(s.Messages()) != 0 {
		t.Fatal("inactive conversation message leaked into the open thread")
	}
}

func TestSyncIgnoresMessagesForOthers(t *testing.T) {
	src := &fakeSource{conversations: []Conversation{conversationWith(1, "ravi", "ravi@uni.edu", "Ravi", "Kumar")}}
	ch := &fakeChannel{}
	s := newTestSync(t, src, ch, KeepFailedMessages)

	ch.deliver(chatFrame("ravi", "meera", "not for asha"))

	if got := s.Conversations()[0].UnreadCount; got != 0 {
		t.Fatalf("UnreadCount = %d, want 0", got)
	}
}

func TestSyncActiveConversationAppendsAndMarksRead(t *testing.T) {
	src := &fakeSource{
		conversations: []Conversation{conversationWith(1, "ravi", "ravi@uni.edu", "Ravi", "Kumar")},
		messages:      map[int64][]Message{1: {{ID: "10", SenderUsername: "ravi", Content: "hi"}}},
	}
	ch := &fakeChannel{}
	s := newTestSync(t, src, ch, KeepFailedMessages)

	if err := s.OpenConversation(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	ch.deliver(chatFrame("ravi", "asha", "are you there"))

	msgs := s.Messages()
	if len(msgs) != 2 || msgs[1].Content != "are you there" || !msgs[1].IsRead {
		t.Fatalf("Messages() = %+v", msgs)
	}
	if got := s.Conversations()[0].UnreadCount; got != 0 {
		t.Fatalf("active conversation UnreadCount = %d, want 0", got)
	}
	eventually(t, "background mark read", func() bool { return len(src.readMarks()) >= 2 })
}

func TestSyncUnknownConversationTriggersReload(t *testing.T) {
	src := &fakeSource{}
	ch := &fakeChannel{}
	s := newTestSync(t, src, ch, KeepFailedMessages)

	src.mu.Lock()
	src.conversations = []Conversation{conversationWith(3, "kiran", "kiran@uni.edu", "Kiran", "Rao")}
	src.mu.Unlock()

	ch.deliver(chatFrame("kiran", "asha", "hello, new here"))

	eventually(t, "reload for unknown sender", func() bool { return len(s.Conversations()) == 1 })
}

// ============================================================================
// Optimistic sends
// ============================================================================

func TestSyncOptimisticReconciliation(t *testing.T) {
	src := &fakeSource{
		conversations: []Conversation{conversationWith(1, "ravi", "ravi@uni.edu", "Ravi", "Kumar")},
		messages:      map[int64][]Message{},
	}
	ch := &fakeChannel{connected: true}
	s := newTestSync(t, src, ch, KeepFailedMessages)
	ctx := context.Background()

	if err := s.OpenConversation(ctx, 1); err != nil {
		t.Fatal(err)
	}

	t.Run("echo confirms the oldest matching temp", func(t *testing.T) {
		first, err := s.Send(ctx, "same words")
		if err != nil {
			t.Fatal(err)
		}
		if !first.IsTemp() || first.Status != StatusPending {
			t.Fatalf("Send() = %+v, want pending temp", first)
		}
		if _, err := s.Send(ctx, "same words"); err != nil {
			t.Fatal(err)
		}

		ch.deliver(Frame{
			Type:        FrameMessageSent,
			MessageData: &Message{ID: "501", SenderUsername: "asha", Content: "same words"},
		})

		msgs := s.Messages()
		if len(msgs) != 2 {
			t.Fatalf("Messages() has %d entries, want 2", len(msgs))
		}
		if msgs[0].ID != "501" || msgs[0].Status != StatusSent {
			t.Fatalf("first = %+v, want confirmed 501", msgs[0])
		}
		if !msgs[1].IsTemp() {
			t.Fatalf("second = %+v, want still temp", msgs[1])
		}
	})

	t.Run("room broadcast of own message confirms the other", func(t *testing.T) {
		ch.deliver(chatFrame("asha", "ravi", "same words"))

		for _, m := range s.Messages() {
			if m.IsTemp() {
				t.Fatalf("temp message left after echo: %+v", m)
			}
		}
		if len(s.Messages()) != 2 {
			t.Fatalf("Messages() has %d entries, want 2", len(s.Messages()))
		}
	})

	t.Run("duplicate echo is ignored", func(t *testing.T) {
		ch.deliver(Frame{
			Type:        FrameMessageSent,
			MessageData: &Message{ID: "501", SenderUsername: "asha", Content: "same words"},
		})
		if len(s.Messages()) != 2 {
			t.Fatalf("Messages() has %d entries, want 2", len(s.Messages()))
		}
	})

	if len(ch.sent) != 2 || ch.sent[0].Receiver != "ravi" || ch.sent[0].Sender != "asha" {
		t.Fatalf("channel sends = %+v", ch.sent)
	}
	if len(src.sent) != 0 {
		t.Fatalf("REST sends = %v, want none while connected", src.sent)
	}
}

func TestSyncRepeatedOwnBroadcastNotDuplicated(t *testing.T) {
	src := &fakeSource{
		conversations: []Conversation{conversationWith(1, "ravi", "ravi@uni.edu", "Ravi", "Kumar")},
		messages:      map[int64][]Message{},
	}
	ch := &fakeChannel{connected: true}
	s := newTestSync(t, src, ch, KeepFailedMessages)
	ctx := context.Background()
	if err := s.OpenConversation(ctx, 1); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Send(ctx, "hi ravi"); err != nil {
		t.Fatal(err)
	}
	ch.deliver(chatFrame("asha", "ravi", "hi ravi"))
	// A resent copy comes back through the room a second time.
	ch.deliver(chatFrame("asha", "ravi", "hi ravi"))

	msgs := s.Messages()
	if len(msgs) != 1 {
		t.Fatalf("Messages() has %d entries after one Send, want 1: %+v", len(msgs), msgs)
	}
	if msgs[0].IsTemp() || msgs[0].Status != StatusSent {
		t.Fatalf("message = %+v, want confirmed", msgs[0])
	}

	// A different message sent from another instance still shows up.
	ch.deliver(chatFrame("asha", "ravi", "from my laptop"))
	msgs = s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("Messages() has %d entries, want 2", len(msgs))
	}
	if got := msgs[1]; got.Content != "from my laptop" || got.ConversationID != 1 {
		t.Fatalf("appended = %+v, want conversation 1", got)
	}
}

func TestSyncSendFallsBackToREST(t *testing.T) {
	src := &fakeSource{
		conversations: []Conversation{conversationWith(1, "ravi", "ravi@uni.edu", "Ravi", "Kumar")},
		sendResult: &SendMessageResult{
			ConversationID: 1,
			MessageData:    &Message{ID: "77", SenderUsername: "asha", Content: "offline hello"},
		},
	}
	ch := &fakeChannel{connected: false}
	s := newTestSync(t, src, ch, KeepFailedMessages)
	ctx := context.Background()

	if err := s.OpenConversation(ctx, 1); err != nil {
		t.Fatal(err)
	}
	got, err := s.Send(ctx, "offline hello")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "77" || got.Status != StatusSent {
		t.Fatalf("Send() = %+v", got)
	}
	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].ID != "77" {
		t.Fatalf("Messages() = %+v", msgs)
	}
	if len(src.sent) != 1 || src.sent[0] != "ravi@uni.edu:offline hello" {
		t.Fatalf("REST sends = %v", src.sent)
	}
}

func TestSyncFailurePolicies(t *testing.T) {
	tests := []struct {
		name   string
		policy FailurePolicy
		want   int
	}{
		{"keep", KeepFailedMessages, 1},
		{"rollback", RollbackFailedMessages, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &fakeSource{
				conversations: []Conversation{conversationWith(1, "ravi", "ravi@uni.edu", "Ravi", "Kumar")},
				sendErr:       &APIError{StatusCode: 500, Message: "down"},
			}
			s := newTestSync(t, src, nil, tt.policy)
			ctx := context.Background()
			if err := s.OpenConversation(ctx, 1); err != nil {
				t.Fatal(err)
			}

			var failed []FailedMessage
			s.On(EventMessageFailed, func(_ string, p any) { failed = append(failed, p.(FailedMessage)) })

			if _, err := s.Send(ctx, "will fail"); err == nil {
				t.Fatal("expected send error")
			}
			msgs := s.Messages()
			if len(msgs) != tt.want {
				t.Fatalf("Messages() has %d entries, want %d", len(msgs), tt.want)
			}
			if tt.want == 1 && msgs[0].Status != StatusFailed {
				t.Fatalf("Status = %q, want failed", msgs[0].Status)
			}
			if len(failed) != 1 || failed[0].Err == nil {
				t.Fatalf("message.failed events = %+v", failed)
			}
		})
	}
}

func TestSyncSendValidation(t *testing.T) {
	s := newTestSync(t, &fakeSource{}, nil, KeepFailedMessages)
	ctx := context.Background()

	var verr *ValidationError
	if _, err := s.Send(ctx, "   "); !errors.As(err, &verr) {
		t.Fatalf("blank Send() error = %v, want ValidationError", err)
	}
	if _, err := s.Send(ctx, "hello"); !errors.Is(err, ErrNoConversation) {
		t.Fatalf("Send() without thread error = %v, want ErrNoConversation", err)
	}
}

// ============================================================================
// Groups
// ============================================================================

func TestSyncGroupMessages(t *testing.T) {
	src := &fakeSource{
		groups: []Group{{ID: 4, Name: "Compilers"}, {ID: 5, Name: "Chess Club"}},
		messages: map[int64][]Message{
			-4: {{ID: "1", GroupID: 4, SenderUsername: "ravi", Content: "welcome"}},
		},
		groupReply: &Message{ID: "2", GroupID: 4, SenderUsername: "asha", Content: "thanks"},
	}
	ch := &fakeChannel{}
	s := newTestSync(t, src, ch, KeepFailedMessages)
	ctx := context.Background()

	if err := s.ReloadGroups(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.OpenGroup(ctx, 4); err != nil {
		t.Fatal(err)
	}

	got, err := s.Send(ctx, "thanks")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "2" {
		t.Fatalf("Send() = %+v", got)
	}

	// Socket copy of our own REST send.
	ch.deliver(Frame{Type: FrameGroupMessage, Message: []byte(`{"id":2,"group":4,"sender_username":"asha","message":"thanks"}`)})
	// Someone else in the open group.
	ch.deliver(Frame{Type: FrameGroupMessage, Message: []byte(`{"id":3,"group":4,"sender_username":"meera","message":"hi all"}`)})
	// Another group.
	ch.deliver(Frame{Type: FrameGroupMessage, Message: []byte(`{"id":9,"group":5,"sender_username":"kiran","message":"e4"}`)})

	msgs := s.Messages()
	if len(msgs) != 3 {
		t.Fatalf("Messages() = %+v, want 3 entries", msgs)
	}
	if msgs[2].Content != "hi all" {
		t.Fatalf("last message = %+v", msgs[2])
	}
	groups := s.Groups()
	if groups[1].UnreadCount != 1 || groups[1].LastMessage == nil || groups[1].LastMessage.Content != "e4" {
		t.Fatalf("inactive group = %+v", groups[1])
	}
}

func TestSyncGroupEchoBeforeRESTReply(t *testing.T) {
	src := &fakeSource{groups: []Group{{ID: 4, Name: "Compilers"}}}
	ch := &fakeChannel{}
	s := newTestSync(t, src, ch, KeepFailedMessages)
	ctx := context.Background()

	if err := s.OpenGroup(ctx, 4); err != nil {
		t.Fatal(err)
	}
	temp := s.addOptimistic(thread{kind: threadGroup, id: 4}, "early")

	ch.deliver(Frame{Type: FrameGroupMessage, Message: []byte(`{"id":8,"group":4,"sender_username":"asha","message":"early"}`)})
	s.replaceOptimistic(temp.ID, Message{ID: "8", GroupID: 4, SenderUsername: "asha", Content: "early", Status: StatusSent})

	msgs := s.Messages()
	if len(msgs) != 1 || msgs[0].ID != "8" {
		t.Fatalf("Messages() = %+v, want one confirmed entry", msgs)
	}
}

// ============================================================================
// Search
// ============================================================================

func TestSyncSearch(t *testing.T) {
	src := &fakeSource{conversations: []Conversation{
		conversationWith(1, "ravi", "ravi@uni.edu", "Ravi", "Kumar"),
		conversationWith(2, "meera", "meera@uni.edu", "Meera", "Iyer"),
		conversationWith(3, "rahul", "rahul@uni.edu", "Rahul", "Menon"),
	}}
	s := newTestSync(t, src, nil, KeepFailedMessages)

	t.Run("prefix keeps list order", func(t *testing.T) {
		res := s.Search("ra")
		if len(res.Conversations) != 2 || res.Conversations[0].ID != 1 || res.Conversations[1].ID != 3 {
			t.Fatalf("Search(ra) = %+v", res.Conversations)
		}
		if res.FindUser {
			t.Fatal("FindUser set for a name query")
		}
	})

	t.Run("case insensitive last name", func(t *testing.T) {
		res := s.Search("  IY ")
		if len(res.Conversations) != 1 || res.Conversations[0].ID != 2 {
			t.Fatalf("Search(IY) = %+v", res.Conversations)
		}
	})

	t.Run("empty query lists everything", func(t *testing.T) {
		if res := s.Search(""); len(res.Conversations) != 3 {
			t.Fatalf("Search(\"\") = %d entries", len(res.Conversations))
		}
	})

	t.Run("no match", func(t *testing.T) {
		if res := s.Search("zz"); len(res.Conversations) != 0 {
			t.Fatalf("Search(zz) = %+v", res.Conversations)
		}
	})

	t.Run("email offers find user", func(t *testing.T) {
		res := s.Search("new.student@uni.edu")
		if !res.FindUser || res.Email != "new.student@uni.edu" || len(res.Conversations) != 3 {
			t.Fatalf("Search(email) = %+v", res)
		}
	})
}

func TestSyncSearchGroups(t *testing.T) {
	src := &fakeSource{groups: []Group{
		{ID: 4, Name: "Compilers Study"},
		{ID: 5, Name: "Chess Club", Description: "weekly study of openings"},
	}}
	s := newTestSync(t, src, nil, KeepFailedMessages)
	if err := s.ReloadGroups(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := s.SearchGroups("ch")
	if len(got) != 1 || got[0].ID != 5 {
		t.Fatalf("SearchGroups(ch) = %+v", got)
	}
}

func TestSyncEmitterRecoversPanics(t *testing.T) {
	s := newTestSync(t, &fakeSource{}, nil, KeepFailedMessages)
	var after bool
	s.On(EventConversationsReloaded, func(string, any) { panic("boom") })
	s.On(EventConversationsReloaded, func(string, any) { after = true })

	if err := s.Reload(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !after {
		t.Fatal("second listener did not run")
	}
}
