//go:build integration

package chatsync_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	chatsync "github.com/campuslink/chatsync"
)

// helpers ---------------------------------------------------------------

func testBaseURL() string {
	if v := os.Getenv("CHATSYNC_BASE_URL_TEST"); v != "" {
		return v
	}
	return chatsync.DefaultBaseURL
}

func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano()%1_000_000_000)
}

type testStudent struct {
	username string
	email    string
	client   *chatsync.Client
}

// registerStudent signs up a throwaway account and returns a client logged in
// as it.
func registerStudent(t *testing.T, ctx context.Context, prefix string) testStudent {
	t.Helper()
	anon := chatsync.NewClient(chatsync.WithBaseURL(testBaseURL()))
	username := uniqueName(prefix)
	email := username + "@example.edu"

	if _, err := anon.Auth.Register(ctx, &chatsync.RegisterOptions{
		Username:  username,
		Email:     email,
		Password:  "integration-Pa55",
		FirstName: strings.ToUpper(prefix[:1]) + prefix[1:],
		LastName:  "Tester",
	}); err != nil {
		t.Fatalf("Register %s error: %v", username, err)
	}
	login, err := anon.Auth.Login(ctx, username, "integration-Pa55")
	if err != nil {
		t.Fatalf("Login %s error: %v", username, err)
	}
	return testStudent{
		username: username,
		email:    email,
		client:   chatsync.NewClient(chatsync.WithBaseURL(testBaseURL()), chatsync.WithToken(login.Access)),
	}
}

// =======================================================================
// Direct messages
// =======================================================================

func TestIntegration_RealtimeDelivery(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	alice := registerStudent(t, ctx, "alice")
	bob := registerStudent(t, ctx, "bob")

	// Open a conversation so both sides know it.
	first, err := alice.client.Conversations.Send(ctx, bob.email, "hello bob")
	if err != nil {
		t.Fatalf("first Send error: %v", err)
	}
	if !first.IsNewConversation || first.ConversationID == 0 {
		t.Fatalf("first Send = %+v, want new conversation", first)
	}

	channel := chatsync.NewRealtimeChannel(chatsync.RealtimeConfig{
		URL:    bob.client.ChatURL(),
		Tokens: bob.client.TokenSource(),
	})
	defer channel.Disconnect()

	cs, err := chatsync.NewConversationSync(chatsync.SyncConfig{
		Source:      chatsync.NewClientSource(bob.client),
		Channel:     channel,
		CurrentUser: bob.username,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cs.Stop()

	if err := channel.Connect(ctx, ""); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if err := cs.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if got := cs.Search(alice.username[:4]); len(got.Conversations) == 0 {
		t.Fatalf("Search(%q) found nothing in %+v", alice.username[:4], cs.Conversations())
	}

	updated := make(chan chatsync.Conversation, 4)
	cs.On(chatsync.EventConversationUpdated, func(_ string, p any) {
		updated <- p.(chatsync.Conversation)
	})

	// Alice writes over her own socket.
	aliceChannel := chatsync.NewRealtimeChannel(chatsync.RealtimeConfig{
		URL:    alice.client.ChatURL(),
		Tokens: alice.client.TokenSource(),
	})
	defer aliceChannel.Disconnect()
	if err := aliceChannel.Connect(ctx, ""); err != nil {
		t.Fatalf("alice Connect error: %v", err)
	}
	aliceChannel.SendMessage("are you in the lab?", alice.username, bob.username)

	select {
	case conv := <-updated:
		if conv.UnreadCount == 0 || conv.LastMessage == nil || conv.LastMessage.Content != "are you in the lab?" {
			t.Fatalf("updated conversation = %+v", conv)
		}
		t.Logf("bob saw conversation %d with %d unread", conv.ID, conv.UnreadCount)
	case <-ctx.Done():
		t.Fatal("bob never received the realtime message")
	}

	if err := cs.OpenConversation(ctx, first.ConversationID); err != nil {
		t.Fatalf("OpenConversation error: %v", err)
	}
	if len(cs.Messages()) == 0 {
		t.Fatal("expected history after OpenConversation")
	}
}

// =======================================================================
// Groups
// =======================================================================

func TestIntegration_GroupAttachment(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	carol := registerStudent(t, ctx, "carol")

	group, err := carol.client.Groups.Create(ctx, &chatsync.CreateGroupOptions{
		Name:        uniqueName("study"),
		Description: "integration test group",
	})
	if err != nil {
		t.Fatalf("Create group error: %v", err)
	}

	att := &chatsync.Attachment{FileName: "notes.txt", Data: []byte("chapter 4 summary")}
	msg, err := carol.client.Groups.Send(ctx, group.ID, "notes attached", att)
	if err != nil {
		t.Fatalf("Send with attachment error: %v", err)
	}
	if msg.AttachmentURL == "" {
		t.Fatalf("expected attachment url, got %+v", msg)
	}

	msgs, err := carol.client.Groups.Messages(ctx, group.ID)
	if err != nil {
		t.Fatalf("Messages error: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Content != "notes attached" {
		t.Fatalf("Messages = %+v", msgs)
	}
}
