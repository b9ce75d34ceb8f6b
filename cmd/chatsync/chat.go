package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/campuslink/chatsync"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsSearch string
	conversationsUnread bool
	conversationsJSON   bool

	// groups
	groupsSearch string
	groupsJSON   bool

	// messages
	messagesLimit int
	messagesGroup bool
	messagesJSON  bool

	// send
	sendGroup      int64
	sendAttachment string
)

// newSync builds a ConversationSync over the session's client.
func newSync(s *session, ch chatsync.MessageChannel) (*chatsync.ConversationSync, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	username, err := s.username(ctx)
	if err != nil {
		return nil, err
	}
	return chatsync.NewConversationSync(chatsync.SyncConfig{
		Source:      chatsync.NewClientSource(s.client),
		Channel:     ch,
		CurrentUser: username,
		Logger:      s.logger,
	})
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	fmt.Println(string(data))
	return nil
}

func printMessage(m chatsync.Message) {
	status := ""
	switch m.Status {
	case chatsync.StatusPending:
		status = " (sending)"
	case chatsync.StatusFailed:
		status = " (failed)"
	}
	body := m.Content
	if m.AttachmentURL != "" {
		body = strings.TrimSpace(body + " [" + m.AttachmentURL + "]")
	}
	fmt.Printf("  [%s] %s: %s%s\n", formatTime(m.Timestamp), m.SenderUsername, body, status)
}

func printConversation(c chatsync.Conversation) {
	unread := ""
	if c.UnreadCount > 0 {
		unread = fmt.Sprintf(" (%d unread)", c.UnreadCount)
	}
	preview := ""
	if c.LastMessage != nil {
		preview = " - " + truncate(c.LastMessage.Content, 40)
	}
	fmt.Printf("  %d: %s%s%s\n", c.ID, c.Title(), unread, preview)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List direct-message conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		cs, err := newSync(s, nil)
		if err != nil {
			return err
		}
		defer cs.Stop()
		if err := cs.Start(ctx); err != nil {
			return err
		}

		res := cs.Search(conversationsSearch)
		convs := res.Conversations
		if conversationsUnread {
			filtered := convs[:0]
			for _, c := range convs {
				if c.UnreadCount > 0 {
					filtered = append(filtered, c)
				}
			}
			convs = filtered
		}

		if conversationsJSON {
			return printJSON(convs)
		}
		if res.FindUser {
			fmt.Printf("Start a conversation with %s: chatsync send %s <message>\n", res.Email, res.Email)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations found.")
			return nil
		}
		for _, c := range convs {
			printConversation(c)
		}
		return nil
	},
}

// ============================================================================
// groups
// ============================================================================

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		cs, err := newSync(s, nil)
		if err != nil {
			return err
		}
		defer cs.Stop()
		if err := cs.ReloadGroups(ctx); err != nil {
			return err
		}

		groups := cs.SearchGroups(groupsSearch)
		if groupsJSON {
			return printJSON(groups)
		}
		if len(groups) == 0 {
			fmt.Println("No groups found.")
			return nil
		}
		for _, g := range groups {
			member := ""
			if g.IsAdmin {
				member = " [admin]"
			} else if g.IsMember {
				member = " [member]"
			}
			fmt.Printf("  %d: %s (%d members)%s\n", g.ID, g.Name, g.MemberCount, member)
		}
		return nil
	},
}

// ============================================================================
// messages
// ============================================================================

var messagesCmd = &cobra.Command{
	Use:   "messages <id>",
	Short: "Show the messages of a conversation or group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q", args[0])
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		var msgs []chatsync.Message
		if messagesGroup {
			msgs, err = s.client.Groups.Messages(ctx, id)
		} else {
			msgs, err = s.client.Conversations.Messages(ctx, id)
		}
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if messagesLimit > 0 && len(msgs) > messagesLimit {
			msgs = msgs[len(msgs)-messagesLimit:]
		}

		if messagesJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages.")
			return nil
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send [email] <message>",
	Short: "Send a direct message by email, or a group message with --group",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		if sendGroup != 0 {
			content := strings.Join(args, " ")
			var att *chatsync.Attachment
			if sendAttachment != "" {
				if att, err = chatsync.LoadAttachment(sendAttachment); err != nil {
					return err
				}
			}
			msg, err := s.client.Groups.Send(ctx, sendGroup, content, att)
			if err != nil {
				return fmt.Errorf("send failed: %w", err)
			}
			fmt.Printf("Sent to group %d (message %s)\n", sendGroup, msg.ID)
			return nil
		}

		if len(args) != 2 {
			return fmt.Errorf("usage: chatsync send <email> <message>")
		}
		res, err := s.client.Conversations.Send(ctx, args[0], args[1])
		if err != nil {
			return fmt.Errorf("send failed: %w", err)
		}
		if res.IsNewConversation {
			fmt.Printf("Started conversation %d\n", res.ConversationID)
		} else {
			fmt.Printf("Sent to conversation %d\n", res.ConversationID)
		}
		return nil
	},
}

// ============================================================================
// chat (interactive)
// ============================================================================

const chatHelp = `Commands:
  /list            show conversations
  /open <id>       open a conversation
  /group <id>      open a group
  /search <query>  search conversations (an email offers a new chat)
  /new <email> <message>
  /tabs            show running instances
  /info            show connection info
  /quit            exit
Anything else is sent to the open conversation.`

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Interactive realtime chat",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		channel := chatsync.NewRealtimeChannel(chatsync.RealtimeConfig{
			URL:    s.client.ChatURL(),
			Tokens: s.creds,
			Logger: s.logger,
		})
		defer channel.Disconnect()
		channel.OnStateChange(func(state chatsync.RealtimeState) {
			if state == chatsync.StateReconnecting {
				fmt.Println("* connection lost, reconnecting...")
			}
		})

		cs, err := newSync(s, channel)
		if err != nil {
			return err
		}
		defer cs.Stop()

		r := &chatREPL{s: s, channel: channel, sync: cs}
		r.subscribe()

		if err := channel.Connect(ctx, ""); err != nil {
			fmt.Printf("* realtime unavailable (%v); messages will go over REST\n", err)
		}
		if err := cs.Start(ctx); err != nil {
			return err
		}
		fmt.Println(chatHelp)
		r.list()

		lines := make(chan string)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				lines <- scanner.Text()
			}
			close(lines)
		}()

		for {
			select {
			case <-ctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := r.handle(ctx, strings.TrimSpace(line)); quit {
					return nil
				}
			}
		}
	},
}

type chatREPL struct {
	s       *session
	channel *chatsync.RealtimeChannel
	sync    *chatsync.ConversationSync
	detach  func()
}

func (r *chatREPL) subscribe() {
	r.sync.On(chatsync.EventMessageNew, func(_ string, p any) {
		if m, ok := p.(chatsync.Message); ok && !m.IsTemp() {
			printMessage(m)
		}
	})
	r.sync.On(chatsync.EventMessageConfirmed, func(_ string, p any) {
		if m, ok := p.(chatsync.Message); ok {
			printMessage(m)
		}
	})
	r.sync.On(chatsync.EventMessageFailed,func(_ string, p any) {
		if f, ok := p.(chatsync.FailedMessage); ok {
			fmt.Printf("* failed to send %q: %v\n", truncate(f.Message.Content, 30), f.Err)
		}
	})
	r.sync.On(chatsync.EventConversationUpdated, func(_ string, p any) {
		if c, ok := p.(chatsync.Conversation); ok {
			fmt.Printf("* new message from %s (%d unread)\n", c.Title(), c.UnreadCount)
		}
	})
	r.sync.On(chatsync.EventGroupUpdated, func(_ string, p any) {
		if g, ok := p.(chatsync.Group); ok {
			fmt.Printf("* new message in %s (%d unread)\n", g.Name, g.UnreadCount)
		}
	})
	r.sync.On(chatsync.EventSyncError, func(_ string, p any) {
		fmt.Printf("* sync error: %v\n", p)
	})
}

func (r *chatREPL) list() {
	convs := r.sync.Conversations()
	if len(convs) == 0 {
		fmt.Println("No conversations yet. Use /new <email> <message>.")
		return
	}
	for _, c := range convs {
		printConversation(c)
	}
}

// handle runs one input line and reports whether to quit.
func (r *chatREPL) handle(ctx context.Context, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		if _, err := r.sync.Send(ctx, line); err != nil {
			fmt.Printf("* %v\n", err)
		}
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Println(chatHelp)
	case "/list":
		r.list()
	case "/open":
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			fmt.Println("* usage: /open <id>")
			return false
		}
		r.leaveGroup()
		if err := r.sync.OpenConversation(ctx, id); err != nil {
			fmt.Printf("* %v\n", err)
			return false
		}
		for _, m := range r.sync.Messages() {
			printMessage(m)
		}
	case "/group":
		id, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			fmt.Println("* usage: /group <id>")
			return false
		}
		r.openGroup(ctx, id)
	case "/search":
		res := r.sync.Search(rest)
		if res.FindUser {
			fmt.Printf("* start a conversation: /new %s <message>\n", res.Email)
		}
		for _, c := range res.Conversations {
			printConversation(c)
		}
	case "/new":
		email, msg, ok := strings.Cut(rest, " ")
		if !ok {
			fmt.Println("* usage: /new <email> <message>")
			return false
		}
		res, err := r.sync.StartConversation(ctx, email, strings.TrimSpace(msg))
		if err != nil {
			fmt.Printf("* %v\n", err)
			return false
		}
		fmt.Printf("* conversation %d\n", res.ConversationID)
	case "/tabs":
		tabs, err := r.s.tab.ActiveTabs(ctx)
		if err != nil {
			fmt.Printf("* %v\n", err)
			return false
		}
		for _, t := range tabs {
			marker := " "
			if t.TabID == r.s.tab.TabID() {
				marker = "*"
			}
			fmt.Printf("  %s %s %s\n", marker, t.TabID, t.UserAgent)
		}
	case "/info":
		info := r.channel.Info()
		fmt.Printf("  state=%s latency=%s queued=%d reconnects=%d sync=%s\n",
			info.State, info.Latency, info.QueuedMessages, info.ReconnectAttempts, r.sync.State())
	default:
		fmt.Printf("* unknown command %s (try /help)\n", cmd)
	}
	return false
}

// openGroup loads a group and listens on its socket until another thread
// is opened.
func (r *chatREPL) openGroup(ctx context.Context, id int64) {
	r.leaveGroup()
	if err := r.sync.OpenGroup(ctx, id); err != nil {
		fmt.Printf("* %v\n", err)
		return
	}
	for _, m := range r.sync.Messages() {
		printMessage(m)
	}

	group := chatsync.NewRealtimeChannel(chatsync.RealtimeConfig{
		URL:    r.s.client.GroupURL(id),
		Tokens: r.s.creds,
		Logger: r.s.logger.With(zap.Int64("group_id", id)),
	})
	if err := group.Connect(ctx, ""); err != nil {
		fmt.Printf("* group realtime unavailable: %v\n", err)
		return
	}
	detach := r.sync.Attach(group)
	r.detach = func() {
		detach()
		group.Disconnect()
	}
}

func (r *chatREPL) leaveGroup() {
	if r.detach != nil {
		r.detach()
		r.detach = nil
	}
}

// ============================================================================
// Registration
// ============================================================================

func init() {
	conversationsCmd.Flags().StringVarP(&conversationsSearch, "search", "s", "", "Filter by name, username or email prefix")
	conversationsCmd.Flags().BoolVar(&conversationsUnread, "unread", false, "Show only unread conversations")
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Output JSON")

	groupsCmd.Flags().StringVarP(&groupsSearch, "search", "s", "", "Filter by name or description prefix")
	groupsCmd.Flags().BoolVar(&groupsJSON, "json", false, "Output JSON")

	messagesCmd.Flags().IntVarP(&messagesLimit, "limit", "n", 0, "Show only the last n messages")
	messagesCmd.Flags().BoolVar(&messagesGroup, "group", false, "Treat the id as a group id")
	messagesCmd.Flags().BoolVar(&messagesJSON, "json", false, "Output JSON")

	sendCmd.Flags().Int64Var(&sendGroup, "group", 0, "Send to this group instead of a user")
	sendCmd.Flags().StringVar(&sendAttachment, "attach", "", "File to attach (group messages only)")

	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(groupsCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(chatCmd)
}
