package chatsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents a non-2xx response from the REST backend.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("%d: %s", e.StatusCode, e.Message)
}

// IsUnauthorized reports whether err is an APIError with status 401.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// ValidationError is returned before a request is sent when its input is
// rejected locally.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

var (
	ErrNotAuthenticated = errors.New("chatsync: not authenticated")
	ErrNoRefreshToken   = errors.New("chatsync: no refresh token")
	ErrNotConnected     = errors.New("chatsync: not connected")
	ErrNoConversation   = errors.New("chatsync: no conversation open")
)

// Timestamp decodes either unix milliseconds or an ISO-8601 string and
// always encodes as unix milliseconds.
type Timestamp struct {
	time.Time
}

// Millis builds a Timestamp from unix milliseconds.
func Millis(ms int64) Timestamp {
	return Timestamp{time.UnixMilli(ms)}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02 15:04:05",
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] != '"' {
		f, err := strconv.ParseFloat(string(data), 64)
		if err != nil {
			return fmt.Errorf("timestamp %s: %w", data, err)
		}
		t.Time = time.UnixMilli(int64(f))
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		t.Time = time.UnixMilli(ms)
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			t.Time = parsed
			return nil
		}
	}
	return fmt.Errorf("timestamp %q: unrecognised format", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(t.UnixMilli(), 10)), nil
}

// FlexID accepts both numeric and string identifiers. Server records carry
// integer ids while optimistic records carry "temp_" strings.
type FlexID string

func (id *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = FlexID(s)
		return nil
	}
	*id = FlexID(data)
	return nil
}

func (id FlexID) String() string { return string(id) }

// ============================================================================
// Domain Types
// ============================================================================

// User is a platform account as returned by profile and participant payloads.
type User struct {
	ID             int64  `json:"id"`
	Username       string `json:"username"`
	Email          string `json:"email"`
	FirstName      string `json:"first_name,omitempty"`
	LastName       string `json:"last_name,omitempty"`
	FullName       string `json:"full_name,omitempty"`
	ProfilePicture string `json:"profile_picture,omitempty"`
	Description    string `json:"description,omitempty"`
	CollegeName    string `json:"college_name,omitempty"`
	IsAdmin        bool   `json:"is_admin,omitempty"`
}

// DisplayName returns the full name, falling back to the username.
func (u User) DisplayName() string {
	if name := strings.TrimSpace(u.FullName); name != "" {
		return name
	}
	if name := strings.TrimSpace(u.FirstName + " " + u.LastName); name != "" {
		return name
	}
	return u.Username
}

// Creator is the created_by field of groups and forums. The backend sends
// either a bare username or a nested user object.
type Creator struct {
	Username string `json:"username"`
	FullName string `json:"full_name,omitempty"`
}

func (c *Creator) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &c.Username)
	}
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	type plain Creator
	return json.Unmarshal(data, (*plain)(c))
}

// Message is a direct message, a conversation's last-message preview or a
// group message.
type Message struct {
	ID             FlexID    `json:"id"`
	ConversationID int64     `json:"conversation,omitempty"`
	GroupID        int64     `json:"group,omitempty"`
	Sender         int64     `json:"sender,omitempty"`
	SenderUsername string    `json:"sender_username"`
	SenderFullName string    `json:"sender_full_name,omitempty"`
	Receiver       string    `json:"receiver,omitempty"`
	Content        string    `json:"content"`
	AttachmentURL  string    `json:"attachment_url,omitempty"`
	AttachmentType string    `json:"attachment_type,omitempty"`
	Timestamp      Timestamp `json:"timestamp"`
	IsRead         bool      `json:"is_read"`

	// Status is local only: "pending", "sent" or "failed".
	Status string `json:"-"`
}

const tempIDPrefix = "temp_"

// IsTemp reports whether the message is an unconfirmed optimistic entry.
func (m Message) IsTemp() bool {
	return strings.HasPrefix(string(m.ID), tempIDPrefix)
}

// groupMessageWire is the group message serializer shape, whose body is
// carried in "message" rather than "content".
type groupMessageWire struct {
	Message
	Body string `json:"message"`
}

// DecodeGroupMessage decodes a group message payload.
func DecodeGroupMessage(data []byte) (*Message, error) {
	var w groupMessageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode group message: %w", err)
	}
	msg := w.Message
	if msg.Content == "" {
		msg.Content = w.Body
	}
	return &msg, nil
}

// Conversation is one entry of the direct-message conversation list.
type Conversation struct {
	ID               int64     `json:"id"`
	Name             string    `json:"name,omitempty"`
	Participants     []User    `json:"participants,omitempty"`
	OtherParticipant *User     `json:"other_participant"`
	LastMessage      *Message  `json:"last_message"`
	UnreadCount      int       `json:"unread_count"`
	CreatedAt        Timestamp `json:"created_at"`
	UpdatedAt        Timestamp `json:"updated_at"`
}

// Title returns the conversation name or the other participant's name.
func (c Conversation) Title() string {
	if c.Name != "" {
		return c.Name
	}
	if c.OtherParticipant != nil {
		return c.OtherParticipant.DisplayName()
	}
	return fmt.Sprintf("conversation %d", c.ID)
}

// Group is a group chat as listed by GET /groups/.
type Group struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Image       string    `json:"image,omitempty"`
	CreatedBy   Creator   `json:"created_by"`
	MemberCount int       `json:"member_count"`
	IsMember    bool      `json:"is_member"`
	IsAdmin     bool      `json:"is_admin"`
	LastMessage *Message  `json:"last_message,omitempty"`
	UnreadCount int       `json:"unread_count"`
	CreatedAt   Timestamp `json:"created_at"`
	UpdatedAt   Timestamp `json:"updated_at"`
}

// Forum is a discussion forum.
type Forum struct {
	ID               int64     `json:"id"`
	Title            string    `json:"title"`
	Description      string    `json:"description"`
	ImageURL         string    `json:"image_url,omitempty"`
	CreatedBy        Creator   `json:"created_by"`
	ChannelCount     int       `json:"channel_count"`
	ParticipantCount int       `json:"participant_count"`
	CreatedAt        Timestamp `json:"created_at"`
}

// ForumChannel is a channel inside a forum.
type ForumChannel struct {
	ID         int64     `json:"id"`
	Forum      int64     `json:"forum"`
	ForumTitle string    `json:"forum_title,omitempty"`
	Name       string    `json:"name"`
	CreatedAt  Timestamp `json:"created_at"`
}

// ForumInvitation is a pending invitation to join a forum.
type ForumInvitation struct {
	ID        int64     `json:"id"`
	Forum     int64     `json:"forum"`
	Inviter   string    `json:"inviter,omitempty"`
	Status    string    `json:"status"`
	CreatedAt Timestamp `json:"created_at"`
}

// College is an institution users can belong to.
type College struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	Location string `json:"location,omitempty"`
}

// ============================================================================
// Request / Response Types
// ============================================================================

// Tokens is an access/refresh token pair.
type Tokens struct {
	Access   string `json:"access"`
	Refresh  string `json:"refresh,omitempty"`
	Username string `json:"-"`
}

// LoginResult is the response of POST /token/.
type LoginResult struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
	User    *User  `json:"user,omitempty"`
}

// SendMessageResult is the response of POST /send_message_new/.
type SendMessageResult struct {
	ConversationID    int64    `json:"conversation_id"`
	IsNewConversation bool     `json:"is_new_conversation"`
	MessageData       *Message `json:"message_data"`
}

// ProfileUpdate carries the editable profile fields.
type ProfileUpdate struct {
	Description string `json:"description,omitempty"`
	CollegeName string `json:"college_name,omitempty"`
}

// listEnvelope matches list endpoints that wrap results in {"data": [...]}.
type listEnvelope[T any] struct {
	Data []T `json:"data"`
}

// decodeList accepts either a bare JSON array or a {"data": [...]} envelope.
func decodeList[T any](data []byte) ([]T, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var items []T
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("failed to unmarshal response: %w", err)
		}
		return items, nil
	}
	env, err := decodeJSON[listEnvelope[T]](trimmed)
	if err != nil {
		return nil, err
	}
	return env.Data, nil
}

// ============================================================================
// Realtime Frames
// ============================================================================

// Frame types emitted by the chat and group sockets. Plain chat messages
// arrive with an empty type.
const (
	FrameChatMessage           = ""
	FrameMessageSent           = "message_sent"
	FrameConversationRefresh   = "conversation_refresh"
	FrameGroupMessage          = "group_message"
	FrameConnectionEstablished = "connection_established"
	FramePing                  = "ping"
	FramePong                  = "pong"
)

// Frame is the JSON envelope exchanged over both realtime sockets.
type Frame struct {
	Type           string          `json:"type,omitempty"`
	Message        json.RawMessage `json:"message,omitempty"`
	Sender         string          `json:"sender,omitempty"`
	Receiver       string          `json:"receiver,omitempty"`
	Timestamp      Timestamp       `json:"timestamp"`
	MessageID      FlexID          `json:"message_id,omitempty"`
	ConversationID int64           `json:"conversation_id,omitempty"`
	MessageData    *Message        `json:"message_data,omitempty"`
}

// Text returns the message body when it is a JSON string.
func (f Frame) Text() string {
	if len(f.Message) == 0 || f.Message[0] != '"' {
		return ""
	}
	var s string
	if json.Unmarshal(f.Message, &s) != nil {
		return ""
	}
	return s
}

// GroupMessage decodes the nested message of a group_message frame.
func (f Frame) GroupMessage() (*Message, error) {
	if len(f.Message) == 0 || f.Message[0] != '{' {
		return nil, fmt.Errorf("frame %q carries no group message", f.Type)
	}
	return DecodeGroupMessage(f.Message)
}

// dedupKey identifies an inbound frame for duplicate suppression. Frames
// with neither an id nor a timestamp cannot be told apart and return "".
func (f Frame) dedupKey() string {
	if f.MessageID != "" {
		return string(f.MessageID)
	}
	if f.Type == FrameGroupMessage {
		if m, err := f.GroupMessage(); err == nil && m.ID != "" {
			return "group_" + string(m.ID)
		}
	}
	if f.Timestamp.IsZero() {
		return ""
	}
	return correlationID(f.Sender, f.Receiver, f.Timestamp.UnixMilli())
}

func correlationID(sender, receiver string, ms int64) string {
	return sender + "_" + receiver + "_" + strconv.FormatInt(ms, 10)
}

// textMessage encodes s as a frame message body.
func textMessage(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
