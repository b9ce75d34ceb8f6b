// Package chatsync is the Go client for the campus chat backend.
//
// It covers the REST API with a sub-client access pattern, per-instance
// session isolation, and the realtime conversation sync layer.
//
// Example:
//
//	store := chatsync.NewMemoryStore()
//	tab, _ := chatsync.NewTabSession(chatsync.TabSessionConfig{Store: store})
//	creds, _ := chatsync.NewCredentialStore(chatsync.CredentialConfig{Store: store, SessionKey: tab.SessionKey()})
//	client := chatsync.NewClient(
//		chatsync.WithBaseURL("https://chat.example.edu/api"),
//		chatsync.WithTabSession(tab),
//		chatsync.WithTokenSource(creds),
//	)
//	creds.SetRefresher(client.Auth)
//
//	convs, _ := client.Conversations.List(ctx)
//	client.Conversations.Send(ctx, "friend@campus.edu", "Hello!")
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultBaseURL   = "http://localhost:8000/api"
	DefaultTimeout   = 30 * time.Second
	DefaultUserAgent = "chatsync-go/1.0"

	headerTabID      = "X-Tab-ID"
	headerSessionKey = "X-Session-Key"
	headerUserAgent  = "X-User-Agent"
)

// ============================================================================
// Client
// ============================================================================

type Client struct {
	baseURL    string
	wsBaseURL  string
	httpClient *http.Client
	tokens     TokenSource
	tabID      string
	sessionKey string
	userAgent  string
	logger     *zap.Logger

	Auth          *AuthClient
	Profile       *ProfileClient
	Users         *UsersClient
	Conversations *ConversationsClient
	Groups        *GroupsClient
	Forums        *ForumsClient
	Admin         *AdminClient
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithWSBaseURL overrides the realtime host. By default it is derived from
// the REST base URL with the /api suffix removed.
func WithWSBaseURL(url string) ClientOption {
	return func(c *Client) { c.wsBaseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithTokenSource(ts TokenSource) ClientOption {
	return func(c *Client) { c.tokens = ts }
}

// WithToken authenticates with a fixed access token.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.tokens = StaticToken(token) }
}

// WithTabSession tags every request with the session's tab id and key.
func WithTabSession(tab *TabSession) ClientOption {
	return func(c *Client) {
		c.tabID = tab.TabID()
		c.sessionKey = tab.SessionKey()
	}
}

func WithUserAgent(agent string) ClientOption {
	return func(c *Client) { c.userAgent = agent }
}

func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a new chat backend client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   DefaultBaseURL,
		userAgent: DefaultUserAgent,
		logger:    noOpLogger,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	c.Auth = &AuthClient{c}
	c.Profile = &ProfileClient{c}
	c.Users = &UsersClient{c}
	c.Conversations = &ConversationsClient{c}
	c.Groups = &GroupsClient{c}
	c.Forums = &ForumsClient{c}
	c.Admin = &AdminClient{c}
	return c
}

// SetTokenSource replaces the token source, for example after login.
func (c *Client) SetTokenSource(ts TokenSource) {
	c.tokens = ts
}

// TokenSource returns the configured token source, if any.
func (c *Client) TokenSource() TokenSource {
	return c.tokens
}

// ============================================================================
// Realtime endpoints
// ============================================================================

func (c *Client) wsBase() string {
	base := c.wsBaseURL
	if base == "" {
		base = strings.TrimSuffix(c.baseURL, "/api")
	}
	base = strings.Replace(base, "https://", "wss://", 1)
	return strings.Replace(base, "http://", "ws://", 1)
}

// ChatURL returns the direct-message socket URL without a token.
func (c *Client) ChatURL() string {
	return c.wsBase() + "/ws/chat/"
}

// GroupURL returns the socket URL of one group.
func (c *Client) GroupURL(groupID int64) string {
	return c.wsBase() + "/ws/group/" + strconv.FormatInt(groupID, 10) + "/"
}

// ============================================================================
// Internal request helper
// ============================================================================

// bodyFunc builds a fresh request body so a request can be replayed after a
// token refresh.
type bodyFunc func() (io.Reader, string, error)

func jsonBody(v any) bodyFunc {
	if v == nil {
		return nil
	}
	return func() (io.Reader, string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("failed to marshal request: %w", err)
		}
		return bytes.NewReader(b), "application/json", nil
	}
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any, query map[string]string) ([]byte, error) {
	return c.do(ctx, method, path, query, jsonBody(body), true)
}

// do sends an API request. An authenticated request that gets a 401 is
// retried once after refreshing the token.
func (c *Client) do(ctx context.Context, method, path string, query map[string]string, body bodyFunc, auth bool) ([]byte, error) {
	data, status, err := c.roundTrip(ctx, method, path, query, body, auth)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized && auth && c.tokens != nil {
		if _, refreshErr := c.tokens.Refresh(ctx); refreshErr == nil {
			data, status, err = c.roundTrip(ctx, method, path, query, body, auth)
			if err != nil {
				return nil, err
			}
		} else {
			c.logger.Debug("token refresh after 401 failed", zap.String("path", path), zap.Error(refreshErr))
		}
	}
	if status < 200 || status >= 300 {
		return nil, decodeAPIError(status, data)
	}
	return data, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path string, query map[string]string, body bodyFunc, auth bool) ([]byte, int, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		params := url.Values{}
		for k, v := range query {
			params.Set(k, v)
		}
		u += "?" + params.Encode()
	}

	var bodyReader io.Reader
	var contentType string
	if body != nil {
		r, ct, err := body()
		if err != nil {
			return nil, 0, err
		}
		bodyReader, contentType = r, ct
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if err := c.setHeaders(ctx, req, auth); err != nil {
		return nil, 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}
	return data, resp.StatusCode, nil
}

func (c *Client) setHeaders(ctx context.Context, req *http.Request, auth bool) error {
	if auth {
		if c.tokens == nil {
			return ErrNotAuthenticated
		}
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.tabID != "" {
		req.Header.Set(headerTabID, c.tabID)
	}
	if c.sessionKey != "" {
		req.Header.Set(headerSessionKey, c.sessionKey)
	}
	if c.userAgent != "" {
		req.Header.Set(headerUserAgent, c.userAgent)
	}
	return nil
}

func decodeAPIError(status int, data []byte) error {
	apiErr := &APIError{StatusCode: status}
	var payload struct {
		Detail  string `json:"detail"`
		Code    string `json:"code"`
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(data, &payload) == nil {
		apiErr.Code = payload.Code
		for _, m := range []string{payload.Detail, payload.Error, payload.Message} {
			if m != "" {
				apiErr.Message = m
				break
			}
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(status)
	}
	return apiErr
}

func decodeJSON[T any](data []byte) (*T, error) {
	var result T
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

func idPath(format string, id int64) string {
	return fmt.Sprintf(format, id)
}

// ============================================================================
// Auth
// ============================================================================

type AuthClient struct{ c *Client }

// Login exchanges credentials for a token pair.
func (a *AuthClient) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	if strings.TrimSpace(username) == "" || password == "" {
		return nil, &ValidationError{Field: "username", Reason: "username and password are required"}
	}
	body := map[string]string{"username": username, "password": password}
	data, err := a.c.do(ctx, http.MethodPost, "/token/", nil, jsonBody(body), false)
	if err != nil {
		return nil, err
	}
	return decodeJSON[LoginResult](data)
}

// Refresh exchanges a refresh token for a new access token. It satisfies
// TokenRefresher.
func (a *AuthClient) Refresh(ctx context.Context, refreshToken string) (*Tokens, error) {
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}
	body := map[string]string{"refresh": refreshToken}
	data, err := a.c.do(ctx, http.MethodPost, "/token/refresh/", nil, jsonBody(body), false)
	if err != nil {
		return nil, err
	}
	tokens, err := decodeJSON[Tokens](data)
	if err != nil {
		return nil, err
	}
	if tokens.Access == "" {
		return nil, errors.New("refresh response carried no access token")
	}
	return tokens, nil
}

// RegisterOptions carries the sign-up form.
type RegisterOptions struct {
	Username    string `json:"username"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	CollegeName string `json:"college_name,omitempty"`
}

func (a *AuthClient) Register(ctx context.Context, opts *RegisterOptions) (*User, error) {
	if opts == nil || opts.Username == "" || opts.Email == "" || opts.Password == "" {
		return nil, &ValidationError{Field: "username", Reason: "username, email and password are required"}
	}
	data, err := a.c.do(ctx, http.MethodPost, "/user/register/", nil, jsonBody(opts), false)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

// CheckToken asks the backend whether the current token is valid.
func (a *AuthClient) CheckToken(ctx context.Context) error {
	_, err := a.c.doRequest(ctx, http.MethodGet, "/token/checktoken/", nil, nil)
	return err
}

// ============================================================================
// Profile
// ============================================================================

type ProfileClient struct{ c *Client }

func (p *ProfileClient) Get(ctx context.Context) (*User, error) {
	data, err := p.c.doRequest(ctx, http.MethodGet, "/user/profile/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

// Lookup fetches another user's public profile.
func (p *ProfileClient) Lookup(ctx context.Context, username string) (*User, error) {
	data, err := p.c.doRequest(ctx, http.MethodGet, "/user/profile/"+url.PathEscape(username)+"/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

func (p *ProfileClient) Update(ctx context.Context, update ProfileUpdate) (*User, error) {
	data, err := p.c.doRequest(ctx, http.MethodPut, "/user/profile/", update, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

// UploadPicture replaces the profile picture. Only images are accepted.
func (p *ProfileClient) UploadPicture(ctx context.Context, file *Attachment) (*User, error) {
	if err := file.validateImage(); err != nil {
		return nil, err
	}
	form := &multipartForm{files: map[string]*Attachment{"profile_picture": file}}
	data, err := p.c.do(ctx, http.MethodPost, "/user/profile/upload-picture/", nil, form.body(), true)
	if err != nil {
		return nil, err
	}
	return decodeJSON[User](data)
}

// ============================================================================
// Users
// ============================================================================

type UsersClient struct{ c *Client }

func (u *UsersClient) List(ctx context.Context) ([]User, error) {
	data, err := u.c.doRequest(ctx, http.MethodGet, "/users/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[User](data)
}

func (u *UsersClient) Search(ctx context.Context, query string) ([]User, error) {
	data, err := u.c.doRequest(ctx, http.MethodGet, "/users/search/", nil, map[string]string{"q": query})
	if err != nil {
		return nil, err
	}
	return decodeList[User](data)
}

// Colleges lists the institutions available at sign-up.
func (u *UsersClient) Colleges(ctx context.Context) ([]College, error) {
	data, err := u.c.do(ctx, http.MethodGet, "/colleges/", nil, nil, false)
	if err != nil {
		return nil, err
	}
	return decodeList[College](data)
}

// ============================================================================
// Conversations
// ============================================================================

type ConversationsClient struct{ c *Client }

func (cv *ConversationsClient) List(ctx context.Context) ([]Conversation, error) {
	data, err := cv.c.doRequest(ctx, http.MethodGet, "/conversations/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Conversation](data)
}

func (cv *ConversationsClient) Messages(ctx context.Context, conversationID int64) ([]Message, error) {
	data, err := cv.c.doRequest(ctx, http.MethodGet, idPath("/conversations/%d/messages/", conversationID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Message](data)
}

// Send delivers a direct message by email, creating the conversation if it
// does not exist yet.
func (cv *ConversationsClient) Send(ctx context.Context, receiverEmail, content string) (*SendMessageResult, error) {
	if strings.TrimSpace(receiverEmail) == "" {
		return nil, &ValidationError{Field: "receiver_email", Reason: "is required"}
	}
	if strings.TrimSpace(content) == "" {
		return nil, &ValidationError{Field: "content", Reason: "is required"}
	}
	body := map[string]string{"receiver_email": receiverEmail, "content": content}
	data, err := cv.c.doRequest(ctx, http.MethodPost, "/send_message_new/", body, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[SendMessageResult](data)
}

func (cv *ConversationsClient) MarkRead(ctx context.Context, conversationID int64) error {
	_, err := cv.c.doRequest(ctx, http.MethodPost, idPath("/conversations/%d/mark_read/", conversationID), nil, nil)
	return err
}

// ============================================================================
// Groups
// ============================================================================

type GroupsClient struct{ c *Client }

// CreateGroupOptions carries the group creation form.
type CreateGroupOptions struct {
	Name        string
	Description string
	Image       *Attachment
}

func (o *CreateGroupOptions) form() (*multipartForm, error) {
	if o == nil || strings.TrimSpace(o.Name) == "" {
		return nil, &ValidationError{Field: "name", Reason: "is required"}
	}
	form := &multipartForm{fields: map[string]string{"name": o.Name, "description": o.Description}}
	if o.Image != nil {
		if err := o.Image.validateImage(); err != nil {
			return nil, err
		}
		form.files = map[string]*Attachment{"image": o.Image}
	}
	return form, nil
}

func (g *GroupsClient) List(ctx context.Context) ([]Group, error) {
	data, err := g.c.doRequest(ctx, http.MethodGet, "/groups/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Group](data)
}

func (g *GroupsClient) Create(ctx context.Context, opts *CreateGroupOptions) (*Group, error) {
	form, err := opts.form()
	if err != nil {
		return nil, err
	}
	data, err := g.c.do(ctx, http.MethodPost, "/groups/create/", nil, form.body(), true)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Group](data)
}

func (g *GroupsClient) Messages(ctx context.Context, groupID int64) ([]Message, error) {
	data, err := g.c.doRequest(ctx, http.MethodGet, idPath("/groups/%d/messages/", groupID), nil, nil)
	if err != nil {
		return nil, err
	}
	raw, err := decodeList[json.RawMessage](data)
	if err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(raw))
	for _, r := range raw {
		m, err := DecodeGroupMessage(r)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, nil
}

// Send posts a group message with an optional attachment.
func (g *GroupsClient) Send(ctx context.Context, groupID int64, content string, attachment *Attachment) (*Message, error) {
	if strings.TrimSpace(content) == "" && attachment == nil {
		return nil, &ValidationError{Field: "message", Reason: "message or attachment is required"}
	}
	form := &multipartForm{fields: map[string]string{"message": content}}
	if attachment != nil {
		if err := attachment.Validate(); err != nil {
			return nil, err
		}
		form.files = map[string]*Attachment{"attachment": attachment}
	}
	data, err := g.c.do(ctx, http.MethodPost, idPath("/groups/%d/messages/send/", groupID), nil, form.body(), true)
	if err != nil {
		return nil, err
	}
	return DecodeGroupMessage(data)
}

// ============================================================================
// Forums
// ============================================================================

type ForumsClient struct{ c *Client }

// CreateForumOptions carries the forum creation form.
type CreateForumOptions struct {
	Title       string
	Description string
	Image       *Attachment
}

func (o *CreateForumOptions) form() (*multipartForm, error) {
	if o == nil || strings.TrimSpace(o.Title) == "" {
		return nil, &ValidationError{Field: "title", Reason: "is required"}
	}
	form := &multipartForm{fields: map[string]string{"title": o.Title, "description": o.Description}}
	if o.Image != nil {
		if err := o.Image.validateImage(); err != nil {
			return nil, err
		}
		form.files = map[string]*Attachment{"image": o.Image}
	}
	return form, nil
}

func (f *ForumsClient) List(ctx context.Context) ([]Forum, error) {
	data, err := f.c.doRequest(ctx, http.MethodGet, "/forums/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Forum](data)
}

func (f *ForumsClient) Create(ctx context.Context, opts *CreateForumOptions) (*Forum, error) {
	form, err := opts.form()
	if err != nil {
		return nil, err
	}
	data, err := f.c.do(ctx, http.MethodPost, "/forums/create/", nil, form.body(), true)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Forum](data)
}

func (f *ForumsClient) Channels(ctx context.Context, forumID int64) ([]ForumChannel, error) {
	data, err := f.c.doRequest(ctx, http.MethodGet, idPath("/forums/%d/channels/", forumID), nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[ForumChannel](data)
}

func (f *ForumsClient) CreateChannel(ctx context.Context, forumID int64, name string) (*ForumChannel, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &ValidationError{Field: "name", Reason: "is required"}
	}
	data, err := f.c.doRequest(ctx, http.MethodPost, idPath("/forums/%d/channels/create/", forumID), map[string]string{"name": name}, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[ForumChannel](data)
}

func (f *ForumsClient) Invitations(ctx context.Context) ([]ForumInvitation, error) {
	data, err := f.c.doRequest(ctx, http.MethodGet, "/forums/invitations/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[ForumInvitation](data)
}

func (f *ForumsClient) Invite(ctx context.Context, forumID int64, username string) error {
	_, err := f.c.doRequest(ctx, http.MethodPost, idPath("/forums/%d/invite/", forumID), map[string]string{"username": username}, nil)
	return err
}

// RespondInvitation accepts or declines a forum invitation.
func (f *ForumsClient) RespondInvitation(ctx context.Context, invitationID int64, accept bool) error {
	action := "decline"
	if accept {
		action = "accept"
	}
	_, err := f.c.doRequest(ctx, http.MethodPost, idPath("/forums/invitations/%d/respond/", invitationID), map[string]string{"action": action}, nil)
	return err
}

// ============================================================================
// Admin
// ============================================================================

// AdminClient wraps the admin namespace. The backend enforces the admin role.
type AdminClient struct{ c *Client }

func (a *AdminClient) Users(ctx context.Context) ([]User, error) {
	data, err := a.c.doRequest(ctx, http.MethodGet, "/admin/users/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[User](data)
}

func (a *AdminClient) Messages(ctx context.Context) ([]Message, error) {
	data, err := a.c.doRequest(ctx, http.MethodGet, "/admin/messages/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Message](data)
}

func (a *AdminClient) Groups(ctx context.Context) ([]Group, error) {
	data, err := a.c.doRequest(ctx, http.MethodGet, "/admin/groups/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Group](data)
}

func (a *AdminClient) Forums(ctx context.Context) ([]Forum, error) {
	data, err := a.c.doRequest(ctx, http.MethodGet, "/admin/forums/", nil, nil)
	if err != nil {
		return nil, err
	}
	return decodeList[Forum](data)
}

func (a *AdminClient) AddCollege(ctx context.Context, college College) (*College, error) {
	if strings.TrimSpace(college.Name) == "" {
		return nil, &ValidationError{Field: "name", Reason: "is required"}
	}
	data, err := a.c.doRequest(ctx, http.MethodPost, "/admin/colleges/add/", college, nil)
	if err != nil {
		return nil, err
	}
	return decodeJSON[College](data)
}

func (a *AdminClient) AddGroup(ctx context.Context, opts *CreateGroupOptions) (*Group, error) {
	form, err := opts.form()
	if err != nil {
		return nil, err
	}
	data, err := a.c.do(ctx, http.MethodPost, "/admin/groups/add/", nil, form.body(), true)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Group](data)
}

func (a *AdminClient) AddForum(ctx context.Context, opts *CreateForumOptions) (*Forum, error) {
	form, err := opts.form()
	if err != nil {
		return nil, err
	}
	data, err := a.c.do(ctx, http.MethodPost, "/admin/forums/add/", nil, form.body(), true)
	if err != nil {
		return nil, err
	}
	return decodeJSON[Forum](data)
}

// AdminResource names a deletable admin collection.
type AdminResource string

const (
	AdminUsers    AdminResource = "users"
	AdminColleges AdminResource = "colleges"
	AdminGroups   AdminResource = "groups"
	AdminForums   AdminResource = "forums"
	AdminMessages AdminResource = "messages"
)

func (a *AdminClient) Delete(ctx context.Context, resource AdminResource, id int64) error {
	switch resource {
	case AdminUsers, AdminColleges, AdminGroups, AdminForums, AdminMessages:
	default:
		return &ValidationError{Field: "resource", Reason: fmt.Sprintf("unknown admin resource %q", resource)}
	}
	_, err := a.c.doRequest(ctx, http.MethodDelete, fmt.Sprintf("/admin/%s/%d/delete/", resource, id), nil, nil)
	return err
}
