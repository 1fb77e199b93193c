// Package api is the request/response client for the remote assistant and
// recommendation service. It issues single round trips and never retries;
// retry policy belongs to the caller.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	chatPath            = "/chatgpt/chat"
	historyPath         = "/chatgpt/history"
	recommendationsPath = "/recommendations"
	profilePath         = "/profile"
	signInPath          = "/signin"
	healthPath          = "/health"
)

type Client struct {
	BaseURL string
	WSPath  string
	Client  *http.Client
}

func NewClient(baseURL, wsPath string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if wsPath == "" {
		wsPath = "/chatgpt/ws"
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		WSPath:  wsPath,
		Client:  &http.Client{Timeout: timeout},
	}
}

// TurnMessage is one prior utterance sent as context.
type TurnMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Turn is one full conversation turn request.
type Turn struct {
	UserEmail string
	System    string
	Prior     []TurnMessage
	UserText  string
}

// Reply is the complete assistant answer for one turn.
type Reply struct {
	Text           string
	Timestamp      string
	ConversationID string
}

// HistoryTurn is one past exchange returned by the history endpoint.
type HistoryTurn struct {
	UserText       string `json:"user_message"`
	AssistantText  string `json:"assistant_response"`
	Timestamp      string `json:"timestamp"`
	ConversationID string `json:"conversation_id"`
}

type chatRequest struct {
	UserEmail string        `json:"user_email"`
	Messages  []TurnMessage `json:"messages"`
}

type chatResponse struct {
	UserEmail      string `json:"user_email"`
	Message        string `json:"message"`
	Timestamp      string `json:"timestamp"`
	ConversationID string `json:"conversation_id"`
}

type historyResponse struct {
	UserEmail     string        `json:"user_email"`
	Conversations []HistoryTurn `json:"conversations"`
}

// SendConversationTurn sends the full conversation context and blocks until
// one complete reply or error.
func (c *Client) SendConversationTurn(ctx context.Context, turn Turn) (*Reply, error) {
	msgs := make([]TurnMessage, 0, len(turn.Prior)+2)
	if turn.System != "" {
		msgs = append(msgs, TurnMessage{Role: "system", Content: turn.System})
	}
	msgs = append(msgs, turn.Prior...)
	msgs = append(msgs, TurnMessage{Role: "user", Content: turn.UserText})

	var out chatResponse
	if err := c.post(ctx, chatPath, chatRequest{UserEmail: turn.UserEmail, Messages: msgs}, &out); err != nil {
		return nil, err
	}
	return &Reply{
		Text:           out.Message,
		Timestamp:      out.Timestamp,
		ConversationID: out.ConversationID,
	}, nil
}

// FetchHistory returns past turns, oldest first. A user with no server-side
// history yields ErrNotFound, distinct from a transport failure.
func (c *Client) FetchHistory(ctx context.Context, email string, limit int) ([]HistoryTurn, error) {
	if limit <= 0 {
		limit = 20
	}
	path := fmt.Sprintf("%s/%s?limit=%d", historyPath, url.PathEscape(email), limit)
	var out historyResponse
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

// Recommendation is one recommended item; the payload shape is owned by the
// remote service, so fields stay loose.
type Recommendation map[string]any

type recommendationsRequest struct {
	UserEmail string `json:"user_email"`
	Category  string `json:"category"`
}

type RecommendationsResult struct {
	Recommendations []Recommendation  `json:"recommendations"`
	Category        string            `json:"category"`
	MajorColors     map[string]string `json:"major_colors"`
}

// FetchRecommendations returns personalized items for one of the categories
// "orgs", "events" or "tutoring".
func (c *Client) FetchRecommendations(ctx context.Context, email, category string) (*RecommendationsResult, error) {
	var out RecommendationsResult
	if err := c.post(ctx, recommendationsPath, recommendationsRequest{UserEmail: email, Category: category}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Profile is the remote user profile, loose for the same reason as
// Recommendation.
type Profile map[string]any

func (c *Client) FetchProfile(ctx context.Context, email string) (Profile, error) {
	var out struct {
		User Profile `json:"user"`
	}
	if err := c.get(ctx, profilePath+"/"+url.PathEscape(email), &out); err != nil {
		return nil, err
	}
	return out.User, nil
}

// SignIn asks the identity collaborator to resolve the user.
func (c *Client) SignIn(ctx context.Context, email string) error {
	var out struct {
		Message string `json:"message"`
	}
	return c.post(ctx, signInPath, map[string]string{"email": email}, &out)
}

func (c *Client) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	return c.get(ctx, healthPath, &out)
}

// WebSocketURL derives the per-user streaming endpoint from the base URL.
func (c *Client) WebSocketURL(email string) string {
	base := c.BaseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + c.WSPath + "/" + url.PathEscape(email)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.Client.Do(req)
	if err != nil {
		return &NetworkError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4*1024))
		msg := remoteDetail(body)
		return &ServiceError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ServiceError{Status: resp.StatusCode, Message: fmt.Sprintf("malformed response: %v", err)}
	}
	return nil
}

// remoteDetail pulls the service's error message out of an error body. The
// service answers with {"detail": "..."} on failures.
func remoteDetail(body []byte) string {
	var d struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &d); err == nil {
		if d.Detail != "" {
			return d.Detail
		}
		if d.Message != "" {
			return d.Message
		}
	}
	return strings.TrimSpace(string(body))
}
