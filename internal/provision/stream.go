package provision

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

	"github.com/golang-jwt/jwt/v5"

	"codepair/pkg/interfaces"
)

const (
	callType    = "default"
	channelType = "messaging"

	maxErrorBody = 4096
)

// StreamConfig holds the credentials and endpoints of the hosted video and chat service
type StreamConfig struct {
	APIKey    string
	APISecret string
	VideoURL  string
	ChatURL   string
	Timeout   time.Duration
}

// StreamClient provisions calls and channels through the hosted service REST API
// ARCHITECTURAL DISCOVERY: Each request carries a short-lived server token signed
// with the API secret, so no credential state is held between calls
type StreamClient struct {
	apiKey     string
	secret     []byte
	videoURL   string
	chatURL    string
	httpClient *http.Client
	now        func() time.Time
}

var _ interfaces.Provisioner = (*StreamClient)(nil)

// NewStreamClient creates a REST provisioner. Nil httpClient uses a client with cfg.Timeout.
func NewStreamClient(cfg StreamConfig, httpClient *http.Client) (*StreamClient, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, ErrNotConfigured
	}
	if cfg.VideoURL == "" || cfg.ChatURL == "" {
		return nil, fmt.Errorf("%w: video and chat URLs are required", ErrNotConfigured)
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &StreamClient{
		apiKey:     cfg.APIKey,
		secret:     []byte(cfg.APISecret),
		videoURL:   strings.TrimRight(cfg.VideoURL, "/"),
		chatURL:    strings.TrimRight(cfg.ChatURL, "/"),
		httpClient: httpClient,
		now:        time.Now,
	}, nil
}

func (c *StreamClient) CreateCall(ctx context.Context, callID string, meta interfaces.CallMetadata) error {
	body := map[string]interface{}{
		"data": meta,
	}
	path := fmt.Sprintf("/video/call/%s/%s", callType, url.PathEscape(callID))
	return c.do(ctx, OpCreateCall, http.MethodPost, c.videoURL, path, nil, body)
}

func (c *StreamClient) DeleteCall(ctx context.Context, callID string, hard bool) error {
	body := map[string]interface{}{
		"hard": hard,
	}
	path := fmt.Sprintf("/video/call/%s/%s/delete", callType, url.PathEscape(callID))
	err := c.do(ctx, OpDeleteCall, http.MethodPost, c.videoURL, path, nil, body)
	return ignoreNotFound(err)
}

func (c *StreamClient) CreateChannel(ctx context.Context, callID, name, createdBy string, members []string) error {
	body := map[string]interface{}{
		"data": map[string]interface{}{
			"name":          name,
			"created_by_id": createdBy,
			"members":       members,
		},
	}
	path := fmt.Sprintf("/channels/%s/%s/query", channelType, url.PathEscape(callID))
	return c.do(ctx, OpCreateChannel, http.MethodPost, c.chatURL, path, nil, body)
}

func (c *StreamClient) AddMember(ctx context.Context, callID, member string) error {
	body := map[string]interface{}{
		"add_members": []string{member},
	}
	path := fmt.Sprintf("/channels/%s/%s", channelType, url.PathEscape(callID))
	return c.do(ctx, OpAddMember, http.MethodPost, c.chatURL, path, nil, body)
}

func (c *StreamClient) DeleteChannel(ctx context.Context, callID string) error {
	query := url.Values{"hard_delete": []string{"true"}}
	path := fmt.Sprintf("/channels/%s/%s", channelType, url.PathEscape(callID))
	err := c.do(ctx, OpDeleteChannel, http.MethodDelete, c.chatURL, path, query, nil)
	return ignoreNotFound(err)
}

// UpsertUser creates or refreshes the chat user so channel creation and
// membership can reference it by external id
func (c *StreamClient) UpsertUser(ctx context.Context, externalID, name, image string) error {
	user := map[string]interface{}{
		"id":   externalID,
		"name": name,
	}
	if image != "" {
		user["image"] = image
	}
	body := map[string]interface{}{
		"users": map[string]interface{}{externalID: user},
	}
	return c.do(ctx, OpUpsertUser, http.MethodPost, c.chatURL, "/users", nil, body)
}

// serverToken signs a token that authorizes server-side calls
func (c *StreamClient) serverToken() (string, error) {
	claims := jwt.MapClaims{
		"server": true,
		"iat":    c.now().Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

func (c *StreamClient) do(ctx context.Context, op, method, base, path string, query url.Values, body interface{}) error {
	token, err := c.serverToken()
	if err != nil {
		return fmt.Errorf("%s: failed to sign server token: %w", op, err)
	}

	if query == nil {
		query = url.Values{}
	}
	query.Set("api_key", c.apiKey)

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: failed to encode request: %w", op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, base+path+"?"+query.Encode(), reader)
	if err != nil {
		return fmt.Errorf("%s: failed to build request: %w", op, err)
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Stream-Auth-Type", "jwt")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}

	// Drain so the connection can be reused
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// ignoreNotFound treats deleting an already-missing resource as success
func ignoreNotFound(err error) error {
	if apiErr, ok := err.(*APIError); ok && apiErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}
