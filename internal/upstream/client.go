package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	accountHeader = "X-Account"
	authHeader    = "X-Auth"

	defaultRequestTimeout = 20 * time.Second
)

var (
	// ErrUnauthorized indicates the upstream identity service rejected the token.
	ErrUnauthorized = errors.New("upstream: unauthorized")
	// ErrExpiredCredential indicates the configuration API refused the
	// credential outright; the caller must not retry with it.
	ErrExpiredCredential = errors.New("upstream: expired credential")
	// ErrNotFound indicates the requested object does not exist upstream.
	ErrNotFound = errors.New("upstream: object not found")

	errMissingAPIBaseURL  = errors.New("upstream: api base url required")
	errMissingAuthBaseURL = errors.New("upstream: auth base url required")
)

// Auth carries the per-request identity forwarded to the upstream services.
type Auth struct {
	AccountID string
	Token     string
}

// WatcherMatcher describes one change-notification pattern for a watcher
// registration.
type WatcherMatcher struct {
	MethodPattern string `json:"methodPattern,omitempty"`
	URIPattern    string `json:"uriPattern,omitempty"`
	ScopePattern  string `json:"scopePattern,omitempty"`
}

// WatcherSpec is the registration payload for an upstream watcher.
type WatcherSpec struct {
	Name     string           `json:"name"`
	Matchers []WatcherMatcher `json:"matchers"`
}

// ClientConfig bundles the dependencies of the upstream Client.
type ClientConfig struct {
	APIBaseURL  string
	AuthBaseURL string
	HTTPClient  *http.Client
	Dialer      *websocket.Dialer
	Logger      *zap.Logger
}

// Client is an authenticated HTTP client for the configuration API and the
// identity service. All calls forward the account id and token as headers.
type Client struct {
	apiBase    string
	authBase   string
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *zap.Logger
}

// NewClient constructs a Client with validated configuration.
func NewClient(cfg ClientConfig) (*Client, error) {
	apiBase := strings.TrimRight(strings.TrimSpace(cfg.APIBaseURL), "/")
	if apiBase == "" {
		return nil, errMissingAPIBaseURL
	}
	authBase := strings.TrimRight(strings.TrimSpace(cfg.AuthBaseURL), "/")
	if authBase == "" {
		return nil, errMissingAuthBaseURL
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		apiBase:    apiBase,
		authBase:   authBase,
		httpClient: httpClient,
		dialer:     dialer,
		logger:     logger,
	}, nil
}

// FetchObject retrieves one object by type and id.
func (c *Client) FetchObject(ctx context.Context, auth Auth, objectType, id string) (json.RawMessage, error) {
	return c.doAPI(ctx, auth, http.MethodGet, objectType+"/"+url.PathEscape(id), nil, nil)
}

// ListObjects retrieves the object collection, forwarding the caller's query
// parameters unchanged.
func (c *Client) ListObjects(ctx context.Context, auth Auth, objectType string, query url.Values) (json.RawMessage, error) {
	return c.doAPI(ctx, auth, http.MethodGet, objectType, query, nil)
}

// CreateObject posts a new object of the given type.
func (c *Client) CreateObject(ctx context.Context, auth Auth, objectType string, body json.RawMessage) (json.RawMessage, error) {
	return c.doAPI(ctx, auth, http.MethodPost, objectType, nil, body)
}

// UpdateObject patches an existing object, forwarding query parameters (set,
// append, version and the like) unchanged.
func (c *Client) UpdateObject(ctx context.Context, auth Auth, objectType, id string, query url.Values, body json.RawMessage) (json.RawMessage, error) {
	return c.doAPI(ctx, auth, http.MethodPatch, objectType+"/"+url.PathEscape(id), query, body)
}

// DeleteObject removes one object by type and id.
func (c *Client) DeleteObject(ctx context.Context, auth Auth, objectType, id string) error {
	_, err := c.doAPI(ctx, auth, http.MethodDelete, objectType+"/"+url.PathEscape(id), nil, nil)
	return err
}

// RegisterWatcher registers a change-notification watcher and returns the
// subscription id used to open the watcher socket.
func (c *Client) RegisterWatcher(ctx context.Context, auth Auth, spec WatcherSpec) (string, error) {
	payload, err := json.Marshal(spec)
	if err != nil {
		return "", err
	}
	raw, err := c.doAPI(ctx, auth, http.MethodPost, "watchers", nil, payload)
	if err != nil {
		return "", err
	}
	var response struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &response); err != nil {
		return "", fmt.Errorf("upstream: invalid watcher response: %w", err)
	}
	if response.ID == "" {
		return "", errors.New("upstream: watcher response missing id")
	}
	return response.ID, nil
}

// WatcherSocketURL returns the websocket URL for an established watcher id.
func (c *Client) WatcherSocketURL(watcherID string) string {
	socketBase := c.apiBase
	switch {
	case strings.HasPrefix(socketBase, "https://"):
		socketBase = "wss://" + strings.TrimPrefix(socketBase, "https://")
	case strings.HasPrefix(socketBase, "http://"):
		socketBase = "ws://" + strings.TrimPrefix(socketBase, "http://")
	}
	return socketBase + "/watchers/" + url.PathEscape(watcherID)
}

// DialWatcher opens the subscription transport for an established watcher id.
func (c *Client) DialWatcher(ctx context.Context, auth Auth, watcherID string) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set(accountHeader, auth.AccountID)
	header.Set(authHeader, auth.Token)

	conn, response, err := c.dialer.DialContext(ctx, c.WatcherSocketURL(watcherID), header)
	if err != nil {
		if response != nil {
			return nil, statusError(response.StatusCode, nil)
		}
		return nil, err
	}
	return conn, nil
}

// Validate asks the identity service whether the token is still valid.
// ErrUnauthorized means the token has expired or been revoked; any other
// error is transient.
func (c *Client) Validate(ctx context.Context, auth Auth) error {
	endpoint := c.authBase + "/auth/validate"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set(accountHeader, auth.AccountID)
	req.Header.Set(authHeader, auth.Token)

	response, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	switch {
	case response.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case response.StatusCode >= 300:
		return fmt.Errorf("upstream: validate returned status %d", response.StatusCode)
	}
	return nil
}

// Login forwards dashboard credentials to the identity service and relays the
// response body, which carries the issued token.
func (c *Client) Login(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	endpoint := c.authBase + "/auth/login"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}
	if response.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}
	if response.StatusCode >= 300 {
		return nil, fmt.Errorf("upstream: login returned status %d", response.StatusCode)
	}
	return raw, nil
}

func (c *Client) doAPI(ctx context.Context, auth Auth, method, path string, query url.Values, body json.RawMessage) (json.RawMessage, error) {
	endpoint := c.apiBase + "/" + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set(accountHeader, auth.AccountID)
	req.Header.Set(authHeader, auth.Token)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	response, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}
	if response.StatusCode >= 300 {
		c.logger.Debug("upstream request failed",
			zap.String("method", method), zap.String("path", path),
			zap.Int("status", response.StatusCode))
		return nil, statusError(response.StatusCode, raw)
	}
	return raw, nil
}

func statusError(status int, body []byte) error {
	switch status {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrExpiredCredential
	case http.StatusNotFound:
		return ErrNotFound
	}
	message := strings.TrimSpace(string(body))
	if message == "" {
		return fmt.Errorf("upstream: request returned status %d", status)
	}
	return fmt.Errorf("upstream: request returned status %d: %s", status, message)
}
