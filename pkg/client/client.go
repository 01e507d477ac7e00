package client

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

	"github.com/cuemby/clanmanager/pkg/api"
	"github.com/cuemby/clanmanager/pkg/events"
	"github.com/cuemby/clanmanager/pkg/manager"
)

// ErrNotFound is returned when the server answers 404
var ErrNotFound = errors.New("not found")

// StatusError carries a non-2xx response
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// Is lets errors.Is match ErrNotFound on 404 responses
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Client talks to a clanmanager admin API
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a client for the API at addr. addr may omit the scheme.
func NewClient(addr, token string) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid server address %q", addr)
	}

	return &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		token:   token,
		http:    &http.Client{Timeout: 3 * time.Minute},
	}, nil
}

// ListClans returns every managed clan
func (c *Client) ListClans(ctx context.Context) ([]api.Clan, error) {
	var out []api.Clan
	return out, c.do(ctx, http.MethodGet, "/v1/clans", nil, &out)
}

// GetClan returns one clan
func (c *Client) GetClan(ctx context.Context, clanID string) (*api.Clan, error) {
	var out api.Clan
	if err := c.do(ctx, http.MethodGet, clanPath(clanID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterClan registers a clan. Empty Roles receive the default ladder.
func (c *Client) RegisterClan(ctx context.Context, clan api.Clan) (*api.Clan, error) {
	var out api.Clan
	if err := c.do(ctx, http.MethodPost, "/v1/clans", clan, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeregisterClan stops managing a clan and deletes its persisted state
func (c *Client) DeregisterClan(ctx context.Context, clanID string) error {
	return c.do(ctx, http.MethodDelete, clanPath(clanID), nil, nil)
}

// Reconcile forces a full pull of the clan
func (c *Client) Reconcile(ctx context.Context, clanID string) (*api.ReconcileResult, error) {
	var out api.ReconcileResult
	if err := c.do(ctx, http.MethodPost, clanPath(clanID)+"/reconcile", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetReverification sets the reverification window; 0 disables it
func (c *Client) SetReverification(ctx context.Context, clanID string, days int) (*api.Clan, error) {
	var out api.Clan
	if err := c.do(ctx, http.MethodPut, clanPath(clanID)+"/reverification", api.ReverificationRequest{Days: days}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMembers returns the persisted members of a clan
func (c *Client) ListMembers(ctx context.Context, clanID string) ([]api.Member, error) {
	var out []api.Member
	return out, c.do(ctx, http.MethodGet, clanPath(clanID)+"/members", nil, &out)
}

// CreateToken mints an admin token; ttl 0 never expires
func (c *Client) CreateToken(ctx context.Context, name string, ttl time.Duration) (*manager.APIToken, error) {
	req := api.TokenRequest{Name: name}
	if ttl > 0 {
		req.TTL = ttl.String()
	}
	var out manager.APIToken
	if err := c.do(ctx, http.MethodPost, "/v1/tokens", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WatchEvents streams lifecycle events to fn until ctx is done or the
// connection drops. An empty clanID streams every clan.
func (c *Client) WatchEvents(ctx context.Context, clanID string, fn func(*events.Event)) error {
	u, err := url.Parse(c.baseURL + "/v1/events")
	if err != nil {
		return err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	q := u.Query()
	if clanID != "" {
		q.Set("clan", clanID)
	}
	if c.token != "" {
		q.Set("token", c.token)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("event stream closed: %w", err)
		}

		var ev events.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		fn(&ev)
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e api.ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &StatusError{Status: resp.StatusCode, Message: e.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func clanPath(clanID string) string {
	return "/v1/clans/" + url.PathEscape(clanID)
}
