package rest

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
	"time"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/cuemby/clanmanager/pkg/log"
	"github.com/cuemby/clanmanager/pkg/platform"
	"github.com/cuemby/clanmanager/pkg/types"
)

// Config configures the REST client
type Config struct {
	BaseURL           string
	Token             string
	Timeout           time.Duration
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
}

// Client implements platform.Client over the platform HTTP API
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewClient creates a REST platform client
func NewClient(cfg Config) (*Client, error) {
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("invalid platform base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		http:    httpClient,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		logger:  log.WithComponent("platform-rest"),
	}, nil
}

func (c *Client) AddMember(ctx context.Context, clanID, userID string) error {
	_, err := c.do(ctx, platform.CmdAddMember, http.MethodPut, memberPath(clanID, userID), nil)
	return err
}

func (c *Client) RemoveMember(ctx context.Context, clanID, userID string) error {
	_, err := c.do(ctx, platform.CmdRemoveMember, http.MethodDelete, memberPath(clanID, userID), nil)
	return err
}

func (c *Client) GrantRole(ctx context.Context, clanID, userID, roleID string) error {
	_, err := c.do(ctx, platform.CmdGrantRole, http.MethodPut, rolePath(clanID, userID, roleID), nil)
	return err
}

func (c *Client) RevokeRole(ctx context.Context, clanID, userID, roleID string) error {
	_, err := c.do(ctx, platform.CmdRevokeRole, http.MethodDelete, rolePath(clanID, userID, roleID), nil)
	return err
}

func (c *Client) RenameClan(ctx context.Context, clanID, name string) error {
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return platform.Permanent(platform.CmdRenameClan, err)
	}
	_, err = c.do(ctx, platform.CmdRenameClan, http.MethodPatch, "/clans/"+url.PathEscape(clanID), body)
	return err
}

// FetchSnapshot reads the clan name and full member list
func (c *Client) FetchSnapshot(ctx context.Context, clanID string) (*types.Snapshot, error) {
	body, err := c.do(ctx, platform.CmdFetchSnapshot, http.MethodGet, "/clans/"+url.PathEscape(clanID)+"/members", nil)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, platform.Permanent(platform.CmdFetchSnapshot, fmt.Errorf("invalid JSON response"))
	}

	doc := gjson.ParseBytes(body)
	var members []types.SnapshotMember
	for _, m := range doc.Get("members").Array() {
		userID := m.Get("user.id").String()
		if userID == "" {
			continue
		}
		var roles []string
		for _, r := range m.Get("roles").Array() {
			roles = append(roles, r.String())
		}
		joined, _ := time.Parse(time.RFC3339, m.Get("joined_at").String())
		members = append(members, types.SnapshotMember{
			UserID:   userID,
			Roles:    types.NewRoleSet(roles...),
			JoinedAt: joined,
		})
	}

	return types.NewSnapshot(clanID, doc.Get("name").String(), types.SourceLive, members), nil
}

func (c *Client) do(ctx context.Context, command, method, path string, body []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, platform.Permanent(command, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bot "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// Timeouts, refused connections, and resets
		return nil, platform.Transient(command, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, platform.Transient(command, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return data, nil
	}

	cmdErr := classify(command, resp, data)
	c.logger.Debug().
		Str("command", command).
		Int("status", resp.StatusCode).
		Str("kind", cmdErr.Kind.String()).
		Msg("Platform command failed")
	return nil, cmdErr
}

// classify maps an HTTP failure to a command error kind
func classify(command string, resp *http.Response, body []byte) *platform.CommandError {
	msg := gjson.GetBytes(body, "message").String()
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	cmdErr := &platform.CommandError{
		Command:    command,
		StatusCode: resp.StatusCode,
		Err:        errors.New(msg),
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		cmdErr.Kind = platform.KindTransient
		cmdErr.RetryAfter = retryAfter(resp, body)
	case resp.StatusCode >= 500:
		cmdErr.Kind = platform.KindTransient
	case resp.StatusCode == http.StatusNotFound &&
		(command == platform.CmdRemoveMember || command == platform.CmdRevokeRole):
		cmdErr.Kind = platform.KindAlreadyAbsent
	default:
		cmdErr.Kind = platform.KindPermanent
	}
	return cmdErr
}

func retryAfter(resp *http.Response, body []byte) time.Duration {
	if v := gjson.GetBytes(body, "retry_after"); v.Exists() {
		return time.Duration(v.Float() * float64(time.Second))
	}
	if secs, err := strconv.ParseFloat(resp.Header.Get("Retry-After"), 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}

func memberPath(clanID, userID string) string {
	return "/clans/" + url.PathEscape(clanID) + "/members/" + url.PathEscape(userID)
}

func rolePath(clanID, userID, roleID string) string {
	return memberPath(clanID, userID) + "/roles/" + url.PathEscape(roleID)
}
