package rest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/clanmanager/pkg/platform"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Config{
		BaseURL:           srv.URL,
		Token:             "secret",
		RequestsPerSecond: 1000,
		Burst:             10,
	})
	require.NoError(t, err)
	return c
}

func TestCommandsUseExpectedRoutes(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bot secret", r.Header.Get("Authorization"))
		mu.Lock()
		got = append(got, r.Method+" "+r.URL.Path)
		mu.Unlock()
		if r.Method == http.MethodPatch {
			body, _ := io.ReadAll(r.Body)
			assert.JSONEq(t, `{"name":"New Name"}`, string(body))
		}
		w.WriteHeader(http.StatusNoContent)
	})

	ctx := context.Background()
	require.NoError(t, c.AddMember(ctx, "c1", "u1"))
	require.NoError(t, c.RemoveMember(ctx, "c1", "u1"))
	require.NoError(t, c.GrantRole(ctx, "c1", "u1", "r1"))
	require.NoError(t, c.RevokeRole(ctx, "c1", "u1", "r1"))
	require.NoError(t, c.RenameClan(ctx, "c1", "New Name"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"PUT /clans/c1/members/u1",
		"DELETE /clans/c1/members/u1",
		"PUT /clans/c1/members/u1/roles/r1",
		"DELETE /clans/c1/members/u1/roles/r1",
		"PATCH /clans/c1",
	}, got)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		call   func(c *Client) error
		check  func(t *testing.T, err error)
	}{
		{
			name:   "rate limited",
			status: http.StatusTooManyRequests,
			body:   `{"message":"slow down","retry_after":1.5}`,
			call:   func(c *Client) error { return c.GrantRole(context.Background(), "c1", "u1", "r1") },
			check: func(t *testing.T, err error) {
				assert.True(t, platform.IsTransient(err))
				var ce *platform.CommandError
				require.ErrorAs(t, err, &ce)
				assert.Equal(t, 1500*time.Millisecond, ce.RetryAfter)
				assert.Contains(t, err.Error(), "slow down")
			},
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			call:   func(c *Client) error { return c.AddMember(context.Background(), "c1", "u1") },
			check: func(t *testing.T, err error) {
				assert.True(t, platform.IsTransient(err))
			},
		},
		{
			name:   "remove missing member",
			status: http.StatusNotFound,
			call:   func(c *Client) error { return c.RemoveMember(context.Background(), "c1", "u1") },
			check: func(t *testing.T, err error) {
				assert.True(t, platform.IsAlreadyAbsent(err))
			},
		},
		{
			name:   "revoke missing role",
			status: http.StatusNotFound,
			call:   func(c *Client) error { return c.RevokeRole(context.Background(), "c1", "u1", "r1") },
			check: func(t *testing.T, err error) {
				assert.True(t, platform.IsAlreadyAbsent(err))
			},
		},
		{
			name:   "grant to unknown member",
			status: http.StatusNotFound,
			call:   func(c *Client) error { return c.GrantRole(context.Background(), "c1", "u1", "r1") },
			check: func(t *testing.T, err error) {
				assert.True(t, platform.IsPermanent(err))
			},
		},
		{
			name:   "forbidden",
			status: http.StatusForbidden,
			body:   `{"message":"Missing Permissions"}`,
			call:   func(c *Client) error { return c.RenameClan(context.Background(), "c1", "x") },
			check: func(t *testing.T, err error) {
				assert.True(t, platform.IsPermanent(err))
				assert.Contains(t, err.Error(), "Missing Permissions")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			err := tt.call(c)
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestFetchSnapshot(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/clans/c1/members", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"name": "Night Watch",
			"members": [
				{"user": {"id": "u2"}, "roles": ["member"], "joined_at": "2024-01-02T03:04:05Z"},
				{"user": {"id": "u1"}, "roles": ["owner", "member"]},
				{"roles": ["member"]}
			]
		}`))
	})

	snap, err := c.FetchSnapshot(context.Background(), "c1")
	require.NoError(t, err)

	assert.Equal(t, "c1", snap.ClanID())
	assert.Equal(t, "Night Watch", snap.Name())
	assert.Equal(t, []string{"u1", "u2"}, snap.UserIDs())

	u1, _ := snap.Member("u1")
	assert.Equal(t, []string{"member", "owner"}, u1.Roles.Sorted())
	u2, _ := snap.Member("u2")
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), u2.JoinedAt)
}

func TestFetchSnapshotRejectsInvalidJSON(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	})

	_, err := c.FetchSnapshot(context.Background(), "c1")
	assert.True(t, platform.IsPermanent(err))
}

func TestUnreachableServerIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	c, err := NewClient(Config{BaseURL: addr, Timeout: time.Second})
	require.NoError(t, err)

	err = c.AddMember(context.Background(), "c1", "u1")
	assert.True(t, platform.IsTransient(err))
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{})
	assert.Error(t, err)
}
